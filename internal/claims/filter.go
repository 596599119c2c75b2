package claims

import "strings"

// Filter selects claim requests by decision.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterAccepted  Filter = "accepted"
	FilterRejected  Filter = "rejected"
	FilterUndecided Filter = "undecided"
)

// ParseFilter reads a filter from a query value. Anything unrecognised,
// including the empty string, selects FilterAll.
func ParseFilter(value string) Filter {
	switch f := Filter(strings.ToLower(strings.TrimSpace(value))); f {
	case FilterAccepted, FilterRejected, FilterUndecided:
		return f
	default:
		return FilterAll
	}
}

// Match reports whether req satisfies f. A nil request never matches, and
// neither does any request for a Filter value outside the declared set.
func (f Filter) Match(req *ClaimRequest) bool {
	if req == nil {
		return false
	}
	switch f {
	case FilterAccepted:
		return req.Decision == DecisionAccepted
	case FilterRejected:
		return req.Decision == DecisionRejected
	case FilterUndecided:
		return req.Decision == DecisionUndecided
	case FilterAll:
		return true
	default:
		return false
	}
}

// FilterRequests returns the item ids whose request satisfies f.
func FilterRequests(requests map[string]*ClaimRequest, f Filter) map[string]struct{} {
	out := make(map[string]struct{}, len(requests))
	for itemID, req := range requests {
		if f.Match(req) {
			out[itemID] = struct{}{}
		}
	}
	return out
}
