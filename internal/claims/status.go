package claims

import "fmt"

// Status is a viewer's relation to an item's claim flow. It is derived per
// request and never persisted.
type Status int

const (
	// StatusLoading means a precondition could not be resolved; callers must
	// not present any other status in its place.
	StatusLoading Status = iota
	StatusNotSignedIn
	StatusPinOwner
	StatusClaimed
	StatusNotClaimed
)

var statusNames = [...]string{
	StatusLoading:     "loading",
	StatusNotSignedIn: "notSignedIn",
	StatusPinOwner:    "pinOwner",
	StatusClaimed:     "claimed",
	StatusNotClaimed:  "notClaimed",
}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown claim status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// Action is what the client should do when the claim affordance is used.
type Action string

const (
	ActionNone   Action = "none"
	ActionClaim  Action = "claim"
	ActionSignIn Action = "signIn"
)

// Affordance describes how a status is offered to the viewer.
type Affordance struct {
	Label   string `json:"label"`
	Action  Action `json:"action"`
	Enabled bool   `json:"enabled"`
}

// AffordanceFor maps every status to its affordance.
func AffordanceFor(s Status) Affordance {
	switch s {
	case StatusNotClaimed:
		return Affordance{Label: "Claim Item", Action: ActionClaim, Enabled: true}
	case StatusClaimed:
		return Affordance{Label: "Request Submitted", Action: ActionNone}
	case StatusPinOwner:
		return Affordance{Label: "You are the finder of this item.", Action: ActionNone}
	case StatusNotSignedIn:
		return Affordance{Label: "Sign In to Claim", Action: ActionSignIn, Enabled: true}
	case StatusLoading:
		return Affordance{Label: "Loading", Action: ActionNone}
	default:
		panic(fmt.Sprintf("claims: no affordance for %v", s))
	}
}
