package claims

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memPort is a mutex-guarded Port whose insert enforces (item, requester)
// uniqueness the way a storage constraint would.
type memPort struct {
	mu       sync.Mutex
	items    map[string]Item
	profiles map[string]Profile
	requests []ClaimRequest
	seq      int

	fetchProfileErr  error
	fetchRequestsErr error
	createErr        error
	fetchItemErr     error
}

func newMemPort() *memPort {
	return &memPort{
		items:    make(map[string]Item),
		profiles: make(map[string]Profile),
	}
}

func (m *memPort) addItem(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
}

func (m *memPort) addProfile(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[id] = Profile{ID: id, DisplayName: name}
}

func (m *memPort) count(itemID string) int {
	n := 0
	for _, r := range m.requests {
		if r.ItemID == itemID {
			n++
		}
	}
	return n
}

func (m *memPort) FetchItem(_ context.Context, itemID string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchItemErr != nil {
		return Item{}, m.fetchItemErr
	}
	item, ok := m.items[itemID]
	if !ok {
		return Item{}, Wrap(KindNotFound, fmt.Errorf("item %s", itemID))
	}
	item.ClaimCount = m.count(itemID)
	return item, nil
}

func (m *memPort) FetchProfile(_ context.Context, identityID string) (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchProfileErr != nil {
		return Profile{}, m.fetchProfileErr
	}
	p, ok := m.profiles[identityID]
	if !ok {
		return Profile{}, Wrap(KindNotFound, fmt.Errorf("profile %s", identityID))
	}
	return p, nil
}

func (m *memPort) FetchClaimRequests(_ context.Context, itemID, requesterID string) ([]ClaimRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchRequestsErr != nil {
		return nil, m.fetchRequestsErr
	}
	out := []ClaimRequest{}
	for _, r := range m.requests {
		if r.ItemID == itemID && r.RequesterID == requesterID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memPort) FetchRequesterHistory(_ context.Context, requesterID string) ([]ClaimRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ClaimRequest{}
	for _, r := range m.requests {
		if r.RequesterID == requesterID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memPort) CreateClaimRequest(_ context.Context, itemID, requesterID, message string) (ClaimRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return ClaimRequest{}, m.createErr
	}
	for _, r := range m.requests {
		if r.ItemID == itemID && r.RequesterID == requesterID {
			return ClaimRequest{}, ErrDuplicateClaim
		}
	}
	m.seq++
	req := ClaimRequest{
		ID:          fmt.Sprintf("req-%d", m.seq),
		ItemID:      itemID,
		RequesterID: requesterID,
		Message:     message,
		Decision:    DecisionUndecided,
		CreatedAt:   time.Unix(int64(m.seq), 0),
	}
	m.requests = append(m.requests, req)
	return req, nil
}

func (m *memPort) DecideClaim(_ context.Context, itemID, requestID string, decision Decision) (ClaimRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.requests {
		if r.ID != requestID || r.ItemID != itemID {
			continue
		}
		if r.Decision != DecisionUndecided {
			return ClaimRequest{}, ErrAlreadyDecided
		}
		now := time.Now()
		m.requests[i].Decision = decision
		m.requests[i].DecidedAt = &now
		return m.requests[i], nil
	}
	return ClaimRequest{}, Wrap(KindNotFound, fmt.Errorf("claim request %s", requestID))
}

func (m *memPort) setDecision(requestID string, d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.requests {
		if m.requests[i].ID == requestID {
			m.requests[i].Decision = d
		}
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	changed []string
}

func (r *recordingNotifier) ItemChanged(_ context.Context, itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, itemID)
}

func (r *recordingNotifier) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changed...)
}
