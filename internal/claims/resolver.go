package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Resolver derives claim statuses from the data port.
type Resolver struct {
	port Port
}

func NewResolver(port Port) *Resolver {
	return &Resolver{port: port}
}

// Status computes viewer's status for item. The first matching rule wins:
// no viewer, viewer is the creator, unresolved profile, existing claim, none.
// Whenever a lookup fails the result is StatusLoading together with the
// reason; a failure never degrades to StatusNotClaimed.
func (r *Resolver) Status(ctx context.Context, viewer *Identity, item Item) (Status, error) {
	if viewer == nil || viewer.ID == "" {
		return StatusNotSignedIn, nil
	}
	if viewer.ID == item.CreatorID {
		return StatusPinOwner, nil
	}

	profile, err := r.port.FetchProfile(ctx, viewer.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusLoading, ErrProfileUnresolved
		}
		return StatusLoading, fmt.Errorf("fetch profile: %w", err)
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		return StatusLoading, ErrProfileUnresolved
	}

	requests, err := r.port.FetchClaimRequests(ctx, item.ID, viewer.ID)
	if err != nil {
		return StatusLoading, fmt.Errorf("fetch claim requests: %w", err)
	}
	if len(requests) > 0 {
		return StatusClaimed, nil
	}
	return StatusNotClaimed, nil
}
