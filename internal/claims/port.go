package claims

import "context"

// Port is the data access the claim lifecycle depends on. Implementations
// report missing rows as errors matching ErrNotFound and otherwise return
// the storage error unchanged; an empty slice is a successful empty result.
type Port interface {
	FetchItem(ctx context.Context, itemID string) (Item, error)
	FetchProfile(ctx context.Context, identityID string) (Profile, error)
	FetchClaimRequests(ctx context.Context, itemID, requesterID string) ([]ClaimRequest, error)
	FetchRequesterHistory(ctx context.Context, requesterID string) ([]ClaimRequest, error)
	// CreateClaimRequest inserts an undecided request. It must return an error
	// matching ErrDuplicateClaim when (itemID, requesterID) already exists,
	// enforced by the storage layer rather than a prior read.
	CreateClaimRequest(ctx context.Context, itemID, requesterID, message string) (ClaimRequest, error)
}

// DecisionStore applies a finder's verdict.
type DecisionStore interface {
	FetchItem(ctx context.Context, itemID string) (Item, error)
	// DecideClaim moves an undecided request to a terminal decision. It returns
	// ErrNotFound for an unknown request and ErrAlreadyDecided when the request
	// is no longer undecided.
	DecideClaim(ctx context.Context, itemID, requestID string, decision Decision) (ClaimRequest, error)
}

// ChangeNotifier is told about committed item mutations.
type ChangeNotifier interface {
	ItemChanged(ctx context.Context, itemID string)
}

type noopNotifier struct{}

func (noopNotifier) ItemChanged(context.Context, string) {}
