package claims

import (
	"context"
	"errors"
	"fmt"

	"lostfound/api/internal/rbac"
)

// Decider lets a finder accept or reject claims on their item.
type Decider struct {
	store    DecisionStore
	notifier ChangeNotifier
}

func NewDecider(store DecisionStore, notifier ChangeNotifier) *Decider {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Decider{store: store, notifier: notifier}
}

// Decide records decision on requestID. Only the item's creator may decide,
// and only an undecided request can transition.
func (d *Decider) Decide(ctx context.Context, itemID, requestID string, actor *Identity, decision Decision) (ClaimRequest, error) {
	if actor == nil || actor.ID == "" {
		return ClaimRequest{}, ErrUnauthenticated
	}
	if !decision.Terminal() {
		return ClaimRequest{}, Wrap(KindInvalid, fmt.Errorf("decision must be %q or %q", DecisionAccepted, DecisionRejected))
	}

	item, err := d.store.FetchItem(ctx, itemID)
	if err != nil {
		return ClaimRequest{}, err
	}
	if !rbac.Can(rbac.RelationOf(actor.ID, item.CreatorID), rbac.ActionDecide) {
		return ClaimRequest{}, Wrap(KindForbidden, errors.New("only the finder can decide claims"))
	}

	req, err := d.store.DecideClaim(ctx, item.ID, requestID, decision)
	if err != nil {
		return ClaimRequest{}, err
	}
	d.notifier.ItemChanged(ctx, item.ID)
	return req, nil
}
