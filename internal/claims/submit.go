package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"lostfound/api/internal/rbac"
)

const maxMessageLength = 2000

// Submitter creates claim requests.
type Submitter struct {
	port     Port
	notifier ChangeNotifier
}

// NewSubmitter builds a Submitter. notifier may be nil when change events are
// produced by the storage layer itself.
func NewSubmitter(port Port, notifier ChangeNotifier) *Submitter {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Submitter{port: port, notifier: notifier}
}

// Submit files a claim by requester on itemID. Uniqueness per
// (item, requester) is enforced by the port's insert; the item's claim count
// is derived from stored requests, so a single write either fully happens or
// does not happen at all.
func (s *Submitter) Submit(ctx context.Context, itemID string, requester *Identity, message string) (ClaimRequest, error) {
	if requester == nil || requester.ID == "" {
		return ClaimRequest{}, ErrUnauthenticated
	}
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > maxMessageLength {
		return ClaimRequest{}, Wrap(KindInvalid, fmt.Errorf("message exceeds %d characters", maxMessageLength))
	}

	item, err := s.port.FetchItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ClaimRequest{}, err
		}
		return ClaimRequest{}, Wrap(KindSubmissionFailed, fmt.Errorf("fetch item: %w", err))
	}
	if !rbac.Can(rbac.RelationOf(requester.ID, item.CreatorID), rbac.ActionClaim) {
		return ClaimRequest{}, Wrap(KindForbidden, errors.New("finders cannot claim their own item"))
	}

	req, err := s.port.CreateClaimRequest(ctx, item.ID, requester.ID, message)
	if err != nil {
		if errors.Is(err, ErrDuplicateClaim) || errors.Is(err, ErrNotFound) {
			return ClaimRequest{}, err
		}
		return ClaimRequest{}, Wrap(KindSubmissionFailed, err)
	}

	s.notifier.ItemChanged(ctx, item.ID)
	return req, nil
}
