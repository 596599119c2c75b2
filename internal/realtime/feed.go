package realtime

import (
	"context"
	"errors"
	"log/slog"

	"lostfound/api/internal/claims"
)

// ItemSource re-reads an item so events always carry the committed row.
type ItemSource interface {
	FetchItem(ctx context.Context, itemID string) (claims.Item, error)
}

// Feed publishes item changes made by this process. It implements
// claims.ChangeNotifier for deployments without database notifications.
//
// Publishes for one item are serialised: the re-read and the publish happen
// under a per-item lock, so a later publish always carries a row at least as
// new as an earlier one.
type Feed struct {
	items  ItemSource
	broker Broker
	log    *slog.Logger
	locks  keyedMutex
}

func NewFeed(items ItemSource, broker Broker, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{items: items, broker: broker, log: log}
}

// ItemChanged publishes the current row for itemID, or a delete event when
// the row is gone. Failures are logged; the mutation has already committed.
func (f *Feed) ItemChanged(ctx context.Context, itemID string) {
	if err := f.publish(ctx, itemID, EventUpdate); err != nil {
		f.log.Warn("publish item change", "item_id", itemID, "error", err)
	}
}

// ItemCreated publishes an insert event for a freshly stored item.
func (f *Feed) ItemCreated(ctx context.Context, item claims.Item) {
	unlock := f.locks.Lock(item.ID)
	defer unlock()
	if err := f.broker.Publish(ctx, ItemEvent(EventInsert, item)); err != nil {
		f.log.Warn("publish item insert", "item_id", item.ID, "error", err)
	}
}

func (f *Feed) publish(ctx context.Context, itemID string, typ EventType) error {
	unlock := f.locks.Lock(itemID)
	defer unlock()

	item, err := f.items.FetchItem(ctx, itemID)
	if errors.Is(err, claims.ErrNotFound) {
		return f.broker.Publish(ctx, DeleteEvent(itemID))
	}
	if err != nil {
		return err
	}
	return f.broker.Publish(ctx, ItemEvent(typ, item))
}
