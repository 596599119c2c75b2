package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"lostfound/api/internal/claims"
	"lostfound/api/internal/metrics"
)

// Channel observes one item. It holds exactly one broker subscription at a
// time, applies events in delivery order and keeps only the latest snapshot.
// A row older than the snapshot's version is discarded. After Close returns no
// further event is applied.
type Channel struct {
	broker  Broker
	itemID  string
	source  ItemSource
	log     *slog.Logger
	metrics *metrics.Metrics

	retryInitial time.Duration
	retryMax     time.Duration

	mu       sync.Mutex
	item     claims.Item
	version  int64
	have     bool
	deleted  bool
	dead     bool
	err      error
	sub      Subscription
	updates  chan struct{}
	cancel   context.CancelFunc
	finished chan struct{}

	closeOnce sync.Once
}

type ChannelOption func(*Channel)

func WithLogger(log *slog.Logger) ChannelOption {
	return func(c *Channel) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) ChannelOption {
	return func(c *Channel) { c.metrics = m }
}

// WithSource lets the channel re-read the item after it resubscribes, so
// commits published while it had no subscription are not lost.
func WithSource(items ItemSource) ChannelOption {
	return func(c *Channel) { c.source = items }
}

// WithRetry bounds the resubscribe backoff.
func WithRetry(initial, max time.Duration) ChannelOption {
	return func(c *Channel) {
		c.retryInitial = initial
		c.retryMax = max
	}
}

// Open subscribes to itemID and starts applying its events. The returned
// channel must be closed by the caller.
func Open(ctx context.Context, broker Broker, itemID string, opts ...ChannelOption) (*Channel, error) {
	c := &Channel{
		broker:       broker,
		itemID:       itemID,
		log:          slog.Default(),
		retryInitial: 250 * time.Millisecond,
		retryMax:     10 * time.Second,
		updates:      make(chan struct{}, 1),
		finished:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("item_id", itemID)

	sub, err := broker.Subscribe(ctx, itemID)
	if err != nil {
		return nil, claims.Wrap(claims.KindChannel, err)
	}
	c.sub = sub

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.metrics.ChannelOpened()
	go c.run(runCtx, sub)
	return c, nil
}

func (c *Channel) ItemID() string { return c.itemID }

// Updates signals that the snapshot changed. Signals coalesce: a receiver
// that falls behind sees one pending signal and should read Snapshot. The
// channel is closed by Close.
func (c *Channel) Updates() <-chan struct{} { return c.updates }

// Snapshot returns the latest known row. ok is false until a snapshot exists
// and after the item was deleted.
func (c *Channel) Snapshot() (item claims.Item, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.have || c.deleted {
		return claims.Item{}, false
	}
	return c.item, true
}

func (c *Channel) Deleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

// Err reports the most recent subscription failure, cleared once the channel
// has resubscribed.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Seed installs the result of an initial fetch. It is ignored when an event
// has already established a newer snapshot, and after Close.
func (c *Channel) Seed(item claims.Item) bool {
	if item.ID != c.itemID {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead || c.have {
		return false
	}
	c.item = item
	c.version = item.Version
	c.have = true
	c.signal()
	return true
}

// Apply folds one event into the snapshot. Each event replaces the snapshot
// wholesale, so applying the same event twice is a no-op. A row whose version
// is below the current snapshot's is dropped.
func (c *Channel) Apply(ev Event) bool {
	if ev.ItemID != c.itemID || (ev.Table != "" && ev.Table != itemsTable) {
		c.metrics.RealtimeEvent("ignored")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		c.metrics.RealtimeEvent("dropped")
		return false
	}
	switch ev.Type {
	case EventDelete:
		c.item = claims.Item{}
		c.deleted = true
	default:
		if ev.New == nil || ev.New.ID != c.itemID {
			c.metrics.RealtimeEvent("ignored")
			return false
		}
		if c.have && ev.New.Version < c.version {
			c.metrics.RealtimeEvent("stale")
			return false
		}
		c.item = *ev.New
		c.version = ev.New.Version
		c.deleted = false
	}
	c.have = true
	c.signal()
	c.metrics.RealtimeEvent("applied")
	return true
}

// signal must be called with mu held and the channel alive.
func (c *Channel) signal() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Channel) run(ctx context.Context, sub Subscription) {
	defer close(c.finished)
	for {
		for ev := range sub.Events() {
			c.Apply(ev)
		}
		if ctx.Err() != nil {
			return
		}

		cause := sub.Err()
		if cause == nil {
			cause = errors.New("subscription ended")
		}
		c.fail(claims.Wrap(claims.KindChannel, fmt.Errorf("item %s: %w", c.itemID, cause)))
		_ = sub.Close()

		next, ok := c.resubscribe(ctx)
		if !ok {
			return
		}
		sub = next
		c.refresh(ctx)
	}
}

// refresh re-reads the item once the new subscription is in place. Events
// queued on that subscription still apply afterwards; the version check keeps
// the newest row.
func (c *Channel) refresh(ctx context.Context) {
	if c.source == nil {
		return
	}
	item, err := c.source.FetchItem(ctx, c.itemID)
	switch {
	case errors.Is(err, claims.ErrNotFound):
		c.Apply(DeleteEvent(c.itemID))
	case err != nil:
		c.log.Warn("refresh item after resubscribe", "error", err)
	default:
		c.Apply(ItemEvent(EventUpdate, item))
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.log.Warn("item channel lost its subscription", "error", err)
}

func (c *Channel) resubscribe(ctx context.Context) (Subscription, bool) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitial
	policy.MaxInterval = c.retryMax
	policy.MaxElapsedTime = 0

	sub, err := backoff.RetryNotifyWithData[Subscription](func() (Subscription, error) {
		return c.broker.Subscribe(ctx, c.itemID)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		c.log.Debug("resubscribe failed", "error", err, "retry_in", wait)
	})
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		_ = sub.Close()
		return nil, false
	}
	c.sub = sub
	c.err = nil
	c.log.Info("item channel resubscribed")
	return sub, true
}

// Close releases the subscription. It is safe to call more than once and
// from any goroutine.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.dead = true
		sub := c.sub
		c.sub = nil
		close(c.updates)
		c.mu.Unlock()

		c.cancel()
		if sub != nil {
			err = sub.Close()
		}
		<-c.finished
		c.metrics.ChannelClosed()
	})
	return err
}
