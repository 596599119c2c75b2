package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// NotifyChannel is the Postgres channel the item triggers notify on.
const NotifyChannel = "item_changes"

// ListenerLockKey is the advisory lock that elects the single publishing
// listener when instances share a broker.
const ListenerLockKey int64 = 0x6c6f7374666e64

var errStandby = errors.New("another instance holds the listener lock")

type notification struct {
	Op     string `json:"op"`
	Table  string `json:"table"`
	ItemID string `json:"itemId"`
}

// PGListener turns Postgres NOTIFY payloads into broker events. It holds a
// dedicated connection and reconnects with backoff when it drops.
type PGListener struct {
	databaseURL string
	feed        *Feed
	log         *slog.Logger
	lockKey     int64
	standby     time.Duration
}

type PGListenerOption func(*PGListener)

// WithLeaderLock makes the listener publish only while it holds the session
// advisory lock key. Use it when every instance publishes into one shared
// broker; with a per-process broker each instance must relay for itself.
func WithLeaderLock(key int64) PGListenerOption {
	return func(l *PGListener) { l.lockKey = key }
}

// WithStandbyInterval sets how often a standby listener retries the lock.
func WithStandbyInterval(d time.Duration) PGListenerOption {
	return func(l *PGListener) { l.standby = d }
}

func NewPGListener(databaseURL string, items ItemSource, broker Broker, log *slog.Logger, opts ...PGListenerOption) *PGListener {
	if log == nil {
		log = slog.Default()
	}
	l := &PGListener{
		databaseURL: databaseURL,
		feed:        NewFeed(items, broker, log),
		log:         log.With("component", "pg_listener"),
		standby:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks until ctx is cancelled.
func (l *PGListener) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		err := l.listen(ctx, policy.Reset)
		if ctx.Err() != nil {
			return nil
		}
		var wait time.Duration
		if errors.Is(err, errStandby) {
			wait = l.standby
			l.log.Debug("listener on standby", "retry_in", wait)
		} else {
			wait = policy.NextBackOff()
			l.log.Warn("listener disconnected", "error", err, "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *PGListener) listen(ctx context.Context, connected func()) error {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if l.lockKey != 0 {
		var leader bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.lockKey).Scan(&leader); err != nil {
			return fmt.Errorf("take listener lock: %w", err)
		}
		if !leader {
			return errStandby
		}
		l.log.Info("holding listener lock")
	}

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	connected()
	l.log.Info("listening for item changes", "channel", NotifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if err := l.handle(ctx, n.Payload); err != nil {
			l.log.Warn("relay item change", "payload", n.Payload, "error", err)
		}
	}
}

func (l *PGListener) handle(ctx context.Context, payload string) error {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if n.ItemID == "" {
		return fmt.Errorf("notification without item id")
	}
	typ := EventUpdate
	if n.Table == itemsTable && n.Op == string(EventInsert) {
		typ = EventInsert
	}
	return l.feed.publish(ctx, n.ItemID, typ)
}
