package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans events out across processes over Redis pub/sub, one
// channel per item.
type RedisBroker struct {
	client      *redis.Client
	prefix      string
	healthCheck time.Duration
	log         *slog.Logger
}

// NewRedisBroker connects to redisURL and verifies the connection.
func NewRedisBroker(redisURL string, log *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBrokerWithClient(client, log), nil
}

func NewRedisBrokerWithClient(client *redis.Client, log *slog.Logger) *RedisBroker {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{client: client, prefix: "items:", healthCheck: 30 * time.Second, log: log}
}

func (b *RedisBroker) channel(itemID string) string {
	return b.prefix + itemID
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.ItemID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published afterwards are not missed. The subscription ends with Err set
// when the connection fails and does not reconnect by itself; the Channel
// resubscribes and re-reads the item.
func (b *RedisBroker) Subscribe(ctx context.Context, itemID string) (Subscription, error) {
	if itemID == "" {
		return nil, errors.New("subscribe: empty item id")
	}
	ps := b.client.Subscribe(ctx, b.channel(itemID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", itemID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{
		ps:          ps,
		events:      make(chan Event, subscriptionBuffer),
		done:        make(chan struct{}),
		cancel:      cancel,
		healthCheck: b.healthCheck,
		log:         b.log.With("item_id", itemID),
	}
	go sub.run(runCtx)
	return sub, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps          *redis.PubSub
	events      chan Event
	done        chan struct{}
	cancel      context.CancelFunc
	once        sync.Once
	healthCheck time.Duration
	log         *slog.Logger

	mu  sync.Mutex
	err error
}

// run reads until Close or the first connection error. A quiet connection is
// pinged every healthCheck so a dead peer is noticed even without traffic.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.events)
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, s.healthCheck)
		if err != nil {
			if s.closed() {
				return
			}
			if isTimeout(err) {
				if err = s.ps.Ping(ctx); err == nil {
					continue
				}
				s.setErr(fmt.Errorf("redis health check: %w", err))
				return
			}
			s.setErr(fmt.Errorf("redis subscription: %w", err))
			return
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			s.log.Warn("discarding malformed item event", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *redisSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		s.err = err
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		s.cancel()
		err = s.ps.Close()
	})
	return err
}
