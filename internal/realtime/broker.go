package realtime

import (
	"context"
	"errors"
	"sync"
)

// Subscription delivers events for a single item. Events is closed when the
// subscription ends; Err then reports why, or nil after Close.
type Subscription interface {
	Events() <-chan Event
	Err() error
	Close() error
}

type Broker interface {
	Subscribe(ctx context.Context, itemID string) (Subscription, error)
	Publish(ctx context.Context, ev Event) error
}

const subscriptionBuffer = 32

// MemoryBroker fans events out inside one process.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, itemID string) (Subscription, error) {
	if itemID == "" {
		return nil, errors.New("subscribe: empty item id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{broker: b, itemID: itemID, events: make(chan Event, subscriptionBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[itemID] == nil {
		b.subs[itemID] = make(map[*memorySubscription]struct{})
	}
	b.subs[itemID][sub] = struct{}{}
	return sub, nil
}

// Publish never blocks on a slow subscriber: when its buffer is full the
// oldest pending event is dropped. Events are full snapshots, so the newest
// one always supersedes what was dropped.
func (b *MemoryBroker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ev.ItemID] {
		select {
		case sub.events <- ev:
			continue
		default:
		}
		select {
		case <-sub.events:
		default:
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
	return nil
}

// Subscribers reports how many live subscriptions exist for an item.
func (b *MemoryBroker) Subscribers(itemID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[itemID])
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.itemID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.itemID)
	}
	close(sub.events)
}

type memorySubscription struct {
	broker *MemoryBroker
	itemID string
	events chan Event
	once   sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Err() error { return nil }

func (s *memorySubscription) Close() error {
	s.once.Do(func() { s.broker.remove(s) })
	return nil
}
