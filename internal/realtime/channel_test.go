package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lostfound/api/internal/claims"
)

func waitUpdate(t *testing.T, c *Channel) {
	t.Helper()
	select {
	case <-c.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel update")
	}
}

func itemWithCount(id string, count int) claims.Item {
	return claims.Item{ID: id, CreatorID: "finder", Label: "Umbrella", ClaimCount: count}
}

func versioned(id string, count int) claims.Item {
	item := itemWithCount(id, count)
	item.Version = int64(count)
	return item
}

func TestChannelAppliesEventsForItsItem(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	c, err := Open(ctx, broker, "item-y")
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Snapshot()
	assert.False(t, ok)

	require.NoError(t, broker.Publish(ctx, ItemEvent(EventUpdate, itemWithCount("item-y", 1))))
	waitUpdate(t, c)
	got, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 1, got.ClaimCount)
}

func TestChannelIgnoresOtherItems(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryBroker(), "item-y")
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Seed(itemWithCount("item-y", 3)))

	assert.False(t, c.Apply(ItemEvent(EventUpdate, itemWithCount("item-x", 9))))
	assert.False(t, c.Apply(Event{Table: "claim_requests", Type: EventUpdate, ItemID: "item-y", New: &claims.Item{ID: "item-y"}}))

	got, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 3, got.ClaimCount)
}

func TestChannelApplyIsIdempotent(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryBroker(), "item-y")
	require.NoError(t, err)
	defer c.Close()

	ev := ItemEvent(EventUpdate, itemWithCount("item-y", 4))
	require.True(t, c.Apply(ev))
	once, _ := c.Snapshot()
	require.True(t, c.Apply(ev))
	twice, _ := c.Snapshot()
	assert.Equal(t, once, twice)
}

func TestChannelLastWriteWins(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryBroker(), "item-y")
	require.NoError(t, err)
	defer c.Close()

	c.Apply(ItemEvent(EventUpdate, itemWithCount("item-y", 5)))
	c.Apply(ItemEvent(EventUpdate, itemWithCount("item-y", 2)))
	got, _ := c.Snapshot()
	assert.Equal(t, 2, got.ClaimCount, "events replace the snapshot wholesale")
}

func TestChannelDropsOlderVersion(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryBroker(), "item-y")
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Seed(versioned("item-y", 3)))

	assert.False(t, c.Apply(ItemEvent(EventUpdate, versioned("item-y", 2))))
	got, _ := c.Snapshot()
	assert.Equal(t, 3, got.ClaimCount, "claim count never goes backwards")

	assert.True(t, c.Apply(ItemEvent(EventUpdate, versioned("item-y", 3))))
	assert.True(t, c.Apply(ItemEvent(EventUpdate, versioned("item-y", 4))))
	got, _ = c.Snapshot()
	assert.Equal(t, 4, got.ClaimCount)
}

func TestSeedDoesNotOverwriteNewerEvent(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryBroker(), "item-y")
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.Apply(ItemEvent(EventUpdate, itemWithCount("item-y", 7))))
	assert.False(t, c.Seed(itemWithCount("item-y", 6)), "stale fetch must not win")
	got, _ := c.Snapshot()
	assert.Equal(t, 7, got.ClaimCount)

	assert.False(t, c.Seed(itemWithCount("item-z", 1)))
}

func TestChannelDeleteEvent(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryBroker(), "item-y")
	require.NoError(t, err)
	defer c.Close()

	c.Seed(itemWithCount("item-y", 1))
	require.True(t, c.Apply(DeleteEvent("item-y")))
	_, ok := c.Snapshot()
	assert.False(t, ok)
	assert.True(t, c.Deleted())
}

func TestClosedChannelIgnoresLateEvents(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	c, err := Open(ctx, broker, "item-y")
	require.NoError(t, err)
	c.Seed(itemWithCount("item-y", 1))
	assert.Equal(t, 1, broker.Subscribers("item-y"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, broker.Subscribers("item-y"))

	require.NoError(t, broker.Publish(ctx, ItemEvent(EventUpdate, itemWithCount("item-y", 8))))
	assert.False(t, c.Apply(ItemEvent(EventUpdate, itemWithCount("item-y", 8))))
	assert.False(t, c.Seed(itemWithCount("item-y", 9)))

	got, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 1, got.ClaimCount)

	_, open := <-c.Updates()
	for open {
		_, open = <-c.Updates()
	}
}

func TestCloseRacesWithPublish(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	for i := 0; i < 50; i++ {
		c, err := Open(ctx, broker, "item-y")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				_ = broker.Publish(ctx, ItemEvent(EventUpdate, itemWithCount("item-y", n)))
			}
		}()
		require.NoError(t, c.Close())
		after, _ := c.Snapshot()
		wg.Wait()
		final, _ := c.Snapshot()
		assert.Equal(t, after, final, "no event may apply once Close returned")
	}
	assert.Equal(t, 0, broker.Subscribers("item-y"))
}

type scriptedSub struct {
	events chan Event
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (s *scriptedSub) Events() <-chan Event { return s.events }

func (s *scriptedSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *scriptedSub) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *scriptedSub) kill(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

type scriptedBroker struct {
	mu       sync.Mutex
	subs     []*scriptedSub
	failing  bool
	attempts int
}

func (b *scriptedBroker) Subscribe(context.Context, string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failing {
		return nil, errors.New("broker unavailable")
	}
	sub := &scriptedSub{events: make(chan Event, 4)}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *scriptedBroker) Publish(context.Context, Event) error { return nil }

func (b *scriptedBroker) setFailing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = v
}

func (b *scriptedBroker) sub(i int) *scriptedSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.subs) {
		return nil
	}
	return b.subs[i]
}

func (b *scriptedBroker) count() (subs, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs), b.attempts
}

func TestChannelResubscribesAfterFailure(t *testing.T) {
	broker := &scriptedBroker{}
	c, err := Open(context.Background(), broker, "item-y", WithRetry(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	broker.sub(0).events <- ItemEvent(EventUpdate, itemWithCount("item-y", 2))
	waitUpdate(t, c)

	broker.setFailing(true)
	broker.sub(0).kill(errors.New("connection reset"))

	assert.Eventually(t, func() bool { return errors.Is(c.Err(), claims.ErrChannel) }, 2*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { _, attempts := broker.count(); return attempts >= 3 }, 2*time.Second, time.Millisecond)
	got, ok := c.Snapshot()
	require.True(t, ok, "snapshot survives a lost subscription")
	assert.Equal(t, 2, got.ClaimCount)

	broker.setFailing(false)
	assert.Eventually(t, func() bool { subs, _ := broker.count(); return subs == 2 }, 2*time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return c.Err() == nil }, 2*time.Second, time.Millisecond)

	broker.sub(1).events <- ItemEvent(EventUpdate, itemWithCount("item-y", 3))
	assert.Eventually(t, func() bool { got, _ := c.Snapshot(); return got.ClaimCount == 3 }, 2*time.Second, time.Millisecond)
}

func TestChannelRefreshesAfterResubscribe(t *testing.T) {
	broker := &scriptedBroker{}
	items := &mapItems{items: map[string]claims.Item{"item-y": versioned("item-y", 1)}}
	c, err := Open(context.Background(), broker, "item-y",
		WithRetry(time.Millisecond, 5*time.Millisecond),
		WithSource(items),
	)
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Seed(versioned("item-y", 1)))

	// Committed while the subscription is down; no event will ever carry it.
	items.mu.Lock()
	items.items["item-y"] = versioned("item-y", 4)
	items.mu.Unlock()
	broker.sub(0).kill(errors.New("connection reset"))

	assert.Eventually(t, func() bool {
		got, ok := c.Snapshot()
		return ok && got.ClaimCount == 4 && c.Err() == nil
	}, 2*time.Second, time.Millisecond)

	items.mu.Lock()
	delete(items.items, "item-y")
	items.mu.Unlock()
	broker.sub(1).kill(errors.New("connection reset"))
	assert.Eventually(t, c.Deleted, 2*time.Second, time.Millisecond)
}

func TestCloseStopsPendingResubscribe(t *testing.T) {
	broker := &scriptedBroker{}
	c, err := Open(context.Background(), broker, "item-y", WithRetry(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)

	broker.setFailing(true)
	broker.sub(0).kill(errors.New("gone"))
	assert.Eventually(t, func() bool { return c.Err() != nil }, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	_, attempts := broker.count()
	time.Sleep(20 * time.Millisecond)
	_, later := broker.count()
	assert.Equal(t, attempts, later, "no resubscribe attempts after Close")
}

func TestOpenFailsWithChannelError(t *testing.T) {
	broker := &scriptedBroker{failing: true}
	_, err := Open(context.Background(), broker, "item-y")
	assert.ErrorIs(t, err, claims.ErrChannel)
}
