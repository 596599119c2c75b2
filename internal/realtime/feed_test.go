package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lostfound/api/internal/claims"
)

type mapItems struct {
	mu    sync.Mutex
	items map[string]claims.Item
	err   error
}

func (m *mapItems) FetchItem(_ context.Context, id string) (claims.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return claims.Item{}, m.err
	}
	item, ok := m.items[id]
	if !ok {
		return claims.Item{}, claims.Wrap(claims.KindNotFound, errors.New(id))
	}
	return item, nil
}

// gatedItems serves whatever row is committed at read time. The first reader
// is held after its read until release is closed.
type gatedItems struct {
	mu      sync.Mutex
	item    claims.Item
	reads   int
	read    chan struct{}
	release chan struct{}
}

func newGatedItems(item claims.Item) *gatedItems {
	return &gatedItems{item: item, read: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedItems) FetchItem(_ context.Context, _ string) (claims.Item, error) {
	g.mu.Lock()
	item := g.item
	g.reads++
	first := g.reads == 1
	g.mu.Unlock()
	if first {
		close(g.read)
		<-g.release
	}
	return item, nil
}

func (g *gatedItems) commit(item claims.Item) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.item = item
}

func (g *gatedItems) readCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads
}

func TestFeedPublishesCommittedRow(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	items := &mapItems{items: map[string]claims.Item{"item-y": itemWithCount("item-y", 3)}}
	feed := NewFeed(items, broker, nil)

	sub, err := broker.Subscribe(ctx, "item-y")
	require.NoError(t, err)
	defer sub.Close()

	var _ claims.ChangeNotifier = feed
	feed.ItemChanged(ctx, "item-y")
	ev := <-sub.Events()
	assert.Equal(t, EventUpdate, ev.Type)
	require.NotNil(t, ev.New)
	assert.Equal(t, 3, ev.New.ClaimCount)

	delete(items.items, "item-y")
	feed.ItemChanged(ctx, "item-y")
	ev = <-sub.Events()
	assert.Equal(t, EventDelete, ev.Type)
	assert.Nil(t, ev.New)

	feed.ItemCreated(ctx, itemWithCount("item-y", 0))
	ev = <-sub.Events()
	assert.Equal(t, EventInsert, ev.Type)
}

func TestFeedSwallowsFetchErrors(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	feed := NewFeed(&mapItems{err: errors.New("db down")}, broker, nil)

	sub, err := broker.Subscribe(ctx, "item-y")
	require.NoError(t, err)
	defer sub.Close()

	feed.ItemChanged(ctx, "item-y")
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestFeedSerializesPublishesPerItem(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	items := newGatedItems(versioned("item-y", 1))
	feed := NewFeed(items, broker, nil)

	sub, err := broker.Subscribe(ctx, "item-y")
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		feed.ItemChanged(ctx, "item-y")
	}()
	<-items.read

	items.commit(versioned("item-y", 2))
	go func() {
		defer wg.Done()
		feed.ItemChanged(ctx, "item-y")
	}()
	assert.Never(t, func() bool { return items.readCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"the second change must wait for the first publish")

	close(items.release)
	wg.Wait()

	first := <-sub.Events()
	second := <-sub.Events()
	require.NotNil(t, first.New)
	require.NotNil(t, second.New)
	assert.Equal(t, 1, first.New.ClaimCount)
	assert.Equal(t, 2, second.New.ClaimCount, "the last publish carries the last commit")
	assert.Equal(t, 0, feed.locks.size())
}

func TestStaleRowFromAnotherPublisherIsDropped(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	items := newGatedItems(versioned("item-y", 1))
	slow := NewFeed(items, broker, nil)
	fast := NewFeed(items, broker, nil)

	sub, err := broker.Subscribe(ctx, "item-y")
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		slow.ItemChanged(ctx, "item-y")
	}()
	<-items.read

	items.commit(versioned("item-y", 2))
	fast.ItemChanged(ctx, "item-y")
	close(items.release)
	<-done

	newer := <-sub.Events()
	older := <-sub.Events()
	require.Equal(t, 2, newer.New.ClaimCount)
	require.Equal(t, 1, older.New.ClaimCount, "the stalled read is published last")

	c, err := Open(ctx, NewMemoryBroker(), "item-y")
	require.NoError(t, err)
	defer c.Close()
	require.True(t, c.Apply(newer))
	assert.False(t, c.Apply(older))
	got, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 2, got.ClaimCount)
}

func TestKeyedMutexForgetsReleasedKeys(t *testing.T) {
	var k keyedMutex
	unlockA := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	unlockB := k.Lock("b")
	unlockB()
	select {
	case <-acquired:
		t.Fatal("a second holder entered a locked key")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}

func TestPGListenerRelaysNotification(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	items := &mapItems{items: map[string]claims.Item{"item-y": itemWithCount("item-y", 1)}}
	l := NewPGListener("", items, broker, nil)

	sub, err := broker.Subscribe(ctx, "item-y")
	require.NoError(t, err)
	defer sub.Close()

	payload, _ := json.Marshal(notification{Op: "INSERT", Table: "claim_requests", ItemID: "item-y"})
	require.NoError(t, l.handle(ctx, string(payload)))
	ev := <-sub.Events()
	assert.Equal(t, EventUpdate, ev.Type, "claim inserts update the parent item")

	payload, _ = json.Marshal(notification{Op: "INSERT", Table: "items", ItemID: "item-y"})
	require.NoError(t, l.handle(ctx, string(payload)))
	ev = <-sub.Events()
	assert.Equal(t, EventInsert, ev.Type)

	assert.Error(t, l.handle(ctx, "garbage"))
	assert.Error(t, l.handle(ctx, `{"op":"UPDATE","table":"items"}`))
}

func TestEventJSONShape(t *testing.T) {
	raw, err := json.Marshal(ItemEvent(EventUpdate, itemWithCount("item-y", 2)))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "items", decoded["table"])
	assert.Equal(t, "UPDATE", decoded["type"])
	assert.Equal(t, "item-y", decoded["itemId"])
	assert.Equal(t, float64(2), decoded["new"].(map[string]any)["claimCount"])

	raw, err = json.Marshal(DeleteEvent("item-y"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"new"`)
}
