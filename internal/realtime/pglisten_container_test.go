//go:build container

package realtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lostfound/api/internal/claims"
	"lostfound/api/internal/store"
	"lostfound/api/internal/testhelpers"
)

func TestPGListenerPublishesTriggerNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url := testhelpers.StartPostgres(t)
	db, err := store.Open(ctx, url)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")))
	s := store.NewSQLStore(db, store.DialectPostgres)

	item, err := s.CreateItem(ctx, claims.Item{CreatorID: "finder", Label: "Gloves"})
	require.NoError(t, err)

	broker := NewMemoryBroker()
	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	go NewPGListener(url, s, broker, nil).Run(listenCtx)

	c, err := Open(ctx, broker, item.ID)
	require.NoError(t, err)
	defer c.Close()

	// The listener connects asynchronously; keep submitting distinct claims
	// until one is relayed.
	submitter := claims.NewSubmitter(s, nil)
	deadline := time.Now().Add(30 * time.Second)
	for i := 0; ; i++ {
		_, err := submitter.Submit(ctx, item.ID, &claims.Identity{ID: fmt.Sprintf("seeker-%d", i)}, "")
		require.NoError(t, err)
		select {
		case <-c.Updates():
			got, ok := c.Snapshot()
			require.True(t, ok)
			assert.GreaterOrEqual(t, got.ClaimCount, 1)
			return
		case <-time.After(500 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("no notification relayed")
		}
	}
}

func TestPGListenerLeaderLockElectsOnePublisher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url := testhelpers.StartPostgres(t)
	db, err := store.Open(ctx, url)
	require.NoError(t, err)
	defer db.Close()
	s := store.NewSQLStore(db, store.DialectPostgres)
	broker := NewMemoryBroker()

	leader := NewPGListener(url, s, broker, nil,
		WithLeaderLock(ListenerLockKey),
		WithStandbyInterval(50*time.Millisecond),
	)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go leader.Run(runCtx)

	follower := NewPGListener(url, s, broker, nil, WithLeaderLock(ListenerLockKey))
	assert.Eventually(t, func() bool {
		attemptCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		return errors.Is(follower.listen(attemptCtx, func() {}), errStandby)
	}, 30*time.Second, 100*time.Millisecond)
}
