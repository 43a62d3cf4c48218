package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

func TestNewAuthorizationStore(t *testing.T) {
	st := NewAuthorizationStore()
	require.NotNil(t, st)
}

func TestAuthorizationStore_Pending(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create duplicate token returns error", func(t *testing.T) {
		st := NewAuthorizationStore()
		ctx := context.Background()

		p := &models.PendingAuthorization{Token: "t1", Status: models.StatusPending, CreatedAt: base}
		require.NoError(t, st.CreatePending(ctx, p, 5*time.Minute))

		err := st.CreatePending(ctx, p, 5*time.Minute)
		require.ErrorIs(t, err, store.ErrAuthorizationExists)
	})

	t.Run("list returns oldest first", func(t *testing.T) {
		st := NewAuthorizationStore()
		ctx := context.Background()

		require.NoError(t, st.CreatePending(ctx, &models.PendingAuthorization{Token: "late", CreatedAt: base.Add(2 * time.Second)}, 0))
		require.NoError(t, st.CreatePending(ctx, &models.PendingAuthorization{Token: "early", CreatedAt: base}, 0))
		require.NoError(t, st.CreatePending(ctx, &models.PendingAuthorization{Token: "middle", CreatedAt: base.Add(time.Second)}, 0))

		list, err := st.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, "early", list[0].Token)
		require.Equal(t, "middle", list[1].Token)
		require.Equal(t, "late", list[2].Token)
	})

	t.Run("take removes the request", func(t *testing.T) {
		st := NewAuthorizationStore()
		ctx := context.Background()

		require.NoError(t, st.CreatePending(ctx, &models.PendingAuthorization{Token: "t1", CreatedAt: base}, 0))

		p, err := st.TakePending(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, "t1", p.Token)

		_, err = st.TakePending(ctx, "t1")
		require.ErrorIs(t, err, store.ErrAuthorizationNotFound)

		list, err := st.ListPending(ctx)
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("concurrent take has a single winner", func(t *testing.T) {
		st := NewAuthorizationStore()
		ctx := context.Background()

		require.NoError(t, st.CreatePending(ctx, &models.PendingAuthorization{Token: "t1", CreatedAt: base}, 0))

		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := st.TakePending(ctx, "t1"); err == nil {
					wins.Add(1)
				} else {
					losses.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		require.Equal(t, int32(15), losses.Load())
	})
}

func TestAuthorizationStore_Sessions(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("get returns copy", func(t *testing.T) {
		st := NewAuthorizationStore()
		ctx := context.Background()

		session := &models.Session{Token: "t1", PrivateKey: "aa", WalletAddress: "0xabc", CreatedAt: base, ExpiresAt: base.Add(5 * time.Minute)}
		require.NoError(t, st.PutSession(ctx, session))

		got, err := st.GetSession(ctx, "t1")
		require.NoError(t, err)
		got.PrivateKey = "modified"

		again, err := st.GetSession(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, "aa", again.PrivateKey)
	})

	t.Run("get and delete missing session", func(t *testing.T) {
		st := NewAuthorizationStore()
		ctx := context.Background()

		_, err := st.GetSession(ctx, "missing")
		require.ErrorIs(t, err, store.ErrSessionNotFound)
		require.ErrorIs(t, st.DeleteSession(ctx, "missing"), store.ErrSessionNotFound)
	})

	t.Run("delete expired keeps live sessions", func(t *testing.T) {
		st := NewAuthorizationStore()
		ctx := context.Background()

		require.NoError(t, st.PutSession(ctx, &models.Session{Token: "old", ExpiresAt: base}))
		require.NoError(t, st.PutSession(ctx, &models.Session{Token: "live", ExpiresAt: base.Add(time.Minute)}))

		count, err := st.DeleteExpiredSessions(ctx, base)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		stats, err := st.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Sessions)

		_, err = st.GetSession(ctx, "live")
		require.NoError(t, err)
	})
}

func TestNotifier(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())

	first, err := n.Subscribe(ctx)
	require.NoError(t, err)
	second, err := n.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, n.Publish(context.Background(), &models.Outcome{Token: "t1", Status: models.StatusGranted}))

	for _, ch := range []<-chan *models.Outcome{first, second} {
		select {
		case o := <-ch:
			require.Equal(t, "t1", o.Token)
			require.Equal(t, models.StatusGranted, o.Status)
		case <-time.After(time.Second):
			t.Fatal("outcome not delivered")
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-first
		return !ok
	}, time.Second, 10*time.Millisecond)
}
