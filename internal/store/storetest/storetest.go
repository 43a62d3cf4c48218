// Package storetest holds behaviour tests shared by every store implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

const (
	testPrivateKey = "4242424242424242424242424242424242424242424242424242424242424242"
	testWallet     = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.AuthorizationStore

// base is microsecond aligned so stores that truncate timestamps compare equal.
var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// RunAuthorizationStoreTests exercises the store.AuthorizationStore contract.
func RunAuthorizationStoreTests(t *testing.T, newStore Factory) {
	t.Run("create and list pending oldest first", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for i, token := range []string{"c", "a", "b"} {
			require.NoError(t, s.CreatePending(ctx, pending(token, base.Add(time.Duration(i)*time.Second)), 5*time.Minute))
		}

		list, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		require.Equal(t, "c", list[0].Token)
		require.Equal(t, "a", list[1].Token)
		require.Equal(t, "b", list[2].Token)
		require.Equal(t, models.StatusPending, list[0].Status)
		require.True(t, base.Equal(list[0].CreatedAt))
	})

	t.Run("duplicate pending is rejected", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.CreatePending(ctx, pending("dup", base), time.Minute))
		err := s.CreatePending(ctx, pending("dup", base), time.Minute)
		require.ErrorIs(t, err, store.ErrAuthorizationExists)
	})

	t.Run("take pending removes it", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.CreatePending(ctx, pending("tok", base), time.Minute))

		taken, err := s.TakePending(ctx, "tok")
		require.NoError(t, err)
		require.Equal(t, "tok", taken.Token)

		_, err = s.TakePending(ctx, "tok")
		require.ErrorIs(t, err, store.ErrAuthorizationNotFound)

		list, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("concurrent take has one winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.CreatePending(ctx, pending("race", base), time.Minute))

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TakePending(ctx, "race")
				if err == nil {
					winners.Add(1)
					return
				}
				assert.ErrorIs(t, err, store.ErrAuthorizationNotFound)
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), winners.Load())
	})

	t.Run("session lifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		sess := session("sess", base, 5*time.Minute)
		require.NoError(t, s.PutSession(ctx, sess))

		got, err := s.GetSession(ctx, "sess")
		require.NoError(t, err)
		require.Equal(t, sess.PrivateKey, got.PrivateKey)
		require.Equal(t, sess.WalletAddress, got.WalletAddress)
		require.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

		require.NoError(t, s.DeleteSession(ctx, "sess"))
		_, err = s.GetSession(ctx, "sess")
		require.ErrorIs(t, err, store.ErrSessionNotFound)
		require.ErrorIs(t, s.DeleteSession(ctx, "sess"), store.ErrSessionNotFound)
	})

	t.Run("delete expired sessions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		now := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.PutSession(ctx, session("old", now.Add(-10*time.Minute), 5*time.Minute)))
		require.NoError(t, s.PutSession(ctx, session("edge", now.Add(-5*time.Minute), 5*time.Minute)))
		require.NoError(t, s.PutSession(ctx, session("live", now, 5*time.Minute)))

		deleted, err := s.DeleteExpiredSessions(ctx, now)
		require.NoError(t, err)
		require.Equal(t, 2, deleted)

		_, err = s.GetSession(ctx, "live")
		require.NoError(t, err)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, store.Stats{Sessions: 1}, stats)
	})

	t.Run("stats", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		for i := range 3 {
			require.NoError(t, s.CreatePending(ctx, pending(fmt.Sprintf("p%d", i), base), time.Minute))
		}
		require.NoError(t, s.PutSession(ctx, session("s", time.Now().UTC(), 5*time.Minute)))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, store.Stats{Pending: 3, Sessions: 1}, stats)
	})
}

// RunNotifierTests exercises the store.Notifier contract.
func RunNotifierTests(t *testing.T, n store.Notifier) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := n.Subscribe(ctx)
	require.NoError(t, err)
	second, err := n.Subscribe(ctx)
	require.NoError(t, err)

	outcome := &models.Outcome{Token: "tok", Status: models.StatusCancelled, Reason: "User cancelled authorization"}

	// Subscriptions may take a moment to become live on networked notifiers.
	require.Eventually(t, func() bool {
		if err := n.Publish(ctx, outcome); err != nil {
			return false
		}
		select {
		case got := <-first:
			return assert.Equal(t, outcome, got)
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		select {
		case got := <-second:
			return got.Token == "tok"
		default:
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-first:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 10*time.Second, 10*time.Millisecond)
}

func pending(token string, createdAt time.Time) *models.PendingAuthorization {
	return &models.PendingAuthorization{
		Token:     token,
		Status:    models.StatusPending,
		CreatedAt: createdAt,
	}
}

func session(token string, createdAt time.Time, ttl time.Duration) *models.Session {
	return &models.Session{
		Token:         token,
		PrivateKey:    testPrivateKey,
		WalletAddress: testWallet,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(ttl),
	}
}
