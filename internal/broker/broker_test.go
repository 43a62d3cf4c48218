package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/biopay/internal/keyderive"
	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
	"github.com/wolfeidau/biopay/internal/store/memory"
)

type requestResult struct {
	token string
	err   error
}

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *clock.Mock, *memory.AuthorizationStore) {
	t.Helper()
	mock := clock.NewMock()
	s := memory.NewAuthorizationStore()
	b := New(s, memory.NewNotifier(), append([]Option{WithClock(mock)}, opts...)...)
	return b, mock, s
}

func testKey(t *testing.T) *keyderive.Key {
	t.Helper()
	key, err := keyderive.DeriveHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return key
}

func startRequest(ctx context.Context, b *Broker) <-chan requestResult {
	ch := make(chan requestResult, 1)
	go func() {
		token, err := b.RequestAuthorization(ctx)
		ch <- requestResult{token: token, err: err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan requestResult) requestResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for authorization result")
		return requestResult{}
	}
}

func waitForPending(t *testing.T, b *Broker) string {
	t.Helper()
	var token string
	require.Eventually(t, func() bool {
		tok, ok, err := b.PollPending(context.Background())
		if err != nil || !ok {
			return false
		}
		token = tok
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return token
}

func TestBroker_GrantReleasesAgent(t *testing.T) {
	ctx := context.Background()
	b, mock, _ := newTestBroker(t)
	key := testKey(t)

	results := startRequest(ctx, b)
	token := waitForPending(t, b)

	require.NoError(t, b.Grant(ctx, token, key.Hex(), key.Address.Hex()))

	r := awaitResult(t, results)
	require.NoError(t, r.err)
	require.Equal(t, token, r.token)

	_, ok, err := b.PollPending(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	session, err := b.ValidateAndConsume(ctx, token)
	require.NoError(t, err)
	require.Equal(t, key.Hex(), session.PrivateKey)
	require.Equal(t, key.Address.Hex(), session.WalletAddress)
	require.Equal(t, mock.Now().Add(DefaultSessionTTL), session.ExpiresAt)
}

func TestBroker_CancelReportsReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{name: "default reason", reason: "", want: DefaultCancelReason},
		{name: "approver supplied reason", reason: "Biometric authentication failed", want: "Biometric authentication failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			b, _, _ := newTestBroker(t)

			results := startRequest(ctx, b)
			token := waitForPending(t, b)

			require.NoError(t, b.Cancel(ctx, token, tt.reason))

			r := awaitResult(t, results)
			require.ErrorIs(t, r.err, ErrAuthorizationCancelled)

			var cancelled *CancelledError
			require.True(t, errors.As(r.err, &cancelled))
			require.Equal(t, tt.want, cancelled.Reason)

			_, err := b.ValidateAndConsume(ctx, token)
			require.ErrorIs(t, err, ErrSessionInvalid)
		})
	}
}

func TestBroker_TimeoutExpiresRequest(t *testing.T) {
	ctx := context.Background()
	b, mock, _ := newTestBroker(t)
	key := testKey(t)

	results := startRequest(ctx, b)
	token := waitForPending(t, b)

	mock.Add(DefaultPendingTTL)

	r := awaitResult(t, results)
	require.ErrorIs(t, r.err, ErrAuthorizationTimeout)

	_, ok, err := b.PollPending(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	err = b.Grant(ctx, token, key.Hex(), key.Address.Hex())
	require.ErrorIs(t, err, store.ErrAuthorizationNotFound)
	err = b.Cancel(ctx, token, "")
	require.ErrorIs(t, err, store.ErrAuthorizationNotFound)
}

func TestBroker_ContextCancelWithdrawsRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b, _, s := newTestBroker(t)

	results := startRequest(ctx, b)
	waitForPending(t, b)

	cancel()

	r := awaitResult(t, results)
	require.ErrorIs(t, r.err, context.Canceled)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Pending)
}

func TestBroker_GrantValidatesKeyMaterial(t *testing.T) {
	ctx := context.Background()
	b, _, s := newTestBroker(t)
	key := testKey(t)
	other, err := keyderive.DeriveHex(strings.Repeat("cd", 32))
	require.NoError(t, err)

	require.NoError(t, s.CreatePending(ctx, &models.PendingAuthorization{
		Token:     "tok-1",
		Status:    models.StatusPending,
		CreatedAt: time.Unix(0, 0),
	}, DefaultPendingTTL))

	err = b.Grant(ctx, "tok-1", "not-hex", key.Address.Hex())
	require.ErrorIs(t, err, ErrInvalidKeyMaterial)

	err = b.Grant(ctx, "tok-1", key.Hex(), other.Address.Hex())
	require.ErrorIs(t, err, ErrAddressMismatch)

	err = b.Grant(ctx, "tok-1", key.Hex(), "0x1234")
	require.ErrorIs(t, err, ErrAddressMismatch)

	token, ok, err := b.PollPending(ctx)
	require.NoError(t, err)
	require.True(t, ok, "rejected grants must leave the request pending")
	require.Equal(t, "tok-1", token)

	require.NoError(t, b.Grant(ctx, "tok-1", key.Hex(), strings.ToLower(key.Address.Hex())))
}

func TestBroker_SingleWinner(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t)
	key := testKey(t)

	results := startRequest(ctx, b)
	token := waitForPending(t, b)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		granted   atomic.Bool
	)
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = b.Grant(ctx, token, key.Hex(), key.Address.Hex())
				if err == nil {
					granted.Store(true)
				}
			} else {
				err = b.Cancel(ctx, token, "")
			}
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, store.ErrAuthorizationNotFound)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), successes.Load())

	r := awaitResult(t, results)
	if granted.Load() {
		require.NoError(t, r.err)
		require.Equal(t, token, r.token)
	} else {
		require.ErrorIs(t, r.err, ErrAuthorizationCancelled)
	}
}

func TestBroker_SessionLifetime(t *testing.T) {
	ctx := context.Background()
	b, mock, s := newTestBroker(t)
	key := testKey(t)

	results := startRequest(ctx, b)
	token := waitForPending(t, b)
	require.NoError(t, b.Grant(ctx, token, key.Hex(), key.Address.Hex()))
	require.NoError(t, awaitResult(t, results).err)

	mock.Add(299 * time.Second)
	_, err := b.ValidateAndConsume(ctx, token)
	require.NoError(t, err)

	_, err = b.ValidateAndConsume(ctx, token)
	require.NoError(t, err, "sessions are reusable within their lifetime")

	mock.Add(time.Second)
	_, err = b.ValidateAndConsume(ctx, token)
	require.ErrorIs(t, err, ErrSessionExpired)

	_, err = s.GetSession(ctx, token)
	require.ErrorIs(t, err, store.ErrSessionNotFound, "expired session is deleted on sight")

	_, err = b.ValidateAndConsume(ctx, token)
	require.ErrorIs(t, err, ErrSessionInvalid)
}

func TestBroker_ValidateUnknownToken(t *testing.T) {
	b, _, _ := newTestBroker(t)

	_, err := b.ValidateAndConsume(context.Background(), "")
	require.ErrorIs(t, err, ErrSessionInvalid)

	_, err = b.ValidateAndConsume(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrSessionInvalid)
}

func TestBroker_SingleUseSessions(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newTestBroker(t, WithSingleUseSessions())
	key := testKey(t)

	results := startRequest(ctx, b)
	token := waitForPending(t, b)
	require.NoError(t, b.Grant(ctx, token, key.Hex(), key.Address.Hex()))
	require.NoError(t, awaitResult(t, results).err)

	_, err := b.ValidateAndConsume(ctx, token)
	require.NoError(t, err)

	_, err = b.ValidateAndConsume(ctx, token)
	require.ErrorIs(t, err, ErrSessionInvalid)
}

func TestBroker_Sweep(t *testing.T) {
	ctx := context.Background()
	b, mock, s := newTestBroker(t)
	key := testKey(t)

	require.NoError(t, s.CreatePending(ctx, &models.PendingAuthorization{
		Token:     "stale",
		Status:    models.StatusPending,
		CreatedAt: mock.Now(),
	}, DefaultPendingTTL))
	require.NoError(t, s.PutSession(ctx, &models.Session{
		Token:         "old-session",
		PrivateKey:    key.Hex(),
		WalletAddress: key.Address.Hex(),
		CreatedAt:     mock.Now(),
		ExpiresAt:     mock.Now().Add(DefaultSessionTTL),
	}))

	mock.Add(2 * time.Minute)
	require.NoError(t, s.CreatePending(ctx, &models.PendingAuthorization{
		Token:     "fresh",
		Status:    models.StatusPending,
		CreatedAt: mock.Now(),
	}, DefaultPendingTTL))

	mock.Add(3 * time.Minute)
	result, err := b.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{ExpiredSessions: 1}, result, "request at exactly the TTL is not yet stale")

	mock.Add(time.Second)
	result, err = b.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{ExpiredPending: 1}, result)

	token, ok, err := b.PollPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", token)

	err = b.Grant(ctx, "stale", key.Hex(), key.Address.Hex())
	require.ErrorIs(t, err, store.ErrAuthorizationNotFound)
}

func TestBroker_PollPendingSkipsStale(t *testing.T) {
	ctx := context.Background()
	b, mock, s := newTestBroker(t)

	require.NoError(t, s.CreatePending(ctx, &models.PendingAuthorization{
		Token:     "stale",
		Status:    models.StatusPending,
		CreatedAt: mock.Now(),
	}, DefaultPendingTTL))
	mock.Add(DefaultPendingTTL + time.Second)

	_, ok, err := b.PollPending(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBroker_SweepLoop(t *testing.T) {
	ctx := context.Background()
	b, mock, s := newTestBroker(t)

	require.NoError(t, s.CreatePending(ctx, &models.PendingAuthorization{
		Token:     "stale",
		Status:    models.StatusPending,
		CreatedAt: mock.Now(),
	}, DefaultPendingTTL))
	mock.Add(DefaultPendingTTL + time.Second)

	require.NoError(t, b.Start(ctx))
	defer b.Stop()

	mock.Add(DefaultSweepInterval)

	require.Eventually(t, func() bool {
		stats, err := s.Stats(ctx)
		return err == nil && stats.Pending == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBroker_OutcomeCrossesInstances(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	s := memory.NewAuthorizationStore()
	notifier := memory.NewNotifier()
	key := testKey(t)

	agentSide := New(s, notifier, WithClock(mock), WithPendingTTL(10*time.Minute))
	approverSide := New(s, notifier, WithClock(mock))
	require.NoError(t, agentSide.Start(ctx))
	defer agentSide.Stop()

	t.Run("grant on another instance", func(t *testing.T) {
		results := startRequest(ctx, agentSide)
		token := waitForPending(t, approverSide)

		require.NoError(t, approverSide.Grant(ctx, token, key.Hex(), key.Address.Hex()))

		r := awaitResult(t, results)
		require.NoError(t, r.err)

		_, err := agentSide.ValidateAndConsume(ctx, token)
		require.NoError(t, err)
	})

	t.Run("sweep on another instance", func(t *testing.T) {
		results := startRequest(ctx, agentSide)
		waitForPending(t, approverSide)

		mock.Add(DefaultPendingTTL + time.Second)
		result, err := approverSide.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, result.ExpiredPending)

		r := awaitResult(t, results)
		require.ErrorIs(t, r.err, ErrAuthorizationTimeout)
	})
}

type failingSessionStore struct {
	*memory.AuthorizationStore
}

func (f *failingSessionStore) PutSession(ctx context.Context, session *models.Session) error {
	return errors.New("disk full")
}

func TestBroker_GrantStoreFailureCancelsAgent(t *testing.T) {
	ctx := context.Background()
	b := New(&failingSessionStore{memory.NewAuthorizationStore()}, nil, WithClock(clock.NewMock()))
	key := testKey(t)

	results := startRequest(ctx, b)
	token := waitForPending(t, b)

	err := b.Grant(ctx, token, key.Hex(), key.Address.Hex())
	require.Error(t, err)

	r := awaitResult(t, results)
	var cancelled *CancelledError
	require.True(t, errors.As(r.err, &cancelled))
	require.Equal(t, storeFailureReason, cancelled.Reason)
}
