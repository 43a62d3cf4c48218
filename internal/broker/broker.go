// Package broker coordinates an agent waiting for authorization with the approver
// deciding it. Every pending request ends in exactly one of granted, cancelled or
// expired; the store's atomic take decides the winner when decisions race.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
	"github.com/wolfeidau/biopay/internal/telemetry"
)

const (
	DefaultPendingTTL    = 5 * time.Minute
	DefaultSessionTTL    = 5 * time.Minute
	DefaultSweepInterval = time.Minute

	// outcomeGrace bounds how long a timed-out agent waits for the decision that beat it.
	outcomeGrace = 5 * time.Second
)

// Broker is safe for concurrent use. Several brokers may share one store and
// notifier; outcomes decided on any of them reach the agent waiting on another.
type Broker struct {
	store    store.AuthorizationStore
	notifier store.Notifier

	clock         clock.Clock
	pendingTTL    time.Duration
	sessionTTL    time.Duration
	sweepInterval time.Duration
	newToken      func() string
	metrics       *telemetry.Metrics
	singleUse     bool

	mu      sync.Mutex
	waiters map[string]chan *models.Outcome

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

func WithClock(c clock.Clock) Option {
	return func(b *Broker) {
		b.clock = c
	}
}

// WithPendingTTL sets how long an agent waits before its request expires.
func WithPendingTTL(d time.Duration) Option {
	return func(b *Broker) {
		b.pendingTTL = d
	}
}

// WithSessionTTL sets the lifetime of granted session tokens.
func WithSessionTTL(d time.Duration) Option {
	return func(b *Broker) {
		b.sessionTTL = d
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(b *Broker) {
		b.sweepInterval = d
	}
}

// WithTokenGenerator replaces the default UUID v4 token source.
func WithTokenGenerator(fn func() string) Option {
	return func(b *Broker) {
		b.newToken = fn
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithSingleUseSessions makes a session token valid for exactly one payment.
func WithSingleUseSessions() Option {
	return func(b *Broker) {
		b.singleUse = true
	}
}

// New creates a broker. notifier may be nil when a single broker serves the store.
func New(s store.AuthorizationStore, notifier store.Notifier, opts ...Option) *Broker {
	b := &Broker{
		store:         s,
		notifier:      notifier,
		clock:         clock.New(),
		pendingTTL:    DefaultPendingTTL,
		sessionTTL:    DefaultSessionTTL,
		sweepInterval: DefaultSweepInterval,
		newToken:      uuid.NewString,
		metrics:       telemetry.GetMetrics(),
		waiters:       make(map[string]chan *models.Outcome),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to outcomes from other brokers and begins the periodic sweep.
// It runs until Stop is called or ctx is done.
func (b *Broker) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	if b.notifier != nil {
		outcomes, err := b.notifier.Subscribe(b.ctx)
		if err != nil {
			b.cancel()
			return fmt.Errorf("failed to subscribe to outcomes: %w", err)
		}

		b.wg.Add(1)
		go b.dispatchLoop(outcomes)
	}

	ticker := b.clock.Ticker(b.sweepInterval)
	b.wg.Add(1)
	go b.sweepLoop(ticker)

	log.Info().
		Dur("pending_ttl", b.pendingTTL).
		Dur("session_ttl", b.sessionTTL).
		Dur("sweep_interval", b.sweepInterval).
		Msg("Broker started")

	return nil
}

// Stop gracefully stops the background goroutines.
func (b *Broker) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
}

// Stats reports current pending and session counts.
func (b *Broker) Stats(ctx context.Context) (store.Stats, error) {
	return b.store.Stats(ctx)
}

func (b *Broker) dispatchLoop(outcomes <-chan *models.Outcome) {
	defer b.wg.Done()

	for outcome := range outcomes {
		b.deliver(outcome)
	}

	log.Info().Msg("Outcome dispatch stopped")
}

func (b *Broker) sweepLoop(ticker *clock.Ticker) {
	defer b.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return

		case <-ticker.C:
			if _, err := b.Sweep(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Failed to sweep authorizations")
			}
		}
	}
}

// SweepResult counts what a sweep removed.
type SweepResult struct {
	ExpiredPending  int
	ExpiredSessions int
}

// Sweep expires pending requests older than the pending TTL and deletes expired
// sessions. Expired requests are reported to their agents as timeouts.
func (b *Broker) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := b.clock.Now()

	pending, err := b.store.ListPending(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list pending authorizations: %w", err)
	}

	for _, p := range pending {
		if !p.IsStale(now, b.pendingTTL) {
			continue
		}

		if _, err := b.store.TakePending(ctx, p.Token); err != nil {
			if errors.Is(err, store.ErrAuthorizationNotFound) {
				continue
			}
			return result, fmt.Errorf("failed to expire pending authorization: %w", err)
		}

		b.metrics.AuthorizationsExpiredTotal.Add(ctx, 1)
		b.publish(ctx, &models.Outcome{Token: p.Token, Status: models.StatusExpired, Reason: ExpiredReason})
		result.ExpiredPending++
	}

	deleted, err := b.store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	result.ExpiredSessions = deleted
	b.metrics.SessionsSweptTotal.Add(ctx, int64(deleted))

	if result.ExpiredPending > 0 || result.ExpiredSessions > 0 {
		log.Info().
			Int("expired_pending", result.ExpiredPending).
			Int("expired_sessions", result.ExpiredSessions).
			Msg("Swept authorizations")
	}

	return result, nil
}

func (b *Broker) register(token string) chan *models.Outcome {
	ch := make(chan *models.Outcome, 1)

	b.mu.Lock()
	b.waiters[token] = ch
	b.mu.Unlock()

	return ch
}

func (b *Broker) unregister(token string) {
	b.mu.Lock()
	delete(b.waiters, token)
	b.mu.Unlock()
}

// deliver hands the outcome to a local waiter at most once.
func (b *Broker) deliver(outcome *models.Outcome) {
	b.mu.Lock()
	ch, ok := b.waiters[outcome.Token]
	if ok {
		delete(b.waiters, outcome.Token)
	}
	b.mu.Unlock()

	if ok {
		ch <- outcome
	}
}

// publish delivers locally first so a single broker never depends on the notifier
// round trip, then broadcasts to the others.
func (b *Broker) publish(ctx context.Context, outcome *models.Outcome) {
	b.deliver(outcome)

	if b.notifier == nil {
		return
	}

	if err := b.notifier.Publish(ctx, outcome); err != nil {
		log.Warn().Err(err).Str("token", outcome.Token).Str("status", string(outcome.Status)).Msg("Failed to publish outcome")
		return
	}
	b.metrics.OutcomesPublishedTotal.Add(ctx, 1)
}
