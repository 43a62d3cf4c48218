package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/keyderive"
	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

// RequestAuthorization registers a pending request and blocks until the approver
// grants or cancels it, the pending TTL elapses, or ctx is done. On success it
// returns the session token, which equals the request token.
func (b *Broker) RequestAuthorization(ctx context.Context) (string, error) {
	token := b.newToken()
	started := b.clock.Now()

	ch := b.register(token)
	defer b.unregister(token)

	// The deadline is armed before the request becomes visible to the approver.
	timer := b.clock.Timer(b.pendingTTL)
	defer timer.Stop()

	pending := &models.PendingAuthorization{
		Token:     token,
		Status:    models.StatusPending,
		CreatedAt: started,
	}
	if err := b.store.CreatePending(ctx, pending, b.pendingTTL); err != nil {
		return "", fmt.Errorf("failed to create pending authorization: %w", err)
	}

	b.metrics.AuthorizationsRequestedTotal.Add(ctx, 1)
	b.metrics.WaitingAgents.Add(ctx, 1)
	defer func() {
		b.metrics.WaitingAgents.Add(context.Background(), -1)
		b.metrics.AuthorizationWaitDuration.Record(context.Background(), float64(b.clock.Since(started).Milliseconds()))
	}()

	log.Debug().Str("token", token).Msg("Waiting for authorization")

	select {
	case outcome := <-ch:
		return resolve(outcome)

	case <-timer.C:
		return b.expire(token, ch)

	case <-ctx.Done():
		b.withdraw(token)
		return "", ctx.Err()
	}
}

// expire claims the request for the timeout. If a decision won the race its
// outcome is reported instead.
func (b *Broker) expire(token string, ch chan *models.Outcome) (string, error) {
	ctx := context.Background()

	_, err := b.store.TakePending(ctx, token)
	if err == nil {
		b.metrics.AuthorizationsExpiredTotal.Add(ctx, 1)
		b.publish(ctx, &models.Outcome{Token: token, Status: models.StatusExpired, Reason: ExpiredReason})
		log.Info().Str("token", token).Msg("Authorization timed out")
		return "", ErrAuthorizationTimeout
	}
	if !errors.Is(err, store.ErrAuthorizationNotFound) {
		log.Error().Err(err).Str("token", token).Msg("Failed to expire pending authorization")
		return "", ErrAuthorizationTimeout
	}

	grace := b.clock.Timer(outcomeGrace)
	defer grace.Stop()

	select {
	case outcome := <-ch:
		return resolve(outcome)
	case <-grace.C:
		return "", ErrAuthorizationTimeout
	}
}

// withdraw removes the request of an agent that stopped waiting.
func (b *Broker) withdraw(token string) {
	_, err := b.store.TakePending(context.Background(), token)
	if err != nil && !errors.Is(err, store.ErrAuthorizationNotFound) {
		log.Warn().Err(err).Str("token", token).Msg("Failed to withdraw pending authorization")
		return
	}
	log.Debug().Str("token", token).Msg("Agent stopped waiting, request withdrawn")
}

func resolve(outcome *models.Outcome) (string, error) {
	switch outcome.Status {
	case models.StatusGranted:
		return outcome.Token, nil
	case models.StatusCancelled:
		reason := outcome.Reason
		if reason == "" {
			reason = DefaultCancelReason
		}
		return "", &CancelledError{Reason: reason}
	default:
		return "", ErrAuthorizationTimeout
	}
}

// PollPending returns the oldest request still awaiting a decision.
func (b *Broker) PollPending(ctx context.Context) (string, bool, error) {
	pending, err := b.store.ListPending(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to list pending authorizations: %w", err)
	}

	now := b.clock.Now()
	for _, p := range pending {
		if p.IsStale(now, b.pendingTTL) {
			continue
		}
		return p.Token, true, nil
	}

	return "", false, nil
}

// Grant binds the derived key to the request's token as a session and releases the
// waiting agent. The key must derive walletAddress.
func (b *Broker) Grant(ctx context.Context, token, privateKeyHex, walletAddress string) error {
	key, err := keyderive.FromHex(privateKeyHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if !common.IsHexAddress(walletAddress) || common.HexToAddress(walletAddress) != key.Address {
		return ErrAddressMismatch
	}

	pending, err := b.store.TakePending(ctx, token)
	if err != nil {
		return err
	}

	now := b.clock.Now()
	if pending.IsStale(now, b.pendingTTL) {
		b.metrics.AuthorizationsExpiredTotal.Add(ctx, 1)
		b.publish(ctx, &models.Outcome{Token: token, Status: models.StatusExpired, Reason: ExpiredReason})
		return store.ErrAuthorizationNotFound
	}

	session := &models.Session{
		Token:         token,
		PrivateKey:    key.Hex(),
		WalletAddress: key.Address.Hex(),
		CreatedAt:     now,
		ExpiresAt:     now.Add(b.sessionTTL),
	}
	if err := b.store.PutSession(ctx, session); err != nil {
		b.publish(ctx, &models.Outcome{Token: token, Status: models.StatusCancelled, Reason: storeFailureReason})
		return fmt.Errorf("failed to store session: %w", err)
	}

	b.metrics.AuthorizationsGrantedTotal.Add(ctx, 1)
	b.metrics.SessionsIssuedTotal.Add(ctx, 1)
	b.publish(ctx, &models.Outcome{Token: token, Status: models.StatusGranted})

	log.Info().Str("token", token).Str("wallet", session.WalletAddress).Msg("Authorization granted")

	return nil
}

// Cancel declines the request. An empty reason uses DefaultCancelReason.
func (b *Broker) Cancel(ctx context.Context, token, reason string) error {
	if reason == "" {
		reason = DefaultCancelReason
	}

	if _, err := b.store.TakePending(ctx, token); err != nil {
		return err
	}

	b.metrics.AuthorizationsCancelledTotal.Add(ctx, 1)
	b.publish(ctx, &models.Outcome{Token: token, Status: models.StatusCancelled, Reason: reason})

	log.Info().Str("token", token).Str("reason", reason).Msg("Authorization cancelled")

	return nil
}
