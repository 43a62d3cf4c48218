package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

// ValidateAndConsume returns the session for token if it is still live. An expired
// session is deleted on sight. With single-use sessions the token is removed and a
// concurrent second use fails.
func (b *Broker) ValidateAndConsume(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		b.metrics.SessionsRejectedTotal.Add(ctx, 1)
		return nil, ErrSessionInvalid
	}

	session, err := b.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			b.metrics.SessionsRejectedTotal.Add(ctx, 1)
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if session.IsExpired(b.clock.Now()) {
		if err := b.store.DeleteSession(ctx, token); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			log.Warn().Err(err).Str("token", token).Msg("Failed to delete expired session")
		}
		b.metrics.SessionsRejectedTotal.Add(ctx, 1)
		return nil, ErrSessionExpired
	}

	if b.singleUse {
		if err := b.store.DeleteSession(ctx, token); err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				b.metrics.SessionsRejectedTotal.Add(ctx, 1)
				return nil, ErrSessionInvalid
			}
			return nil, fmt.Errorf("failed to consume session: %w", err)
		}
	}

	return session, nil
}
