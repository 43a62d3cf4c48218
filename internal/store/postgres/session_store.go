package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

var _ store.AuthorizationStore = (*AuthorizationStore)(nil)

// AuthorizationStore implements store.AuthorizationStore using PostgreSQL.
type AuthorizationStore struct {
	pool *pgxpool.Pool
}

// NewAuthorizationStore creates a new PostgreSQL-backed authorization store.
func NewAuthorizationStore(pool *pgxpool.Pool) *AuthorizationStore {
	return &AuthorizationStore{
		pool: pool,
	}
}

// PutSession creates or replaces a session.
func (s *AuthorizationStore) PutSession(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO authorization_sessions (
			token, private_key, wallet_address, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5
		)
		ON CONFLICT (token) DO UPDATE SET
			private_key = EXCLUDED.private_key,
			wallet_address = EXCLUDED.wallet_address,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`

	_, err := s.pool.Exec(ctx, query,
		session.Token,
		session.PrivateKey,
		session.WalletAddress,
		session.CreatedAt,
		session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put session: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("token", session.Token).
		Time("expires_at", session.ExpiresAt).
		Msg("Stored session")

	return nil
}

// GetSession retrieves a session by token. Expiry is left to the caller.
func (s *AuthorizationStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	query := `
		SELECT token, private_key, wallet_address, created_at, expires_at
		FROM authorization_sessions
		WHERE token = $1
	`

	var session models.Session
	err := s.pool.QueryRow(ctx, query, token).Scan(
		&session.Token,
		&session.PrivateKey,
		&session.WalletAddress,
		&session.CreatedAt,
		&session.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", mapPostgresError(err))
	}

	return &session, nil
}

// DeleteSession deletes a session by token.
func (s *AuthorizationStore) DeleteSession(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM authorization_sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", mapPostgresError(err))
	}

	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

// DeleteExpiredSessions deletes all sessions expired at now.
func (s *AuthorizationStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM authorization_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", mapPostgresError(err))
	}

	return int(tag.RowsAffected()), nil
}

// Stats returns the number of pending requests and sessions held.
func (s *AuthorizationStore) Stats(ctx context.Context) (store.Stats, error) {
	query := `
		SELECT
			(SELECT count(*) FROM pending_authorizations),
			(SELECT count(*) FROM authorization_sessions)
	`

	var pending, sessions int64
	if err := s.pool.QueryRow(ctx, query).Scan(&pending, &sessions); err != nil {
		return store.Stats{}, fmt.Errorf("failed to get stats: %w", mapPostgresError(err))
	}

	return store.Stats{Pending: int(pending), Sessions: int(sessions)}, nil
}
