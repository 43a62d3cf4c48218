package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

// CreatePending inserts a pending request. ttl is not stored; the broker sweep
// removes stale rows.
func (s *AuthorizationStore) CreatePending(ctx context.Context, pending *models.PendingAuthorization, ttl time.Duration) error {
	query := `
		INSERT INTO pending_authorizations (token, status, created_at)
		VALUES ($1, $2, $3)
	`

	_, err := s.pool.Exec(ctx, query, pending.Token, string(models.StatusPending), pending.CreatedAt)
	if err != nil {
		return mapPostgresError(err)
	}

	return nil
}

// ListPending returns pending requests oldest first.
func (s *AuthorizationStore) ListPending(ctx context.Context) ([]*models.PendingAuthorization, error) {
	query := `
		SELECT token, status, created_at
		FROM pending_authorizations
		ORDER BY created_at, token
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending authorizations: %w", mapPostgresError(err))
	}

	pending, err := pgx.CollectRows(rows, scanPending)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending authorizations: %w", err)
	}

	return pending, nil
}

// TakePending deletes and returns the pending row in one statement, so concurrent
// callers cannot both receive it.
func (s *AuthorizationStore) TakePending(ctx context.Context, token string) (*models.PendingAuthorization, error) {
	query := `
		DELETE FROM pending_authorizations
		WHERE token = $1
		RETURNING token, status, created_at
	`

	rows, err := s.pool.Query(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("failed to take pending authorization: %w", mapPostgresError(err))
	}

	pending, err := pgx.CollectExactlyOneRow(rows, scanPending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to take pending authorization: %w", mapPostgresError(err))
	}

	return pending, nil
}

func scanPending(row pgx.CollectableRow) (*models.PendingAuthorization, error) {
	var (
		p      models.PendingAuthorization
		status string
	)
	if err := row.Scan(&p.Token, &status, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Status = models.AuthorizationStatus(status)
	return &p, nil
}
