package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/biopay/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrAuthorizationNotFound = errors.New("authorization request not found")
	ErrAuthorizationExists   = errors.New("authorization request already exists")
	ErrSessionNotFound       = errors.New("session not found")
)

// AuthorizationStore holds pending authorization requests and granted sessions.
//
// Implementations must make TakePending an atomic compare-and-delete: when several
// callers race on the same token exactly one receives the request and the rest get
// ErrAuthorizationNotFound. Every terminal transition in the broker goes through it.
type AuthorizationStore interface {
	// CreatePending stores a new pending request. ttl is a hint for stores that can
	// expire entries natively; the broker sweep remains authoritative.
	CreatePending(ctx context.Context, pending *models.PendingAuthorization, ttl time.Duration) error

	// ListPending returns all pending requests ordered by CreatedAt, oldest first.
	ListPending(ctx context.Context) ([]*models.PendingAuthorization, error)

	// TakePending removes and returns the pending request for token.
	TakePending(ctx context.Context, token string) (*models.PendingAuthorization, error)

	// Session lifecycle
	PutSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	// Stats reports current entry counts for metrics.
	Stats(ctx context.Context) (Stats, error)
}

// Stats holds point-in-time counts of store contents.
type Stats struct {
	Pending  int
	Sessions int
}

// Notifier broadcasts authorization outcomes to every broker instance sharing a store,
// so the instance holding an agent's waiting request learns about a grant or cancel
// made through any other instance.
type Notifier interface {
	Publish(ctx context.Context, outcome *models.Outcome) error

	// Subscribe returns a channel of outcomes published after the call returns.
	// The channel is closed when ctx is done.
	Subscribe(ctx context.Context) (<-chan *models.Outcome, error)
}
