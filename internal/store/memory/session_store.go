package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

var _ store.AuthorizationStore = (*AuthorizationStore)(nil)

// AuthorizationStore implements store.AuthorizationStore using in-memory maps.
// Data is lost on restart and is not shared between processes.
type AuthorizationStore struct {
	mu sync.Mutex

	pending  map[string]*models.PendingAuthorization // token -> request
	sessions map[string]*models.Session              // token -> session
}

// NewAuthorizationStore creates a new in-memory authorization store.
func NewAuthorizationStore() *AuthorizationStore {
	return &AuthorizationStore{
		pending:  make(map[string]*models.PendingAuthorization),
		sessions: make(map[string]*models.Session),
	}
}

// PutSession stores a session, replacing any previous session for the same token.
func (s *AuthorizationStore) PutSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clone to avoid external modifications
	clone := *session
	s.sessions[session.Token] = &clone

	return nil
}

// GetSession retrieves a session by token. Expiry is left to the caller so that
// an expired entry can still be evicted explicitly.
func (s *AuthorizationStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[token]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	clone := *session
	return &clone, nil
}

// DeleteSession deletes a session by token.
func (s *AuthorizationStore) DeleteSession(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[token]; !exists {
		return store.ErrSessionNotFound
	}

	delete(s.sessions, token)
	return nil
}

// DeleteExpiredSessions deletes all sessions expired at now.
func (s *AuthorizationStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, token)
			count++
		}
	}

	return count, nil
}

// Stats returns the number of pending requests and sessions held.
func (s *AuthorizationStore) Stats(ctx context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return store.Stats{
		Pending:  len(s.pending),
		Sessions: len(s.sessions),
	}, nil
}
