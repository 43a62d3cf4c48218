package memory

import (
	"context"
	"sort"
	"time"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

// CreatePending stores a new pending request. The ttl is ignored, the broker sweep
// expires in-memory requests.
func (s *AuthorizationStore) CreatePending(ctx context.Context, pending *models.PendingAuthorization, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[pending.Token]; exists {
		return store.ErrAuthorizationExists
	}

	clone := *pending
	s.pending[pending.Token] = &clone

	return nil
}

// ListPending returns copies of all pending requests, oldest first.
func (s *AuthorizationStore) ListPending(ctx context.Context) ([]*models.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*models.PendingAuthorization, 0, len(s.pending))
	for _, p := range s.pending {
		clone := *p
		result = append(result, &clone)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Token < result[j].Token
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// TakePending removes and returns the pending request for token under the store lock,
// so only the first caller observes it.
func (s *AuthorizationStore) TakePending(ctx context.Context, token string) (*models.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.pending[token]
	if !exists {
		return nil, store.ErrAuthorizationNotFound
	}

	delete(s.pending, token)
	return p, nil
}
