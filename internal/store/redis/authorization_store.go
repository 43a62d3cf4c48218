package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/models"
	"github.com/wolfeidau/biopay/internal/store"
)

// sessionRetention keeps expired sessions around long enough for the sweeper to
// count them; Redis drops them on its own after that.
const sessionRetention = time.Hour

var _ store.AuthorizationStore = (*AuthorizationStore)(nil)

// Key layout, relative to the prefix:
//
//	pending_auth_<token>   JSON pending request
//	pending_auth_index     ZSET of pending tokens scored by creation time
//	session_<token>        JSON session
//	session_expiry         ZSET of session tokens scored by expiry time
var (
	createPendingScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
	return 1
end
return 0
`)

	takePendingScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return value
`)

	deleteExpiredScript = redis.NewScript(`
local tokens = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, token in ipairs(tokens) do
	redis.call('DEL', ARGV[2] .. token)
end
if #tokens > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return #tokens
`)
)

// AuthorizationStore implements store.AuthorizationStore on Redis.
type AuthorizationStore struct {
	client redis.UniversalClient
	prefix string
}

// NewAuthorizationStore creates a store using keys under prefix.
func NewAuthorizationStore(client redis.UniversalClient, prefix string) *AuthorizationStore {
	return &AuthorizationStore{client: client, prefix: prefix}
}

func (s *AuthorizationStore) pendingKey(token string) string {
	return s.prefix + "pending_auth_" + token
}

func (s *AuthorizationStore) pendingIndexKey() string {
	return s.prefix + "pending_auth_index"
}

func (s *AuthorizationStore) sessionKey(token string) string {
	return s.prefix + "session_" + token
}

func (s *AuthorizationStore) sessionExpiryKey() string {
	return s.prefix + "session_expiry"
}

// CreatePending stores the request with a native expiry of twice ttl, leaving the
// broker sweep to expire it first.
func (s *AuthorizationStore) CreatePending(ctx context.Context, pending *models.PendingAuthorization, ttl time.Duration) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	created, err := createPendingScript.Run(ctx, s.client,
		[]string{s.pendingKey(pending.Token), s.pendingIndexKey()},
		data, (2 * ttl).Milliseconds(), score(pending.CreatedAt), pending.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to create pending authorization: %w", err)
	}
	if created == 0 {
		return store.ErrAuthorizationExists
	}

	return nil
}

// ListPending returns pending requests oldest first. Index entries whose request
// has already expired in Redis are pruned.
func (s *AuthorizationStore) ListPending(ctx context.Context) ([]*models.PendingAuthorization, error) {
	tokens, err := s.client.ZRange(ctx, s.pendingIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending authorizations: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	keys := make([]string, len(tokens))
	for i, token := range tokens {
		keys[i] = s.pendingKey(token)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending authorizations: %w", err)
	}

	var (
		pending []*models.PendingAuthorization
		missing []any
	)
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			missing = append(missing, tokens[i])
			continue
		}

		var p models.PendingAuthorization
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
		}
		pending = append(pending, &p)
	}

	if len(missing) > 0 {
		if err := s.client.ZRem(ctx, s.pendingIndexKey(), missing...).Err(); err != nil {
			log.Warn().Err(err).Int("count", len(missing)).Msg("Failed to prune pending index")
		}
	}

	return pending, nil
}

// TakePending atomically reads and deletes the request.
func (s *AuthorizationStore) TakePending(ctx context.Context, token string) (*models.PendingAuthorization, error) {
	raw, err := takePendingScript.Run(ctx, s.client,
		[]string{s.pendingKey(token), s.pendingIndexKey()},
		token,
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to take pending authorization: %w", err)
	}

	var p models.PendingAuthorization
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	return &p, nil
}

// PutSession creates or replaces a session.
func (s *AuthorizationStore) PutSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.Token), data, sessionTTL(session))
		pipe.ZAdd(ctx, s.sessionExpiryKey(), redis.Z{Score: score(session.ExpiresAt), Member: session.Token})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put session: %w", err)
	}

	return nil
}

// sessionTTL is the native key expiry for a session: its own lifetime plus
// retention. It reads only the session's timestamps, never the wall clock.
func sessionTTL(session *models.Session) time.Duration {
	if session.CreatedAt.IsZero() {
		return sessionRetention
	}
	return max(session.ExpiresAt.Sub(session.CreatedAt), 0) + sessionRetention
}

// GetSession retrieves a session by token. Expiry is left to the caller.
func (s *AuthorizationStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// DeleteSession deletes a session by token.
func (s *AuthorizationStore) DeleteSession(ctx context.Context, token string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.sessionKey(token))
		pipe.ZRem(ctx, s.sessionExpiryKey(), token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if del.Val() == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

// DeleteExpiredSessions deletes all sessions expired at now.
func (s *AuthorizationStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	deleted, err := deleteExpiredScript.Run(ctx, s.client,
		[]string{s.sessionExpiryKey()},
		score(now), s.sessionKey(""),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	return deleted, nil
}

// Stats returns index cardinalities.
func (s *AuthorizationStore) Stats(ctx context.Context) (store.Stats, error) {
	var pending, sessions *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, s.pendingIndexKey())
		sessions = pipe.ZCard(ctx, s.sessionExpiryKey())
		return nil
	})
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}

	return store.Stats{Pending: int(pending.Val()), Sessions: int(sessions.Val())}, nil
}

// score orders entries by microsecond timestamp, exact within a float64.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}
