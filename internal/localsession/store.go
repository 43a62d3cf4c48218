// Package localsession keeps the approver's derived key on the approving device for a
// short, randomised lifetime, alongside the credential id used to re-authenticate.
package localsession

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

const (
	// MinLifetime and MaxLifetime bound the randomised key lifetime.
	MinLifetime = 5 * time.Minute
	MaxLifetime = 10 * time.Minute
)

// Record is the persisted local state.
type Record struct {
	PrivateKey   string    `json:"private_key,omitempty"`
	Address      string    `json:"address,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Persister saves and restores the record between runs.
type Persister interface {
	Load() (*Record, error)
	Save(rec *Record) error
}

// Store holds the local session. It is safe for concurrent use.
type Store struct {
	clock     clock.Clock
	persister Persister
	lifetime  func() (time.Duration, error)

	mu  sync.Mutex
	rec Record
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for expiry.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithPersister stores the record through p.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithLifetime replaces the random lifetime with a fixed one.
func WithLifetime(d time.Duration) Option {
	return func(s *Store) {
		s.lifetime = func() (time.Duration, error) { return d, nil }
	}
}

// New creates a store, restoring any persisted record. A restored key that has
// already expired is dropped while its credential id is kept.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		clock:    clock.New(),
		lifetime: randomLifetime,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.persister == nil {
		return s, nil
	}

	rec, err := s.persister.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load local session: %w", err)
	}
	if rec != nil {
		s.rec = *rec
	}

	if s.rec.PrivateKey != "" && s.expiredLocked() {
		log.Debug().Msg("Discarding expired local session")
		if err := s.clearLocked(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Set stores a freshly derived key with a new random expiry.
func (s *Store) Set(privateKeyHex, address, credentialID string) error {
	lifetime, err := s.lifetime()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec = Record{
		PrivateKey:   privateKeyHex,
		Address:      address,
		CredentialID: credentialID,
		ExpiresAt:    s.clock.Now().Add(lifetime),
	}

	return s.saveLocked()
}

// IsExpired reports whether there is no usable key.
func (s *Store) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiredLocked()
}

// TimeRemaining returns how long the key stays usable, never negative.
func (s *Store) TimeRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec.ExpiresAt.IsZero() {
		return 0
	}
	remaining := s.rec.ExpiresAt.Sub(s.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PrivateKey returns the stored key hex, empty once expired.
func (s *Store) PrivateKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked() {
		return ""
	}
	return s.rec.PrivateKey
}

// Address returns the stored wallet address, empty once expired.
func (s *Store) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked() {
		return ""
	}
	return s.rec.Address
}

// CredentialID returns the remembered credential id. It outlives the key.
func (s *Store) CredentialID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.CredentialID
}

// Clear removes the key material but keeps the credential id.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

// ClearAll forgets everything including the credential id.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec = Record{}
	return s.saveLocked()
}

func (s *Store) expiredLocked() bool {
	if s.rec.PrivateKey == "" || s.rec.ExpiresAt.IsZero() {
		return true
	}
	return !s.clock.Now().Before(s.rec.ExpiresAt)
}

func (s *Store) clearLocked() error {
	s.rec = Record{CredentialID: s.rec.CredentialID}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.persister == nil {
		return nil
	}
	rec := s.rec
	if err := s.persister.Save(&rec); err != nil {
		return fmt.Errorf("failed to save local session: %w", err)
	}
	return nil
}

func randomLifetime() (time.Duration, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(MaxLifetime-MinLifetime)))
	if err != nil {
		return 0, fmt.Errorf("failed to pick session lifetime: %w", err)
	}
	return MinLifetime + time.Duration(n.Int64()), nil
}
