package models

import (
	"time"
)

// Session is the key material a human granted to an agent, keyed by the token of the
// authorization request that produced it. The agent only ever holds the token; the key
// stays server-side until the session expires or is deleted.
type Session struct {
	Token         string    `json:"token"`
	PrivateKey    string    `json:"privateKey"` // 64 hex chars, no 0x prefix
	WalletAddress string    `json:"walletAddress"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// IsExpired reports whether the session is no longer valid at now.
// A session is valid only while now < ExpiresAt.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Remaining returns the time left before expiry, or zero once expired.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s.IsExpired(now) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}
