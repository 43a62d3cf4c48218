package models

import "time"

// AuthorizationStatus is the lifecycle state of an authorization request.
type AuthorizationStatus string

const (
	StatusPending   AuthorizationStatus = "pending"
	StatusGranted   AuthorizationStatus = "granted"
	StatusCancelled AuthorizationStatus = "cancelled"
	StatusExpired   AuthorizationStatus = "expired"
)

// IsTerminal returns true for granted, cancelled and expired.
func (s AuthorizationStatus) IsTerminal() bool {
	switch s {
	case StatusGranted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// PendingAuthorization is an agent's outstanding request for a human to approve a session.
// It never carries key material.
type PendingAuthorization struct {
	Token     string              `json:"token"`
	Status    AuthorizationStatus `json:"status"`
	CreatedAt time.Time           `json:"createdAt"`
}

// IsStale reports whether the request has outlived ttl at now.
func (p *PendingAuthorization) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.CreatedAt) > ttl
}

// Outcome is the terminal transition of a request, broadcast to whichever broker
// instance holds the agent's waiting call.
type Outcome struct {
	Token  string              `json:"token"`
	Status AuthorizationStatus `json:"status"`
	Reason string              `json:"reason,omitempty"`
}
