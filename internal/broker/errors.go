package broker

import (
	"errors"
)

// Reasons recorded on outcomes and shown to the agent.
const (
	DefaultCancelReason = "User cancelled authorization"
	ExpiredReason       = "Authorization request expired"
	storeFailureReason  = "Failed to store session"
)

var (
	ErrSessionInvalid         = errors.New("invalid or expired session token")
	ErrSessionExpired         = errors.New("session token has expired")
	ErrAuthorizationTimeout   = errors.New("authorization timeout: user did not respond in time")
	ErrAuthorizationCancelled = errors.New("authorization cancelled")
	ErrInvalidKeyMaterial     = errors.New("invalid private key")
	ErrAddressMismatch        = errors.New("wallet address does not match private key")
)

// CancelledError carries the approver's reason for declining a request.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return e.Reason
}

// Is matches ErrAuthorizationCancelled so callers can test with errors.Is.
func (e *CancelledError) Is(target error) bool {
	return target == ErrAuthorizationCancelled
}
