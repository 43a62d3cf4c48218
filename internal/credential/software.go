package credential

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/duo-labs/webauthn/protocol"
)

var _ Authenticator = (*SoftwareAuthenticator)(nil)

// prfContext is the domain separation prefix WebAuthn applies to PRF salts before
// handing them to the authenticator's hmac-secret.
var prfContext = []byte("WebAuthn PRF\x00")

// SoftwareAuthenticator emulates a PRF-capable platform authenticator from a device
// secret. It backs headless approvers and tests; user verification always succeeds.
type SoftwareAuthenticator struct {
	deviceSecret []byte
	supportsPRF  bool

	mu          sync.Mutex
	credentials [][]byte
}

// SoftwareOption configures a SoftwareAuthenticator.
type SoftwareOption func(*SoftwareAuthenticator)

// WithoutPRF makes the authenticator behave like a device lacking the PRF extension.
func WithoutPRF() SoftwareOption {
	return func(a *SoftwareAuthenticator) {
		a.supportsPRF = false
	}
}

// WithCredential registers an existing credential id, as if enrolled earlier.
func WithCredential(credentialID []byte) SoftwareOption {
	return func(a *SoftwareAuthenticator) {
		a.credentials = append(a.credentials, append([]byte(nil), credentialID...))
	}
}

// NewSoftwareAuthenticator creates an authenticator whose PRF outputs are keyed by deviceSecret.
func NewSoftwareAuthenticator(deviceSecret []byte, opts ...SoftwareOption) *SoftwareAuthenticator {
	a := &SoftwareAuthenticator{
		deviceSecret: append([]byte(nil), deviceSecret...),
		supportsPRF:  true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Get asserts a stored credential. With no allow list the first credential is used,
// like a discoverable credential picked by the user.
func (a *SoftwareAuthenticator) Get(ctx context.Context, opts *protocol.PublicKeyCredentialRequestOptions) (*Assertion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var credentialID []byte
	if len(opts.AllowedCredentials) == 0 {
		if len(a.credentials) > 0 {
			credentialID = a.credentials[0]
		}
	} else {
		for _, allowed := range opts.AllowedCredentials {
			for _, known := range a.credentials {
				if bytes.Equal(allowed.CredentialID, known) {
					credentialID = known
				}
			}
		}
	}
	if credentialID == nil {
		return nil, ErrNoCredential
	}

	return a.assert(credentialID, opts.Extensions), nil
}

// Create enrolls a new credential with a random 16 byte id.
func (a *SoftwareAuthenticator) Create(ctx context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*Assertion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	credentialID := make([]byte, 16)
	if _, err := rand.Read(credentialID); err != nil {
		return nil, fmt.Errorf("failed to generate credential id: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.credentials = append(a.credentials, credentialID)
	return a.assert(credentialID, opts.Extensions), nil
}

func (a *SoftwareAuthenticator) assert(credentialID []byte, extensions protocol.AuthenticationExtensions) *Assertion {
	assertion := &Assertion{CredentialID: append([]byte(nil), credentialID...)}

	salt, ok := PRFSaltFrom(extensions)
	if !ok || !a.supportsPRF {
		return assertion
	}

	credentialKey := hmacSHA256(a.deviceSecret, credentialID)
	saltHash := sha256.Sum256(append(append([]byte(nil), prfContext...), salt...))
	assertion.PRFFirst = hmacSHA256(credentialKey, saltHash[:])

	return assertion
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
