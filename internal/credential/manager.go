// Package credential obtains a PRF secret from a platform authenticator, either by
// asserting an existing enrollment or by enrolling a new credential.
package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/duo-labs/webauthn/protocol"
	"github.com/duo-labs/webauthn/protocol/webauthncose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PRFSalt is the fixed application salt evaluated by the PRF extension. Changing it
// changes every derived wallet.
var PRFSalt = []byte("NexPay-Biometric-Salt-v1")

const (
	// TimeoutMillis bounds each authenticator ceremony.
	TimeoutMillis = 60000

	challengeLength = 32

	relyingPartyName = "NexPay Crypto Wallet"
	userName         = "user@nexpay.local"
	userDisplayName  = "NexPay User"
	userHandlePrefix = "nexpay-user-"
)

var (
	// ErrUnsupportedDevice is returned when enrollment cannot produce a PRF secret.
	// There is no fallback: the user needs a PRF-capable platform authenticator.
	ErrUnsupportedDevice = errors.New("device does not support the PRF extension; use a PRF-capable authenticator")

	// ErrAuthenticationFailed is returned when an assertion fails and enrollment is required.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNoCredential is returned by authenticators that hold no matching credential.
	ErrNoCredential = errors.New("no matching credential")
)

// Assertion is what an authenticator hands back from a ceremony.
type Assertion struct {
	CredentialID []byte
	PRFFirst     []byte // PRF output for the first salt; empty if the device does not support PRF
}

// Authenticator is the platform authenticator subsystem.
type Authenticator interface {
	Get(ctx context.Context, opts *protocol.PublicKeyCredentialRequestOptions) (*Assertion, error)
	Create(ctx context.Context, opts *protocol.PublicKeyCredentialCreationOptions) (*Assertion, error)
}

// State tracks where the manager is in the authenticate/enroll flow.
type State string

const (
	StateIdle               State = "idle"
	StateAuthenticated      State = "authenticated"
	StateEnrollmentRequired State = "enrollment-required"
	StateFailed             State = "failed"
)

// Secret is the PRF output.
type Secret []byte

// Hex returns the secret as lowercase hex, the form consumed by keyderive.DeriveHex.
func (s Secret) Hex() string {
	return hex.EncodeToString(s)
}

// Result is a successful ceremony. CredentialID should be persisted by the caller and
// passed back to Authenticate to avoid re-enrollment.
type Result struct {
	Secret       Secret
	CredentialID []byte
	Enrolled     bool
}

// CredentialIDHex returns the credential id as lowercase hex.
func (r *Result) CredentialIDHex() string {
	return hex.EncodeToString(r.CredentialID)
}

// Manager drives the authenticate-then-enroll flow. It never retries on its own.
type Manager struct {
	authenticator Authenticator

	mu    sync.Mutex
	state State
}

// NewManager creates a manager over the given authenticator.
func NewManager(authenticator Authenticator) *Manager {
	return &Manager{
		authenticator: authenticator,
		state:         StateIdle,
	}
}

// State returns the current flow state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Authenticate asserts an existing credential, constrained to existingID when given.
func (m *Manager) Authenticate(ctx context.Context, existingID []byte) (*Result, error) {
	challenge, err := protocol.CreateChallenge()
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	opts := &protocol.PublicKeyCredentialRequestOptions{
		Challenge:        challenge,
		Timeout:          TimeoutMillis,
		UserVerification: protocol.VerificationRequired,
		Extensions:       prfExtension(),
	}
	if len(existingID) > 0 {
		opts.AllowedCredentials = []protocol.CredentialDescriptor{{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: existingID,
		}}
	}

	assertion, err := m.authenticator.Get(ctx, opts)
	if err != nil {
		m.setState(StateEnrollmentRequired)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if len(assertion.PRFFirst) == 0 {
		m.setState(StateEnrollmentRequired)
		return nil, fmt.Errorf("%w: device failed to return PRF secret", ErrAuthenticationFailed)
	}

	if len(existingID) > 0 && hex.EncodeToString(existingID) != hex.EncodeToString(assertion.CredentialID) {
		log.Debug().Str("credential_id", hex.EncodeToString(assertion.CredentialID)).Msg("Authenticator returned a different credential")
	}

	m.setState(StateAuthenticated)
	return &Result{
		Secret:       Secret(assertion.PRFFirst),
		CredentialID: assertion.CredentialID,
	}, nil
}

// Enroll creates a new resident, user-verified, platform credential and requires the
// PRF secret to be returned on creation.
func (m *Manager) Enroll(ctx context.Context) (*Result, error) {
	challenge, err := protocol.CreateChallenge()
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	requireResidentKey := true
	opts := &protocol.PublicKeyCredentialCreationOptions{
		Challenge: challenge,
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: relyingPartyName},
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: userName},
			DisplayName:      userDisplayName,
			ID:               []byte(userHandlePrefix + uuid.NewString()),
		},
		Parameters: []protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
		},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			RequireResidentKey:      &requireResidentKey,
			UserVerification:        protocol.VerificationRequired,
		},
		Timeout:     TimeoutMillis,
		Attestation: protocol.PreferNoAttestation,
		Extensions:  prfExtension(),
	}

	assertion, err := m.authenticator.Create(ctx, opts)
	if err != nil {
		m.setState(StateFailed)
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	if len(assertion.PRFFirst) == 0 {
		m.setState(StateFailed)
		return nil, ErrUnsupportedDevice
	}

	log.Info().Str("credential_id", hex.EncodeToString(assertion.CredentialID)).Msg("Enrolled new credential")

	m.setState(StateAuthenticated)
	return &Result{
		Secret:       Secret(assertion.PRFFirst),
		CredentialID: assertion.CredentialID,
		Enrolled:     true,
	}, nil
}

// Obtain authenticates and falls through to enrollment when authentication fails.
func (m *Manager) Obtain(ctx context.Context, existingID []byte) (*Result, error) {
	result, err := m.Authenticate(ctx, existingID)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log.Debug().Err(err).Msg("Authentication failed, creating new credential")
	return m.Enroll(ctx)
}

func prfExtension() protocol.AuthenticationExtensions {
	return protocol.AuthenticationExtensions{
		"prf": map[string]any{
			"eval": map[string]any{
				"first": PRFSalt,
			},
		},
	}
}

// PRFSaltFrom extracts the first PRF salt from ceremony extensions.
func PRFSaltFrom(extensions protocol.AuthenticationExtensions) ([]byte, bool) {
	prf, ok := extensions["prf"].(map[string]any)
	if !ok {
		return nil, false
	}
	eval, ok := prf["eval"].(map[string]any)
	if !ok {
		return nil, false
	}
	first, ok := eval["first"].([]byte)
	return first, ok && len(first) > 0
}
