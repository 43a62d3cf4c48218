// Package approver is the human side of the authorization protocol. It watches for
// pending requests, runs the biometric ceremony, derives the wallet key and grants
// or cancels the request.
package approver

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/client"
	"github.com/wolfeidau/biopay/internal/credential"
	"github.com/wolfeidau/biopay/internal/keyderive"
	"github.com/wolfeidau/biopay/internal/localsession"
)

const (
	DefaultPollInterval = 500 * time.Millisecond

	// DeclinedReason is sent when the human declines the request.
	DeclinedReason = "User cancelled authorization"

	completeFailedReason = "Failed to complete authorization"
	expiredReason        = "Authorization expired before it was granted"
	cancelTimeout        = 5 * time.Second
	maxPollRetry         = 30 * time.Second
)

// API is the approver side of the HTTP surface.
type API interface {
	PendingAuth(ctx context.Context) (string, bool, error)
	CompleteAuth(ctx context.Context, token, privateKeyHex, walletAddress string) error
	CancelAuth(ctx context.Context, token, reason string) error
}

// Decider asks the human whether to approve the request for token.
type Decider func(ctx context.Context, token string) (bool, error)

// Kind classifies how a request was handled.
type Kind string

const (
	KindGranted           Kind = "granted"
	KindDeclined          Kind = "declined"
	KindUnsupportedDevice Kind = "unsupported-device"
	KindTimeout           Kind = "timeout"
	KindExpired           Kind = "expired"
	KindCancelled         Kind = "cancelled"
	KindFailed            Kind = "failed"
)

// Outcome reports what happened to one pending request.
type Outcome struct {
	Token   string
	Kind    Kind
	Address string // set when granted
	Reused  bool   // granted from a live local session without a ceremony
	Reason  string // sent to the agent when not granted, except for expired requests
	Err     error
}

// Approver handles pending requests one at a time.
type Approver struct {
	api      API
	manager  *credential.Manager
	sessions *localsession.Store

	decide          Decider
	onOutcome       func(Outcome)
	clock           clock.Clock
	pollInterval    time.Duration
	ceremonyTimeout time.Duration

	lastToken string
}

// Option configures an Approver.
type Option func(*Approver)

// WithDecider asks before every ceremony. Without one every request is approved.
func WithDecider(d Decider) Option {
	return func(a *Approver) {
		a.decide = d
	}
}

// WithOutcomeHandler is called after each request is handled.
func WithOutcomeHandler(fn func(Outcome)) Option {
	return func(a *Approver) {
		a.onOutcome = fn
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Approver) {
		a.clock = c
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(a *Approver) {
		a.pollInterval = d
	}
}

// WithCeremonyTimeout bounds the authenticator ceremony.
func WithCeremonyTimeout(d time.Duration) Option {
	return func(a *Approver) {
		a.ceremonyTimeout = d
	}
}

// New creates an approver. sessions may be nil, in which case every request runs
// a ceremony and nothing is remembered.
func New(api API, manager *credential.Manager, sessions *localsession.Store, opts ...Option) *Approver {
	a := &Approver{
		api:             api,
		manager:         manager,
		sessions:        sessions,
		clock:           clock.New(),
		pollInterval:    DefaultPollInterval,
		ceremonyTimeout: credential.TimeoutMillis * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run polls for pending requests until ctx is cancelled. Transport errors are
// retried with backoff and never end the loop.
func (a *Approver) Run(ctx context.Context) error {
	ticker := a.clock.Ticker(a.pollInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", a.pollInterval).Msg("Watching for pending authorizations")

	for {
		a.poll(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type pending struct {
	token string
	ok    bool
}

func (a *Approver) poll(ctx context.Context) {
	p, err := backoff.Retry(ctx, func() (pending, error) {
		token, ok, err := a.api.PendingAuth(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Pending poll failed, retrying")
			return pending{}, err
		}
		return pending{token: token, ok: ok}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxPollRetry))
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to poll pending authorizations")
		}
		return
	}

	if !p.ok || p.token == a.lastToken {
		return
	}
	a.lastToken = p.token

	outcome := a.Handle(ctx, p.token)
	if a.onOutcome != nil {
		a.onOutcome(outcome)
	}
}

// Handle decides a single pending request. Every path other than a grant sends a
// best-effort cancel carrying the reason.
func (a *Approver) Handle(ctx context.Context, token string) Outcome {
	logger := log.With().Str("token", token).Logger()
	logger.Info().Msg("Authorization requested")

	if a.decide != nil {
		approved, err := a.decide(ctx, token)
		if err != nil {
			return a.decline(ctx, token, classify(err), err.Error(), err)
		}
		if !approved {
			return a.decline(ctx, token, KindDeclined, DeclinedReason, nil)
		}
	}

	key, reused, err := a.obtainKey(ctx)
	if err != nil {
		kind := classify(err)
		reason := err.Error()
		if kind == KindCancelled {
			reason = DeclinedReason
		}
		return a.decline(ctx, token, kind, reason, err)
	}

	if err := a.api.CompleteAuth(ctx, token, key.Hex(), key.Address.Hex()); err != nil {
		if client.IsStatus(err, http.StatusNotFound) {
			// Expired or already resolved, there is nothing left to cancel.
			logger.Info().Err(err).Msg("Authorization expired before it was granted")
			return Outcome{Token: token, Kind: KindExpired, Reason: expiredReason, Err: err}
		}
		return a.decline(ctx, token, KindFailed, completeFailedReason, err)
	}

	logger.Info().Str("address", key.Address.Hex()).Bool("reused", reused).Msg("Authorization granted")

	return Outcome{
		Token:   token,
		Kind:    KindGranted,
		Address: key.Address.Hex(),
		Reused:  reused,
	}
}

// obtainKey reuses a live local session or runs the ceremony and derives a new key.
func (a *Approver) obtainKey(ctx context.Context) (*keyderive.Key, bool, error) {
	var existingID []byte

	if a.sessions != nil {
		if privateKey := a.sessions.PrivateKey(); privateKey != "" {
			key, err := keyderive.FromHex(privateKey)
			if err == nil {
				return key, true, nil
			}
			log.Warn().Err(err).Msg("Discarding unusable local session")
			_ = a.sessions.Clear()
		}

		if id := a.sessions.CredentialID(); id != "" {
			decoded, err := hex.DecodeString(id)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring malformed credential id")
			} else {
				existingID = decoded
			}
		}
	}

	ceremonyCtx, cancel := context.WithTimeout(ctx, a.ceremonyTimeout)
	defer cancel()

	result, err := a.manager.Obtain(ceremonyCtx, existingID)
	if err != nil {
		return nil, false, err
	}

	key, err := keyderive.DeriveHex(result.Secret.Hex())
	if err != nil {
		return nil, false, err
	}

	if a.sessions != nil {
		if err := a.sessions.Set(key.Hex(), key.Address.Hex(), result.CredentialIDHex()); err != nil {
			log.Warn().Err(err).Msg("Failed to save local session")
		}
	}

	return key, false, nil
}

func (a *Approver) decline(ctx context.Context, token string, kind Kind, reason string, cause error) Outcome {
	log.Info().Err(cause).Str("token", token).Str("kind", string(kind)).Msg("Authorization not granted")

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()

	if err := a.api.CancelAuth(cancelCtx, token, reason); err != nil {
		log.Warn().Err(err).Str("token", token).Msg("Failed to cancel authorization")
	}

	return Outcome{Token: token, Kind: kind, Reason: reason, Err: cause}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, credential.ErrUnsupportedDevice):
		return KindUnsupportedDevice
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindFailed
	}
}
