package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/biopay/internal/policy"
)

// Payment is a completed agent payment.
type Payment struct {
	Merchant     *policy.Merchant
	Receiver     string
	Amount       string
	TxHash       string
	SessionToken string
}

// Agent pays on behalf of a user. It asks for authorization once and reuses the
// granted session token until the server rejects it.
type Agent struct {
	client *Client
	policy *policy.Policy

	mu    sync.Mutex
	token string
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithPolicy checks every payment against the spending limit and merchant list
// before contacting the server.
func WithPolicy(p *policy.Policy) AgentOption {
	return func(a *Agent) {
		a.policy = p
	}
}

// WithSessionToken seeds the agent with a token granted earlier.
func WithSessionToken(token string) AgentOption {
	return func(a *Agent) {
		a.token = token
	}
}

// NewAgent creates an agent over the client.
func NewAgent(c *Client, opts ...AgentOption) *Agent {
	a := &Agent{client: c}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SessionToken returns the cached token, empty if none.
func (a *Agent) SessionToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Forget drops the cached token.
func (a *Agent) Forget() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
}

// forget drops token unless a concurrent payment already replaced it.
func (a *Agent) forget(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == token {
		a.token = ""
	}
}

// Pay checks the policy, obtains a session token if none is cached, then pays. A
// rejected session token is dropped and the error returned; the next call asks
// for a fresh authorization.
func (a *Agent) Pay(ctx context.Context, receiver, amount string) (*Payment, error) {
	var merchant *policy.Merchant
	if a.policy != nil {
		m, err := a.policy.Check(receiver, amount)
		if err != nil {
			return nil, err
		}
		merchant = m
	}

	token, err := a.authorize(ctx)
	if err != nil {
		return nil, err
	}

	txHash, err := a.client.Pay(ctx, receiver, amount, token)
	if err != nil {
		if IsStatus(err, http.StatusForbidden) {
			log.Info().Str("token", token).Msg("Session token rejected, dropping it")
			a.forget(token)
		}
		return nil, err
	}

	return &Payment{
		Merchant:     merchant,
		Receiver:     receiver,
		Amount:       amount,
		TxHash:       txHash,
		SessionToken: token,
	}, nil
}

func (a *Agent) authorize(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" {
		return a.token, nil
	}

	log.Info().Msg("Requesting authorization, waiting for approval")
	token, err := a.client.RegisterToken(ctx)
	if err != nil {
		return "", fmt.Errorf("authorization failed: %w", err)
	}
	a.token = token
	return token, nil
}
