// Package client talks to the authorization broker over HTTP, from either the agent
// side (register-token, pay) or the approver side (pending, complete, cancel).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds common client configuration
type Config struct {
	ServerURL string
	Timeout   time.Duration
}

// DefaultConfig returns a default client configuration. The timeout outlives the
// server's pending TTL so register-token can wait for the human.
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Timeout:   6 * time.Minute,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client calls the HTTP API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New creates a client with the given configuration
func New(config Config) *Client {
	return &Client{
		BaseURL: strings.TrimRight(config.ServerURL, "/"),
		HTTP: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Token   string `json:"token"`
	TxHash  string `json:"tx_hash"`
}

// RegisterToken asks for authorization and blocks until the human decides. A
// cancellation comes back as a 403 APIError carrying the reason.
func (c *Client) RegisterToken(ctx context.Context) (string, error) {
	var out envelope
	if err := c.do(ctx, http.MethodPost, "/api/register-token", struct{}{}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// PendingAuth returns the oldest pending token, if any.
func (c *Client) PendingAuth(ctx context.Context) (string, bool, error) {
	var out struct {
		Token *string `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/pending-auth", nil, &out); err != nil {
		return "", false, err
	}
	if out.Token == nil {
		return "", false, nil
	}
	return *out.Token, true, nil
}

// CompleteAuth grants the pending request with the derived key.
func (c *Client) CompleteAuth(ctx context.Context, token, privateKeyHex, walletAddress string) error {
	body := map[string]string{
		"token":         token,
		"privateKey":    privateKeyHex,
		"walletAddress": walletAddress,
	}
	return c.do(ctx, http.MethodPost, "/api/complete-auth", body, nil)
}

// CancelAuth declines the pending request. An empty reason uses the server default.
func (c *Client) CancelAuth(ctx context.Context, token, reason string) error {
	body := map[string]string{"token": token}
	if reason != "" {
		body["error"] = reason
	}
	return c.do(ctx, http.MethodPost, "/api/cancel-auth", body, nil)
}

// Pay sends amount ether to receiver using a granted session token and returns the
// transaction hash.
func (c *Client) Pay(ctx context.Context, receiver, amount, sessionToken string) (string, error) {
	body := map[string]string{
		"receiver":     receiver,
		"amount":       amount,
		"sessionToken": sessionToken,
	}
	var out envelope
	if err := c.do(ctx, http.MethodPost, "/api/agent/pay", body, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Error == "" {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		return &APIError{Status: resp.StatusCode, Message: env.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
