package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var errInvalidBody = errors.New("Invalid request")

const (
	msgMethodNotAllowed = "Method not allowed"
	msgNotFound         = "Not found"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
}

type pendingResponse struct {
	Token *string `json:"token"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Time     string `json:"time"`
	Pending  int    `json:"pending"`
	Sessions int    `json:"sessions"`
}

type completeAuthRequest struct {
	Token         string `json:"token"`
	PrivateKey    string `json:"privateKey"`
	WalletAddress string `json:"walletAddress"`
}

type cancelAuthRequest struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

type payRequest struct {
	Receiver     string          `json:"receiver"`
	Amount       json.RawMessage `json:"amount"`
	SessionToken string          `json:"sessionToken"`
}

// amount accepts both JSON numbers and strings, as agents send either.
func (p *payRequest) amount() (string, bool) {
	raw := strings.TrimSpace(string(p.Amount))
	if raw == "" || raw == "null" {
		return "", false
	}

	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(p.Amount, &s); err != nil {
			return "", false
		}
		return s, s != ""
	}

	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errInvalidBody)
		}
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}
