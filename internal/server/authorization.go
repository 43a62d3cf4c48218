package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/biopay/internal/broker"
	"github.com/wolfeidau/biopay/internal/store"
)

const (
	msgAuthorizationNotFound = "Authorization request not found"
	msgAuthorizationTimeout  = "Authorization timeout - user did not respond in time"
	msgInternal              = "Internal server error"
)

// handleRegisterToken blocks until the approver decides or the request expires.
func (s *Server) handleRegisterToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.broker.RequestAuthorization(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, successResponse{Success: true, Token: token})
		return
	}

	var cancelled *broker.CancelledError
	switch {
	case errors.As(err, &cancelled):
		writeError(w, http.StatusForbidden, cancelled.Reason)
	case errors.Is(err, broker.ErrAuthorizationTimeout):
		writeError(w, http.StatusRequestTimeout, msgAuthorizationTimeout)
	case errors.Is(err, context.Canceled):
		zerolog.Ctx(r.Context()).Debug().Msg("agent disconnected while waiting")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("register token failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func (s *Server) handlePendingAuth(w http.ResponseWriter, r *http.Request) {
	token, ok, err := s.broker.PollPending(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("poll pending failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	resp := pendingResponse{}
	if ok {
		resp.Token = &token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompleteAuth(w http.ResponseWriter, r *http.Request) {
	var req completeAuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" || req.PrivateKey == "" || req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields: token, privateKey, walletAddress")
		return
	}

	err := s.broker.Grant(r.Context(), req.Token, req.PrivateKey, req.WalletAddress)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	case errors.Is(err, store.ErrAuthorizationNotFound):
		writeError(w, http.StatusNotFound, msgAuthorizationNotFound)
	case errors.Is(err, broker.ErrInvalidKeyMaterial), errors.Is(err, broker.ErrAddressMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("token", req.Token).Msg("grant failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func (s *Server) handleCancelAuth(w http.ResponseWriter, r *http.Request) {
	var req cancelAuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: token")
		return
	}

	err := s.broker.Cancel(r.Context(), req.Token, req.Error)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, successResponse{Success: true})
	case errors.Is(err, store.ErrAuthorizationNotFound):
		writeError(w, http.StatusNotFound, msgAuthorizationNotFound)
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("token", req.Token).Msg("cancel failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}
