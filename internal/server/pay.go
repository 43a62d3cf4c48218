package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/biopay/internal/broker"
	"github.com/wolfeidau/biopay/internal/payment"
)

const (
	msgMissingPayFields = "Missing required fields: receiver, amount, sessionToken"
	msgSessionInvalid   = "Invalid or expired session token"
	msgSessionExpired   = "Session token has expired"
	msgInvalidReceiver  = "Invalid receiver address"
	msgInvalidAmount    = "Amount must be greater than 0"
	msgPaymentsDisabled = "Payments are not configured"
	msgPaymentFailed    = "Payment failed"
)

// handlePay checks fields, then the session, then receiver and amount, then pays.
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, ok := req.amount()
	if req.Receiver == "" || !ok || req.SessionToken == "" {
		writeError(w, http.StatusBadRequest, msgMissingPayFields)
		return
	}

	session, err := s.broker.ValidateAndConsume(r.Context(), req.SessionToken)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrSessionExpired):
		writeError(w, http.StatusForbidden, msgSessionExpired)
		return
	case errors.Is(err, broker.ErrSessionInvalid):
		writeError(w, http.StatusForbidden, msgSessionInvalid)
		return
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("session validation failed")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	if _, _, err := payment.Validate(req.Receiver, amount); err != nil {
		writeError(w, http.StatusBadRequest, paymentInputMessage(err))
		return
	}

	if s.payer == nil {
		writeError(w, http.StatusServiceUnavailable, msgPaymentsDisabled)
		return
	}

	receipt, err := s.payer.Pay(r.Context(), session, req.Receiver, amount)
	if err != nil {
		if errors.Is(err, payment.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, paymentInputMessage(err))
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("payment failed")
		msg := msgPaymentFailed
		if errors.Is(err, payment.ErrExecution) {
			msg = err.Error()
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true, TxHash: receipt.TxHash.Hex()})
}

func paymentInputMessage(err error) string {
	switch {
	case errors.Is(err, payment.ErrInvalidReceiver):
		return msgInvalidReceiver
	case errors.Is(err, payment.ErrInvalidAmount):
		return msgInvalidAmount
	default:
		return err.Error()
	}
}
