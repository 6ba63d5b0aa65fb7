package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/conversation"
	"github.com/goodtune/lunameter/internal/identity"
	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/policy"
	"github.com/goodtune/lunameter/internal/session"
	"github.com/goodtune/lunameter/internal/topup"
)

// Stable error codes returned in ErrorResponse.Error.
const (
	CodeInsufficientBalance = "insufficient_balance"
	CodeSessionConflict     = "session_conflict"
	CodeSessionNotActive    = "session_not_active"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeServiceUnavailable  = "external_service_unavailable"
	CodeNotFound            = "not_found"
	CodeInvalidRequest      = "invalid_request"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{ledger.ErrInsufficientBalance, http.StatusPaymentRequired, CodeInsufficientBalance, "not enough minutes remaining"},
	{session.ErrSessionConflict, http.StatusConflict, CodeSessionConflict, "a session is already open"},
	{session.ErrSessionNotActive, http.StatusConflict, CodeSessionNotActive, "session is not active"},
	{ledger.ErrIdempotencyConflict, http.StatusConflict, CodeIdempotencyConflict, "event id already used for a different payment"},
	{identity.ErrUnauthorized, http.StatusUnauthorized, CodeUnauthorized, "invalid or missing token"},
	{topup.ErrUnauthorized, http.StatusUnauthorized, CodeUnauthorized, "invalid webhook signature"},
	{policy.ErrForbidden, http.StatusForbidden, CodeForbidden, "operator access required"},
	{session.ErrExternalServiceUnavailable, http.StatusServiceUnavailable, CodeServiceUnavailable, "conversation service unavailable, try again"},
	{conversation.ErrUnavailable, http.StatusServiceUnavailable, CodeServiceUnavailable, "conversation service unavailable, try again"},
	{topup.ErrStopped, http.StatusServiceUnavailable, CodeServiceUnavailable, "payment processing unavailable"},
	{session.ErrSessionNotFound, http.StatusNotFound, CodeNotFound, "session not found"},
	{session.ErrEmptyMessage, http.StatusBadRequest, CodeInvalidRequest, "message is empty"},
	{session.ErrInvalidReason, http.StatusBadRequest, CodeInvalidRequest, "invalid end reason"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, CodeInvalidRequest, "amount must be a non-zero number of minutes"},
	{ledger.ErrInvalidKind, http.StatusBadRequest, CodeInvalidRequest, "invalid transaction kind"},
	{topup.ErrInvalidEvent, http.StatusBadRequest, CodeInvalidRequest, "invalid payment event"},
}

// writeDomainError maps err to its status and code. Unknown errors are
// logged and reported as internal errors.
func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, m.message)
			return
		}
	}
	logger.Error().Err(err).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
