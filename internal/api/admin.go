package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/goodtune/lunameter/internal/storage"
)

// AdjustRequest is an operator balance correction.
type AdjustRequest struct {
	Delta int64  `json:"delta"`
	Note  string `json:"note"`
}

// LedgerResponse is a user's balance with recent transactions.
type LedgerResponse struct {
	Balance      *storage.Balance      `json:"balance"`
	Transactions []storage.Transaction `json:"transactions"`
}

// requireOperator runs next only when the policy allows the caller to
// perform action on the route's {id}.
func (s *Server) requireOperator(action string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		if err := s.deps.Authorizer.AuthorizeIdentity(r.Context(), id, action, mux.Vars(r)["id"]); err != nil {
			writeDomainError(w, s.logger, err)
			return
		}
		next(w, r)
	})
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	operator, _ := IdentityFromContext(r.Context())
	userID := mux.Vars(r)["id"]

	var req AdjustRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "note is required")
		return
	}

	txn, err := s.deps.Ledger.Adjust(r.Context(), userID, req.Delta, req.Note)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	s.logger.Info().
		Str("operator", operator.UserID).
		Str("user_id", userID).
		Int64("delta", req.Delta).
		Str("note", req.Note).
		Msg("Balance adjusted by operator")

	balance, err := s.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction": txn,
		"balance":     balance,
	})
}

func (s *Server) handleUserLedger(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	balance, err := s.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	txns, err := s.deps.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if txns == nil {
		txns = []storage.Transaction{}
	}

	writeJSON(w, http.StatusOK, LedgerResponse{Balance: balance, Transactions: txns})
}

func (s *Server) handleListOpenSessions(w http.ResponseWriter, r *http.Request) {
	open, err := s.deps.Sessions.ListOpen(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if open == nil {
		open = []storage.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": open})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	operator, _ := IdentityFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	result, err := s.deps.Sessions.ForceClose(r.Context(), sessionID, storage.ReasonForced)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	s.logger.Info().
		Str("operator", operator.UserID).
		Str("session_id", sessionID).
		Int64("minutes_charged", result.MinutesCharged).
		Msg("Session terminated by operator")

	writeJSON(w, http.StatusOK, result)
}
