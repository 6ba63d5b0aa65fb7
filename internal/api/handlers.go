package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/goodtune/lunameter/internal/session"
	"github.com/goodtune/lunameter/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SessionRequest names a session in a request body.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// MessageRequest is one conversational turn.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// StartResponse is returned when a session opens.
type StartResponse struct {
	Session          *storage.Session `json:"session"`
	MinutesRemaining int64            `json:"minutes_remaining"`
}

// SessionResponse is a session with its transcript.
type SessionResponse struct {
	Session *storage.Session `json:"session"`
	Turns   []storage.Turn   `json:"turns"`
}

// BalanceResponse describes the caller's minutes.
type BalanceResponse struct {
	UserID           string           `json:"user_id"`
	MinutesRemaining int64            `json:"minutes_remaining"`
	MinutesUsed      int64            `json:"minutes_used"`
	OpenSession      *storage.Session `json:"open_session"`
}

// TrialResponse is returned by the trial grant.
type TrialResponse struct {
	Transaction      *storage.Transaction `json:"transaction"`
	MinutesRemaining int64                `json:"minutes_remaining"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	started, err := s.deps.Sessions.Start(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	remaining, err := s.deps.Ledger.BalanceOf(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, StartResponse{Session: started, MinutesRemaining: remaining})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	var req MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "session_id is required")
		return
	}

	result, err := s.deps.Sessions.Turn(r.Context(), id.UserID, req.SessionID, req.Message)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	var req SessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "session_id is required")
		return
	}

	if _, err := s.deps.Sessions.GetForUser(r.Context(), id.UserID, req.SessionID); err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	result, err := s.deps.Sessions.End(r.Context(), req.SessionID, storage.ReasonUserRequested)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	found, err := s.deps.Sessions.GetForUser(r.Context(), id.UserID, sessionID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	turns, err := s.deps.Sessions.Transcript(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if turns == nil {
		turns = []storage.Turn{}
	}

	writeJSON(w, http.StatusOK, SessionResponse{Session: found, Turns: turns})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	found, err := s.deps.Sessions.GetForUser(r.Context(), id.UserID, sessionID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if !found.Open() {
		writeDomainError(w, s.logger, session.ErrSessionNotActive)
		return
	}

	s.deps.Hub.ServeSession(w, r, id.UserID, sessionID)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	sessions, err := s.deps.Sessions.ListByUser(r.Context(), id.UserID, limit)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if sessions == nil {
		sessions = []storage.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	balance, err := s.deps.Ledger.Balance(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	open, err := s.deps.Sessions.OpenFor(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:           id.UserID,
		MinutesRemaining: balance.MinutesRemaining,
		MinutesUsed:      balance.MinutesUsed,
		OpenSession:      open,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	txns, err := s.deps.Ledger.History(r.Context(), id.UserID, limit)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	if txns == nil {
		txns = []storage.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

func (s *Server) handleTrial(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	txn, err := s.deps.Ledger.GrantTrial(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	remaining, err := s.deps.Ledger.BalanceOf(r.Context(), id.UserID)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, TrialResponse{Transaction: txn, MinutesRemaining: remaining})
}

// parseLimit reads the optional "limit" query parameter.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
