package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/goodtune/lunameter/internal/topup"
)

// WebhookResponse acknowledges a payment event.
type WebhookResponse struct {
	EventID       string `json:"event_id"`
	TransactionID string `json:"transaction_id"`
	Duplicate     bool   `json:"duplicate"`
}

// handlePaymentWebhook verifies the signature over the raw body, then hands
// the event to the reconciler. Duplicates are acknowledged with 200 so the
// processor stops redelivering.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read body")
		return
	}

	if err := s.deps.Webhooks.Verify(body, r.Header.Get(s.config.SignatureHeader)); err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected payment webhook")
		writeDomainError(w, s.logger, err)
		return
	}

	var event topup.Event
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid event body")
		return
	}

	outcome, err := s.deps.Reconciler.Submit(r.Context(), event)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{
		EventID:       event.ID,
		TransactionID: outcome.Transaction.ID,
		Duplicate:     outcome.Duplicate,
	})
}
