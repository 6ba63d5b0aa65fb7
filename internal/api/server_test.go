package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/lunameter/internal/identity"
	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/notify"
	"github.com/goodtune/lunameter/internal/policy"
	"github.com/goodtune/lunameter/internal/session"
	"github.com/goodtune/lunameter/internal/storage"
	"github.com/goodtune/lunameter/internal/storage/bolt"
	"github.com/goodtune/lunameter/internal/topup"
	"github.com/goodtune/lunameter/internal/usage"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "whsec_test"
)

type stubConversation struct {
	err error
}

func (c *stubConversation) Reply(_ context.Context, history []storage.Turn, message string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "echo: " + message, nil
}

type testAPI struct {
	server       *httptest.Server
	api          *Server
	identity     *identity.Verifier
	webhooks     *topup.Verifier
	ledger       *ledger.Ledger
	clock        *usage.TestClock
	hub          *notify.Hub
	conversation *stubConversation
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "api.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := usage.NewTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := ledger.New(store.Ledger(), zerolog.Nop(), ledger.WithClock(clock.Now))
	meter := usage.NewMeter(l, usage.Config{TickInterval: time.Hour, Clock: clock}, zerolog.Nop())
	t.Cleanup(meter.Stop)

	hub := notify.NewHub(nil, zerolog.Nop())
	conv := &stubConversation{}
	manager := session.NewManager(store.Sessions(), l, meter, session.Config{
		Conversation: conv,
		Notifier:     hub,
	}, zerolog.Nop())
	t.Cleanup(manager.Stop)

	reconciler := topup.NewReconciler(l, topup.Config{InitialBackoff: time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go reconciler.Run(ctx)
	t.Cleanup(cancel)

	verifier, err := identity.NewVerifier(identity.Config{Secret: testJWTSecret})
	require.NoError(t, err)

	authz, err := policy.NewAuthorizer("", []string{"ops@example.com"}, zerolog.Nop())
	require.NoError(t, err)

	webhooks := topup.NewVerifier(testWebhookSecret, 0)

	srv := NewServer(Config{RateLimit: 1000}, Deps{
		Identity:   verifier,
		Ledger:     l,
		Sessions:   manager,
		Reconciler: reconciler,
		Webhooks:   webhooks,
		Hub:        hub,
		Authorizer: authz,
	}, zerolog.Nop())
	t.Cleanup(srv.rateLimiter.Stop)

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	return &testAPI{
		server:       httpServer,
		api:          srv,
		identity:     verifier,
		webhooks:     webhooks,
		ledger:       l,
		clock:        clock,
		hub:          hub,
		conversation: conv,
	}
}

func (a *testAPI) token(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := a.identity.GenerateToken(userID, email, "authenticated", "", time.Hour)
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (a *testAPI) fund(t *testing.T, userID string, minutes int64) {
	t.Helper()
	_, err := a.ledger.Credit(context.Background(), userID, minutes, storage.KindPurchaseCredit, "payment:seed-"+userID)
	require.NoError(t, err)
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestRequiresToken(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.do(t, http.MethodGet, "/api/luna/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, errorCode(t, body))

	resp, body = a.do(t, http.MethodGet, "/api/luna/balance", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, errorCode(t, body))
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "u1", "u1@example.com")
	a.fund(t, "u1", 30)

	resp, body := a.do(t, http.MethodPost, "/api/luna/session/start", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var started StartResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, storage.StatusActive, started.Session.Status)
	assert.Equal(t, int64(30), started.MinutesRemaining)

	resp, body = a.do(t, http.MethodPost, "/api/luna/session/start", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeSessionConflict, errorCode(t, body))

	a.clock.Advance(20 * time.Second)
	resp, body = a.do(t, http.MethodPost, "/api/luna/message", token, MessageRequest{SessionID: started.Session.ID, Message: "ciao"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var turn session.TurnResult
	require.NoError(t, json.Unmarshal(body, &turn))
	assert.Equal(t, "echo: ciao", turn.Reply)

	a.clock.Advance(20 * time.Second)
	resp, body = a.do(t, http.MethodPost, "/api/luna/session/end", token, SessionRequest{SessionID: started.Session.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var ended session.EndResult
	require.NoError(t, json.Unmarshal(body, &ended))
	assert.Equal(t, int64(1), ended.MinutesCharged)
	assert.Equal(t, int64(29), ended.MinutesRemaining)
	assert.Equal(t, storage.ReasonUserRequested, ended.Session.EndReason)

	resp, body = a.do(t, http.MethodPost, "/api/luna/session/end", token, SessionRequest{SessionID: started.Session.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ended))
	assert.True(t, ended.AlreadyClosed)
	assert.Equal(t, int64(29), ended.MinutesRemaining)

	resp, body = a.do(t, http.MethodGet, "/api/luna/session/"+started.Session.ID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail SessionResponse
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, storage.StatusClosed, detail.Session.Status)
	assert.Len(t, detail.Turns, 2)

	resp, body = a.do(t, http.MethodGet, "/api/luna/balance", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance BalanceResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	assert.Equal(t, int64(29), balance.MinutesRemaining)
	assert.Equal(t, int64(1), balance.MinutesUsed)
	assert.Nil(t, balance.OpenSession)

	resp, body = a.do(t, http.MethodGet, "/api/luna/transactions?limit=10", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history struct {
		Transactions []storage.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Transactions, 2)
	assert.Equal(t, storage.KindSessionDebit, history.Transactions[0].Kind)
	assert.Equal(t, int64(-1), history.Transactions[0].Delta)
}

func TestStartWithoutBalance(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "broke", "")

	resp, body := a.do(t, http.MethodPost, "/api/luna/session/start", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, CodeInsufficientBalance, errorCode(t, body))
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	a := newTestAPI(t)
	owner := a.token(t, "owner", "")
	other := a.token(t, "other", "")
	a.fund(t, "owner", 10)

	resp, body := a.do(t, http.MethodPost, "/api/luna/session/start", owner, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started StartResponse
	require.NoError(t, json.Unmarshal(body, &started))

	resp, body = a.do(t, http.MethodGet, "/api/luna/session/"+started.Session.ID, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, errorCode(t, body))

	resp, _ = a.do(t, http.MethodPost, "/api/luna/session/end", other, SessionRequest{SessionID: started.Session.ID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, http.MethodPost, "/api/luna/message", other, MessageRequest{SessionID: started.Session.ID, Message: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessageFailures(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "u1", "")
	a.fund(t, "u1", 10)

	resp, body := a.do(t, http.MethodPost, "/api/luna/session/start", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started StartResponse
	require.NoError(t, json.Unmarshal(body, &started))

	resp, body = a.do(t, http.MethodPost, "/api/luna/message", token, MessageRequest{SessionID: started.Session.ID, Message: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, body))

	resp, body = a.do(t, http.MethodPost, "/api/luna/message", token, map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, body))

	a.conversation.err = errors.New("upstream timeout")
	resp, body = a.do(t, http.MethodPost, "/api/luna/message", token, MessageRequest{SessionID: started.Session.ID, Message: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeServiceUnavailable, errorCode(t, body))

	resp, body = a.do(t, http.MethodGet, "/api/luna/balance", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance BalanceResponse
	require.NoError(t, json.Unmarshal(body, &balance))
	require.NotNil(t, balance.OpenSession)
	assert.Equal(t, storage.StatusActive, balance.OpenSession.Status)
}

func TestTrialGrantedOnce(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "newbie", "")

	for i := 0; i < 2; i++ {
		resp, body := a.do(t, http.MethodPost, "/api/luna/trial", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var trial TrialResponse
		require.NoError(t, json.Unmarshal(body, &trial))
		assert.Equal(t, int64(ledger.DefaultTrialMinutes), trial.MinutesRemaining)
	}
}

func (a *testAPI) postWebhook(t *testing.T, event topup.Event, signature string) (*http.Response, []byte) {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)
	if signature == "" {
		signature = a.webhooks.Sign(payload, time.Now())
	}

	req, err := http.NewRequest(http.MethodPost, a.server.URL+"/api/webhooks/payments", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(DefaultSignatureHeader, signature)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestPaymentWebhook(t *testing.T) {
	a := newTestAPI(t)
	event := topup.Event{ID: "evt_1", UserID: "payer", PackID: "30min", Timestamp: time.Now().Unix()}

	resp, body := a.postWebhook(t, event, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var first WebhookResponse
	require.NoError(t, json.Unmarshal(body, &first))
	assert.False(t, first.Duplicate)
	assert.NotEmpty(t, first.TransactionID)

	resp, body = a.postWebhook(t, event, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second WebhookResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	remaining, err := a.ledger.BalanceOf(context.Background(), "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(30), remaining)

	conflicting := event
	conflicting.UserID = "someone-else"
	resp, body = a.postWebhook(t, conflicting, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeIdempotencyConflict, errorCode(t, body))
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	a := newTestAPI(t)
	event := topup.Event{ID: "evt_2", UserID: "payer", MinutesPurchased: 60}

	resp, body := a.postWebhook(t, event, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, errorCode(t, body))

	remaining, err := a.ledger.BalanceOf(context.Background(), "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestPaymentWebhookInvalidEvent(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.postWebhook(t, topup.Event{ID: "evt_3", UserID: "payer", PackID: "unknown"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, body))
}

func TestAdminRoutesRequireOperator(t *testing.T) {
	a := newTestAPI(t)
	user := a.token(t, "u1", "u1@example.com")

	resp, body := a.do(t, http.MethodGet, "/api/admin/sessions", user, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeForbidden, errorCode(t, body))

	resp, _ = a.do(t, http.MethodPost, "/api/admin/users/u1/adjust", user, AdjustRequest{Delta: 100, Note: "free"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	remaining, err := a.ledger.BalanceOf(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), remaining)
}

func TestAdminAdjustAndLedger(t *testing.T) {
	a := newTestAPI(t)
	operator := a.token(t, "op", "ops@example.com")

	resp, body := a.do(t, http.MethodPost, "/api/admin/users/u1/adjust", operator, AdjustRequest{Delta: 12, Note: "support credit"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = a.do(t, http.MethodPost, "/api/admin/users/u1/adjust", operator, AdjustRequest{Delta: -20, Note: "too much"})
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, CodeInsufficientBalance, errorCode(t, body))

	resp, _ = a.do(t, http.MethodPost, "/api/admin/users/u1/adjust", operator, AdjustRequest{Delta: 5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = a.do(t, http.MethodGet, "/api/admin/users/u1/ledger", operator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ledgerResp LedgerResponse
	require.NoError(t, json.Unmarshal(body, &ledgerResp))
	assert.Equal(t, int64(12), ledgerResp.Balance.MinutesRemaining)
	require.Len(t, ledgerResp.Transactions, 1)
	assert.Equal(t, "support credit", ledgerResp.Transactions[0].Note)
}

func TestAdminTerminateStreamsEvents(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "u1", "")
	operator := a.token(t, "op", "ops@example.com")
	a.fund(t, "u1", 10)

	resp, body := a.do(t, http.MethodPost, "/api/luna/session/start", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started StartResponse
	require.NoError(t, json.Unmarshal(body, &started))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(a.server.URL, "http") + "/api/luna/session/" + started.Session.ID + "/events?token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	require.Eventually(t, func() bool { return a.hub.SubscriberCount("u1") == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, body = a.do(t, http.MethodGet, "/api/admin/sessions", operator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), started.Session.ID)

	a.clock.Advance(90 * time.Second)
	resp, body = a.do(t, http.MethodPost, "/api/admin/sessions/"+started.Session.ID+"/terminate", operator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ended session.EndResult
	require.NoError(t, json.Unmarshal(body, &ended))
	assert.Equal(t, storage.ReasonForced, ended.Session.EndReason)
	assert.Equal(t, int64(2), ended.MinutesCharged)

	var types []notify.EventType
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		var ev notify.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []notify.EventType{notify.EventSessionEnding, notify.EventSessionEnded}, types)
}

func TestEventsRejectsClosedSession(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "u1", "")
	a.fund(t, "u1", 10)

	resp, body := a.do(t, http.MethodPost, "/api/luna/session/start", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started StartResponse
	require.NoError(t, json.Unmarshal(body, &started))

	resp, _ = a.do(t, http.MethodPost, "/api/luna/session/end", token, SessionRequest{SessionID: started.Session.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = a.do(t, http.MethodGet, "/api/luna/session/"+started.Session.ID+"/events", token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeSessionNotActive, errorCode(t, body))
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(Config{AllowedOrigins: []string{"https://app.example.com"}}, Deps{}, zerolog.Nop())
	defer srv.rateLimiter.Stop()

	req := httptest.NewRequest(http.MethodOptions, "/api/luna/session/start", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
