package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Ledger metrics
	LedgerTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_ledger_transactions_total",
			Help: "Ledger operations by transaction kind and result",
		},
		[]string{"kind", "result"},
	)

	LedgerMinutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_ledger_minutes_total",
			Help: "Absolute minutes moved through the ledger by transaction kind",
		},
		[]string{"kind"},
	)

	IdempotencyConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "luna_idempotency_conflicts_total",
			Help: "Idempotency keys reused with a different user or amount",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "luna_sessions_active",
			Help: "Number of sessions currently being metered",
		},
	)

	SessionStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_session_starts_total",
			Help: "Session start attempts by outcome",
		},
		[]string{"outcome"},
	)

	SessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_sessions_ended_total",
			Help: "Closed sessions by end reason",
		},
		[]string{"reason"},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "luna_session_duration_seconds",
			Help:    "Wall-clock duration of closed sessions",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600, 7200},
		},
	)

	ReconciliationMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "luna_reconciliation_mismatches_total",
			Help: "Final settlements that needed more minutes than the balance held",
		},
	)

	// Usage meter metrics
	MeterTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_meter_ticks_total",
			Help: "Metering ticks by outcome",
		},
		[]string{"outcome"},
	)

	UsageMinutesConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "luna_usage_minutes_consumed_total",
			Help: "Total session minutes debited",
		},
	)

	// Conversation service metrics
	ConversationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_conversation_requests_total",
			Help: "Conversation service calls by status",
		},
		[]string{"status"},
	)

	ConversationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "luna_conversation_duration_seconds",
			Help:    "Conversation service latency including retries",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 60},
		},
	)

	// Top-up metrics
	TopupEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_topup_events_total",
			Help: "Payment events by result",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "luna_http_requests_total",
			Help: "API requests by route, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "luna_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Notification metrics
	NotifySubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "luna_notify_subscribers",
			Help: "Open session event streams",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerTransactionsTotal,
		LedgerMinutesTotal,
		IdempotencyConflictsTotal,
		SessionsActive,
		SessionStartsTotal,
		SessionsEndedTotal,
		SessionDuration,
		ReconciliationMismatchesTotal,
		MeterTicksTotal,
		UsageMinutesConsumed,
		ConversationRequestsTotal,
		ConversationDuration,
		TopupEventsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		NotifySubscribers,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
