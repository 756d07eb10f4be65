package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tracker loop metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrack_ticks_total",
			Help: "Total sampling ticks executed",
		},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktrack_tick_duration_seconds",
			Help:    "Duration of one sampling tick including detection",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		},
	)

	SessionsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrack_sessions_written_total",
			Help: "Sessions persisted by the tracker",
		},
		[]string{"source"},
	)

	SessionSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrack_session_seconds_total",
			Help: "Seconds covered by persisted sessions",
		},
		[]string{"source"},
	)

	FlushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrack_flush_errors_total",
			Help: "Session writes that failed",
		},
	)

	SleepGaps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrack_sleep_gaps_total",
			Help: "System sleep gaps detected",
		},
	)

	PrivacyExclusions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrack_privacy_exclusions_total",
			Help: "Observations dropped by privacy rules",
		},
	)

	OpenSegment = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktrack_open_segment",
			Help: "Whether a segment is currently open (1) or not (0)",
		},
	)

	Paused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktrack_paused",
			Help: "Whether tracking is paused (1) or not (0)",
		},
	)

	IdleSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktrack_idle_seconds",
			Help: "Last idle reading in seconds",
		},
	)

	// Detector metrics
	DetectorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrack_detector_failures_total",
			Help: "Sampling attempts that produced no reading",
		},
		[]string{"kind"},
	)

	DetectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ktrack_detector_duration_seconds",
			Help:    "Duration of detection backend invocations",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"backend"},
	)

	// Privacy metrics
	PrivacyRulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktrack_privacy_rules_active",
			Help: "Number of enabled and compiled privacy rules",
		},
	)

	PolicyEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrack_privacy_policy_evaluations_total",
			Help: "Privacy policy evaluations by result",
		},
		[]string{"result"},
	)

	// Storage maintenance
	RetentionDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktrack_retention_deleted_total",
			Help: "Sessions removed by the retention scheduler",
		},
	)

	// API metrics
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktrack_api_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		SessionsWritten,
		SessionSeconds,
		FlushErrors,
		SleepGaps,
		PrivacyExclusions,
		OpenSegment,
		Paused,
		IdleSeconds,
		DetectorFailures,
		DetectorDuration,
		PrivacyRulesActive,
		PolicyEvaluations,
		RetentionDeleted,
		APIRequests,
	)
}

// Server serves prometheus metrics
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

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
