package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Event pipeline metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_events_total",
			Help: "Raw platform events received, by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_events_dropped_total",
			Help: "Events discarded before classification",
		},
		[]string{"reason"},
	)

	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_signals_total",
			Help: "Classified foreground signals emitted",
		},
		[]string{"signal"},
	)

	// Ledger metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_ticks_total",
			Help: "Ledger ticks applied, by mode",
		},
		[]string{"mode"},
	)

	ModeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_mode_transitions_total",
			Help: "Ledger mode transitions",
		},
		[]string{"from", "to"},
	)

	StreakBonuses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_streak_bonuses_total",
			Help: "Accumulation streak bonuses awarded",
		},
	)

	Depletions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_depletions_total",
			Help: "Times the available balance drained to zero",
		},
	)

	AvailableSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timegate_available_seconds",
			Help: "Current spendable balance in seconds",
		},
	)

	// Enforcement metrics
	OverlayPresentations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_overlay_presentations_total",
			Help: "Lock overlay presentations launched",
		},
	)

	OverlayDebounced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_overlay_debounced_total",
			Help: "Overlay presentations rejected by the debounce",
		},
	)

	OverlayFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_overlay_failures_total",
			Help: "Overlay launches that returned an error",
		},
	)

	InactivityTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_inactivity_transitions_total",
			Help: "Spending episodes ended by the inactivity watchdog",
		},
	)

	// Usage metrics
	SessionSecondsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_session_seconds_total",
			Help: "Foreground seconds recorded into usage sessions",
		},
		[]string{"app"},
	)

	// Mirror metrics
	MirrorPushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timegate_mirror_push_errors_total",
			Help: "Failed balance snapshot pushes to the remote mirror",
		},
	)

	MirrorCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timegate_mirror_commands_total",
			Help: "Remote commands consumed from the mirror",
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		EventsDropped,
		SignalsTotal,
		TicksTotal,
		ModeTransitions,
		StreakBonuses,
		Depletions,
		AvailableSeconds,
		OverlayPresentations,
		OverlayDebounced,
		OverlayFailures,
		InactivityTransitions,
		SessionSecondsRecorded,
		MirrorPushErrors,
		MirrorCommands,
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
