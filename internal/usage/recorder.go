// Package usage records completed spending episodes. One episode
// becomes one durable session record holding the per-app split of the
// time spent.
package usage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/storage"
)

const (
	// DefaultMinSessionDuration is the minimum episode length worth a
	// durable record.
	DefaultMinSessionDuration = time.Second
)

// End reasons stored on session records.
const (
	ReasonStopped    = "stopped"
	ReasonDepleted   = "depleted"
	ReasonInactivity = "inactivity"
	ReasonShutdown   = "shutdown"
)

// Recorder accumulates one spending episode at a time and writes it
// out as a single record when the episode ends.
type Recorder struct {
	sessions    storage.SessionStore
	clock       clock.Clock
	minDuration time.Duration
	retain      int
	logger      zerolog.Logger
	mu          sync.Mutex

	active     bool
	id         string
	startedAt  time.Time
	currentApp string
	appSince   time.Time
	paused     bool
	perApp     map[string]time.Duration
}

// Config holds recorder configuration
type Config struct {
	MinSessionDuration time.Duration
	// RetainSessions caps how many records the store keeps; older ones
	// are pruned after each flush. Zero or less keeps everything.
	RetainSessions int
}

// NewRecorder creates a new episode recorder
func NewRecorder(sessions storage.SessionStore, clk clock.Clock, config Config, logger zerolog.Logger) *Recorder {
	if config.MinSessionDuration == 0 {
		config.MinSessionDuration = DefaultMinSessionDuration
	}
	return &Recorder{
		sessions:    sessions,
		clock:       clk,
		minDuration: config.MinSessionDuration,
		retain:      config.RetainSessions,
		logger:      logger.With().Str("component", "usage-recorder").Logger(),
	}
}

// StartSession begins a new episode attributed to app. Starting while
// an episode is already open is a no-op.
func (r *Recorder) StartSession(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		return
	}

	now := r.clock.Now()
	r.active = true
	r.id = generateSessionID()
	r.startedAt = now
	r.currentApp = app
	r.appSince = now
	r.paused = false
	r.perApp = make(map[string]time.Duration)

	r.logger.Info().
		Str("session_id", r.id).
		Str("app", app).
		Msg("Started usage session")
}

// AppChanged credits the elapsed time to the previous app and starts
// attributing to the new one.
func (r *Recorder) AppChanged(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return
	}
	now := r.clock.Now()
	r.creditLocked(now)
	r.currentApp = app
	r.appSince = now
	r.paused = false
}

// Pause stops attributing time without closing the episode, for
// stretches where no gated app owns the screen.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active || r.paused {
		return
	}
	r.creditLocked(r.clock.Now())
	r.paused = true
}

// Resume restarts attribution after a pause.
func (r *Recorder) Resume(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active || !r.paused {
		return
	}
	r.currentApp = app
	r.appSince = r.clock.Now()
	r.paused = false
}

// EndSession closes the episode and writes the record. Ending with no
// open episode is a no-op. Episodes shorter than the minimum duration
// are dropped.
func (r *Recorder) EndSession(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil
	}
	now := r.clock.Now()
	r.creditLocked(now)
	r.active = false

	var total time.Duration
	perApp := make(map[string]int64, len(r.perApp))
	for app, d := range r.perApp {
		total += d
		perApp[app] = d.Milliseconds()
	}

	if total < r.minDuration {
		r.logger.Debug().
			Str("session_id", r.id).
			Dur("duration", total).
			Msg("Session too short, not counting")
		return nil
	}

	record := storage.SessionRecord{
		ID:           r.id,
		StartedAt:    r.startedAt,
		EndedAt:      now,
		Reason:       reason,
		PerAppMillis: perApp,
	}
	if err := r.sessions.Put(ctx, record); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := r.sessions.Prune(ctx, r.retain); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to prune old sessions")
	}

	for app, d := range r.perApp {
		metrics.SessionSecondsRecorded.WithLabelValues(app).Add(d.Seconds())
	}

	r.logger.Info().
		Str("session_id", r.id).
		Str("reason", reason).
		Dur("duration", total).
		Int("apps", len(perApp)).
		Msg("Finalized usage session")

	return nil
}

// Active reports whether an episode is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// creditLocked moves time since appSince onto the current app.
func (r *Recorder) creditLocked(now time.Time) {
	if r.paused || r.currentApp == "" {
		return
	}
	if d := now.Sub(r.appSince); d > 0 {
		r.perApp[r.currentApp] += d
	}
	r.appSince = now
}

// generateSessionID generates a unique session ID
func generateSessionID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// This should never happen with a working system RNG
		panic(fmt.Sprintf("failed to generate random session ID: %v", err))
	}
	return hex.EncodeToString(bytes)
}
