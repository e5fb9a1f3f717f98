// Package watchdog ends spending episodes the user walked away from.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/config"
)

// Watchdog watches one spending episode at a time for inactivity. It
// fires the timeout callback at most once per episode.
type Watchdog struct {
	mu        sync.Mutex
	clock     clock.Clock
	cfg       config.InactivityConfig
	onTimeout func()
	logger    zerolog.Logger

	// idle reports whether the ledger is parked in idle. Inactivity
	// only accrues while it returns true; an actively ticking episode
	// is not abandoned.
	idle func() bool

	active       bool
	fired        bool
	lastActivity time.Time
}

// New creates a watchdog. onTimeout runs without the watchdog lock
// held, so it may call back into StopEpisode.
func New(cfg config.InactivityConfig, clk clock.Clock, onTimeout func(), logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		clock:     clk,
		cfg:       cfg,
		onTimeout: onTimeout,
		logger:    logger.With().Str("component", "watchdog").Logger(),
	}
}

// SetIdleCheck installs the ledger-idle predicate. Without one every
// armed episode is treated as idle.
func (w *Watchdog) SetIdleCheck(fn func() bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.idle = fn
}

// Run drives the periodic check until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := w.clock.Ticker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// StartEpisode arms the watchdog for a new spending episode. Starting
// over a live episode rearms it.
func (w *Watchdog) StartEpisode() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = true
	w.fired = false
	w.lastActivity = w.clock.Now()
}

// StopEpisode disarms the watchdog.
func (w *Watchdog) StopEpisode() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = false
}

// Touch records user activity. Stale touches never move the mark
// backwards.
func (w *Watchdog) Touch(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return
	}
	if t.After(w.lastActivity) {
		w.lastActivity = t
	}
}

// Check fires the timeout when the episode has gone quiet for long
// enough while the ledger sat in idle. It reports whether it fired.
func (w *Watchdog) Check() bool {
	w.mu.Lock()
	if !w.active || w.fired {
		w.mu.Unlock()
		return false
	}
	if w.idle != nil && !w.idle() {
		// Still spending: the inactivity clock restarts.
		w.lastActivity = w.clock.Now()
		w.mu.Unlock()
		return false
	}
	idle := w.clock.Now().Sub(w.lastActivity)
	if idle < w.cfg.Timeout {
		w.mu.Unlock()
		return false
	}
	w.fired = true
	w.active = false
	w.mu.Unlock()

	w.logger.Info().Dur("idle", idle).Msg("Inactivity timeout reached")
	if w.onTimeout != nil {
		w.onTimeout()
	}
	return true
}
