// Package enforce decides, for every classified foreground signal,
// whether the screen's owner is allowed to be there. It presents the
// lock overlay when not, debounces repeated presentations through a
// memory tier and a durable tier, and runs the transition bundles for
// depletion and inactivity.
package enforce

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/classify"
	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/ledger"
	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/storage"
	"github.com/goodtune/timegate/internal/usage"
)

// Balance is the slice of the ledger the enforcer drives.
type Balance interface {
	Mode() ledger.Mode
	StartSpending() error
	StartAccumulating() error
	Stop() error
	ResetStreak() error
}

// Recorder is the slice of the usage recorder the enforcer drives.
type Recorder interface {
	StartSession(app string)
	AppChanged(app string)
	Pause()
	Resume(app string)
	// Active reports whether a session is open. An open session with
	// the ledger parked in idle means spending was paused mid-episode.
	Active() bool
	EndSession(ctx context.Context, reason string) error
}

// OverlayLauncher presents the lock overlay over a target app.
type OverlayLauncher interface {
	Present(ctx context.Context, target string) error
}

// Watchdog owns the inactivity episode for spending mode.
type Watchdog interface {
	StartEpisode()
	StopEpisode()
	Touch(t time.Time)
}

// Notifier pushes human-facing notices out of the service.
type Notifier interface {
	Notice(kind, detail string)
}

const debounceCacheSize = 128

// Enforcer is the lock decision engine.
type Enforcer struct {
	mu     sync.Mutex
	clock  clock.Clock
	cfg    config.LockConfig
	logger zerolog.Logger

	balance  Balance
	recorder Recorder
	overlay  OverlayLauncher
	stamps   storage.LockStampStore
	recent   *expirable.LRU[string, time.Time]

	watchdog Watchdog
	notifier Notifier

	currentApp    string
	appBeforeLock string
	selfOnScreen  bool

	overlayShowing bool
	overlayTarget  string
	overlayAt      time.Time
}

// New creates an enforcer. Watchdog and notifier are wired afterwards
// because their construction depends on the enforcer.
func New(cfg config.LockConfig, clk clock.Clock, balance Balance, recorder Recorder, overlay OverlayLauncher, stamps storage.LockStampStore, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With().Str("component", "enforce").Logger(),
		balance:  balance,
		recorder: recorder,
		overlay:  overlay,
		stamps:   stamps,
		recent:   expirable.NewLRU[string, time.Time](debounceCacheSize, nil, cfg.DebounceWindow),
	}
}

// SetWatchdog wires the inactivity watchdog.
func (e *Enforcer) SetWatchdog(w Watchdog) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchdog = w
}

// SetNotifier wires the outbound notice channel.
func (e *Enforcer) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// AppBeforeLock returns the app the last lock interrupted, if any.
// The classifier uses it to let lock re-entries through the post-home
// quiet window.
func (e *Enforcer) AppBeforeLock() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appBeforeLock
}

// CurrentApp returns the gated app currently owning the screen.
func (e *Enforcer) CurrentApp() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentApp
}

// SelfForeground reports whether the control surface owns the screen.
// The ledger consults it before letting spending start.
func (e *Enforcer) SelfForeground() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfOnScreen
}

// HandleForeground applies the lock decision to one classified
// foreground transition.
func (e *Enforcer) HandleForeground(fg classify.Foreground) {
	mode := e.balance.Mode()

	e.mu.Lock()
	e.reconcileOverlayLocked(fg)
	e.selfOnScreen = fg.Signal == classify.SignalSelf

	switch fg.Signal {
	case classify.SignalSelf:
		// Our own surface over the app is not a foreground transition.
		e.mu.Unlock()
		return
	case classify.SignalExcluded, classify.SignalHome:
		// Never locked, never credited. Mid-episode the deduction
		// pauses but the watchdog stays armed, so lingering here still
		// ends in the inactivity bundle.
		e.currentApp = ""
		e.mu.Unlock()
		e.recorder.Pause()
		if mode == ledger.ModeSpending {
			if err := e.balance.Stop(); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to pause spending off-app")
			}
		}
		return
	case classify.SignalApp:
		e.currentApp = fg.Package
		if mode == ledger.ModeSpending {
			resumed := e.appBeforeLock == fg.Package
			e.appBeforeLock = ""
			e.mu.Unlock()
			e.recorder.Resume(fg.Package)
			e.recorder.AppChanged(fg.Package)
			if resumed {
				e.logger.Debug().Str("package", fg.Package).Msg("Re-entered app after lock")
			}
			return
		}
		e.mu.Unlock()

		// With an episode merely paused, coming back to an app picks
		// deduction up instead of locking the user out.
		if mode == ledger.ModeIdle && e.recorder.Active() {
			if e.resumeEpisode(fg.Package) {
				return
			}
		}

		e.mu.Lock()
		e.appBeforeLock = fg.Package
		e.mu.Unlock()
		e.recorder.Pause()
		e.present(fg.Package, fg.Time)
	}
}

// Touch forwards user activity to the watchdog.
func (e *Enforcer) Touch(t time.Time) {
	e.mu.Lock()
	w := e.watchdog
	e.mu.Unlock()
	if w != nil {
		w.Touch(t)
	}
}

// RecheckCurrent re-evaluates the app currently on screen. The
// classifier calls this, throttled, on content activity; it is what
// catches an app that stayed foreground across a mode change and what
// resumes deduction after a mid-episode pause.
func (e *Enforcer) RecheckCurrent() {
	mode := e.balance.Mode()

	e.mu.Lock()
	app := e.currentApp
	showing := e.overlayShowing
	e.mu.Unlock()
	if mode == ledger.ModeSpending || app == "" || showing {
		return
	}

	if mode == ledger.ModeIdle && e.recorder.Active() {
		if e.resumeEpisode(app) {
			return
		}
	}

	e.mu.Lock()
	e.appBeforeLock = app
	e.mu.Unlock()

	e.present(app, e.clock.Now())
}

// resumeEpisode restarts deduction for a paused episode. It reports
// false when the ledger refuses, leaving the caller to lock instead.
func (e *Enforcer) resumeEpisode(app string) bool {
	if err := e.balance.StartSpending(); err != nil {
		e.logger.Debug().Err(err).Msg("Could not resume spending")
		return false
	}
	e.recorder.Resume(app)
	e.logger.Debug().Str("package", app).Msg("Resumed spending after pause")
	return true
}

// OverlayClosed handles the overlay dismissing itself. The interrupted
// app, when there is one, becomes the current app again so the next
// decision sees it, and a paused episode picks deduction back up.
func (e *Enforcer) OverlayClosed() {
	e.mu.Lock()
	e.overlayShowing = false
	e.overlayTarget = ""
	if e.appBeforeLock != "" {
		e.currentApp = e.appBeforeLock
	}
	app := e.currentApp
	e.mu.Unlock()
	e.logger.Debug().Msg("Lock overlay closed")

	if app != "" && e.balance.Mode() == ledger.ModeIdle && e.recorder.Active() {
		e.resumeEpisode(app)
	}
}

// StartSpending begins a spending episode: ledger first (its guards
// decide), then the usage session and the inactivity watchdog.
func (e *Enforcer) StartSpending() error {
	if err := e.balance.StartSpending(); err != nil {
		return err
	}
	e.mu.Lock()
	app := e.currentApp
	w := e.watchdog
	e.mu.Unlock()

	e.recorder.StartSession(app)
	if w != nil {
		w.StartEpisode()
	}
	return nil
}

// StartAccumulating switches to earning, closing any open episode.
func (e *Enforcer) StartAccumulating(ctx context.Context) error {
	e.endEpisode(ctx, usage.ReasonStopped)
	return e.balance.StartAccumulating()
}

// StopToIdle parks the ledger, closing any open episode.
func (e *Enforcer) StopToIdle(ctx context.Context) error {
	e.endEpisode(ctx, usage.ReasonStopped)
	return e.balance.Stop()
}

// HandleDepleted runs the depletion bundle. The ledger has already
// moved itself to accumulating; what is left is closing the episode
// and locking whatever is on screen.
func (e *Enforcer) HandleDepleted() {
	ctx := context.Background()
	e.endEpisode(ctx, usage.ReasonDepleted)

	e.mu.Lock()
	app := e.currentApp
	n := e.notifier
	if app != "" {
		e.appBeforeLock = app
	}
	e.mu.Unlock()

	if n != nil {
		n.Notice("depleted", "")
	}
	if app != "" {
		e.present(app, e.clock.Now())
	}
}

// HandleInactivity runs the inactivity bundle: close the episode,
// break the streak, and fall back to accumulating.
func (e *Enforcer) HandleInactivity() {
	ctx := context.Background()
	e.endEpisode(ctx, usage.ReasonInactivity)

	if err := e.balance.ResetStreak(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to reset streak")
	}
	if err := e.balance.StartAccumulating(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to switch to accumulating")
	}
	metrics.InactivityTransitions.Inc()

	e.mu.Lock()
	n := e.notifier
	e.mu.Unlock()
	if n != nil {
		n.Notice("inactivity_stop", "")
	}
	e.logger.Info().Msg("Spending stopped by inactivity")
}

// ScreenOff pauses deduction and attribution. The episode itself stays
// open with the watchdog armed, so a screen left off long enough still
// ends in the inactivity bundle.
func (e *Enforcer) ScreenOff() {
	e.recorder.Pause()
	if e.balance.Mode() != ledger.ModeSpending {
		return
	}
	if err := e.balance.Stop(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to pause spending on screen off")
	}
}

// ScreenOn counts as activity.
func (e *Enforcer) ScreenOn() {
	e.Touch(e.clock.Now())
}

// UserPresent counts as activity and restarts the paused episode when a
// gated app is back on screen.
func (e *Enforcer) UserPresent() {
	now := e.clock.Now()
	e.Touch(now)

	e.mu.Lock()
	app := e.currentApp
	e.mu.Unlock()
	if app == "" {
		return
	}

	switch e.balance.Mode() {
	case ledger.ModeSpending:
		e.recorder.Resume(app)
	case ledger.ModeIdle:
		if e.recorder.Active() {
			e.resumeEpisode(app)
		}
	}
}

// Shutdown flushes any open episode on the way out.
func (e *Enforcer) Shutdown(ctx context.Context) {
	e.endEpisode(ctx, usage.ReasonShutdown)
}

func (e *Enforcer) endEpisode(ctx context.Context, reason string) {
	e.mu.Lock()
	w := e.watchdog
	e.mu.Unlock()
	if w != nil {
		w.StopEpisode()
	}
	if err := e.recorder.EndSession(ctx, reason); err != nil {
		e.logger.Error().Err(err).Str("reason", reason).Msg("Failed to flush usage session")
	}
}

// present shows the overlay over target unless a recent presentation
// for the same target already did. The memory tier answers first; the
// durable tier catches restarts and concurrent instances.
func (e *Enforcer) present(target string, at time.Time) {
	if at.IsZero() {
		at = e.clock.Now()
	}

	e.mu.Lock()
	if ts, seen := e.recent.Get(target); seen && at.Sub(ts) < e.cfg.DebounceWindow {
		e.mu.Unlock()
		metrics.OverlayDebounced.Inc()
		return
	}

	allowed, err := e.stamps.CheckAndSet(context.Background(), target, at, e.cfg.DebounceWindow)
	if err != nil {
		// Storage trouble must not turn the lock off.
		e.logger.Warn().Err(err).Msg("Debounce stamp check failed, presenting anyway")
		allowed = true
	}
	if !allowed {
		e.mu.Unlock()
		metrics.OverlayDebounced.Inc()
		return
	}

	e.recent.Add(target, at)
	e.overlayShowing = true
	e.overlayTarget = target
	e.overlayAt = at
	e.mu.Unlock()

	metrics.OverlayPresentations.Inc()
	e.logger.Info().Str("package", target).Msg("Presenting lock overlay")

	if err := e.overlay.Present(context.Background(), target); err != nil {
		metrics.OverlayFailures.Inc()
		e.logger.Error().Err(err).Str("package", target).Msg("Overlay launch failed")
		e.mu.Lock()
		e.overlayShowing = false
		e.overlayTarget = ""
		e.recent.Remove(target)
		e.mu.Unlock()
	}
}

// reconcileOverlayLocked clears a presentation the platform never
// reported closed. Without this a lost close signal would wedge the
// enforcer into believing the overlay still owns the screen.
func (e *Enforcer) reconcileOverlayLocked(fg classify.Foreground) {
	if !e.overlayShowing || e.cfg.StaleOverlay <= 0 {
		return
	}
	if fg.Package == e.overlayTarget {
		return
	}
	if fg.Time.Sub(e.overlayAt) > e.cfg.StaleOverlay {
		e.logger.Warn().
			Str("overlay_target", e.overlayTarget).
			Str("package", fg.Package).
			Msg("Clearing stale overlay state")
		e.overlayShowing = false
		e.overlayTarget = ""
	}
}
