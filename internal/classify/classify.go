// Package classify turns the raw platform event stream into foreground
// signals. It owns the noisy edge of the pipeline: duplicate and
// noise-widget suppression, the post-home quiet window, and the content
// re-check throttle. Everything downstream sees only classified
// signals.
package classify

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/metrics"
)

// Kind is the raw platform event type.
type Kind int

const (
	KindStateChanged Kind = iota
	KindContentChanged
	KindScrolled
)

func (k Kind) String() string {
	switch k {
	case KindStateChanged:
		return "state_changed"
	case KindContentChanged:
		return "content_changed"
	case KindScrolled:
		return "scrolled"
	default:
		return "unknown"
	}
}

// Event is one raw platform event.
type Event struct {
	Kind    Kind
	Package string
	Class   string
	Time    time.Time
}

// Signal is what a classified foreground transition means.
type Signal int

const (
	// SignalApp is an ordinary app taking the foreground.
	SignalApp Signal = iota
	// SignalHome is the launcher's home surface.
	SignalHome
	// SignalExcluded is a package on the denylist, or the launcher in a
	// non-home surface such as recents.
	SignalExcluded
	// SignalSelf is this service's own control surface.
	SignalSelf
)

func (s Signal) String() string {
	switch s {
	case SignalHome:
		return "home"
	case SignalExcluded:
		return "excluded"
	case SignalSelf:
		return "self"
	default:
		return "app"
	}
}

// Foreground is a classified foreground transition.
type Foreground struct {
	Signal  Signal
	Package string
	Class   string
	Time    time.Time
}

// Sink receives classified output.
type Sink interface {
	// HandleForeground is called for each surviving foreground
	// transition, in arrival order.
	HandleForeground(fg Foreground)
	// Touch reports user activity without a foreground change.
	Touch(t time.Time)
	// RecheckCurrent asks for the current foreground app to be
	// re-evaluated. Calls are throttled by the classifier.
	RecheckCurrent()
}

// Classifier filters and classifies the raw event stream.
type Classifier struct {
	mu     sync.Mutex
	clock  clock.Clock
	cfg    config.MonitorConfig
	sink   Sink
	logger zerolog.Logger

	excluded map[string]struct{}
	launcher map[string]struct{}
	noise    map[string]struct{}

	lastPkg    string
	lastSignal Signal
	haveLast   bool
	homeAt     time.Time

	lastRecheck    time.Time
	pendingRecheck bool
	pendingPkg     string

	// reentry reports whether pkg is the app a lock interrupted,
	// which bypasses the post-home quiet window.
	reentry func(pkg string) bool
}

// New creates a classifier feeding sink.
func New(cfg config.MonitorConfig, clk clock.Clock, sink Sink, logger zerolog.Logger) *Classifier {
	c := &Classifier{
		clock:    clk,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With().Str("component", "classify").Logger(),
		excluded: make(map[string]struct{}, len(cfg.ExcludedPackages)),
		launcher: make(map[string]struct{}, len(cfg.LauncherPackages)),
		noise:    make(map[string]struct{}, len(cfg.NoiseClasses)),
		reentry:  func(string) bool { return false },
	}
	for _, p := range cfg.ExcludedPackages {
		c.excluded[p] = struct{}{}
	}
	for _, p := range cfg.LauncherPackages {
		c.launcher[p] = struct{}{}
	}
	for _, cl := range cfg.NoiseClasses {
		c.noise[cl] = struct{}{}
	}
	return c
}

// SetReentry installs the lock re-entry predicate.
func (c *Classifier) SetReentry(fn func(pkg string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reentry = fn
}

// Handle processes one raw event.
func (c *Classifier) Handle(e Event) {
	metrics.EventsTotal.WithLabelValues(e.Kind.String()).Inc()
	if e.Time.IsZero() {
		e.Time = c.clock.Now()
	}

	switch e.Kind {
	case KindScrolled:
		// Scrolls prove the user is alive but say nothing about which
		// app owns the screen.
		if c.ignoredPackage(e.Package) {
			metrics.EventsDropped.WithLabelValues("excluded_package").Inc()
			return
		}
		c.mu.Lock()
		suppressed := c.inHomeQuietLocked(e)
		c.mu.Unlock()
		if suppressed {
			metrics.EventsDropped.WithLabelValues("home_suppression").Inc()
			return
		}
		c.sink.Touch(e.Time)
	case KindContentChanged:
		c.handleContent(e)
	case KindStateChanged:
		c.handleState(e)
	}
}

func (c *Classifier) handleContent(e Event) {
	if c.ignoredPackage(e.Package) {
		metrics.EventsDropped.WithLabelValues("excluded_package").Inc()
		return
	}

	c.mu.Lock()
	if _, ok := c.noise[e.Class]; ok {
		c.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("noise_class").Inc()
		return
	}
	suppressed := c.inHomeQuietLocked(e)
	trackable := e.Package != "" && c.classifyLocked(e) == SignalApp
	recheck := false
	if trackable && !suppressed {
		recheck = c.scheduleRecheckLocked(e.Package, e.Time)
	}
	c.mu.Unlock()

	if suppressed {
		metrics.EventsDropped.WithLabelValues("home_suppression").Inc()
		return
	}
	c.sink.Touch(e.Time)
	if recheck {
		c.runRecheck(e.Package)
	}
}

// runRecheck re-evaluates the foreground after content activity from
// pkg. Content from a package other than the last classified foreground
// means a transient overlay such as a keyboard stole the window event;
// the content's package is the real foreground and is reinstated.
func (c *Classifier) runRecheck(pkg string) {
	c.mu.Lock()
	recovered := !(c.haveLast && c.lastSignal == SignalApp && c.lastPkg == pkg)
	if recovered {
		c.lastPkg = pkg
		c.lastSignal = SignalApp
		c.haveLast = true
	}
	c.mu.Unlock()

	if recovered {
		metrics.SignalsTotal.WithLabelValues(SignalApp.String()).Inc()
		c.logger.Debug().Str("package", pkg).Msg("Reinstated foreground from content activity")
		c.sink.HandleForeground(Foreground{Signal: SignalApp, Package: pkg, Time: c.clock.Now()})
		return
	}
	c.sink.RecheckCurrent()
}

func (c *Classifier) handleState(e Event) {
	c.mu.Lock()
	sig := c.classifyLocked(e)

	if c.haveLast && c.lastPkg == e.Package && c.lastSignal == sig {
		c.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		c.sink.Touch(e.Time)
		return
	}

	if sig == SignalApp && c.inHomeQuietLocked(e) {
		c.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("home_suppression").Inc()
		return
	}

	c.lastPkg = e.Package
	c.lastSignal = sig
	c.haveLast = true
	if sig == SignalHome {
		c.homeAt = e.Time
	}
	c.mu.Unlock()

	metrics.SignalsTotal.WithLabelValues(sig.String()).Inc()
	c.logger.Debug().
		Str("package", e.Package).
		Str("class", e.Class).
		Str("signal", sig.String()).
		Msg("Foreground transition")

	c.sink.Touch(e.Time)
	c.sink.HandleForeground(Foreground{Signal: sig, Package: e.Package, Class: e.Class, Time: e.Time})
}

// ignoredPackage reports whether activity from pkg says nothing about
// gated app use. Scrolls and content from these never refresh activity.
// The package sets are fixed at construction, so no lock is needed.
func (c *Classifier) ignoredPackage(pkg string) bool {
	if pkg == "" {
		return false
	}
	if pkg == c.cfg.SelfPackage {
		return true
	}
	_, ok := c.excluded[pkg]
	return ok
}

func (c *Classifier) classifyLocked(e Event) Signal {
	if e.Package == c.cfg.SelfPackage {
		return SignalSelf
	}
	if _, ok := c.excluded[e.Package]; ok {
		return SignalExcluded
	}
	if _, ok := c.launcher[e.Package]; ok {
		if c.cfg.LauncherHomeClass == "" || e.Class == c.cfg.LauncherHomeClass {
			return SignalHome
		}
		// Recents and other launcher surfaces never count as app use.
		return SignalExcluded
	}
	return SignalApp
}

// inHomeQuietLocked reports whether e falls in the quiet window right
// after a home transition. Returning to the app a lock interrupted is
// let through.
func (c *Classifier) inHomeQuietLocked(e Event) bool {
	if c.homeAt.IsZero() || c.cfg.HomeSuppression <= 0 {
		return false
	}
	if e.Time.Sub(c.homeAt) >= c.cfg.HomeSuppression {
		return false
	}
	return !c.reentry(e.Package)
}

// scheduleRecheckLocked rate-limits content re-checks to one per
// throttle window, with at most one deferred pending carrying the
// latest package. Returns true when the caller should fire the
// re-check immediately.
func (c *Classifier) scheduleRecheckLocked(pkg string, now time.Time) bool {
	if c.cfg.ContentThrottle <= 0 {
		c.lastRecheck = now
		return true
	}
	if c.pendingRecheck {
		c.pendingPkg = pkg
		return false
	}
	since := now.Sub(c.lastRecheck)
	if c.lastRecheck.IsZero() || since >= c.cfg.ContentThrottle {
		c.lastRecheck = now
		return true
	}
	c.pendingRecheck = true
	c.pendingPkg = pkg
	c.clock.AfterFunc(c.cfg.ContentThrottle-since, func() {
		c.mu.Lock()
		c.pendingRecheck = false
		c.lastRecheck = c.clock.Now()
		deferred := c.pendingPkg
		c.mu.Unlock()
		c.runRecheck(deferred)
	})
	return false
}
