package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/metrics"
	"github.com/goodtune/timegate/internal/storage"
)

// Mode is the ledger's current relationship with the clock.
type Mode int

const (
	// ModeIdle means the balance is frozen: nothing earned, nothing spent.
	ModeIdle Mode = iota
	// ModeAccumulating earns balance while the device sits unused.
	ModeAccumulating
	// ModeSpending drains balance while unlocked apps are in use.
	ModeSpending
)

func (m Mode) String() string {
	switch m {
	case ModeAccumulating:
		return "accumulating"
	case ModeSpending:
		return "spending"
	default:
		return "idle"
	}
}

// ParseMode maps a persisted mode string back to a Mode. Unknown
// strings come back as ModeIdle.
func ParseMode(s string) Mode {
	switch s {
	case "accumulating":
		return ModeAccumulating
	case "spending":
		return ModeSpending
	default:
		return ModeIdle
	}
}

var (
	// ErrSelfForeground rejects a spending start while the control UI
	// itself is the foreground app.
	ErrSelfForeground = errors.New("cannot start spending while the control surface is foreground")
	// ErrNoBalance rejects a spending start with nothing to spend.
	ErrNoBalance = errors.New("no spendable balance")
	// ErrTempGrantUsed rejects a second emergency grant on the same day.
	ErrTempGrantUsed = errors.New("temporary grant already claimed today")
)

// Snapshot is a point-in-time copy of the ledger state.
type Snapshot struct {
	Mode               Mode    `json:"mode"`
	AccumulatedSeconds float64 `json:"accumulated_seconds"`
	AvailableSeconds   float64 `json:"available_seconds"`
	Rate               float64 `json:"rate"`
	StreakSeconds      float64 `json:"streak_seconds"`
}

// Ledger is the earned-time balance and its mode state machine. All
// balance math lives here: one accumulating tick earns 1/rate spendable
// seconds, one spending tick burns exactly one. The invariant
// available == accumulated/rate holds after every operation.
type Ledger struct {
	mu       sync.Mutex
	clock    clock.Clock
	counters storage.CounterStore
	logger   zerolog.Logger
	cfg      config.EconomyConfig

	mode        Mode
	accumulated float64 // raw earned seconds; available = accumulated/rate
	rate        float64
	streak      float64 // contiguous accumulating seconds since last break

	spendStart   time.Time
	spendInitial float64

	selfForeground func() bool
	onDepleted     func()
	onChange       func(Snapshot)
}

// New restores the ledger from the counter store, seeding the
// first-run grant when the store has never been written.
func New(ctx context.Context, counters storage.CounterStore, clk clock.Clock, cfg config.EconomyConfig, logger zerolog.Logger) (*Ledger, error) {
	l := &Ledger{
		clock:          clk,
		counters:       counters,
		logger:         logger.With().Str("component", "ledger").Logger(),
		cfg:            cfg,
		mode:           ModeIdle,
		rate:           cfg.DivideRate,
		selfForeground: func() bool { return false },
	}

	firstRunDone, err := counters.GetBool(ctx, storage.KeyFirstRunDone)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if !firstRunDone {
		l.accumulated = cfg.FirstRunGrantSeconds * l.rate
		if err := counters.PutBool(ctx, storage.KeyFirstRunDone, true); err != nil {
			return nil, err
		}
		l.logger.Info().Float64("available_seconds", cfg.FirstRunGrantSeconds).Msg("First run, seeding starting balance")
	} else {
		if v, err := counters.GetFloat(ctx, storage.KeyAccumulatedSeconds); err == nil {
			l.accumulated = v
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if v, err := counters.GetFloat(ctx, storage.KeyDivideRate); err == nil && v > 0 {
			l.rate = v
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if v, err := counters.GetFloat(ctx, storage.KeyStreakSeconds); err == nil {
			l.streak = v
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if v, err := counters.GetString(ctx, storage.KeyMode); err == nil {
			l.mode = ParseMode(v)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	// A persisted spending mode with nothing left to spend cannot be
	// resumed.
	if l.mode == ModeSpending && l.available() <= 0 {
		l.mode = ModeAccumulating
	}
	if l.mode == ModeSpending {
		l.spendStart = clk.Now()
		l.spendInitial = l.available()
	}

	l.persist()
	metrics.AvailableSeconds.Set(l.available())

	return l, nil
}

// SetSelfForeground installs the predicate that reports whether the
// control surface currently owns the screen.
func (l *Ledger) SetSelfForeground(fn func() bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.selfForeground = fn
}

// SetOnDepleted installs the callback fired exactly once per drain to
// zero. It is invoked without the ledger lock held.
func (l *Ledger) SetOnDepleted(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDepleted = fn
}

// SetOnChange installs the callback fired after every state mutation
// with a fresh snapshot. It is invoked without the ledger lock held.
func (l *Ledger) SetOnChange(fn func(Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Run drives the ledger at one tick per second until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) {
	ticker := l.clock.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick applies one second of elapsed time to the current mode.
func (l *Ledger) Tick() {
	l.mu.Lock()

	metrics.TicksTotal.WithLabelValues(l.mode.String()).Inc()

	var depleted bool
	switch l.mode {
	case ModeAccumulating:
		l.accumulated++
		oldStreak := l.streak
		l.streak++
		boundary := l.cfg.StreakBoundary.Seconds()
		if boundary > 0 && math.Floor(oldStreak/boundary) < math.Floor(l.streak/boundary) {
			l.accumulated += l.cfg.StreakBonusSeconds * l.rate
			metrics.StreakBonuses.Inc()
			l.logger.Info().
				Float64("bonus_seconds", l.cfg.StreakBonusSeconds).
				Float64("streak_seconds", l.streak).
				Msg("Accumulation streak bonus awarded")
		}
	case ModeSpending:
		l.accumulated -= l.rate
		if l.accumulated <= 0 && !l.cfg.AllowNegative {
			if l.accumulated < 0 {
				l.accumulated = 0
			}
			l.transitionLocked(ModeAccumulating)
			metrics.Depletions.Inc()
			depleted = true
		}
	}

	l.persist()
	snap := l.snapshotLocked()
	depletedFn := l.onDepleted
	changeFn := l.onChange
	l.mu.Unlock()

	metrics.AvailableSeconds.Set(snap.AvailableSeconds)
	if depleted {
		l.logger.Info().Msg("Balance depleted, switching to accumulating")
		if depletedFn != nil {
			depletedFn()
		}
	}
	if changeFn != nil {
		changeFn(snap)
	}
}

// StartSpending switches the ledger into spending mode. It refuses
// while the control surface is foreground and parks the ledger in idle
// when there is nothing to spend.
func (l *Ledger) StartSpending() error {
	l.mu.Lock()
	if l.selfForeground() {
		l.mu.Unlock()
		return ErrSelfForeground
	}
	if l.available() <= 0 {
		l.transitionLocked(ModeIdle)
		_ = l.finishMutation()
		return ErrNoBalance
	}
	if l.mode != ModeSpending {
		l.transitionLocked(ModeSpending)
		l.spendStart = l.clock.Now()
		l.spendInitial = l.available()
	}
	return l.finishMutation()
}

// StartAccumulating switches the ledger into accumulating mode.
func (l *Ledger) StartAccumulating() error {
	l.mu.Lock()
	l.transitionLocked(ModeAccumulating)
	return l.finishMutation()
}

// Stop parks the ledger in idle mode.
func (l *Ledger) Stop() error {
	l.mu.Lock()
	l.transitionLocked(ModeIdle)
	return l.finishMutation()
}

// Grant adds spendable seconds to the balance.
func (l *Ledger) Grant(seconds float64) error {
	l.mu.Lock()
	l.accumulated += seconds * l.rate
	if l.accumulated < 0 && !l.cfg.AllowNegative {
		l.accumulated = 0
	}
	l.logger.Info().Float64("granted_seconds", seconds).Float64("available_seconds", l.available()).Msg("Balance granted")
	return l.finishMutation()
}

// SetAvailable overwrites the spendable balance.
func (l *Ledger) SetAvailable(seconds float64) error {
	l.mu.Lock()
	l.accumulated = seconds * l.rate
	l.logger.Info().Float64("available_seconds", seconds).Msg("Balance overwritten")
	return l.finishMutation()
}

// SetRate changes the earn rate. The raw accumulated balance is kept,
// so the spendable balance shifts with the new rate.
func (l *Ledger) SetRate(rate float64) error {
	if rate <= 0 {
		return errors.New("rate must be positive")
	}
	l.mu.Lock()
	l.rate = rate
	l.logger.Info().Float64("rate", rate).Float64("available_seconds", l.available()).Msg("Earn rate changed")
	return l.finishMutation()
}

// ResetStreak zeroes the contiguous accumulation counter.
func (l *Ledger) ResetStreak() error {
	l.mu.Lock()
	l.streak = 0
	return l.finishMutation()
}

// TempGrant adds the emergency balance, at most once per calendar day.
func (l *Ledger) TempGrant(ctx context.Context) error {
	l.mu.Lock()
	now := l.clock.Now()
	if last, err := l.counters.GetInt64(ctx, storage.KeyLastTempGrantUnix); err == nil {
		lastDay := time.Unix(last, 0).Local()
		if lastDay.Year() == now.Year() && lastDay.YearDay() == now.YearDay() {
			l.mu.Unlock()
			return ErrTempGrantUsed
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		l.mu.Unlock()
		return err
	}
	if err := l.counters.PutInt64(ctx, storage.KeyLastTempGrantUnix, now.Unix()); err != nil {
		l.mu.Unlock()
		return err
	}
	l.accumulated += l.cfg.TempGrantSeconds * l.rate
	l.logger.Info().Float64("granted_seconds", l.cfg.TempGrantSeconds).Msg("Temporary grant claimed")
	return l.finishMutation()
}

// Mode returns the current mode.
func (l *Ledger) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// SpendingStartedAt reports when the current spending episode began.
func (l *Ledger) SpendingStartedAt() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode != ModeSpending {
		return time.Time{}, false
	}
	return l.spendStart, true
}

func (l *Ledger) available() float64 {
	return l.accumulated / l.rate
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{
		Mode:               l.mode,
		AccumulatedSeconds: l.accumulated,
		AvailableSeconds:   l.available(),
		Rate:               l.rate,
		StreakSeconds:      l.streak,
	}
}

// transitionLocked changes mode, logging and counting the edge. A
// spending exit logs what the episode cost; leaving accumulating
// breaks the streak.
func (l *Ledger) transitionLocked(to Mode) {
	if l.mode == to {
		return
	}
	from := l.mode
	if from == ModeSpending {
		spent := l.spendInitial - l.available()
		l.logger.Info().
			Float64("spent_seconds", spent).
			Str("started_at", l.spendStart.Format(time.RFC3339)).
			Msg("Spending episode ended")
		l.spendStart = time.Time{}
		l.spendInitial = 0
	}
	if from == ModeAccumulating {
		l.streak = 0
	}
	l.mode = to
	metrics.ModeTransitions.WithLabelValues(from.String(), to.String()).Inc()
	l.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Mode transition")
}

// finishMutation persists, snapshots, releases the lock, and fires the
// change callback. Callers must hold the lock.
func (l *Ledger) finishMutation() error {
	l.persist()
	snap := l.snapshotLocked()
	changeFn := l.onChange
	l.mu.Unlock()

	metrics.AvailableSeconds.Set(snap.AvailableSeconds)
	if changeFn != nil {
		changeFn(snap)
	}
	return nil
}

// persist writes the durable counters. Failures are logged, not
// returned: a tick must never stall on storage.
func (l *Ledger) persist() {
	ctx := context.Background()
	if err := l.counters.PutFloat(ctx, storage.KeyAccumulatedSeconds, l.accumulated); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist balance")
		return
	}
	if err := l.counters.PutFloat(ctx, storage.KeyDivideRate, l.rate); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist rate")
	}
	if err := l.counters.PutFloat(ctx, storage.KeyStreakSeconds, l.streak); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist streak")
	}
	if err := l.counters.PutString(ctx, storage.KeyMode, l.mode.String()); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to persist mode")
	}
}
