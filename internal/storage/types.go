package storage

import "time"

// Well-known counter keys.
const (
	KeyAccumulatedSeconds = "accumulated_seconds"
	KeyDivideRate         = "divide_rate"
	KeyMode               = "mode"
	KeyStreakSeconds      = "streak_seconds"
	KeyFirstRunDone       = "first_run_done"
	KeyLastTempGrantUnix  = "last_temp_grant_unix"
)

// LockStamp is the durable overlay-presentation debounce stamp.
type LockStamp struct {
	UnixMilli int64  `json:"unix_milli"`
	Target    string `json:"target"`
}

// Time returns the stamp as a wall-clock time.
func (s LockStamp) Time() time.Time {
	return time.UnixMilli(s.UnixMilli)
}

// SessionRecord is one completed spending episode: when it ran, why it
// ended, and how the time was split across foreground apps.
type SessionRecord struct {
	ID           string           `json:"id"`
	StartedAt    time.Time        `json:"started_at"`
	EndedAt      time.Time        `json:"ended_at"`
	Reason       string           `json:"reason"`
	PerAppMillis map[string]int64 `json:"per_app_millis"`
}
