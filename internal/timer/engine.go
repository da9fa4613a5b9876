package timer

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Mode identifies the kind of session the timer is counting down.
type Mode string

const (
	ModeFocus      Mode = "focus"
	ModeShortBreak Mode = "short-break"
	ModeLongBreak  Mode = "long-break"
	ModeCustom     Mode = "custom"
)

// Default durations per mode, in seconds.
const (
	DefaultFocusSeconds      = 1500
	DefaultShortBreakSeconds = 300
	DefaultLongBreakSeconds  = 3300
	DefaultCustomSeconds     = 1500
)

// DefaultDuration returns the built-in duration for a mode. Unknown modes
// fall back to the focus duration.
func (m Mode) DefaultDuration() time.Duration {
	switch m {
	case ModeShortBreak:
		return DefaultShortBreakSeconds * time.Second
	case ModeLongBreak:
		return DefaultLongBreakSeconds * time.Second
	case ModeCustom:
		return DefaultCustomSeconds * time.Second
	default:
		return DefaultFocusSeconds * time.Second
	}
}

// IsBreak reports whether the mode is a break of either length.
func (m Mode) IsBreak() bool {
	return m == ModeShortBreak || m == ModeLongBreak
}

// State is the countdown state machine position.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Snapshot is the wire representation of timer state. The host broadcasts
// it; every other replica reconciles from it.
type Snapshot struct {
	Mode            Mode       `json:"mode"`
	DurationSeconds int        `json:"duration_sec"`
	TimeLeftSeconds int        `json:"time_left_sec"`
	IsRunning       bool       `json:"is_running"`
	IsPaused        bool       `json:"is_paused"`
	StartedAtEpoch  *time.Time `json:"started_at,omitempty"`
}

// Completion is emitted when a running countdown reaches zero.
type Completion struct {
	Mode        Mode
	Duration    time.Duration
	FocusCount  int
	CompletedAt time.Time
}

// Config controls completion chaining.
type Config struct {
	// AutoChainBreaks starts a break when a focus session completes and
	// returns to focus mode (stopped) when the break completes.
	AutoChainBreaks bool
	// LongBreakEvery makes every Nth focus completion chain into a long
	// break instead of a short one. Zero disables long breaks.
	LongBreakEvery int
}

// DefaultConfig disables auto chaining and puts a long break after every
// fourth focus session.
func DefaultConfig() Config {
	return Config{
		AutoChainBreaks: false,
		LongBreakEvery:  4,
	}
}

// Engine is the authoritative countdown state machine. On the host it is
// the source of truth; on non-hosts it is a mirror reconciled through
// ApplySnapshot. The engine is not safe for concurrent use; its owner
// serializes access.
type Engine struct {
	cfg Config

	mode      Mode
	duration  time.Duration
	timeLeft  time.Duration
	state     State
	startedAt time.Time // zero when not running

	focusCount int
}

// NewEngine returns a stopped engine in focus mode.
func NewEngine(cfg Config) *Engine {
	e := &Engine{cfg: cfg}
	e.SetMode(ModeFocus, 0)
	return e
}

// SetMode stops the engine and resets it to the given mode. A positive
// override replaces the mode's default duration (the custom mode is the
// usual caller, but any mode accepts one).
func (e *Engine) SetMode(mode Mode, override time.Duration) {
	e.mode = mode
	e.duration = mode.DefaultDuration()
	if override > 0 {
		e.duration = override
	}
	e.timeLeft = e.duration
	e.state = StateStopped
	e.startedAt = time.Time{}
}

// Start begins or resumes the countdown. Starting an already-finished
// timer resets it to the full duration first. The recorded start instant
// is back-dated by time already elapsed so a paused timer resumes from
// where it stopped.
func (e *Engine) Start(now time.Time) {
	if e.state == StateRunning {
		return
	}
	if e.timeLeft <= 0 {
		e.timeLeft = e.duration
	}
	e.startedAt = now.Add(-(e.duration - e.timeLeft))
	e.state = StateRunning
}

// Pause freezes the countdown at its last computed remaining time. Only
// valid from the running state; anything else is a no-op.
func (e *Engine) Pause(now time.Time) {
	if e.state != StateRunning {
		return
	}
	e.timeLeft = remaining(e.duration, e.startedAt, now)
	e.state = StatePaused
	e.startedAt = time.Time{}
}

// Reset returns to the stopped state with a full duration.
func (e *Engine) Reset() {
	e.timeLeft = e.duration
	e.state = StateStopped
	e.startedAt = time.Time{}
}

// Tick recomputes remaining time from elapsed wall clock. When the
// countdown reaches zero it transitions to stopped and returns a
// Completion; otherwise it returns nil.
func (e *Engine) Tick(now time.Time) *Completion {
	if e.state != StateRunning {
		return nil
	}
	e.timeLeft = remaining(e.duration, e.startedAt, now)
	if e.timeLeft > 0 {
		return nil
	}
	return e.complete(now)
}

func (e *Engine) complete(now time.Time) *Completion {
	completedMode := e.mode
	e.timeLeft = 0
	e.state = StateStopped
	e.startedAt = time.Time{}

	if completedMode == ModeFocus {
		e.focusCount++
	}

	c := &Completion{
		Mode:        completedMode,
		Duration:    e.duration,
		FocusCount:  e.focusCount,
		CompletedAt: now,
	}

	if e.cfg.AutoChainBreaks {
		e.chain(completedMode, now)
	}

	log.Debug().
		Str("mode", string(completedMode)).
		Int("focus_count", e.focusCount).
		Msg("timer completed")

	return c
}

// chain flips the engine into the follow-up mode after a completion.
// Focus sessions chain into a running break; breaks return to a stopped
// focus timer awaiting the host.
func (e *Engine) chain(completed Mode, now time.Time) {
	if completed.IsBreak() {
		e.SetMode(ModeFocus, 0)
		return
	}
	next := ModeShortBreak
	if e.cfg.LongBreakEvery > 0 && e.focusCount%e.cfg.LongBreakEvery == 0 {
		next = ModeLongBreak
	}
	e.SetMode(next, 0)
	e.Start(now)
}

// ApplySnapshot overwrites local state from a host snapshot. For a running
// snapshot the remaining time is re-derived from the shared start instant
// and the local clock rather than trusted literally, so propagation delay
// does not skew the displayed countdown.
func (e *Engine) ApplySnapshot(snap Snapshot, now time.Time) {
	e.mode = snap.Mode
	e.duration = time.Duration(snap.DurationSeconds) * time.Second
	e.timeLeft = time.Duration(snap.TimeLeftSeconds) * time.Second

	switch {
	case snap.IsRunning && snap.StartedAtEpoch != nil:
		e.state = StateRunning
		e.startedAt = *snap.StartedAtEpoch
		e.timeLeft = remaining(e.duration, e.startedAt, now)
	case snap.IsPaused:
		e.state = StatePaused
		e.startedAt = time.Time{}
	default:
		e.state = StateStopped
		e.startedAt = time.Time{}
	}
}

// Snapshot captures the current state for broadcast. TimeLeft is reported
// in whole seconds, rounded up so a countdown does not show zero early.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Mode:            e.mode,
		DurationSeconds: int(e.duration / time.Second),
		TimeLeftSeconds: ceilSeconds(e.timeLeft),
		IsRunning:       e.state == StateRunning,
		IsPaused:        e.state == StatePaused,
	}
	if e.state == StateRunning {
		started := e.startedAt
		snap.StartedAtEpoch = &started
	}
	return snap
}

// Mode returns the current mode.
func (e *Engine) Mode() Mode { return e.mode }

// State returns the current state machine position.
func (e *Engine) State() State { return e.state }

// TimeLeft returns the remaining time as of the last Tick or action.
func (e *Engine) TimeLeft() time.Duration { return e.timeLeft }

// Duration returns the total length of the current mode instance.
func (e *Engine) Duration() time.Duration { return e.duration }

// FocusCount returns how many focus sessions have completed.
func (e *Engine) FocusCount() int { return e.focusCount }

func remaining(duration time.Duration, startedAt, now time.Time) time.Duration {
	left := duration - now.Sub(startedAt)
	if left < 0 {
		return 0
	}
	return left
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return int(secs)
}
