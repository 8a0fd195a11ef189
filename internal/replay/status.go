package replay

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backcast/errs"
)

// State enumerates the controller states.
type State string

const (
	// StateIdle means Initialize has not run yet.
	StateIdle State = "idle"
	// StatePlaying means the worker is actively publishing records.
	StatePlaying State = "playing"
	// StatePaused means playback is frozen between records.
	StatePaused State = "paused"
	// StateStepping means a single record is being processed.
	StateStepping State = "stepping"
	// StateStopped means playback ended or was stopped.
	StateStopped State = "stopped"
)

// Speed is the playback multiplier. SpeedUnlimited disables pacing.
type Speed float64

const (
	// Speed1x paces records at the configured time unit.
	Speed1x Speed = 1
	// Speed2x doubles the pace.
	Speed2x Speed = 2
	// Speed4x quadruples the pace.
	Speed4x Speed = 4
	// Speed10x runs at ten times the pace.
	Speed10x Speed = 10
	// SpeedUnlimited removes the inter-record delay entirely.
	SpeedUnlimited Speed = 0
)

// Validate ensures the speed is a supported multiplier.
func (s Speed) Validate() error {
	switch s {
	case Speed1x, Speed2x, Speed4x, Speed10x, SpeedUnlimited:
		return nil
	}
	return errs.New("replay/speed", errs.CodeInvalid, errs.WithMessage("unsupported replay speed"))
}

// Status is the derived, non-persisted view of the controller.
type Status struct {
	State           State     `json:"state"`
	Speed           Speed     `json:"speed"`
	CurrentTime     time.Time `json:"current_time"`
	CurrentIndex    int       `json:"current_index"`
	EventSequence   uint64    `json:"event_sequence"`
	TotalEvents     int       `json:"total_events"`
	ProgressPercent float64   `json:"progress_percent"`
}

// StatusCallback receives a fresh status on every meaningful state change.
type StatusCallback func(Status)

// Config tunes the controller. A zero TimeUnit, SnapshotDir, or
// InitialCash falls back to its default; an unsupported InitialSpeed falls
// back to Speed1x, while a zero InitialSpeed is SpeedUnlimited.
type Config struct {
	// TimeUnit is the simulated duration represented by one record at 1x.
	TimeUnit time.Duration
	// InitialSpeed is applied at Initialize.
	InitialSpeed Speed
	// SnapshotDir receives snapshot documents.
	SnapshotDir string
	// AutoSnapshotInterval saves a snapshot every N processed events;
	// zero disables automatic snapshots.
	AutoSnapshotInterval int
	// InitialCash funds the default account at Initialize.
	InitialCash decimal.Decimal
}

func (c Config) normalize() Config {
	if c.TimeUnit <= 0 {
		c.TimeUnit = time.Second
	}
	if err := c.InitialSpeed.Validate(); err != nil {
		c.InitialSpeed = Speed1x
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "snapshots"
	}
	if c.InitialCash.IsZero() {
		c.InitialCash = decimal.NewFromInt(1000000)
	}
	return c
}
