// Package presence fuses motion and weight readings into landing and
// departure events.
//
// Two state machines share the Engine interface. Dual mode is used when both
// sensors are enabled and tolerates a visitor that moves before settling on
// the scale; single mode is a flat two-state machine over whichever sensor is
// enabled. The mode is fixed at construction.
package presence

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoSensors is returned when neither sensor is enabled.
var ErrNoSensors = errors.New("no sensors enabled")

// Phase is the presence state of the feeding station.
type Phase int

const (
	Idle Phase = iota
	Approaching
	Present
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Approaching:
		return "approaching"
	case Present:
		return "present"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Source labels how a landing was detected.
type Source int

const (
	SourceScale Source = iota
	SourceMotion
	SourceMotionOnly // Motion alone, after waiting for the scale timed out
)

func (s Source) String() string {
	switch s {
	case SourceScale:
		return "scale"
	case SourceMotion:
		return "motion"
	case SourceMotionOnly:
		return "motion-only"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Kind is the event type.
type Kind int

const (
	Landed Kind = iota + 1
	Left
)

func (k Kind) String() string {
	switch k {
	case Landed:
		return "landed"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is emitted on a phase change into or out of Present.
type Event struct {
	Kind   Kind
	Weight *float64 // Weight seen on the landing tick, if any
	Source Source   // Valid for Landed
}

// Sample is one tick's sensor readings. Weight is nil when no reading is
// available.
type Sample struct {
	Motion int
	Weight *float64
}

// Mode selects the state machine.
type Mode int

const (
	ModeSingle Mode = iota
	ModeDual
)

func (m Mode) String() string {
	if m == ModeDual {
		return "dual"
	}
	return "single"
}

// Config holds the fusion thresholds.
type Config struct {
	MotionEnabled   bool
	ScaleEnabled    bool
	MotionThreshold int           // motion hit when score > threshold
	WeightThreshold float64       // weight hit when weight > threshold
	ApproachWait    time.Duration // dual mode only
	DepartureFrames int           // consecutive empty ticks before Left
}

// Engine is a presence state machine. Tick is not safe for concurrent use;
// the driver loop is its only caller.
type Engine interface {
	// Tick applies one sample observed at now and returns the event it
	// caused, if any.
	Tick(now time.Time, s Sample) (Event, bool)
	Phase() Phase
	Mode() Mode
}

// New returns the engine matching the enabled sensors.
func New(cfg Config) (Engine, error) {
	if cfg.DepartureFrames <= 0 {
		return nil, fmt.Errorf("departure frames must be positive, got %d", cfg.DepartureFrames)
	}

	switch {
	case cfg.MotionEnabled && cfg.ScaleEnabled:
		return &dual{cfg: cfg}, nil
	case cfg.MotionEnabled:
		return &single{cfg: cfg, source: SourceMotion}, nil
	case cfg.ScaleEnabled:
		return &single{cfg: cfg, source: SourceScale}, nil
	default:
		return nil, ErrNoSensors
	}
}

func (c Config) motionHit(s Sample) bool {
	return s.Motion > c.MotionThreshold
}

func (c Config) weightHit(s Sample) bool {
	return s.Weight != nil && *s.Weight > c.WeightThreshold
}

func landed(s Sample, src Source) Event {
	return Event{Kind: Landed, Weight: copyWeight(s.Weight), Source: src}
}

func copyWeight(w *float64) *float64 {
	if w == nil {
		return nil
	}
	v := *w
	return &v
}
