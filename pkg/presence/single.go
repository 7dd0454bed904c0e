package presence

import "time"

// single is the two-state machine used when one sensor is enabled.
type single struct {
	cfg     Config
	source  Source
	present bool
	absent  int // Consecutive ticks without a qualifying reading
}

func (e *single) Tick(_ time.Time, s Sample) (Event, bool) {
	detected := e.cfg.motionHit(s) || e.cfg.weightHit(s)

	if !e.present {
		if detected {
			e.present = true
			e.absent = 0
			return landed(s, e.source), true
		}
		return Event{}, false
	}

	if detected {
		e.absent = 0
		return Event{}, false
	}

	e.absent++
	if e.absent >= e.cfg.DepartureFrames {
		e.present = false
		e.absent = 0
		return Event{Kind: Left}, true
	}
	return Event{}, false
}

func (e *single) Phase() Phase {
	if e.present {
		return Present
	}
	return Idle
}

func (e *single) Mode() Mode {
	return ModeSingle
}
