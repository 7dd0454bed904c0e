package presence

import "time"

// dual fuses both sensors. Motion without weight starts an approach; weight
// confirms a landing; an approach that outlasts ApproachWait is accepted as
// a motion-only landing.
type dual struct {
	cfg             Config
	phase           Phase
	approachStarted time.Time // Valid while Approaching
	absent          int       // Consecutive empty ticks while Present
}

func (e *dual) Tick(now time.Time, s Sample) (Event, bool) {
	motion := e.cfg.motionHit(s)
	weight := e.cfg.weightHit(s)

	switch e.phase {
	case Idle:
		switch {
		case weight:
			return e.land(s, SourceScale), true
		case motion:
			e.phase = Approaching
			e.approachStarted = now
		}

	case Approaching:
		switch {
		case weight:
			return e.land(s, SourceScale), true
		case now.Sub(e.approachStarted) > e.cfg.ApproachWait:
			return e.land(s, SourceMotionOnly), true
		}

	case Present:
		if motion || weight {
			e.absent = 0
			return Event{}, false
		}
		e.absent++
		if e.absent >= e.cfg.DepartureFrames {
			e.phase = Idle
			e.absent = 0
			e.approachStarted = time.Time{}
			return Event{Kind: Left}, true
		}
	}

	return Event{}, false
}

func (e *dual) land(s Sample, src Source) Event {
	e.phase = Present
	e.absent = 0
	e.approachStarted = time.Time{}
	return landed(s, src)
}

func (e *dual) Phase() Phase {
	return e.phase
}

func (e *dual) Mode() Mode {
	return ModeDual
}
