package presence

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 200 * time.Millisecond

func testConfig(motion, scale bool) Config {
	return Config{
		MotionEnabled:   motion,
		ScaleEnabled:    scale,
		MotionThreshold: 1000,
		WeightThreshold: 5,
		ApproachWait:    time.Second,
		DepartureFrames: 10,
	}
}

func grams(v float64) *float64 {
	return &v
}

var (
	quiet      = Sample{Motion: 10}
	moving     = Sample{Motion: 5000}
	onScale    = Sample{Motion: 10, Weight: grams(12.5)}
	movingOn   = Sample{Motion: 5000, Weight: grams(12.5)}
	lightScale = Sample{Motion: 10, Weight: grams(2)}
)

// runner drives an engine on a fixed tick clock.
type runner struct {
	engine Engine
	now    time.Time
	events []Event
}

func newRunner(t *testing.T, cfg Config) *runner {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return &runner{engine: e, now: time.Date(2025, 4, 1, 6, 0, 0, 0, time.UTC)}
}

func (r *runner) step(s Sample) (Event, bool) {
	ev, ok := r.engine.Tick(r.now, s)
	r.now = r.now.Add(tick)
	if ok {
		r.events = append(r.events, ev)
	}
	return ev, ok
}

func (r *runner) steps(n int, s Sample) {
	for range n {
		r.step(s)
	}
}

func TestNew_ModeSelection(t *testing.T) {
	tests := []struct {
		name     string
		motion   bool
		scale    bool
		wantMode Mode
		wantErr  error
	}{
		{"both", true, true, ModeDual, nil},
		{"motion only", true, false, ModeSingle, nil},
		{"scale only", false, true, ModeSingle, nil},
		{"none", false, false, 0, ErrNoSensors},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(testConfig(tt.motion, tt.scale))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, e)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, e.Mode())
			assert.Equal(t, Idle, e.Phase())
		})
	}
}

func TestNew_InvalidDepartureFrames(t *testing.T) {
	cfg := testConfig(true, false)
	cfg.DepartureFrames = 0

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "approaching", Approaching.String())
	assert.Equal(t, "motion-only", SourceMotionOnly.String())
	assert.Equal(t, "scale", SourceScale.String())
	assert.Equal(t, "landed", Landed.String())
	assert.Equal(t, "left", Left.String())
	assert.Equal(t, "dual", ModeDual.String())
	assert.Equal(t, "single", ModeSingle.String())
}

func TestSingle_MotionLandsAndLeaves(t *testing.T) {
	r := newRunner(t, testConfig(true, false))

	_, ok := r.step(quiet)
	assert.False(t, ok)
	assert.Equal(t, Idle, r.engine.Phase())

	ev, ok := r.step(moving)
	require.True(t, ok)
	assert.Equal(t, Landed, ev.Kind)
	assert.Equal(t, SourceMotion, ev.Source)
	assert.Nil(t, ev.Weight)
	assert.Equal(t, Present, r.engine.Phase())

	// Departure needs exactly DepartureFrames empty ticks.
	for i := 1; i < 10; i++ {
		_, ok := r.step(quiet)
		assert.False(t, ok, "left early after %d empty ticks", i)
		assert.Equal(t, Present, r.engine.Phase())
	}
	ev, ok = r.step(quiet)
	require.True(t, ok)
	assert.Equal(t, Left, ev.Kind)
	assert.Equal(t, Idle, r.engine.Phase())

	assert.Len(t, r.events, 2)
}

func TestSingle_HitResetsAbsenceStreak(t *testing.T) {
	r := newRunner(t, testConfig(true, false))

	r.step(moving)
	r.steps(9, quiet)
	r.step(moving) // Resets the streak
	r.steps(9, quiet)
	assert.Equal(t, Present, r.engine.Phase())
	assert.Len(t, r.events, 1)

	ev, ok := r.step(quiet)
	require.True(t, ok)
	assert.Equal(t, Left, ev.Kind)
}

func TestSingle_ContinuousHitsLandOnce(t *testing.T) {
	r := newRunner(t, testConfig(true, false))

	r.steps(50, moving)
	require.Len(t, r.events, 1)
	assert.Equal(t, Landed, r.events[0].Kind)
}

func TestSingle_ScaleSource(t *testing.T) {
	r := newRunner(t, testConfig(false, true))

	_, ok := r.step(lightScale)
	assert.False(t, ok)

	ev, ok := r.step(onScale)
	require.True(t, ok)
	assert.Equal(t, SourceScale, ev.Source)
	require.NotNil(t, ev.Weight)
	assert.Equal(t, 12.5, *ev.Weight)
}

func TestSingle_ThresholdIsStrict(t *testing.T) {
	r := newRunner(t, testConfig(true, false))

	_, ok := r.step(Sample{Motion: 1000})
	assert.False(t, ok)
	_, ok = r.step(Sample{Motion: 1001})
	assert.True(t, ok)

	r = newRunner(t, testConfig(false, true))
	_, ok = r.step(Sample{Weight: grams(5)})
	assert.False(t, ok)
	_, ok = r.step(Sample{Weight: grams(5.01)})
	assert.True(t, ok)
}

func TestDual_ScaleConfirmsApproach(t *testing.T) {
	r := newRunner(t, testConfig(true, true))

	// k < ApproachWait/tick ticks of motion without weight.
	for range 3 {
		_, ok := r.step(moving)
		assert.False(t, ok)
		assert.Equal(t, Approaching, r.engine.Phase())
	}

	ev, ok := r.step(movingOn)
	require.True(t, ok)
	assert.Equal(t, Landed, ev.Kind)
	assert.Equal(t, SourceScale, ev.Source)
	require.NotNil(t, ev.Weight)
	assert.Equal(t, 12.5, *ev.Weight)
	assert.Equal(t, Present, r.engine.Phase())

	r.steps(5, onScale)
	assert.Len(t, r.events, 1)
}

func TestDual_MotionOnlyAfterApproachTimeout(t *testing.T) {
	r := newRunner(t, testConfig(true, true))

	start := r.now
	var landedAt time.Time
	for range 20 {
		now := r.now
		ev, ok := r.step(moving)
		if ok {
			assert.Equal(t, Landed, ev.Kind)
			assert.Equal(t, SourceMotionOnly, ev.Source)
			landedAt = now
			break
		}
		assert.Equal(t, Approaching, r.engine.Phase())
	}

	require.Len(t, r.events, 1)
	// The approach starts on the first tick; landing needs strictly more
	// than ApproachWait after it.
	assert.Equal(t, start.Add(time.Second+tick), landedAt)
	assert.Equal(t, Present, r.engine.Phase())
}

func TestDual_WeightLandsDirectlyFromIdle(t *testing.T) {
	r := newRunner(t, testConfig(true, true))

	ev, ok := r.step(onScale)
	require.True(t, ok)
	assert.Equal(t, SourceScale, ev.Source)
	assert.Equal(t, Present, r.engine.Phase())
}

func TestDual_DepartureNeedsBothQuiet(t *testing.T) {
	r := newRunner(t, testConfig(true, true))

	r.step(onScale)

	// Weight alone keeps the visitor present.
	r.steps(30, onScale)
	assert.Equal(t, Present, r.engine.Phase())

	// Motion alone keeps the visitor present.
	r.steps(30, moving)
	assert.Equal(t, Present, r.engine.Phase())

	r.steps(9, quiet)
	assert.Equal(t, Present, r.engine.Phase())
	ev, ok := r.step(quiet)
	require.True(t, ok)
	assert.Equal(t, Left, ev.Kind)
	assert.Equal(t, Idle, r.engine.Phase())

	// A new approach can start after the departure.
	r.step(moving)
	assert.Equal(t, Approaching, r.engine.Phase())
}

func TestDual_ApproachTimesOutWithoutMotion(t *testing.T) {
	r := newRunner(t, testConfig(true, true))

	r.step(moving)
	require.Equal(t, Approaching, r.engine.Phase())

	// Motion stopping does not cancel the approach.
	r.steps(5, quiet)
	assert.Equal(t, Approaching, r.engine.Phase())

	ev, ok := r.step(quiet)
	require.True(t, ok)
	assert.Equal(t, SourceMotionOnly, ev.Source)
}

func TestDual_NoWeightReading(t *testing.T) {
	r := newRunner(t, testConfig(true, true))

	// A scale that never reports degrades to motion-only landings.
	r.steps(10, moving)
	require.Len(t, r.events, 1)
	assert.Equal(t, SourceMotionOnly, r.events[0].Source)
	assert.Nil(t, r.events[0].Weight)
}

func TestEvent_WeightIsCopied(t *testing.T) {
	r := newRunner(t, testConfig(false, true))

	w := 12.5
	ev, ok := r.step(Sample{Weight: &w})
	require.True(t, ok)
	w = 99
	assert.Equal(t, 12.5, *ev.Weight)
}

func TestEngine_RandomSequencesKeepInvariants(t *testing.T) {
	samples := []Sample{quiet, moving, onScale, movingOn, lightScale, {Motion: 0}}

	for _, mode := range []struct {
		name          string
		motion, scale bool
	}{
		{"dual", true, true},
		{"motion", true, false},
		{"scale", false, true},
	} {
		t.Run(mode.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(1, 2))
			r := newRunner(t, testConfig(mode.motion, mode.scale))

			for i := 0; i < 5000; i++ {
				before := r.engine.Phase()
				ev, ok := r.step(samples[rng.IntN(len(samples))])
				after := r.engine.Phase()

				assert.Contains(t, []Phase{Idle, Approaching, Present}, after)
				if mode.name != "dual" {
					assert.NotEqual(t, Approaching, after)
				}
				if !ok {
					// Without an event the engine never enters or leaves Present.
					assert.Equal(t, before == Present, after == Present)
					continue
				}
				switch ev.Kind {
				case Landed:
					assert.NotEqual(t, Present, before)
					assert.Equal(t, Present, after)
				case Left:
					assert.Equal(t, Present, before)
					assert.Equal(t, Idle, after)
				default:
					t.Fatalf("unexpected event kind %v", ev.Kind)
				}
			}

			// Events alternate Landed, Left, Landed, ...
			for i, ev := range r.events {
				if i%2 == 0 {
					assert.Equal(t, Landed, ev.Kind)
				} else {
					assert.Equal(t, Left, ev.Kind)
				}
			}
		})
	}
}
