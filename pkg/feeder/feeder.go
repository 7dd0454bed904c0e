// Package feeder runs the fixed-period loop that samples the sensors, feeds
// the presence engine and reacts to its events: a landing takes a photo
// through the capture gate, a departure tares the scale.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/gofeeder/internal/log"
	"github.com/itohio/gofeeder/pkg/capture"
	"github.com/itohio/gofeeder/pkg/config"
	"github.com/itohio/gofeeder/pkg/presence"
	"github.com/itohio/gofeeder/pkg/scale"
)

// ErrNoScale is returned by Tare when the scale is disabled.
var ErrNoScale = errors.New("scale not enabled")

// MotionSource produces one motion score per call.
type MotionSource interface {
	Sample() int
}

// Record is an emitted event as delivered to handlers.
type Record struct {
	ID    string
	Time  time.Time
	Event presence.Event
	Photo string // Path of the photo taken for a landing, if any
}

// Handler receives records. Handlers run on the driver loop and must not
// block.
type Handler func(Record)

// Deps are the handles owned by the driver. Motion and Scale must be set
// when the matching sensor is enabled; Photo may be nil.
type Deps struct {
	Motion MotionSource
	Scale  scale.Device
	Photo  capture.Photographer
}

// Status is a snapshot of the driver.
type Status struct {
	Phase     presence.Phase
	Mode      presence.Mode
	Motion    int
	Weight    *float64 // Weight used on the last tick
	Ticks     uint64
	LastEvent *Record
	LastPhoto time.Time
	Link      *scale.Status // nil without a scale or diagnostics
}

// Feeder is the driver loop. Step and Run must not be called concurrently;
// Status, OnEvent and Tare are safe from any goroutine.
type Feeder struct {
	tick   time.Duration
	maxAge time.Duration
	motion MotionSource
	scale  scale.Device
	photo  capture.Photographer
	engine presence.Engine
	gate   *capture.Gate
	log    *slog.Logger
	newID  func() string

	mu       sync.RWMutex
	handlers []Handler
	status   Status
}

// New wires the driver from configuration and the given handles.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Feeder, error) {
	if cfg.Motion.Enabled && deps.Motion == nil {
		return nil, fmt.Errorf("motion enabled without a motion source")
	}
	if cfg.Scale.Enabled && deps.Scale == nil {
		return nil, fmt.Errorf("scale enabled without a scale device")
	}

	engine, err := presence.New(presence.Config{
		MotionEnabled:   cfg.Motion.Enabled,
		ScaleEnabled:    cfg.Scale.Enabled,
		MotionThreshold: cfg.Motion.Threshold,
		WeightThreshold: cfg.Scale.Threshold,
		ApproachWait:    cfg.Scale.ApproachWait,
		DepartureFrames: cfg.Presence.DepartureFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create presence engine: %w", err)
	}

	f := &Feeder{
		tick:   cfg.Tick,
		maxAge: cfg.Scale.MaxAge,
		photo:  deps.Photo,
		engine: engine,
		gate:   capture.NewGate(cfg.Photo.Cooldown),
		log:    log.OrDefault(logger).With("component", "feeder"),
		newID:  uuid.NewString,
	}
	if cfg.Motion.Enabled {
		f.motion = deps.Motion
	}
	if cfg.Scale.Enabled {
		f.scale = deps.Scale
	}
	f.status.Mode = engine.Mode()

	return f, nil
}

// OnEvent registers a handler for emitted records.
func (f *Feeder) OnEvent(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// Run steps the driver every tick until ctx is done.
func (f *Feeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	f.log.Info("feeder started", "mode", f.engine.Mode(), "tick", f.tick)

	for {
		select {
		case <-ctx.Done():
			f.log.Info("feeder stopped")
			return nil
		case now := <-ticker.C:
			f.Step(ctx, now)
		}
	}
}

// Step runs one tick observed at now and returns the emitted record, if any.
func (f *Feeder) Step(ctx context.Context, now time.Time) (Record, bool) {
	sample := presence.Sample{}
	if f.motion != nil {
		sample.Motion = f.motion.Sample()
	}
	if f.scale != nil {
		sample.Weight = f.weight(now)
	}

	ev, ok := f.engine.Tick(now, sample)

	f.mu.Lock()
	f.status.Ticks++
	f.status.Motion = sample.Motion
	f.status.Weight = sample.Weight
	f.status.Phase = f.engine.Phase()
	f.mu.Unlock()

	if !ok {
		return Record{}, false
	}

	rec := Record{ID: f.newID(), Time: now, Event: ev}
	switch ev.Kind {
	case presence.Landed:
		f.log.Info("bird landed", "weight", formatWeight(ev.Weight), "source", ev.Source)
		rec.Photo = f.takePhoto(now, ev)
	case presence.Left:
		f.log.Info("bird left")
		if f.scale != nil {
			if err := f.scale.Tare(ctx); err != nil {
				f.log.Warn("tare failed", "error", err)
			}
		}
	}

	f.mu.Lock()
	f.status.LastEvent = &rec
	handlers := append([]Handler(nil), f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(rec)
	}
	return rec, true
}

// weight returns the latest reading, or nil when there is none or it is
// older than the configured max age.
func (f *Feeder) weight(now time.Time) *float64 {
	r, ok := f.scale.Latest()
	if !ok {
		return nil
	}
	if f.maxAge > 0 && now.Sub(r.At) > f.maxAge {
		return nil
	}
	return &r.Grams
}

func (f *Feeder) takePhoto(now time.Time, ev presence.Event) string {
	if f.photo == nil {
		return ""
	}
	if !f.gate.ShouldCapture(now) {
		f.log.Debug("photo suppressed by cooldown", "cooldown", f.gate.Cooldown())
		return ""
	}

	path, ok, err := f.photo.Capture(now, ev.Weight, ev.Source)
	if err != nil {
		f.log.Warn("photo failed", "error", err)
		return ""
	}
	if !ok {
		return ""
	}

	f.gate.RecordCapture(now)
	f.mu.Lock()
	f.status.LastPhoto = now
	f.mu.Unlock()
	return path
}

// Status returns a snapshot of the driver and the weight link.
func (f *Feeder) Status() Status {
	f.mu.RLock()
	st := f.status
	f.mu.RUnlock()

	if r, ok := f.scale.(scale.StatusReporter); ok {
		link := r.Status()
		st.Link = &link
	}
	return st
}

// Tare forwards a manual tare to the scale.
func (f *Feeder) Tare(ctx context.Context) error {
	if f.scale == nil {
		return ErrNoScale
	}
	return f.scale.Tare(ctx)
}

func formatWeight(w *float64) string {
	if w == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2fg", *w)
}
