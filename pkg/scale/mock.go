package scale

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gofeeder/pkg/config"
)

// Mock simulates the remote weight sensor for testing and development.
// A visitor of BirdWeight grams sits on the scale for VisitDuration at the
// end of every VisitPeriod.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool

	// Simulation state
	startTime time.Time
	raw       float64 // Last untared load (g)
	offset    float64 // Tare offset (g)
	tares     int
	taredAt   time.Time

	latest atomic.Pointer[Reading]
}

const defaultMockSampleRate = 200 * time.Millisecond

// NewMock creates a new simulated weight sensor.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			BirdWeight:    18.0,
			NoiseLevel:    0.3,
			VisitDuration: 4 * time.Second,
			VisitPeriod:   30 * time.Second,
			SampleRate:    defaultMockSampleRate,
		}
	}

	return &Mock{
		cfg: cfg,
	}
}

// Connect starts generating readings.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return ErrAlreadyConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	genCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.connected = true
	m.startTime = time.Now()

	go m.generateReadings(genCtx, m.done)

	return nil
}

// Close stops the simulated device.
func (m *Mock) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	done := m.done
	m.connected = false
	m.mu.Unlock()

	<-done
	return nil
}

// Weight returns the latest simulated weight.
func (m *Mock) Weight() (float64, bool) {
	r := m.latest.Load()
	if r == nil {
		return 0, false
	}
	return r.Grams, true
}

// Latest returns the latest simulated reading.
func (m *Mock) Latest() (Reading, bool) {
	r := m.latest.Load()
	if r == nil {
		return Reading{}, false
	}
	return *r, true
}

// Tare zeroes the simulated scale at its current load.
func (m *Mock) Tare(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.offset = m.raw
	m.tares++
	m.taredAt = time.Now()
	return ctx.Err()
}

// IsConnected returns whether the simulated device is running.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Status reports the simulated link as ready while it runs.
func (m *Mock) Status() Status {
	m.mu.RLock()
	st := Status{State: StateDisconnected}
	if m.connected {
		st.State = StateReady
	}
	st.TaredAt = m.taredAt
	m.mu.RUnlock()

	if r, ok := m.Latest(); ok {
		st.Reading = &r
	}
	return st
}

// Tares returns how many times the scale was tared.
func (m *Mock) Tares() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tares
}

// generateReadings publishes a reading every SampleRate.
func (m *Mock) generateReadings(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	rate := m.cfg.SampleRate
	if rate <= 0 {
		rate = defaultMockSampleRate
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r := m.generateReading(now)
			m.latest.Store(&r)
		}
	}
}

// generateReading computes the reading at now.
func (m *Mock) generateReading(now time.Time) Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.startTime)
	load := m.loadAt(elapsed)

	// Deterministic pseudo-noise, same shape as the load cell's drift.
	noise := (math.Sin(float64(elapsed.Nanoseconds())*0.001) +
		math.Cos(float64(elapsed.Nanoseconds())*0.0013)) *
		m.cfg.NoiseLevel * 0.5

	m.raw = load + noise

	return Reading{
		Grams: math.Round((m.raw-m.offset)*100) / 100, // Device reports two decimals
		At:    now,
	}
}

// loadAt returns the simulated load after elapsed time.
func (m *Mock) loadAt(elapsed time.Duration) float64 {
	if m.cfg.VisitPeriod <= 0 {
		return 0
	}
	phase := elapsed % m.cfg.VisitPeriod
	if phase >= m.cfg.VisitPeriod-m.cfg.VisitDuration {
		return m.cfg.BirdWeight
	}
	return 0
}
