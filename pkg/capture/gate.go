// Package capture rate-limits and writes the photos taken on landings.
package capture

import (
	"sync"
	"time"
)

// Gate suppresses captures requested within the cooldown of the last one.
// Only successful captures start a new cooldown.
type Gate struct {
	cooldown time.Duration

	mu   sync.Mutex
	last time.Time
	set  bool
}

// NewGate creates a gate with the given cooldown. A zero cooldown admits
// every request.
func NewGate(cooldown time.Duration) *Gate {
	return &Gate{cooldown: cooldown}
}

// ShouldCapture reports whether a capture at now is allowed.
func (g *Gate) ShouldCapture(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.set || now.Sub(g.last) >= g.cooldown
}

// RecordCapture marks a successful capture at now.
func (g *Gate) RecordCapture(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = now
	g.set = true
}

// LastCapture returns the time of the last successful capture.
func (g *Gate) LastCapture() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.set
}

// Cooldown returns the configured cooldown.
func (g *Gate) Cooldown() time.Duration {
	return g.cooldown
}
