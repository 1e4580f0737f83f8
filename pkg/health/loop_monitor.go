// Package health exposes liveness state for background loops.
package health

import (
	"sync/atomic"
	"time"
)

// LoopMonitor tracks whether a recurring loop (the pending-order monitor,
// the alert scan) is still ticking. Readers come in on the health endpoint
// and must never block.
type LoopMonitor struct {
	startedUnixNano  atomic.Int64
	lastTickUnixNano atomic.Int64
	cycles           atomic.Int64
	lastErr          atomic.Value // string
}

// Started marks the loop as launched. Until the first tick the loop counts
// as healthy for one maxAge window from this point, so a freshly booted
// process does not answer 503 while waiting out its first interval.
func (m *LoopMonitor) Started() {
	m.startedUnixNano.Store(time.Now().UnixNano())
}

// Tick records a completed cycle.
func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
	m.cycles.Add(1)
}

// Cycles returns the number of completed cycles since start.
func (m *LoopMonitor) Cycles() int64 {
	return m.cycles.Load()
}

// SetError records the most recent cycle error. A nil error is ignored so
// callers can pass the cycle result unconditionally.
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		return
	}
	m.lastErr.Store(err.Error())
}

func (m *LoopMonitor) LastError() string {
	if v := m.lastErr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Status is the health-endpoint view of a loop.
type Status struct {
	Healthy   bool          `json:"healthy"`
	Cycles    int64         `json:"cycles"`
	TickAge   time.Duration `json:"tickAgeMs"`
	LastError string        `json:"lastError,omitempty"`
}

// Check returns the loop status as of now. A loop that has never ticked is
// healthy only inside the startup grace window; one that was never even
// started is unhealthy. maxAge <= 0 defaults to 10s.
func (m *LoopMonitor) Check(now time.Time, maxAge time.Duration) Status {
	st := Status{
		Cycles:    m.Cycles(),
		LastError: m.LastError(),
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		started := m.startedUnixNano.Load()
		if started > 0 {
			startAge := now.Sub(time.Unix(0, started))
			st.Healthy = startAge >= 0 && startAge <= maxAge
		}
		return st
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		st.Healthy = true
		return st
	}
	st.TickAge = now.Sub(t)
	st.Healthy = st.TickAge <= maxAge
	return st
}
