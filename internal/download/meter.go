package download

import (
	"sync"
	"time"
)

// ewmaAlpha weights the newest chunk rate.
const ewmaAlpha = 0.2

// MeterStats is a snapshot of a Meter.
type MeterStats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
}

// Meter tracks byte progress and an exponentially weighted chunk rate.
type Meter struct {
	mu       sync.Mutex
	total    int64
	done     int64
	lastAt   time.Time
	lastDone int64
	rateBps  float64
	now      func() time.Time
}

// NewMeterWithNow returns a meter using now as its clock.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start resets the meter for a transfer of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.lastAt = m.now()
	m.lastDone = 0
	m.rateBps = 0
}

// Add records n transferred bytes and updates the rate.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.lastAt.IsZero() {
		m.lastAt = now
	}
	m.done += int64(n)
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		// same instant: fold into the next sample
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = ewmaAlpha*inst + (1-ewmaAlpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Advance counts bytes that should not affect the rate.
func (m *Meter) Advance(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += int64(n)
	m.lastDone += int64(n)
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() MeterStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MeterStats{BytesDone: m.done, Total: m.total, RateBps: m.rateBps}
	if m.rateBps > 0 && m.total > m.done {
		st.ETA = time.Duration(float64(m.total-m.done) / m.rateBps * float64(time.Second))
	}
	return st
}
