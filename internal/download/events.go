package download

import (
	"sync"
	"time"
)

// Event is one transport occurrence during a transfer. The transfer loop
// only emits events; all progress math lives in Accumulator.
type Event interface {
	isEvent()
}

// Started is emitted once the package header is parsed and the total size
// is known.
type Started struct {
	ContentLength int64
}

// Progress is emitted for every chunk received.
type Progress struct {
	ChunkLength int
}

// Finished is emitted after the last byte is verified.
type Finished struct{}

func (Started) isEvent()  {}
func (Progress) isEvent() {}
func (Finished) isEvent() {}

// Stats is a point-in-time view of an Accumulator.
type Stats struct {
	Total    int64
	Done     int64
	Percent  float64
	Speed    float64 // bytes per second, smoothed
	Started  bool
	Finished bool
}

// Accumulator folds transfer events into progress and speed.
type Accumulator struct {
	mu       sync.Mutex
	started  bool
	finished bool
	total    int64
	done     int64
	meter    *Meter
}

// NewAccumulator returns an accumulator timed by now (time.Now if nil).
func NewAccumulator(now func() time.Time) *Accumulator {
	return &Accumulator{meter: NewMeterWithNow(now)}
}

// Apply folds ev into the running totals. Progress before Started still
// counts bytes but the percentage stays 0 until the total is known.
func (a *Accumulator) Apply(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e := ev.(type) {
	case Started:
		a.started = true
		a.total = e.ContentLength
		a.meter.Start(e.ContentLength)
		a.meter.Advance(int(a.done))
	case Progress:
		if e.ChunkLength <= 0 {
			return
		}
		a.done += int64(e.ChunkLength)
		a.meter.Add(e.ChunkLength)
	case Finished:
		a.finished = true
	}
}

// Stats returns the current totals. Percent is clamped to [0,100].
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		Total:    a.total,
		Done:     a.done,
		Speed:    a.meter.Snapshot().RateBps,
		Started:  a.started,
		Finished: a.finished,
	}
	if a.started && a.total > 0 {
		st.Percent = float64(a.done) / float64(a.total) * 100
		if st.Percent > 100 {
			st.Percent = 100
		}
	}
	if a.finished && a.done == a.total {
		st.Percent = 100
	}
	return st
}
