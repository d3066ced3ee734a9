// Package progress is the push channel for long-running operations. Each
// operation reports stage/percentage/message events; the hub keeps the last
// value per operation and fans events out to subscribers.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Stage represents the phase of a long-running operation.
type Stage string

const (
	StageScanning     Stage = "scanning"
	StagePackaging    Stage = "packaging"
	StageTunneling    Stage = "tunneling"
	StageTransferring Stage = "transferring"
	StageVerifying    Stage = "verifying"
	StageComplete     Stage = "complete"
	StageFailed       Stage = "failed"
)

// Terminal reports whether no further events are expected after s.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Event is one progress notification, safe for JSON serialization.
type Event struct {
	OperationID string    `json:"operation_id"`
	Stage       Stage     `json:"stage"`
	Progress    float64   `json:"progress"`
	Message     string    `json:"message,omitempty"`
	Warning     bool      `json:"warning,omitempty"`
	At          time.Time `json:"at"`
}

// terminalRetention is how long a finished operation's last event stays
// queryable through Last and Snapshot.
const terminalRetention = time.Hour

// subscriberBuffer bounds how far a subscriber may lag before events are
// dropped for it.
const subscriberBuffer = 64

// Hub accumulates progress events in a thread-safe manner. Long-poll
// callers use Wait(); streaming callers use Subscribe().
type Hub struct {
	mu sync.Mutex

	last map[string]Event

	// Notification channel: close-and-replace pattern.
	// Listeners call Wait() to get the current channel, then block on it.
	// Any update closes the old channel and replaces it with a new one.
	notify chan struct{}

	subs   map[int]chan Event
	nextID int
	now    func() time.Time
	retain time.Duration
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		last:   make(map[string]Event),
		notify: make(chan struct{}),
		subs:   make(map[int]chan Event),
		now:    time.Now,
		retain: terminalRetention,
	}
}

// Publish records ev as the latest value for its operation and delivers it
// to subscribers. Progress is clamped to [0,100].
func (h *Hub) Publish(ev Event) {
	if ev.Progress < 0 {
		ev.Progress = 0
	}
	if ev.Progress > 100 {
		ev.Progress = 100
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	h.last[ev.OperationID] = ev
	if ev.Stage.Terminal() {
		h.pruneLocked(ev.At)
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber; it can recover the latest value via Last
		}
	}
	h.signal()
}

// Last returns the most recent event for an operation.
func (h *Hub) Last(operationID string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.last[operationID]
	return ev, ok
}

// Snapshot returns the latest event of every operation, oldest first.
func (h *Hub) Snapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, 0, len(h.last))
	for _, ev := range h.last {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].OperationID < out[j].OperationID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// pruneLocked drops operations that finished more than h.retain before now.
// Running operations are never dropped. Must be called with h.mu held.
func (h *Hub) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.retain)
	for id, ev := range h.last {
		if ev.Stage.Terminal() && ev.At.Before(cutoff) {
			delete(h.last, id)
		}
	}
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (h *Hub) Wait() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with h.mu held.
func (h *Hub) signal() {
	close(h.notify)
	h.notify = make(chan struct{})
}

// Subscribe delivers every event published after the call until ctx ends.
// The returned channel is closed once ctx is done.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Reporter binds an operation id so producers can report stage changes
// without repeating it. A nil *Reporter discards everything.
type Reporter struct {
	hub *Hub
	id  string
}

// Reporter returns a reporter for operationID.
func (h *Hub) Reporter(operationID string) *Reporter {
	if h == nil {
		return nil
	}
	return &Reporter{hub: h, id: operationID}
}

// ID returns the bound operation id.
func (r *Reporter) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// Report publishes a normal event.
func (r *Reporter) Report(stage Stage, pct float64, msg string) {
	if r == nil {
		return
	}
	r.hub.Publish(Event{OperationID: r.id, Stage: stage, Progress: pct, Message: msg})
}

// Warn publishes a warning event; warnings never end an operation.
func (r *Reporter) Warn(stage Stage, pct float64, msg string) {
	if r == nil {
		return
	}
	r.hub.Publish(Event{OperationID: r.id, Stage: stage, Progress: pct, Message: msg, Warning: true})
}

// Fail publishes the terminal failed event.
func (r *Reporter) Fail(err error) {
	if r == nil {
		return
	}
	pct := 0.0
	if last, ok := r.hub.Last(r.id); ok {
		pct = last.Progress
	}
	r.hub.Publish(Event{OperationID: r.id, Stage: StageFailed, Progress: pct, Message: err.Error()})
}

// Complete publishes the terminal complete event.
func (r *Reporter) Complete(msg string) {
	r.Report(StageComplete, 100, msg)
}
