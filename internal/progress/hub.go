package progress

import (
	"sync"

	"github.com/avatarforge/avatar-gateway/internal/observability"
)

// Status of a stage transition.
const (
	StatusStarted   = "started"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Event is a stage-transition message. Events are immutable and
// fire-and-forget: the publisher never waits for delivery.
type Event struct {
	RunID  string `json:"run_id"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Hub broadcasts run progress events to zero or more subscribers, keyed by
// run id. Publish never blocks: a subscriber whose buffer is full is dropped
// and its channel closed rather than applying backpressure to the pipeline.
// A subscriber joining after a run has progressed receives only subsequent
// events; there is no replay.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[chan Event]bool
}

// Subscriber buffer size. Runs emit a handful of events over many minutes,
// so a small buffer already means the consumer stopped reading.
const subscriberBuffer = 16

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[chan Event]bool)}
}

// Subscribe attaches a new subscriber to one run's event feed and returns
// its channel plus a cancel function. The channel is closed by the hub,
// either on cancel or when the subscriber is dropped for falling behind.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	subs, ok := h.topics[runID]
	if !ok {
		subs = make(map[chan Event]bool)
		h.topics[runID] = subs
	}
	subs[ch] = true
	h.mu.Unlock()

	observability.RecordSubscriberAdded()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if h.remove(runID, ch) {
				close(ch)
				observability.RecordSubscriberRemoved()
			}
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the event's run. Slow
// subscribers are dropped so pipeline throughput stays independent of
// observer count.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[ev.RunID]
	if !ok {
		return
	}
	for ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop it entirely.
			delete(subs, ch)
			close(ch)
			observability.RecordSubscriberDropped()
		}
	}
	if len(subs) == 0 {
		delete(h.topics, ev.RunID)
	}
}

// CloseRun drops every subscriber of a run, closing their channels. Called
// when a run is garbage-collected after its retention window.
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[runID]
	if !ok {
		return
	}
	for ch := range subs {
		close(ch)
		observability.RecordSubscriberRemoved()
	}
	delete(h.topics, runID)
}

// remove detaches a channel and reports whether it was still registered.
// Hub-side drops race with subscriber-side cancels, and the channel must be
// closed exactly once.
func (h *Hub) remove(runID string, ch chan Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[runID]
	if !ok {
		return false
	}
	if !subs[ch] {
		return false
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(h.topics, runID)
	}
	return true
}

// SubscriberCount reports the current number of subscribers for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[runID])
}
