package executor

import (
	"sync"
	"time"
)

// EventType identifies a run progress event.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventStepStarted  EventType = "step_started"
	EventStepFinished EventType = "step_finished"
	EventRunFinished  EventType = "run_finished"
)

// Event is one progress notification for a session's run.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	StepID    string    `json:"step_id,omitempty"`
	StepIndex int       `json:"step_index,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Status    string    `json:"status,omitempty"`
	SpentUSD  float64   `json:"spent_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// eventBufferSize bounds each subscriber channel. Slow subscribers lose
// events rather than stalling the run.
const eventBufferSize = 64

// EventBus fans run events out to per-session subscribers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers for one session's events. The returned cancel
// function must be called to release the subscription; it closes the
// channel.
func (b *EventBus) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, eventBufferSize)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], ch)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its session without
// blocking.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
