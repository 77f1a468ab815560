package queue

import (
	"context"
	"time"

	"github.com/joseph-ayodele/docintake/constants"
)

type EventType string

const (
	EventAdded     EventType = "added"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventStalled   EventType = "stalled"
)

// Event describes one job lifecycle change.
type Event struct {
	Type     EventType          `json:"type"`
	JobID    string             `json:"job_id"`
	State    constants.JobState `json:"state"`
	Progress int                `json:"progress,omitempty"`
	Attempt  int                `json:"attempt,omitempty"`
	Error    string             `json:"error,omitempty"`
	RunAt    *time.Time         `json:"run_at,omitempty"`
	At       time.Time          `json:"at"`
}

// Observer receives every event synchronously from the emitting goroutine;
// implementations must not block for long.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
// After Shutdown the channel comes back already closed.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	m.subMu.Lock()
	if m.subsClosed {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	for _, o := range m.observers {
		o.OnEvent(ctx, ev)
	}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Debug("queue.event.dropped", "job_id", ev.JobID, "type", ev.Type)
		}
	}
}
