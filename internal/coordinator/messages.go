package coordinator

import (
	"time"

	"mediashrink/internal/media"
)

// Message is one worker-to-coordinator notification. The concrete types are
// Progress, Error, Complete and WorkerFailed.
type Message interface {
	WorkerIndex() int
}

// Progress reports one successfully processed item.
type Progress struct {
	Worker int
	File   string
	Result media.Result
}

// Error reports one item that failed.
type Error struct {
	Worker int
	File   string
	Err    error
}

// Complete is sent exactly once when a worker has finished its chunk.
type Complete struct {
	Worker  int
	Results []media.Result
}

// WorkerFailed terminates a chunk early. Items of the chunk that were not
// reported yet are counted as errors; the aggregation loop lists them in
// Unreported before observers see the message.
type WorkerFailed struct {
	Worker     int
	Err        error
	Unreported []string
}

func (m Progress) WorkerIndex() int     { return m.Worker }
func (m Error) WorkerIndex() int        { return m.Worker }
func (m Complete) WorkerIndex() int     { return m.Worker }
func (m WorkerFailed) WorkerIndex() int { return m.Worker }

// Event is the serialisable form of a Message, published to observers that
// leave the process (NATS, websocket).
type Event struct {
	Type      string        `json:"type"`
	BatchID   string        `json:"batch_id"`
	Worker    int           `json:"worker"`
	File      string        `json:"file,omitempty"`
	Result    *media.Result `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Processed int           `json:"processed,omitempty"`
	Files     []string      `json:"files,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Event types.
const (
	EventProgress    = "progress"
	EventError       = "error"
	EventComplete    = "complete"
	EventWorkerError = "worker_error"
)

// ToEvent converts a message for publication.
func ToEvent(batchID string, msg Message) Event {
	ev := Event{BatchID: batchID, Worker: msg.WorkerIndex(), Timestamp: time.Now()}
	switch m := msg.(type) {
	case Progress:
		r := m.Result
		ev.Type = EventProgress
		ev.File = m.File
		ev.Result = &r
	case Error:
		ev.Type = EventError
		ev.File = m.File
		ev.Error = m.Err.Error()
	case Complete:
		ev.Type = EventComplete
		ev.Processed = len(m.Results)
	case WorkerFailed:
		ev.Type = EventWorkerError
		ev.Error = m.Err.Error()
		ev.Files = m.Unreported
	}
	return ev
}

// Observer receives every message, in arrival order, from the aggregation
// loop. Implementations must not block for long.
type Observer interface {
	Observe(batchID string, msg Message)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(batchID string, msg Message)

// Observe implements Observer.
func (f ObserverFunc) Observe(batchID string, msg Message) { f(batchID, msg) }

// Observers fans a message out to several observers.
type Observers []Observer

// Observe implements Observer.
func (o Observers) Observe(batchID string, msg Message) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(batchID, msg)
		}
	}
}
