package transfer

import (
	"sync"

	"peerdrop/pkg/types"
)

// Event is one of ProgressEvent, StateEvent, DoneEvent or FailedEvent.
// A session emits any number of progress and state events, then exactly one
// DoneEvent or FailedEvent, after which the channel is closed.
type Event interface {
	isEvent()
}

// Progress is a snapshot of one session's counters.
type Progress struct {
	Bytes        int64
	TotalBytes   int64
	Chunks       int
	TotalChunks  int
	Acknowledged int
	Metadata     *types.FileMetadata
}

// Fraction returns completion in [0,1].
func (p Progress) Fraction() float64 {
	if p.TotalBytes <= 0 {
		if p.TotalChunks > 0 {
			return float64(p.Chunks) / float64(p.TotalChunks)
		}
		return 0
	}
	return float64(p.Bytes) / float64(p.TotalBytes)
}

type ProgressEvent struct {
	Progress Progress
}

type StateEvent struct {
	From string
	To   string
}

// DoneEvent ends a successful session. Artifact is nil for senders.
type DoneEvent struct {
	Progress Progress
	Artifact *types.Artifact
}

// FailedEvent ends a failed session. Err is an *errdefs.Error.
type FailedEvent struct {
	Err error
}

func (ProgressEvent) isEvent() {}
func (StateEvent) isEvent()    {}
func (DoneEvent) isEvent()     {}
func (FailedEvent) isEvent()   {}

const eventBuffer = 64

// emitter delivers events without ever blocking the engine. Non-terminal
// events are dropped when the consumer lags; one slot is always kept free
// for the terminal event.
type emitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEmitter() *emitter {
	return &emitter{ch: make(chan Event, eventBuffer)}
}

func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.ch) >= cap(e.ch)-1 {
		return
	}
	e.ch <- ev
}

// terminal delivers ev and closes the channel. Only the first call has effect.
func (e *emitter) terminal(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.ch <- ev
	close(e.ch)
	e.closed = true
	return true
}

func (e *emitter) events() <-chan Event {
	return e.ch
}
