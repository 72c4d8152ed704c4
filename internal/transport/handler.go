package transport

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Send once the channel has closed.
var ErrChannelClosed = errors.New("channel is closed")

// MessageHandler receives channel lifecycle events and inbound frames.
// Calls are serialized and delivered in the order the transport produced them.
type MessageHandler interface {
	OnChannelOpen()
	HandleMessage(data []byte)
	OnChannelClosed()
	OnChannelError(err error)
}

// Connection is the data path an engine owns: an ordered, reliable, text
// message channel with an observable send queue.
type Connection interface {
	// Bind attaches the handler. Events raised before Bind are buffered.
	Bind(h MessageHandler)
	IsOpen() bool
	Send(data []byte) error
	// BufferedAmount is the number of bytes queued but not yet flushed.
	BufferedAmount() uint64
	// Drained fires after the queue falls below the low threshold.
	Drained() <-chan struct{}
	Close() error
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
	eventError
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

// dispatcher serializes transport callbacks onto a single goroutine so the
// bound handler never observes reordered or concurrent events.
type dispatcher struct {
	events   chan event
	done     chan struct{}
	bindOnce sync.Once
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		events: make(chan event, 1024),
		done:   make(chan struct{}),
	}
}

func (d *dispatcher) push(e event) {
	select {
	case d.events <- e:
	case <-d.done:
	}
}

func (d *dispatcher) bind(h MessageHandler) {
	d.bindOnce.Do(func() {
		go d.run(h)
	})
}

func (d *dispatcher) run(h MessageHandler) {
	defer close(d.done)
	for e := range d.events {
		switch e.kind {
		case eventOpen:
			h.OnChannelOpen()
		case eventMessage:
			h.HandleMessage(e.data)
		case eventError:
			h.OnChannelError(e.err)
		case eventClose:
			h.OnChannelClosed()
			return
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
