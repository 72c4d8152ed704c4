package transport

import (
	"errors"
	"sync"
	"time"
)

// PipeOptions shapes the in-memory link between two PipeEnds.
type PipeOptions struct {
	// DrainInterval is how often queued bytes are moved to the peer.
	DrainInterval time.Duration
	// DrainBytes caps the bytes moved per interval; 0 means unlimited.
	DrainBytes int
	// LowThreshold triggers Drained when the queue falls below it.
	LowThreshold uint64
	// Intercept may rewrite a message in flight. Returning nil drops it.
	Intercept func(from *PipeEnd, data []byte) []byte
}

// Pipe is an in-memory Connection pair with a rate-limited send queue.
type Pipe struct {
	A, B *PipeEnd

	opts     PipeOptions
	mu       sync.Mutex
	open     bool
	closed   bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	pipe       *Pipe
	peer       *PipeEnd
	dispatcher *dispatcher
	drainedCh  chan struct{}

	deliverMu sync.Mutex

	mu          sync.Mutex
	queue       [][]byte
	buffered    uint64
	maxBuffered uint64
	credit      int
	sent        int
}

// NewPipe creates a connected pair. Neither end is open until Open is called.
func NewPipe(opts PipeOptions) *Pipe {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Millisecond
	}
	p := &Pipe{opts: opts, stopCh: make(chan struct{})}
	p.A = p.newEnd()
	p.B = p.newEnd()
	p.A.peer, p.B.peer = p.B, p.A

	go p.pump()
	return p
}

func (p *Pipe) newEnd() *PipeEnd {
	return &PipeEnd{
		pipe:       p,
		dispatcher: newDispatcher(),
		drainedCh:  make(chan struct{}, 1),
	}
}

// Open raises the open event on both ends.
func (p *Pipe) Open() {
	p.mu.Lock()
	if p.open || p.closed {
		p.mu.Unlock()
		return
	}
	p.open = true
	p.mu.Unlock()

	p.A.dispatcher.push(event{kind: eventOpen})
	p.B.dispatcher.push(event{kind: eventOpen})
}

// Fail tears the link down without flushing, as a dropped connection would.
func (p *Pipe) Fail(err error) {
	if !p.shutdown() {
		return
	}
	for _, end := range []*PipeEnd{p.A, p.B} {
		end.mu.Lock()
		end.queue = nil
		end.buffered = 0
		end.mu.Unlock()
		if err != nil {
			end.dispatcher.push(event{kind: eventError, err: err})
		}
		end.dispatcher.push(event{kind: eventClose})
	}
}

func (p *Pipe) shutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.stopOnce.Do(func() { close(p.stopCh) })
	return true
}

func (p *Pipe) isOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open && !p.closed
}

func (p *Pipe) pump() {
	ticker := time.NewTicker(p.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.A.flush(false)
			p.B.flush(false)
		}
	}
}

// flush moves queued messages to the peer, as many as the budget allows
// unless all is set.
func (e *PipeEnd) flush(all bool) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	budget := e.pipe.opts.DrainBytes
	if all {
		budget = 0
	}

	e.mu.Lock()
	if budget > 0 {
		e.credit += budget
	}
	var out [][]byte
	for len(e.queue) > 0 {
		next := e.queue[0]
		if budget > 0 {
			if e.credit < len(next) {
				break
			}
			e.credit -= len(next)
		}
		e.queue = e.queue[1:]
		e.buffered -= uint64(len(next))
		out = append(out, next)
	}
	if len(e.queue) == 0 {
		e.credit = 0
	}
	drained := len(out) > 0 && e.buffered < e.pipe.opts.LowThreshold
	e.mu.Unlock()

	for _, data := range out {
		if intercept := e.pipe.opts.Intercept; intercept != nil {
			if data = intercept(e, data); data == nil {
				continue
			}
		}
		e.peer.dispatcher.push(event{kind: eventMessage, data: data})
	}
	if drained {
		signal(e.drainedCh)
	}
}

func (e *PipeEnd) Bind(h MessageHandler) {
	e.dispatcher.bind(h)
}

func (e *PipeEnd) IsOpen() bool {
	return e.pipe.isOpen()
}

func (e *PipeEnd) Send(data []byte) error {
	if !e.IsOpen() {
		return ErrChannelClosed
	}
	if len(data) == 0 {
		return errors.New("empty message")
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.buffered += uint64(len(msg))
	if e.buffered > e.maxBuffered {
		e.maxBuffered = e.buffered
	}
	e.sent++
	e.mu.Unlock()
	return nil
}

func (e *PipeEnd) BufferedAmount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffered
}

// MaxBufferedAmount is the high-water mark of the send queue.
func (e *PipeEnd) MaxBufferedAmount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxBuffered
}

// Sent is the number of messages accepted by Send.
func (e *PipeEnd) Sent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

func (e *PipeEnd) Drained() <-chan struct{} {
	return e.drainedCh
}

// Close flushes this end's queue and closes both ends.
func (e *PipeEnd) Close() error {
	if e.pipe.isOpen() {
		e.flush(true)
	}
	if !e.pipe.shutdown() {
		return nil
	}
	e.dispatcher.push(event{kind: eventClose})
	e.peer.dispatcher.push(event{kind: eventClose})
	return nil
}
