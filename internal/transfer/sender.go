package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"peerdrop/internal/codec"
	"peerdrop/internal/errdefs"
	"peerdrop/internal/transport"
	"peerdrop/pkg/types"

	"github.com/sirupsen/logrus"
)

// SenderState represents the current state of the sender in the transfer protocol
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderAwaitingHandshake
	SenderReady
	SenderTransferring
	SenderCompleted
	SenderFailed
)

// String returns the string representation of SenderState
func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "Idle"
	case SenderAwaitingHandshake:
		return "AwaitingHandshake"
	case SenderReady:
		return "Ready"
	case SenderTransferring:
		return "Transferring"
	case SenderCompleted:
		return "Completed"
	case SenderFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s SenderState) terminal() bool {
	return s == SenderCompleted || s == SenderFailed
}

// SenderOptions tunes pacing and timeouts.
type SenderOptions struct {
	ChunkSize         int
	MaxBufferedAmount uint64
	DrainPollInterval time.Duration
	HandshakeTimeout  time.Duration
}

func (o *SenderOptions) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = codec.DefaultChunkSize
	}
	if o.MaxBufferedAmount == 0 {
		o.MaxBufferedAmount = 1024 * 1024
	}
	if o.DrainPollInterval <= 0 {
		o.DrainPollInterval = 10 * time.Millisecond
	}
}

// Sender streams one file over a Connection.
type Sender struct {
	conn   transport.Connection
	opts   SenderOptions
	log    *logrus.Entry
	events *emitter

	mu        sync.Mutex
	state     SenderState
	handshake handshake
	encoder   *codec.Encoder
	metadata  *types.FileMetadata
	token     string
	started   bool
	err       error

	sentChunks int
	sentBytes  int64
	acked      map[int]struct{}

	readyCh    chan struct{}
	doneCh     chan struct{}
	closedCh   chan struct{}
	ackedCh    chan struct{}
	closedOnce sync.Once
}

// NewSender creates a sender and binds it to conn.
func NewSender(conn transport.Connection, opts SenderOptions) *Sender {
	opts.setDefaults()
	s := &Sender{
		conn:     conn,
		opts:     opts,
		log:      logrus.WithField("role", "sender"),
		events:   newEmitter(),
		state:    SenderIdle,
		acked:    make(map[int]struct{}),
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		closedCh: make(chan struct{}),
		ackedCh:  make(chan struct{}),
		handshake: handshake{
			conn:    conn,
			text:    "sender ready",
			timeout: opts.HandshakeTimeout,
		},
	}
	conn.Bind(s)
	return s
}

// Events returns the session's event stream.
func (s *Sender) Events() <-chan Event {
	return s.events.events()
}

func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause once the sender has failed.
func (s *Sender) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Load sets the source. src must stay readable until the transfer ends.
func (s *Sender) Load(src io.ReaderAt, meta types.FileMetadata) error {
	if err := meta.Validate(); err != nil {
		return errdefs.Precondition("load", err)
	}
	enc, err := codec.NewEncoder(src, meta.Size, s.opts.ChunkSize)
	if err != nil {
		return errdefs.Precondition("load", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errdefs.Precondition("load", errors.New("transfer already started"))
	}
	s.encoder = enc
	s.metadata = &meta
	return nil
}

// SetToken assigns the completion token carried by the last chunk.
func (s *Sender) SetToken(token string) error {
	if token == "" {
		return errdefs.Precondition("set token", errors.New("empty completion token"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errdefs.Precondition("set token", errors.New("transfer already started"))
	}
	s.token = token
	return nil
}

// OnChannelOpen starts the handshake.
func (s *Sender) OnChannelOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLocked()
}

func (s *Sender) openLocked() {
	if s.state.terminal() {
		return
	}
	opened, err := s.handshake.open(s.handshakeExpired)
	if !opened {
		return
	}
	if err != nil {
		s.failLocked(errdefs.Channel("handshake", err))
		return
	}
	if s.state == SenderIdle {
		s.setStateLocked(SenderAwaitingHandshake)
	}
}

func (s *Sender) handshakeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshake.confirmed || s.state.terminal() {
		return
	}
	s.failLocked(errdefs.Channel("handshake", fmt.Errorf("no reply within %s", s.opts.HandshakeTimeout)))
}

// HandleMessage processes a frame from the receiver.
func (s *Sender) HandleMessage(data []byte) {
	msg, err := codec.Decode(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() && s.state != SenderCompleted {
		return
	}
	if err != nil {
		s.failLocked(err)
		return
	}
	// a message proves the channel is open even if the open event is still in flight
	s.openLocked()

	switch msg.Type {
	case codec.TypeHello:
		first, err := s.handshake.observe()
		if err != nil {
			s.failLocked(errdefs.Channel("handshake", err))
			return
		}
		if first {
			s.log.WithField("text", msg.Hello.Text).Debug("Handshake confirmed")
			if s.state == SenderAwaitingHandshake {
				s.setStateLocked(SenderReady)
			}
			close(s.readyCh)
		}

	case codec.TypeChunkReceived:
		s.handleAckLocked(msg.Sequence)

	default:
		s.failLocked(errdefs.Channel("receive", fmt.Errorf("unexpected %s frame", msg.Type)))
	}
}

func (s *Sender) handleAckLocked(seq int) {
	if s.encoder == nil || seq >= s.sentChunks {
		if !s.state.terminal() {
			s.failLocked(errdefs.Channel("receive", fmt.Errorf("acknowledgement for unsent chunk %d", seq)))
		}
		return
	}
	if _, dup := s.acked[seq]; dup {
		return
	}
	s.acked[seq] = struct{}{}
	s.events.emit(ProgressEvent{Progress: s.progressLocked()})

	if len(s.acked) == s.encoder.Total() {
		s.log.Debug("All chunks acknowledged")
		close(s.ackedCh)
	}
}

// OnChannelClosed fails the session unless it already finished.
func (s *Sender) OnChannelClosed() {
	s.closedOnce.Do(func() { close(s.closedCh) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshake.stop()
	if !s.state.terminal() {
		s.failLocked(errdefs.Channel("transfer", transport.ErrChannelClosed))
	}
}

func (s *Sender) OnChannelError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.terminal() {
		s.failLocked(errdefs.Channel("transfer", err))
	}
}

// WaitReady blocks until the handshake is confirmed.
func (s *Sender) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.doneCh:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartTransfer sends metadata then every chunk in order, pacing on the
// transport's send queue. It returns when the last chunk has been accepted
// by the transport or the session fails.
func (s *Sender) StartTransfer(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkStartLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.setStateLocked(SenderTransferring)
	enc, meta, token := s.encoder, *s.metadata, s.token
	s.events.emit(ProgressEvent{Progress: s.progressLocked()})
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"file": meta.Name, "chunks": enc.Total()})
	log.Info("Starting transfer")

	frame, err := codec.EncodeMetadata(meta)
	if err != nil {
		return s.abort(err)
	}
	if err := s.send(ctx, frame); err != nil {
		return s.abort(err)
	}

	ticker := time.NewTicker(s.opts.DrainPollInterval)
	defer ticker.Stop()

	for {
		chunk, err := enc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s.abort(errdefs.Channel("read chunk", err))
		}
		if chunk.IsLast {
			chunk.Verification = token
		}

		frame, err := codec.Frame(chunk)
		if err != nil {
			return s.abort(err)
		}
		if err := s.waitForCapacity(ctx, ticker, len(frame)); err != nil {
			return s.abort(err)
		}

		// counted before the send so an acknowledgement can never outrun it
		s.mu.Lock()
		if s.state != SenderTransferring {
			err := s.err
			s.mu.Unlock()
			return err
		}
		s.sentChunks++
		s.sentBytes += int64(len(chunk.Data))
		s.mu.Unlock()

		if err := s.send(ctx, frame); err != nil {
			return s.abort(err)
		}

		s.mu.Lock()
		s.events.emit(ProgressEvent{Progress: s.progressLocked()})
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderTransferring {
		return s.err
	}
	s.setStateLocked(SenderCompleted)
	s.events.terminal(DoneEvent{Progress: s.progressLocked()})
	close(s.doneCh)
	log.Info("Last chunk handed to transport")
	return nil
}

func (s *Sender) checkStartLocked() error {
	switch {
	case s.state.terminal():
		return errdefs.Precondition("start transfer", fmt.Errorf("session already %s", s.state))
	case s.started:
		return errdefs.Precondition("start transfer", errors.New("transfer already started"))
	case s.encoder == nil:
		return errdefs.Precondition("start transfer", errors.New("no file loaded"))
	case s.token == "":
		return errdefs.Precondition("start transfer", errors.New("completion token not set"))
	case !s.handshake.confirmed:
		return errdefs.Precondition("start transfer", errors.New("handshake not confirmed"))
	case !s.conn.IsOpen():
		return errdefs.Precondition("start transfer", errors.New("channel not open"))
	}
	return nil
}

// waitForCapacity blocks until a frame of n bytes fits under the ceiling.
// A frame larger than the ceiling itself is sent once the queue is empty.
func (s *Sender) waitForCapacity(ctx context.Context, ticker *time.Ticker, n int) error {
	for {
		buffered := s.conn.BufferedAmount()
		if buffered+uint64(n) <= s.opts.MaxBufferedAmount || buffered == 0 {
			return nil
		}
		select {
		case <-s.conn.Drained():
		case <-ticker.C:
		case <-s.closedCh:
			return errdefs.Channel("flow control", transport.ErrChannelClosed)
		case <-ctx.Done():
			return errdefs.Channel("flow control", ctx.Err())
		}
	}
}

func (s *Sender) send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return errdefs.Channel("send", err)
	}
	if err := s.conn.Send(frame); err != nil {
		return errdefs.Channel("send", err)
	}
	return nil
}

// abort fails the session and closes the channel, which is the only way to
// cancel a transfer in flight.
func (s *Sender) abort(err error) error {
	s.mu.Lock()
	if s.state.terminal() {
		err = s.err
		s.mu.Unlock()
		return err
	}
	s.failLocked(err)
	s.mu.Unlock()
	return err
}

// WaitAcknowledged blocks until the receiver has acknowledged every chunk.
func (s *Sender) WaitAcknowledged(ctx context.Context) error {
	select {
	case <-s.ackedCh:
		return nil
	case <-s.closedCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.ackedCh:
		return nil
	default:
	}
	if err := s.Err(); err != nil {
		return err
	}
	return errdefs.Channel("wait acknowledged", transport.ErrChannelClosed)
}

// Close closes the channel.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Progress returns the current counters.
func (s *Sender) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Sender) progressLocked() Progress {
	p := Progress{
		Bytes:        s.sentBytes,
		Chunks:       s.sentChunks,
		Acknowledged: len(s.acked),
		Metadata:     s.metadata,
	}
	if s.encoder != nil {
		p.TotalBytes = s.encoder.Size()
		p.TotalChunks = s.encoder.Total()
	}
	return p
}

func (s *Sender) setStateLocked(state SenderState) {
	if s.state == state {
		return
	}
	s.log.Debugf("Sender state: %s -> %s", s.state, state)
	s.events.emit(StateEvent{From: s.state.String(), To: state.String()})
	s.state = state
}

func (s *Sender) failLocked(err error) {
	if s.state.terminal() {
		return
	}
	s.handshake.stop()
	s.err = err
	s.setStateLocked(SenderFailed)
	s.log.WithError(err).Warn("Transfer failed")
	s.events.terminal(FailedEvent{Err: err})
	close(s.doneCh)
	go s.conn.Close()
}
