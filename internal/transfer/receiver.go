package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"peerdrop/internal/codec"
	"peerdrop/internal/errdefs"
	"peerdrop/internal/transport"
	"peerdrop/pkg/types"

	"github.com/sirupsen/logrus"
)

// ReceiverState represents the current state of the receiver in the transfer protocol
type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	ReceiverAwaitingMetadata
	ReceiverReceiving
	ReceiverVerifying
	ReceiverCompleting
	ReceiverDone
	ReceiverFailed
)

// String returns the string representation of ReceiverState
func (s ReceiverState) String() string {
	switch s {
	case ReceiverIdle:
		return "Idle"
	case ReceiverAwaitingMetadata:
		return "AwaitingMetadata"
	case ReceiverReceiving:
		return "Receiving"
	case ReceiverVerifying:
		return "Verifying"
	case ReceiverCompleting:
		return "Completing"
	case ReceiverDone:
		return "Done"
	case ReceiverFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s ReceiverState) terminal() bool {
	return s == ReceiverDone || s == ReceiverFailed
}

// Completer reports a verified transfer to the coordination service.
type Completer interface {
	Complete(ctx context.Context, token string) error
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, token string) error

func (f CompleterFunc) Complete(ctx context.Context, token string) error {
	return f(ctx, token)
}

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
	HandshakeTimeout time.Duration
	// Expected, when set, must match the metadata announced by the sender.
	Expected *types.FileMetadata
	// CompleteTimeout bounds the completion call.
	CompleteTimeout time.Duration
}

// Receiver reassembles one file from a Connection, verifies it and then
// notifies the Completer.
type Receiver struct {
	conn      transport.Connection
	completer Completer
	opts      ReceiverOptions
	log       *logrus.Entry
	events    *emitter

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        ReceiverState
	handshake    handshake
	metadata     *types.FileMetadata
	parts        map[int][]byte
	bytes        int64
	estimate     int
	largest      int
	finalizing   bool
	lastActivity time.Time
	artifact     *types.Artifact
	err          error

	doneCh     chan struct{}
	closedCh   chan struct{}
	closedOnce sync.Once
}

// NewReceiver creates a receiver and binds it to conn.
func NewReceiver(conn transport.Connection, completer Completer, opts ReceiverOptions) *Receiver {
	if opts.CompleteTimeout <= 0 {
		opts.CompleteTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{
		conn:         conn,
		completer:    completer,
		opts:         opts,
		log:          logrus.WithField("role", "receiver"),
		events:       newEmitter(),
		ctx:          ctx,
		cancel:       cancel,
		state:        ReceiverIdle,
		parts:        make(map[int][]byte),
		lastActivity: time.Now(),
		doneCh:       make(chan struct{}),
		closedCh:     make(chan struct{}),
		handshake: handshake{
			conn:    conn,
			text:    "receiver ready",
			timeout: opts.HandshakeTimeout,
		},
	}
	conn.Bind(r)
	return r
}

func (r *Receiver) Events() <-chan Event {
	return r.events.events()
}

func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Metadata returns the announced file metadata, or nil before it arrives.
func (r *Receiver) Metadata() *types.FileMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata
}

// LastActivity reports when the last frame arrived.
func (r *Receiver) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Closed is closed once the underlying channel has closed.
func (r *Receiver) Closed() <-chan struct{} {
	return r.closedCh
}

func (r *Receiver) OnChannelOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openLocked()
}

func (r *Receiver) openLocked() {
	if r.state.terminal() {
		return
	}
	opened, err := r.handshake.open(r.handshakeExpired)
	if !opened {
		return
	}
	if err != nil {
		r.failLocked(errdefs.Channel("handshake", err))
		return
	}
	if r.state == ReceiverIdle {
		r.setStateLocked(ReceiverAwaitingMetadata)
	}
}

func (r *Receiver) handshakeExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handshake.confirmed || r.state.terminal() {
		return
	}
	r.failLocked(errdefs.Channel("handshake", fmt.Errorf("no reply within %s", r.opts.HandshakeTimeout)))
}

// HandleMessage processes a frame from the sender.
func (r *Receiver) HandleMessage(data []byte) {
	msg, err := codec.Decode(data)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.terminal() || r.finalizing {
		if err == nil && msg.Type == codec.TypeFileChunk && msg.Chunk.IsLast {
			r.log.WithField("sequence", msg.Chunk.Sequence).Debug("Ignoring repeated final chunk")
		}
		return
	}
	r.lastActivity = time.Now()
	if err != nil {
		r.failLocked(err)
		return
	}
	r.openLocked()

	switch msg.Type {
	case codec.TypeHello:
		first, err := r.handshake.observe()
		if err != nil {
			r.failLocked(errdefs.Channel("handshake", err))
			return
		}
		if first {
			r.log.WithField("text", msg.Hello.Text).Debug("Handshake confirmed")
		}

	case codec.TypeMetadata:
		r.handleMetadataLocked(msg.Metadata)

	case codec.TypeFileChunk:
		r.handleChunkLocked(msg.Chunk)

	default:
		r.failLocked(errdefs.Channel("receive", fmt.Errorf("unexpected %s frame", msg.Type)))
	}
}

func (r *Receiver) handleMetadataLocked(meta types.FileMetadata) {
	if r.state != ReceiverAwaitingMetadata {
		r.failLocked(errdefs.Channel("receive", fmt.Errorf("metadata received in state %s", r.state)))
		return
	}
	if exp := r.opts.Expected; exp != nil {
		if exp.Size != meta.Size || exp.Checksum != meta.Checksum {
			r.failLocked(errdefs.Integrity("metadata",
				fmt.Errorf("announced %s (%d bytes) does not match the registered file", meta.Name, meta.Size)))
			return
		}
	}

	r.metadata = &meta
	r.log.WithFields(logrus.Fields{
		"file": meta.Name,
		"size": meta.Size,
		"type": meta.Type,
	}).Info("Received file metadata")
	r.setStateLocked(ReceiverReceiving)
	r.events.emit(ProgressEvent{Progress: r.progressLocked()})
}

func (r *Receiver) handleChunkLocked(c codec.Chunk) {
	if r.state != ReceiverReceiving {
		r.failLocked(errdefs.Channel("receive", fmt.Errorf("chunk %d received in state %s", c.Sequence, r.state)))
		return
	}

	// every chunk but the one of an empty file carries at least one byte
	size := r.metadata.Size
	if int64(c.Sequence) >= max(1, size) || (size > 0 && len(c.Data) == 0) {
		r.failLocked(errdefs.Channel("receive",
			fmt.Errorf("chunk %d (%d bytes) out of range for a %d byte file", c.Sequence, len(c.Data), size)))
		return
	}

	received := r.bytes + int64(len(c.Data))
	if prev, dup := r.parts[c.Sequence]; dup {
		received -= int64(len(prev))
	}
	if received > size {
		r.failLocked(errdefs.Channel("receive",
			fmt.Errorf("received %d bytes for a %d byte file", received, size)))
		return
	}
	r.parts[c.Sequence] = c.Data
	r.bytes = received
	if len(c.Data) > r.largest {
		r.largest = len(c.Data)
		r.estimate = codec.ChunkCount(size, r.largest)
	}

	frame, err := codec.EncodeChunkReceived(c.Sequence)
	if err == nil {
		err = r.conn.Send(frame)
	}
	if err != nil {
		r.log.WithError(err).WithField("sequence", c.Sequence).Warn("Failed to acknowledge chunk")
	}
	r.events.emit(ProgressEvent{Progress: r.progressLocked()})

	if !c.IsLast {
		return
	}
	r.finalizing = true
	total := c.Sequence + 1
	r.estimate = total
	go r.finalize(total, c.Verification)
}

// finalize verifies the reassembled file and only then reports completion.
func (r *Receiver) finalize(total int, token string) {
	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return
	}
	r.setStateLocked(ReceiverVerifying)
	meta := *r.metadata
	parts := r.parts
	r.parts = nil
	r.mu.Unlock()

	data, err := verify(parts, total, meta)
	if err != nil {
		r.fail(err)
		return
	}

	r.mu.Lock()
	if r.state.terminal() {
		r.mu.Unlock()
		return
	}
	r.setStateLocked(ReceiverCompleting)
	r.mu.Unlock()

	if token == "" {
		r.fail(errdefs.ServerNotification("complete", errors.New("final chunk carried no completion token")))
		return
	}
	if r.completer != nil {
		ctx, cancel := context.WithTimeout(r.ctx, r.opts.CompleteTimeout)
		err := r.completer.Complete(ctx, token)
		cancel()
		if err != nil {
			r.fail(errdefs.ServerNotification("complete", err))
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() {
		return
	}
	r.artifact = &types.Artifact{Metadata: meta, Data: data}
	r.setStateLocked(ReceiverDone)
	r.log.WithField("file", meta.Name).Info("Transfer verified and completed")
	r.events.terminal(DoneEvent{Progress: r.progressLocked(), Artifact: r.artifact})
	close(r.doneCh)
}

func verify(parts map[int][]byte, total int, meta types.FileMetadata) ([]byte, error) {
	data, missing, first := codec.Reassemble(parts, total)
	if missing > 0 {
		return nil, errdefs.IncompleteTransfer("reassemble",
			fmt.Errorf("%d of %d chunks missing (first %d)", missing, total, first))
	}
	if int64(len(data)) != meta.Size {
		return nil, errdefs.Integrity("verify",
			fmt.Errorf("received %d bytes, expected %d", len(data), meta.Size))
	}
	sum := sha256.Sum256(data)
	want, err := hex.DecodeString(meta.Checksum)
	if err != nil || !bytes.Equal(sum[:], want) {
		return nil, errdefs.Integrity("verify",
			fmt.Errorf("checksum %x does not match %s", sum, meta.Checksum))
	}
	return data, nil
}

// OnChannelClosed records the closure. A receiver mid-transfer keeps its
// state; the caller decides whether to Abort.
func (r *Receiver) OnChannelClosed() {
	r.closedOnce.Do(func() { close(r.closedCh) })

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshake.stop()
	if !r.state.terminal() {
		r.log.WithField("state", r.state).Warn("Data channel closed")
	}
}

func (r *Receiver) OnChannelError(err error) {
	r.log.WithError(err).Warn("Data channel error")
}

// Abort fails the session unless verification is already underway.
func (r *Receiver) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.terminal() || r.finalizing {
		return
	}
	r.failLocked(errdefs.Channel("abort", err))
}

// Wait blocks until the session ends and returns the verified artifact.
func (r *Receiver) Wait(ctx context.Context) (*types.Artifact, error) {
	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.artifact, nil
}

func (r *Receiver) Close() error {
	r.cancel()
	return r.conn.Close()
}

func (r *Receiver) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

func (r *Receiver) progressLocked() Progress {
	p := Progress{
		Bytes:        r.bytes,
		Chunks:       len(r.parts),
		TotalChunks:  r.estimate,
		Acknowledged: len(r.parts),
		Metadata:     r.metadata,
	}
	if r.parts == nil {
		p.Chunks, p.Acknowledged = r.estimate, r.estimate
	}
	if r.metadata != nil {
		p.TotalBytes = r.metadata.Size
	}
	return p
}

func (r *Receiver) setStateLocked(state ReceiverState) {
	if r.state == state {
		return
	}
	r.log.Debugf("Receiver state: %s -> %s", r.state, state)
	r.events.emit(StateEvent{From: r.state.String(), To: state.String()})
	r.state = state
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLocked(err)
}

func (r *Receiver) failLocked(err error) {
	if r.state.terminal() {
		return
	}
	r.handshake.stop()
	r.cancel()
	r.err = err
	r.setStateLocked(ReceiverFailed)
	r.log.WithError(err).Warn("Transfer failed")
	r.events.terminal(FailedEvent{Err: err})
	close(r.doneCh)
}
