package transport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	opened   bool
	messages [][]byte
	errs     []error
	closed   chan struct{}
	msgCh    chan []byte
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{}), msgCh: make(chan []byte, 1024)}
}

func (r *recorder) OnChannelOpen() {
	r.mu.Lock()
	r.opened = true
	r.mu.Unlock()
}

func (r *recorder) HandleMessage(data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, data)
	r.mu.Unlock()
	r.msgCh <- data
}

func (r *recorder) OnChannelClosed() { close(r.closed) }

func (r *recorder) OnChannelError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) waitMessages(t *testing.T, n int) [][]byte {
	t.Helper()
	var got [][]byte
	for len(got) < n {
		select {
		case m := <-r.msgCh:
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", len(got), n)
		}
	}
	return got
}

func TestPipeDeliversInOrder(t *testing.T) {
	p := NewPipe(PipeOptions{})
	a, b := newRecorder(), newRecorder()
	p.A.Bind(a)
	p.B.Bind(b)

	assert.ErrorIs(t, p.A.Send([]byte("early")), ErrChannelClosed)
	p.Open()

	for i := range 100 {
		require.NoError(t, p.A.Send([]byte(fmt.Sprintf("m%d", i))))
	}
	got := b.waitMessages(t, 100)
	for i, m := range got {
		assert.Equal(t, fmt.Sprintf("m%d", i), string(m))
	}

	require.NoError(t, p.B.Close())
	<-a.closed
	<-b.closed
	assert.False(t, p.A.IsOpen())
	assert.True(t, a.opened)
}

func TestPipeRateLimitAndDrain(t *testing.T) {
	p := NewPipe(PipeOptions{DrainInterval: 2 * time.Millisecond, DrainBytes: 100, LowThreshold: 150})
	b := newRecorder()
	p.A.Bind(newRecorder())
	p.B.Bind(b)
	p.Open()

	payload := bytes.Repeat([]byte("x"), 50)
	for range 10 {
		require.NoError(t, p.A.Send(payload))
	}
	assert.Equal(t, uint64(500), p.A.MaxBufferedAmount())

	select {
	case <-p.A.Drained():
	case <-time.After(2 * time.Second):
		t.Fatal("no drain notification")
	}
	assert.Less(t, p.A.BufferedAmount(), uint64(150))

	b.waitMessages(t, 10)
	assert.Equal(t, uint64(0), p.A.BufferedAmount())
	assert.Equal(t, 10, p.A.Sent())
}

func TestPipeIntercept(t *testing.T) {
	p := NewPipe(PipeOptions{Intercept: func(from *PipeEnd, data []byte) []byte {
		if string(data) == "drop" {
			return nil
		}
		return bytes.ToUpper(data)
	}})
	b := newRecorder()
	p.A.Bind(newRecorder())
	p.B.Bind(b)
	p.Open()

	require.NoError(t, p.A.Send([]byte("drop")))
	require.NoError(t, p.A.Send([]byte("keep")))
	got := b.waitMessages(t, 1)
	assert.Equal(t, "KEEP", string(got[0]))
}

func TestPipeFail(t *testing.T) {
	p := NewPipe(PipeOptions{DrainInterval: time.Hour})
	a, b := newRecorder(), newRecorder()
	p.A.Bind(a)
	p.B.Bind(b)
	p.Open()

	require.NoError(t, p.A.Send([]byte("lost")))
	p.Fail(errors.New("ice failed"))

	<-a.closed
	<-b.closed
	assert.Empty(t, b.messages)
	assert.Len(t, a.errs, 1)
	assert.ErrorIs(t, p.B.Send([]byte("x")), ErrChannelClosed)
}

func TestEventsBeforeBindAreBuffered(t *testing.T) {
	p := NewPipe(PipeOptions{})
	p.Open()
	require.NoError(t, p.A.Send([]byte("hello")))

	time.Sleep(20 * time.Millisecond)
	b := newRecorder()
	p.B.Bind(b)

	got := b.waitMessages(t, 1)
	assert.Equal(t, "hello", string(got[0]))
	b.mu.Lock()
	assert.True(t, b.opened)
	b.mu.Unlock()
}
