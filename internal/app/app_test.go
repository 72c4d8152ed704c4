package app

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"peerdrop/internal/config"
	"peerdrop/internal/errdefs"
	"peerdrop/internal/file"
	"peerdrop/internal/registry"
	"peerdrop/internal/transport"
	"peerdrop/internal/ui"
	"peerdrop/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeLink is a Link over one end of an in-memory pipe.
type pipeLink struct {
	end    *transport.PipeEnd
	doneCh chan struct{}
	once   sync.Once
}

func newPipeLink(end *transport.PipeEnd) *pipeLink {
	return &pipeLink{end: end, doneCh: make(chan struct{})}
}

func (l *pipeLink) Conn() transport.Connection { return l.end }
func (l *pipeLink) Done() <-chan struct{}      { return l.doneCh }
func (l *pipeLink) Err() error                 { return errdefs.Channel("connection", errLinkClosed) }
func (l *pipeLink) Close() error               { return l.end.Close() }

func (l *pipeLink) drop() {
	l.once.Do(func() { close(l.doneCh) })
}

type pipeConnector struct {
	link  *pipeLink
	calls int
	mu    sync.Mutex
}

func (c *pipeConnector) Connect(_ context.Context, _ string) (Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.link, nil
}

// ticketRegistry hands out tickets as the sender registers them.
type ticketRegistry struct {
	registry.Registry
	tickets chan *types.Ticket
}

func (r *ticketRegistry) CreateTransfer(ctx context.Context, req types.CreateTransferRequest) (*types.Ticket, error) {
	ticket, err := r.Registry.CreateTransfer(ctx, req)
	if err == nil {
		r.tickets <- ticket
	}
	return ticket, err
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.WebRTC.HandshakeTimeout = 5 * time.Second
	cfg.WebRTC.DrainPollInterval = time.Millisecond
	cfg.Transfer.IdleTimeout = 5 * time.Second
	cfg.Transfer.AckTimeout = 5 * time.Second
	return cfg
}

func newTestRegistry(t *testing.T) *ticketRegistry {
	t.Helper()
	store, err := registry.Open(config.RegistryConfig{DatabasePath: ":memory:", TransferTTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &ticketRegistry{Registry: store, tickets: make(chan *types.Ticket, 1)}
}

func writeTestFile(t *testing.T, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(42)).Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func console() *ui.ConsoleUI {
	return ui.NewConsoleUI(strings.NewReader(""), io.Discard, 0)
}

func TestSendAndReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	cfg := testConfig()
	reg := newTestRegistry(t)
	files := file.NewFileService()
	path, data := writeTestFile(t, "holiday.jpg", 200*1024)

	pipe := transport.NewPipe(transport.PipeOptions{LowThreshold: 64 * 1024})
	pipe.Open()
	t.Cleanup(func() { pipe.Fail(nil) })

	sendErr := make(chan error, 1)
	go func() {
		s := NewSenderApp(cfg, reg, &pipeConnector{link: newPipeLink(pipe.A)}, files, console())
		sendErr <- s.Run(ctx, &SenderOptions{FilePath: path, Password: "hunter2"})
	}()

	var ticket *types.Ticket
	select {
	case ticket = <-reg.tickets:
	case <-ctx.Done():
		t.Fatal("sender never registered the transfer")
	}

	dst := t.TempDir()
	r := NewReceiverApp(cfg, reg, &pipeConnector{link: newPipeLink(pipe.B)}, files, console())
	saved, err := r.Run(ctx, &ReceiverOptions{DestPath: dst, Code: ticket.Code, Password: "hunter2"})
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	assert.Equal(t, filepath.Join(dst, "holiday.jpg"), saved)
	got, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "saved file differs from source")

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CompletedTransfers)
	assert.Equal(t, int64(len(data)), stats.BytesTransferred)

	_, err = reg.LookupTransfer(ctx, ticket.Code, "hunter2")
	assert.ErrorIs(t, err, registry.ErrExhausted)
}

func TestReceiverRejectsWrongPasswordBeforeConnecting(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	ticket, err := reg.CreateTransfer(ctx, types.CreateTransferRequest{
		Metadata: types.FileMetadata{Name: "a.txt", Size: 1, Type: "text/plain", Checksum: strings.Repeat("00", 32)},
		Password: "right",
	})
	require.NoError(t, err)

	connector := &pipeConnector{}
	r := NewReceiverApp(testConfig(), reg, connector, file.NewFileService(), console())
	_, err = r.Run(ctx, &ReceiverOptions{DestPath: t.TempDir(), Code: ticket.Code, Password: "wrong"})
	assert.ErrorIs(t, err, registry.ErrWrongPassword)
	assert.Zero(t, connector.calls)
}

func TestReceiverPromptsForCode(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	in := strings.NewReader("bad\nZZZZZZ\n")
	var out bytes.Buffer
	r := NewReceiverApp(testConfig(), reg, &pipeConnector{}, file.NewFileService(), ui.NewConsoleUI(in, &out, 6))
	_, err := r.Run(ctx, &ReceiverOptions{DestPath: t.TempDir()})
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Contains(t, out.String(), "Invalid code")
}

// receiveFromSilentPeer registers a transfer and runs a receiver against a
// peer that never says anything.
func receiveFromSilentPeer(t *testing.T, cfg *config.Config, link func(*pipeLink)) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := newTestRegistry(t)
	ticket, err := reg.CreateTransfer(ctx, types.CreateTransferRequest{
		Metadata: types.FileMetadata{Name: "a.txt", Size: 10, Type: "text/plain", Checksum: strings.Repeat("00", 32)},
	})
	require.NoError(t, err)

	pipe := transport.NewPipe(transport.PipeOptions{})
	pipe.Open()
	t.Cleanup(func() { pipe.Fail(nil) })

	l := newPipeLink(pipe.B)
	if link != nil {
		go link(l)
	}
	r := NewReceiverApp(cfg, reg, &pipeConnector{link: l}, file.NewFileService(), console())
	_, err = r.Run(ctx, &ReceiverOptions{DestPath: t.TempDir(), Code: ticket.Code})
	return err
}

func TestReceiverAbortsWhenIdle(t *testing.T) {
	cfg := testConfig()
	cfg.Transfer.IdleTimeout = 100 * time.Millisecond

	err := receiveFromSilentPeer(t, cfg, nil)
	assert.ErrorIs(t, err, errdefs.ErrChannel)
	assert.ErrorIs(t, err, errIdle)
}

func TestReceiverAbortsWhenLinkDrops(t *testing.T) {
	err := receiveFromSilentPeer(t, testConfig(), func(l *pipeLink) {
		time.Sleep(50 * time.Millisecond)
		l.drop()
	})
	assert.ErrorIs(t, err, errdefs.ErrChannel)
}
