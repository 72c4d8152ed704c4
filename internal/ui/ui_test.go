package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"peerdrop/internal/transfer"
	"peerdrop/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var meta = types.FileMetadata{
	Name:     "notes.txt",
	Size:     3 * 1000 * 1000,
	Type:     "text/plain",
	Checksum: strings.Repeat("9e", 32),
}

func TestTrackReturnsDoneEvent(t *testing.T) {
	events := make(chan transfer.Event, 8)
	events <- transfer.StateEvent{From: "Ready", To: "Transferring"}
	events <- transfer.ProgressEvent{Progress: transfer.Progress{Bytes: 1000 * 1000, TotalBytes: meta.Size, Metadata: &meta}}
	events <- transfer.DoneEvent{Progress: transfer.Progress{Bytes: meta.Size, TotalBytes: meta.Size, Metadata: &meta}}
	close(events)

	var out bytes.Buffer
	p := NewProgressUI(&out, "Sending")
	ev := p.Track(context.Background(), events)

	require.IsType(t, transfer.DoneEvent{}, ev)
	assert.Contains(t, out.String(), "Sending notes.txt")
	assert.Greater(t, p.Elapsed(), time.Duration(0))
}

func TestTrackReturnsFailure(t *testing.T) {
	cause := errors.New("boom")
	events := make(chan transfer.Event, 1)
	events <- transfer.FailedEvent{Err: cause}

	ev := NewProgressUI(&bytes.Buffer{}, "Receiving").Track(context.Background(), events)
	failed, ok := ev.(transfer.FailedEvent)
	require.True(t, ok)
	assert.Equal(t, cause, failed.Err)
}

func TestTrackStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewProgressUI(&bytes.Buffer{}, "Receiving")
	assert.Nil(t, p.Track(ctx, make(chan transfer.Event)))
	assert.Zero(t, p.Elapsed())
}

func TestConsoleOutput(t *testing.T) {
	var out bytes.Buffer
	c := NewConsoleUI(strings.NewReader(""), &out, 0)

	c.ShowTicket(&types.Ticket{Code: "Ab12Cd", ExpiresAt: time.Now().Add(24 * time.Hour)}, meta)
	assert.Contains(t, out.String(), "Transfer code: Ab12Cd")
	assert.Contains(t, out.String(), "3.0 MB")

	out.Reset()
	c.ShowTransferSummary("received", meta, 2*time.Second, "/tmp/notes.txt")
	assert.Contains(t, out.String(), "File received successfully!")
	assert.Contains(t, out.String(), "1.5 MB/s")
	assert.Contains(t, out.String(), "/tmp/notes.txt")
}

func TestInputCode(t *testing.T) {
	var out bytes.Buffer
	c := NewConsoleUI(strings.NewReader("nope\nQw3rTy\n"), &out, 6)
	code, err := c.InputCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Qw3rTy", code)
	assert.Equal(t, 2, strings.Count(out.String(), "Enter code from sender"))
}
