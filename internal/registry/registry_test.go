package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"peerdrop/internal/config"
	"peerdrop/pkg/types"
	"peerdrop/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(config.RegistryConfig{
		DatabasePath:    ":memory:",
		TransferTTL:     time.Hour,
		CodeLength:      6,
		MaxCodeAttempts: 10,
	}, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

var sampleMetadata = types.FileMetadata{
	Name:     "report.pdf",
	Size:     2048,
	Type:     "application/pdf",
	Checksum: strings.Repeat("ab", 32),
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ticket, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata})
	require.NoError(t, err)
	assert.True(t, utils.IsValidCode(ticket.Code, 6))
	assert.Len(t, ticket.Token, 32)
	assert.NotContains(t, ticket.Token, "-")

	info, err := s.LookupTransfer(ctx, ticket.Code, "")
	require.NoError(t, err)
	assert.Equal(t, sampleMetadata, info.Metadata)
	assert.False(t, info.Protected)
	assert.Equal(t, 1, info.RemainingDownloads)

	_, err = s.LookupTransfer(ctx, "zzzzzz", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	bad := sampleMetadata
	bad.Checksum = "xyz"
	_, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: bad})
	assert.Error(t, err)

	_, err = s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata, MaxRecipients: -1})
	assert.ErrorIs(t, err, ErrInvalidRecipients)
}

func TestUniqueCodes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	seen := make(map[string]bool)
	for range 50 {
		ticket, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata})
		require.NoError(t, err)
		assert.False(t, seen[ticket.Code], "duplicate code %s", ticket.Code)
		seen[ticket.Code] = true
	}
}

func TestPasswordProtection(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ticket, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata, Password: "hunter2"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{"missing", "", ErrPasswordRequired},
		{"wrong", "hunter3", ErrWrongPassword},
		{"correct", "hunter2", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := s.LookupTransfer(ctx, ticket.Code, tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, info.Protected)
		})
	}
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	ticket, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = s.LookupTransfer(ctx, ticket.Code, "")
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, s.Complete(ctx, ticket.Token), ErrExpired)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.LookupTransfer(ctx, ticket.Code, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteIsOneTime(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ticket, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata})
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, ticket.Token))
	assert.ErrorIs(t, s.Complete(ctx, ticket.Token), ErrAlreadyComplete)
	assert.ErrorIs(t, s.Complete(ctx, "0123456789abcdef0123456789abcdef"), ErrInvalidToken)

	_, err = s.LookupTransfer(ctx, ticket.Code, "")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestCompleteMultipleRecipients(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	ticket, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata, MaxRecipients: 2})
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, ticket.Token))
	info, err := s.LookupTransfer(ctx, ticket.Code, "")
	require.NoError(t, err)
	assert.Equal(t, 1, info.RemainingDownloads)

	require.NoError(t, s.Complete(ctx, ticket.Token))
	assert.ErrorIs(t, s.Complete(ctx, ticket.Token), ErrAlreadyComplete)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{}, *stats)

	a, err := s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata, MaxRecipients: 3})
	require.NoError(t, err)
	_, err = s.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: sampleMetadata})
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, a.Token))
	require.NoError(t, s.Complete(ctx, a.Token))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.CompletedTransfers)
	assert.Equal(t, int64(2*2048), stats.BytesTransferred)
}

func TestPasswordHash(t *testing.T) {
	hash, err := hashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := verifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyPassword("battery staple", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyPassword("x", "$bcrypt$nope")
	assert.ErrorIs(t, err, errMalformedHash)
}
