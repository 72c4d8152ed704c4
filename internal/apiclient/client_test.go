package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peerdrop/internal/config"
	"peerdrop/internal/registry"
	"peerdrop/internal/relay"
	"peerdrop/internal/server"
	"peerdrop/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	store, err := registry.Open(config.RegistryConfig{DatabasePath: ":memory:", TransferTTL: time.Hour})
	require.NoError(t, err)
	r := relay.NewMemory()
	ts := httptest.NewServer(server.New(config.ServerConfig{}, store, r).Handler())
	t.Cleanup(func() {
		r.Close()
		ts.Close()
		_ = store.Close()
	})
	return New(ts.URL + "/")
}

var metadata = types.FileMetadata{
	Name:     "movie.mkv",
	Size:     1 << 30,
	Type:     "video/x-matroska",
	Checksum: strings.Repeat("c3", 32),
}

func TestRegistryOverHTTP(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	ticket, err := c.CreateTransfer(ctx, types.CreateTransferRequest{Metadata: metadata, Password: "s3cret"})
	require.NoError(t, err)
	assert.Len(t, ticket.Code, 6)

	_, err = c.LookupTransfer(ctx, ticket.Code, "")
	assert.ErrorIs(t, err, registry.ErrPasswordRequired)
	_, err = c.LookupTransfer(ctx, ticket.Code, "guess")
	assert.ErrorIs(t, err, registry.ErrWrongPassword)

	info, err := c.LookupTransfer(ctx, ticket.Code, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, metadata, info.Metadata)
	assert.True(t, info.Protected)

	require.NoError(t, c.Complete(ctx, ticket.Token))
	assert.ErrorIs(t, c.Complete(ctx, ticket.Token), registry.ErrAlreadyComplete)
	assert.ErrorIs(t, c.Complete(ctx, "feedface"), registry.ErrInvalidToken)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CompletedTransfers)
	assert.Equal(t, metadata.Size, stats.BytesTransferred)
}

func TestRelayOverHTTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := newTestClient(t)

	require.NoError(t, c.Publish(ctx, "Xy12Ab", relay.Envelope{
		Kind:    relay.KindOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0\r\n"}`),
		From:    "offerer",
	}))

	sub, err := c.Subscribe(ctx, "Xy12Ab")
	require.NoError(t, err)

	next := func() relay.Envelope {
		select {
		case env, ok := <-sub:
			require.True(t, ok)
			return env
		case <-ctx.Done():
			t.Fatal("timed out waiting for envelope")
			return relay.Envelope{}
		}
	}

	env := next()
	assert.Equal(t, relay.KindOffer, env.Kind)
	assert.Equal(t, "offerer", env.From)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0\r\n"}`, string(env.Payload))

	require.NoError(t, c.Publish(ctx, "Xy12Ab", relay.Envelope{
		Kind:    relay.KindAnswer,
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0\r\n"}`),
		From:    "answerer",
	}))
	assert.Equal(t, relay.KindAnswer, next().Kind)

	cancel()
	select {
	case _, ok := <-sub:
		for ok {
			_, ok = <-sub
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestAPIErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).Stats(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Contains(t, err.Error(), "Bad Gateway")

	_, err = New(ts.URL).Subscribe(context.Background(), "abc123")
	assert.ErrorAs(t, err, &apiErr)
}
