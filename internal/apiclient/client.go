// Package apiclient talks to a peerdrop server. A Client is a
// registry.Registry, a relay.Relay and a transfer.Completer.
package apiclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"peerdrop/internal/registry"
	"peerdrop/internal/relay"
	"peerdrop/internal/server"
	"peerdrop/pkg/types"

	"github.com/sirupsen/logrus"
)

const maxEventBytes = 1024 * 1024

// APIError is a non-2xx response the server did not map to a registry error.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client calls the server's JSON API. Event streams use a separate
// http.Client without an overall timeout.
type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	log     *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls and
// event streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.stream = hc
	}
}

// New creates a client for the server at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		stream:  &http.Client{},
		log:     logrus.WithField("component", "apiclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateTransfer(ctx context.Context, req types.CreateTransferRequest) (*types.Ticket, error) {
	var ticket types.Ticket
	if err := c.do(ctx, http.MethodPost, "/api/transfers", req, nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (c *Client) LookupTransfer(ctx context.Context, code, password string) (*types.TransferInfo, error) {
	var header http.Header
	if password != "" {
		header = http.Header{server.PasswordHeader: []string{password}}
	}
	var info types.TransferInfo
	if err := c.do(ctx, http.MethodGet, "/api/transfers/"+url.PathEscape(code), nil, header, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Complete redeems the verification token carried by the last chunk.
func (c *Client) Complete(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/complete", map[string]string{"token": token}, nil, nil)
}

func (c *Client) Stats(ctx context.Context) (*types.Stats, error) {
	var stats types.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) Publish(ctx context.Context, code string, env relay.Envelope) error {
	return c.do(ctx, http.MethodPost, "/api/signal/"+url.PathEscape(code), env, nil, nil)
}

// Subscribe opens the server's event stream for code. The channel closes
// when ctx is done or the stream ends.
func (c *Client) Subscribe(ctx context.Context, code string) (<-chan relay.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/signal/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	out := make(chan relay.Envelope, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

		var data []byte
		for scanner.Scan() {
			line := scanner.Bytes()
			switch {
			case len(line) == 0:
				if len(data) == 0 {
					continue
				}
				var env relay.Envelope
				if err := json.Unmarshal(data, &env); err != nil {
					c.log.WithError(err).Warn("Skipping malformed signaling event")
				} else {
					select {
					case out <- env:
					case <-ctx.Done():
						return
					}
				}
				data = data[:0]
			case bytes.HasPrefix(line, []byte("data:")):
				if len(data) > 0 {
					data = append(data, '\n')
				}
				data = append(data, bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" "))...)
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("Signaling event stream ended")
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// decodeError turns an error body back into a registry sentinel when the
// server sent one.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)

	if sentinel := registry.FromErrorCode(body.Code); sentinel != nil {
		return sentinel
	}
	apiErr := &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

var _ interface {
	registry.Registry
	relay.Relay
} = (*Client)(nil)
