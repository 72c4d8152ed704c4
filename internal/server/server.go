// Package server exposes the transfer registry and the signaling relay over
// HTTP so two peers on different machines can find each other.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"peerdrop/internal/config"
	"peerdrop/internal/registry"
	"peerdrop/internal/relay"
	"peerdrop/pkg/types"

	"github.com/sirupsen/logrus"
)

const (
	// PasswordHeader carries the transfer password on lookups.
	PasswordHeader = "X-Transfer-Password"

	maxBodyBytes      = 256 * 1024
	keepAliveInterval = 15 * time.Second
	janitorInterval   = time.Minute
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)

// Server serves the registry and relay routes.
type Server struct {
	registry registry.Registry
	relay    *relay.Memory
	cfg      config.ServerConfig
	http     *http.Server
	log      *logrus.Entry
}

// New creates a server. It does not listen until Run or Serve is called.
func New(cfg config.ServerConfig, reg registry.Registry, r *relay.Memory) *Server {
	s := &Server{
		registry: reg,
		relay:    r,
		cfg:      cfg,
		log:      logrus.WithField("component", "server"),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/transfers", s.handleCreateTransfer)
	mux.HandleFunc("GET /api/transfers/{code}", s.handleLookupTransfer)
	mux.HandleFunc("POST /api/complete", s.handleComplete)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/signal/{code}", s.handlePublish)
	mux.HandleFunc("GET /api/signal/{code}", s.handleSubscribe)
	return s.logRequests(mux)
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

type purger interface {
	Run(ctx context.Context, interval time.Duration)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.relay.Run(ctx, janitorInterval)
	if p, ok := s.registry.(purger); ok {
		go p.Run(ctx, janitorInterval)
	}

	s.log.WithField("addr", ln.Addr().String()).Info("Server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()

	// open event streams would otherwise hold Shutdown until the timeout
	s.relay.Close()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("Server stopped")
	return nil
}

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req types.CreateTransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if err := req.Metadata.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	ticket, err := s.registry.CreateTransfer(r.Context(), req)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleLookupTransfer(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !codePattern.MatchString(code) {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("invalid transfer code"))
		return
	}

	info, err := s.registry.LookupTransfer(r.Context(), code, r.Header.Get(PasswordHeader))
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type completeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("token is required"))
		return
	}

	if err := s.registry.Complete(r.Context(), req.Token); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !codePattern.MatchString(code) {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("invalid transfer code"))
		return
	}

	var env relay.Envelope
	if err := decodeBody(w, r, &env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	switch env.Kind {
	case relay.KindOffer, relay.KindAnswer, relay.KindICECandidate:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("unknown envelope type %q", env.Kind))
		return
	}

	if err := s.relay.Publish(r.Context(), code, env); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSubscribe streams envelopes for a code as server-sent events.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !codePattern.MatchString(code) {
		writeError(w, http.StatusBadRequest, "bad_request", errors.New("invalid transfer code"))
		return
	}

	sub, err := s.relay.Subscribe(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.log.WithError(err).Warn("Event stream not supported by response writer")
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case env, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				s.log.WithError(err).Warn("Failed to encode envelope")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrInvalidToken):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, registry.ErrExhausted), errors.Is(err, registry.ErrAlreadyComplete):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrPasswordRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, registry.ErrWrongPassword):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrInvalidRecipients):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrCodeSpace):
		status = http.StatusServiceUnavailable
	}

	code := registry.ErrorCode(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("Registry operation failed")
		code, err = "internal", errors.New("internal error")
	}
	writeError(w, status, code, err)
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to write response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("Handled request")
	})
}
