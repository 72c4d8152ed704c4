package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultHistorySize = 10
	DefaultTTL         = 10 * time.Minute

	subscriberBuffer = 256
)

// Memory is an in-process relay. Each code is a topic holding the last few
// envelopes and the current subscribers; idle topics expire after the TTL.
type Memory struct {
	mu      sync.Mutex
	topics  map[string]*topic
	history int
	ttl     time.Duration
	now     func() time.Time
	closed  bool
}

type topic struct {
	history   []Envelope
	subs      map[*subscription]struct{}
	expiresAt time.Time
}

type subscription struct {
	ch   chan Envelope
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// MemoryOption configures a Memory relay.
type MemoryOption func(*Memory)

// WithHistorySize sets how many envelopes per code are replayed to new subscribers.
func WithHistorySize(n int) MemoryOption {
	return func(m *Memory) { m.history = n }
}

// WithTTL sets how long a code survives without activity.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty relay.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		topics:  make(map[string]*topic),
		history: DefaultHistorySize,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// topicLocked returns the topic for code, creating it if needed. m.mu must be held.
func (m *Memory) topicLocked(code string) *topic {
	t, ok := m.topics[code]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{})}
		m.topics[code] = t
	}
	t.expiresAt = m.now().Add(m.ttl)
	return t
}

func (m *Memory) Publish(ctx context.Context, code string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	env.Code = code
	if env.Timestamp == 0 {
		env.Timestamp = m.now().UnixMilli()
	}

	t := m.topicLocked(code)
	t.history = trimHistory(append(t.history, env), m.history)

	for sub := range t.subs {
		select {
		case sub.ch <- env:
		default:
			logrus.WithFields(logrus.Fields{"code": code, "kind": env.Kind}).Warn("Relay subscriber lagging, envelope dropped")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, code string) (<-chan Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	t := m.topicLocked(code)
	sub := &subscription{ch: make(chan Envelope, subscriberBuffer+m.history)}
	for _, env := range t.history {
		sub.ch <- env
	}
	t.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if t, ok := m.topics[code]; ok {
			delete(t.subs, sub)
		}
		m.mu.Unlock()
		sub.close()
	}()

	return sub.ch, nil
}

// trimHistory keeps at most limit envelopes, evicting the oldest candidate
// first so a late subscriber still sees the session descriptions.
func trimHistory(history []Envelope, limit int) []Envelope {
	for len(history) > limit {
		victim := 0
		for i, env := range history {
			if env.Kind == KindICECandidate {
				victim = i
				break
			}
		}
		history = append(history[:victim], history[victim+1:]...)
	}
	return history
}

// Remove drops a code and ends its subscriptions.
func (m *Memory) Remove(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[code]; ok {
		m.dropLocked(code, t)
	}
}

func (m *Memory) dropLocked(code string, t *topic) {
	for sub := range t.subs {
		sub.close()
	}
	delete(m.topics, code)
}

// Sweep removes every topic whose TTL has elapsed and returns how many went.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for code, t := range m.topics {
		if now.After(t.expiresAt) {
			m.dropLocked(code, t)
			removed++
		}
	}
	return removed
}

// Len returns the number of live topics.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics)
}

// Run sweeps expired topics every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				logrus.WithField("expired", n).Debug("Swept signaling sessions")
			}
		}
	}
}

// Close ends all subscriptions and rejects further use.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for code, t := range m.topics {
		m.dropLocked(code, t)
	}
}
