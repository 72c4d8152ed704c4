package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"peerdrop/internal/config"
	"peerdrop/internal/negotiator"
	"peerdrop/internal/relay"
	"peerdrop/internal/transport"

	"github.com/sirupsen/logrus"
)

var errLinkClosed = errors.New("peer connection closed")

// sessionClearer is a relay that keeps signaling history until told to drop it.
type sessionClearer interface {
	Delete(ctx context.Context, code string) error
}

// Link is an established peer-to-peer data path for one session.
type Link interface {
	Conn() transport.Connection
	// Done is closed when the underlying connection is lost.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Connector establishes a Link with the peer holding the same transfer code.
type Connector interface {
	Connect(ctx context.Context, code string) (Link, error)
}

// PeerConnector negotiates a WebRTC data channel over a signaling relay.
type PeerConnector struct {
	role   negotiator.Role
	relay  relay.Relay
	config config.WebRTCConfig
}

func NewPeerConnector(role negotiator.Role, r relay.Relay, cfg config.WebRTCConfig) *PeerConnector {
	return &PeerConnector{role: role, relay: r, config: cfg}
}

func (p *PeerConnector) Connect(ctx context.Context, code string) (Link, error) {
	neg, err := negotiator.New(p.role, negotiator.Options{
		ICEServers:                 p.config.PionICEServers(),
		BufferedAmountLowThreshold: p.config.BufferedAmountLowThreshold,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.NegotiationTimeout)
	defer cancel()

	logrus.WithFields(logrus.Fields{"role": p.role.String(), "code": code}).Info("Connecting to peer")
	if err := neg.Negotiate(ctx, p.relay, code); err != nil {
		_ = neg.Close()
		return nil, fmt.Errorf("failed during signalling process: %w", err)
	}
	dc, err := neg.DataChannel(ctx)
	if err != nil {
		_ = neg.Close()
		return nil, fmt.Errorf("failed to open data channel: %w", err)
	}
	link := &peerLink{neg: neg, dc: dc, code: code}
	if c, ok := p.relay.(sessionClearer); ok {
		link.clearer = c
	}
	return link, nil
}

type peerLink struct {
	neg     *negotiator.Negotiator
	dc      *transport.DataChannel
	code    string
	clearer sessionClearer
}

func (l *peerLink) Conn() transport.Connection {
	return l.dc
}

func (l *peerLink) Done() <-chan struct{} {
	return l.neg.Done()
}

func (l *peerLink) Err() error {
	if err := l.neg.Err(); err != nil {
		return err
	}
	return errLinkClosed
}

func (l *peerLink) Close() error {
	if l.clearer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.clearer.Delete(ctx, l.code); err != nil {
			logrus.WithError(err).Warn("Failed to clear signaling session")
		}
	}
	return l.neg.Close()
}
