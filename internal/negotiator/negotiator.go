// Package negotiator establishes the direct data channel between two peers
// by exchanging session descriptions and trickled ICE candidates.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peerdrop/internal/errdefs"
	"peerdrop/internal/transport"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DataChannelLabel names the single ordered channel a transfer runs on.
const DataChannelLabel = "fileTransfer"

// Options configures a Negotiator.
type Options struct {
	ICEServers                 []webrtc.ICEServer
	BufferedAmountLowThreshold uint64
	// IncludeLoopback gathers 127.0.0.1 candidates, for peers on one host.
	IncludeLoopback bool
}

// Negotiator owns one peer connection for exactly one session.
type Negotiator struct {
	pc   *webrtc.PeerConnection
	role Role
	id   string
	opts Options
	log  *logrus.Entry

	mu          sync.Mutex
	state       State
	err         error
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	onCandidate func(webrtc.ICECandidateInit)

	channelCh   chan *transport.DataChannel
	connectedCh chan struct{}
	doneCh      chan struct{}
}

// New creates the peer connection for role.
func New(role Role, opts Options) (*Negotiator, error) {
	settings := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
		settings.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, errdefs.Negotiation("create peer connection", err)
	}

	n := &Negotiator{
		pc:          pc,
		role:        role,
		id:          uuid.NewString(),
		opts:        opts,
		state:       StateNew,
		channelCh:   make(chan *transport.DataChannel, 1),
		connectedCh: make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	n.log = logrus.WithFields(logrus.Fields{"role": role.String(), "peer": n.id[:8]})

	pc.OnConnectionStateChange(n.handleConnectionStateChange)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			n.log.Debug("ICE gathering complete")
			return
		}
		n.mu.Lock()
		cb := n.onCandidate
		n.mu.Unlock()
		if cb != nil {
			cb(c.ToJSON())
		}
	})
	if role == Answerer {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != DataChannelLabel {
				n.log.WithField("label", dc.Label()).Warn("Ignoring unexpected data channel")
				return
			}
			n.offerChannel(transport.NewDataChannel(dc, opts.BufferedAmountLowThreshold))
		})
	}

	return n, nil
}

// ID identifies this peer in signaling envelopes.
func (n *Negotiator) ID() string {
	return n.id
}

func (n *Negotiator) Role() Role {
	return n.role
}

// OnLocalCandidate registers the sink for locally gathered candidates.
func (n *Negotiator) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

// CreateOffer opens the transfer channel and produces the local offer.
func (n *Negotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, errdefs.Negotiation("create offer", err)
	}

	ordered := true
	dc, err := n.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return webrtc.SessionDescription{}, errdefs.Negotiation("create data channel", err)
	}
	n.offerChannel(transport.NewDataChannel(dc, n.opts.BufferedAmountLowThreshold))

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errdefs.Negotiation("create offer", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errdefs.Negotiation("set local description", err)
	}

	n.setState(StateConnecting)
	return offer, nil
}

// AcceptOffer applies the remote offer and produces the local answer.
func (n *Negotiator) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, errdefs.Negotiation("accept offer", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errdefs.Negotiation("accept offer", fmt.Errorf("unexpected description type %s", offer.Type))
	}
	if err := n.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errdefs.Negotiation("create answer", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errdefs.Negotiation("set local description", err)
	}

	n.setState(StateConnecting)
	return answer, nil
}

// AcceptAnswer finalizes the offering side.
func (n *Negotiator) AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return errdefs.Negotiation("accept answer", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return errdefs.Negotiation("accept answer", fmt.Errorf("unexpected description type %s", answer.Type))
	}
	return n.setRemote(answer)
}

func (n *Negotiator) setRemote(sd webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(sd); err != nil {
		return errdefs.Negotiation("set remote description", err)
	}

	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			return errdefs.Negotiation("add queued candidate", err)
		}
	}
	if len(pending) > 0 {
		n.log.WithField("count", len(pending)).Debug("Applied queued remote candidates")
	}
	return nil
}

// AddRemoteCandidate incorporates a remote candidate. Candidates that arrive
// before the remote description are queued until it is applied.
func (n *Negotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(c); err != nil {
		return errdefs.Negotiation("add candidate", err)
	}
	return nil
}

func (n *Negotiator) offerChannel(dc *transport.DataChannel) {
	select {
	case n.channelCh <- dc:
	default:
		n.log.Warn("Data channel already established, ignoring another")
	}
}

func (n *Negotiator) handleConnectionStateChange(pcs webrtc.PeerConnectionState) {
	state, ok := fromPeerConnectionState(pcs)
	if !ok {
		return
	}
	if n.setState(state) && (state == StateDisconnected || state == StateFailed) {
		// no reconnection: release ICE and DTLS resources right away
		go func() {
			if err := n.pc.Close(); err != nil {
				n.log.WithError(err).Debug("Error closing peer connection")
			}
		}()
	}
}

// setState applies a transition and reports whether it happened.
func (n *Negotiator) setState(to State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	from := n.state
	if !canTransition(from, to) {
		if from != to {
			n.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("Ignoring connection state change")
		}
		return false
	}

	n.log.Infof("Connection state: %s -> %s", from, to)
	n.state = to

	switch {
	case to == StateConnected:
		close(n.connectedCh)
	case to.Terminal():
		cause := fmt.Errorf("peer connection %s", to)
		if from == StateConnected {
			n.err = errdefs.Channel("connection", cause)
		} else {
			n.err = errdefs.Negotiation("connection", cause)
		}
		close(n.doneCh)
	}
	return true
}

// State returns the current connection state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Done is closed once the connection reaches a terminal state.
func (n *Negotiator) Done() <-chan struct{} {
	return n.doneCh
}

// Err explains why Done was closed.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// WaitConnected blocks until the connection is Connected.
func (n *Negotiator) WaitConnected(ctx context.Context) error {
	select {
	case <-n.connectedCh:
		return nil
	case <-n.doneCh:
		return n.Err()
	case <-ctx.Done():
		return errdefs.Negotiation("wait connected", ctx.Err())
	}
}

// DataChannel waits for the connection and returns the transfer channel.
func (n *Negotiator) DataChannel(ctx context.Context) (*transport.DataChannel, error) {
	if err := n.WaitConnected(ctx); err != nil {
		return nil, err
	}
	select {
	case dc := <-n.channelCh:
		return dc, nil
	case <-n.doneCh:
		return nil, n.Err()
	case <-ctx.Done():
		return nil, errdefs.Negotiation("wait data channel", ctx.Err())
	}
}

// Close tears the connection down. It is safe to call more than once.
func (n *Negotiator) Close() error {
	n.setState(StateClosed)
	if err := n.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
