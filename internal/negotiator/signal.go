package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"peerdrop/internal/errdefs"
	"peerdrop/internal/relay"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var errRelayClosed = errors.New("signaling subscription ended")

// Negotiate runs the offer/answer and candidate exchange for code over r
// and returns once the connection is Connected.
func (n *Negotiator) Negotiate(ctx context.Context, r relay.Relay, code string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := n.log.WithField("code", code)

	// Candidates are held back until our description is published so the
	// peer never sees them ahead of it.
	candidates := make(chan webrtc.ICECandidateInit, 64)
	n.OnLocalCandidate(func(c webrtc.ICECandidateInit) {
		select {
		case candidates <- c:
		default:
			log.Warn("Local candidate backlog full, dropping candidate")
		}
	})
	defer n.OnLocalCandidate(nil)

	sub, err := r.Subscribe(ctx, code)
	if err != nil {
		return errdefs.Negotiation("subscribe", err)
	}

	publish := func(kind relay.Kind, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return r.Publish(ctx, code, relay.Envelope{
			Kind:      kind,
			Payload:   raw,
			From:      n.id,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	startTrickle := func() {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case c := <-candidates:
					if err := publish(relay.KindICECandidate, c); err != nil && ctx.Err() == nil {
						log.WithError(err).Warn("Failed to publish local candidate")
					}
				}
			}
		}()
	}

	if n.role == Offerer {
		offer, err := n.CreateOffer(ctx)
		if err != nil {
			return err
		}
		if err := publish(relay.KindOffer, offer); err != nil {
			return errdefs.Negotiation("publish offer", err)
		}
		log.Debug("Published offer")
		startTrickle()
	}

	for {
		select {
		case <-n.connectedCh:
			log.Debug("Negotiation complete")
			return nil
		case <-n.doneCh:
			return n.Err()
		case <-ctx.Done():
			return errdefs.Negotiation("negotiate", ctx.Err())
		case env, ok := <-sub:
			if !ok {
				if ctx.Err() != nil {
					return errdefs.Negotiation("negotiate", ctx.Err())
				}
				return errdefs.Negotiation("negotiate", errRelayClosed)
			}
			if env.From == n.id {
				continue
			}
			if err := n.handleEnvelope(ctx, env, publish, startTrickle, log); err != nil {
				return err
			}
		}
	}
}

func (n *Negotiator) handleEnvelope(
	ctx context.Context,
	env relay.Envelope,
	publish func(relay.Kind, any) error,
	startTrickle func(),
	log *logrus.Entry,
) error {
	switch env.Kind {
	case relay.KindOffer:
		if n.role != Answerer {
			log.Debug("Ignoring offer from another offerer")
			return nil
		}
		n.mu.Lock()
		answered := n.remoteSet
		n.mu.Unlock()
		if answered {
			log.Debug("Ignoring repeated offer")
			return nil
		}

		var offer webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &offer); err != nil {
			return errdefs.Negotiation("decode offer", err)
		}
		answer, err := n.AcceptOffer(ctx, offer)
		if err != nil {
			return err
		}
		if err := publish(relay.KindAnswer, answer); err != nil {
			return errdefs.Negotiation("publish answer", err)
		}
		log.Debug("Published answer")
		startTrickle()

	case relay.KindAnswer:
		if n.role != Offerer {
			return nil
		}
		n.mu.Lock()
		answered := n.remoteSet
		n.mu.Unlock()
		if answered {
			log.Debug("Ignoring repeated answer")
			return nil
		}

		var answer webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &answer); err != nil {
			return errdefs.Negotiation("decode answer", err)
		}
		if err := n.AcceptAnswer(ctx, answer); err != nil {
			return err
		}
		log.Debug("Applied answer")

	case relay.KindICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return errdefs.Negotiation("decode candidate", err)
		}
		if err := n.AddRemoteCandidate(c); err != nil {
			return err
		}

	default:
		log.WithField("kind", env.Kind).Warn("Ignoring unknown signaling envelope")
	}
	return nil
}
