package services

import (
	"context"
	"errors"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// Negotiator drives one direct-mode offer/answer exchange. It lives for a
// single call and is discarded when the call ends.
//
// Remote ICE candidates that arrive before the remote description are held
// in arrival order and applied right after the description is set.
type Negotiator struct {
	mu        sync.Mutex
	pc        ports.PeerConnection
	signaling ports.SignalingChannel
	local     domain.PeerID
	remote    domain.PeerID
	state     domain.SignalingState
	remoteSet bool
	pending   []domain.ICECandidateInit
	logger    *zap.SugaredLogger

	// ctx bounds the fire-and-forget sends triggered by pion callbacks.
	ctx context.Context
}

func NewNegotiator(
	ctx context.Context,
	pc ports.PeerConnection,
	signaling ports.SignalingChannel,
	local, remote domain.PeerID,
	logger *zap.SugaredLogger,
) *Negotiator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := &Negotiator{
		pc:        pc,
		signaling: signaling,
		local:     local,
		remote:    remote,
		state:     domain.SignalingStateNew,
		logger:    logger.With("remote_peer", remote),
		ctx:       ctx,
	}
	pc.OnICECandidate(func(c domain.ICECandidateInit) {
		if err := n.OnLocalIceCandidate(n.ctx, c); err != nil {
			n.logger.Warnw("failed to forward local candidate", "error", err)
		}
	})
	return n
}

func (n *Negotiator) State() domain.SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// PendingCandidates is the number of buffered remote candidates.
func (n *Negotiator) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// CreateOffer is only valid from the new state.
func (n *Negotiator) CreateOffer(ctx context.Context) error {
	n.mu.Lock()
	if n.state != domain.SignalingStateNew {
		state := n.state
		n.mu.Unlock()
		return domain.NewNegotiationError(nil, "cannot create offer in state %s", state)
	}
	offer, err := n.pc.CreateOffer()
	if err != nil {
		n.mu.Unlock()
		return domain.NewNegotiationError(err, "create offer")
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.mu.Unlock()
		return domain.NewNegotiationError(err, "set local offer")
	}
	n.state = domain.SignalingStateHaveLocalOffer
	n.mu.Unlock()

	n.logger.Debugw("sending offer")
	if err := n.signaling.Notify(ctx, domain.EventOffer, domain.OfferEvent{From: n.local, To: n.remote, Offer: offer}); err != nil {
		return domain.NewNegotiationError(err, "send offer")
	}
	return nil
}

// OnOffer applies a remote offer and replies with an answer.
func (n *Negotiator) OnOffer(ctx context.Context, offer domain.SessionDescription) error {
	n.mu.Lock()
	if n.state != domain.SignalingStateNew {
		state := n.state
		n.mu.Unlock()
		return domain.NewNegotiationError(nil, "unexpected offer in state %s", state)
	}
	if err := n.applyRemoteLocked(offer, domain.SignalingStateHaveRemoteOffer); err != nil {
		n.mu.Unlock()
		return err
	}
	answer, err := n.pc.CreateAnswer()
	if err != nil {
		n.mu.Unlock()
		return domain.NewNegotiationError(err, "create answer")
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.mu.Unlock()
		return domain.NewNegotiationError(err, "set local answer")
	}
	n.mu.Unlock()

	n.logger.Debugw("sending answer")
	if err := n.signaling.Notify(ctx, domain.EventAnswer, domain.AnswerEvent{From: n.local, To: n.remote, Answer: answer}); err != nil {
		return domain.NewNegotiationError(err, "send answer")
	}

	n.mu.Lock()
	if n.state == domain.SignalingStateHaveRemoteOffer {
		n.state = domain.SignalingStateStable
	}
	n.mu.Unlock()
	return nil
}

// OnAnswer is only valid after our own offer went out.
func (n *Negotiator) OnAnswer(ctx context.Context, answer domain.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != domain.SignalingStateHaveLocalOffer {
		return domain.NewNegotiationError(nil, "unexpected answer in state %s", n.state)
	}
	return n.applyRemoteLocked(answer, domain.SignalingStateStable)
}

// OnRemoteIceCandidate applies c, or buffers it until a remote description exists.
func (n *Negotiator) OnRemoteIceCandidate(c domain.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == domain.SignalingStateClosed {
		return nil
	}
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		n.logger.Debugw("buffered remote candidate", "pending", len(n.pending))
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return domain.NewNegotiationError(err, "add remote candidate")
	}
	return nil
}

// OnLocalIceCandidate forwards a gathered candidate to the remote peer.
func (n *Negotiator) OnLocalIceCandidate(ctx context.Context, c domain.ICECandidateInit) error {
	if n.State() == domain.SignalingStateClosed {
		return nil
	}
	return n.signaling.Notify(ctx, domain.EventIceCandidate, domain.IceCandidateEvent{
		Candidate: c,
		By:        n.local,
		To:        n.remote,
	})
}

// Close tears the peer connection down. Safe to call more than once.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.state == domain.SignalingStateClosed {
		n.mu.Unlock()
		return nil
	}
	n.state = domain.SignalingStateClosed
	n.pending = nil
	n.mu.Unlock()

	return n.pc.Close()
}

func (n *Negotiator) applyRemoteLocked(desc domain.SessionDescription, next domain.SignalingState) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return domain.NewNegotiationError(err, "set remote %s", desc.Type)
	}
	n.remoteSet = true
	n.state = next

	pending := n.pending
	n.pending = nil
	var errs []error
	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(pending) > 0 {
		n.logger.Debugw("flushed buffered candidates", "count", len(pending), "failed", len(errs))
	}
	if len(errs) > 0 {
		return domain.NewNegotiationError(errors.Join(errs...), "apply buffered candidates")
	}
	return nil
}
