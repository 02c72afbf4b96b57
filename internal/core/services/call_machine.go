package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CallMachineConfig struct {
	Mode           domain.CallMode
	AutoRejectBusy bool
	Constraints    domain.MediaConstraints
	// NewRoomID names the SFU room of an outgoing call.
	NewRoomID func() domain.RoomID
}

func DefaultCallMachineConfig() CallMachineConfig {
	return CallMachineConfig{
		Mode:           domain.CallModeSFU,
		AutoRejectBusy: true,
		Constraints:    domain.DefaultMediaConstraints,
		NewRoomID:      func() domain.RoomID { return domain.RoomID(utils.NewRoomID()) },
	}
}

type CallMachineDeps struct {
	Signaling       ports.SignalingChannel
	Media           ports.MediaSource
	Orchestrator    *Orchestrator
	Recorder        *RecordingController
	PeerConnections ports.PeerConnectionFactory
	// Decider is optional; without it incoming calls wait for Accept or Reject.
	Decider  ports.IncomingCallDecider
	Observer ports.CallObserver
	Metrics  ports.CallMetrics
	Logger   *zap.SugaredLogger
}

// callSession is everything that belongs to one call. It is created when the
// machine leaves idle and dropped when it returns there.
type callSession struct {
	id             domain.CallID
	gen            uint64
	state          domain.CallState
	mode           domain.CallMode
	remote         domain.PeerID
	remoteUsername string
	roomID         domain.RoomID
	initiator      bool
	startedAt      time.Time
	negotiating    time.Time
	endReason      domain.EndReason
	err            error

	ctx    context.Context
	cancel context.CancelFunc

	stream          ports.LocalStream
	negotiator      *Negotiator
	earlyCandidates []domain.ICECandidateInit
	pendingOffer    *domain.SessionDescription
	// remoteKnows is set once the remote peer has heard of this call.
	remoteKnows bool
	ending      bool
}

// CallMachine is the per-client call lifecycle:
// idle -> outgoing|incoming -> negotiating -> active -> ended -> idle.
type CallMachine struct {
	cfg          CallMachineConfig
	signaling    ports.SignalingChannel
	media        ports.MediaSource
	orchestrator *Orchestrator
	recorder     *RecordingController
	pcs          ports.PeerConnectionFactory
	decider      ports.IncomingCallDecider
	observer     ports.CallObserver
	metrics      ports.CallMetrics
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	gen     uint64
	session *callSession
}

func NewCallMachine(cfg CallMachineConfig, deps CallMachineDeps) *CallMachine {
	if cfg.Mode == "" {
		cfg.Mode = domain.CallModeSFU
	}
	if cfg.NewRoomID == nil {
		cfg.NewRoomID = DefaultCallMachineConfig().NewRoomID
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	m := &CallMachine{
		cfg:          cfg,
		signaling:    deps.Signaling,
		media:        deps.Media,
		orchestrator: deps.Orchestrator,
		recorder:     deps.Recorder,
		pcs:          deps.PeerConnections,
		decider:      deps.Decider,
		observer:     deps.Observer,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
	}

	m.signaling.On(domain.EventIncomingCall, m.handleIncomingCall)
	m.signaling.On(domain.EventCallAccepted, m.handleCallAccepted)
	m.signaling.On(domain.EventCallRejected, m.handleCallRejected)
	m.signaling.On(domain.EventCallEnded, m.handleCallEnded)
	m.signaling.On(domain.EventOffer, m.handleOffer)
	m.signaling.On(domain.EventAnswer, m.handleAnswer)
	m.signaling.On(domain.EventIceCandidate, m.handleIceCandidate)
	m.signaling.OnConnectionState(m.handleConnectionState)

	if m.orchestrator != nil {
		m.orchestrator.OnRemoteConsumer(func(c ports.Consumer, peerID domain.PeerID) {
			m.observer.OnRemoteTrack(peerID, c.Track())
		})
	}
	return m
}

// Snapshot returns the current session, or an idle snapshot.
func (m *CallMachine) Snapshot() domain.CallSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return m.idleSnapshot()
	}
	return m.snapshotLocked(m.session)
}

func (m *CallMachine) State() domain.CallState {
	return m.Snapshot().State
}

// StartCall calls target. A second call while not idle fails with a busy
// error and leaves the existing session alone.
func (m *CallMachine) StartCall(ctx context.Context, target domain.PeerID) (err error) {
	if target == "" {
		return domain.NewPreconditionError("no call target")
	}
	if target == m.signaling.LocalPeerID() {
		return domain.NewPreconditionError("cannot call yourself")
	}

	m.mu.Lock()
	if m.session != nil {
		state, remote := m.session.state, m.session.remote
		m.mu.Unlock()
		return domain.NewBusyError("already %s with %s", state, remote)
	}
	s := m.newSessionLocked(domain.CallStateOutgoing, m.cfg.Mode, target, true)
	snap := m.snapshotLocked(s)
	m.mu.Unlock()

	m.metrics.CallStateChanged(domain.CallStateIdle, domain.CallStateOutgoing)
	m.observer.OnCallState(snap)
	m.logger.Infow("starting call", "call_id", s.id, "target", target, "mode", s.mode)

	ctx, span := tracing.TraceCall(ctx, "start", s.id.String())
	defer func() { tracing.EndSpan(span, err) }()
	ctx, release := m.bind(ctx, s)
	defer release()

	if s.mode == domain.CallModeDirect {
		err = m.startDirect(ctx, s)
	} else {
		err = m.startSFU(ctx, s)
	}
	if err != nil {
		m.fail(s, err)
	}
	return err
}

func (m *CallMachine) startSFU(ctx context.Context, s *callSession) error {
	if err := m.acquireMedia(ctx, s); err != nil {
		return err
	}

	roomID := m.cfg.NewRoomID()
	m.mu.Lock()
	s.roomID = roomID
	m.mu.Unlock()

	if err := m.enterRoom(ctx, s, roomID); err != nil {
		return err
	}

	if err := m.signaling.Notify(ctx, domain.EventCallUser, domain.CallUserEvent{
		TargetUserID: s.remote,
		RoomID:       roomID,
		Mode:         domain.CallModeSFU,
	}); err != nil {
		return err
	}
	m.mu.Lock()
	s.remoteKnows = true
	m.mu.Unlock()

	return m.transition(s, domain.CallStateActive)
}

func (m *CallMachine) startDirect(ctx context.Context, s *callSession) error {
	if err := m.acquireMedia(ctx, s); err != nil {
		return err
	}
	if err := m.signaling.Notify(ctx, domain.EventCallUser, domain.CallUserEvent{
		TargetUserID: s.remote,
		Mode:         domain.CallModeDirect,
	}); err != nil {
		return err
	}
	m.mu.Lock()
	s.remoteKnows = true
	m.mu.Unlock()
	// The offer goes out once the callee accepts.
	return nil
}

// Accept answers the ringing incoming call.
func (m *CallMachine) Accept(ctx context.Context) error {
	s, err := m.sessionIn(domain.CallStateIncoming)
	if err != nil {
		return err
	}
	return m.accept(ctx, s)
}

func (m *CallMachine) accept(ctx context.Context, s *callSession) (err error) {
	ctx, span := tracing.TraceCall(ctx, "accept", s.id.String())
	defer func() { tracing.EndSpan(span, err) }()
	ctx, release := m.bind(ctx, s)
	defer release()

	if err := m.transition(s, domain.CallStateNegotiating); err != nil {
		return err
	}

	if s.mode == domain.CallModeDirect {
		err = m.acceptDirect(ctx, s)
	} else {
		err = m.acceptSFU(ctx, s)
	}
	if err != nil {
		m.fail(s, err)
	}
	return err
}

func (m *CallMachine) acceptSFU(ctx context.Context, s *callSession) error {
	if s.roomID == "" {
		return domain.NewPreconditionError("incoming call from %s carries no room", s.remote)
	}
	if err := m.acquireMedia(ctx, s); err != nil {
		return err
	}
	if err := m.enterRoom(ctx, s, s.roomID); err != nil {
		return err
	}
	if err := m.signaling.Notify(ctx, domain.EventCallAccepted, domain.CallAcceptedEvent{CallerID: s.remote}); err != nil {
		return err
	}
	return m.transition(s, domain.CallStateActive)
}

func (m *CallMachine) acceptDirect(ctx context.Context, s *callSession) error {
	if err := m.acquireMedia(ctx, s); err != nil {
		return err
	}
	if err := m.openPeerConnection(ctx, s); err != nil {
		return err
	}
	if err := m.signaling.Notify(ctx, domain.EventCallAccepted, domain.CallAcceptedEvent{CallerID: s.remote}); err != nil {
		return err
	}

	m.mu.Lock()
	offer := s.pendingOffer
	s.pendingOffer = nil
	m.mu.Unlock()
	if offer != nil {
		return m.answerOffer(ctx, s, *offer)
	}
	return nil
}

// Reject declines the ringing incoming call.
func (m *CallMachine) Reject(ctx context.Context, reason domain.RejectReason) error {
	s, err := m.sessionIn(domain.CallStateIncoming)
	if err != nil {
		return err
	}
	return m.reject(ctx, s, reason)
}

func (m *CallMachine) reject(ctx context.Context, s *callSession, reason domain.RejectReason) error {
	if reason == "" {
		reason = domain.RejectDeclined
	}
	err := m.signaling.Notify(ctx, domain.EventCallRejected, domain.CallRejectedEvent{CallerID: s.remote, Reason: reason})
	m.teardown(s, domain.EndRejected, nil, false)
	return err
}

// EndCall hangs up. Calling it without a call is a no-op.
func (m *CallMachine) EndCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.teardown(s, domain.EndLocalHangup, nil, true)
	return nil
}

// Disconnect ends any call and closes the signaling channel.
func (m *CallMachine) Disconnect(ctx context.Context) error {
	if err := m.EndCall(ctx); err != nil {
		return err
	}
	return m.signaling.Close()
}

// StartRecording records the local producer of kind. Failures do not
// affect the call.
func (m *CallMachine) StartRecording(ctx context.Context, kind domain.MediaKind) (domain.RecordingID, error) {
	s, err := m.sessionIn(domain.CallStateActive)
	if err != nil {
		return "", err
	}
	if s.mode != domain.CallModeSFU {
		return "", domain.NewRecordingError(nil, "recording needs an SFU call")
	}
	producer, ok := m.orchestrator.ProducerOfKind(kind)
	if !ok {
		return "", domain.NewRecordingError(domain.ErrProducerNotFound, "no local %s producer", kind)
	}
	m.mu.Lock()
	roomID := s.roomID
	m.mu.Unlock()
	return m.recorder.StartRecording(ctx, roomID, producer.ID(), kind)
}

func (m *CallMachine) StopRecording(ctx context.Context, id domain.RecordingID) (string, error) {
	return m.recorder.StopRecording(ctx, id)
}

// enterRoom runs the SFU join sequence and publishes every local track.
func (m *CallMachine) enterRoom(ctx context.Context, s *callSession, roomID domain.RoomID) error {
	if err := m.orchestrator.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	if err := m.orchestrator.CreateTransports(ctx); err != nil {
		return err
	}

	stream, err := m.streamOf(s)
	if err != nil {
		return err
	}
	for _, track := range stream.Tracks() {
		if _, err := m.orchestrator.Produce(ctx, track); err != nil {
			return err
		}
	}
	return m.current(s)
}

// acquireMedia captures a fresh stream owned by s. A stream that arrives
// after s ended is stopped right away.
func (m *CallMachine) acquireMedia(ctx context.Context, s *callSession) error {
	stream, err := m.media.GetUserMedia(ctx, m.cfg.Constraints)
	if err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}

	m.mu.Lock()
	if err := m.currentLocked(s); err != nil {
		m.mu.Unlock()
		stream.Stop()
		return err
	}
	s.stream = stream
	m.mu.Unlock()
	return nil
}

// openPeerConnection builds the direct-mode negotiator of s and attaches the
// local tracks.
func (m *CallMachine) openPeerConnection(ctx context.Context, s *callSession) error {
	pc, err := m.pcs.NewPeerConnection()
	if err != nil {
		return domain.NewNegotiationError(err, "create peer connection")
	}
	remote := s.remote
	pc.OnTrack(func(track ports.MediaTrack) {
		m.logger.Infow("remote track", "call_id", s.id, "peer_id", remote, "kind", track.Kind())
		m.observer.OnRemoteTrack(remote, track)
	})

	stream, err := m.streamOf(s)
	if err != nil {
		pc.Close()
		return err
	}
	for _, track := range stream.Tracks() {
		if err := pc.AddTrack(track); err != nil {
			pc.Close()
			return domain.NewNegotiationError(err, "add local %s track", track.Kind())
		}
	}

	n := NewNegotiator(s.ctx, pc, m.signaling, m.signaling.LocalPeerID(), remote, m.logger)

	m.mu.Lock()
	if err := m.currentLocked(s); err != nil {
		m.mu.Unlock()
		n.Close()
		return err
	}
	s.negotiator = n
	early := s.earlyCandidates
	s.earlyCandidates = nil
	m.mu.Unlock()

	for _, c := range early {
		if err := n.OnRemoteIceCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *CallMachine) answerOffer(ctx context.Context, s *callSession, offer domain.SessionDescription) error {
	n, err := m.negotiatorOf(s)
	if err != nil {
		return err
	}
	if err := n.OnOffer(ctx, offer); err != nil {
		return err
	}
	return m.transition(s, domain.CallStateActive)
}

func (m *CallMachine) handleIncomingCall(ctx context.Context, event domain.Event) {
	ev, ok := event.(domain.IncomingCallEvent)
	if !ok || ev.CallerID == "" {
		return
	}

	m.mu.Lock()
	if m.session != nil {
		state, remote := m.session.state, m.session.remote
		m.mu.Unlock()
		if remote == ev.CallerID {
			m.logger.Debugw("duplicate incoming call", "caller_id", ev.CallerID)
			return
		}
		if !m.cfg.AutoRejectBusy {
			m.logger.Infow("ignoring call while busy", "caller_id", ev.CallerID, "state", state)
			return
		}
		m.logger.Infow("rejecting call while busy", "caller_id", ev.CallerID, "state", state)
		if err := m.signaling.Notify(ctx, domain.EventCallRejected, domain.CallRejectedEvent{
			CallerID: ev.CallerID,
			Reason:   domain.RejectBusy,
		}); err != nil {
			m.logger.Warnw("failed to send busy rejection", "caller_id", ev.CallerID, "error", err)
		}
		return
	}

	mode := ev.Mode
	if mode == "" {
		mode = m.cfg.Mode
	}
	s := m.newSessionLocked(domain.CallStateIncoming, mode, ev.CallerID, false)
	s.remoteUsername = ev.CallerUsername
	s.roomID = ev.RoomID
	s.remoteKnows = true
	snap := m.snapshotLocked(s)
	m.mu.Unlock()

	m.metrics.CallStateChanged(domain.CallStateIdle, domain.CallStateIncoming)
	m.observer.OnCallState(snap)
	m.logger.Infow("incoming call", "call_id", s.id, "caller_id", ev.CallerID, "room_id", ev.RoomID, "mode", mode)

	if m.decider == nil {
		return
	}
	call := domain.IncomingCall{
		CallerID:       ev.CallerID,
		CallerUsername: ev.CallerUsername,
		RoomID:         ev.RoomID,
		Mode:           mode,
	}
	go m.decide(s, call)
}

func (m *CallMachine) decide(s *callSession, call domain.IncomingCall) {
	accept, err := m.decider.Decide(s.ctx, call)
	if m.current(s) != nil {
		return
	}
	if err != nil {
		m.logger.Warnw("incoming call decision failed", "call_id", s.id, "error", err)
		accept = false
	}
	if !accept {
		if err := m.reject(s.ctx, s, domain.RejectDeclined); err != nil {
			m.observer.OnError(err)
		}
		return
	}
	if err := m.accept(s.ctx, s); err != nil && !errors.Is(err, domain.ErrCallCancelled) {
		m.observer.OnError(err)
	}
}

func (m *CallMachine) handleCallAccepted(ctx context.Context, event domain.Event) {
	ev, ok := event.(domain.CallAcceptedEvent)
	if !ok {
		return
	}
	s := m.sessionFrom(ev.From)
	if s == nil || !s.initiator {
		return
	}
	m.logger.Infow("call accepted", "call_id", s.id, "peer_id", s.remote)
	if s.mode != domain.CallModeDirect {
		return
	}

	ctx, release := m.bind(ctx, s)
	defer release()
	err := m.transition(s, domain.CallStateNegotiating)
	if err == nil {
		err = m.openPeerConnection(ctx, s)
	}
	if err == nil {
		var n *Negotiator
		if n, err = m.negotiatorOf(s); err == nil {
			err = n.CreateOffer(ctx)
		}
	}
	if err != nil {
		m.fail(s, err)
	}
}

func (m *CallMachine) handleCallRejected(_ context.Context, event domain.Event) {
	ev, ok := event.(domain.CallRejectedEvent)
	if !ok {
		return
	}
	s := m.sessionFrom(ev.From)
	if s == nil || !s.initiator {
		return
	}
	reason := ev.Reason
	if reason == "" {
		reason = domain.RejectDeclined
	}
	m.logger.Infow("call rejected", "call_id", s.id, "peer_id", s.remote, "reason", reason)

	var cause error
	if reason == domain.RejectBusy {
		cause = domain.NewBusyError("%s is busy", s.remote)
	}
	m.teardown(s, domain.EndRejected, cause, false)
}

func (m *CallMachine) handleCallEnded(_ context.Context, event domain.Event) {
	ev, ok := event.(domain.CallEndedEvent)
	if !ok {
		return
	}
	s := m.sessionFrom(ev.From)
	if s == nil {
		return
	}
	m.logger.Infow("remote hung up", "call_id", s.id, "peer_id", s.remote)
	m.teardown(s, domain.EndRemoteHangup, nil, false)
}

func (m *CallMachine) handleOffer(ctx context.Context, event domain.Event) {
	ev, ok := event.(domain.OfferEvent)
	if !ok {
		return
	}
	s := m.sessionFrom(ev.From)
	if s == nil || s.initiator || s.mode != domain.CallModeDirect {
		return
	}

	m.mu.Lock()
	if s.negotiator == nil {
		offer := ev.Offer
		s.pendingOffer = &offer
		m.mu.Unlock()
		m.logger.Debugw("holding offer until accepted", "call_id", s.id)
		return
	}
	m.mu.Unlock()

	ctx, release := m.bind(ctx, s)
	defer release()
	if err := m.answerOffer(ctx, s, ev.Offer); err != nil {
		m.fail(s, err)
	}
}

func (m *CallMachine) handleAnswer(_ context.Context, event domain.Event) {
	ev, ok := event.(domain.AnswerEvent)
	if !ok {
		return
	}
	s := m.sessionFrom(ev.From)
	if s == nil || !s.initiator {
		return
	}

	m.mu.Lock()
	n := s.negotiator
	m.mu.Unlock()
	if n == nil {
		m.fail(s, domain.NewNegotiationError(nil, "answer before offer"))
		return
	}
	err := n.OnAnswer(s.ctx, ev.Answer)
	if err == nil {
		err = m.transition(s, domain.CallStateActive)
	}
	if err != nil {
		m.fail(s, err)
	}
}

func (m *CallMachine) handleIceCandidate(_ context.Context, event domain.Event) {
	ev, ok := event.(domain.IceCandidateEvent)
	if !ok {
		return
	}
	s := m.sessionFrom(ev.By)
	if s == nil || s.mode != domain.CallModeDirect {
		return
	}

	m.mu.Lock()
	n := s.negotiator
	if n == nil {
		s.earlyCandidates = append(s.earlyCandidates, ev.Candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := n.OnRemoteIceCandidate(ev.Candidate); err != nil {
		m.fail(s, err)
	}
}

func (m *CallMachine) handleConnectionState(state domain.ConnectionState) {
	if state != domain.ConnectionStateDisconnected {
		return
	}
	m.mu.Lock()
	s := m.session
	var callState domain.CallState
	if s != nil {
		callState = s.state
	}
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.logger.Warnw("signaling lost during call", "call_id", s.id, "state", callState)
	m.teardown(s, domain.EndDisconnected, domain.ErrSignalingDisconnect, false)
}

// transition moves s to next and publishes the new snapshot.
func (m *CallMachine) transition(s *callSession, next domain.CallState) error {
	m.mu.Lock()
	if err := m.currentLocked(s); err != nil {
		m.mu.Unlock()
		return err
	}
	from := s.state
	if !from.CanTransition(next) {
		m.mu.Unlock()
		return domain.NewInvalidStateError("call %s cannot go from %s to %s", s.id, from, next)
	}
	s.state = next
	now := time.Now()
	var negotiated time.Duration
	switch next {
	case domain.CallStateNegotiating:
		s.negotiating = now
	case domain.CallStateActive:
		if !s.negotiating.IsZero() {
			negotiated = now.Sub(s.negotiating)
		}
	}
	snap := m.snapshotLocked(s)
	m.mu.Unlock()

	m.metrics.CallStateChanged(from, next)
	if next == domain.CallStateActive {
		m.metrics.NegotiationObserved(s.mode, negotiated.Seconds(), nil)
	}
	m.logger.Infow("call state", "call_id", s.id, "from", from, "state", next)
	m.observer.OnCallState(snap)
	return nil
}

// fail ends s after a failed step. Cancelled steps belong to a session
// that was already torn down.
func (m *CallMachine) fail(s *callSession, err error) {
	if errors.Is(err, domain.ErrCallCancelled) {
		return
	}

	m.mu.Lock()
	if m.currentLocked(s) != nil {
		m.mu.Unlock()
		return
	}
	negotiating := s.state == domain.CallStateNegotiating
	started := s.negotiating
	m.mu.Unlock()
	if negotiating {
		m.metrics.NegotiationObserved(s.mode, time.Since(started).Seconds(), err)
	}

	m.logger.Warnw("call failed", "call_id", s.id, "error", err)
	m.teardown(s, domain.EndFailed, err, true)
}

// teardown releases everything s owns and returns the machine to idle. Only
// the first call for a session does anything.
func (m *CallMachine) teardown(s *callSession, reason domain.EndReason, cause error, notifyRemote bool) {
	m.mu.Lock()
	if m.session != s || s.ending {
		m.mu.Unlock()
		return
	}
	s.ending = true
	from := s.state
	s.state = domain.CallStateEnded
	s.endReason = reason
	s.err = cause
	stream, negotiator := s.stream, s.negotiator
	s.stream, s.negotiator = nil, nil
	notify := notifyRemote && s.remoteKnows
	ended := m.snapshotLocked(s)
	m.mu.Unlock()

	m.metrics.CallStateChanged(from, domain.CallStateEnded)
	m.metrics.CallEnded(reason)
	m.observer.OnCallState(ended)
	s.cancel()

	if stream != nil {
		stream.Stop()
	}
	if negotiator != nil {
		if err := negotiator.Close(); err != nil {
			m.logger.Warnw("failed to close peer connection", "call_id", s.id, "error", err)
		}
	}
	if m.orchestrator != nil {
		if err := m.orchestrator.Reset(); err != nil {
			m.logger.Warnw("failed to release call resources", "call_id", s.id, "error", err)
		}
	}
	if m.recorder != nil {
		m.recorder.Reset()
	}
	if notify {
		if err := m.signaling.Notify(context.Background(), domain.EventCallEnded, domain.CallEndedEvent{TargetUserID: s.remote}); err != nil {
			m.logger.Debugw("failed to notify remote of hangup", "call_id", s.id, "error", err)
		}
	}

	m.mu.Lock()
	m.session = nil
	idle := m.idleSnapshot()
	m.mu.Unlock()
	idle.EndReason = reason
	idle.Err = cause

	m.metrics.CallStateChanged(domain.CallStateEnded, domain.CallStateIdle)
	m.logger.Infow("call ended", "call_id", s.id, "reason", reason, "error", cause)
	m.observer.OnCallState(idle)
}

func (m *CallMachine) newSessionLocked(state domain.CallState, mode domain.CallMode, remote domain.PeerID, initiator bool) *callSession {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &callSession{
		id:        domain.CallID(uuid.NewString()),
		gen:       m.gen,
		state:     state,
		mode:      mode,
		remote:    remote,
		initiator: initiator,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.session = s
	return s
}

// bind derives a context that is also cancelled when s ends.
func (m *CallMachine) bind(ctx context.Context, s *callSession) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *CallMachine) current(s *callSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(s)
}

// currentLocked fails when s was superseded or is being torn down.
func (m *CallMachine) currentLocked(s *callSession) error {
	if m.session != s || s.ending || m.gen != s.gen {
		return domain.NewCancelledError("call %s is over", s.id)
	}
	return nil
}

func (m *CallMachine) streamOf(s *callSession) (ports.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.currentLocked(s); err != nil {
		return nil, err
	}
	if s.stream == nil {
		return nil, domain.NewPreconditionError("no local media for call %s", s.id)
	}
	return s.stream, nil
}

func (m *CallMachine) negotiatorOf(s *callSession) (*Negotiator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.currentLocked(s); err != nil {
		return nil, err
	}
	if s.negotiator == nil {
		return nil, domain.NewNegotiationError(nil, "no peer connection for call %s", s.id)
	}
	return s.negotiator, nil
}

func (m *CallMachine) sessionIn(state domain.CallState) (*callSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, domain.NewInvalidStateError("no call")
	}
	if m.session.state != state {
		return nil, domain.NewInvalidStateError("call is %s, not %s", m.session.state, state)
	}
	return m.session, nil
}

// sessionFrom returns the live session with peer. An empty peer matches the
// current session, for servers that omit the sender.
func (m *CallMachine) sessionFrom(peer domain.PeerID) *callSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session
	if s == nil || s.ending {
		return nil
	}
	if peer != "" && peer != s.remote {
		return nil
	}
	return s
}

func (m *CallMachine) snapshotLocked(s *callSession) domain.CallSnapshot {
	return domain.CallSnapshot{
		ID:             s.id,
		State:          s.state,
		Mode:           s.mode,
		LocalPeerID:    m.signaling.LocalPeerID(),
		RemotePeerID:   s.remote,
		RemoteUsername: s.remoteUsername,
		RoomID:         s.roomID,
		Initiator:      s.initiator,
		StartedAt:      s.startedAt,
		EndReason:      s.endReason,
		Err:            s.err,
	}
}

func (m *CallMachine) idleSnapshot() domain.CallSnapshot {
	return domain.CallSnapshot{
		State:       domain.CallStateIdle,
		Mode:        m.cfg.Mode,
		LocalPeerID: m.signaling.LocalPeerID(),
	}
}
