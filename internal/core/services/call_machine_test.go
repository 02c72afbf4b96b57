package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testPeer struct {
	id      domain.PeerID
	ch      *hubChannel
	media   *fakeMediaSource
	reg     *Registry
	rec     *RecordingController
	pcs     *fakePeerConnectionFactory
	obs     *recordingObserver
	machine *CallMachine
}

var acceptAll = ports.IncomingCallDeciderFunc(func(context.Context, domain.IncomingCall) (bool, error) {
	return true, nil
})

var declineAll = ports.IncomingCallDeciderFunc(func(context.Context, domain.IncomingCall) (bool, error) {
	return false, nil
})

func newTestPeer(t *testing.T, hub *fakeHub, id domain.PeerID, mode domain.CallMode, decider ports.IncomingCallDecider) *testPeer {
	t.Helper()
	p := &testPeer{
		id:    id,
		ch:    hub.connect(id),
		media: &fakeMediaSource{},
		pcs:   &fakePeerConnectionFactory{gather: true},
		obs:   newRecordingObserver(),
	}
	t.Cleanup(func() { p.ch.Close() })

	room := domain.RoomID("room_" + id)
	if id == "peer-a" {
		room = "room_1000"
	}

	p.reg = NewRegistry(nil, nil)
	p.rec = NewRecordingController(p.ch, nil, nil)
	p.machine = NewCallMachine(CallMachineConfig{
		Mode:           mode,
		AutoRejectBusy: true,
		Constraints:    domain.DefaultMediaConstraints,
		NewRoomID:      func() domain.RoomID { return room },
	}, CallMachineDeps{
		Signaling:       p.ch,
		Media:           p.media,
		Orchestrator:    NewOrchestrator(p.ch, &fakeDeviceFactory{}, p.reg, nil),
		Recorder:        p.rec,
		PeerConnections: p.pcs,
		Decider:         decider,
		Observer:        p.obs,
	})
	return p
}

func (p *testPeer) inState(state domain.CallState) func() bool {
	return func() bool { return p.machine.State() == state }
}

func TestCallMachine_SFUEndToEnd(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeSFU, acceptAll)
	ctx := context.Background()

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	assert.Equal(t, domain.CallStateActive, a.machine.State())
	assert.Equal(t, domain.RoomID("room_1000"), a.machine.Snapshot().RoomID)

	require.Eventually(t, func() bool {
		return b.machine.State() == domain.CallStateActive &&
			a.reg.ConsumerCount() == 2 && b.reg.ConsumerCount() == 2
	}, waitFor, tick)

	snap := b.machine.Snapshot()
	assert.Equal(t, domain.RoomID("room_1000"), snap.RoomID)
	assert.Equal(t, domain.PeerID("peer-a"), snap.RemotePeerID)
	assert.False(t, snap.Initiator)

	for _, p := range []*testPeer{a, b} {
		assert.Equal(t, 2, p.reg.ProducerCount())
		video, ok := p.reg.ProducerOfKind(domain.MediaKindVideo)
		require.True(t, ok)
		assert.Equal(t, domain.SimulcastEncodings(), video.Encodings())
		_, ok = p.reg.ProducerOfKind(domain.MediaKindAudio)
		assert.True(t, ok)
	}

	// Replays and live pushes must not produce extra consumers.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, a.reg.ConsumerCount())
	assert.Equal(t, 2, b.reg.ConsumerCount())
	assert.Equal(t, 2, hub.resumedBy("peer-a"))
	assert.Equal(t, 2, hub.resumedBy("peer-b"))
	assert.Equal(t, 2, a.obs.remoteTracks("peer-b"))
	assert.Equal(t, 2, b.obs.remoteTracks("peer-a"))

	assert.Equal(t, []domain.CallState{domain.CallStateOutgoing, domain.CallStateActive}, a.obs.stateTrail())
	assert.Equal(t, []domain.CallState{domain.CallStateIncoming, domain.CallStateNegotiating, domain.CallStateActive}, b.obs.stateTrail())

	require.NoError(t, a.machine.EndCall(ctx))
	assert.Equal(t, domain.CallStateIdle, a.machine.State())
	require.Eventually(t, b.inState(domain.CallStateIdle), waitFor, tick)

	for _, p := range []*testPeer{a, b} {
		assert.True(t, p.reg.Empty())
		assert.Zero(t, p.media.liveTracks())
	}
	assert.Equal(t, domain.EndLocalHangup, a.obs.last().EndReason)
	assert.Equal(t, domain.EndRemoteHangup, b.obs.last().EndReason)
}

func TestCallMachine_FreshStreamPerCall(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeSFU, acceptAll)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
		require.Eventually(t, func() bool { return a.reg.ConsumerCount() == 2 }, waitFor, tick)
		require.NoError(t, a.machine.EndCall(ctx))
		assert.Zero(t, a.media.liveTracks())
		assert.True(t, a.reg.Empty())
		require.Eventually(t, b.inState(domain.CallStateIdle), waitFor, tick)
	}
	assert.Equal(t, 2, a.media.streamCount())
}

func TestCallMachine_StartCallWhileBusy(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeSFU, nil)
	newTestPeer(t, hub, "peer-c", domain.CallModeSFU, nil)
	ctx := context.Background()

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	require.Eventually(t, b.inState(domain.CallStateIncoming), waitFor, tick)

	before := a.machine.Snapshot()
	for _, target := range []domain.PeerID{"peer-c", "peer-b"} {
		err := a.machine.StartCall(ctx, target)
		assert.ErrorIs(t, err, domain.ErrBusy)
		assert.Equal(t, before, a.machine.Snapshot())
	}
	assert.Equal(t, 1, a.media.streamCount())

	// The ringing callee is busy too.
	beforeB := b.machine.Snapshot()
	assert.ErrorIs(t, b.machine.StartCall(ctx, "peer-c"), domain.ErrBusy)
	assert.Equal(t, beforeB, b.machine.Snapshot())
}

func TestCallMachine_IncomingWhileBusyIsRejected(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	newTestPeer(t, hub, "peer-b", domain.CallModeSFU, acceptAll)
	c := newTestPeer(t, hub, "peer-c", domain.CallModeSFU, nil)
	ctx := context.Background()

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	before := a.machine.Snapshot()

	require.NoError(t, c.machine.StartCall(ctx, "peer-a"))
	require.Eventually(t, c.inState(domain.CallStateIdle), waitFor, tick)

	last := c.obs.last()
	assert.Equal(t, domain.EndRejected, last.EndReason)
	assert.ErrorIs(t, last.Err, domain.ErrBusy)
	assert.Zero(t, c.media.liveTracks())

	after := a.machine.Snapshot()
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, domain.PeerID("peer-b"), after.RemotePeerID)
	assert.Equal(t, domain.CallStateActive, after.State)
}

func TestCallMachine_DisconnectDuringNegotiating(t *testing.T) {
	hub := newFakeHub()
	hub.blockJoin["peer-b"] = true
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeSFU, acceptAll)
	ctx := context.Background()

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	require.Eventually(t, func() bool {
		return b.machine.State() == domain.CallStateNegotiating && hub.joining.Load() == 1
	}, waitFor, tick)
	require.Equal(t, 1, b.media.streamCount())
	require.Equal(t, 2, b.media.liveTracks())

	b.ch.drop()

	assert.Equal(t, domain.CallStateIdle, b.machine.State())
	require.Eventually(t, func() bool {
		return b.media.liveTracks() == 0 && b.reg.Empty()
	}, waitFor, tick)

	last := b.obs.last()
	assert.Equal(t, domain.CallStateIdle, last.State)
	assert.Equal(t, domain.EndDisconnected, last.EndReason)
	assert.ErrorIs(t, last.Err, domain.ErrSignalingDisconnect)
}

func TestCallMachine_RejectedByDecider(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeSFU, declineAll)
	ctx := context.Background()

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	require.Eventually(t, a.inState(domain.CallStateIdle), waitFor, tick)
	require.Eventually(t, b.inState(domain.CallStateIdle), waitFor, tick)

	assert.Equal(t, domain.EndRejected, a.obs.last().EndReason)
	assert.NoError(t, a.obs.last().Err)
	assert.True(t, a.reg.Empty())
	assert.Zero(t, a.media.liveTracks())
	assert.Zero(t, b.media.streamCount())
}

func TestCallMachine_ManualAcceptAndReject(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeSFU, nil)
	ctx := context.Background()

	assert.ErrorIs(t, b.machine.Accept(ctx), domain.ErrInvalidState)

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	require.Eventually(t, b.inState(domain.CallStateIncoming), waitFor, tick)
	assert.Equal(t, "peer-a", b.machine.Snapshot().RemoteUsername)

	require.NoError(t, b.machine.Accept(ctx))
	assert.Equal(t, domain.CallStateActive, b.machine.State())
	require.Eventually(t, func() bool { return a.reg.ConsumerCount() == 2 && b.reg.ConsumerCount() == 2 }, waitFor, tick)
	assert.ErrorIs(t, b.machine.Reject(ctx, domain.RejectDeclined), domain.ErrInvalidState)

	require.NoError(t, b.machine.EndCall(ctx))
	require.Eventually(t, a.inState(domain.CallStateIdle), waitFor, tick)

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	require.Eventually(t, b.inState(domain.CallStateIncoming), waitFor, tick)
	require.NoError(t, b.machine.Reject(ctx, domain.RejectDeclined))
	assert.Equal(t, domain.CallStateIdle, b.machine.State())
	require.Eventually(t, a.inState(domain.CallStateIdle), waitFor, tick)
}

func TestCallMachine_MediaFailureReturnsToIdle(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeSFU, acceptAll)
	a.media.err = errors.New("permission denied")

	err := a.machine.StartCall(context.Background(), "peer-b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	assert.Equal(t, domain.CallStateIdle, a.machine.State())
	assert.Equal(t, []domain.CallState{domain.CallStateOutgoing, domain.CallStateEnded, domain.CallStateIdle}, a.obs.stateTrail())
	assert.Equal(t, domain.EndFailed, a.obs.last().EndReason)
	assert.Equal(t, domain.CallStateIdle, b.machine.State())
}

func TestCallMachine_StartCallValidation(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)

	assert.ErrorIs(t, a.machine.StartCall(context.Background(), ""), domain.ErrPrecondition)
	assert.ErrorIs(t, a.machine.StartCall(context.Background(), "peer-a"), domain.ErrPrecondition)
	assert.Equal(t, domain.CallStateIdle, a.machine.State())
	assert.NoError(t, a.machine.EndCall(context.Background()))
}

func TestCallMachine_DirectEndToEnd(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeDirect, nil)
	b := newTestPeer(t, hub, "peer-b", domain.CallModeDirect, acceptAll)
	ctx := context.Background()

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))

	require.Eventually(t, func() bool {
		return a.machine.State() == domain.CallStateActive && b.machine.State() == domain.CallStateActive
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		aApplied, _, _, _ := a.pcs.last().snapshot()
		bApplied, _, _, _ := b.pcs.last().snapshot()
		return len(aApplied) == 1 && len(bApplied) == 1
	}, waitFor, tick)

	for _, p := range []*testPeer{a, b} {
		_, violations, remoteSet, _ := p.pcs.last().snapshot()
		assert.True(t, remoteSet)
		assert.Zero(t, violations)
		assert.True(t, p.reg.Empty())
	}
	require.Eventually(t, func() bool {
		return a.obs.remoteTracks("peer-b") > 0 && b.obs.remoteTracks("peer-a") > 0
	}, waitFor, tick)

	assert.Equal(t, []domain.CallState{domain.CallStateOutgoing, domain.CallStateNegotiating, domain.CallStateActive}, a.obs.stateTrail())

	require.NoError(t, b.machine.EndCall(ctx))
	require.Eventually(t, a.inState(domain.CallStateIdle), waitFor, tick)
	for _, p := range []*testPeer{a, b} {
		_, _, _, closed := p.pcs.last().snapshot()
		assert.True(t, closed)
		assert.Zero(t, p.media.liveTracks())
	}
}

func TestCallMachine_RecordingDoesNotAffectCall(t *testing.T) {
	hub := newFakeHub()
	a := newTestPeer(t, hub, "peer-a", domain.CallModeSFU, nil)
	newTestPeer(t, hub, "peer-b", domain.CallModeSFU, acceptAll)
	ctx := context.Background()

	_, err := a.machine.StartRecording(ctx, domain.MediaKindVideo)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, a.machine.StartCall(ctx, "peer-b"))
	id, err := a.machine.StartRecording(ctx, domain.MediaKindVideo)
	require.NoError(t, err)
	assert.Len(t, a.rec.Active(), 1)

	_, err = a.machine.StopRecording(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrRecording)
	assert.Equal(t, domain.CallStateActive, a.machine.State())

	path, err := a.machine.StopRecording(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, path, id.String())
	assert.Empty(t, a.rec.Active())
	assert.Equal(t, domain.CallStateActive, a.machine.State())
}
