package webrtc

import (
	"context"
	"testing"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerConnection_OfferAnswer(t *testing.T) {
	factory, err := NewPeerConnectionFactory(PeerConnectionConfig{}, nil)
	require.NoError(t, err)

	offerer, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer answerer.Close()

	stream, err := NewSyntheticSource(nil).GetUserMedia(context.Background(), domain.DefaultMediaConstraints)
	require.NoError(t, err)
	defer stream.Stop()
	for _, track := range stream.Tracks() {
		require.NoError(t, offerer.AddTrack(track))
	}

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")
	require.NoError(t, offerer.SetLocalDescription(offer))

	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, domain.SDPTypeAnswer, answer.Type)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))

	require.NoError(t, offerer.Close())
	require.NoError(t, offerer.Close())
}

func TestPeerConnection_CandidateBeforeRemoteDescription(t *testing.T) {
	factory, err := NewPeerConnectionFactory(PeerConnectionConfig{}, nil)
	require.NoError(t, err)
	pc, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	err = pc.AddICECandidate(domain.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host"})
	assert.Error(t, err)
}

func TestPeerConnection_RejectsForeignTrack(t *testing.T) {
	factory, err := NewPeerConnectionFactory(PeerConnectionConfig{}, nil)
	require.NoError(t, err)
	pc, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	err = pc.AddTrack(NewRemoteTrack("r1", domain.MediaKindAudio))
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestPeerConnectionConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WebRTC.ICEServers = []config.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}
	cfg.WebRTC.PortRange.Min = 50000
	cfg.WebRTC.PortRange.Max = 50100

	out := PeerConnectionConfigFrom(cfg)
	require.Len(t, out.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, out.ICEServers[0].URLs)
	assert.Equal(t, uint16(50000), out.PortRange.Min)

	_, err := NewPeerConnectionFactory(out, nil)
	require.NoError(t, err)
}

func TestSyntheticSource(t *testing.T) {
	src := NewSyntheticSource(nil)

	_, err := src.GetUserMedia(context.Background(), domain.MediaConstraints{})
	assert.ErrorIs(t, err, domain.ErrPrecondition)

	stream, err := src.GetUserMedia(context.Background(), domain.MediaConstraints{Audio: true})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 1)
	_, ok := stream.TrackOfKind(domain.MediaKindVideo)
	assert.False(t, ok)

	audio, ok := stream.TrackOfKind(domain.MediaKindAudio)
	require.True(t, ok)
	ended := make(chan struct{})
	audio.OnEnded(func() { close(ended) })

	stream.Stop()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("track did not end")
	}
	assert.True(t, audio.Stopped())

	fired := false
	audio.OnEnded(func() { fired = true })
	assert.True(t, fired)
	stream.Stop()
}
