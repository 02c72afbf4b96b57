package webrtc

import (
	"context"
	"errors"
	"testing"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendTransport(t *testing.T) (*Transport, *int) {
	t.Helper()
	tr, err := loadedDevice(t).CreateSendTransport(transportOptions(t, "send-1"))
	require.NoError(t, err)

	connects := 0
	tr.OnConnect(func(ctx context.Context, dtls domain.DtlsParameters) error {
		connects++
		assert.Equal(t, domain.DtlsRoleClient, dtls.Role)
		assert.NotEmpty(t, dtls.Fingerprints)
		return nil
	})
	return tr.(*Transport), &connects
}

func localTrack(t *testing.T, kind domain.MediaKind) *LocalTrack {
	t.Helper()
	track, err := NewLocalTrack(kind, string(kind)+"-1", "stream-1")
	require.NoError(t, err)
	return track
}

func TestTransport_ProduceConnectsOnce(t *testing.T) {
	tr, connects := sendTransport(t)

	var seen []domain.RtpParameters
	tr.OnProduce(func(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error) {
		seen = append(seen, rtp)
		return domain.ProducerID("prod-" + string(kind)), nil
	})

	ctx := context.Background()
	video, err := tr.Produce(ctx, ports.ProduceOptions{
		Track:     localTrack(t, domain.MediaKindVideo),
		Encodings: domain.SimulcastEncodings(),
	})
	require.NoError(t, err)
	audio, err := tr.Produce(ctx, ports.ProduceOptions{Track: localTrack(t, domain.MediaKindAudio)})
	require.NoError(t, err)

	assert.Equal(t, 1, *connects)
	assert.Equal(t, domain.ProducerID("prod-video"), video.ID())
	assert.Len(t, video.Encodings(), 3)
	assert.Empty(t, audio.Encodings())

	require.Len(t, seen, 2)
	assert.Equal(t, "0", seen[0].Mid)
	assert.Equal(t, "1", seen[1].Mid)
	assert.Equal(t, "video/VP8", seen[0].Codecs[0].MimeType)
	assert.Equal(t, "audio/opus", seen[1].Codecs[0].MimeType)
}

func TestTransport_ConnectFailureIsRetried(t *testing.T) {
	tr, err := loadedDevice(t).CreateSendTransport(transportOptions(t, "send-1"))
	require.NoError(t, err)

	attempts := 0
	tr.OnConnect(func(context.Context, domain.DtlsParameters) error {
		attempts++
		if attempts == 1 {
			return errors.New("relay busy")
		}
		return nil
	})
	tr.OnProduce(func(context.Context, domain.MediaKind, domain.RtpParameters) (domain.ProducerID, error) {
		return "p", nil
	})

	_, err = tr.Produce(context.Background(), ports.ProduceOptions{Track: localTrack(t, domain.MediaKindAudio)})
	require.Error(t, err)
	_, err = tr.Produce(context.Background(), ports.ProduceOptions{Track: localTrack(t, domain.MediaKindAudio)})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestTransport_DirectionChecks(t *testing.T) {
	tr, _ := sendTransport(t)
	_, err := tr.Consume(context.Background(), ports.ConsumeOptions{ID: "c1", Kind: domain.MediaKindAudio})
	assert.ErrorIs(t, err, domain.ErrPrecondition)

	recv, err := loadedDevice(t).CreateRecvTransport(transportOptions(t, "recv-1"))
	require.NoError(t, err)
	_, err = recv.Produce(context.Background(), ports.ProduceOptions{Track: localTrack(t, domain.MediaKindAudio)})
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestTransport_ProduceStoppedTrack(t *testing.T) {
	tr, connects := sendTransport(t)
	tr.OnProduce(func(context.Context, domain.MediaKind, domain.RtpParameters) (domain.ProducerID, error) {
		return "p", nil
	})

	track := localTrack(t, domain.MediaKindAudio)
	track.Stop()
	_, err := tr.Produce(context.Background(), ports.ProduceOptions{Track: track})
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Zero(t, *connects)
}

func TestTransport_ConsumeStartsPaused(t *testing.T) {
	recv, err := loadedDevice(t).CreateRecvTransport(transportOptions(t, "recv-1"))
	require.NoError(t, err)
	recv.OnConnect(func(context.Context, domain.DtlsParameters) error { return nil })

	c, err := recv.Consume(context.Background(), ports.ConsumeOptions{ID: "c1", ProducerID: "p1", Kind: domain.MediaKindVideo})
	require.NoError(t, err)
	assert.True(t, c.Paused())
	assert.Equal(t, domain.MediaKindVideo, c.Track().Kind())

	c.Resume()
	assert.False(t, c.Paused())

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.True(t, c.Track().Stopped())
	require.NoError(t, c.Close())
}

func TestTransport_CloseNotifiesProducers(t *testing.T) {
	tr, _ := sendTransport(t)
	tr.OnProduce(func(context.Context, domain.MediaKind, domain.RtpParameters) (domain.ProducerID, error) {
		return "p1", nil
	})

	producer, err := tr.Produce(context.Background(), ports.ProduceOptions{Track: localTrack(t, domain.MediaKindAudio)})
	require.NoError(t, err)

	fired := 0
	producer.OnTransportClose(func() { fired++ })

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.True(t, tr.Closed())
	assert.True(t, producer.Closed())
	assert.Equal(t, 1, fired)
	assert.False(t, producer.Track().Stopped())

	_, err = tr.Produce(context.Background(), ports.ProduceOptions{Track: localTrack(t, domain.MediaKindAudio)})
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestProducer_CloseDoesNotFireTransportClose(t *testing.T) {
	tr, _ := sendTransport(t)
	tr.OnProduce(func(context.Context, domain.MediaKind, domain.RtpParameters) (domain.ProducerID, error) {
		return "p1", nil
	})
	producer, err := tr.Produce(context.Background(), ports.ProduceOptions{Track: localTrack(t, domain.MediaKindAudio)})
	require.NoError(t, err)

	fired := false
	producer.OnTransportClose(func() { fired = true })
	require.NoError(t, producer.Close())
	require.NoError(t, tr.Close())
	assert.False(t, fired)
}
