package monitoring

import (
	"errors"
	"testing"

	"rillcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the summed counter, gauge or histogram-count values of
// the named family, keyed by the joined label values.
func gathered(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := ""
			for _, l := range m.GetLabel() {
				if key != "" {
					key += ","
				}
				key += l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestPrometheusCollector_Relay(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.MessageHandled("callUser", nil)
	c.MessageHandled("consume", domain.ErrProducerNotFound)

	assert.Equal(t, map[string]float64{"": 1}, gathered(t, reg, "rillcall_peers_connected"))
	assert.Equal(t, map[string]float64{"": 2}, gathered(t, reg, "rillcall_connections_total"))
	assert.Equal(t, map[string]float64{
		"OK,callUser":       1,
		"NOT_FOUND,consume": 1,
	}, gathered(t, reg, "rillcall_signal_messages_total"))
}

func TestPrometheusCollector_Call(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.CallStateChanged(domain.CallStateIdle, domain.CallStateOutgoing)
	c.CallEnded(domain.EndLocalHangup)
	c.NegotiationObserved(domain.CallModeDirect, 0.2, nil)
	c.NegotiationObserved(domain.CallModeSFU, 1.5, errors.New("boom"))
	c.ResourceOpened("producer")
	c.ResourceOpened("producer")
	c.ResourceClosed("producer")
	c.RecordingOutcome("start", domain.NewRecordingError(nil, "disk full"))

	assert.Equal(t, map[string]float64{"idle,outgoing": 1}, gathered(t, reg, "rillcall_call_transitions_total"))
	assert.Equal(t, map[string]float64{string(domain.EndLocalHangup): 1}, gathered(t, reg, "rillcall_calls_ended_total"))
	assert.Equal(t, map[string]float64{"direct,OK": 1, "sfu,INTERNAL_ERROR": 1}, gathered(t, reg, "rillcall_negotiation_duration_seconds"))
	assert.Equal(t, map[string]float64{"producer": 1}, gathered(t, reg, "rillcall_media_resources_open"))
	assert.Equal(t, map[string]float64{"start,RECORDING": 1}, gathered(t, reg, "rillcall_recording_requests_total"))
}

func TestRegisterRoomGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	rooms, recordings := 3, 1
	RegisterRoomGauges(reg, func() (int, int) { return rooms, recordings })

	assert.Equal(t, map[string]float64{"": 3}, gathered(t, reg, "rillcall_rooms_active"))
	recordings = 0
	assert.Equal(t, map[string]float64{"": 0}, gathered(t, reg, "rillcall_recordings_active"))
}
