package webrtc

import (
	"context"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// DeviceFactory builds a Device per joined room.
type DeviceFactory struct {
	logger *zap.SugaredLogger
}

func NewDeviceFactory(logger *zap.SugaredLogger) *DeviceFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DeviceFactory{logger: logger}
}

func (f *DeviceFactory) NewDevice() (ports.Device, error) {
	identity, err := NewIdentity()
	if err != nil {
		return nil, err
	}
	return &Device{identity: identity, logger: f.logger}, nil
}

// Device is the local media engine: it intersects the router's codecs with
// the ones this client can encode and hands out transports.
type Device struct {
	identity *Identity
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	loaded bool
	caps   domain.RtpCapabilities
}

var _ ports.Device = (*Device)(nil)

func (d *Device) Load(ctx context.Context, routerCaps domain.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return domain.NewPreconditionError("device already loaded")
	}

	local := RouterCapabilities()
	var common domain.RtpCapabilities
	for _, remote := range routerCaps.Codecs {
		for _, mine := range local.Codecs {
			if remote.Kind == mine.Kind && sameCodec(remote, mine) {
				common.Codecs = append(common.Codecs, remote)
				break
			}
		}
	}
	if len(common.Codecs) == 0 {
		return domain.NewCapabilityMismatchError("router offers %d codecs, none usable", len(routerCaps.Codecs))
	}

	d.caps = common
	d.loaded = true
	d.logger.Debugw("device loaded", "codecs", len(common.Codecs))
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Device) RtpCapabilities() domain.RtpCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return domain.RtpCapabilities{Codecs: append([]domain.RtpCodecCapability(nil), d.caps.Codecs...)}
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded && d.caps.HasKind(kind)
}

func (d *Device) codecFor(kind domain.MediaKind) (domain.RtpCodecCapability, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.caps.Codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func (d *Device) CreateSendTransport(opts domain.TransportOptions) (ports.Transport, error) {
	return d.createTransport(domain.DirectionSend, opts)
}

func (d *Device) CreateRecvTransport(opts domain.TransportOptions) (ports.Transport, error) {
	return d.createTransport(domain.DirectionRecv, opts)
}

func (d *Device) createTransport(dir domain.TransportDirection, opts domain.TransportOptions) (ports.Transport, error) {
	if !d.Loaded() {
		return nil, domain.NewPreconditionError("device not loaded")
	}
	if err := opts.Validate(); err != nil {
		return nil, domain.NewPreconditionError("%s transport: %v", dir, err)
	}
	return newTransport(d, dir, opts), nil
}
