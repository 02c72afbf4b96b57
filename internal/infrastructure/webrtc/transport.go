package webrtc

import (
	"context"
	"strconv"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
)

// Transport is one direction of the client's media path to the router. It
// connects lazily: the first Produce or Consume runs the connect handler.
type Transport struct {
	device    *Device
	id        domain.TransportID
	direction domain.TransportDirection
	remote    domain.TransportOptions

	connectMu sync.Mutex
	connected bool

	mu        sync.Mutex
	onConnect ports.ConnectHandler
	onProduce ports.ProduceHandler
	nextMid   int
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	closed    bool
}

var _ ports.Transport = (*Transport)(nil)

func newTransport(d *Device, dir domain.TransportDirection, opts domain.TransportOptions) *Transport {
	return &Transport{
		device:    d,
		id:        opts.ID,
		direction: dir,
		remote:    opts,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (t *Transport) ID() domain.TransportID               { return t.id }
func (t *Transport) Direction() domain.TransportDirection { return t.direction }

func (t *Transport) OnConnect(handler ports.ConnectHandler) {
	t.mu.Lock()
	t.onConnect = handler
	t.mu.Unlock()
}

func (t *Transport) OnProduce(handler ports.ProduceHandler) {
	t.mu.Lock()
	t.onProduce = handler
	t.mu.Unlock()
}

// ensureConnected runs the connect handler once. A failed attempt is
// retried on the next use.
func (t *Transport) ensureConnected(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()
	if t.connected {
		return nil
	}

	t.mu.Lock()
	handler := t.onConnect
	t.mu.Unlock()
	if handler == nil {
		return domain.NewPreconditionError("transport %s has no connect handler", t.id)
	}

	dtls := t.device.identity.DtlsParameters(localRole(t.remote.DtlsParameters.Role))
	if err := handler(ctx, dtls); err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, opts ports.ProduceOptions) (ports.Producer, error) {
	if t.direction != domain.DirectionSend {
		return nil, domain.NewPreconditionError("transport %s cannot produce", t.id)
	}
	if opts.Track == nil || opts.Track.Stopped() {
		return nil, domain.NewPreconditionError("track is missing or ended")
	}
	kind := opts.Track.Kind()
	codec, ok := t.device.codecFor(kind)
	if !ok {
		return nil, domain.NewCapabilityMismatchError("device cannot produce %s", kind)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.NewPreconditionError("transport %s closed", t.id)
	}
	handler := t.onProduce
	mid := strconv.Itoa(t.nextMid)
	t.nextMid++
	t.mu.Unlock()
	if handler == nil {
		return nil, domain.NewPreconditionError("transport %s has no produce handler", t.id)
	}

	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	rtp := domain.RtpParameters{
		Mid:       mid,
		Codecs:    []domain.RtpCodecParameters{codecParameters(codec)},
		Encodings: append([]domain.RtpEncodingParameters(nil), opts.Encodings...),
	}
	id, err := handler(ctx, kind, rtp)
	if err != nil {
		return nil, err
	}

	p := &Producer{id: id, kind: kind, track: opts.Track, encodings: rtp.Encodings, transport: t}
	t.mu.Lock()
	t.producers[id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts ports.ConsumeOptions) (ports.Consumer, error) {
	if t.direction != domain.DirectionRecv {
		return nil, domain.NewPreconditionError("transport %s cannot consume", t.id)
	}
	if opts.ID == "" || !opts.Kind.Valid() {
		return nil, domain.NewPreconditionError("invalid consumer parameters")
	}
	if !t.device.RtpCapabilities().HasKind(opts.Kind) {
		return nil, domain.NewCapabilityMismatchError("device cannot consume %s", opts.Kind)
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, domain.NewPreconditionError("transport %s closed", t.id)
	}

	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	c := &Consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		track:      NewRemoteTrack(string(opts.ID), opts.Kind),
		paused:     true,
		transport:  t,
	}
	t.mu.Lock()
	t.consumers[c.id] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the transport's consumers and tells its producers the
// transport went away.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = map[domain.ProducerID]*Producer{}
	t.consumers = map[domain.ConsumerID]*Consumer{}
	t.mu.Unlock()

	for _, p := range producers {
		p.transportClosed()
	}
	for _, c := range consumers {
		c.Close()
	}
	return nil
}

func (t *Transport) forgetProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) forgetConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	track     ports.MediaTrack
	encodings []domain.RtpEncodingParameters
	transport *Transport

	mu               sync.Mutex
	closed           bool
	onTransportClose []func()
}

var _ ports.Producer = (*Producer)(nil)

func (p *Producer) ID() domain.ProducerID                     { return p.id }
func (p *Producer) Kind() domain.MediaKind                    { return p.kind }
func (p *Producer) Track() ports.MediaTrack                   { return p.track }
func (p *Producer) Encodings() []domain.RtpEncodingParameters { return p.encodings }

func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransportClose = append(p.onTransportClose, fn)
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops publishing. The track itself is left running.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.transport.forgetProducer(p.id)
	return nil
}

func (p *Producer) transportClosed() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handlers := p.onTransportClose
	p.onTransportClose = nil
	p.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	track      *RemoteTrack
	transport  *Transport

	mu     sync.Mutex
	paused bool
	closed bool
}

var _ ports.Consumer = (*Consumer)(nil)

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind        { return c.kind }
func (c *Consumer) Track() ports.MediaTrack       { return c.track }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume() {
	c.mu.Lock()
	if !c.closed {
		c.paused = false
	}
	c.mu.Unlock()
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the received track.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.paused = true
	c.mu.Unlock()

	c.track.Stop()
	c.transport.forgetConsumer(c.id)
	return nil
}
