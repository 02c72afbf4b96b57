package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"

	"go.uber.org/zap"
)

// RemoteConsumerFunc is called once a consumer is registered and resumed.
type RemoteConsumerFunc func(consumer ports.Consumer, peerID domain.PeerID)

// Orchestrator runs the SFU protocol for one peer: join, transports,
// produce, consume.
type Orchestrator struct {
	signaling ports.SignalingChannel
	devices   ports.DeviceFactory
	registry  *Registry
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	device     ports.Device
	roomID     domain.RoomID
	joined     bool
	recvReady  bool
	epoch      uint64
	roomCtx    context.Context
	roomCancel context.CancelFunc
	pending    []domain.NewProducerEvent
	consumed   map[domain.ProducerID]struct{}
	onConsumer RemoteConsumerFunc
}

func NewOrchestrator(
	signaling ports.SignalingChannel,
	devices ports.DeviceFactory,
	registry *Registry,
	logger *zap.SugaredLogger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	o := &Orchestrator{
		signaling: signaling,
		devices:   devices,
		registry:  registry,
		logger:    logger,
		consumed:  make(map[domain.ProducerID]struct{}),
	}
	signaling.On(domain.EventNewProducer, o.handleNewProducer)
	return o
}

// OnRemoteConsumer sets the callback for newly consumed remote media.
func (o *Orchestrator) OnRemoteConsumer(fn RemoteConsumerFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onConsumer = fn
}

func (o *Orchestrator) RoomID() domain.RoomID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roomID
}

// JoinRoom fetches the router capabilities and loads a fresh device with them.
func (o *Orchestrator) JoinRoom(ctx context.Context, roomID domain.RoomID) (err error) {
	ctx, span := tracing.TraceMedia(ctx, "join", roomID.String())
	defer func() { tracing.EndSpan(span, err) }()
	defer tracing.MeasureDuration(ctx, time.Now(), "join_room")

	o.mu.Lock()
	if o.joined {
		current := o.roomID
		o.mu.Unlock()
		return domain.NewPreconditionError("already joined room %s", current)
	}
	epoch := o.epoch
	o.mu.Unlock()

	var resp domain.JoinRoomResponse
	if err := o.signaling.Request(ctx, domain.EventJoinRoom, domain.JoinRoomRequest{RoomID: roomID}, &resp); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	device, err := o.devices.NewDevice()
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	if err := device.Load(ctx, resp.RtpCapabilities); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.admitLocked(ctx, epoch); err != nil {
		return err
	}
	o.device = device
	o.roomID = roomID
	o.joined = true
	o.recvReady = false
	o.roomCtx, o.roomCancel = context.WithCancel(context.WithoutCancel(ctx))
	o.logger.Infow("joined room", "room_id", roomID)
	return nil
}

// CreateTransports creates the send transport, then the recv transport.
func (o *Orchestrator) CreateTransports(ctx context.Context) error {
	if err := o.CreateSendTransport(ctx); err != nil {
		return err
	}
	return o.CreateRecvTransport(ctx)
}

func (o *Orchestrator) CreateSendTransport(ctx context.Context) error {
	_, err := o.createTransport(ctx, domain.DirectionSend)
	return err
}

// CreateRecvTransport also consumes every newProducer that arrived while
// the transport did not exist yet.
func (o *Orchestrator) CreateRecvTransport(ctx context.Context) error {
	epoch, err := o.createTransport(ctx, domain.DirectionRecv)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return nil
	}
	o.recvReady = true
	pending := o.pending
	o.pending = nil
	roomCtx := o.roomCtx
	o.mu.Unlock()

	for _, ev := range pending {
		o.consumeAnnounced(roomCtx, ev)
	}
	return nil
}

func (o *Orchestrator) createTransport(ctx context.Context, dir domain.TransportDirection) (epoch uint64, err error) {
	o.mu.Lock()
	if !o.joined {
		o.mu.Unlock()
		return 0, domain.NewPreconditionError("create %s transport before joining a room", dir)
	}
	device, roomID := o.device, o.roomID
	epoch = o.epoch
	o.mu.Unlock()

	ctx, span := tracing.TraceMedia(ctx, "create_transport."+string(dir), roomID.String())
	defer func() { tracing.EndSpan(span, err) }()

	var opts domain.TransportOptions
	if err := o.signaling.Request(ctx, domain.EventCreateTransport, domain.CreateTransportRequest{RoomID: roomID, Direction: dir}, &opts); err != nil {
		return epoch, fmt.Errorf("create %s transport: %w", dir, err)
	}
	if err := opts.Validate(); err != nil {
		return epoch, domain.NewNegotiationError(err, "invalid %s transport options", dir)
	}

	var transport ports.Transport
	if dir == domain.DirectionSend {
		transport, err = device.CreateSendTransport(opts)
	} else {
		transport, err = device.CreateRecvTransport(opts)
	}
	if err != nil {
		return epoch, domain.NewNegotiationError(err, "create local %s transport", dir)
	}

	transportID := transport.ID()
	transport.OnConnect(func(ctx context.Context, dtls domain.DtlsParameters) error {
		o.logger.Debugw("connecting transport", "transport_id", transportID, "direction", dir)
		return o.signaling.Request(ctx, domain.EventConnectTransport, domain.ConnectTransportRequest{
			RoomID:         roomID,
			TransportID:    transportID,
			DtlsParameters: dtls,
		}, &domain.Ack{})
	})
	if dir == domain.DirectionSend {
		transport.OnProduce(func(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error) {
			var resp domain.ProduceResponse
			err := o.signaling.Request(ctx, domain.EventProduce, domain.ProduceRequest{
				RoomID:        roomID,
				TransportID:   transportID,
				Kind:          kind,
				RtpParameters: rtp,
			}, &resp)
			return resp.ID, err
		})
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.admitLocked(ctx, epoch); err != nil {
		transport.Close()
		return epoch, err
	}
	if err := o.registry.RegisterTransport(transport); err != nil {
		transport.Close()
		return epoch, err
	}
	o.logger.Infow("transport created", "transport_id", transportID, "direction", dir, "room_id", roomID)
	return epoch, nil
}

// Produce publishes track on the send transport. Video gets the simulcast
// layers and the default codec options.
func (o *Orchestrator) Produce(ctx context.Context, track ports.MediaTrack) (producer ports.Producer, err error) {
	send := o.registry.SendTransport()
	if send == nil {
		return nil, domain.NewPreconditionError("send transport not created")
	}

	o.mu.Lock()
	epoch, roomID := o.epoch, o.roomID
	o.mu.Unlock()

	ctx, span := tracing.TraceMedia(ctx, "produce."+string(track.Kind()), roomID.String())
	defer func() { tracing.EndSpan(span, err) }()

	opts := ports.ProduceOptions{Track: track}
	if track.Kind() == domain.MediaKindVideo {
		opts.Encodings = domain.SimulcastEncodings()
		opts.CodecOptions = domain.DefaultCodecOptions
	}

	producer, err = send.Produce(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("produce %s: %w", track.Kind(), err)
	}

	id := producer.ID()
	o.mu.Lock()
	if err := o.admitLocked(ctx, epoch); err != nil {
		o.mu.Unlock()
		producer.Close()
		return nil, err
	}
	if err := o.registry.RegisterProducer(producer); err != nil {
		o.mu.Unlock()
		producer.Close()
		return nil, err
	}
	o.mu.Unlock()

	track.OnEnded(func() {
		o.logger.Debugw("track ended, closing producer", "producer_id", id)
		if err := o.registry.CloseProducer(id); err != nil {
			o.logger.Warnw("failed to close producer", "producer_id", id, "error", err)
		}
	})
	producer.OnTransportClose(func() {
		o.registry.ForgetProducer(id)
	})

	o.logger.Infow("producing", "producer_id", id, "kind", track.Kind(), "layers", len(opts.Encodings))
	return producer, nil
}

// CloseProducer stops publishing one producer.
func (o *Orchestrator) CloseProducer(id domain.ProducerID) error {
	return o.registry.CloseProducer(id)
}

// ProducerOfKind returns a live local producer of kind.
func (o *Orchestrator) ProducerOfKind(kind domain.MediaKind) (ports.Producer, bool) {
	return o.registry.ProducerOfKind(kind)
}

// Consume subscribes to a remote producer. The consumer is registered before
// resumeConsumer is sent, and the callback runs last.
func (o *Orchestrator) Consume(ctx context.Context, producerID domain.ProducerID, peerID domain.PeerID) (consumer ports.Consumer, err error) {
	recv := o.registry.RecvTransport()
	if recv == nil {
		return nil, domain.NewPreconditionError("recv transport not created")
	}

	o.mu.Lock()
	epoch, roomID, device := o.epoch, o.roomID, o.device
	o.mu.Unlock()

	ctx, span := tracing.TraceMedia(ctx, "consume", roomID.String())
	defer func() { tracing.EndSpan(span, err) }()

	var resp domain.ConsumeResponse
	if err := o.signaling.Request(ctx, domain.EventConsume, domain.ConsumeRequest{
		RoomID:          roomID,
		TransportID:     recv.ID(),
		ProducerID:      producerID,
		RtpCapabilities: device.RtpCapabilities(),
	}, &resp); err != nil {
		return nil, fmt.Errorf("consume %s: %w", producerID, err)
	}

	consumer, err = recv.Consume(ctx, ports.ConsumeOptions{
		ID:            resp.ID,
		ProducerID:    resp.ProducerID,
		Kind:          resp.Kind,
		RtpParameters: resp.RtpParameters,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", producerID, err)
	}

	o.mu.Lock()
	if err := o.admitLocked(ctx, epoch); err != nil {
		o.mu.Unlock()
		consumer.Close()
		return nil, err
	}
	if err := o.registry.RegisterConsumer(consumer, peerID); err != nil {
		o.mu.Unlock()
		consumer.Close()
		return nil, err
	}
	o.consumed[producerID] = struct{}{}
	onConsumer := o.onConsumer
	o.mu.Unlock()

	if err := o.signaling.Notify(ctx, domain.EventResumeConsumer, domain.ResumeConsumerRequest{RoomID: roomID, ConsumerID: consumer.ID()}); err != nil {
		o.registry.CloseConsumer(consumer.ID())
		return nil, fmt.Errorf("resume consumer %s: %w", consumer.ID(), err)
	}

	// Reset may have closed the consumer while resumeConsumer was in flight.
	o.mu.Lock()
	err = o.admitLocked(ctx, epoch)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	consumer.Resume()

	o.logger.Infow("consuming", "consumer_id", consumer.ID(), "producer_id", producerID, "peer_id", peerID, "kind", consumer.Kind())
	if onConsumer != nil {
		onConsumer(consumer, peerID)
	}
	return consumer, nil
}

// Reset closes every resource of the current room and forgets the room.
// Operations still in flight for the old room are discarded when they finish.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	o.epoch++
	if o.roomCancel != nil {
		o.roomCancel()
	}
	o.roomCtx, o.roomCancel = nil, nil
	o.device = nil
	o.roomID = ""
	o.joined = false
	o.recvReady = false
	o.pending = nil
	o.consumed = make(map[domain.ProducerID]struct{})
	o.mu.Unlock()

	return o.registry.CloseAll()
}

func (o *Orchestrator) handleNewProducer(_ context.Context, event domain.Event) {
	ev, ok := event.(domain.NewProducerEvent)
	if !ok {
		return
	}
	if ev.PeerID != "" && ev.PeerID == o.signaling.LocalPeerID() {
		return
	}

	o.mu.Lock()
	if !o.joined {
		o.mu.Unlock()
		o.logger.Debugw("ignoring newProducer outside a room", "producer_id", ev.ProducerID)
		return
	}
	if !o.recvReady {
		o.pending = append(o.pending, ev)
		o.mu.Unlock()
		o.logger.Debugw("queued newProducer until recv transport exists", "producer_id", ev.ProducerID)
		return
	}
	roomCtx := o.roomCtx
	o.mu.Unlock()

	o.consumeAnnounced(roomCtx, ev)
}

func (o *Orchestrator) consumeAnnounced(ctx context.Context, ev domain.NewProducerEvent) {
	o.mu.Lock()
	if _, seen := o.consumed[ev.ProducerID]; seen || o.registry.HasConsumerFor(ev.ProducerID) {
		o.mu.Unlock()
		return
	}
	o.consumed[ev.ProducerID] = struct{}{}
	o.mu.Unlock()

	if _, err := o.Consume(ctx, ev.ProducerID, ev.PeerID); err != nil {
		o.mu.Lock()
		delete(o.consumed, ev.ProducerID)
		o.mu.Unlock()
		o.logger.Warnw("auto-consume failed", "producer_id", ev.ProducerID, "peer_id", ev.PeerID, "error", err)
	}
}

// admitLocked rejects results of operations that belong to a room that was
// reset, or whose call was cancelled, while they were in flight.
func (o *Orchestrator) admitLocked(ctx context.Context, epoch uint64) error {
	if o.epoch != epoch {
		return domain.NewCancelledError("room was reset during the operation")
	}
	if err := ctx.Err(); err != nil {
		return domain.NewCancelledError("operation cancelled: %v", err)
	}
	return nil
}
