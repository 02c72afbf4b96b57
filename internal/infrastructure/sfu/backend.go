package sfu

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/internal/infrastructure/webrtc"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/utils"

	"go.uber.org/zap"
)

// Backend is an in-memory loopback router. It keeps the room, transport,
// producer, consumer and recording bookkeeping a media server would, but
// forwards no media.
type Backend struct {
	caps      domain.RtpCapabilities
	identity  *webrtc.Identity
	recordDir string
	logger    *zap.SugaredLogger

	// archive is optional; finished recordings are uploaded in the background.
	archive  ports.RecordingArchive
	archives sync.WaitGroup

	mu         sync.Mutex
	rooms      map[domain.RoomID]*room
	recordings map[domain.RecordingID]*recording
}

type room struct {
	id        domain.RoomID
	members   map[domain.PeerID]*member
	producers []*producer
	createdAt time.Time
}

type member struct {
	transports map[domain.TransportID]*transport
	consumers  map[domain.ConsumerID]*consumer
}

type transport struct {
	id        domain.TransportID
	direction domain.TransportDirection
	connected bool
}

type producer struct {
	id    domain.ProducerID
	peer  domain.PeerID
	kind  domain.MediaKind
	rtp   domain.RtpParameters
	paths []domain.RecordingID
}

type consumer struct {
	id       domain.ConsumerID
	producer domain.ProducerID
	paused   bool
}

type recording struct {
	id       domain.RecordingID
	room     domain.RoomID
	producer domain.ProducerID
	path     string
	started  time.Time
	sink     *webmSink
}

var _ ports.RoomBackend = (*Backend)(nil)

func NewBackend(recordDir string, logger *zap.SugaredLogger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	identity, err := webrtc.NewIdentity()
	if err != nil {
		return nil, err
	}
	return &Backend{
		caps:       webrtc.RouterCapabilities(),
		identity:   identity,
		recordDir:  recordDir,
		logger:     logger,
		rooms:      make(map[domain.RoomID]*room),
		recordings: make(map[domain.RecordingID]*recording),
	}, nil
}

// SetArchive uploads every recording to archive once it is finalized.
func (b *Backend) SetArchive(archive ports.RecordingArchive) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.archive = archive
}

// archiveLocked schedules the upload of a finalized recording.
func (b *Backend) archiveLocked(rec *recording) {
	if b.archive == nil {
		return
	}
	archive := b.archive
	key := rec.room.String() + "/" + filepath.Base(rec.path)
	b.archives.Add(1)
	go func() {
		defer b.archives.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := archive.Archive(ctx, key, rec.path); err != nil {
			b.logger.Errorw("failed to archive recording", "recording_id", rec.id, "path", rec.path, "error", err)
		}
	}()
}

func (b *Backend) Join(ctx context.Context, roomID domain.RoomID, peer domain.PeerID) (domain.RtpCapabilities, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[domain.PeerID]*member), createdAt: time.Now()}
		b.rooms[roomID] = r
		b.logger.Infow("room created", "room_id", roomID)
	}
	if _, joined := r.members[peer]; !joined {
		r.members[peer] = &member{
			transports: make(map[domain.TransportID]*transport),
			consumers:  make(map[domain.ConsumerID]*consumer),
		}
	}
	b.logger.Infow("peer joined room", "room_id", roomID, "peer_id", peer, "members", len(r.members))
	return b.caps, nil
}

func (b *Backend) memberLocked(roomID domain.RoomID, peer domain.PeerID) (*room, *member, error) {
	r, ok := b.rooms[roomID]
	if !ok {
		return nil, nil, domain.ErrRoomNotFound
	}
	m, ok := r.members[peer]
	if !ok {
		return nil, nil, domain.NewPreconditionError("peer %s has not joined room %s", peer, roomID)
	}
	return r, m, nil
}

func (b *Backend) CreateTransport(ctx context.Context, roomID domain.RoomID, peer domain.PeerID, dir domain.TransportDirection) (domain.TransportOptions, error) {
	if !dir.Valid() {
		return domain.TransportOptions{}, apperrors.NewInvalidInputError("invalid transport direction")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, m, err := b.memberLocked(roomID, peer)
	if err != nil {
		return domain.TransportOptions{}, err
	}

	t := &transport{id: domain.TransportID(utils.GenerateID("transport")), direction: dir}
	m.transports[t.id] = t

	return domain.TransportOptions{
		ID:            t.id,
		IceParameters: webrtc.NewIceParameters(),
		IceCandidates: []domain.IceCandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         "127.0.0.1",
			Protocol:   "udp",
			Port:       40000,
			Type:       "host",
		}},
		DtlsParameters: b.identity.DtlsParameters(domain.DtlsRoleAuto),
	}, nil
}

func (b *Backend) ConnectTransport(ctx context.Context, roomID domain.RoomID, peer domain.PeerID, id domain.TransportID, dtls domain.DtlsParameters) error {
	if len(dtls.Fingerprints) == 0 {
		return apperrors.NewInvalidInputError("dtls fingerprints are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, m, err := b.memberLocked(roomID, peer)
	if err != nil {
		return err
	}
	t, ok := m.transports[id]
	if !ok {
		return domain.ErrTransportNotFound
	}
	if t.connected {
		return domain.NewPreconditionError("transport %s already connected", id)
	}
	t.connected = true
	return nil
}

// transportLocked returns the transport id of the given direction. Send
// transports must be connected before producing; recv transports connect
// after the first consume.
func transportLocked(m *member, id domain.TransportID, dir domain.TransportDirection) (*transport, error) {
	t, ok := m.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if t.direction != dir {
		return nil, domain.NewPreconditionError("transport %s is not a %s transport", id, dir)
	}
	if dir == domain.DirectionSend && !t.connected {
		return nil, domain.NewPreconditionError("transport %s not connected", id)
	}
	return t, nil
}

func (b *Backend) Produce(ctx context.Context, req domain.ProduceRequest, peer domain.PeerID) (domain.ProducerID, error) {
	if !req.Kind.Valid() {
		return "", apperrors.NewInvalidInputError("invalid media kind")
	}
	if len(req.RtpParameters.Codecs) == 0 {
		return "", apperrors.NewInvalidInputError("rtpParameters carry no codec")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	r, m, err := b.memberLocked(req.RoomID, peer)
	if err != nil {
		return "", err
	}
	if _, err := transportLocked(m, req.TransportID, domain.DirectionSend); err != nil {
		return "", err
	}

	p := &producer{
		id:   domain.ProducerID(utils.GenerateID("producer")),
		peer: peer,
		kind: req.Kind,
		rtp:  req.RtpParameters,
	}
	r.producers = append(r.producers, p)
	b.logger.Infow("producer created", "room_id", r.id, "peer_id", peer, "producer_id", p.id, "kind", p.kind, "layers", len(p.rtp.Encodings))
	return p.id, nil
}

func (b *Backend) Consume(ctx context.Context, req domain.ConsumeRequest, peer domain.PeerID) (domain.ConsumeResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, m, err := b.memberLocked(req.RoomID, peer)
	if err != nil {
		return domain.ConsumeResponse{}, err
	}
	if _, err := transportLocked(m, req.TransportID, domain.DirectionRecv); err != nil {
		return domain.ConsumeResponse{}, err
	}

	p := r.producer(req.ProducerID)
	if p == nil {
		return domain.ConsumeResponse{}, domain.ErrProducerNotFound
	}
	if p.peer == peer {
		return domain.ConsumeResponse{}, domain.NewPreconditionError("cannot consume own producer %s", p.id)
	}
	if !req.RtpCapabilities.HasKind(p.kind) {
		return domain.ConsumeResponse{}, domain.NewCapabilityMismatchError("consumer cannot receive %s", p.kind)
	}

	c := &consumer{id: domain.ConsumerID(utils.GenerateID("consumer")), producer: p.id, paused: true}
	m.consumers[c.id] = c

	// The consumer receives a single stream, whatever the simulcast layers.
	rtp := domain.RtpParameters{Mid: p.rtp.Mid, Codecs: p.rtp.Codecs}
	return domain.ConsumeResponse{ID: c.id, ProducerID: p.id, Kind: p.kind, RtpParameters: rtp}, nil
}

func (b *Backend) ResumeConsumer(ctx context.Context, roomID domain.RoomID, peer domain.PeerID, id domain.ConsumerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, m, err := b.memberLocked(roomID, peer)
	if err != nil {
		return err
	}
	c, ok := m.consumers[id]
	if !ok {
		return domain.ErrConsumerNotFound
	}
	c.paused = false
	return nil
}

// ConsumerPaused reports the paused flag of a consumer.
func (b *Backend) ConsumerPaused(roomID domain.RoomID, peer domain.PeerID, id domain.ConsumerID) (paused, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, m, err := b.memberLocked(roomID, peer)
	if err != nil {
		return false, false
	}
	c, ok := m.consumers[id]
	if !ok {
		return false, false
	}
	return c.paused, true
}

func (b *Backend) ProducersExcept(ctx context.Context, roomID domain.RoomID, peer domain.PeerID) []domain.NewProducerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil
	}
	var out []domain.NewProducerEvent
	for _, p := range r.producers {
		if p.peer != peer {
			out = append(out, domain.NewProducerEvent{ProducerID: p.id, PeerID: p.peer, Kind: p.kind})
		}
	}
	return out
}

func (b *Backend) Members(ctx context.Context, roomID domain.RoomID) []domain.PeerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]domain.PeerID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StartRecording records a producer of a room peer belongs to.
func (b *Backend) StartRecording(ctx context.Context, req domain.StartRecordingRequest, peer domain.PeerID) (domain.RecordingID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[req.RoomID]
	if !ok {
		return "", domain.ErrRoomNotFound
	}
	if _, joined := r.members[peer]; !joined {
		return "", domain.NewPreconditionError("peer %s has not joined room %s", peer, r.id)
	}
	p := r.producer(req.ProducerID)
	if p == nil {
		return "", domain.ErrProducerNotFound
	}
	if len(p.paths) > 0 {
		return "", domain.NewPreconditionError("producer %s is already being recorded", p.id)
	}

	rec := &recording{
		id:       domain.RecordingID(utils.GenerateID("rec")),
		room:     r.id,
		producer: p.id,
		started:  time.Now(),
	}
	rec.path = filepath.Join(b.recordDir, rec.id.String()+".webm")
	sink, err := newWebmSink(rec.path, p.kind, p.rtp.Codecs)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeRecording, "start recording of %s", p.id)
	}
	rec.sink = sink
	b.recordings[rec.id] = rec
	p.paths = append(p.paths, rec.id)

	b.logger.Infow("recording started", "room_id", r.id, "producer_id", p.id, "recording_id", rec.id)
	return rec.id, nil
}

// StopRecording finalizes a recording of a room peer belongs to.
func (b *Backend) StopRecording(ctx context.Context, peer domain.PeerID, id domain.RecordingID) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.recordings[id]
	if !ok {
		return "", domain.ErrRecordingNotFound
	}
	if r, ok := b.rooms[rec.room]; !ok || r.members[peer] == nil {
		return "", domain.NewPreconditionError("peer %s has not joined room %s", peer, rec.room)
	}
	b.dropRecordingLocked(rec)
	if err := rec.sink.Close(); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeRecording, "finalize recording %s", id)
	}
	b.archiveLocked(rec)
	b.logger.Infow("recording stopped", "recording_id", id, "path", rec.path, "duration", time.Since(rec.started))
	return rec.path, nil
}

func (b *Backend) dropRecordingLocked(rec *recording) {
	delete(b.recordings, rec.id)
	if r, ok := b.rooms[rec.room]; ok {
		if p := r.producer(rec.producer); p != nil {
			p.paths = nil
		}
	}
}

// Leave drops peer with its producers and recordings from every room.
// Empty rooms are removed.
func (b *Backend) Leave(ctx context.Context, peer domain.PeerID) []domain.RoomID {
	b.mu.Lock()
	defer b.mu.Unlock()

	var left []domain.RoomID
	for id, r := range b.rooms {
		if _, ok := r.members[peer]; !ok {
			continue
		}
		delete(r.members, peer)
		left = append(left, id)

		kept := r.producers[:0]
		for _, p := range r.producers {
			if p.peer != peer {
				kept = append(kept, p)
				continue
			}
			for _, recID := range p.paths {
				if rec, ok := b.recordings[recID]; ok {
					if err := rec.sink.Close(); err != nil {
						b.logger.Warnw("failed to finalize recording", "recording_id", recID, "error", err)
					} else {
						b.archiveLocked(rec)
					}
					delete(b.recordings, recID)
				}
			}
		}
		r.producers = kept

		if len(r.members) == 0 {
			delete(b.rooms, id)
			b.logger.Infow("room closed", "room_id", id, "lifetime", time.Since(r.createdAt))
		}
	}
	return left
}

// Close finalizes every live recording and waits for pending uploads.
// Rooms are left as they are.
func (b *Backend) Close() error {
	b.mu.Lock()
	var first error
	for id, rec := range b.recordings {
		b.dropRecordingLocked(rec)
		if err := rec.sink.Close(); err != nil {
			b.logger.Warnw("failed to finalize recording", "recording_id", id, "error", err)
			if first == nil {
				first = err
			}
			continue
		}
		b.archiveLocked(rec)
	}
	b.mu.Unlock()

	b.archives.Wait()
	return first
}

// Stats returns the number of rooms and live recordings.
func (b *Backend) Stats() (rooms, recordings int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms), len(b.recordings)
}

func (r *room) producer(id domain.ProducerID) *producer {
	for _, p := range r.producers {
		if p.id == id {
			return p
		}
	}
	return nil
}
