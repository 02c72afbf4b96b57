package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

var testCaps = domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
	{Kind: domain.MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
	{Kind: domain.MediaKindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
}}

func testTransportOptions(id string) domain.TransportOptions {
	return domain.TransportOptions{
		ID:            domain.TransportID(id),
		IceParameters: domain.IceParameters{UsernameFragment: "ufrag", Password: "pwd"},
		IceCandidates: []domain.IceCandidate{{Foundation: "1", IP: "127.0.0.1", Port: 40000, Protocol: "udp", Type: "host"}},
		DtlsParameters: domain.DtlsParameters{
			Role:         domain.DtlsRoleAuto,
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
		},
	}
}

// fillResult copies v into a Request result through JSON, like the wire does.
func fillResult(result interface{}, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

// --- media ---

type fakeTrack struct {
	id   string
	kind domain.MediaKind

	mu      sync.Mutex
	stopped bool
	onEnded []func()
}

func newFakeTrack(kind domain.MediaKind) *fakeTrack {
	return &fakeTrack{id: uuid.NewString(), kind: kind}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	handlers := t.onEnded
	t.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = append(t.onEnded, fn)
}

type fakeStream struct {
	tracks []ports.MediaTrack
}

func (s *fakeStream) Tracks() []ports.MediaTrack { return s.tracks }

func (s *fakeStream) TrackOfKind(kind domain.MediaKind) (ports.MediaTrack, bool) {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *fakeStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

type fakeMediaSource struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (f *fakeMediaSource) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (ports.LocalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{}
	if c.Video {
		s.tracks = append(s.tracks, newFakeTrack(domain.MediaKindVideo))
	}
	if c.Audio {
		s.tracks = append(s.tracks, newFakeTrack(domain.MediaKindAudio))
	}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeMediaSource) liveTracks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.streams {
		for _, t := range s.tracks {
			if !t.Stopped() {
				n++
			}
		}
	}
	return n
}

func (f *fakeMediaSource) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// --- SFU device ---

type fakeDeviceFactory struct {
	loadErr error
}

func (f *fakeDeviceFactory) NewDevice() (ports.Device, error) {
	return &fakeDevice{loadErr: f.loadErr}, nil
}

type fakeDevice struct {
	loadErr error
	loaded  bool
	caps    domain.RtpCapabilities
}

func (d *fakeDevice) Load(_ context.Context, caps domain.RtpCapabilities) error {
	if d.loadErr != nil {
		return d.loadErr
	}
	if len(caps.Codecs) == 0 {
		return domain.NewCapabilityMismatchError("router has no codecs")
	}
	d.loaded = true
	d.caps = caps
	return nil
}

func (d *fakeDevice) Loaded() bool                            { return d.loaded }
func (d *fakeDevice) RtpCapabilities() domain.RtpCapabilities { return d.caps }
func (d *fakeDevice) CanProduce(k domain.MediaKind) bool      { return d.caps.HasKind(k) }

func (d *fakeDevice) CreateSendTransport(opts domain.TransportOptions) (ports.Transport, error) {
	return &fakeTransport{id: opts.ID, dir: domain.DirectionSend}, nil
}

func (d *fakeDevice) CreateRecvTransport(opts domain.TransportOptions) (ports.Transport, error) {
	return &fakeTransport{id: opts.ID, dir: domain.DirectionRecv}, nil
}

type fakeTransport struct {
	id  domain.TransportID
	dir domain.TransportDirection

	mu        sync.Mutex
	onConnect ports.ConnectHandler
	onProduce ports.ProduceHandler
	connected bool
	closed    bool
	producers []*fakeProducer
}

func (t *fakeTransport) ID() domain.TransportID               { return t.id }
func (t *fakeTransport) Direction() domain.TransportDirection { return t.dir }
func (t *fakeTransport) OnConnect(h ports.ConnectHandler)     { t.onConnect = h }
func (t *fakeTransport) OnProduce(h ports.ProduceHandler)     { t.onProduce = h }

func (t *fakeTransport) connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.mu.Unlock()
	return t.onConnect(ctx, domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "EF:01"}},
	})
}

func (t *fakeTransport) Produce(ctx context.Context, opts ports.ProduceOptions) (ports.Producer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	id, err := t.onProduce(ctx, opts.Track.Kind(), domain.RtpParameters{Encodings: opts.Encodings})
	if err != nil {
		return nil, err
	}
	p := &fakeProducer{id: id, kind: opts.Track.Kind(), track: opts.Track, encodings: opts.Encodings}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(ctx context.Context, opts ports.ConsumeOptions) (ports.Consumer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return &fakeConsumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		track:      newFakeTrack(opts.Kind),
		paused:     true,
	}, nil
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	t.mu.Unlock()
	for _, p := range producers {
		p.transportClosed()
	}
	return nil
}

type fakeProducer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	track     ports.MediaTrack
	encodings []domain.RtpEncodingParameters

	mu      sync.Mutex
	closed  bool
	onClose func()
}

func (p *fakeProducer) ID() domain.ProducerID                     { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind                    { return p.kind }
func (p *fakeProducer) Track() ports.MediaTrack                   { return p.track }
func (p *fakeProducer) Encodings() []domain.RtpEncodingParameters { return p.encodings }

func (p *fakeProducer) OnTransportClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

func (p *fakeProducer) transportClosed() {
	p.mu.Lock()
	fn := p.onClose
	p.closed = true
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *fakeProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	track      ports.MediaTrack

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *fakeConsumer) ID() domain.ConsumerID         { return c.id }
func (c *fakeConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind        { return c.kind }
func (c *fakeConsumer) Track() ports.MediaTrack       { return c.track }

func (c *fakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeConsumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *fakeConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.track.Stop()
	return nil
}

// --- direct mode ---

type fakePeerConnectionFactory struct {
	// gather makes every connection emit one local candidate per description.
	gather bool

	mu  sync.Mutex
	pcs []*fakePeerConnection
}

func (f *fakePeerConnectionFactory) NewPeerConnection() (ports.PeerConnection, error) {
	pc := &fakePeerConnection{gather: f.gather}
	f.mu.Lock()
	f.pcs = append(f.pcs, pc)
	f.mu.Unlock()
	return pc, nil
}

func (f *fakePeerConnectionFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

// fakePeerConnection records candidate application and counts candidates
// applied before a remote description.
type fakePeerConnection struct {
	mu         sync.Mutex
	local      *domain.SessionDescription
	remote     *domain.SessionDescription
	applied    []domain.ICECandidateInit
	violations int
	tracks     []ports.MediaTrack
	onICE      func(domain.ICECandidateInit)
	onTrack    func(ports.MediaTrack)
	closed     bool
	gather     bool
}

func (pc *fakePeerConnection) CreateOffer() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (pc *fakePeerConnection) CreateAnswer() (domain.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		return domain.SessionDescription{}, fmt.Errorf("no remote offer")
	}
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (pc *fakePeerConnection) SetLocalDescription(d domain.SessionDescription) error {
	pc.mu.Lock()
	pc.local = &d
	onICE, gather := pc.onICE, pc.gather
	pc.mu.Unlock()
	if gather && onICE != nil {
		go onICE(domain.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host " + string(d.Type)})
	}
	return nil
}

func (pc *fakePeerConnection) SetRemoteDescription(d domain.SessionDescription) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.remote = &d
	if pc.onTrack != nil && len(pc.tracks) > 0 {
		go pc.onTrack(newFakeTrack(pc.tracks[0].Kind()))
	}
	return nil
}

func (pc *fakePeerConnection) AddICECandidate(c domain.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.remote == nil {
		pc.violations++
	}
	pc.applied = append(pc.applied, c)
	return nil
}

func (pc *fakePeerConnection) AddTrack(t ports.MediaTrack) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.tracks = append(pc.tracks, t)
	return nil
}

func (pc *fakePeerConnection) OnICECandidate(fn func(domain.ICECandidateInit)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICE = fn
}

func (pc *fakePeerConnection) OnTrack(fn func(ports.MediaTrack)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = fn
}

func (pc *fakePeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.closed = true
	return nil
}

func (pc *fakePeerConnection) snapshot() (applied []domain.ICECandidateInit, violations int, remoteSet, closed bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]domain.ICECandidateInit(nil), pc.applied...), pc.violations, pc.remote != nil, pc.closed
}

// --- signaling ---

// mockSignaling is a testify mock for Request and Notify. Push handlers are
// stored so tests can fire events by hand.
type mockSignaling struct {
	mock.Mock

	local domain.PeerID

	mu       sync.Mutex
	handlers map[domain.EventName][]ports.PushHandler
	states   []func(domain.ConnectionState)
}

func newMockSignaling(local domain.PeerID) *mockSignaling {
	return &mockSignaling{local: local, handlers: make(map[domain.EventName][]ports.PushHandler)}
}

func (m *mockSignaling) Request(ctx context.Context, event domain.EventName, params, result interface{}) error {
	args := m.Called(ctx, event, params, result)
	return args.Error(0)
}

func (m *mockSignaling) Notify(ctx context.Context, event domain.EventName, params interface{}) error {
	args := m.Called(ctx, event, params)
	return args.Error(0)
}

func (m *mockSignaling) On(event domain.EventName, h ports.PushHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event.Canonical()] = append(m.handlers[event.Canonical()], h)
}

func (m *mockSignaling) OnConnectionState(fn func(domain.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, fn)
}

func (m *mockSignaling) LocalPeerID() domain.PeerID { return m.local }

func (m *mockSignaling) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockSignaling) push(event domain.Event) {
	m.mu.Lock()
	handlers := append([]ports.PushHandler(nil), m.handlers[event.EventName()]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(context.Background(), event)
	}
}

func (m *mockSignaling) setState(state domain.ConnectionState) {
	m.mu.Lock()
	fns := append(([]func(domain.ConnectionState))(nil), m.states...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// respondWith fills the Request result argument with v.
func respondWith(v interface{}) func(mock.Arguments) {
	return func(args mock.Arguments) {
		if err := fillResult(args.Get(3), v); err != nil {
			panic(err)
		}
	}
}

// --- in-memory relay ---

// fakeHub routes events between hubChannels the way the relay does and runs
// a minimal SFU room model.
type fakeHub struct {
	mu        sync.Mutex
	peers     map[domain.PeerID]*hubChannel
	rooms     map[domain.RoomID]map[domain.PeerID]bool
	producers map[domain.RoomID][]domain.NewProducerEvent
	kinds     map[domain.ProducerID]domain.MediaKind
	resumed   map[domain.PeerID]int

	// blockJoin makes joinRoom of that peer wait for ctx cancellation.
	blockJoin map[domain.PeerID]bool
	joining   atomic.Int32
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		peers:     make(map[domain.PeerID]*hubChannel),
		rooms:     make(map[domain.RoomID]map[domain.PeerID]bool),
		producers: make(map[domain.RoomID][]domain.NewProducerEvent),
		kinds:     make(map[domain.ProducerID]domain.MediaKind),
		resumed:   make(map[domain.PeerID]int),
		blockJoin: make(map[domain.PeerID]bool),
	}
}

func (h *fakeHub) connect(id domain.PeerID) *hubChannel {
	c := &hubChannel{
		hub:      h,
		id:       id,
		handlers: make(map[domain.EventName][]ports.PushHandler),
		queue:    make(chan func(), 1024),
		done:     make(chan struct{}),
	}
	go c.dispatch()
	h.mu.Lock()
	h.peers[id] = c
	h.mu.Unlock()
	return c
}

func (h *fakeHub) resumedBy(id domain.PeerID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resumed[id]
}

// leave drops peer and its producers from every room.
func (h *fakeHub) leave(peer domain.PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		delete(members, peer)
		kept := h.producers[room][:0]
		for _, p := range h.producers[room] {
			if p.PeerID != peer {
				kept = append(kept, p)
			}
		}
		h.producers[room] = kept
	}
}

func (h *fakeHub) push(to domain.PeerID, ev domain.Event) {
	h.mu.Lock()
	c := h.peers[to]
	h.mu.Unlock()
	if c != nil {
		c.deliver(ev)
	}
}

func (h *fakeHub) request(ctx context.Context, from domain.PeerID, event domain.EventName, params interface{}) (interface{}, error) {
	switch event {
	case domain.EventJoinRoom:
		req := params.(domain.JoinRoomRequest)
		h.mu.Lock()
		block := h.blockJoin[from]
		h.mu.Unlock()
		if block {
			h.joining.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		h.mu.Lock()
		if h.rooms[req.RoomID] == nil {
			h.rooms[req.RoomID] = make(map[domain.PeerID]bool)
		}
		h.rooms[req.RoomID][from] = true
		h.mu.Unlock()
		return domain.JoinRoomResponse{RtpCapabilities: testCaps}, nil

	case domain.EventCreateTransport:
		req := params.(domain.CreateTransportRequest)
		if req.Direction == domain.DirectionRecv {
			h.mu.Lock()
			var replay []domain.NewProducerEvent
			for _, p := range h.producers[req.RoomID] {
				if p.PeerID != from {
					replay = append(replay, p)
				}
			}
			h.mu.Unlock()
			for _, p := range replay {
				h.push(from, p)
			}
		}
		return testTransportOptions(uuid.NewString()), nil

	case domain.EventConnectTransport:
		return domain.Ack{}, nil

	case domain.EventProduce:
		req := params.(domain.ProduceRequest)
		ev := domain.NewProducerEvent{ProducerID: domain.ProducerID(uuid.NewString()), PeerID: from, Kind: req.Kind}
		h.mu.Lock()
		h.producers[req.RoomID] = append(h.producers[req.RoomID], ev)
		h.kinds[ev.ProducerID] = req.Kind
		var others []domain.PeerID
		for member := range h.rooms[req.RoomID] {
			if member != from {
				others = append(others, member)
			}
		}
		h.mu.Unlock()
		for _, member := range others {
			h.push(member, ev)
		}
		return domain.ProduceResponse{ID: ev.ProducerID}, nil

	case domain.EventConsume:
		req := params.(domain.ConsumeRequest)
		h.mu.Lock()
		kind := h.kinds[req.ProducerID]
		h.mu.Unlock()
		return domain.ConsumeResponse{
			ID:         domain.ConsumerID(uuid.NewString()),
			ProducerID: req.ProducerID,
			Kind:       kind,
		}, nil

	case domain.EventStartRecording:
		return domain.StartRecordingResponse{RecordingID: domain.RecordingID(uuid.NewString())}, nil

	case domain.EventStopRecording:
		req := params.(domain.StopRecordingRequest)
		return domain.StopRecordingResponse{FilePath: "/recordings/" + req.RecordingID.String() + ".webm"}, nil
	}
	return nil, fmt.Errorf("unexpected request %s", event)
}

func (h *fakeHub) notify(from domain.PeerID, event domain.EventName, params interface{}) {
	switch p := params.(type) {
	case domain.ResumeConsumerRequest:
		h.mu.Lock()
		h.resumed[from]++
		h.mu.Unlock()
	case domain.CallUserEvent:
		h.push(p.TargetUserID, domain.IncomingCallEvent{
			CallerID:       from,
			CallerUsername: from.String(),
			RoomID:         p.RoomID,
			Mode:           p.Mode,
		})
	case domain.CallAcceptedEvent:
		h.push(p.CallerID, domain.CallAcceptedEvent{CallerID: p.CallerID, From: from})
	case domain.CallRejectedEvent:
		h.leave(p.CallerID)
		h.push(p.CallerID, domain.CallRejectedEvent{CallerID: p.CallerID, From: from, Reason: p.Reason})
	case domain.CallEndedEvent:
		h.leave(from)
		h.leave(p.TargetUserID)
		h.push(p.TargetUserID, domain.CallEndedEvent{From: from})
	case domain.OfferEvent:
		p.From = from
		h.push(p.To, p)
	case domain.AnswerEvent:
		p.From = from
		h.push(p.To, p)
	case domain.IceCandidateEvent:
		p.By = from
		h.push(p.To, p)
	}
}

// hubChannel is one peer's SignalingChannel on a fakeHub. Pushes go through
// JSON and are handled on a single dispatcher goroutine.
type hubChannel struct {
	hub *fakeHub
	id  domain.PeerID

	mu       sync.Mutex
	handlers map[domain.EventName][]ports.PushHandler
	states   []func(domain.ConnectionState)
	closed   bool

	queue chan func()
	done  chan struct{}
	once  sync.Once
}

func (c *hubChannel) dispatch() {
	for {
		select {
		case fn := <-c.queue:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *hubChannel) deliver(ev domain.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	decoded, err := domain.DecodeEvent(ev.EventName(), raw)
	if err != nil {
		panic(err)
	}
	select {
	case c.queue <- func() {
		c.mu.Lock()
		handlers := append([]ports.PushHandler(nil), c.handlers[decoded.EventName()]...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(context.Background(), decoded)
		}
	}:
	case <-c.done:
	}
}

func (c *hubChannel) Request(ctx context.Context, event domain.EventName, params, result interface{}) error {
	if c.isClosed() {
		return domain.NewSignalingDisconnectError(nil)
	}
	resp, err := c.hub.request(ctx, c.id, event, params)
	if err != nil {
		return err
	}
	return fillResult(result, resp)
}

func (c *hubChannel) Notify(_ context.Context, event domain.EventName, params interface{}) error {
	if c.isClosed() {
		return domain.NewSignalingDisconnectError(nil)
	}
	c.hub.notify(c.id, event, params)
	return nil
}

func (c *hubChannel) On(event domain.EventName, h ports.PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event.Canonical()] = append(c.handlers[event.Canonical()], h)
}

func (c *hubChannel) OnConnectionState(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, fn)
}

func (c *hubChannel) LocalPeerID() domain.PeerID { return c.id }

// drop simulates losing the connection to the relay.
func (c *hubChannel) drop() {
	c.mu.Lock()
	c.closed = true
	fns := append(([]func(domain.ConnectionState))(nil), c.states...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(domain.ConnectionStateDisconnected)
	}
}

func (c *hubChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *hubChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// --- observer ---

type recordingObserver struct {
	mu     sync.Mutex
	states []domain.CallSnapshot
	users  [][]domain.User
	tracks map[domain.PeerID]int
	errs   []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{tracks: make(map[domain.PeerID]int)}
}

func (o *recordingObserver) OnCallState(s domain.CallSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) OnUsers(u []domain.User) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.users = append(o.users, u)
}

func (o *recordingObserver) OnRemoteTrack(peer domain.PeerID, _ ports.MediaTrack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracks[peer]++
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) stateTrail() []domain.CallState {
	o.mu.Lock()
	defer o.mu.Unlock()
	trail := make([]domain.CallState, 0, len(o.states))
	for _, s := range o.states {
		trail = append(trail, s.State)
	}
	return trail
}

func (o *recordingObserver) last() domain.CallSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.states) == 0 {
		return domain.CallSnapshot{}
	}
	return o.states[len(o.states)-1]
}

func (o *recordingObserver) remoteTracks(peer domain.PeerID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracks[peer]
}
