package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/config"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/tracing"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsrpc "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayMetrics is implemented by monitoring.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageHandled(method string, err error)
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ConnectionOpened()            {}
func (nopRelayMetrics) ConnectionClosed()            {}
func (nopRelayMetrics) MessageHandled(string, error) {}

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadLimitBytes    int64
	RequireAuth       bool
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadLimitBytes: 1 << 20,
	}
}

// ServerConfigFrom maps the signal and rate limiting sections.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	out := ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		ReadLimitBytes: cfg.Signal.ReadLimitBytes,
		RequireAuth:    cfg.Signal.RequireAuth,
	}
	if cfg.RateLimiting.Enabled {
		out.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		out.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return out
}

type ServerDeps struct {
	Presence ports.PresenceRepository
	Rooms    ports.RoomBackend
	// Auth is optional; without it every connection is anonymous.
	Auth    ports.AuthService
	Metrics RelayMetrics
	Logger  *zap.SugaredLogger
}

// Server is the coordination relay. It assigns peer ids, keeps the user
// directory, forwards call control and offer/answer traffic between peers
// and fronts a RoomBackend for the SFU events.
type Server struct {
	cfg      ServerConfig
	presence ports.PresenceRepository
	rooms    ports.RoomBackend
	auth     ports.AuthService
	metrics  RelayMetrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	peers    map[domain.PeerID]*peer
	partners map[domain.PeerID]domain.PeerID
}

type peer struct {
	id          domain.PeerID
	conn        *jsonrpc2.Conn
	limiter     *rate.Limiter
	connectedAt time.Time

	mu       sync.Mutex
	username string
}

func (p *peer) name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.username
}

func (p *peer) setName(username string) {
	p.mu.Lock()
	p.username = username
	p.mu.Unlock()
}

func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = defaults.ReadLimitBytes
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRelayMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	return &Server{
		cfg:      cfg,
		presence: deps.Presence,
		rooms:    deps.Rooms,
		auth:     deps.Auth,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:    make(map[domain.PeerID]*peer),
		partners: make(map[domain.PeerID]domain.PeerID),
	}
}

// HandleWebSocket upgrades the request and serves one peer until it
// disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	username, err := s.authenticate(r)
	if err != nil {
		s.logger.Warnw("websocket auth failed", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := domain.PeerID(utils.GenerateID("peer"))
	ws, err := s.upgrader.Upgrade(w, r, http.Header{PeerIDHeader: []string{id.String()}})
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	ws.SetReadLimit(s.cfg.ReadLimitBytes)
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	p := &peer{id: id, connectedAt: time.Now(), username: username}
	if s.cfg.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.Burst, 1))
	}

	ctx := context.Background()
	s.mu.Lock()
	p.conn = jsonrpc2.NewConn(ctx, wsrpc.NewObjectStream(ws), &peerHandler{server: s, peer: p})
	s.peers[id] = p
	s.mu.Unlock()

	s.metrics.ConnectionOpened()
	s.logger.Infow("peer connected", "peer_id", id, "username", username)

	if username != "" {
		if err := s.announce(ctx, p, username); err != nil {
			s.logger.Warnw("announce failed", "peer_id", id, "error", err)
		}
	}

	s.keepalive(ws, p.conn)
	s.cleanup(p)
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.auth == nil {
		return "", nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		if s.cfg.RequireAuth {
			return "", domain.ErrInvalidToken
		}
		return "", nil
	}

	claims, err := s.auth.ValidateToken(r.Context(), token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}

// keepalive pings the peer until its connection closes.
func (s *Server) keepalive(ws *websocket.Conn, conn *jsonrpc2.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.DisconnectNotify():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Server) cleanup(p *peer) {
	ctx := context.Background()

	s.mu.Lock()
	delete(s.peers, p.id)
	partner := s.unpairLocked(p.id)
	s.mu.Unlock()

	if partner != "" {
		s.rooms.Leave(ctx, partner)
		s.setInCall(ctx, partner, false)
		s.send(ctx, partner, domain.CallEndedEvent{TargetUserID: partner, From: p.id})
	}
	s.rooms.Leave(ctx, p.id)
	if err := s.presence.Remove(ctx, p.id); err != nil {
		s.logger.Debugw("presence remove failed", "peer_id", p.id, "error", err)
	}
	s.broadcastUsers(ctx)

	s.metrics.ConnectionClosed()
	s.logger.Infow("peer disconnected", "peer_id", p.id, "partner", partner)
}

type peerHandler struct {
	server *Server
	peer   *peer
}

// outbound is a push sent after the triggering message was answered.
type outbound struct {
	to    domain.PeerID
	event domain.Event
}

func (h *peerHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	s, p := h.server, h.peer

	if p.limiter != nil && !p.limiter.Allow() {
		err := apperrors.NewRateLimitError()
		s.metrics.MessageHandled(req.Method, err)
		s.logger.Warnw("message rate limited", "peer_id", p.id, "method", req.Method)
		if !req.Notif {
			_ = conn.ReplyWithError(ctx, req.ID, toRPCError(err))
		}
		return
	}

	spanCtx, span := tracing.TraceSignal(ctx, req.Method, p.id.String())
	result, pushes, err := s.dispatch(spanCtx, p, req)
	tracing.EndSpan(span, err)
	s.metrics.MessageHandled(req.Method, err)

	switch {
	case req.Notif:
		if err != nil {
			s.logger.Infow("error handling notification", "peer_id", p.id, "method", req.Method, "error", err)
		}
	case err != nil:
		s.logger.Infow("error handling request", "peer_id", p.id, "method", req.Method, "error", err)
		_ = conn.ReplyWithError(ctx, req.ID, toRPCError(err))
	default:
		if err := conn.Reply(ctx, req.ID, result); err != nil {
			s.logger.Debugw("reply failed", "peer_id", p.id, "method", req.Method, "error", err)
		}
	}

	for _, out := range pushes {
		s.send(ctx, out.to, out.event)
	}
}

func (s *Server) dispatch(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	switch domain.EventName(req.Method).Canonical() {
	case domain.EventRegisterUser:
		return s.handleRegisterUser(ctx, p, req)
	case domain.EventCallUser:
		return s.handleCallUser(ctx, p, req)
	case domain.EventCallAccepted:
		return s.handleCallAccepted(ctx, p, req)
	case domain.EventCallRejected:
		return s.handleCallRejected(ctx, p, req)
	case domain.EventCallEnded:
		return s.handleCallEnded(ctx, p, req)
	case domain.EventOffer, domain.EventAnswer, domain.EventIceCandidate:
		return s.handleRelay(p, req)
	case domain.EventJoinRoom:
		return s.handleJoinRoom(ctx, p, req)
	case domain.EventCreateTransport:
		return s.handleCreateTransport(ctx, p, req)
	case domain.EventConnectTransport:
		return s.handleConnectTransport(ctx, p, req)
	case domain.EventProduce:
		return s.handleProduce(ctx, p, req)
	case domain.EventConsume:
		return s.handleConsume(ctx, p, req)
	case domain.EventResumeConsumer:
		return s.handleResumeConsumer(ctx, p, req)
	case domain.EventStartRecording:
		return s.handleStartRecording(ctx, p, req)
	case domain.EventStopRecording:
		return s.handleStopRecording(ctx, p, req)
	}
	return nil, nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
}

func decodeParams[T any](req *jsonrpc2.Request) (T, error) {
	var v T
	if req.Params == nil {
		return v, nil
	}
	if err := json.Unmarshal(*req.Params, &v); err != nil {
		return v, apperrors.NewInvalidInputError(fmt.Sprintf("invalid %s params: %v", req.Method, err))
	}
	return v, nil
}

func invalid(err error) error {
	return apperrors.NewInvalidInputError(err.Error())
}

func (s *Server) handleRegisterUser(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.RegisterUserEvent](req)
	if err != nil {
		return nil, nil, err
	}
	username := utils.SanitizeString(ev.Username)
	if err := validation.ValidateUsername(username); err != nil {
		return nil, nil, invalid(err)
	}
	if err := s.announce(ctx, p, username); err != nil {
		return nil, nil, err
	}
	return domain.Ack{}, nil, nil
}

// announce stores the peer's presence and pushes the new user list.
func (s *Server) announce(ctx context.Context, p *peer, username string) error {
	p.setName(username)
	err := s.presence.Upsert(ctx, &domain.Presence{
		User:        domain.User{ID: p.id, Username: username},
		ConnectedAt: p.connectedAt,
	})
	if err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	s.logger.Infow("user registered", "peer_id", p.id, "username", username)
	s.broadcastUsers(ctx)
	return nil
}

func (s *Server) handleCallUser(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.CallUserEvent](req)
	if err != nil {
		return nil, nil, err
	}
	if ev.TargetUserID == "" || ev.TargetUserID == p.id {
		return nil, nil, apperrors.NewInvalidInputError("invalid call target")
	}

	if !s.IsPeerConnected(ev.TargetUserID) {
		s.rooms.Leave(ctx, p.id)
		return domain.Ack{}, []outbound{{to: p.id, event: domain.CallRejectedEvent{
			CallerID: p.id,
			From:     ev.TargetUserID,
			Reason:   domain.RejectUnavailable,
		}}}, nil
	}

	s.pair(p.id, ev.TargetUserID)
	s.logger.Infow("routing call", "from_peer", p.id, "to_peer", ev.TargetUserID, "room_id", ev.RoomID, "mode", ev.Mode)
	return domain.Ack{}, []outbound{{to: ev.TargetUserID, event: domain.IncomingCallEvent{
		CallerID:       p.id,
		CallerUsername: p.name(),
		RoomID:         ev.RoomID,
		Mode:           ev.Mode,
	}}}, nil
}

func (s *Server) handleCallAccepted(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.CallAcceptedEvent](req)
	if err != nil {
		return nil, nil, err
	}
	if ev.CallerID == "" {
		return nil, nil, apperrors.NewInvalidInputError("callerId is required")
	}

	s.setInCall(ctx, p.id, true)
	s.setInCall(ctx, ev.CallerID, true)
	return domain.Ack{}, []outbound{{to: ev.CallerID, event: domain.CallAcceptedEvent{CallerID: ev.CallerID, From: p.id}}}, nil
}

func (s *Server) handleCallRejected(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.CallRejectedEvent](req)
	if err != nil {
		return nil, nil, err
	}
	if ev.CallerID == "" {
		return nil, nil, apperrors.NewInvalidInputError("callerId is required")
	}

	// The caller joined its room before calling; a caller paired with
	// someone else is in a live call and keeps its room.
	if s.unpair(ev.CallerID, p.id) || !s.hasPartner(ev.CallerID) {
		s.rooms.Leave(ctx, ev.CallerID)
	}
	return domain.Ack{}, []outbound{{to: ev.CallerID, event: domain.CallRejectedEvent{
		CallerID: ev.CallerID,
		From:     p.id,
		Reason:   ev.Reason,
	}}}, nil
}

func (s *Server) handleCallEnded(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.CallEndedEvent](req)
	if err != nil {
		return nil, nil, err
	}
	if ev.TargetUserID == "" {
		return nil, nil, apperrors.NewInvalidInputError("targetUserId is required")
	}

	s.rooms.Leave(ctx, p.id)
	s.setInCall(ctx, p.id, false)
	if s.unpair(p.id, ev.TargetUserID) {
		s.rooms.Leave(ctx, ev.TargetUserID)
		s.setInCall(ctx, ev.TargetUserID, false)
	}
	return domain.Ack{}, []outbound{{to: ev.TargetUserID, event: domain.CallEndedEvent{TargetUserID: ev.TargetUserID, From: p.id}}}, nil
}

// handleRelay forwards offer, answer and icecandidate to their target with
// the sender filled in.
func (s *Server) handleRelay(p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	var (
		to  domain.PeerID
		out domain.Event
	)
	switch domain.EventName(req.Method) {
	case domain.EventOffer:
		ev, err := decodeParams[domain.OfferEvent](req)
		if err != nil {
			return nil, nil, err
		}
		ev.From = p.id
		to, out = ev.To, ev
	case domain.EventAnswer:
		ev, err := decodeParams[domain.AnswerEvent](req)
		if err != nil {
			return nil, nil, err
		}
		ev.From = p.id
		to, out = ev.To, ev
	default:
		ev, err := decodeParams[domain.IceCandidateEvent](req)
		if err != nil {
			return nil, nil, err
		}
		ev.By = p.id
		to, out = ev.To, ev
	}

	if to == "" {
		return nil, nil, apperrors.NewInvalidInputError("target peer is required")
	}
	if !s.IsPeerConnected(to) {
		return nil, nil, domain.ErrPeerNotFound
	}
	s.logger.Debugw("routing "+req.Method, "from_peer", p.id, "to_peer", to)
	return domain.Ack{}, []outbound{{to: to, event: out}}, nil
}

func (s *Server) handleJoinRoom(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.JoinRoomRequest](req)
	if err != nil {
		return nil, nil, err
	}
	if err := validation.ValidateIdentifier(ev.RoomID.String(), "roomId"); err != nil {
		return nil, nil, invalid(err)
	}

	caps, err := s.rooms.Join(ctx, ev.RoomID, p.id)
	if err != nil {
		return nil, nil, err
	}
	return domain.JoinRoomResponse{RtpCapabilities: caps}, nil, nil
}

func (s *Server) handleCreateTransport(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.CreateTransportRequest](req)
	if err != nil {
		return nil, nil, err
	}
	opts, err := s.rooms.CreateTransport(ctx, ev.RoomID, p.id, ev.Direction)
	if err != nil {
		return nil, nil, err
	}

	var pushes []outbound
	if ev.Direction == domain.DirectionRecv {
		for _, existing := range s.rooms.ProducersExcept(ctx, ev.RoomID, p.id) {
			pushes = append(pushes, outbound{to: p.id, event: existing})
		}
	}
	return opts, pushes, nil
}

func (s *Server) handleConnectTransport(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.ConnectTransportRequest](req)
	if err != nil {
		return nil, nil, err
	}
	if err := s.rooms.ConnectTransport(ctx, ev.RoomID, p.id, ev.TransportID, ev.DtlsParameters); err != nil {
		return nil, nil, err
	}
	return domain.Ack{}, nil, nil
}

func (s *Server) handleProduce(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.ProduceRequest](req)
	if err != nil {
		return nil, nil, err
	}
	id, err := s.rooms.Produce(ctx, ev, p.id)
	if err != nil {
		return nil, nil, err
	}

	announce := domain.NewProducerEvent{ProducerID: id, PeerID: p.id, Kind: ev.Kind}
	var pushes []outbound
	for _, member := range s.rooms.Members(ctx, ev.RoomID) {
		if member != p.id {
			pushes = append(pushes, outbound{to: member, event: announce})
		}
	}
	return domain.ProduceResponse{ID: id}, pushes, nil
}

func (s *Server) handleConsume(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.ConsumeRequest](req)
	if err != nil {
		return nil, nil, err
	}
	resp, err := s.rooms.Consume(ctx, ev, p.id)
	if err != nil {
		return nil, nil, err
	}
	return resp, nil, nil
}

func (s *Server) handleResumeConsumer(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.ResumeConsumerRequest](req)
	if err != nil {
		return nil, nil, err
	}
	if err := s.rooms.ResumeConsumer(ctx, ev.RoomID, p.id, ev.ConsumerID); err != nil {
		return nil, nil, err
	}
	return domain.Ack{}, nil, nil
}

// Recording failures are reported in band so the caller's call survives.
func (s *Server) handleStartRecording(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.StartRecordingRequest](req)
	if err != nil {
		return nil, nil, err
	}
	id, err := s.rooms.StartRecording(ctx, ev, p.id)
	if err != nil {
		return domain.StartRecordingResponse{Error: err.Error()}, nil, nil
	}
	return domain.StartRecordingResponse{RecordingID: id}, nil, nil
}

func (s *Server) handleStopRecording(ctx context.Context, p *peer, req *jsonrpc2.Request) (interface{}, []outbound, error) {
	ev, err := decodeParams[domain.StopRecordingRequest](req)
	if err != nil {
		return nil, nil, err
	}
	path, err := s.rooms.StopRecording(ctx, p.id, ev.RecordingID)
	if err != nil {
		return domain.StopRecordingResponse{Error: err.Error()}, nil, nil
	}
	return domain.StopRecordingResponse{FilePath: path}, nil, nil
}

// pair links caller and callee unless either is already paired.
func (s *Server) pair(a, b domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.partners[a]; busy {
		return
	}
	if _, busy := s.partners[b]; busy {
		return
	}
	s.partners[a] = b
	s.partners[b] = a
}

// unpair removes the a-b pairing and reports whether it existed.
func (s *Server) unpair(a, b domain.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partners[a] != b {
		return false
	}
	delete(s.partners, a)
	delete(s.partners, b)
	return true
}

func (s *Server) unpairLocked(a domain.PeerID) domain.PeerID {
	b, ok := s.partners[a]
	if !ok {
		return ""
	}
	delete(s.partners, a)
	if s.partners[b] == a {
		delete(s.partners, b)
	}
	return b
}

// Partner returns the peer id is paired with, if any.
func (s *Server) Partner(id domain.PeerID) (domain.PeerID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.partners[id]
	return b, ok
}

func (s *Server) hasPartner(id domain.PeerID) bool {
	_, ok := s.Partner(id)
	return ok
}

func (s *Server) setInCall(ctx context.Context, id domain.PeerID, inCall bool) {
	if err := s.presence.SetInCall(ctx, id, inCall); err != nil {
		s.logger.Debugw("presence update failed", "peer_id", id, "error", err)
	}
}

func (s *Server) broadcastUsers(ctx context.Context) {
	list, err := s.presence.List(ctx)
	if err != nil {
		s.logger.Errorw("list presence failed", "error", err)
		return
	}

	users := make(domain.UserListEvent, 0, len(list))
	for _, p := range list {
		users = append(users, p.User)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].ID < users[j].ID
	})

	for _, id := range s.ConnectedPeers() {
		s.send(ctx, id, users)
	}
}

func (s *Server) send(ctx context.Context, to domain.PeerID, event domain.Event) {
	s.mu.RLock()
	p, ok := s.peers[to]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debugw("push to unknown peer dropped", "peer_id", to, "event", event.EventName())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := p.conn.Notify(ctx, string(event.EventName()), event); err != nil {
		s.logger.Infow("push failed", "peer_id", to, "event", event.EventName(), "error", err)
	}
}

func (s *Server) ConnectedPeers() []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]domain.PeerID, 0, len(s.peers))
	for id := range s.peers {
		peers = append(peers, id)
	}
	return peers
}

func (s *Server) IsPeerConnected(id domain.PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Close drops every connection.
func (s *Server) Close() error {
	s.mu.RLock()
	conns := make([]*jsonrpc2.Conn, 0, len(s.peers))
	for _, p := range s.peers {
		conns = append(conns, p.conn)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}
