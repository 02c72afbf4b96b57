package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/config"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/retry"
	"rillcall/pkg/tracing"
	"rillcall/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsrpc "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
)

// PeerIDHeader carries the relay-assigned peer id on the upgrade response.
const PeerIDHeader = "X-Peer-Id"

const defaultRequestTimeout = 10 * time.Second

type ClientConfig struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	Reconnect      retry.Config
	Dialer         *websocket.Dialer
}

// ClientConfigFrom maps the client section of the application config.
func ClientConfigFrom(cfg *config.Config) ClientConfig {
	reconnect := retry.DefaultConfig()
	reconnect.Enabled = cfg.Client.Reconnect.Enabled
	reconnect.MaxAttempts = cfg.Client.Reconnect.MaxAttempts
	reconnect.InitialDelay = cfg.Client.Reconnect.InitialDelay
	reconnect.MaxDelay = cfg.Client.Reconnect.MaxDelay
	reconnect.NonRetryableErrors = []error{domain.ErrInvalidToken}

	return ClientConfig{
		URL:            cfg.Client.ServerURL,
		Token:          cfg.Client.Token,
		RequestTimeout: cfg.Client.RequestTimeout,
		Reconnect:      reconnect,
	}
}

// Client is the peer side of the signaling channel: JSON-RPC 2.0 over a
// websocket. Requests are calls, fire-and-forget events are notifications
// and server pushes arrive as notifications too.
type Client struct {
	cfg    ClientConfig
	logger *zap.SugaredLogger

	mu            sync.RWMutex
	conn          *jsonrpc2.Conn
	peerID        domain.PeerID
	handlers      map[domain.EventName][]ports.PushHandler
	stateHandlers []func(domain.ConnectionState)
	closed        bool

	queue  *dispatchQueue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.SignalingChannel = (*Client)(nil)

// Dial connects to the relay and starts the push dispatcher.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validation.ValidateSignalURL(cfg.URL); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[domain.EventName][]ports.PushHandler),
		queue:    newDispatchQueue(),
		ctx:      runCtx,
		cancel:   cancel,
	}

	link, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn, c.peerID = link.conn, link.peerID

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.queue.run(runCtx)
	}()
	go c.watch(link.conn)

	logger.Infow("signaling connected", "url", cfg.URL, "peer_id", link.peerID)
	return c, nil
}

type link struct {
	conn   *jsonrpc2.Conn
	peerID domain.PeerID
}

func (c *Client) dial(ctx context.Context) (link, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return link{}, fmt.Errorf("dial %s: %w", c.cfg.URL, domain.ErrInvalidToken)
		}
		return link{}, domain.NewSignalingDisconnectError(fmt.Errorf("dial %s: %w", c.cfg.URL, err))
	}

	peerID := domain.PeerID(resp.Header.Get(PeerIDHeader))
	if peerID == "" {
		ws.Close()
		return link{}, fmt.Errorf("dial %s: relay did not assign a peer id", c.cfg.URL)
	}

	conn := jsonrpc2.NewConn(c.ctx, wsrpc.NewObjectStream(ws), c)
	return link{conn: conn, peerID: peerID}, nil
}

// Handle implements jsonrpc2.Handler. It runs on the connection's read
// loop, so pushes are queued in arrival order and handled elsewhere.
func (c *Client) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("client does not serve %q", req.Method),
		})
		return
	}

	var raw json.RawMessage
	if req.Params != nil {
		raw = *req.Params
	}
	name := domain.EventName(req.Method)
	event, err := domain.DecodeEvent(name, raw)
	if err != nil {
		c.logger.Warnw("dropping push", "event", req.Method, "error", err)
		return
	}

	canonical := name.Canonical()
	c.queue.push(func() { c.deliver(canonical, event) })
}

func (c *Client) deliver(name domain.EventName, event domain.Event) {
	c.mu.RLock()
	handlers := append([]ports.PushHandler(nil), c.handlers[name]...)
	c.mu.RUnlock()

	if len(handlers) == 0 {
		c.logger.Debugw("push without handler", "event", name)
		return
	}
	for _, h := range handlers {
		h(c.ctx, event)
	}
}

func (c *Client) Request(ctx context.Context, event domain.EventName, params, result interface{}) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ctx, span := tracing.TraceSignal(ctx, string(event), c.LocalPeerID().String())
	defer func() { tracing.EndSpan(span, err) }()

	conn, err := c.current()
	if err != nil {
		return err
	}
	if result == nil {
		result = &json.RawMessage{}
	}
	if err := conn.Call(ctx, string(event), params, result); err != nil {
		return c.mapError(event, err)
	}
	return nil
}

func (c *Client) Notify(ctx context.Context, event domain.EventName, params interface{}) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := conn.Notify(ctx, string(event), params); err != nil {
		return c.mapError(event, err)
	}
	return nil
}

func (c *Client) mapError(event domain.EventName, err error) error {
	var rpcErr *jsonrpc2.Error
	switch {
	case errors.As(err, &rpcErr):
		return fromRPCError(rpcErr)
	case errors.Is(err, jsonrpc2.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF), websocket.IsUnexpectedCloseError(err):
		return domain.NewSignalingDisconnectError(err)
	default:
		return fmt.Errorf("%s: %w", event, err)
	}
}

func (c *Client) current() (*jsonrpc2.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, domain.ErrSignalingDisconnect
	}
	return c.conn, nil
}

// On subscribes to a canonical event name; pushes sent under a legacy alias
// are delivered to the same handlers.
func (c *Client) On(event domain.EventName, handler ports.PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := event.Canonical()
	c.handlers[name] = append(c.handlers[name], handler)
}

func (c *Client) OnConnectionState(handler func(domain.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, handler)
}

func (c *Client) LocalPeerID() domain.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

func (c *Client) emitState(state domain.ConnectionState) {
	c.queue.push(func() {
		c.mu.RLock()
		handlers := append([]func(domain.ConnectionState){}, c.stateHandlers...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(state)
		}
	})
}

// watch waits for conn to drop, reports it and reconnects when enabled.
func (c *Client) watch(conn *jsonrpc2.Conn) {
	defer c.wg.Done()

	select {
	case <-conn.DisconnectNotify():
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.logger.Warnw("signaling disconnected", "peer_id", c.LocalPeerID())
	c.emitState(domain.ConnectionStateDisconnected)

	if !c.cfg.Reconnect.Enabled {
		return
	}

	next, err := retry.RetryWithResult(c.ctx, c.cfg.Reconnect, func() (link, error) {
		return c.dial(c.ctx)
	})
	if err != nil {
		c.logger.Errorw("signaling reconnect failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		next.conn.Close()
		return
	}
	c.conn, c.peerID = next.conn, next.peerID
	c.mu.Unlock()

	c.logger.Infow("signaling reconnected", "peer_id", next.peerID)
	c.emitState(domain.ConnectionStateConnected)

	c.wg.Add(1)
	go c.watch(next.conn)
}

// Close disconnects and stops the dispatcher. Safe to call more than once,
// but not from a push handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
		if errors.Is(err, jsonrpc2.ErrClosed) {
			err = nil
		}
	}
	c.cancel()
	c.wg.Wait()
	return err
}

// dispatchQueue runs queued pushes one at a time in FIFO order. It never
// blocks the producer, so a handler may issue requests whose responses are
// read by the same connection.
type dispatchQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	return &dispatchQueue{wake: make(chan struct{}, 1)}
}

func (q *dispatchQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *dispatchQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

func (q *dispatchQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			fn, ok := q.pop()
			if !ok {
				break
			}
			fn()
		}
	}
}
