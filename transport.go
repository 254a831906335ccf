package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the acknowledgement contract for every request: exactly one of
// the two arms, success carrying data or failure carrying a message.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// frame is the on-wire shape of everything crossing the socket. Client
// requests carry a RequestID; the matching ack comes back as a frame of type
// "ack" whose body repeats the id. Pushes carry neither.
type frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

type ackBody struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type ackResult struct {
	env Envelope
	err error
}

// ============================================================================
// Interfaces
// ============================================================================

// Requester issues one acknowledged request and returns the server's
// envelope. Transport-level failures (timeout, disconnect) come back as the
// error; a server-reported failure comes back as Envelope.Success == false
// with a nil error.
type Requester interface {
	Request(ctx context.Context, kind EventKind, payload any) (Envelope, error)
}

// Notifier sends a fire-and-forget frame with no acknowledgement.
type Notifier interface {
	Notify(ctx context.Context, kind EventKind, payload any) error
}

// Conn is the transport surface the engine depends on.
type Conn interface {
	Requester
	Notifier
}

// ============================================================================
// Configuration
// ============================================================================

// ConnState is the connection state of the transport.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

const (
	// DefaultRequestTimeout bounds every acknowledged request.
	DefaultRequestTimeout = 15 * time.Second

	// DefaultJoinTimeout is the longer budget for chat:join: the server
	// may need to tear down this connection's previous room membership
	// before confirming the new one.
	DefaultJoinTimeout = 30 * time.Second
)

// TransportConfig configures the realtime transport.
type TransportConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	JoinTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Transport
// ============================================================================

// Transport is the websocket realtime connection: an acknowledged
// request/response primitive with per-request timeout, a push event stream,
// and auto-reconnect with exponential backoff.
//
// Requests in flight when the connection drops fail with ErrDisconnected —
// ordering does not survive a reconnect boundary, so a late ack for a
// pre-disconnect request is never delivered.
type Transport struct {
	baseURL string
	config  *TransportConfig
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	writeMu sync.Mutex

	recon *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan ackResult

	handlerMu      sync.RWMutex
	onEvent        []func(Event)
	onConnect      []func()
	onDisconnect   []func(error)
	onReconnecting []func(attempt int, delay time.Duration)
}

// NewTransport creates a transport for the given base URL ("https://..." or
// "wss://..."). Call Connect to establish the connection.
func NewTransport(baseURL string, config *TransportConfig) *Transport {
	cfg := *config
	cfg.defaults()
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		logger:  cfg.Logger,
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
		pending: make(map[string]chan ackResult),
	}
}

// OnEvent registers a push handler. Handlers run synchronously on the read
// loop so pushes for one conversation keep their server order; they must not
// block or issue requests.
func (t *Transport) OnEvent(h func(Event)) {
	t.handlerMu.Lock()
	t.onEvent = append(t.onEvent, h)
	t.handlerMu.Unlock()
}

// OnConnect registers a handler for the connected meta-event, fired on every
// successful connect including reconnects. Handlers run on their own
// goroutine and may issue requests.
func (t *Transport) OnConnect(h func()) {
	t.handlerMu.Lock()
	t.onConnect = append(t.onConnect, h)
	t.handlerMu.Unlock()
}

// OnDisconnect registers a handler for the disconnected meta-event.
func (t *Transport) OnDisconnect(h func(error)) {
	t.handlerMu.Lock()
	t.onDisconnect = append(t.onDisconnect, h)
	t.handlerMu.Unlock()
}

// OnReconnecting registers a handler fired before each reconnect attempt.
func (t *Transport) OnReconnecting(h func(attempt int, delay time.Duration)) {
	t.handlerMu.Lock()
	t.onReconnecting = append(t.onReconnecting, h)
	t.handlerMu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the websocket connection.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws"
	if t.config.Token != "" {
		wsURL += "?token=" + t.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
	})
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("chatsync: websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.mu.Unlock()
	t.recon.markConnected()

	t.emitConnected()

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection. Pending requests fail with
// ErrDisconnected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	t.failPending(ErrDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Request issues one acknowledged request. The ack envelope is returned
// as-is: Success == false is a server-reported failure, not an error. The
// error is non-nil only for transport-level failures, each of which is
// distinguishable: ErrTimeout, ErrDisconnected, ErrNotConnected, or context
// cancellation.
func (t *Transport) Request(ctx context.Context, kind EventKind, payload any) (Envelope, error) {
	id := uuid.NewString()
	ch := make(chan ackResult, 1)

	t.pendingMu.Lock()
	t.pending[id] = ch
	t.pendingMu.Unlock()

	if err := t.writeFrame(ctx, kind, payload, id); err != nil {
		t.removePending(id)
		return Envelope{}, err
	}

	timer := time.NewTimer(t.timeoutFor(kind))
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.env, res.err
	case <-timer.C:
		t.removePending(id)
		t.logger.Debug("request timed out", "event", kind.String(), "request_id", id)
		return Envelope{}, ErrTimeout
	case <-ctx.Done():
		t.removePending(id)
		return Envelope{}, ctx.Err()
	}
}

// Notify sends a fire-and-forget frame (typing signals).
func (t *Transport) Notify(ctx context.Context, kind EventKind, payload any) error {
	return t.writeFrame(ctx, kind, payload, "")
}

func (t *Transport) timeoutFor(kind EventKind) time.Duration {
	if kind == KindChatJoin {
		return t.config.JoinTimeout
	}
	return t.config.RequestTimeout
}

func (t *Transport) writeFrame(ctx context.Context, kind EventKind, payload any, requestID string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("chatsync: marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	data, err := json.Marshal(frame{Type: kind.String(), Payload: raw, RequestID: requestID})
	if err != nil {
		return fmt.Errorf("chatsync: marshal frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("chatsync: write frame: %w", err)
	}
	return nil
}

func (t *Transport) removePending(id string) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// failPending resolves every in-flight request with the given error. Runs on
// every disconnect: a request that was in flight when the connection dropped
// must fail rather than silently resolve after the reconnect.
func (t *Transport) failPending(err error) {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan ackResult)
	t.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleReadError(err)
			return
		}

		var f frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}

		if f.Type == "ack" {
			t.resolveAck(f.Payload)
			continue
		}

		kind := KindForWire(f.Type)
		if kind == KindUnknown {
			t.logger.Debug("dropping unknown event", "event", f.Type)
			continue
		}
		t.dispatch(Event{Kind: kind, Payload: f.Payload})
	}
}

func (t *Transport) resolveAck(payload json.RawMessage) {
	var body ackBody
	if json.Unmarshal(payload, &body) != nil || body.RequestID == "" {
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[body.RequestID]
	if ok {
		delete(t.pending, body.RequestID)
	}
	t.pendingMu.Unlock()

	if !ok {
		// Late ack for a request that already timed out or died with
		// the previous connection.
		t.logger.Debug("dropping stale ack", "request_id", body.RequestID)
		return
	}
	ch <- ackResult{env: Envelope{Success: body.Success, Data: body.Data, Message: body.Message}}
}

func (t *Transport) handleReadError(err error) {
	t.mu.Lock()
	intentional := t.intentionalClose
	if !intentional {
		t.state = StateDisconnected
		t.conn = nil
		if t.cancelFn != nil {
			// Tear down the connection context so the heartbeat loop
			// does not outlive the connection it was pinging.
			t.cancelFn()
			t.cancelFn = nil
		}
	}
	t.mu.Unlock()

	if intentional {
		return
	}

	t.failPending(ErrDisconnected)
	t.emitDisconnected(err)
	t.logger.Info("connection lost", "error", err)

	if t.config.AutoReconnect && t.recon.shouldReconnect() {
		go t.scheduleReconnect()
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Dead connection; closing it unblocks the read
				// loop, which owns the reconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (t *Transport) scheduleReconnect() {
	delay := t.recon.nextDelay()
	t.mu.Lock()
	t.state = StateReconnecting
	t.mu.Unlock()

	t.emitReconnecting(t.recon.attempt, delay)
	t.logger.Info("reconnecting", "attempt", t.recon.attempt, "delay", delay)

	time.Sleep(delay)

	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		return
	}
	t.state = StateDisconnected
	t.mu.Unlock()

	if err := t.Connect(context.Background()); err != nil {
		if t.config.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect()
			return
		}
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		t.logger.Warn("reconnect attempts exhausted", "error", err)
	}
}

func (t *Transport) dispatch(ev Event) {
	t.handlerMu.RLock()
	handlers := t.onEvent
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (t *Transport) emitConnected() {
	t.handlerMu.RLock()
	handlers := append([]func(){}, t.onConnect...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (t *Transport) emitDisconnected(err error) {
	t.handlerMu.RLock()
	handlers := append([]func(error){}, t.onDisconnect...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(err)
	}
}

func (t *Transport) emitReconnecting(attempt int, delay time.Duration) {
	t.handlerMu.RLock()
	handlers := append([]func(int, time.Duration){}, t.onReconnecting...)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}
