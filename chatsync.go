// Package chatsync keeps a chat client's view of its conversations in sync
// with the server: it reconciles fetched history, live pushes, and a durable
// local outbox into one render-ready timeline, drives the conversation
// lifecycle (request, accept, decline, end, expire, retry, extend), and
// tracks room membership over a single acknowledged websocket.
package chatsync

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Client bundles a Transport and an Engine wired together for one session.
type Client struct {
	transport *Transport
	engine    *Engine
	ownsStore bool
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	transport TransportConfig
	logger    *slog.Logger
	store     Store
	storePath string
}

// WithToken sets the auth token presented on connect.
func WithToken(token string) Option {
	return func(o *clientOptions) { o.transport.Token = token }
}

// WithLogger sets the logger shared by the transport and the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithStore supplies the outbox store. The caller keeps ownership and must
// close it.
func WithStore(s Store) Option {
	return func(o *clientOptions) { o.store = s }
}

// WithStorePath opens a Pebble-backed outbox at the given directory. The
// client owns the store and closes it on Close.
func WithStorePath(path string) Option {
	return func(o *clientOptions) { o.storePath = path }
}

// WithHTTPClient sets the HTTP client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.transport.HTTPClient = c }
}

// WithRequestTimeout sets the per-request acknowledgement deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.transport.RequestTimeout = d }
}

// WithAutoReconnect enables or disables reconnection with backoff.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) { o.transport.AutoReconnect = enabled }
}

// WithMaxReconnectAttempts caps consecutive reconnection attempts.
func WithMaxReconnectAttempts(n int) Option {
	return func(o *clientOptions) { o.transport.MaxReconnectAttempts = n }
}

// New builds a session client against the given base URL. The default outbox
// store is in-memory; production callers should pass WithStorePath or
// WithStore so composed messages survive restarts.
func New(baseURL string, opts ...Option) (*Client, error) {
	o := clientOptions{
		transport: TransportConfig{AutoReconnect: true},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.transport.Logger = o.logger

	store := o.store
	ownsStore := false
	if store == nil && o.storePath != "" {
		ps, err := OpenPebbleStore(o.storePath)
		if err != nil {
			return nil, err
		}
		store = ps
		ownsStore = true
	}
	if store == nil {
		store = NewMemoryStore()
		ownsStore = true
	}

	tr := NewTransport(baseURL, &o.transport)
	eng, err := NewEngine(tr, store, o.logger)
	if err != nil {
		if ownsStore {
			store.Close()
		}
		return nil, err
	}

	tr.OnEvent(eng.HandleEvent)
	tr.OnConnect(func() {
		// Runs on its own goroutine; the join request inside blocks until
		// acked or timed out.
		eng.Rooms().HandleConnect(context.Background())
	})

	return &Client{transport: tr, engine: eng, ownsStore: ownsStore}, nil
}

// Connect opens the websocket session.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Engine returns the session engine.
func (c *Client) Engine() *Engine {
	return c.engine
}

// Transport returns the underlying transport, for state and reconnect hooks.
func (c *Client) Transport() *Transport {
	return c.transport
}

// Close disconnects and, when the client owns the outbox store, closes it.
func (c *Client) Close() error {
	err := c.transport.Disconnect()
	if c.ownsStore {
		if cerr := c.engine.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
