package pbui

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Reserved transport events.
const (
	TransportConnect      = "connect"
	TransportConnectError = "connect_error"
	TransportDisconnect   = "disconnect"
)

// Disconnect reasons reported in the disconnect payload.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
)

// TransportHandler receives the raw payload of a transport event.
type TransportHandler func(payload json.RawMessage)

// Transport is a bidirectional real-time channel.
//
// Open starts the handshake and reports the outcome through the connect or
// connect_error events. Close requests shutdown; the transport acknowledges it
// with a disconnect event.
type Transport interface {
	Open(ctx context.Context)
	On(event string, h TransportHandler) (off func())
	Emit(ctx context.Context, event string, payload any) error
	Connected() bool
	Close() error
}

// TransportFactory creates an unopened transport bound to url.
type TransportFactory func(url string, opts TransportOptions) (Transport, error)

// TransportOptions configures a transport.
type TransportOptions struct {
	Transports         []string
	Secure             bool
	RejectUnauthorized bool
	Reconnection       bool
	Timeout            time.Duration
	Path               string
	Header             http.Header
	ReadLimit          int64
	Logger             zerolog.Logger
}

// TransportOption overrides a transport default.
type TransportOption func(*TransportOptions)

func WithTransports(names ...string) TransportOption {
	return func(o *TransportOptions) { o.Transports = names }
}

func WithSecure(secure bool) TransportOption {
	return func(o *TransportOptions) { o.Secure = secure }
}

// WithRejectUnauthorized controls TLS certificate verification.
func WithRejectUnauthorized(reject bool) TransportOption {
	return func(o *TransportOptions) { o.RejectUnauthorized = reject }
}

func WithHandshakeTimeout(d time.Duration) TransportOption {
	return func(o *TransportOptions) { o.Timeout = d }
}

func WithPath(path string) TransportOption {
	return func(o *TransportOptions) { o.Path = path }
}

func WithHeader(h http.Header) TransportOption {
	return func(o *TransportOptions) { o.Header = h }
}

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultSocketPath       = "/ws"
	defaultReadLimit        = 1 << 20
)

func defaultTransportOptions() TransportOptions {
	return TransportOptions{
		Transports:         []string{"websocket"},
		Secure:             true,
		RejectUnauthorized: true,
		Reconnection:       false,
		Timeout:            DefaultHandshakeTimeout,
		Path:               DefaultSocketPath,
		ReadLimit:          defaultReadLimit,
	}
}

func (o TransportOptions) validate() error {
	if len(o.Transports) == 0 {
		return fmt.Errorf("%w: empty transport list", ErrUnsupportedTransport)
	}
	for _, name := range o.Transports {
		if name != "websocket" {
			return fmt.Errorf("%w: %q", ErrUnsupportedTransport, name)
		}
	}
	return nil
}

// socketURL derives the WebSocket URL from an API base.
func socketURL(base string, opts TransportOptions) (string, error) {
	if !strings.Contains(base, "://") {
		if opts.Secure {
			base = "https://" + base
		} else {
			base = "http://" + base
		}
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if opts.Path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(opts.Path, "/")
	}
	return u.String(), nil
}

// ============================================================================
// WebSocket transport
// ============================================================================

type transportHandler struct {
	id uint64
	h  TransportHandler
}

// wsTransport frames events as JSON envelopes over a WebSocket.
type wsTransport struct {
	url    string
	opts   TransportOptions
	logger zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[string][]transportHandler
	nextID    uint64
	connected bool
	closing   bool
	opened    bool
}

// NewWebSocketTransport is the default TransportFactory.
func NewWebSocketTransport(url string, opts TransportOptions) (Transport, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &wsTransport{
		url:      url,
		opts:     opts,
		logger:   opts.Logger.With().Str("transport", "websocket").Logger(),
		handlers: make(map[string][]transportHandler),
	}, nil
}

func (t *wsTransport) Open(ctx context.Context) {
	t.mu.Lock()
	if t.opened {
		t.mu.Unlock()
		return
	}
	t.opened = true
	t.mu.Unlock()

	go t.run(ctx)
}

func (t *wsTransport) run(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
		HTTPClient: t.httpClient(),
		HTTPHeader: t.opts.Header,
	})
	if err != nil {
		t.logger.Debug().Err(err).Str("url", t.url).Msg("websocket dial failed")
		t.emit(TransportConnectError, jsonString(err.Error()))
		return
	}
	if t.opts.ReadLimit > 0 {
		conn.SetReadLimit(t.opts.ReadLimit)
	}

	t.mu.Lock()
	if t.closing {
		// Close was requested while dialing and has already been acknowledged.
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return
	}
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.emit(TransportConnect, nil)
	t.readLoop(conn)
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.mu.Lock()
			reason := ReasonTransportClose
			if t.closing {
				reason = ReasonClientDisconnect
			}
			t.connected = false
			t.mu.Unlock()

			t.logger.Debug().Err(err).Str("reason", reason).Msg("websocket read ended")
			t.emit(TransportDisconnect, jsonString(reason))
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			t.logger.Debug().Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		t.emit(env.Type, env.Payload)
	}
}

func (t *wsTransport) httpClient() *http.Client {
	if t.opts.RejectUnauthorized {
		return nil
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func (t *wsTransport) On(event string, h TransportHandler) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.handlers[event] = append(t.handlers[event], transportHandler{id: id, h: h})
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			current := t.handlers[event]
			next := make([]transportHandler, 0, len(current))
			for _, th := range current {
				if th.id != id {
					next = append(next, th)
				}
			}
			t.handlers[event] = next
		})
	}
}

func (t *wsTransport) emit(event string, payload json.RawMessage) {
	t.mu.Lock()
	handlers := t.handlers[event]
	t.mu.Unlock()

	for _, th := range handlers {
		th.h(payload)
	}
}

func (t *wsTransport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}

	env := Envelope{Type: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		// Never connected; acknowledge directly.
		t.emit(TransportDisconnect, jsonString(ReasonClientDisconnect))
		return nil
	}
	// The read loop observes the close and emits the disconnect event.
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// payloadString decodes a JSON string payload, falling back to the raw bytes.
func payloadString(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return string(payload)
	}
	return s
}
