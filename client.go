// Package pbui is the Go client for the PBUI tournament overlay service.
//
// It keeps a WebSocket connection to the PBUI server alive (reconnecting with
// exponential backoff and sending heartbeats), routes server push events to
// subscribers, and mirrors the shared overlay state through a cached REST API.
//
// Example:
//
//	client := pbui.NewClient(pbui.WithLogger(logger))
//	if err := client.Connect(ctx, "https://api.pbui.net"); err != nil {
//		return err
//	}
//	defer client.Disconnect(ctx)
//
//	unsub, _ := pbui.SubscribeTo(ctx, client, func(e pbui.StateUpdated) {
//		fmt.Println(e.State.CurrentFlowStep)
//	})
//	defer unsub()
//
//	state, _ := client.State().GetState(ctx, true)
package pbui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	DefaultAPIBase = "https://api.pbui.net"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api"
)

// ============================================================================
// Connection Status
// ============================================================================

type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	apiBase           string
	httpClient        *http.Client
	logger            zerolog.Logger
	metrics           *clientMetrics
	newTransport      TransportFactory
	transportOpts     []TransportOption
	heartbeatInterval time.Duration
	maxAttempts       int
	baseDelay         time.Duration
	maxDelay          time.Duration
	retryHandshake    bool
	afterFunc         func(time.Duration, func()) stopper

	events    *registry[Event]
	state     *StateCache
	heartbeat *heartbeat

	mu               sync.Mutex
	transport        Transport
	status           ConnectionStatus
	manualDisconnect bool
	connecting       chan struct{}
	deferred         []Event
	socketURL        string
	offs             []func()
	handlers         []*rawHandler
	recon            *reconnector
}

// rawHandler is a transport-level handler registered through On. It is
// re-attached to every new transport.
type rawHandler struct {
	event string
	fn    TransportHandler
	off   func()
}

type ClientOption func(*Client)

// WithAPIBase sets the server origin. The REST API lives under /api.
func WithAPIBase(url string) ClientOption {
	return func(c *Client) { c.apiBase = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTransportFactory replaces the WebSocket transport.
func WithTransportFactory(f TransportFactory) ClientOption {
	return func(c *Client) { c.newTransport = f }
}

// WithTransportOptions overrides transport defaults. Reconnection is always
// disabled at the transport level.
func WithTransportOptions(opts ...TransportOption) ClientOption {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.heartbeatInterval = d }
}

// WithReconnectPolicy sets the attempt budget and the backoff bounds.
func WithReconnectPolicy(maxAttempts int, base, max time.Duration) ClientOption {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithHandshakeRetry makes a failed Connect enter the reconnect cycle.
func WithHandshakeRetry(enabled bool) ClientOption {
	return func(c *Client) { c.retryHandshake = enabled }
}

// WithMetrics registers the client's collectors on reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *Client) {
		if reg != nil {
			c.metrics = newClientMetrics(reg)
		}
	}
}

// NewClient creates a disconnected client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		apiBase: DefaultAPIBase,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:            zerolog.Nop(),
		newTransport:      NewWebSocketTransport,
		heartbeatInterval: DefaultHeartbeatInterval,
		maxAttempts:       DefaultMaxReconnectAttempts,
		baseDelay:         DefaultReconnectBaseDelay,
		maxDelay:          DefaultReconnectMaxDelay,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With().Str("component", "pbui").Logger()
	c.events = newRegistry[Event](c.logger)
	c.state = newStateCache(c)
	c.heartbeat = newHeartbeat(c.heartbeatInterval, c.logger)
	c.heartbeat.onBeat = c.metrics.heartbeat
	c.recon = newReconnector(c.maxAttempts, c.baseDelay, c.maxDelay)
	return c
}

// SetAPIBase changes the server origin used by REST calls and later connects.
func (c *Client) SetAPIBase(url string) error {
	if strings.TrimSpace(url) == "" {
		c.logger.Error().Msg("invalid api base url")
		return ErrEmptyURL
	}
	c.mu.Lock()
	c.apiBase = strings.TrimRight(url, "/")
	c.mu.Unlock()
	return nil
}

func (c *Client) APIBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiBase
}

func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Connected() bool {
	return c.Status() == StatusConnected
}

// SocketURL returns the socket URL of the last successful connect, or "".
func (c *Client) SocketURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketURL
}

// State returns the state cache.
func (c *Client) State() *StateCache {
	return c.state
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	u := c.APIBase() + apiPrefix + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("http request failed")
		return nil, &HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Event subscriptions
// ============================================================================

// Subscribe registers l for name. The client must be connected, or become
// connected by a Connect already in progress.
func (c *Client) Subscribe(ctx context.Context, name EventName, l *Listener[Event]) error {
	if _, err := c.awaitConnected(ctx); err != nil {
		return err
	}
	c.events.add(string(name), l)
	return nil
}

// Listen registers l for name regardless of connection state.
func (c *Client) Listen(name EventName, l *Listener[Event]) bool {
	return c.events.add(string(name), l)
}

// ListenerCount returns the number of listeners registered for name.
func (c *Client) ListenerCount(name EventName) int {
	return c.events.count(string(name))
}

// Unsubscribe removes l from name.
func (c *Client) Unsubscribe(name EventName, l *Listener[Event]) bool {
	return c.events.remove(string(name), l)
}

// SubscribeTo registers fn for the event type E and returns a function that
// removes it. The client must be connected.
func SubscribeTo[E Event](ctx context.Context, c *Client, fn func(E)) (func(), error) {
	name, l, err := typedListener(fn)
	if err != nil {
		return nil, err
	}
	if err := c.Subscribe(ctx, name, l); err != nil {
		return nil, err
	}
	return func() { c.Unsubscribe(name, l) }, nil
}

// ListenTo is SubscribeTo without the connection requirement.
func ListenTo[E Event](c *Client, fn func(E)) (func(), error) {
	name, l, err := typedListener(fn)
	if err != nil {
		return nil, err
	}
	c.Listen(name, l)
	return func() { c.Unsubscribe(name, l) }, nil
}

func typedListener[E Event](fn func(E)) (EventName, *Listener[Event], error) {
	var zero E
	name := zero.EventName()
	if name == "" {
		return "", nil, fmt.Errorf("pbui: %T has no fixed event name", zero)
	}
	return name, NewListener(func(e Event) {
		if v, ok := e.(E); ok {
			fn(v)
		}
	}), nil
}

func (c *Client) dispatch(ev Event) {
	name := ev.EventName()
	c.metrics.event(name)
	c.events.emit(string(name), ev)
}

func (c *Client) handlePush(name EventName, payload json.RawMessage) {
	ev, err := decodeEvent(name, payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", string(name)).Msg("dropping undecodable event")
		return
	}
	switch name {
	case EventInitialState, EventStateUpdated:
		if _, err := c.state.Set(StateKey, payload); err != nil {
			c.logger.Warn().Err(err).Str("event", string(name)).Msg("failed to cache state")
		}
	}
	c.dispatch(ev)
}
