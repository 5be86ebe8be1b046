package pbui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errConnectInFlight = errors.New("pbui: connect already in progress")

// ============================================================================
// Connect
// ============================================================================

// Connect opens the real-time connection. A non-empty url replaces the API
// base first. An existing connection is closed before the new one is opened.
// Connect returns once the handshake completes or fails.
func (c *Client) Connect(ctx context.Context, url string) error {
	err := c.connect(ctx, url, false)
	if err != nil && c.retryHandshake && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrEmptyURL) {
		c.scheduleReconnect()
	}
	return err
}

func (c *Client) connect(ctx context.Context, url string, reconnect bool) error {
	done, err := c.beginConnect(ctx, !reconnect)
	if err != nil {
		return err
	}
	defer c.endConnect(done)

	// The base only changes once this connect owns the slot.
	if url != "" {
		if err := c.SetAPIBase(url); err != nil {
			return err
		}
	}

	if err := c.closeCurrent(ctx); err != nil {
		return err
	}

	opts := defaultTransportOptions()
	for _, opt := range c.transportOpts {
		opt(&opts)
	}
	opts.Reconnection = false
	opts.Logger = c.logger

	u, err := socketURL(c.APIBase(), opts)
	if err != nil {
		return c.failConnect(&ConnectionError{Op: "dial", URL: c.APIBase(), Err: err})
	}

	c.mu.Lock()
	c.manualDisconnect = false
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.logger.Info().Str("url", u).Bool("reconnect", reconnect).Msg("connecting")

	tr, err := c.newTransport(u, opts)
	if err != nil {
		return c.failConnect(&ConnectionError{Op: "dial", URL: u, Err: err})
	}

	// Push handlers are attached before the handshake so nothing the server
	// sends on accept is lost.
	offs := c.wire(tr)

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	hsOffs := []func(){
		tr.On(TransportConnect, func(json.RawMessage) { report(nil) }),
		tr.On(TransportConnectError, func(p json.RawMessage) {
			report(fmt.Errorf("%w: %s", ErrHandshakeFailed, payloadString(p)))
		}),
		tr.On(TransportDisconnect, func(p json.RawMessage) {
			report(fmt.Errorf("%w: %s", ErrDisconnectedDuringHandshake, payloadString(p)))
		}),
	}
	defer func() {
		for _, off := range hsOffs {
			off()
		}
	}()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	tr.Open(ctx)

	select {
	case err = <-result:
	case <-timer.C:
		err = ErrHandshakeTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err == nil && !tr.Connected() {
		err = ErrDisconnectedDuringHandshake
	}
	if err != nil {
		for _, off := range offs {
			off()
		}
		c.clearHandlerOffs()
		if cerr := tr.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("close after failed handshake")
		}
		return c.failConnect(&ConnectionError{Op: "handshake", URL: u, Err: err})
	}

	// Commit and release the slot together: a drop from here on must be able
	// to schedule a reconnect, and listeners must be able to Send.
	c.mu.Lock()
	c.transport = tr
	c.offs = offs
	c.socketURL = u
	c.recon.reset()
	c.setStatusLocked(StatusConnected)
	c.heartbeat.Start(tr)
	deferred := c.releaseConnectLocked(done)
	c.mu.Unlock()

	c.flush(deferred)
	c.metrics.connectResult(nil)
	c.logger.Info().Str("url", u).Msg("connected")
	c.dispatch(Connected{URL: u})
	return nil
}

func (c *Client) failConnect(err *ConnectionError) error {
	c.mu.Lock()
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.metrics.connectResult(err)
	c.logger.Error().Err(err).Msg("connection failed")
	return err
}

// beginConnect claims the single connect slot. When wait is set it waits for
// a connect already in flight; otherwise it fails fast.
func (c *Client) beginConnect(ctx context.Context, wait bool) (chan struct{}, error) {
	for {
		c.mu.Lock()
		if c.connecting == nil {
			ch := make(chan struct{})
			c.connecting = ch
			c.mu.Unlock()
			return ch, nil
		}
		inflight := c.connecting
		c.mu.Unlock()

		if !wait {
			return nil, errConnectInFlight
		}
		select {
		case <-inflight:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// endConnect releases the slot if connect has not already done so.
func (c *Client) endConnect(done chan struct{}) {
	c.mu.Lock()
	deferred := c.releaseConnectLocked(done)
	c.mu.Unlock()
	c.flush(deferred)
}

// releaseConnectLocked frees the slot held by done and returns the events
// queued while it was held. It is a no-op once done has been released.
func (c *Client) releaseConnectLocked(done chan struct{}) []Event {
	if c.connecting != done {
		return nil
	}
	c.connecting = nil
	close(done)
	deferred := c.deferred
	c.deferred = nil
	return deferred
}

// notify dispatches a lifecycle event, or queues it while a connect holds
// the slot so listeners never wait on the connect that raised the event.
func (c *Client) notify(ev Event) {
	c.mu.Lock()
	if c.connecting != nil {
		c.deferred = append(c.deferred, ev)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.dispatch(ev)
}

func (c *Client) flush(events []Event) {
	for _, ev := range events {
		c.dispatch(ev)
	}
}

// waitConnect blocks until no connect is in flight.
func (c *Client) waitConnect(ctx context.Context) error {
	c.mu.Lock()
	inflight := c.connecting
	c.mu.Unlock()

	if inflight == nil {
		return nil
	}
	select {
	case <-inflight:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wire attaches push routing, disconnect handling and handlers registered
// through On to tr. It returns the removers.
func (c *Client) wire(tr Transport) []func() {
	offs := make([]func(), 0, len(pushEvents)+1)
	for _, name := range pushEvents {
		offs = append(offs, tr.On(string(name), func(p json.RawMessage) {
			c.handlePush(name, p)
		}))
	}
	offs = append(offs, tr.On(TransportDisconnect, func(p json.RawMessage) {
		c.handleDisconnect(tr, payloadString(p))
	}))

	c.mu.Lock()
	for _, h := range c.handlers {
		h.off = tr.On(h.event, h.fn)
		offs = append(offs, h.off)
	}
	c.mu.Unlock()
	return offs
}

func (c *Client) clearHandlerOffs() {
	c.mu.Lock()
	for _, h := range c.handlers {
		h.off = nil
	}
	c.mu.Unlock()
}

// ============================================================================
// Disconnect
// ============================================================================

// Disconnect closes the connection and waits for the transport to confirm.
// No reconnect follows a manual disconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.waitConnect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	pending := c.recon.state != reconnectIdle
	c.manualDisconnect = true
	c.recon.cancel()
	tr := c.transport
	if tr == nil && pending {
		c.setStatusLocked(StatusDisconnected)
	}
	c.mu.Unlock()

	if tr == nil {
		if pending {
			c.logger.Info().Msg("pending reconnect cancelled")
		} else {
			c.logger.Info().Msg("no active connection to disconnect")
		}
		return nil
	}

	c.logger.Info().Msg("disconnecting")
	return c.closeTransport(ctx, tr)
}

// closeCurrent tears down an existing transport before a new connect.
func (c *Client) closeCurrent(ctx context.Context) error {
	c.mu.Lock()
	tr := c.transport
	if tr != nil {
		c.manualDisconnect = true
	}
	c.recon.cancel()
	c.mu.Unlock()

	if tr == nil {
		return nil
	}
	c.logger.Info().Msg("closing existing connection")
	return c.closeTransport(ctx, tr)
}

func (c *Client) closeTransport(ctx context.Context, tr Transport) error {
	c.heartbeat.Stop()

	ack := make(chan struct{})
	var once sync.Once
	off := tr.On(TransportDisconnect, func(json.RawMessage) {
		once.Do(func() { close(ack) })
	})
	defer off()

	if err := tr.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("transport close")
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		c.handleDisconnect(tr, ReasonClientDisconnect)
		return ctx.Err()
	}
}

// handleDisconnect moves the client to disconnected when tr, the current
// transport, goes away. Events from stale transports are ignored.
func (c *Client) handleDisconnect(tr Transport, reason string) {
	c.mu.Lock()
	if tr == nil || c.transport != tr {
		c.mu.Unlock()
		return
	}
	manual := c.manualDisconnect || reason == ReasonClientDisconnect
	c.transport = nil
	offs := c.offs
	c.offs = nil
	for _, h := range c.handlers {
		h.off = nil
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.heartbeat.Stop()
	for _, off := range offs {
		off()
	}

	c.logger.Info().Str("reason", reason).Bool("manual", manual).Msg("disconnected")
	c.notify(Disconnected{Reason: reason, Manual: manual})

	if !manual {
		c.scheduleReconnect()
	}
}

// ============================================================================
// Reconnect
// ============================================================================

// scheduleReconnect arms the next reconnect attempt, or gives up once the
// attempt budget is spent.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.connecting != nil {
		c.mu.Unlock()
		c.logger.Debug().Msg("connect in progress, skipping reconnect")
		return
	}
	if c.manualDisconnect || c.recon.state == reconnectScheduled {
		state, manual := c.recon.state, c.manualDisconnect
		c.mu.Unlock()
		c.logger.Debug().Stringer("state", state).Bool("manual", manual).Msg("reconnect not scheduled")
		return
	}

	attempt, delay, ok := c.recon.next()
	if !ok {
		c.recon.cancel()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()

		c.logger.Error().Int("attempts", attempt).Msg("max reconnect attempts reached")
		c.metrics.reconnectGaveUp()
		c.dispatch(ReconnectFailed{Attempts: attempt})
		return
	}

	c.setStatusLocked(StatusReconnecting)
	c.recon.arm(c.afterFunc(delay, c.runReconnect))
	c.mu.Unlock()

	c.logger.Info().
		Int("attempt", attempt).
		Int("max_attempts", c.recon.maxAttempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
	c.metrics.reconnectScheduled()
	c.dispatch(Reconnecting{Attempt: attempt, Delay: delay})
}

func (c *Client) runReconnect() {
	c.mu.Lock()
	if c.manualDisconnect || c.recon.state != reconnectScheduled {
		state := c.recon.state
		c.mu.Unlock()
		c.logger.Debug().Stringer("state", state).Msg("reconnect timer fired after cancel")
		return
	}
	c.recon.fire()
	attempt := c.recon.attempts
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Msg("reconnecting")

	err := c.connect(context.Background(), "", true)
	if errors.Is(err, errConnectInFlight) {
		c.mu.Lock()
		c.recon.cancel()
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		c.mu.Lock()
		c.recon.state = reconnectIdle
		c.mu.Unlock()
		c.scheduleReconnect()
	}
}

// ============================================================================
// Send / On
// ============================================================================

// awaitConnected waits for a connect in flight and returns the live transport.
func (c *Client) awaitConnected(ctx context.Context) (Transport, error) {
	if err := c.waitConnect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.transport == nil {
		return nil, ErrNotConnected
	}
	return c.transport, nil
}

// Send emits event with payload on the live connection.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	tr, err := c.awaitConnected(ctx)
	if err != nil {
		return err
	}
	return tr.Emit(ctx, event, payload)
}

// On attaches a raw handler for a server event. The handler survives
// reconnects until the returned function is called.
func (c *Client) On(ctx context.Context, event string, h TransportHandler) (func(), error) {
	if h == nil {
		return nil, &ValidationError{Field: "handler", Reason: "must not be nil"}
	}
	if _, err := c.awaitConnected(ctx); err != nil {
		return nil, err
	}

	rh := &rawHandler{event: event, fn: h}
	c.mu.Lock()
	if c.transport == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	rh.off = c.transport.On(event, h)
	c.handlers = append(c.handlers, rh)
	c.offs = append(c.offs, rh.off)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			off := rh.off
			rh.off = nil
			for i, existing := range c.handlers {
				if existing == rh {
					c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
			if off != nil {
				off()
			}
		})
	}, nil
}

func (c *Client) setStatusLocked(s ConnectionStatus) {
	if c.status != s {
		c.logger.Debug().Stringer("from", c.status).Stringer("to", s).Msg("status changed")
	}
	c.status = s
	c.metrics.setStatus(s)
}
