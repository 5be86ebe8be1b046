package pbui

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake transport
// ============================================================================

type sentEvent struct {
	Event   string
	Payload any
}

// fakeTransport emits handshake and disconnect events synchronously on the
// calling goroutine. With hold set, the handshake completes on another
// goroutine once hold is closed.
type fakeTransport struct {
	url  string
	opts TransportOptions
	fail string
	hold chan struct{}

	mu        sync.Mutex
	handlers  map[string][]transportHandler
	nextID    uint64
	opened    bool
	connected bool
	closed    bool
	sent      []sentEvent
}

func (f *fakeTransport) Open(ctx context.Context) {
	f.mu.Lock()
	f.opened = true
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		go func() {
			<-hold
			f.complete()
		}()
		return
	}
	f.complete()
}

func (f *fakeTransport) complete() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	fail := f.fail
	if fail == "" {
		f.connected = true
	}
	f.mu.Unlock()

	if fail != "" {
		f.emit(TransportConnectError, jsonString(fail))
		return
	}
	f.emit(TransportConnect, nil)
}

func (f *fakeTransport) On(event string, h TransportHandler) func() {
	f.mu.Lock()
	if f.handlers == nil {
		f.handlers = make(map[string][]transportHandler)
	}
	f.nextID++
	id := f.nextID
	f.handlers[event] = append(f.handlers[event], transportHandler{id: id, h: h})
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		current := f.handlers[event]
		next := make([]transportHandler, 0, len(current))
		for _, th := range current {
			if th.id != id {
				next = append(next, th)
			}
		}
		f.handlers[event] = next
	}
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, sentEvent{Event: event, Payload: payload})
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.connected = false
	f.mu.Unlock()

	f.emit(TransportDisconnect, jsonString(ReasonClientDisconnect))
	return nil
}

// drop simulates the server or network going away.
func (f *fakeTransport) drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.emit(TransportDisconnect, jsonString(reason))
}

// push simulates a server event.
func (f *fakeTransport) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	f.emit(event, raw)
}

func (f *fakeTransport) emit(event string, payload json.RawMessage) {
	f.mu.Lock()
	handlers := f.handlers[event]
	f.mu.Unlock()
	for _, th := range handlers {
		th.h(payload)
	}
}

func (f *fakeTransport) sentEvents(name string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, s := range f.sent {
		if s.Event == name {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer is a TransportFactory that records every transport it creates.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	failWith   string
	hold       chan struct{}
}

func (d *fakeDialer) factory(url string, opts TransportOptions) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tr := &fakeTransport{url: url, opts: opts, fail: d.failWith, hold: d.hold}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) setFail(reason string) {
	d.mu.Lock()
	d.failWith = reason
	d.mu.Unlock()
}

// holdHandshakes makes every later transport wait for the returned release.
func (d *fakeDialer) holdHandshakes() (release func()) {
	hold := make(chan struct{})
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// ============================================================================
// Fake clock
// ============================================================================

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock records afterFunc calls; timers run only when fired by the test.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns the delays of timers that are neither stopped nor fired.
func (c *fakeClock) pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fire runs the earliest pending timer and returns its delay.
func (c *fakeClock) fire() (time.Duration, bool) {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		if next == nil || t.delay < next.delay {
			next = t
		}
	}
	if next == nil {
		c.mu.Unlock()
		return 0, false
	}
	next.fired = true
	c.mu.Unlock()

	next.fn()
	return next.delay, true
}

// ============================================================================
// Helpers
// ============================================================================

const testAPIBase = "http://pbui.test"

func newTestClient(t *testing.T, d *fakeDialer, clock *fakeClock, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithAPIBase(testAPIBase),
		WithTransportFactory(d.factory),
		WithHeartbeatInterval(time.Hour),
	}
	c := NewClient(append(base, opts...)...)
	c.afterFunc = clock.afterFunc
	t.Cleanup(func() {
		c.Disconnect(context.Background())
	})
	return c
}

// recorder collects events of one type.
type recorder[E Event] struct {
	mu     sync.Mutex
	events []E
}

func record[E Event](t *testing.T, c *Client) *recorder[E] {
	t.Helper()
	r := &recorder[E]{}
	off, err := ListenTo(c, func(e E) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(off)
	return r
}

func (r *recorder[E]) all() []E {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]E, len(r.events))
	copy(out, r.events)
	return out
}
