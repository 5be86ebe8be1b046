package pbui

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	t.Run("resolves when the handshake completes", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		connected := record[Connected](t, c)

		require.NoError(t, c.Connect(context.Background(), ""))

		assert.Equal(t, StatusConnected, c.Status())
		assert.True(t, c.Connected())
		require.Equal(t, 1, d.count())
		tr := d.last()
		assert.Equal(t, "ws://pbui.test/ws", tr.url)
		assert.Equal(t, []string{"websocket"}, tr.opts.Transports)
		assert.False(t, tr.opts.Reconnection)
		assert.Equal(t, DefaultHandshakeTimeout, tr.opts.Timeout)
		require.Len(t, connected.all(), 1)
		assert.Equal(t, "ws://pbui.test/ws", connected.all()[0].URL)
	})

	t.Run("url argument replaces the api base", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		require.NoError(t, c.Connect(context.Background(), "https://other.example/"))

		assert.Equal(t, "https://other.example", c.APIBase())
		assert.Equal(t, "wss://other.example/ws", d.last().url)
	})

	t.Run("reconnection is forced off", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock, WithTransportOptions(func(o *TransportOptions) {
			o.Reconnection = true
		}))

		require.NoError(t, c.Connect(context.Background(), ""))
		assert.False(t, d.last().opts.Reconnection)
	})

	t.Run("handshake failure returns a connection error", func(t *testing.T) {
		d, clock := &fakeDialer{failWith: "server unavailable"}, &fakeClock{}
		c := newTestClient(t, d, clock)

		err := c.Connect(context.Background(), "")
		require.Error(t, err)

		var cerr *ConnectionError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, "handshake", cerr.Op)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
		assert.Contains(t, err.Error(), "server unavailable")
		assert.Equal(t, StatusDisconnected, c.Status())
		assert.True(t, d.last().isClosed())
		assert.Empty(t, clock.pending(), "no retry without WithHandshakeRetry")
	})

	t.Run("handshake failure retries when enabled", func(t *testing.T) {
		d, clock := &fakeDialer{failWith: "boom"}, &fakeClock{}
		c := newTestClient(t, d, clock, WithHandshakeRetry(true))

		require.Error(t, c.Connect(context.Background(), ""))
		assert.Equal(t, []time.Duration{time.Second}, clock.pending())
		assert.Equal(t, StatusReconnecting, c.Status())

		d.setFail("")
		_, ok := clock.fire()
		require.True(t, ok)
		assert.Equal(t, StatusConnected, c.Status())
		assert.Equal(t, 2, d.count())
	})

	t.Run("unsupported transport is rejected before dialing", func(t *testing.T) {
		c := NewClient(WithTransportOptions(WithTransports("polling")))
		err := c.Connect(context.Background(), "http://pbui.test")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedTransport)
		assert.Equal(t, StatusDisconnected, c.Status())
	})

	t.Run("existing connection is closed first", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		disconnected := record[Disconnected](t, c)

		require.NoError(t, c.Connect(context.Background(), ""))
		first := d.last()
		require.NoError(t, c.Connect(context.Background(), ""))

		assert.True(t, first.isClosed())
		assert.Equal(t, 2, d.count())
		assert.Equal(t, StatusConnected, c.Status())
		require.Len(t, disconnected.all(), 1)
		assert.True(t, disconnected.all()[0].Manual)
		assert.Empty(t, clock.pending())

		// Events from the replaced transport are ignored.
		first.drop(ReasonTransportClose)
		assert.Equal(t, StatusConnected, c.Status())
		assert.Empty(t, clock.pending())
	})

	t.Run("concurrent connects are serialized", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		var wg sync.WaitGroup
		errs := make([]error, 4)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = c.Connect(context.Background(), "")
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, StatusConnected, c.Status())
		assert.Equal(t, 4, d.count())
		connectedCount := 0
		for _, tr := range d.transports {
			if tr.Connected() {
				connectedCount++
			}
		}
		assert.Equal(t, 1, connectedCount)
	})
}

func TestReconnect(t *testing.T) {
	t.Run("transport close schedules a reconnect within a second", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		disconnected := record[Disconnected](t, c)
		reconnecting := record[Reconnecting](t, c)

		require.NoError(t, c.Connect(context.Background(), ""))
		d.last().drop(ReasonTransportClose)

		require.Len(t, disconnected.all(), 1)
		assert.Equal(t, Disconnected{Reason: ReasonTransportClose, Manual: false}, disconnected.all()[0])
		assert.Equal(t, StatusReconnecting, c.Status())
		require.Len(t, reconnecting.all(), 1)
		assert.Equal(t, Reconnecting{Attempt: 1, Delay: time.Second}, reconnecting.all()[0])

		delay, ok := clock.fire()
		require.True(t, ok)
		assert.LessOrEqual(t, delay, time.Second)
		assert.Equal(t, 2, d.count())
		assert.Equal(t, StatusConnected, c.Status())
		assert.Empty(t, clock.pending())
	})

	t.Run("successful reconnect restores the budget", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		reconnecting := record[Reconnecting](t, c)

		require.NoError(t, c.Connect(context.Background(), ""))
		for i := 0; i < 3; i++ {
			d.last().drop(ReasonTransportClose)
			_, ok := clock.fire()
			require.True(t, ok)
		}

		for _, e := range reconnecting.all() {
			assert.Equal(t, 1, e.Attempt)
			assert.Equal(t, time.Second, e.Delay)
		}
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		failed := record[ReconnectFailed](t, c)

		require.NoError(t, c.Connect(context.Background(), ""))
		d.setFail("refused")
		d.last().drop(ReasonTransportClose)

		var delays []time.Duration
		for {
			delay, ok := clock.fire()
			if !ok {
				break
			}
			delays = append(delays, delay)
		}

		s := time.Second
		assert.Equal(t, []time.Duration{s, 2 * s, 4 * s, 8 * s, 10 * s, 10 * s, 10 * s, 10 * s, 10 * s, 10 * s}, delays)
		assert.Equal(t, 1+DefaultMaxReconnectAttempts, d.count())
		assert.Equal(t, StatusDisconnected, c.Status())
		require.Len(t, failed.all(), 1)
		assert.Equal(t, DefaultMaxReconnectAttempts, failed.all()[0].Attempts)
		assert.Empty(t, clock.pending())
	})

	t.Run("custom policy", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock, WithReconnectPolicy(3, 500*time.Millisecond, 30*time.Second))

		require.NoError(t, c.Connect(context.Background(), ""))
		d.setFail("refused")
		d.last().drop(ReasonTransportClose)

		var delays []time.Duration
		for {
			delay, ok := clock.fire()
			if !ok {
				break
			}
			delays = append(delays, delay)
		}
		assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, delays)
	})

	t.Run("manual disconnect does not reconnect", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		disconnected := record[Disconnected](t, c)

		require.NoError(t, c.Connect(context.Background(), ""))
		tr := d.last()
		require.NoError(t, c.Disconnect(context.Background()))

		assert.Equal(t, StatusDisconnected, c.Status())
		assert.True(t, tr.isClosed())
		require.Len(t, disconnected.all(), 1)
		assert.True(t, disconnected.all()[0].Manual)
		assert.Equal(t, ReasonClientDisconnect, disconnected.all()[0].Reason)

		tr.drop(ReasonTransportClose)
		assert.Empty(t, clock.pending())
		assert.Equal(t, 1, d.count())
	})

	t.Run("disconnect cancels a pending reconnect", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		require.NoError(t, c.Connect(context.Background(), ""))
		d.last().drop(ReasonTransportClose)
		require.Len(t, clock.pending(), 1)

		require.NoError(t, c.Disconnect(context.Background()))
		assert.Empty(t, clock.pending())
		assert.Equal(t, StatusDisconnected, c.Status())
		assert.Equal(t, 1, d.count())
	})

	t.Run("only one reconnect is pending at a time", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		require.NoError(t, c.Connect(context.Background(), ""))
		d.last().drop(ReasonTransportClose)
		c.scheduleReconnect()
		c.scheduleReconnect()

		assert.Len(t, clock.pending(), 1)
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("without a connection is a no-op", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		require.NoError(t, c.Disconnect(context.Background()))
		assert.Equal(t, StatusDisconnected, c.Status())
	})

	t.Run("stops the heartbeat", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		require.NoError(t, c.Connect(context.Background(), ""))
		assert.True(t, c.heartbeat.Running())
		require.NoError(t, c.Disconnect(context.Background()))
		assert.False(t, c.heartbeat.Running())
	})
}

func TestSendAndOn(t *testing.T) {
	t.Run("require a connection", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		assert.ErrorIs(t, c.Send(context.Background(), "hello", nil), ErrNotConnected)
		_, err := c.On(context.Background(), "hello", func(json.RawMessage) {})
		assert.ErrorIs(t, err, ErrNotConnected)
		err = c.Subscribe(context.Background(), EventStateUpdated, NewListener(func(Event) {}))
		assert.ErrorIs(t, err, ErrNotConnected)
		_, err = SubscribeTo(context.Background(), c, func(StateUpdated) {})
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("send emits on the live transport", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		require.NoError(t, c.Connect(context.Background(), ""))

		require.NoError(t, c.Send(context.Background(), "select-map", map[string]string{"id": "abc"}))
		sent := d.last().sentEvents("select-map")
		require.Len(t, sent, 1)
		assert.Equal(t, map[string]string{"id": "abc"}, sent[0].Payload)
	})

	t.Run("raw handlers survive reconnects", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		require.NoError(t, c.Connect(context.Background(), ""))

		var got []string
		off, err := c.On(context.Background(), "custom", func(p json.RawMessage) {
			got = append(got, payloadString(p))
		})
		require.NoError(t, err)

		d.last().push(t, "custom", "one")
		d.last().drop(ReasonTransportClose)
		_, ok := clock.fire()
		require.True(t, ok)
		d.last().push(t, "custom", "two")

		off()
		d.last().push(t, "custom", "three")

		assert.Equal(t, []string{"one", "two"}, got)
	})
}

func TestPushEvents(t *testing.T) {
	t.Run("state pushes are cached and dispatched", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		require.NoError(t, c.Connect(context.Background(), ""))

		var initial []InitialState
		unsub, err := SubscribeTo(context.Background(), c, func(e InitialState) {
			initial = append(initial, e)
		})
		require.NoError(t, err)
		defer unsub()

		notified := 0
		c.State().OnChange(StateKey, func(any) { notified++ })

		doc := map[string]any{
			"song_states":       map[string]any{"song-1": "played"},
			"current_flow_step": 2,
		}
		d.last().push(t, string(EventInitialState), doc)
		d.last().push(t, string(EventStateUpdated), doc)

		require.Len(t, initial, 1)
		assert.Equal(t, 2.0, initial[0].State.CurrentFlowStep)
		assert.Equal(t, "played", initial[0].State.SongStates["song-1"])
		assert.Equal(t, 1, notified, "identical state must not notify twice")

		cached, ok := c.State().Value(StateKey)
		require.True(t, ok)
		assert.Equal(t, 2.0, cached.(map[string]any)["current_flow_step"])
	})

	t.Run("typed tournament pushes", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		require.NoError(t, c.Connect(context.Background(), ""))
		scores := record[RealtimeScore](t, c)
		created := record[MatchCreated](t, c)

		d.last().push(t, string(EventRealtimeScore), map[string]any{"userGuid": "u1", "score": 1200, "accuracy": 0.95})
		d.last().push(t, string(EventMatchCreated), map[string]any{
			"match":      map[string]any{"guid": "m1", "associatedUsers": []string{"u1", "u2"}},
			"tournament": map[string]any{"guid": "t1"},
		})

		require.Len(t, scores.all(), 1)
		assert.Equal(t, "u1", scores.all()[0].Score.UserGUID)
		assert.Equal(t, 1200, scores.all()[0].Score.Score)
		require.Len(t, created.all(), 1)
		assert.Equal(t, "m1", created.all()[0].Match.GUID)
		assert.Equal(t, "t1", created.all()[0].Tournament.GUID)
	})

	t.Run("pushes before the handshake completes are delivered", func(t *testing.T) {
		var c *Client
		d := &fakeDialer{}
		clock := &fakeClock{}
		factory := func(url string, opts TransportOptions) (Transport, error) {
			tr, _ := d.factory(url, opts)
			ft := tr.(*fakeTransport)
			return &earlyPushTransport{fakeTransport: ft, t: t}, nil
		}
		c = newTestClient(t, d, clock, WithTransportFactory(factory))

		require.NoError(t, c.Connect(context.Background(), ""))
		v, ok := c.State().Value(StateKey)
		require.True(t, ok)
		assert.Equal(t, 7.0, v.(map[string]any)["current_flow_step"])
	})

	t.Run("unsubscribed listener is not called", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		require.NoError(t, c.Connect(context.Background(), ""))

		calls := 0
		l := NewListener(func(Event) { calls++ })
		require.NoError(t, c.Subscribe(context.Background(), EventSongFinished, l))
		assert.True(t, c.Unsubscribe(EventSongFinished, l))

		d.last().push(t, string(EventSongFinished), map[string]any{"score": 1})
		assert.Zero(t, calls)
	})
}

// earlyPushTransport sends initial-state before completing the handshake.
type earlyPushTransport struct {
	*fakeTransport
	t *testing.T
}

func (e *earlyPushTransport) Open(ctx context.Context) {
	e.push(e.t, string(EventInitialState), map[string]any{
		"song_states":       map[string]any{"a": 1},
		"current_flow_step": 7,
	})
	e.fakeTransport.Open(ctx)
}

func receive(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return nil
	}
}

func opened(d *fakeDialer) bool {
	tr := d.last()
	if tr == nil {
		return false
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.opened
}

func TestConnectSlot(t *testing.T) {
	t.Run("drop from a Connected listener schedules a reconnect", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		dropped := false
		off, err := ListenTo(c, func(Connected) {
			if !dropped {
				dropped = true
				d.last().drop(ReasonTransportClose)
			}
		})
		require.NoError(t, err)
		defer off()

		require.NoError(t, c.Connect(context.Background(), ""))
		assert.Equal(t, []time.Duration{time.Second}, clock.pending())
		assert.Equal(t, StatusReconnecting, c.Status())

		_, ok := clock.fire()
		require.True(t, ok)
		assert.Equal(t, StatusConnected, c.Status())
		assert.Equal(t, 2, d.count())
	})

	t.Run("Connected listeners can send", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var sendErr error
		off, err := ListenTo(c, func(Connected) {
			sendErr = c.Send(ctx, "hello", "world")
		})
		require.NoError(t, err)
		defer off()

		require.NoError(t, c.Connect(context.Background(), ""))
		require.NoError(t, sendErr)
		assert.Len(t, d.last().sentEvents("hello"), 1)
	})

	t.Run("Disconnected listeners of a replaced connection can send", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		require.NoError(t, c.Connect(context.Background(), ""))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var sendErr error
		off, err := ListenTo(c, func(Disconnected) {
			sendErr = c.Send(ctx, "hello", "again")
		})
		require.NoError(t, err)
		defer off()

		require.NoError(t, c.Connect(context.Background(), ""))
		require.NoError(t, sendErr)
		assert.Len(t, d.last().sentEvents("hello"), 1)
	})

	t.Run("disconnect waits for an in-flight connect", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		release := d.holdHandshakes()
		defer release()

		connectErr := make(chan error, 1)
		go func() { connectErr <- c.Connect(context.Background(), "") }()
		require.Eventually(t, func() bool { return opened(d) }, time.Second, time.Millisecond)
		assert.Equal(t, StatusConnecting, c.Status())

		disconnectErr := make(chan error, 1)
		go func() { disconnectErr <- c.Disconnect(context.Background()) }()
		select {
		case <-disconnectErr:
			t.Fatal("disconnect returned before the connect resolved")
		case <-time.After(20 * time.Millisecond):
		}

		release()
		require.NoError(t, receive(t, connectErr))
		require.NoError(t, receive(t, disconnectErr))

		assert.True(t, d.last().isClosed())
		assert.Empty(t, clock.pending())
		assert.Equal(t, StatusDisconnected, c.Status())
	})

	t.Run("drop during the handshake fails the connect", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock, WithHandshakeRetry(true))
		release := d.holdHandshakes()
		defer release()

		connectErr := make(chan error, 1)
		go func() { connectErr <- c.Connect(context.Background(), "") }()
		require.Eventually(t, func() bool { return opened(d) }, time.Second, time.Millisecond)

		tr := d.last()
		tr.drop(ReasonTransportClose)

		err := receive(t, connectErr)
		assert.ErrorIs(t, err, ErrDisconnectedDuringHandshake)
		assert.True(t, tr.isClosed())
		assert.Equal(t, []time.Duration{time.Second}, clock.pending())
		assert.Equal(t, StatusReconnecting, c.Status())

		// The late handshake of the abandoned transport changes nothing.
		release()
		assert.False(t, tr.Connected())

		require.NoError(t, c.Disconnect(context.Background()))
		assert.Empty(t, clock.pending())
		assert.Equal(t, StatusDisconnected, c.Status())
	})

	t.Run("url is applied once the slot is claimed", func(t *testing.T) {
		d, clock := &fakeDialer{}, &fakeClock{}
		c := newTestClient(t, d, clock)
		release := d.holdHandshakes()
		defer release()

		first := make(chan error, 1)
		go func() { first <- c.Connect(context.Background(), "") }()
		require.Eventually(t, func() bool { return opened(d) }, time.Second, time.Millisecond)
		firstTr := d.last()

		second := make(chan error, 1)
		go func() { second <- c.Connect(context.Background(), "http://other.test") }()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, testAPIBase, c.APIBase())

		release()
		require.NoError(t, receive(t, first))
		require.NoError(t, receive(t, second))

		assert.Equal(t, "http://other.test", c.APIBase())
		assert.Equal(t, "ws://pbui.test/ws", firstTr.url)
		assert.Equal(t, "ws://other.test/ws", d.last().url)
		assert.Equal(t, "ws://other.test/ws", c.SocketURL())
		assert.True(t, firstTr.isClosed())
		assert.Equal(t, StatusConnected, c.Status())
	})
}
