package pbui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Relay frame types.
const (
	relayTournaments = "tournaments"
	relayJoin        = "join"
	relayJoined      = "joined"
	relayJoinFailed  = "join-failed"
)

// RelaySource is a TournamentSource that talks to a tournament relay over a
// WebSocket using the same JSON envelopes as the PBUI server. The relay sends
// the tournament list right after accepting the connection.
type RelaySource struct {
	logger       zerolog.Logger
	dialer       websocket.Dialer
	writeTimeout time.Duration

	mu          sync.RWMutex
	conn        *websocket.Conn
	tournaments []Tournament
	handlers    map[string][]transportHandler
	nextID      uint64
	closed      bool

	writeMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	joins     chan error
}

func NewRelaySource(logger zerolog.Logger) *RelaySource {
	return &RelaySource{
		logger:       logger.With().Str("component", "relay").Logger(),
		dialer:       websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		writeTimeout: 5 * time.Second,
		handlers:     make(map[string][]transportHandler),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		joins:        make(chan error, 1),
	}
}

// Connect dials the relay and waits for the tournament list.
func (s *RelaySource) Connect(ctx context.Context, host string, port int, token string) error {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: "/"}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	s.logger.Debug().Str("url", u.String()).Msg("relay connected")

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrTransportClosed
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

func (s *RelaySource) readLoop(conn *websocket.Conn) {
	defer close(s.done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if !closed {
				s.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.logger.Debug().Int("bytes", len(data)).Msg("dropping malformed relay frame")
			continue
		}

		switch env.Type {
		case relayTournaments:
			var list []Tournament
			if err := unmarshalPayload(env.Payload, &list); err != nil {
				s.logger.Warn().Err(err).Msg("bad tournament list")
				continue
			}
			s.mu.Lock()
			s.tournaments = list
			s.mu.Unlock()
			s.readyOnce.Do(func() { close(s.ready) })
		case relayJoined:
			s.reportJoin(nil)
		case relayJoinFailed:
			s.reportJoin(fmt.Errorf("%w: %s", ErrRemoteRejected, payloadString(env.Payload)))
		default:
			s.emit(env.Type, env.Payload)
		}
	}
}

func (s *RelaySource) reportJoin(err error) {
	select {
	case s.joins <- err:
	default:
	}
}

func (s *RelaySource) Tournaments() []Tournament {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tournament, len(s.tournaments))
	copy(out, s.tournaments)
	return out
}

// Join asks the relay to join the tournament and waits for the answer.
func (s *RelaySource) Join(ctx context.Context, tournamentGUID string) error {
	payload, err := json.Marshal(map[string]string{"tournamentId": tournamentGUID})
	if err != nil {
		return err
	}
	if err := s.write(Envelope{Type: relayJoin, Payload: payload}); err != nil {
		return err
	}

	select {
	case err := <-s.joins:
		return err
	case <-s.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RelaySource) write(env Envelope) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *RelaySource) On(event string, h func(payload json.RawMessage)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[event] = append(s.handlers[event], transportHandler{id: id, h: h})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		current := s.handlers[event]
		next := make([]transportHandler, 0, len(current))
		for _, th := range current {
			if th.id != id {
				next = append(next, th)
			}
		}
		s.handlers[event] = next
	}
}

func (s *RelaySource) emit(event string, payload json.RawMessage) {
	s.mu.RLock()
	handlers := s.handlers[event]
	s.mu.RUnlock()

	for _, th := range handlers {
		th.h(payload)
	}
}

// Close sends a close frame and closes the connection.
func (s *RelaySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Msg("relay close frame")
	}
	return conn.Close()
}
