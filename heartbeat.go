package pbui

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is the keep-alive period.
const DefaultHeartbeatInterval = 30 * time.Second

// PingEvent is the event name the heartbeat emits.
const PingEvent = "ping"

// heartbeat emits a ping on a fixed interval while the transport is connected.
// At most one loop runs at a time.
type heartbeat struct {
	interval time.Duration
	logger   zerolog.Logger
	onBeat   func(err error)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newHeartbeat(interval time.Duration, logger zerolog.Logger) *heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &heartbeat{interval: interval, logger: logger}
}

// Start begins pinging tr. It reports false if a loop is already running.
func (h *heartbeat) Start(tr Transport) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		return false
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.loop(tr, h.stop, h.done)
	return true
}

// Stop halts the loop and waits for it to exit. Safe to call when stopped.
func (h *heartbeat) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (h *heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *heartbeat) loop(tr Transport, stop, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !tr.Connected() {
				continue
			}
			err := tr.Emit(ctx, PingEvent, PingPayload{
				RequestID: uuid.NewString(),
				SentAt:    time.Now().UnixMilli(),
			})
			if err != nil {
				h.logger.Debug().Err(err).Msg("heartbeat ping failed")
			}
			if h.onBeat != nil {
				h.onBeat(err)
			}
		}
	}
}
