package pbui

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// StateCache is a local key/value cache in front of the state REST API.
//
// Values are stored in their generic JSON form (maps, slices, float64,
// string, bool, nil). Listeners for a key run only when a write changes the
// value under deep equality.
type StateCache struct {
	client    *Client
	logger    zerolog.Logger
	listeners *registry[any]
	group     singleflight.Group

	mu   sync.RWMutex
	data map[string]any
}

func newStateCache(c *Client) *StateCache {
	logger := c.logger.With().Str("component", "state").Logger()
	return &StateCache{
		client:    c,
		logger:    logger,
		listeners: newRegistry[any](logger),
		data:      make(map[string]any),
	}
}

// ============================================================================
// Reads
// ============================================================================

// Get returns the value for key. For StateKey the remote state is fetched
// when forceRefresh is set or nothing is cached yet; other keys are served
// from the cache and yield nil when absent.
func (s *StateCache) Get(ctx context.Context, key string, forceRefresh bool) (any, error) {
	if key == "" {
		key = StateKey
	}
	if key != StateKey {
		v, _ := s.Value(key)
		return v, nil
	}

	if !forceRefresh {
		if v, ok := s.Value(key); ok {
			return v, nil
		}
	}

	// The shared fetch outlives any single caller's cancellation; it is
	// bounded by the HTTP client timeout instead.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		fetched, err := s.fetchState(fetchCtx)
		if err != nil {
			return nil, err
		}
		s.store(key, fetched)
		return fetched, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug().Msg("state fetch coalesced")
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetState is Get(ctx, StateKey, forceRefresh) decoded into a StateDocument.
func (s *StateCache) GetState(ctx context.Context, forceRefresh bool) (*StateDocument, error) {
	v, err := s.Get(ctx, StateKey, forceRefresh)
	if err != nil {
		return nil, err
	}
	return convertValue[StateDocument](v)
}

// Value returns the cached value for key without any network access.
func (s *StateCache) Value(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Len returns the number of cached keys.
func (s *StateCache) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *StateCache) fetchState(ctx context.Context) (any, error) {
	s.logger.Debug().Msg("fetching state")
	data, err := s.client.doRequest(ctx, http.MethodGet, "/state", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return v, nil
}

// ============================================================================
// Writes
// ============================================================================

// Set stores value under key and notifies the key's listeners if the value
// changed. It reports whether listeners were notified.
func (s *StateCache) Set(key string, value any) (bool, error) {
	v, err := normalize(value)
	if err != nil {
		return false, fmt.Errorf("set %s: %w", key, err)
	}
	return s.store(key, v), nil
}

func (s *StateCache) store(key string, v any) bool {
	s.mu.Lock()
	old, present := s.data[key]
	if present && valueEqual(old, v) {
		s.mu.Unlock()
		return false
	}
	s.data[key] = v
	s.mu.Unlock()

	s.client.metrics.notified(key)
	s.listeners.emit(key, v)
	return true
}

// Update posts new song states and flow step. Arguments are validated before
// any request is made.
func (s *StateCache) Update(ctx context.Context, songStates map[string]any, currentFlowStep float64) (bool, error) {
	if songStates == nil {
		return false, &ValidationError{Field: "songStates", Reason: "must be an object"}
	}
	if len(songStates) == 0 {
		return false, &ValidationError{Field: "songStates", Reason: "must not be empty"}
	}
	if math.IsNaN(currentFlowStep) || math.IsInf(currentFlowStep, 0) {
		return false, &ValidationError{Field: "currentFlowStep", Reason: "must be a finite number"}
	}

	data, err := s.client.doRequest(ctx, http.MethodPost, "/update", &UpdateRequest{
		SongStates:      songStates,
		CurrentFlowStep: currentFlowStep,
	})
	if err != nil {
		return false, fmt.Errorf("update state: %w", err)
	}
	ack, err := decodeJSON[AckResponse](data)
	if err != nil {
		return false, err
	}
	return ack.Success, nil
}

// Reset asks the server to reset its state. The local cache is left as is;
// the server pushes the new state.
func (s *StateCache) Reset(ctx context.Context) (bool, error) {
	s.logger.Info().Msg("resetting state")
	data, err := s.client.doRequest(ctx, http.MethodPost, "/reset", nil)
	if err != nil {
		return false, fmt.Errorf("reset state: %w", err)
	}
	ack, err := decodeJSON[AckResponse](data)
	if err != nil {
		return false, err
	}
	return ack.Success, nil
}

// ============================================================================
// Listeners
// ============================================================================

// Subscribe registers l for changes to key.
func (s *StateCache) Subscribe(key string, l *Listener[any]) bool {
	return s.listeners.add(key, l)
}

// Unsubscribe removes l from key.
func (s *StateCache) Unsubscribe(key string, l *Listener[any]) bool {
	return s.listeners.remove(key, l)
}

// OnChange registers fn for key and returns a function that removes it.
func (s *StateCache) OnChange(key string, fn func(any)) func() {
	l := NewListener(fn)
	s.listeners.add(key, l)
	return func() { s.listeners.remove(key, l) }
}

// ============================================================================
// Equality
// ============================================================================

// normalize converts v to its generic JSON form.
func normalize(v any) (any, error) {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// valueEqual compares generic JSON values structurally. Objects are equal
// when they have the same key set and equal values; NaN is never equal.
func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !valueEqual(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	default:
		return reflect.DeepEqual(a, b)
	}
}

func convertValue[T any](v any) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON[T](b)
}
