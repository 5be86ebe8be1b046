package pbui

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName identifies an event delivered to subscribers.
type EventName string

// Server push events.
const (
	EventInitialState        EventName = "initial-state"
	EventStateUpdated        EventName = "state-updated"
	EventRealtimeScore       EventName = "realtime-score"
	EventSongFinished        EventName = "song-finished"
	EventFailedToCreateMatch EventName = "failed-to-create-match"
	EventMatchCreated        EventName = "match-created"
	EventMatchUpdated        EventName = "match-updated"
	EventMatchDeleted        EventName = "match-deleted"
	EventTournamentConnected EventName = "tournament-connected"
)

// Lifecycle meta events, emitted by the client itself.
const (
	EventConnected       EventName = "connected"
	EventDisconnected    EventName = "disconnected"
	EventReconnecting    EventName = "reconnecting"
	EventReconnectFailed EventName = "reconnect-failed"
)

// pushEvents are the server events the client routes into the registry.
var pushEvents = []EventName{
	EventInitialState,
	EventStateUpdated,
	EventRealtimeScore,
	EventSongFinished,
	EventFailedToCreateMatch,
	EventMatchCreated,
	EventMatchUpdated,
	EventMatchDeleted,
}

// Event is implemented by every event variant.
type Event interface {
	EventName() EventName
}

// InitialState is pushed once after the server accepts the connection.
type InitialState struct{ State StateDocument }

// StateUpdated is pushed whenever the server state changes.
type StateUpdated struct{ State StateDocument }

// RealtimeScore is a live score update.
type RealtimeScore struct{ Score RealtimeScorePayload }

// SongFinished reports a finished map.
type SongFinished struct{ Result SongFinishedPayload }

// FailedToCreateMatch reports that the tournament server rejected a match.
type FailedToCreateMatch struct{}

// MatchCreated reports a new match.
type MatchCreated struct{ MatchInfo }

// MatchUpdated reports a changed match.
type MatchUpdated struct{ MatchInfo }

// MatchDeleted reports a removed match.
type MatchDeleted struct{ MatchInfo }

// TournamentConnected is emitted once the tournament bridge has joined.
type TournamentConnected struct{ Tournament Tournament }

// Connected is emitted after every successful (re)connect.
type Connected struct{ URL string }

// Disconnected is emitted when the transport goes away.
type Disconnected struct {
	Reason string
	Manual bool
}

// Reconnecting is emitted when a reconnect attempt is scheduled.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectFailed is emitted once the reconnect budget is exhausted.
type ReconnectFailed struct{ Attempts int }

// RawEvent carries a push event with no typed variant.
type RawEvent struct {
	Name    EventName
	Payload json.RawMessage
}

func (InitialState) EventName() EventName        { return EventInitialState }
func (StateUpdated) EventName() EventName        { return EventStateUpdated }
func (RealtimeScore) EventName() EventName       { return EventRealtimeScore }
func (SongFinished) EventName() EventName        { return EventSongFinished }
func (FailedToCreateMatch) EventName() EventName { return EventFailedToCreateMatch }
func (MatchCreated) EventName() EventName        { return EventMatchCreated }
func (MatchUpdated) EventName() EventName        { return EventMatchUpdated }
func (MatchDeleted) EventName() EventName        { return EventMatchDeleted }
func (TournamentConnected) EventName() EventName { return EventTournamentConnected }
func (Connected) EventName() EventName           { return EventConnected }
func (Disconnected) EventName() EventName        { return EventDisconnected }
func (Reconnecting) EventName() EventName        { return EventReconnecting }
func (ReconnectFailed) EventName() EventName     { return EventReconnectFailed }
func (e RawEvent) EventName() EventName          { return e.Name }

// decodeEvent turns a push payload into its typed variant. Names without a
// variant decode to RawEvent.
func decodeEvent(name EventName, payload json.RawMessage) (Event, error) {
	switch name {
	case EventInitialState:
		var s StateDocument
		if err := unmarshalPayload(payload, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return InitialState{State: s}, nil
	case EventStateUpdated:
		var s StateDocument
		if err := unmarshalPayload(payload, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return StateUpdated{State: s}, nil
	case EventRealtimeScore:
		var p RealtimeScorePayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return RealtimeScore{Score: p}, nil
	case EventSongFinished:
		var p SongFinishedPayload
		if err := unmarshalPayload(payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return SongFinished{Result: p}, nil
	case EventFailedToCreateMatch:
		return FailedToCreateMatch{}, nil
	case EventMatchCreated, EventMatchUpdated, EventMatchDeleted:
		var m MatchInfo
		if err := unmarshalPayload(payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		switch name {
		case EventMatchCreated:
			return MatchCreated{m}, nil
		case EventMatchUpdated:
			return MatchUpdated{m}, nil
		default:
			return MatchDeleted{m}, nil
		}
	}
	return RawEvent{Name: name, Payload: payload}, nil
}

// unmarshalPayload treats an empty or null payload as the zero value.
func unmarshalPayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	return json.Unmarshal(payload, v)
}
