package pbui

import "encoding/json"

// ============================================================================
// State Types
// ============================================================================

// StateKey is the cache key backed by the remote state endpoint.
const StateKey = "state"

// StateDocument is the state pushed by the server and returned by GET /state.
type StateDocument struct {
	SongStates      map[string]any `json:"song_states"`
	CurrentFlowStep float64        `json:"current_flow_step"`
}

// UpdateRequest is the body of POST /update.
type UpdateRequest struct {
	SongStates      map[string]any `json:"song_states"`
	CurrentFlowStep float64        `json:"current_flow_step"`
}

// AckResponse is returned by the write endpoints.
type AckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all real-time events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingPayload is sent by the heartbeat.
type PingPayload struct {
	RequestID string `json:"requestId"`
	SentAt    int64  `json:"sentAt"`
}

// ============================================================================
// Tournament Types
// ============================================================================

// User is a tournament participant.
type User struct {
	GUID       string `json:"guid"`
	Name       string `json:"name"`
	PlatformID string `json:"platformId,omitempty"`
}

// Beatmap identifies a played map.
type Beatmap struct {
	Name           string `json:"name"`
	LevelID        string `json:"levelId"`
	Characteristic string `json:"characteristic,omitempty"`
	Difficulty     int    `json:"difficulty"`
}

// RealtimeScorePayload is a live score update for one player.
type RealtimeScorePayload struct {
	UserGUID           string  `json:"userGuid"`
	Score              int     `json:"score"`
	ScoreWithModifiers int     `json:"scoreWithModifiers"`
	MaxScore           int     `json:"maxScore"`
	Accuracy           float64 `json:"accuracy"`
	Combo              int     `json:"combo"`
	MaxCombo           int     `json:"maxCombo"`
	NotesMissed        int     `json:"notesMissed"`
	BadCuts            int     `json:"badCuts"`
	BombHits           int     `json:"bombHits"`
	WallHits           int     `json:"wallHits"`
	PlayerHealth       float64 `json:"playerHealth"`
	SongPosition       float64 `json:"songPosition"`
}

// SongFinishedPayload is sent when a player finishes a map.
type SongFinishedPayload struct {
	Player         User    `json:"player"`
	Beatmap        Beatmap `json:"beatmap"`
	Type           string  `json:"type"` // "Passed", "Failed", "Quit"
	Score          int     `json:"score"`
	Misses         int     `json:"misses"`
	BadCuts        int     `json:"badCuts"`
	GoodCuts       int     `json:"goodCuts"`
	EndTime        float64 `json:"endTime"`
	TournamentGUID string  `json:"tournamentId"`
	MatchGUID      string  `json:"matchId"`
}

// TournamentSettings holds the parts of tournament settings we read.
type TournamentSettings struct {
	TournamentName string `json:"tournamentName"`
}

// Tournament is a tournament known to the protocol client.
type Tournament struct {
	GUID     string             `json:"guid"`
	Settings TournamentSettings `json:"settings"`
}

// Match is a tournament match.
type Match struct {
	GUID            string   `json:"guid"`
	Leader          string   `json:"leader"`
	AssociatedUsers []string `json:"associatedUsers"`
	SelectedMap     *Beatmap `json:"selectedMap,omitempty"`
}

// MatchInfo pairs a match with the tournament it belongs to.
type MatchInfo struct {
	Match      Match      `json:"match"`
	Tournament Tournament `json:"tournament"`
}
