package pbui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// ============================================================================
// Tournament configuration
// ============================================================================

const (
	DefaultTournamentHost = "server.tournamentassistant.net"
	DefaultTournamentPort = 8676
)

// TournamentConfig holds the tournament server credentials.
type TournamentConfig struct {
	Host     string `env:"TA_HOST" envDefault:"server.tournamentassistant.net" toml:"host"`
	Port     int    `env:"TA_PORT" envDefault:"8676" toml:"port"`
	Name     string `env:"TOURNAMENT_NAME" toml:"name"`
	BotToken string `env:"TA_BOT_TOKEN" toml:"bot_token"`
}

// LoadTournamentConfig reads the tournament settings from the environment.
func LoadTournamentConfig() (TournamentConfig, error) {
	cfg, err := env.ParseAs[TournamentConfig]()
	if err != nil {
		return TournamentConfig{}, fmt.Errorf("load tournament config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// Tournament source
// ============================================================================

// Tournament protocol event names.
const (
	TAEventRealtimeScore       = "realtimeScore"
	TAEventSongFinished        = "songFinished"
	TAEventFailedToCreateMatch = "failedToCreateMatch"
	TAEventMatchCreated        = "matchCreated"
	TAEventMatchUpdated        = "matchUpdated"
	TAEventMatchDeleted        = "matchDeleted"
)

// taRelays maps tournament protocol events to the events the bridge emits.
var taRelays = map[string]EventName{
	TAEventRealtimeScore:       EventRealtimeScore,
	TAEventSongFinished:        EventSongFinished,
	TAEventFailedToCreateMatch: EventFailedToCreateMatch,
	TAEventMatchCreated:        EventMatchCreated,
	TAEventMatchUpdated:        EventMatchUpdated,
	TAEventMatchDeleted:        EventMatchDeleted,
}

// TournamentSource is a client for the tournament protocol.
type TournamentSource interface {
	Connect(ctx context.Context, host string, port int, token string) error
	Tournaments() []Tournament
	Join(ctx context.Context, tournamentGUID string) error
	On(event string, h func(payload json.RawMessage)) (off func())
	Close() error
}

// ============================================================================
// Bridge
// ============================================================================

// TournamentBridge joins a tournament and relays its events into a Client's
// event registry.
type TournamentBridge struct {
	client *Client
	source TournamentSource
	cfg    TournamentConfig
	logger zerolog.Logger

	mu         sync.Mutex
	offs       []func()
	tournament *Tournament
}

func NewTournamentBridge(c *Client, src TournamentSource, cfg TournamentConfig) *TournamentBridge {
	if cfg.Host == "" {
		cfg.Host = DefaultTournamentHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultTournamentPort
	}
	return &TournamentBridge{
		client: c,
		source: src,
		cfg:    cfg,
		logger: c.logger.With().Str("component", "tournament").Logger(),
	}
}

// Start connects to the tournament server, joins the configured tournament
// and begins relaying events.
func (b *TournamentBridge) Start(ctx context.Context) error {
	if b.cfg.Name == "" {
		return &ValidationError{Field: "tournament name", Reason: "must not be empty"}
	}

	b.logger.Info().Str("host", b.cfg.Host).Int("port", b.cfg.Port).Msg("connecting to tournament server")
	if err := b.source.Connect(ctx, b.cfg.Host, b.cfg.Port, b.cfg.BotToken); err != nil {
		return fmt.Errorf("tournament connect: %w", err)
	}

	var selected *Tournament
	for _, t := range b.source.Tournaments() {
		if t.Settings.TournamentName == b.cfg.Name {
			t := t
			selected = &t
			break
		}
	}
	if selected == nil {
		b.logger.Error().Str("name", b.cfg.Name).Msg("could not find tournament")
		b.source.Close()
		return fmt.Errorf("%w: %s", ErrTournamentNotFound, b.cfg.Name)
	}

	// Relays go in before joining; the server starts pushing on join.
	offs := make([]func(), 0, len(taRelays))
	for taEvent, name := range taRelays {
		offs = append(offs, b.source.On(taEvent, func(p json.RawMessage) {
			b.client.handlePush(name, p)
		}))
	}

	if err := b.source.Join(ctx, selected.GUID); err != nil {
		for _, off := range offs {
			off()
		}
		b.source.Close()
		return fmt.Errorf("tournament join: %w", err)
	}

	b.mu.Lock()
	b.offs = offs
	b.tournament = selected
	b.mu.Unlock()

	b.logger.Info().Str("tournament", selected.GUID).Msg("joined tournament")
	b.client.dispatch(TournamentConnected{Tournament: *selected})
	return nil
}

// Tournament returns the joined tournament, or nil before Start succeeds.
func (b *TournamentBridge) Tournament() *Tournament {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tournament
}

// Close detaches the relays and closes the source.
func (b *TournamentBridge) Close() error {
	b.mu.Lock()
	offs := b.offs
	b.offs = nil
	b.tournament = nil
	b.mu.Unlock()

	for _, off := range offs {
		off()
	}
	return b.source.Close()
}
