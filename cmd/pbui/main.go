package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	pbui "github.com/pbui-net/pbui/sdk/golang"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pbui/config.toml.
type Config struct {
	Default    ConfigDefault         `toml:"default"`
	Log        ConfigLog             `toml:"log"`
	Connect    ConfigConnect         `toml:"connect"`
	Tournament pbui.TournamentConfig `toml:"tournament"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	APIBase string `toml:"api_base"`
}

// ConfigLog controls CLI logging.
type ConfigLog struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// ConfigConnect holds socket transport settings. Unset booleans fall back to
// the SDK defaults.
type ConfigConnect struct {
	Secure             *bool  `toml:"secure,omitempty"`
	RejectUnauthorized *bool  `toml:"reject_unauthorized,omitempty"`
	HandshakeTimeout   string `toml:"handshake_timeout,omitempty"`
	Path               string `toml:"path,omitempty"`
}

// envOverrides are applied on top of the config file.
type envOverrides struct {
	APIBase        string `env:"PBUI_API_BASE"`
	LogLevel       string `env:"PBUI_LOG_LEVEL"`
	LogJSON        *bool  `env:"PBUI_LOG_JSON"`
	TournamentHost string `env:"TA_HOST"`
	TournamentPort int    `env:"TA_PORT"`
	TournamentName string `env:"TOURNAMENT_NAME"`
	BotToken       string `env:"TA_BOT_TOKEN"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.pbui, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pbui")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file without environment overrides.
// A missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.APIBase != "" {
		cfg.Default.APIBase = o.APIBase
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogJSON != nil {
		cfg.Log.JSON = *o.LogJSON
	}
	if o.TournamentHost != "" {
		cfg.Tournament.Host = o.TournamentHost
	}
	if o.TournamentPort != 0 {
		cfg.Tournament.Port = o.TournamentPort
	}
	if o.TournamentName != "" {
		cfg.Tournament.Name = o.TournamentName
	}
	if o.BotToken != "" {
		cfg.Tournament.BotToken = o.BotToken
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_base").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_base)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_base":
			cfg.Default.APIBase = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "json":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("log.json: %w", err)
			}
			cfg.Log.JSON = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "connect":
		switch field {
		case "secure", "reject_unauthorized":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("connect.%s: %w", field, err)
			}
			if field == "secure" {
				cfg.Connect.Secure = &b
			} else {
				cfg.Connect.RejectUnauthorized = &b
			}
		case "handshake_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("connect.handshake_timeout: %w", err)
			}
			cfg.Connect.HandshakeTimeout = value
		case "path":
			cfg.Connect.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [connect]", field)
		}
	case "tournament":
		switch field {
		case "host":
			cfg.Tournament.Host = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("tournament.port: invalid port %q", value)
			}
			cfg.Tournament.Port = port
		case "name":
			cfg.Tournament.Name = value
		case "bot_token":
			cfg.Tournament.BotToken = value
		default:
			return fmt.Errorf("unknown field %q in section [tournament]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, log, connect, tournament)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel string
	flagLogJSON  bool
	flagAPIBase  string
)

var rootCmd = &cobra.Command{
	Use:          "pbui",
	Short:        "PBUI client CLI",
	Long:         "Command-line interface for the PBUI client.\nInspect and update remote state, and watch real-time events.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "json", false, "emit JSON logs")
	rootCmd.PersistentFlags().StringVar(&flagAPIBase, "api-base", "", "override the API base URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
