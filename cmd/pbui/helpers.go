package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	pbui "github.com/pbui-net/pbui/sdk/golang"
)

// session bundles what every command needs.
type session struct {
	cfg    *Config
	logger zerolog.Logger
}

// newSession loads the config, applies flag overrides and builds the logger.
func newSession(out io.Writer) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagAPIBase != "" {
		cfg.Default.APIBase = flagAPIBase
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogJSON {
		cfg.Log.JSON = true
	}

	logger := newLogger(LogConfig{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON, Output: out}).
		With().Str("instance", uuid.NewString()).Logger()
	return &session{cfg: cfg, logger: logger}, nil
}

// clientOptions translates the config into SDK options.
func (s *session) clientOptions(reg prometheus.Registerer) ([]pbui.ClientOption, error) {
	opts := []pbui.ClientOption{pbui.WithLogger(s.logger)}
	if s.cfg.Default.APIBase != "" {
		opts = append(opts, pbui.WithAPIBase(s.cfg.Default.APIBase))
	}

	var tOpts []pbui.TransportOption
	if s.cfg.Connect.Secure != nil {
		tOpts = append(tOpts, pbui.WithSecure(*s.cfg.Connect.Secure))
	}
	if s.cfg.Connect.RejectUnauthorized != nil {
		tOpts = append(tOpts, pbui.WithRejectUnauthorized(*s.cfg.Connect.RejectUnauthorized))
	}
	if s.cfg.Connect.HandshakeTimeout != "" {
		d, err := time.ParseDuration(s.cfg.Connect.HandshakeTimeout)
		if err != nil {
			return nil, fmt.Errorf("connect.handshake_timeout: %w", err)
		}
		tOpts = append(tOpts, pbui.WithHandshakeTimeout(d))
	}
	if s.cfg.Connect.Path != "" {
		tOpts = append(tOpts, pbui.WithPath(s.cfg.Connect.Path))
	}
	if len(tOpts) > 0 {
		opts = append(opts, pbui.WithTransportOptions(tOpts...))
	}

	if reg != nil {
		opts = append(opts, pbui.WithMetrics(reg))
	}
	return opts, nil
}

func (s *session) newClient(extra ...pbui.ClientOption) (*pbui.Client, error) {
	opts, err := s.clientOptions(nil)
	if err != nil {
		return nil, err
	}
	return pbui.NewClient(append(opts, extra...)...), nil
}

// writeOutput renders v as json or yaml.
func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "", "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (valid: json, yaml)", format)
	}
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
