package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	pbui "github.com/pbui-net/pbui/sdk/golang"
)

var (
	watchMetricsAddr string
	watchTournament  bool
	watchRetry       bool
)

// watchedEvents are printed by the watch command.
var watchedEvents = []pbui.EventName{
	pbui.EventConnected,
	pbui.EventDisconnected,
	pbui.EventReconnecting,
	pbui.EventReconnectFailed,
	pbui.EventInitialState,
	pbui.EventStateUpdated,
	pbui.EventRealtimeScore,
	pbui.EventSongFinished,
	pbui.EventFailedToCreateMatch,
	pbui.EventMatchCreated,
	pbui.EventMatchUpdated,
	pbui.EventMatchDeleted,
	pbui.EventTournamentConnected,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchTournament, "tournament", false, "also join the configured tournament")
	watchCmd.Flags().BoolVar(&watchRetry, "retry", true, "keep retrying when the first connect fails")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print real-time events",
	Long:  "Open a real-time connection and print every event as a JSON line until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var registerer prometheus.Registerer
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			registerer = reg
			shutdown := serveMetrics(s, watchMetricsAddr, reg)
			defer shutdown()
		}

		opts, err := s.clientOptions(registerer)
		if err != nil {
			return err
		}
		opts = append(opts, pbui.WithHandshakeRetry(watchRetry))
		client := pbui.NewClient(opts...)

		printer := newEventPrinter(cmd.OutOrStdout())
		for _, name := range watchedEvents {
			client.Listen(name, pbui.NewListener(printer.print))
			s.logger.Debug().Str("event", string(name)).Int("listeners", client.ListenerCount(name)).Msg("watching")
		}

		if err := client.Connect(ctx, ""); err != nil {
			if !watchRetry {
				return err
			}
			s.logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
		} else {
			s.logger.Info().Str("socket", client.SocketURL()).Msg("watching events")
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				s.logger.Warn().Err(err).Msg("disconnect failed")
			}
		}()

		if watchTournament {
			bridge := pbui.NewTournamentBridge(client, pbui.NewRelaySource(s.logger), s.cfg.Tournament)
			if err := bridge.Start(ctx); err != nil {
				return err
			}
			defer bridge.Close()
		}

		<-ctx.Done()
		s.logger.Info().Msg("shutting down")
		return nil
	},
}

// serveMetrics exposes reg over HTTP and returns a shutdown func.
func serveMetrics(s *session, addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// eventPrinter writes events as JSON lines.
type eventPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out}
}

type eventLine struct {
	Time  time.Time      `json:"time"`
	Event pbui.EventName `json:"event"`
	Data  pbui.Event     `json:"data"`
}

func (p *eventPrinter) print(e pbui.Event) {
	data, err := json.Marshal(eventLine{Time: time.Now().UTC(), Event: e.EventName(), Data: e})
	if err != nil {
		data = []byte(fmt.Sprintf(`{"event":%q,"error":%q}`, e.EventName(), err.Error()))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, string(data))
}
