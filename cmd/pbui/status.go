package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	pbui "github.com/pbui-net/pbui/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and remote state",
	Long:  "Display the effective configuration and query the state endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		cfg := s.cfg

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  API Base:    %s\n", valueOrDefault(cfg.Default.APIBase, pbui.DefaultAPIBase+" (default)"))
		fmt.Fprintf(out, "  Log Level:   %s\n", valueOrDefault(cfg.Log.Level, "info"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Tournament:")
		fmt.Fprintf(out, "  Host:        %s\n", valueOrDefault(cfg.Tournament.Host, pbui.DefaultTournamentHost))
		port := cfg.Tournament.Port
		if port == 0 {
			port = pbui.DefaultTournamentPort
		}
		fmt.Fprintf(out, "  Port:        %d\n", port)
		fmt.Fprintf(out, "  Name:        %s\n", valueOrDefault(cfg.Tournament.Name, "(not set)"))
		if cfg.Tournament.BotToken != "" {
			fmt.Fprintf(out, "  Bot Token:   %s\n", maskKey(cfg.Tournament.BotToken))
		} else {
			fmt.Fprintln(out, "  Bot Token:   (not set)")
		}

		client, err := s.newClient()
		if err != nil {
			return err
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		start := time.Now()
		doc, err := client.State().GetState(ctx, true)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching state: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Latency:     %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "  Flow Step:   %v\n", doc.CurrentFlowStep)
		fmt.Fprintf(out, "  Songs:       %d\n", len(doc.SongStates))
		return nil
	},
}
