package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	pbui "github.com/pbui-net/pbui/sdk/golang"
)

const requestTimeout = 30 * time.Second

var (
	stateOutput   string
	stateFlowStep float64
	stateSongs    string
)

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(stateUpdateCmd)
	stateCmd.AddCommand(stateResetCmd)

	stateGetCmd.Flags().StringVarP(&stateOutput, "output", "o", "json", "output format (json, yaml)")

	stateUpdateCmd.Flags().Float64Var(&stateFlowStep, "flow-step", 0, "current flow step")
	stateUpdateCmd.Flags().StringVar(&stateSongs, "songs", "", "JSON file with song states, or - for stdin")
	_ = stateUpdateCmd.MarkFlagRequired("songs")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Read and modify remote state",
}

var stateGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Fetch the current state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		client, err := s.newClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		state, err := client.State().Get(ctx, pbui.StateKey, true)
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), stateOutput, state)
	},
}

var stateUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Post new song states and flow step",
	Long:  "Post new song states and flow step.\nExample: pbui state update --flow-step 2 --songs songs.json",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		songs, err := readSongStates(cmd.InOrStdin(), stateSongs)
		if err != nil {
			return err
		}
		client, err := s.newClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		ok, err := client.State().Update(ctx, songs, stateFlowStep)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("update: %w", pbui.ErrRemoteRejected)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "State updated.")
		return nil
	},
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the remote state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		client, err := s.newClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		ok, err := client.State().Reset(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reset: %w", pbui.ErrRemoteRejected)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "State reset.")
		return nil
	},
}

// readSongStates decodes a JSON object from path, or from stdin when path is "-".
func readSongStates(stdin io.Reader, path string) (map[string]any, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open song states: %w", err)
		}
		defer f.Close()
		r = f
	}

	var songs map[string]any
	if err := json.NewDecoder(r).Decode(&songs); err != nil {
		return nil, fmt.Errorf("decode song states: %w", err)
	}
	return songs, nil
}
