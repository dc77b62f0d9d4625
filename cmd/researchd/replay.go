package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kandev/researchd/internal/session"
)

func init() {
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Rebuild a session from its event log and print the snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg, "stderr")
		if err != nil {
			return err
		}

		registry := session.NewRegistry(session.NewEventLog(cfg.Sessions.LogDir), nil, log)
		s, err := registry.Rebuild(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("replay %s: %w", args[0], err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(s.Clone())
	},
}
