package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kandev/researchd/internal/reconcile"
	"github.com/kandev/researchd/internal/session"
)

var watchServer string

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "", "server base URL (default http://localhost:<server.port>)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session until it completes or fails",
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
		if watchServer == "" {
			watchServer = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}

		w, err := reconcile.NewWatcher(reconcile.WatcherConfig{
			BaseURL:         watchServer,
			SessionID:       args[0],
			StalenessWindow: cfg.Reconcile.StalenessDuration(),
			PollInterval:    cfg.Reconcile.PollDuration(),
		}, log)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		var last string
		w.OnChange(func(s session.Session) {
			if line := formatProgress(s); line != last {
				last = line
				fmt.Fprintln(out, line)
			}
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := w.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		final := w.Session()
		printFiles(out, final)
		if final.Status == session.StatusFailed {
			return fmt.Errorf("session %s failed: %s", final.ID, final.Message)
		}
		return nil
	},
}

// formatProgress renders one status line, e.g.
// "running  42%  browser:completed editor:running(60%)".
func formatProgress(s session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-9s %3d%%", s.Status, s.Progress)
	for _, a := range s.Agents {
		fmt.Fprintf(&b, "  %s:%s", a.Stage, a.Status)
		if a.Progress != nil && a.Status == session.AgentRunning {
			fmt.Fprintf(&b, "(%d%%)", *a.Progress)
		}
	}
	if s.Message != "" && s.Status.IsTerminal() {
		fmt.Fprintf(&b, "  %s", s.Message)
	}
	return b.String()
}

func printFiles(out io.Writer, s session.Session) {
	for _, f := range s.Files {
		fmt.Fprintf(out, "file  %s  (%s)\n", f.Path, f.Stage)
	}
}
