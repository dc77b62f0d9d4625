package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/stringutil"
	"github.com/kandev/researchd/internal/db"
	"github.com/kandev/researchd/internal/session"
)

var (
	listStatus  string
	listQuery   string
	listLimit   int
	listReindex bool
)

func init() {
	sessionsCmd.Flags().StringVar(&listStatus, "status", "", "only sessions with this status")
	sessionsCmd.Flags().StringVar(&listQuery, "query", "", "only sessions whose query contains this text")
	sessionsCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of sessions")
	sessionsCmd.Flags().BoolVar(&listReindex, "reindex", false, "rebuild the catalog from the event logs first")
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions from the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg, "stderr")
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		pool, cleanup, err := db.Provide(cfg, log)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }()
		catalog, err := session.NewCatalog(ctx, pool)
		if err != nil {
			return err
		}

		if listReindex {
			registry := session.NewRegistry(session.NewEventLog(cfg.Sessions.LogDir), catalog, log)
			n, err := registry.Load(ctx)
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			log.Info("Catalog rebuilt", zap.Int("sessions", n))
		}

		list, err := catalog.List(ctx, session.ListFilter{Status: listStatus, Query: listQuery, Limit: listLimit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSTAGES\tFILES\tDURATION\tCREATED\tQUERY")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%d/%d\t%d\t%s\t%s\t%s\n",
				s.ID,
				s.Status,
				s.Progress,
				s.AgentsCompleted, s.AgentsTotal,
				s.FileCount,
				(time.Duration(s.DurationMs) * time.Millisecond).Round(time.Second),
				s.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				stringutil.TruncateWithEllipsis(s.Query, 60),
			)
		}
		return w.Flush()
	},
}
