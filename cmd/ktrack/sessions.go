package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goodtune/ktrack/internal/config"
	"github.com/goodtune/ktrack/internal/report"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect recorded sessions",
}

var sessionsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the most recently started sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsRecent,
}

func init() {
	sessionsRecentCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to show")

	sessionsCmd.AddCommand(sessionsRecentCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsRecent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	sessions, err := store.Sessions().Recent(context.Background(), storage.ClampRecentLimit(sessionsLimit))
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tDURATION\tSOURCE\tAPP\tTITLE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.Unix(s.StartTs, 0).Format(time.DateTime),
			time.Unix(s.EndTs, 0).Format(time.TimeOnly),
			report.HumanDuration(s.Duration()),
			s.Source, s.App, s.Title)
	}
	return w.Flush()
}
