package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/history"
	"github.com/mrlokans/influx-importer/internal/importers"
)

func (a *app) openHistory() (*history.Store, error) {
	if a.cfg.History.Path == "" {
		return nil, errors.New("run history is disabled (history.path is empty)")
	}
	return history.Open(a.cfg.History.Path)
}

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit  int
		source string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent import runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			var runs []entities.ImportRun
			if source != "" {
				source = importers.SourcePath(source)
				runs, err = store.BySource(source, limit)
			} else {
				runs, err = store.Recent(limit)
			}
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No import runs recorded")
				return nil
			}

			if source != "" {
				last, err := store.LastSuccessful(source)
				if err != nil {
					return fmt.Errorf("failed to read history: %w", err)
				}
				if last != nil {
					fmt.Fprintf(out, "Last successful import: %s (%d written)\n\n",
						last.StartedAt.Local().Format(time.DateTime), last.Written)
				} else {
					fmt.Fprintf(out, "Last successful import: never\n\n")
				}
			}

			fmt.Fprintf(out, "%-20s %-7s %-8s %8s %8s %8s %8s  %s\n",
				"STARTED", "KIND", "STATUS", "READ", "WRITTEN", "SKIPPED", "ERRORS", "SOURCE")
			for _, run := range runs {
				status := string(run.Status)
				if run.DryRun {
					status += "*"
				}
				fmt.Fprintf(out, "%-20s %-7s %-8s %8d %8d %8d %8d  %s\n",
					run.StartedAt.Local().Format(time.DateTime), run.Kind, status,
					run.Read, run.Written, run.Duplicates, run.Failed+run.MalformedRows, run.Source)
				if run.Error != "" {
					fmt.Fprintf(out, "  [ERROR] %s\n", run.Error)
				}
			}
			fmt.Fprintln(out, "\n* dry run")
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().StringVarP(&source, "source", "s", "", "only show runs of this source")
	cmd.AddCommand(newHistoryPruneCommand(a))
	return cmd
}

func newHistoryPruneCommand(a *app) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old import runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = a.cfg.History.RetentionDays
			}
			if days < 1 {
				return fmt.Errorf("retention must be at least 1 day, got %d", days)
			}

			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.DeleteOlderThan(time.Duration(days) * 24 * time.Hour)
			if err != nil {
				return fmt.Errorf("failed to prune history: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs older than %d days\n", deleted, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "keep runs of the last N days (default history.retention_days)")
	return cmd
}
