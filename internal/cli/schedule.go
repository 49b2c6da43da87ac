package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mrlokans/influx-importer/internal/scheduler"
)

func newScheduleCommand(a *app) *cobra.Command {
	var (
		cronExpr string
		now      bool
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the configured imports on a cron schedule",
		Long: `Runs every [[schedule.jobs]] entry of the config file on the schedule.cron
schedule until interrupted. A tick is skipped while the previous one is still
running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("cron") {
				cronExpr = a.cfg.Schedule.Cron
			}
			if err := scheduler.ValidateSchedule(cronExpr); err != nil {
				return fmt.Errorf("invalid cron schedule '%s': %w", cronExpr, err)
			}

			imports, err := a.cfg.ScheduledImports()
			if err != nil {
				return err
			}
			if len(imports) == 0 {
				return errors.New("no imports configured, add [[schedule.jobs]] entries to the config file")
			}

			jobs := make([]scheduler.Job, len(imports))
			for i, imp := range imports {
				jobs[i] = scheduler.Job{Name: imp.Name, Request: imp.Request}
			}

			out := cmd.OutOrStdout()
			s := a.newSession(a.cfg.SinkConfig(), out)
			defer s.Close()

			sched := scheduler.NewImportScheduler(s.pipeline, cronExpr, jobs, a.cfg.Schedule.Timeout)

			if now || once {
				results := sched.RunNow(cmd.Context())
				printResults(out, results)
				if once {
					return resultsError(results)
				}
			}

			if err := sched.Start(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(out, "Scheduled %d imports: %s\n", len(jobs), scheduler.DescribeSchedule(cronExpr))
			if next := sched.NextRun(); next != nil {
				fmt.Fprintf(out, "Next run: %s\n", next.Format("2006-01-02 15:04:05"))
			}

			<-cmd.Context().Done()
			sched.Stop()
			fmt.Fprintln(out, "Scheduler stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron schedule (default schedule.cron)")
	cmd.Flags().BoolVar(&now, "now", false, "run all imports once before waiting for the schedule")
	cmd.Flags().BoolVar(&once, "once", false, "run all imports once and exit")
	return cmd
}

func printResults(out io.Writer, results []scheduler.Result) {
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "  [ERROR] %s: %v\n", r.Job, r.Err)
		case r.Report.HasErrors():
			fmt.Fprintf(out, "  [WARN] %s: %d written, %d failed, %d malformed\n",
				r.Job, r.Report.Written, r.Report.Failed, r.Report.MalformedRows)
		default:
			fmt.Fprintf(out, "  [OK] %s: %d written, %d already imported\n",
				r.Job, r.Report.Written, r.Report.Duplicates)
		}
	}
}

func resultsError(results []scheduler.Result) error {
	failed := 0
	for _, r := range results {
		if r.Err != nil || r.Report.HasErrors() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d imports did not complete cleanly", failed, len(results))
	}
	return nil
}
