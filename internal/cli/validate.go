package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mrlokans/influx-importer/internal/importers"
)

func newValidateCSVCommand(a *app) *cobra.Command {
	var (
		csvOpts csvFlags
		details bool
	)

	cmd := &cobra.Command{
		Use:     "validate-csv",
		Aliases: []string{"validate"},
		Short:   "Check a CSV file without importing it",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := a.cfg.CSVRequest(csvOpts.source, "")
			csvOpts.apply(cmd.Flags(), &req)

			report, err := importers.ValidateCSV(req.Source, importers.CSVOptions{
				HeaderRows: req.HeaderRows,
				TimeColumn: req.TimeColumn,
				TimeFormat: req.TimeFormat,
				AllowText:  req.AllowTextFields,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "CSV Validation")
			fmt.Fprintln(out, "==============")
			fmt.Fprintf(out, "File: %s\n", req.Source)
			fmt.Fprintf(out, "Rows: %d (%d data rows)\n", report.TotalRows, report.DataRows)

			if details {
				fmt.Fprintf(out, "Time column: %s\n", report.TimeColumn)
				fmt.Fprintln(out, "Columns:")
				for i, h := range report.Headers {
					fmt.Fprintf(out, "  %d. %s\n", i+1, h)
				}
			}

			if report.Valid {
				fmt.Fprintln(out, "\n[OK] File is valid")
				return nil
			}

			fmt.Fprintf(out, "\n%d problems found:\n", len(report.Issues))
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "  [ERROR] %s\n", issue)
			}
			return fmt.Errorf("%s is not valid", req.Source)
		},
	}

	fs := cmd.Flags()
	csvOpts.register(fs)
	fs.BoolVar(&details, "details", false, "show the detected columns")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}
