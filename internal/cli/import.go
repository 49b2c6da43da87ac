package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/healthconnect"
)

// maxPrintedIssues bounds the per-record errors printed after an import.
const maxPrintedIssues = 20

// sinkFlags override the [influx] config section.
type sinkFlags struct {
	url, org, bucket, token string
}

func (f *sinkFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.url, "url", "u", "", "InfluxDB URL")
	fs.StringVarP(&f.org, "org", "o", "", "InfluxDB organization")
	fs.StringVarP(&f.bucket, "bucket", "b", "", "InfluxDB bucket")
	fs.StringVarP(&f.token, "token", "t", "", "InfluxDB token")
}

func (f *sinkFlags) apply(fs *pflag.FlagSet, req *entities.ImportRequest) {
	if fs.Changed("url") {
		req.Sink.URL = f.url
	}
	if fs.Changed("org") {
		req.Sink.Org = f.org
	}
	if fs.Changed("bucket") {
		req.Sink.Bucket = f.bucket
	}
	if fs.Changed("token") {
		req.Sink.Token = f.token
	}
}

// runFlags are shared by the import commands.
type runFlags struct {
	dryRun    bool
	forceAll  bool
	stateFile string
	batchSize int
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.dryRun, "dry-run", false, "show what would be written without writing or saving state")
	fs.BoolVar(&f.forceAll, "force-all", false, "import all records, ignoring the state file")
	fs.StringVar(&f.stateFile, "state-file", "", "state file tracking imported records")
	fs.IntVar(&f.batchSize, "batch-size", 0, "points per write request")
}

func (f *runFlags) apply(fs *pflag.FlagSet, req *entities.ImportRequest) {
	req.DryRun = f.dryRun
	req.ForceAll = f.forceAll
	if fs.Changed("state-file") {
		req.StateFile = f.stateFile
	}
	if fs.Changed("batch-size") {
		req.BatchSize = f.batchSize
	}
}

type csvFlags struct {
	source      string
	measurement string
	headerRows  int
	timeColumn  string
	timeFormat  string
	allowText   bool
}

func (f *csvFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.source, "source", "s", "", "CSV file")
	fs.IntVar(&f.headerRows, "header-rows", 1, "number of stacked header rows")
	fs.StringVar(&f.timeColumn, "time-column", "", "timestamp column (detected when empty)")
	fs.StringVar(&f.timeFormat, "time-format", "", "Go time layout of the timestamp column")
	fs.BoolVar(&f.allowText, "allow-text", false, "keep non-numeric cells as string fields")
}

func (f *csvFlags) apply(fs *pflag.FlagSet, req *entities.ImportRequest) {
	if fs.Changed("header-rows") {
		req.HeaderRows = f.headerRows
	}
	if fs.Changed("time-column") {
		req.TimeColumn = f.timeColumn
	}
	if fs.Changed("time-format") {
		req.TimeFormat = f.timeFormat
	}
	if fs.Changed("allow-text") {
		req.AllowTextFields = f.allowText
	}
}

func newImportCSVCommand(a *app) *cobra.Command {
	var (
		csvOpts  csvFlags
		sinkOpts sinkFlags
		runOpts  runFlags
	)

	cmd := &cobra.Command{
		Use:     "import-csv",
		Aliases: []string{"import-funds"},
		Short:   "Import a CSV file into InfluxDB",
		Long: `Imports every data row of a CSV file as one point of the given measurement.
Stacked headers (--header-rows N) are joined into one field name per column.
Rows older than the last imported timestamp are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := a.cfg.CSVRequest(csvOpts.source, csvOpts.measurement)
			csvOpts.apply(cmd.Flags(), &req)
			sinkOpts.apply(cmd.Flags(), &req)
			runOpts.apply(cmd.Flags(), &req)
			return a.runImport(cmd, req)
		},
	}

	fs := cmd.Flags()
	csvOpts.register(fs)
	fs.StringVarP(&csvOpts.measurement, "measurement", "m", "", "measurement name in InfluxDB")
	sinkOpts.register(fs)
	runOpts.register(fs)
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("measurement")
	return cmd
}

func newImportHealthCommand(a *app) *cobra.Command {
	var (
		source   string
		metrics  string
		gapFill  int
		sinkOpts sinkFlags
		runOpts  runFlags
	)

	cmd := &cobra.Command{
		Use:     "import-health",
		Aliases: []string{"import-health-data"},
		Short:   "Import a Health Connect export into InfluxDB",
		Long: fmt.Sprintf(`Imports metrics from a Health Connect SQLite export.

Available metrics: %s

With --gap-fill-heart-rate N only heart rate is imported: samples of the last
N days that are missing from the bucket are written and the state file is
left untouched. Run a normal import first, then use gap filling as a
maintenance operation.`, strings.Join(healthconnect.MetricNames(), ", ")),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := a.cfg.HealthRequest(source)
			if cmd.Flags().Changed("metrics") {
				req.Metrics = splitMetrics(metrics)
			}
			if _, err := healthconnect.ParseMetrics(req.Metrics); err != nil {
				return err
			}
			req.GapFillDays = gapFill
			sinkOpts.apply(cmd.Flags(), &req)
			runOpts.apply(cmd.Flags(), &req)
			return a.runImport(cmd, req)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&source, "source", "s", "", "Health Connect SQLite export")
	fs.StringVar(&metrics, "metrics", "", "comma-separated metrics to import (default all)")
	fs.IntVar(&gapFill, "gap-fill-heart-rate", 0, "fill heart rate gaps of the last N days")
	sinkOpts.register(fs)
	runOpts.register(fs)
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func splitMetrics(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (a *app) runImport(cmd *cobra.Command, req entities.ImportRequest) error {
	out := cmd.OutOrStdout()
	printRequest(out, req)

	s := a.newSession(req.Sink, out)
	defer s.Close()

	if !req.DryRun && s.sink != nil {
		if err := s.sink.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("cannot reach InfluxDB at %s: %w", req.Sink.URL, err)
		}
	}

	report, err := s.pipeline.Run(cmd.Context(), req)
	printReport(out, report)
	if err != nil {
		return err
	}
	if report.HasErrors() {
		return fmt.Errorf("%d records could not be imported", report.Failed+report.MalformedRows)
	}
	return nil
}

func printRequest(out io.Writer, req entities.ImportRequest) {
	title := "CSV Import"
	if req.Kind == entities.SourceKindHealth {
		title = "Health Connect Import"
	}
	fmt.Fprintln(out, title)
	fmt.Fprintln(out, strings.Repeat("=", len(title)))

	if req.DryRun {
		fmt.Fprintln(out, "DRY RUN MODE - Nothing will be written")
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "Source: %s\n", req.Source)
	fmt.Fprintf(out, "InfluxDB: %s (org %q, bucket %q)\n", req.Sink.URL, req.Sink.Org, req.Sink.Bucket)
	switch req.Kind {
	case entities.SourceKindCSV:
		fmt.Fprintf(out, "Measurement: %s\n", req.Measurement)
		fmt.Fprintf(out, "Header rows: %d\n", req.HeaderRows)
		if req.TimeColumn != "" {
			fmt.Fprintf(out, "Time column: %s\n", req.TimeColumn)
		}
	case entities.SourceKindHealth:
		if len(req.Metrics) > 0 {
			fmt.Fprintf(out, "Metrics: %s\n", strings.Join(req.Metrics, ", "))
		}
		if req.GapFillDays > 0 {
			fmt.Fprintf(out, "Gap filling heart rate for the last %d days\n", req.GapFillDays)
		}
	}
	if req.GapFillDays == 0 && !req.DryRun {
		fmt.Fprintf(out, "State file: %s\n", req.StateFile)
	}
	if req.ForceAll {
		fmt.Fprintln(out, "Force import all records (--force-all)")
	}
	fmt.Fprintln(out)
}

func printReport(out io.Writer, report *entities.ImportReport) {
	fmt.Fprintln(out, "\n=== Import Summary ===")
	fmt.Fprintf(out, "Run: %s\n", report.RunID)
	fmt.Fprintf(out, "Records read: %d\n", report.Read)
	fmt.Fprintf(out, "Already imported: %d\n", report.Duplicates)
	if report.DryRun {
		fmt.Fprintf(out, "Points (dry run): %d\n", report.Written)
	} else {
		fmt.Fprintf(out, "Points written: %d\n", report.Written)
	}

	measurements := make([]string, 0, len(report.WrittenByMeasurement))
	for m := range report.WrittenByMeasurement {
		measurements = append(measurements, m)
	}
	sort.Strings(measurements)
	for _, m := range measurements {
		fmt.Fprintf(out, "  %s: %d\n", m, report.WrittenByMeasurement[m])
	}

	if report.MalformedRows > 0 {
		fmt.Fprintf(out, "Malformed records: %d\n", report.MalformedRows)
	}
	if report.FailedBatches > 0 {
		fmt.Fprintf(out, "Failed batches: %d/%d (%d points)\n", report.FailedBatches, report.Batches, report.Failed)
	}
	fmt.Fprintf(out, "Elapsed: %s\n", report.Elapsed.Round(time.Millisecond))

	if len(report.Errors) > 0 {
		fmt.Fprintf(out, "\n%d errors occurred:\n", len(report.Errors))
		for i, issue := range report.Errors {
			if i == maxPrintedIssues {
				fmt.Fprintf(out, "  ... and %d more\n", len(report.Errors)-maxPrintedIssues)
				break
			}
			fmt.Fprintf(out, "  [ERROR] %s\n", issue)
		}
	}

	switch {
	case report.Status == entities.RunStatusAborted:
		fmt.Fprintf(out, "\nImport aborted: %s\n", report.Fatal)
	case report.DryRun:
		fmt.Fprintln(out, "\nDry run complete. Use without --dry-run to import.")
	default:
		fmt.Fprintln(out, "\nImport complete!")
	}
}
