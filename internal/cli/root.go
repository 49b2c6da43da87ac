// Package cli implements the influx-import command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mrlokans/influx-importer/internal/config"
	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/healthconnect"
	"github.com/mrlokans/influx-importer/internal/history"
	"github.com/mrlokans/influx-importer/internal/importers"
	"github.com/mrlokans/influx-importer/internal/influx"
	"github.com/mrlokans/influx-importer/internal/logger"
	"github.com/mrlokans/influx-importer/internal/writer"
)

// app holds what the commands share once the root flags are parsed.
type app struct {
	configPath string
	debug      int
	cfg        *config.Config
}

// Execute runs the command line and returns the process exit code.
func Execute(version string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(version)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(version string) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "influx-import",
		Short:   "Import home data into InfluxDB",
		Version: version,
		Long: `Imports CSV files and Health Connect exports into an InfluxDB 2.x bucket.

Already imported records are remembered in a state file, so running the
same import again only writes what is new.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger.SetLevel(a.debug)
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			if a.configPath != "" {
				logger.Debug("Loaded config from %s", a.configPath)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default ./"+config.DefaultConfigFile+" if present)")
	flags.CountVarP(&a.debug, "debug", "d", "turn debugging information on (repeat for more)")

	root.AddCommand(
		newImportCSVCommand(a),
		newImportHealthCommand(a),
		newValidateCSVCommand(a),
		newInitCommand(),
		newHistoryCommand(a),
		newScheduleCommand(a),
	)
	return root
}

func sourceRegistry() importers.Registry {
	return importers.Registry{
		entities.SourceKindCSV:    importers.NewCSVSourceFromRequest,
		entities.SourceKindHealth: healthconnect.NewSourceFromRequest,
	}
}

// session owns the sink and history handles of one command.
type session struct {
	pipeline *importers.Pipeline
	sink     *influx.Sink
	history  *history.Store
}

func (s *session) Close() {
	if s.sink != nil {
		s.sink.Close()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			log.Printf("Warning: failed to close history database: %v", err)
		}
	}
}

// newSession connects to the sink when it is configured and opens the run
// history unless it is disabled. A history that cannot be opened only
// produces a warning.
func (a *app) newSession(sinkCfg entities.SinkConfig, out io.Writer) *session {
	s := &session{}

	var sink writer.Sink
	if sinkCfg.URL != "" {
		s.sink = influx.NewSink(sinkCfg)
		sink = s.sink
	}

	opts := []importers.Option{importers.WithDryRunOutput(out)}
	if path := a.cfg.History.Path; path != "" {
		store, err := history.Open(path)
		if err != nil {
			log.Printf("Warning: run history disabled: %v", err)
		} else {
			s.history = store
			opts = append(opts, importers.WithHistory(store))
		}
	}

	s.pipeline = importers.NewPipeline(sourceRegistry(), sink, opts...)
	return s
}
