package importers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/state"
)

// Record is one normalized record read from a source.
type Record struct {
	// Index is the position of the record in its source: the 1-based line
	// for CSV files, the row id for database exports.
	Index int
	Mode  state.Mode
	Key   entities.RecordKey
	Point entities.Point
}

// RecordIterator yields records lazily. Next returns io.EOF once the source is
// exhausted. Errors matching ErrMalformedRecord concern a single record and
// iteration may continue; any other error ends the run.
type RecordIterator interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Source is a re-openable origin of records. Each Open starts from the
// beginning of the source.
//
// Implementations:
//   - CSVSource (csv.go) - CSV files with single or stacked headers
//   - healthconnect.Source - Health Connect SQLite exports
type Source interface {
	// Name identifies the source in the import state.
	Name() string
	Open(ctx context.Context) (RecordIterator, error)
}

// SourcePath returns the absolute, cleaned form of a file source path, so
// "./data.csv" and "data.csv" share their import state.
func SourcePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// SourceFactory builds the source for a request.
type SourceFactory func(req entities.ImportRequest) (Source, error)

// Registry selects a source factory by request kind.
type Registry map[entities.SourceKind]SourceFactory

// Build returns the source for the request kind.
func (r Registry) Build(req entities.ImportRequest) (Source, error) {
	factory, ok := r[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no source registered for kind %q", req.Kind)
	}
	return factory(req)
}
