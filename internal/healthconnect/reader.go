// Package healthconnect reads measurements from a Health Connect SQLite
// export. Each metric is read with its own query, row by row, so exports of
// any size are streamed rather than loaded.
package healthconnect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/importers"
	"github.com/mrlokans/influx-importer/internal/logger"
)

// Source reads the selected metrics from one export file.
type Source struct {
	path     string
	metrics  []Metric
	explicit bool
}

// NewSource creates a source for the export at path. Metric names may be
// measurement names or Health Connect record types; none selects all metrics.
func NewSource(path string, metricNames []string) (*Source, error) {
	selected, err := ParseMetrics(metricNames)
	if err != nil {
		return nil, err
	}
	return &Source{
		path:     importers.SourcePath(path),
		metrics:  selected,
		explicit: hasNames(metricNames),
	}, nil
}

// NewSourceFromRequest is the SourceFactory for health requests. Gap filling
// reads heart rate only.
func NewSourceFromRequest(req entities.ImportRequest) (importers.Source, error) {
	names := req.Metrics
	if req.GapFillDays > 0 {
		names = []string{HeartRate}
	}
	return NewSource(req.Source, names)
}

func hasNames(names []string) bool {
	for _, n := range names {
		if strings.Trim(n, ", ") != "" {
			return true
		}
	}
	return false
}

func (s *Source) Name() string {
	return s.path
}

// Metrics returns the names of the selected metrics in read order.
func (s *Source) Metrics() []string {
	names := make([]string, len(s.metrics))
	for i, m := range s.metrics {
		names[i] = m.Name
	}
	return names
}

// Open opens the export read-only and checks that the tables of the selected
// metrics exist. Metrics selected explicitly must be present; when every
// metric was selected implicitly, missing ones are skipped.
func (s *Source) Open(ctx context.Context) (importers.RecordIterator, error) {
	if _, err := os.Stat(s.path); err != nil {
		return nil, importers.Unreadable(s.path, err)
	}

	db, err := sql.Open("sqlite3", "file:"+s.path+"?mode=ro")
	if err != nil {
		return nil, importers.Unreadable(s.path, fmt.Errorf("failed to open database: %w", err))
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, importers.Unreadable(s.path, fmt.Errorf("failed to open database: %w", err))
	}

	sch, err := loadSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, importers.Unreadable(s.path, err)
	}

	active := make([]Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		missing := sch.missingTables(m.Tables)
		if len(missing) == 0 {
			active = append(active, m)
			continue
		}
		if s.explicit {
			db.Close()
			return nil, importers.Unreadable(s.path,
				fmt.Errorf("metric %s needs missing table(s) %s", m.Name, strings.Join(missing, ", ")))
		}
		log.Printf("Skipping %s: export has no %s", m.Name, strings.Join(missing, ", "))
	}

	return &iterator{db: db, schema: sch, metrics: active, path: s.path}, nil
}

// iterator walks the metrics in order, keeping one query open at a time.
type iterator struct {
	db      *sql.DB
	schema  *schema
	metrics []Metric
	path    string

	pos     int
	current Metric
	rows    *sql.Rows
}

func (it *iterator) Next(ctx context.Context) (importers.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return importers.Record{}, err
		}

		if it.rows == nil {
			if it.pos >= len(it.metrics) {
				return importers.Record{}, io.EOF
			}
			m := it.metrics[it.pos]
			it.pos++

			rows, err := it.db.QueryContext(ctx, m.query(it.schema))
			if err != nil {
				return importers.Record{}, it.queryError(ctx, m, err)
			}
			it.current, it.rows = m, rows
			logger.Debug("reading %s from %s", m.Name, it.path)
		}

		if !it.rows.Next() {
			err := it.rows.Err()
			it.rows.Close()
			it.rows = nil
			if err != nil {
				return importers.Record{}, it.queryError(ctx, it.current, err)
			}
			continue
		}

		rec, err := it.current.scan(it.rows)
		if err != nil {
			if errors.Is(err, importers.ErrMalformedRecord) {
				return importers.Record{}, err
			}
			return importers.Record{}, importers.Malformed(0, it.current.Name, "failed to scan row: %v", err)
		}
		return rec, nil
	}
}

func (it *iterator) queryError(ctx context.Context, m Metric, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return importers.Unreadable(it.path, fmt.Errorf("failed to read %s: %w", m.Name, err))
}

func (it *iterator) Close() error {
	if it.rows != nil {
		it.rows.Close()
		it.rows = nil
	}
	return it.db.Close()
}

// schema records the tables and columns of the export that the metric
// queries care about.
type schema struct {
	columns map[string]map[string]bool
}

func loadSchema(ctx context.Context, db *sql.DB) (*schema, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	known := knownTables()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if known[name] {
			tables = append(tables, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}

	s := &schema{columns: make(map[string]map[string]bool, len(tables))}
	for _, table := range tables {
		cols, err := tableColumns(ctx, db, table)
		if err != nil {
			return nil, err
		}
		s.columns[table] = cols
	}
	return s, nil
}

func knownTables() map[string]bool {
	known := map[string]bool{tableApps: true, tableDevices: true}
	for _, m := range metrics {
		for _, t := range m.Tables {
			known[t] = true
		}
	}
	return known
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	// Table names come from knownTables, never from input.
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT name FROM pragma_table_info('%s')", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *schema) hasTable(table string) bool {
	_, ok := s.columns[table]
	return ok
}

func (s *schema) hasColumn(table, column string) bool {
	return s.columns[table][column]
}

func (s *schema) missingTables(tables []string) []string {
	var missing []string
	for _, t := range tables {
		if !s.hasTable(t) {
			missing = append(missing, t)
		}
	}
	return missing
}

// appColumn returns the select expression and join for the application name
// of records in table aliased as alias.
func (s *schema) appColumn(table, alias string) (string, string) {
	if !s.hasColumn(table, "app_info_id") || !s.hasColumn(tableApps, "app_name") {
		return "''", ""
	}
	return "COALESCE(ai.app_name, '')",
		fmt.Sprintf("LEFT JOIN %s ai ON %s.app_info_id = ai.row_id", tableApps, alias)
}

// Compile-time interface check
var _ importers.Source = (*Source)(nil)
