package importers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/state"
)

// CSVOptions controls how a CSV file is turned into points.
type CSVOptions struct {
	Measurement string
	// HeaderRows is the number of stacked header rows; 1 for a plain header.
	HeaderRows int
	// TimeColumn names the timestamp column. Empty means detect it.
	TimeColumn string
	// TimeFormat is a Go time layout. Empty means try the known layouts.
	TimeFormat string
	// AllowText keeps non-numeric cells as string fields instead of
	// rejecting the row.
	AllowText bool
}

// CSVSource reads points from a CSV file, one point per data row.
type CSVSource struct {
	path string
	opts CSVOptions
}

// NewCSVSource creates a source for the CSV file at path. The path is made
// absolute.
func NewCSVSource(path string, opts CSVOptions) *CSVSource {
	if opts.HeaderRows < 1 {
		opts.HeaderRows = 1
	}
	return &CSVSource{path: SourcePath(path), opts: opts}
}

// NewCSVSourceFromRequest is the SourceFactory for CSV requests.
func NewCSVSourceFromRequest(req entities.ImportRequest) (Source, error) {
	return NewCSVSource(req.Source, CSVOptions{
		Measurement: req.Measurement,
		HeaderRows:  req.HeaderRows,
		TimeColumn:  req.TimeColumn,
		TimeFormat:  req.TimeFormat,
		AllowText:   req.AllowTextFields,
	}), nil
}

func (s *CSVSource) Name() string {
	return s.path
}

// Open reads the header rows and returns an iterator over the data rows.
func (s *CSVSource) Open(_ context.Context) (RecordIterator, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, Unreadable(s.path, err)
	}

	reader := newCSVReader(f)
	headerRows, err := readHeaderRows(reader, s.opts.HeaderRows)
	if err != nil {
		f.Close()
		return nil, Unreadable(s.path, err)
	}

	layout, err := newCSVLayout(headerRows, s.opts)
	if err != nil {
		f.Close()
		return nil, Unreadable(s.path, err)
	}

	return &csvIterator{
		file:   f,
		reader: reader,
		layout: layout,
		source: s.path,
		opts:   s.opts,
	}, nil
}

type csvIterator struct {
	file   *os.File
	reader *csv.Reader
	layout *csvLayout
	source string
	opts   CSVOptions
}

func (it *csvIterator) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	cells, err := it.reader.Read()
	if err == io.EOF {
		return Record{}, io.EOF
	}
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return Record{}, Malformed(parseErr.StartLine, it.opts.Measurement, "%v", parseErr.Err)
	}
	if err != nil {
		return Record{}, Unreadable(it.source, err)
	}

	line, _ := it.reader.FieldPos(0)
	point, problems := it.layout.convert(cells, it.opts)
	if len(problems) > 0 {
		return Record{}, Malformed(line, it.opts.Measurement, "%s", problems[0].message())
	}

	return Record{
		Index: line,
		Mode:  state.ModeWatermark,
		Key: entities.RecordKey{
			ID:        it.source + "#" + point.Timestamp.UTC().Format(time.RFC3339),
			Timestamp: point.Timestamp,
		},
		Point: point,
	}, nil
}

func (it *csvIterator) Close() error {
	return it.file.Close()
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Row width is checked against the header ourselves
	return reader
}

func readHeaderRows(reader *csv.Reader, n int) ([][]string, error) {
	rows := make([][]string, 0, n)
	for len(rows) < n {
		row, err := reader.Read()
		if err == io.EOF {
			return nil, fmt.Errorf("expected %d header rows, found %d", n, len(rows))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read header: %w", err)
		}
		for _, cell := range row {
			if !utf8.ValidString(cell) {
				return nil, fmt.Errorf("header row %d is not valid UTF-8", len(rows)+1)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// BuildHeaders combines stacked header rows into one name per column. The
// non-empty cells of a column are joined top to bottom with a space; an empty
// cell inherits the cell above it, which is already part of the name. A
// column empty in every row is named column_<n>. The second return value
// flags the generated names.
func BuildHeaders(rows [][]string) ([]string, []bool) {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	names := make([]string, width)
	generated := make([]bool, width)
	for col := 0; col < width; col++ {
		var parts []string
		for _, row := range rows {
			if col >= len(row) {
				continue
			}
			if part := cleanHeaderCell(row[col]); part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			names[col] = fmt.Sprintf("column_%d", col+1)
			generated[col] = true
			continue
		}
		names[col] = strings.Join(parts, " ")
	}
	return names, generated
}

// cleanHeaderCell drops line breaks and collapses whitespace.
func cleanHeaderCell(cell string) string {
	return strings.Join(strings.Fields(cell), " ")
}

// csvLayout is the resolved shape of a CSV file: column names and the
// position of the timestamp column.
type csvLayout struct {
	headers   []string
	generated []bool
	timeIndex int
}

func newCSVLayout(headerRows [][]string, opts CSVOptions) (*csvLayout, error) {
	headers, generated := BuildHeaders(headerRows)
	if len(headers) == 0 {
		return nil, errors.New("header is empty")
	}
	headers = uniqueHeaders(headers)

	idx, err := resolveTimeColumn(headers, opts.TimeColumn)
	if err != nil {
		return nil, err
	}
	return &csvLayout{headers: headers, generated: generated, timeIndex: idx}, nil
}

// uniqueHeaders suffixes repeated names so every column maps to its own field.
func uniqueHeaders(headers []string) []string {
	seen := make(map[string]int, len(headers))
	out := make([]string, len(headers))
	for i, h := range headers {
		seen[h]++
		if n := seen[h]; n > 1 {
			out[i] = fmt.Sprintf("%s_%d", h, n)
			continue
		}
		out[i] = h
	}
	return out
}

var timeHeaderWords = map[string]bool{
	"date":      true,
	"time":      true,
	"timestamp": true,
	"datetime":  true,
	"day":       true,
}

func resolveTimeColumn(headers []string, name string) (int, error) {
	if name != "" {
		for i, h := range headers {
			if strings.EqualFold(h, name) {
				return i, nil
			}
		}
		return 0, fmt.Errorf("time column %q not found in header", name)
	}

	for i, h := range headers {
		words := strings.FieldsFunc(strings.ToLower(h), func(r rune) bool {
			return r == ' ' || r == '_' || r == '.' || r == '-' || r == '(' || r == ')'
		})
		for _, w := range words {
			if timeHeaderWords[w] {
				return i, nil
			}
		}
	}
	return 0, nil
}

func (l *csvLayout) timeColumn() string {
	return l.headers[l.timeIndex]
}

type cellProblem struct {
	column  string
	problem string
}

func (p cellProblem) message() string {
	if p.column == "" {
		return p.problem
	}
	return fmt.Sprintf("column %q: %s", p.column, p.problem)
}

// convert turns one data row into a point, collecting every problem found.
func (l *csvLayout) convert(cells []string, opts CSVOptions) (entities.Point, []cellProblem) {
	if len(cells) != len(l.headers) {
		return entities.Point{}, []cellProblem{{
			problem: fmt.Sprintf("row has %d cells, header has %d columns", len(cells), len(l.headers)),
		}}
	}

	var problems []cellProblem
	ts, err := ParseTimestamp(cells[l.timeIndex], opts.TimeFormat)
	if err != nil {
		problems = append(problems, cellProblem{column: l.timeColumn(), problem: err.Error()})
	}

	point := entities.NewPoint(opts.Measurement, ts)
	for i, cell := range cells {
		if i == l.timeIndex {
			continue
		}
		raw := strings.TrimSpace(cell)
		if raw == "" {
			continue
		}
		if v, ok := ParseNumber(raw); ok {
			point.Fields[l.headers[i]] = v
			continue
		}
		if opts.AllowText && utf8.ValidString(raw) {
			point.Fields[l.headers[i]] = raw
			continue
		}
		problems = append(problems, cellProblem{
			column:  l.headers[i],
			problem: fmt.Sprintf("value %q is not numeric", raw),
		})
	}

	if len(problems) == 0 && len(point.Fields) == 0 {
		problems = append(problems, cellProblem{problem: "row has no values"})
	}
	return point, problems
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
	"2006/01/02",
}

// ParseTimestamp parses a cell with layout, or with the known layouts when
// layout is empty. Times without a zone are taken as UTC.
func ParseTimestamp(value, layout string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if layout != "" {
		t, err := time.Parse(layout, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("unable to parse timestamp %q with layout %q", value, layout)
		}
		return t.UTC(), nil
	}
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", value)
}

var numberReplacer = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "", "\u00a0", "")

// ParseNumber parses numeric cells, tolerating currency symbols, thousands
// separators and a trailing percent sign.
func ParseNumber(raw string) (float64, bool) {
	s := numberReplacer.Replace(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "%")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Compile-time interface check
var _ Source = (*CSVSource)(nil)
