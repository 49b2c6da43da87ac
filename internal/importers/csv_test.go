package importers

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/state"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// readAll drains a source, separating points from malformed record errors.
func readAll(t *testing.T, src Source) ([]Record, []*RecordError) {
	t.Helper()
	it, err := src.Open(context.Background())
	require.NoError(t, err)
	defer it.Close()

	var records []Record
	var malformed []*RecordError
	for {
		rec, err := it.Next(context.Background())
		if err == io.EOF {
			break
		}
		var recErr *RecordError
		if errors.As(err, &recErr) {
			malformed = append(malformed, recErr)
			continue
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
	return records, malformed
}

func TestCSVSource_StackedHeader(t *testing.T) {
	path := writeCSV(t, "Date,Temp\n,C\n2024-01-01,21.5\n2024-01-02,22.0\n")
	src := NewCSVSource(path, CSVOptions{Measurement: "weather", HeaderRows: 2})

	records, malformed := readAll(t, src)

	require.Empty(t, malformed)
	require.Len(t, records, 2)

	assert.Equal(t, "weather", records[0].Point.Measurement)
	assert.Equal(t, map[string]any{"Temp C": 21.5}, records[0].Point.Fields)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), records[0].Point.Timestamp)
	assert.Equal(t, map[string]any{"Temp C": 22.0}, records[1].Point.Fields)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), records[1].Point.Timestamp)

	assert.Equal(t, state.ModeWatermark, records[0].Mode)
	assert.Equal(t, path+"#2024-01-01T00:00:00Z", records[0].Key.ID)
	assert.Equal(t, 3, records[0].Index)
}

func TestCSVSource_SingleHeaderFieldsMatchHeader(t *testing.T) {
	path := writeCSV(t, "timestamp,open,close,volume\n"+
		"2024-03-01 10:00:00,\"$1,234.50\",1240,12%\n"+
		"2024-03-01 11:00:00,1240,1250.25,8%\n")
	src := NewCSVSource(path, CSVOptions{Measurement: "funds"})

	records, malformed := readAll(t, src)

	require.Empty(t, malformed)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, []string{"close", "open", "volume"}, rec.Point.FieldKeys())
	}
	assert.Equal(t, 1234.5, records[0].Point.Fields["open"])
	assert.Equal(t, 12.0, records[0].Point.Fields["volume"])
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), records[0].Point.Timestamp)
}

func TestCSVSource_MalformedRowsAreSkipped(t *testing.T) {
	path := writeCSV(t, "date,value\n"+
		"2024-01-01,1\n"+
		"2024-01-02,1,extra\n"+
		"not-a-date,3\n"+
		"2024-01-04,abc\n"+
		"2024-01-05,\n"+
		"\n"+
		"2024-01-06,6\n")
	src := NewCSVSource(path, CSVOptions{Measurement: "m"})

	records, malformed := readAll(t, src)

	require.Len(t, records, 2)
	assert.Equal(t, 1.0, records[0].Point.Fields["value"])
	assert.Equal(t, 6.0, records[1].Point.Fields["value"])

	require.Len(t, malformed, 4)
	assert.Equal(t, 3, malformed[0].Index)
	assert.Contains(t, malformed[0].Error(), "row has 3 cells")
	assert.Contains(t, malformed[1].Error(), "unable to parse timestamp")
	assert.Contains(t, malformed[2].Error(), `value "abc" is not numeric`)
	assert.Contains(t, malformed[3].Error(), "row has no values")
	for _, m := range malformed {
		assert.ErrorIs(t, m, ErrMalformedRecord)
		assert.Equal(t, "m", m.Measurement)
	}
}

func TestCSVSource_AllowTextKeepsStrings(t *testing.T) {
	path := writeCSV(t, "date,value,note\n2024-01-01,1,rainy\n")
	src := NewCSVSource(path, CSVOptions{Measurement: "m", AllowText: true})

	records, malformed := readAll(t, src)

	require.Empty(t, malformed)
	require.Len(t, records, 1)
	assert.Equal(t, "rainy", records[0].Point.Fields["note"])
}

func TestCSVSource_Restartable(t *testing.T) {
	path := writeCSV(t, "date,value\n2024-01-01,1\n2024-01-02,2\n")
	src := NewCSVSource(path, CSVOptions{Measurement: "m"})

	first, _ := readAll(t, src)
	second, _ := readAll(t, src)

	assert.Equal(t, first, second)
}

func TestCSVSource_OpenErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		src := NewCSVSource(filepath.Join(t.TempDir(), "nope.csv"), CSVOptions{Measurement: "m"})
		_, err := src.Open(context.Background())
		assert.ErrorIs(t, err, ErrSourceUnreadable)
	})

	t.Run("too few header rows", func(t *testing.T) {
		src := NewCSVSource(writeCSV(t, "date,value\n"), CSVOptions{Measurement: "m", HeaderRows: 2})
		_, err := src.Open(context.Background())
		assert.ErrorIs(t, err, ErrSourceUnreadable)
	})

	t.Run("unknown time column", func(t *testing.T) {
		src := NewCSVSource(writeCSV(t, "date,value\n"), CSVOptions{Measurement: "m", TimeColumn: "when"})
		_, err := src.Open(context.Background())
		assert.ErrorIs(t, err, ErrSourceUnreadable)
		assert.Contains(t, err.Error(), `time column "when" not found`)
	})
}

func TestCSVSource_CancelledContext(t *testing.T) {
	src := NewCSVSource(writeCSV(t, "date,value\n2024-01-01,1\n"), CSVOptions{Measurement: "m"})
	it, err := src.Open(context.Background())
	require.NoError(t, err)
	defer it.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildHeaders(t *testing.T) {
	tests := []struct {
		name      string
		rows      [][]string
		want      []string
		generated []bool
	}{
		{
			name:      "single row",
			rows:      [][]string{{"date", "value"}},
			want:      []string{"date", "value"},
			generated: []bool{false, false},
		},
		{
			name:      "inherits cell above",
			rows:      [][]string{{"Date", "Temp", ""}, {"", "C", "F"}},
			want:      []string{"Date", "Temp C", "F"},
			generated: []bool{false, false, false},
		},
		{
			name:      "three rows",
			rows:      [][]string{{"Account", ""}, {"Balance", ""}, {"EUR", "USD"}},
			want:      []string{"Account Balance EUR", "USD"},
			generated: []bool{false, false},
		},
		{
			name:      "empty column gets generated name",
			rows:      [][]string{{"date", "", "x"}, {"", " ", "y"}},
			want:      []string{"date", "column_2", "x y"},
			generated: []bool{false, true, false},
		},
		{
			name:      "newlines removed",
			rows:      [][]string{{"Total\nAmount ", " date"}},
			want:      []string{"Total Amount", "date"},
			generated: []bool{false, false},
		},
		{
			name:      "ragged rows",
			rows:      [][]string{{"a", "b", "c"}, {"x"}},
			want:      []string{"a x", "b", "c"},
			generated: []bool{false, false, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, generated := BuildHeaders(tt.rows)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.generated, generated)
		})
	}
}

func TestBuildHeaders_NeverEmptyWhenAnyRowHasContent(t *testing.T) {
	rows := [][]string{
		{"", "a", "", ""},
		{"", "", "b", ""},
		{"c", "", "", ""},
	}
	names, generated := BuildHeaders(rows)

	for i := 0; i < 3; i++ {
		assert.NotEmpty(t, names[i])
		assert.False(t, generated[i], "column %d", i)
	}
	assert.True(t, generated[3])
}

func TestResolveTimeColumn(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		column  string
		want    int
		wantErr bool
	}{
		{name: "explicit", headers: []string{"a", "When"}, column: "when", want: 1},
		{name: "explicit missing", headers: []string{"a"}, column: "when", wantErr: true},
		{name: "detected by word", headers: []string{"value", "Trade Date"}, want: 1},
		{name: "detected snake case", headers: []string{"value", "created_time"}, want: 1},
		{name: "fallback first", headers: []string{"x", "y"}, want: 0},
		{name: "no partial words", headers: []string{"update", "daytime_rate", "Day"}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveTimeColumn(tt.headers, tt.column)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUniqueHeaders(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "a_2", "a_3"}, uniqueHeaders([]string{"a", "b", "a", "a"}))
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		value  string
		layout string
		want   time.Time
	}{
		{"2024-01-02T03:04:05Z", "", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02T03:04:05+02:00", "", time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC)},
		{"2024-01-02 03:04:05", "", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02 03:04", "", time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)},
		{"2024-01-02", "", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"15/03/2024", "", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"2024/03/15", "", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"03-15-2024", "01-02-2006", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseTimestamp(tt.value, tt.layout)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := ParseTimestamp("", "")
	assert.Error(t, err)
	_, err = ParseTimestamp("yesterday", "")
	assert.Error(t, err)
	_, err = ParseTimestamp("2024-01-02", "01-02-2006")
	assert.Error(t, err)
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"42", 42, true},
		{"-3.5", -3.5, true},
		{"$1,234.56", 1234.56, true},
		{"€ 99", 99, true},
		{"£10", 10, true},
		{"12.5%", 12.5, true},
		{"1 000", 1000, true},
		{"abc", 0, false},
		{"", 0, false},
		{"%", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseNumber(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 1e-9)
			}
		})
	}
}

func TestCSVSource_NameIsNormalised(t *testing.T) {
	chdirForTest(t, t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)

	plain := NewCSVSource("data.csv", CSVOptions{})
	dotted := NewCSVSource("./data.csv", CSVOptions{})
	nested := NewCSVSource("sub/../data.csv", CSVOptions{})

	assert.Equal(t, filepath.Join(wd, "data.csv"), plain.Name())
	assert.Equal(t, plain.Name(), dotted.Name())
	assert.Equal(t, plain.Name(), nested.Name())
}

func TestPipeline_Run_RelativePathsShareState(t *testing.T) {
	dir := t.TempDir()
	chdirForTest(t, dir)
	require.NoError(t, os.WriteFile("data.csv", []byte(sixDays), 0644))
	stateFile := filepath.Join(dir, "state.json")

	_, err := NewPipeline(csvRegistry(), &mockSink{}).Run(context.Background(), csvRequest("./data.csv", stateFile))
	require.NoError(t, err)

	sink := &mockSink{}
	report, err := NewPipeline(csvRegistry(), sink).Run(context.Background(), csvRequest("data.csv", stateFile))

	require.NoError(t, err)
	assert.Equal(t, 6, report.Duplicates)
	assert.Equal(t, 0, sink.calls)
}

func TestRegistry_Build(t *testing.T) {
	registry := Registry{entities.SourceKindCSV: NewCSVSourceFromRequest}

	src, err := registry.Build(entities.ImportRequest{Kind: entities.SourceKindCSV, Source: "a.csv"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(src.Name()))
	assert.Equal(t, "a.csv", filepath.Base(src.Name()))

	_, err = registry.Build(entities.ImportRequest{Kind: entities.SourceKindHealth})
	assert.Error(t, err)
}
