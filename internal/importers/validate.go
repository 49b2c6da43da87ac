package importers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/mrlokans/influx-importer/internal/entities"
)

// ValidateCSV reads the whole file and reports structural problems: header
// shape, row width, timestamp and numeric cells. Problems in the data never
// produce an error; only an unreadable file does.
func ValidateCSV(path string, opts CSVOptions) (*entities.ValidationReport, error) {
	if opts.HeaderRows < 1 {
		opts.HeaderRows = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, Unreadable(path, err)
	}
	defer f.Close()

	report := &entities.ValidationReport{Valid: true}
	reader := newCSVReader(f)

	var headerRows [][]string
	for len(headerRows) < opts.HeaderRows {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, Unreadable(path, err)
		}
		for _, cell := range row {
			if !utf8.ValidString(cell) {
				return nil, Unreadable(path, fmt.Errorf("header row %d is not valid UTF-8", len(headerRows)+1))
			}
		}
		report.TotalRows++
		headerRows = append(headerRows, row)
	}

	if len(headerRows) < opts.HeaderRows {
		report.AddIssue(0, "", fmt.Sprintf("expected %d header rows, found %d", opts.HeaderRows, len(headerRows)))
		return report, nil
	}

	headers, generated := BuildHeaders(headerRows)
	report.Headers = headers
	if len(headers) == 0 {
		report.AddIssue(1, "", "header is empty")
		return report, nil
	}

	seen := make(map[string]bool, len(headers))
	for i, h := range headers {
		if generated[i] {
			report.AddIssue(opts.HeaderRows, h, "header cell is empty")
		}
		if seen[h] {
			report.AddIssue(opts.HeaderRows, h, "duplicate column name")
		}
		seen[h] = true
	}

	layout, err := newCSVLayout(headerRows, opts)
	if err != nil {
		report.AddIssue(0, opts.TimeColumn, err.Error())
		return report, nil
	}
	report.TimeColumn = layout.timeColumn()

	for {
		cells, err := reader.Read()
		if err == io.EOF {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			report.TotalRows++
			report.DataRows++
			report.AddIssue(parseErr.StartLine, "", parseErr.Err.Error())
			continue
		}
		if err != nil {
			return nil, Unreadable(path, err)
		}

		report.TotalRows++
		report.DataRows++
		line, _ := reader.FieldPos(0)

		_, problems := layout.convert(cells, opts)
		for _, p := range problems {
			report.AddIssue(line, p.column, p.problem)
		}
	}

	return report, nil
}
