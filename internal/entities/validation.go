package entities

import "fmt"

// ValidationIssue is a single structural problem found in a CSV source.
// Row and Column are 1-based; zero means the issue is not tied to one.
type ValidationIssue struct {
	Row     int
	Column  string
	Problem string
}

func (i ValidationIssue) String() string {
	switch {
	case i.Row > 0 && i.Column != "":
		return fmt.Sprintf("row %d, column %q: %s", i.Row, i.Column, i.Problem)
	case i.Row > 0:
		return fmt.Sprintf("row %d: %s", i.Row, i.Problem)
	case i.Column != "":
		return fmt.Sprintf("column %q: %s", i.Column, i.Problem)
	default:
		return i.Problem
	}
}

type ValidationReport struct {
	Valid      bool
	Issues     []ValidationIssue
	Headers    []string
	TimeColumn string
	TotalRows  int
	DataRows   int
}

func (r *ValidationReport) AddIssue(row int, column, problem string) {
	r.Valid = false
	r.Issues = append(r.Issues, ValidationIssue{Row: row, Column: column, Problem: problem})
}
