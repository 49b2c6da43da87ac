package entities

import (
	"errors"
	"fmt"
	"time"
)

type SourceKind string

const (
	SourceKindCSV    SourceKind = "csv"
	SourceKindHealth SourceKind = "health"
)

type RunStatus string

const (
	RunStatusDone    RunStatus = "done"
	RunStatusAborted RunStatus = "aborted"
)

// SinkConfig holds the connection parameters of the time-series store.
type SinkConfig struct {
	URL    string
	Org    string
	Bucket string
	Token  string
}

// ImportRequest is the fully resolved input of one pipeline run. The CLI
// layer builds it from flags, environment and config file; the pipeline
// treats it as immutable.
type ImportRequest struct {
	Kind        SourceKind
	Source      string
	Measurement string // CSV only; health sources name their own measurements

	// CSV options
	HeaderRows      int
	TimeColumn      string
	TimeFormat      string
	AllowTextFields bool

	// Health options
	Metrics     []string
	GapFillDays int

	Sink        SinkConfig
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	// WritesPerSecond throttles batch writes; zero means unlimited.
	WritesPerSecond float64

	DryRun    bool
	ForceAll  bool
	StateFile string
}

// Validate reports the first problem that makes the request unusable.
func (r ImportRequest) Validate() error {
	if r.Source == "" {
		return errors.New("source is required")
	}
	switch r.Kind {
	case SourceKindCSV:
		if r.Measurement == "" {
			return errors.New("measurement is required for CSV imports")
		}
		if r.HeaderRows < 1 {
			return fmt.Errorf("header rows must be at least 1, got %d", r.HeaderRows)
		}
		if r.GapFillDays > 0 {
			return errors.New("gap filling is only available for health imports")
		}
	case SourceKindHealth:
		if r.GapFillDays < 0 {
			return fmt.Errorf("gap fill days must not be negative, got %d", r.GapFillDays)
		}
	default:
		return fmt.Errorf("unknown source kind %q", r.Kind)
	}
	if r.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", r.BatchSize)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if !r.DryRun {
		if r.Sink.URL == "" || r.Sink.Bucket == "" {
			return errors.New("sink URL and bucket are required unless running in dry-run mode")
		}
		if r.StateFile == "" {
			return errors.New("state file is required unless running in dry-run mode")
		}
	}
	return nil
}

// RecordIssue describes one record the pipeline could not import.
type RecordIssue struct {
	Index       int    `json:"index"`
	Measurement string `json:"measurement,omitempty"`
	Message     string `json:"message"`
}

func (i RecordIssue) String() string {
	if i.Measurement != "" {
		return fmt.Sprintf("record %d (%s): %s", i.Index, i.Measurement, i.Message)
	}
	return fmt.Sprintf("record %d: %s", i.Index, i.Message)
}

// ImportReport is the outcome of one pipeline run.
type ImportReport struct {
	RunID  string
	Source string
	Kind   SourceKind
	DryRun bool
	Status RunStatus

	Read          int
	Duplicates    int
	Written       int
	Failed        int
	MalformedRows int
	Batches       int
	FailedBatches int

	WrittenByMeasurement map[string]int
	Errors               []RecordIssue
	Fatal                string

	StartedAt time.Time
	Elapsed   time.Duration
}

// NewImportReport starts a report for the given request.
func NewImportReport(runID string, req ImportRequest) *ImportReport {
	return &ImportReport{
		RunID:                runID,
		Source:               req.Source,
		Kind:                 req.Kind,
		DryRun:               req.DryRun,
		WrittenByMeasurement: make(map[string]int),
		StartedAt:            time.Now(),
	}
}

// AddIssue appends a per-record error.
func (r *ImportReport) AddIssue(index int, measurement, message string) {
	r.Errors = append(r.Errors, RecordIssue{Index: index, Measurement: measurement, Message: message})
}

// HasErrors is true when the run aborted or any record could not be imported.
func (r *ImportReport) HasErrors() bool {
	return r.Status == RunStatusAborted || r.Failed > 0 || len(r.Errors) > 0
}
