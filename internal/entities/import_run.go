package entities

import (
	"time"
)

// ImportRun is the history row stored for every pipeline run.
type ImportRun struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RunID         string     `gorm:"size:36;uniqueIndex" json:"run_id"`
	Kind          SourceKind `gorm:"size:20;index" json:"kind"`
	Source        string     `gorm:"size:1024;index" json:"source"`
	Status        RunStatus  `gorm:"size:20" json:"status"`
	DryRun        bool       `json:"dry_run"`
	Read          int        `json:"read"`
	Duplicates    int        `json:"duplicates"`
	Written       int        `json:"written"`
	Failed        int        `json:"failed"`
	MalformedRows int        `json:"malformed_rows"`
	Batches       int        `json:"batches"`
	FailedBatches int        `json:"failed_batches"`
	IssueCount    int        `json:"issue_count"`
	Error         string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt     time.Time  `gorm:"index" json:"started_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (ImportRun) TableName() string {
	return "import_runs"
}

// NewImportRun flattens a report into its history row.
func NewImportRun(report *ImportReport) *ImportRun {
	return &ImportRun{
		RunID:         report.RunID,
		Kind:          report.Kind,
		Source:        report.Source,
		Status:        report.Status,
		DryRun:        report.DryRun,
		Read:          report.Read,
		Duplicates:    report.Duplicates,
		Written:       report.Written,
		Failed:        report.Failed,
		MalformedRows: report.MalformedRows,
		Batches:       report.Batches,
		FailedBatches: report.FailedBatches,
		IssueCount:    len(report.Errors),
		Error:         report.Fatal,
		StartedAt:     report.StartedAt.UTC(),
		DurationMs:    report.Elapsed.Milliseconds(),
	}
}
