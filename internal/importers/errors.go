package importers

import (
	"errors"
	"fmt"
)

// ErrSourceUnreadable means the source file or database could not be opened
// or decoded. The run aborts before any state is touched.
var ErrSourceUnreadable = errors.New("source unreadable")

// ErrMalformedRecord marks a single record that was dropped. The pipeline
// reports it and keeps reading.
var ErrMalformedRecord = errors.New("malformed record")

// RecordError describes a problem with one record of a source.
type RecordError struct {
	Index       int
	Measurement string
	Err         error
}

func (e *RecordError) Error() string {
	if e.Measurement != "" {
		return fmt.Sprintf("record %d (%s): %v", e.Index, e.Measurement, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

// Malformed builds a RecordError for a record that cannot be imported.
func Malformed(index int, measurement, format string, args ...any) *RecordError {
	return &RecordError{Index: index, Measurement: measurement, Err: fmt.Errorf(format, args...)}
}

// Unreadable wraps err as ErrSourceUnreadable with the source name attached.
func Unreadable(source string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSourceUnreadable, source, err)
}
