package writer

import (
	"errors"
	"fmt"
)

// ErrSinkFatal marks sink errors that make further writes pointless, such as
// a rejected token or a missing bucket. The run aborts on the first one.
var ErrSinkFatal = errors.New("fatal sink error")

// ErrSinkTransient marks sink errors worth retrying.
var ErrSinkTransient = errors.New("transient sink error")

// SinkError carries the status reported by the sink alongside its class.
type SinkError struct {
	StatusCode int
	Message    string
	Fatal      bool
}

func (e *SinkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sink responded with HTTP %d: %s", e.StatusCode, e.Message)
	}
	return "sink error: " + e.Message
}

func (e *SinkError) Is(target error) bool {
	if target == ErrSinkFatal {
		return e.Fatal
	}
	if target == ErrSinkTransient {
		return !e.Fatal
	}
	return false
}

// IsFatal reports whether err should abort the run instead of being retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSinkFatal)
}
