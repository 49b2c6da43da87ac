// Package logger provides debug logging for the importer. Operational
// messages go through the standard log package; the calls here only print
// when debug mode is enabled with the --debug flag.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	level  int
	output io.Writer = os.Stderr
)

// SetLevel sets the debug level; zero disables debug output.
func SetLevel(l int) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// Enabled returns true if debug output is on.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return level > 0
}

// SetOutput sets the writer for debug output. Defaults to os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// Debug prints a message at debug level 1.
func Debug(format string, args ...any) {
	logAt(1, "[DEBUG] ", format, args...)
}

// Trace prints a message at debug level 2, used for per-record output.
func Trace(format string, args ...any) {
	logAt(2, "[TRACE] ", format, args...)
}

func logAt(min int, prefix, format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if level >= min {
		fmt.Fprintf(output, prefix+format+"\n", args...)
	}
}
