// Package persist provides the small amount of ambient infrastructure the
// disk I/O core needs that is not itself part of the spec: a file logger in
// the style of NebulousLabs/Sia's persist package, used for Critical/Severe
// reporting and for the scheduler's own operational log.
package persist

import (
	"log"
	"os"
)

// Logger wraps the standard library logger with STARTUP/SHUTDOWN bracketing,
// matching the contract pinned by the teacher's persist/log_test.go: opening
// a logger writes a STARTUP line, closing it writes a SHUTDOWN line, and
// every line in between is whatever the caller logged.
type Logger struct {
	*log.Logger
	file *os.File
}

// NewLogger creates a logger that appends to the file at path, creating it
// if necessary, and immediately writes a STARTUP line.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l := &Logger{
		Logger: log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile|log.LUTC),
		file:   f,
	}
	l.Println("STARTUP: disk I/O core logging has started.")
	return l, nil
}

// Critical logs a developer-error-class invariant violation with a
// "Critical error:" prefix. It only logs: it does not call build.Critical
// and never panics.
func (l *Logger) Critical(v ...interface{}) {
	l.Println(append([]interface{}{"Critical error:"}, v...)...)
}

// Close writes a SHUTDOWN line and closes the underlying file.
func (l *Logger) Close() error {
	l.Println("SHUTDOWN: disk I/O core logging has terminated.")
	return l.file.Close()
}
