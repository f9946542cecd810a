package internal

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one line read from a tailed file.
type Event struct {
	Timestamp time.Time
	RawData   string
	Metadata  Metadata
}

type Metadata struct {
	Source  string
	LineNum int
	Host    string
	TaskID  string
}

// FileError reports a fatal error that ended the tail of a single file.
type FileError struct {
	Source string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// ErrorSink receives per-file errors. Implementations must be safe for
// concurrent use since every tail task reports on its own goroutine.
type ErrorSink interface {
	Report(err *FileError)
}

// LogErrorSink writes per-file errors to the logrus standard logger.
type LogErrorSink struct{}

func (LogErrorSink) Report(err *FileError) {
	logrus.WithField("path", err.Source).WithError(err.Err).Error("stopped tailing file")
}
