package nnet

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Recorder appends progress lines to a log file and echoes them to stdout. The file is never truncated.
type Recorder struct {
	Path string
	mu   sync.Mutex
	f    *os.File
	w    io.Writer
}

// NewRecorder opens the log file in append mode, creating it if needed.
func NewRecorder(filePath string) (*Recorder, error) {
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open log")
	}
	return &Recorder{Path: filePath, f: f, w: io.MultiWriter(os.Stdout, f)}, nil
}

// Printf formats a line and appends it to the log. A newline is added if not present.
func (r *Recorder) Printf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := io.WriteString(r.w, msg)
	return errors.Wrap(err, "write log")
}

// Close the log file.
func (r *Recorder) Close() error {
	return errors.Wrap(r.f.Close(), "close log")
}
