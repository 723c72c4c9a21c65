// Package logging builds the process logger and keeps the most recent lines
// in memory for the dashboard.
package logging

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const ringSize = 200

// Ring is an io.Writer that keeps the last lines written, newest first.
type Ring struct {
	mu    sync.RWMutex
	lines []string
	buf   bytes.Buffer
}

func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	for {
		line, err := r.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			r.buf.Reset()
			r.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		r.lines = append([]string{line}, r.lines...)
		if len(r.lines) > ringSize {
			r.lines = r.lines[:ringSize]
		}
	}
	return len(p), nil
}

func (r *Ring) Lines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

var recent = &Ring{}

// Recent returns the latest log lines, newest first.
func Recent() []string { return recent.Lines() }

// New returns a logger writing to the recent-log ring and, unless quiet, to stderr.
func New(level string, quiet bool) *log.Logger {
	var w io.Writer = recent
	if !quiet {
		w = io.MultiWriter(os.Stderr, recent)
	}
	return newLogger(w, level)
}

func newLogger(w io.Writer, level string) *log.Logger {
	lvl := log.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = log.DebugLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "modelwatch",
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
}

// Discard is a logger for tests and optional components.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}
