// Package report is the operator-facing run log: a plain-text sink that the
// orchestrator appends status, warning, and error lines to. It is separate
// from process logging and must never fail the sync, so sink errors are
// swallowed after a best-effort stderr note.
package report

import (
	"fmt"
	"os"
	"time"
)

// Sink appends one human-readable line to the run log.
type Sink interface {
	Append(line string)
	Close()
}

// FileSink appends timestamped lines to a log file opened in append mode for
// the whole run.
type FileSink struct {
	f *os.File
}

// NewFileSink opens (or creates) the log file and writes a run header.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	fmt.Fprintf(f, "\n\n%s\n", time.Now().Format(time.RFC3339))
	return &FileSink{f: f}, nil
}

func (s *FileSink) Append(line string) {
	if _, err := fmt.Fprintf(s.f, "%s %s\n", time.Now().Format(time.RFC3339), line); err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
	}
}

func (s *FileSink) Close() {
	_ = s.f.Close()
}

// ConsoleSink writes lines to stdout.
type ConsoleSink struct{}

func (ConsoleSink) Append(line string) { fmt.Println(line) }
func (ConsoleSink) Close()             {}
