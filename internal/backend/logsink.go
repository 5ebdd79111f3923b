package backend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LogSink receives a worker's log lines, appends them to the worker's log
// file and forwards each line to WorkerSpec.LogWriter. It is safe for
// concurrent use, so stdout and stderr may be streamed into it together.
type LogSink struct {
	mu sync.Mutex
	f  *os.File
	fn func(string)
}

// NewLogSink opens the log file at path for appending, so a rank that runs
// in several phases keeps one log.
func NewLogSink(path string, fn func(string)) (*LogSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create worker log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	return &LogSink{f: f, fn: fn}, nil
}

// WriteLine records one line.
func (s *LogSink) WriteLine(line string) {
	s.mu.Lock()
	_, _ = s.f.WriteString(line + "\n")
	s.mu.Unlock()
	if s.fn != nil {
		s.fn(line)
	}
}

// Write splits p into lines. Structured log handlers emit one record per call.
func (s *LogSink) Write(p []byte) (int, error) {
	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		s.WriteLine(line)
	}
	return len(p), nil
}

// Stream copies lines from r until EOF.
func (s *LogSink) Stream(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.WriteLine(scanner.Text())
	}
}

// Close closes the log file.
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
