// Package logging is the cube's diagnostic sink: timestamped lines
// appended to a file under the workspace so failures stay inspectable
// after the embedding process exits.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const logFileName = "cube.log"

// Logger appends timestamped lines to <root>/cube.log.
type Logger struct {
	file *os.File
}

// New creates (or reuses) the log file under the workspace root.
func New(root string) (*Logger, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure workspace dir: %w", err)
	}
	path := filepath.Join(root, logFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
}
