// Package eventlog persists ExecutionEvents as an append-only NDJSON
// stream, one file per run. The log is the durable record observers and
// the status command replay.
package eventlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/iambrandonn/corch/internal/ndjson"
	"github.com/iambrandonn/corch/internal/protocol"
)

// Log writes execution events to an NDJSON file
type Log struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open creates or appends to an event log at the given path
func Open(logPath string, logger *slog.Logger) (*Log, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Log{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Append writes one event to the log
func (l *Log) Append(evt *protocol.ExecutionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encoder.Encode(evt)
}

// Close closes the underlying file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ReadAll decodes every event in a log file, in order. Unknown event kinds
// fail the read: the on-disk stream is a closed tagged union.
func ReadAll(logPath string, logger *slog.Logger) ([]protocol.ExecutionEvent, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	decoder := ndjson.NewDecoder(file, logger)

	var events []protocol.ExecutionEvent
	for {
		var evt protocol.ExecutionEvent
		err := decoder.Decode(&evt)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	return events, nil
}
