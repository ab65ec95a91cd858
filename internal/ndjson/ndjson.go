package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize is the maximum NDJSON line size (256 KiB)
const MaxLineSize = 256 * 1024

// Encoder writes values to an output stream, one JSON document per line
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a value as a single JSON line and flushes it
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}

	if len(data) > MaxLineSize {
		e.logger.Error("line exceeds size limit",
			"size", len(data),
			"limit", MaxLineSize)
		return fmt.Errorf("line size %d exceeds limit %d", len(data), MaxLineSize)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately so observers tailing the log see complete lines
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads values from an NDJSON input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)

	buf := make([]byte, MaxLineSize)
	scanner.Buffer(buf, MaxLineSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
	}
}

// Decode reads the next line into v. Empty lines are skipped. Returns
// io.EOF at end of input.
func (d *Decoder) Decode(v any) error {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
			}
			return io.EOF
		}

		d.lineNum++
		data := d.scanner.Bytes()

		if len(data) == 0 {
			continue
		}

		if err := json.Unmarshal(data, v); err != nil {
			d.logger.Error("failed to unmarshal JSON",
				"line", d.lineNum,
				"error", err)
			return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
		}

		return nil
	}
}
