package eventlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/corch/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendReadRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "events", "run-1.ndjson")

	log, err := Open(logPath, testLogger())
	if err != nil {
		t.Fatalf("failed to open event log: %v", err)
	}

	taskID := uuid.New()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	in := []protocol.ExecutionEvent{
		{Kind: protocol.EventExecutionStarted, TaskID: taskID, Timestamp: ts, Seq: 1, WorkingSpecID: "ws-1"},
		{Kind: protocol.EventPhaseStarted, TaskID: taskID, Timestamp: ts.Add(time.Second), Seq: 2, Phase: "propose"},
		{Kind: protocol.EventExecutionCompleted, TaskID: taskID, Timestamp: ts.Add(2 * time.Second), Seq: 3, Success: true},
	}

	for i := range in {
		if err := log.Append(&in[i]); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	out, err := ReadAll(logPath, testLogger())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if len(out) != len(in) {
		t.Fatalf("expected %d events, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("event %d mismatch: %+v != %+v", i, out[i], in[i])
		}
	}
}

func TestReadAllRejectsUnknownKind(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "bad.ndjson")

	line := `{"kind":"mystery","task_id":"` + uuid.New().String() + `","timestamp":"2025-06-01T12:00:00Z","seq":1}` + "\n"
	if err := os.WriteFile(logPath, []byte(line), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadAll(logPath, testLogger()); err == nil {
		t.Error("expected unknown-kind error")
	}
}

func TestOpenAppends(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "run.ndjson")
	taskID := uuid.New()

	for i := 1; i <= 2; i++ {
		log, err := Open(logPath, testLogger())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		evt := protocol.NewEvent(protocol.EventPhaseStarted, taskID)
		evt.Seq = uint64(i)
		evt.Phase = "propose"
		if err := log.Append(&evt); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		log.Close()
	}

	out, err := ReadAll(logPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 events after reopen, got %d", len(out))
	}
}
