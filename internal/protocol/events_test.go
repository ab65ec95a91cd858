package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	taskID := uuid.New()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	events := []ExecutionEvent{
		{Kind: EventExecutionStarted, TaskID: taskID, Timestamp: ts, Seq: 1, WorkingSpecID: "ws-1"},
		{Kind: EventWorkerAssigned, TaskID: taskID, Timestamp: ts, Seq: 2, WorkerID: "worker-a"},
		{Kind: EventPhaseStarted, TaskID: taskID, Timestamp: ts, Seq: 3, Phase: "propose"},
		{Kind: EventPhaseCompleted, TaskID: taskID, Timestamp: ts, Seq: 4, Phase: "propose", Success: true},
		{Kind: EventArtifactProduced, TaskID: taskID, Timestamp: ts, Seq: 5, ArtifactPath: "src/a.go"},
		{Kind: EventQualityCheckCompleted, TaskID: taskID, Timestamp: ts, Seq: 6, Passed: true, Score: 0.92},
		{Kind: EventExecutionCompleted, TaskID: taskID, Timestamp: ts, Seq: 7, Success: true},
		{Kind: EventExecutionFailed, TaskID: taskID, Timestamp: ts, Seq: 8, Error: "iteration_limit"},
	}

	for _, evt := range events {
		t.Run(string(evt.Kind), func(t *testing.T) {
			data, err := json.Marshal(evt)
			require.NoError(t, err)

			var decoded ExecutionEvent
			require.NoError(t, json.Unmarshal(data, &decoded))
			require.Equal(t, evt, decoded)
		})
	}
}

func TestEventUnknownKindRejected(t *testing.T) {
	raw := `{"kind":"mystery_event","task_id":"` + uuid.New().String() + `","timestamp":"2025-06-01T12:00:00Z"}`

	var evt ExecutionEvent
	err := json.Unmarshal([]byte(raw), &evt)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event kind")
}

func TestEventTerminal(t *testing.T) {
	require.True(t, (&ExecutionEvent{Kind: EventExecutionCompleted}).Terminal())
	require.True(t, (&ExecutionEvent{Kind: EventExecutionFailed}).Terminal())
	require.False(t, (&ExecutionEvent{Kind: EventPhaseStarted}).Terminal())
}
