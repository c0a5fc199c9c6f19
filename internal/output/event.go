package output

import "time"

// Event types emitted over the lifecycle of an ingest run.
const (
	EventRunStarted   = "run.started"
	EventUnitStarted  = "unit.started"
	EventChunkWritten = "chunk.written"
	EventUnitFinished = "unit.finished"
	EventUnitFailed   = "unit.failed"
	EventRunFinished  = "run.finished"
)

// Event is a lifecycle record. Sinks stream it as NDJSON or collect it.
type Event struct {
	Type     string    `json:"type"`
	RunID    string    `json:"run_id,omitempty"`
	Time     time.Time `json:"time"`
	Unit     string    `json:"unit,omitempty"`
	Units    int       `json:"units,omitempty"`
	Rows     int       `json:"rows,omitempty"`
	Failures int       `json:"failures,omitempty"`
	Chunk    string    `json:"chunk,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
}
