package orchestrator

import (
	"time"

	"speaker-diarizer/internal/platform/apperr"
)

// RunState is the orchestrator's position in the run lifecycle.
type RunState string

const (
	StateIdle               RunState = "idle"
	StateAcquiringModel     RunState = "acquiring_model"
	StateInitializingEngine RunState = "initializing_engine"
	StateAnalyzing          RunState = "analyzing"
	StateInvoking           RunState = "invoking"
	StateFinalizing         RunState = "finalizing"
	StateCompleted          RunState = "completed"
	StateFailed             RunState = "failed"
)

// Terminal reports whether the state ends a run.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// SpeakerSegment is one attributed interval, in seconds from the start of
// the buffer. Segments are values and never mutated after a run installs
// them.
type SpeakerSegment struct {
	Speaker    string  `json:"speaker"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
	Confidence float64 `json:"confidence"`
}

// Duration returns EndTime - StartTime.
func (s SpeakerSegment) Duration() float64 {
	return s.EndTime - s.StartTime
}

// SpeakerStatistic aggregates one speaker's segments.
type SpeakerStatistic struct {
	Speaker      string  `json:"speaker"`
	TotalTime    float64 `json:"total_time"`
	SegmentCount int     `json:"segment_count"`
}

// Snapshot is the read-only published state of an Orchestrator.
type Snapshot struct {
	RunID         string           `json:"run_id,omitempty"`
	State         RunState         `json:"state"`
	IsProcessing  bool             `json:"is_processing"`
	Progress      float64          `json:"progress"`
	StatusMessage string           `json:"status_message"`
	Error         string           `json:"error,omitempty"`
	ErrorCode     apperr.Code      `json:"error_code,omitempty"`
	Segments      []SpeakerSegment `json:"segments"`
	SpeakerCount  int              `json:"speaker_count"`
}

// Run is the history record of one diarization run.
type Run struct {
	ID         string      `json:"id"`
	Source     string      `json:"source,omitempty"`
	State      RunState    `json:"state"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Samples    int         `json:"samples"`
	SampleRate int         `json:"sample_rate"`
	Duration   float64     `json:"duration"`
	Segments   int         `json:"segments"`
	Speakers   int         `json:"speakers"`
	ErrorCode  apperr.Code `json:"error_code,omitempty"`
	Error      string      `json:"error,omitempty"`
}
