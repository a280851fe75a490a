package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"speaker-diarizer/internal/orchestrator"
)

func sampleReport() report {
	segs := []orchestrator.SpeakerSegment{
		{Speaker: "A", StartTime: 0, EndTime: 5, Confidence: 0.9},
		{Speaker: "B", StartTime: 4, EndTime: 9, Confidence: 0.8},
		{Speaker: "A", StartTime: 9, EndTime: 12, Confidence: 0.95},
	}
	snap := orchestrator.Snapshot{RunID: "run-1", State: orchestrator.StateCompleted, Segments: segs, SpeakerCount: 2}
	return newReport("meeting.wav", 12, snap, orchestrator.ComputeStatistics(segs))
}

func TestNewReport(t *testing.T) {
	r := sampleReport()
	if len(r.Segments) != 3 || r.Speakers != 2 || r.RunID != "run-1" {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.Statistics[0].Speaker != "A" || r.Statistics[0].Share != 8.0/13.0 {
		t.Errorf("unexpected first statistic: %+v", r.Statistics[0])
	}
}

func TestWriteReport(t *testing.T) {
	r := sampleReport()

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeReport(&buf, "json", r); err != nil {
			t.Fatalf("writeReport: %v", err)
		}
		var got report
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(got.Segments) != 3 || got.Statistics[1].Speaker != "B" {
			t.Errorf("unexpected decoded report: %+v", got)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeReport(&buf, "yaml", r); err != nil {
			t.Fatalf("writeReport: %v", err)
		}
		if !strings.Contains(buf.String(), "total_time: 8") {
			t.Errorf("expected yaml field names, got:\n%s", buf.String())
		}
		var got report
		if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.File != "meeting.wav" || len(got.Segments) != 3 {
			t.Errorf("unexpected decoded report: %+v", got)
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeReport(&buf, "text", r); err != nil {
			t.Fatalf("writeReport: %v", err)
		}
		out := buf.String()
		for _, want := range []string{"meeting.wav: 0:12.0, 2 speaker(s)", "0:04.0", "61.5%"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in output:\n%s", want, out)
			}
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if err := writeReport(&bytes.Buffer{}, "xml", r); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}

func TestClock(t *testing.T) {
	tests := map[float64]string{0: "0:00.0", 9.4: "0:09.4", 65.5: "1:05.5", 600: "10:00.0"}
	for in, want := range tests {
		if got := clock(in); got != want {
			t.Errorf("clock(%v) = %q, want %q", in, got, want)
		}
	}
}
