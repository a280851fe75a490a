package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"speaker-diarizer/internal/orchestrator"
)

type segmentEntry struct {
	Speaker    string  `json:"speaker" yaml:"speaker"`
	Start      float64 `json:"start" yaml:"start"`
	End        float64 `json:"end" yaml:"end"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

type statisticEntry struct {
	Speaker   string  `json:"speaker" yaml:"speaker"`
	TotalTime float64 `json:"total_time" yaml:"total_time"`
	Segments  int     `json:"segments" yaml:"segments"`
	Share     float64 `json:"share" yaml:"share"`
}

type report struct {
	File       string           `json:"file" yaml:"file"`
	RunID      string           `json:"run_id" yaml:"run_id"`
	Duration   float64          `json:"duration" yaml:"duration"`
	Speakers   int              `json:"speakers" yaml:"speakers"`
	Segments   []segmentEntry   `json:"segments" yaml:"segments"`
	Statistics []statisticEntry `json:"statistics" yaml:"statistics"`
}

func newReport(file string, duration float64, snap orchestrator.Snapshot, stats []orchestrator.SpeakerStatistic) report {
	r := report{
		File:       file,
		RunID:      snap.RunID,
		Duration:   duration,
		Speakers:   snap.SpeakerCount,
		Segments:   make([]segmentEntry, 0, len(snap.Segments)),
		Statistics: make([]statisticEntry, 0, len(stats)),
	}
	for _, s := range snap.Segments {
		r.Segments = append(r.Segments, segmentEntry{
			Speaker:    s.Speaker,
			Start:      s.StartTime,
			End:        s.EndTime,
			Confidence: s.Confidence,
		})
	}
	var total float64
	for _, st := range stats {
		total += st.TotalTime
	}
	for _, st := range stats {
		share := 0.0
		if total > 0 {
			share = st.TotalTime / total
		}
		r.Statistics = append(r.Statistics, statisticEntry{
			Speaker:   st.Speaker,
			TotalTime: st.TotalTime,
			Segments:  st.SegmentCount,
			Share:     share,
		})
	}
	return r
}

func writeReport(w io.Writer, format string, r report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		return writeText(w, r)
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}

func writeText(w io.Writer, r report) error {
	fmt.Fprintf(w, "%s: %s, %d speaker(s)\n\n", r.File, clock(r.Duration), r.Speakers)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tSPEAKER\tCONFIDENCE")
	for _, s := range r.Segments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\n", clock(s.Start), clock(s.End), s.Speaker, s.Confidence)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SPEAKER\tTOTAL\tSEGMENTS\tSHARE")
	for _, st := range r.Statistics {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f%%\n", st.Speaker, clock(st.TotalTime), st.Segments, st.Share*100)
	}
	return tw.Flush()
}

// clock formats seconds as m:ss.s.
func clock(seconds float64) string {
	m := int(seconds) / 60
	s := seconds - float64(m*60)
	return fmt.Sprintf("%d:%04.1f", m, s)
}
