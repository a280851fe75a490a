package orchestrator

import (
	"math"
	"sort"

	"speaker-diarizer/internal/engine"
)

// BuildSegments converts raw engine output into installable segments.
// Intervals with non-finite values, a negative start, or end <= start are
// dropped; confidence is clamped into [0,1]. The result is sorted by start
// time, keeping engine emission order for equal starts.
func BuildSegments(raw []engine.Segment) (segments []SpeakerSegment, dropped int) {
	segments = make([]SpeakerSegment, 0, len(raw))
	for _, r := range raw {
		if !finite(r.StartSeconds) || !finite(r.EndSeconds) {
			dropped++
			continue
		}
		if r.StartSeconds < 0 || r.EndSeconds <= r.StartSeconds {
			dropped++
			continue
		}
		segments = append(segments, SpeakerSegment{
			Speaker:    r.SpeakerLabel,
			StartTime:  r.StartSeconds,
			EndTime:    r.EndSeconds,
			Confidence: clampUnit(r.QualityScore),
		})
	}
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].StartTime < segments[j].StartTime
	})
	return segments, dropped
}

// ComputeStatistics aggregates segments per speaker, ordered by descending
// total time. Speakers with equal totals keep first-appearance order.
func ComputeStatistics(segments []SpeakerSegment) []SpeakerStatistic {
	if len(segments) == 0 {
		return []SpeakerStatistic{}
	}

	index := make(map[string]int)
	stats := make([]SpeakerStatistic, 0)
	for _, seg := range segments {
		i, ok := index[seg.Speaker]
		if !ok {
			i = len(stats)
			index[seg.Speaker] = i
			stats = append(stats, SpeakerStatistic{Speaker: seg.Speaker})
		}
		stats[i].TotalTime += seg.Duration()
		stats[i].SegmentCount++
	}

	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].TotalTime > stats[j].TotalTime
	})
	return stats
}

func countSpeakers(segments []SpeakerSegment) int {
	seen := make(map[string]struct{}, 4)
	for _, seg := range segments {
		seen[seg.Speaker] = struct{}{}
	}
	return len(seen)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clampUnit(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
