package orchestrator

import "sync"

// SegmentStore holds the ordered segments of the last completed run.
// Install and Clear replace the whole collection, so readers never see a
// half-installed run.
type SegmentStore struct {
	mu       sync.RWMutex
	segments []SpeakerSegment
}

// NewSegmentStore returns an empty store.
func NewSegmentStore() *SegmentStore {
	return &SegmentStore{}
}

// Install replaces the stored segments with a copy of segs. segs must
// already be ordered by start time.
func (s *SegmentStore) Install(segs []SpeakerSegment) {
	cp := make([]SpeakerSegment, len(segs))
	copy(cp, segs)

	s.mu.Lock()
	s.segments = cp
	s.mu.Unlock()
}

// Segments returns a copy of the stored segments in start-time order.
func (s *SegmentStore) Segments() []SpeakerSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SpeakerSegment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Statistics recomputes per-speaker totals from the stored segments.
func (s *SegmentStore) Statistics() []SpeakerStatistic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeStatistics(s.segments)
}

// SpeakerCount returns the number of distinct speakers stored.
func (s *SegmentStore) SpeakerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countSpeakers(s.segments)
}

// Len returns the number of stored segments.
func (s *SegmentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Clear empties the store.
func (s *SegmentStore) Clear() {
	s.mu.Lock()
	s.segments = nil
	s.mu.Unlock()
}
