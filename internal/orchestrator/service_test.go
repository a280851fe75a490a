package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"speaker-diarizer/internal/audio"
	"speaker-diarizer/internal/engine"
	"speaker-diarizer/internal/platform/apperr"
	"speaker-diarizer/internal/platform/metrics"
)

type fakeEngine struct {
	mu       sync.Mutex
	segments []engine.Segment
	err      error
	panicMsg string
	block    chan struct{}
	started  chan struct{}
	gotRate  int
	gotLen   int
}

func (e *fakeEngine) Diarize(ctx context.Context, samples []float32, sampleRate int) ([]engine.Segment, error) {
	e.mu.Lock()
	e.gotRate = sampleRate
	e.gotLen = len(samples)
	block, started := e.block, e.started
	segs, err, panicMsg := e.segments, e.err, e.panicMsg
	e.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	return segs, err
}

func (e *fakeEngine) set(segs []engine.Segment, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.segments = segs
	e.err = err
}

type fakeProvider struct {
	eng            *fakeEngine
	acquireErr     error
	newEngineErr   error
	acquireCalls   atomic.Int32
	newEngineCalls atomic.Int32
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) AcquireModels(ctx context.Context) (*engine.Models, error) {
	p.acquireCalls.Add(1)
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return &engine.Models{Provider: "fake"}, nil
}

func (p *fakeProvider) NewEngine(cfg engine.Config, models *engine.Models) (engine.Engine, error) {
	p.newEngineCalls.Add(1)
	if p.newEngineErr != nil {
		return nil, p.newEngineErr
	}
	return p.eng, nil
}

func scenarioSegments() []engine.Segment {
	return []engine.Segment{
		{SpeakerLabel: "A", StartSeconds: 0, EndSeconds: 5, QualityScore: 0.9},
		{SpeakerLabel: "B", StartSeconds: 4, EndSeconds: 9, QualityScore: 0.8},
		{SpeakerLabel: "A", StartSeconds: 9, EndSeconds: 12, QualityScore: 0.95},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, p *fakeProvider, opts Options) *Orchestrator {
	t.Helper()
	if opts.StatusClearDelay == 0 {
		opts.StatusClearDelay = -1
	}
	o, err := New(p, engine.DefaultConfig(), testLogger(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func canonicalBuffer(n int) *audio.SampleBuffer {
	return audio.FromSamples(make([]float32, n), audio.CanonicalRate)
}

func waitIdle(t *testing.T, o *Orchestrator) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := o.Snapshot(); !snap.IsProcessing {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
	return Snapshot{}
}

func TestNew_rejects_invalid_config(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.NumSpeakers = 0
	if _, err := New(&fakeProvider{}, cfg, testLogger(), Options{}); err == nil {
		t.Error("expected error for invalid config")
	}
	if _, err := New(nil, engine.DefaultConfig(), testLogger(), Options{}); err == nil {
		t.Error("expected error for nil provider")
	}
}

func TestOrchestrator_Run_scenario(t *testing.T) {
	p := &fakeProvider{eng: &fakeEngine{segments: scenarioSegments()}}
	o := newTestOrchestrator(t, p, Options{})

	snap, err := o.Run(context.Background(), canonicalBuffer(32000), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.State != StateCompleted || snap.Progress != 1.0 || snap.IsProcessing {
		t.Errorf("unexpected terminal snapshot: %+v", snap)
	}
	if snap.StatusMessage != "Found 2 speaker(s)" || snap.SpeakerCount != 2 {
		t.Errorf("unexpected summary %q / %d", snap.StatusMessage, snap.SpeakerCount)
	}
	if snap.Error != "" {
		t.Errorf("expected no error, got %q", snap.Error)
	}

	segs := o.Segments()
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	for i, want := range scenarioSegments() {
		got := segs[i]
		if got.Speaker != want.SpeakerLabel || got.StartTime != want.StartSeconds || got.EndTime != want.EndSeconds || got.Confidence != want.QualityScore {
			t.Errorf("segment %d: expected %+v, got %+v", i, want, got)
		}
	}

	stats := o.Statistics()
	if len(stats) != 2 {
		t.Fatalf("expected 2 statistics, got %d", len(stats))
	}
	if stats[0] != (SpeakerStatistic{Speaker: "A", TotalTime: 8.0, SegmentCount: 2}) {
		t.Errorf("unexpected A statistic: %+v", stats[0])
	}
	if stats[1] != (SpeakerStatistic{Speaker: "B", TotalTime: 5.0, SegmentCount: 1}) {
		t.Errorf("unexpected B statistic: %+v", stats[1])
	}

	run, ok := o.Runs().Get(snap.RunID)
	if !ok {
		t.Fatal("run not recorded")
	}
	if run.State != StateCompleted || run.Segments != 3 || run.Speakers != 2 || run.FinishedAt == nil || run.Source != "test" {
		t.Errorf("unexpected run record: %+v", run)
	}
	if run.Samples != 32000 || run.Duration != 2.0 {
		t.Errorf("unexpected run input: %+v", run)
	}
}

func TestOrchestrator_Run_engine_failure(t *testing.T) {
	t.Run("first_run_leaves_segments_empty", func(t *testing.T) {
		p := &fakeProvider{eng: &fakeEngine{err: errors.New("inference crashed")}}
		o := newTestOrchestrator(t, p, Options{})

		snap, err := o.Run(context.Background(), canonicalBuffer(16000), "test")
		if !apperr.HasCode(err, apperr.CodeEngineInvocationFailed) {
			t.Fatalf("expected EngineInvocationFailed, got %v", err)
		}
		if snap.State != StateFailed || snap.Error == "" {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
		if !strings.Contains(snap.Error, "inference crashed") {
			t.Errorf("expected engine message in error, got %q", snap.Error)
		}
		if snap.Progress >= 1.0 {
			t.Errorf("failed run progress must stay below 1, got %v", snap.Progress)
		}
		if len(o.Segments()) != 0 {
			t.Error("expected no segments after failed first run")
		}
	})

	t.Run("keeps_previous_segments", func(t *testing.T) {
		eng := &fakeEngine{segments: scenarioSegments()}
		o := newTestOrchestrator(t, &fakeProvider{eng: eng}, Options{})

		if _, err := o.Run(context.Background(), canonicalBuffer(16000), "first"); err != nil {
			t.Fatalf("first Run: %v", err)
		}
		before := o.Segments()

		eng.set([]engine.Segment{{SpeakerLabel: "Z", StartSeconds: 0, EndSeconds: 1, QualityScore: 1}}, errors.New("partial failure"))
		snap, err := o.Run(context.Background(), canonicalBuffer(16000), "second")
		if err == nil {
			t.Fatal("expected error")
		}
		if snap.State != StateFailed {
			t.Errorf("expected failed state, got %s", snap.State)
		}
		after := o.Segments()
		if len(after) != len(before) {
			t.Fatalf("segments changed: before %v after %v", before, after)
		}
		for i := range before {
			if before[i] != after[i] {
				t.Errorf("segment %d changed: %+v -> %+v", i, before[i], after[i])
			}
		}
	})

	t.Run("engine_panic", func(t *testing.T) {
		p := &fakeProvider{eng: &fakeEngine{panicMsg: "segfault"}}
		o := newTestOrchestrator(t, p, Options{})

		_, err := o.Run(context.Background(), canonicalBuffer(160), "test")
		if !apperr.HasCode(err, apperr.CodeEngineInvocationFailed) {
			t.Errorf("expected EngineInvocationFailed, got %v", err)
		}
	})
}

func TestOrchestrator_model_acquisition(t *testing.T) {
	t.Run("failure_creates_no_engine", func(t *testing.T) {
		p := &fakeProvider{eng: &fakeEngine{}, acquireErr: errors.New("network down")}
		o := newTestOrchestrator(t, p, Options{})

		snap, err := o.Run(context.Background(), canonicalBuffer(160), "test")
		if !apperr.HasCode(err, apperr.CodeModelAcquisitionFailed) {
			t.Fatalf("expected ModelAcquisitionFailed, got %v", err)
		}
		if snap.ErrorCode != apperr.CodeModelAcquisitionFailed {
			t.Errorf("expected error code in snapshot, got %q", snap.ErrorCode)
		}
		if p.newEngineCalls.Load() != 0 {
			t.Error("engine must not be created after acquisition failure")
		}

		p.acquireErr = nil
		if _, err := o.Run(context.Background(), canonicalBuffer(160), "retry"); err != nil {
			t.Errorf("retry after acquisition failure: %v", err)
		}
	})

	t.Run("acquired_once_across_runs", func(t *testing.T) {
		p := &fakeProvider{eng: &fakeEngine{segments: scenarioSegments()}}
		o := newTestOrchestrator(t, p, Options{})

		for i := 0; i < 3; i++ {
			if _, err := o.Run(context.Background(), canonicalBuffer(160), "test"); err != nil {
				t.Fatalf("Run %d: %v", i, err)
			}
		}
		if n := p.acquireCalls.Load(); n != 1 {
			t.Errorf("expected 1 acquisition, got %d", n)
		}
		if n := p.newEngineCalls.Load(); n != 1 {
			t.Errorf("expected 1 engine construction, got %d", n)
		}
	})

	t.Run("initialization_failure", func(t *testing.T) {
		p := &fakeProvider{eng: &fakeEngine{}, newEngineErr: errors.New("bad weights")}
		o := newTestOrchestrator(t, p, Options{})

		_, err := o.Run(context.Background(), canonicalBuffer(160), "test")
		if !apperr.HasCode(err, apperr.CodeEngineInitializationFailed) {
			t.Errorf("expected EngineInitializationFailed, got %v", err)
		}
	})
}

func TestOrchestrator_invalid_input(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{eng: &fakeEngine{}}, Options{})

	if _, err := o.Start(nil, "test"); !apperr.HasCode(err, apperr.CodeInvalidInput) {
		t.Errorf("expected InvalidInput for nil buffer, got %v", err)
	}
	if _, err := o.Start(canonicalBuffer(0), "test"); !apperr.HasCode(err, apperr.CodeInvalidInput) {
		t.Errorf("expected InvalidInput for empty buffer, got %v", err)
	}
	if snap := o.Snapshot(); snap.State != StateIdle {
		t.Errorf("rejected input must not start a run, state %s", snap.State)
	}
}

func TestOrchestrator_normalizes_non_canonical_buffer(t *testing.T) {
	eng := &fakeEngine{}
	o := newTestOrchestrator(t, &fakeProvider{eng: eng}, Options{})

	buf := audio.FromSamples(make([]float32, 48000), 48000)
	if _, err := o.Run(context.Background(), buf, "test"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.gotRate != audio.CanonicalRate {
		t.Errorf("expected engine rate %d, got %d", audio.CanonicalRate, eng.gotRate)
	}
	if eng.gotLen < 15999 || eng.gotLen > 16001 {
		t.Errorf("expected about 16000 samples, got %d", eng.gotLen)
	}
}

func TestOrchestrator_busy_during_run(t *testing.T) {
	eng := &fakeEngine{segments: scenarioSegments(), block: make(chan struct{}), started: make(chan struct{})}
	o := newTestOrchestrator(t, &fakeProvider{eng: eng}, Options{})

	runID, err := o.Start(canonicalBuffer(16000), "test")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-eng.started

	snap := o.Snapshot()
	if !snap.IsProcessing || snap.State != StateInvoking || snap.RunID != runID {
		t.Errorf("unexpected in-flight snapshot: %+v", snap)
	}

	if _, err := o.Start(canonicalBuffer(16000), "second"); !apperr.HasCode(err, apperr.CodeBusy) {
		t.Errorf("expected Busy for concurrent run, got %v", err)
	}
	if err := o.Clear(); !apperr.HasCode(err, apperr.CodeBusy) {
		t.Errorf("expected Busy for clear during run, got %v", err)
	}

	close(eng.block)
	snap = waitIdle(t, o)
	if snap.State != StateCompleted {
		t.Fatalf("expected completed, got %s", snap.State)
	}

	if err := o.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	snap = o.Snapshot()
	if snap.State != StateIdle || snap.Progress != 0 || snap.StatusMessage != "" || snap.Error != "" || len(snap.Segments) != 0 {
		t.Errorf("unexpected snapshot after clear: %+v", snap)
	}
	if len(o.Statistics()) != 0 {
		t.Error("expected no statistics after clear")
	}
}

func TestOrchestrator_Subscribe_progress_monotonic(t *testing.T) {
	eng := &fakeEngine{segments: scenarioSegments()}
	o := newTestOrchestrator(t, &fakeProvider{eng: eng}, Options{})

	ch, cancel := o.Subscribe()
	defer cancel()

	initial := <-ch
	if initial.State != StateIdle {
		t.Fatalf("expected idle initial snapshot, got %s", initial.State)
	}

	runID, err := o.Start(canonicalBuffer(16000), "test")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	last := -1.0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed early")
			}
			if snap.RunID != runID {
				continue
			}
			if snap.Progress < last {
				t.Fatalf("progress regressed from %v to %v", last, snap.Progress)
			}
			last = snap.Progress
			if snap.State.Terminal() {
				if snap.State != StateCompleted || snap.Progress != 1.0 {
					t.Errorf("unexpected terminal snapshot: %+v", snap)
				}
				return
			}
		case <-timeout:
			t.Fatal("did not observe terminal snapshot")
		}
	}
}

func TestOrchestrator_Subscribe_cancel_closes_channel(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{eng: &fakeEngine{}}, Options{})
	ch, cancel := o.Subscribe()
	<-ch
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
}

func TestOrchestrator_status_cleared_after_delay(t *testing.T) {
	o := newTestOrchestrator(t, &fakeProvider{eng: &fakeEngine{segments: scenarioSegments()}}, Options{StatusClearDelay: 20 * time.Millisecond})

	snap, err := o.Run(context.Background(), canonicalBuffer(160), "test")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.StatusMessage == "" {
		t.Fatal("expected completion message right after run")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := o.Snapshot(); s.StatusMessage == "" {
			if s.State != StateCompleted || len(s.Segments) != 3 {
				t.Errorf("status clear must not touch results: %+v", s)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("status message was not cleared")
}

func TestOrchestrator_records_metrics(t *testing.T) {
	met := metrics.New()
	o := newTestOrchestrator(t, &fakeProvider{eng: &fakeEngine{segments: scenarioSegments()}}, Options{Metrics: met})

	if _, err := o.Run(context.Background(), canonicalBuffer(160), "test"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	families, err := met.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				found[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				for _, l := range m.GetLabel() {
					if l.GetValue() == metrics.OutcomeCompleted {
						found[mf.GetName()] = m.GetCounter().GetValue()
					}
				}
			}
		}
	}
	if found["diarizer_runs_total"] != 1 {
		t.Errorf("expected 1 completed run, got %v", found["diarizer_runs_total"])
	}
	if found["diarizer_segments_installed"] != 3 || found["diarizer_speakers"] != 2 {
		t.Errorf("unexpected segment gauges: %v", found)
	}
	if found["diarizer_run_progress"] != 1 {
		t.Errorf("expected progress gauge 1, got %v", found["diarizer_run_progress"])
	}
}

func counterValue(t *testing.T, met *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := met.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestOrchestrator_conversion_failure_counted(t *testing.T) {
	met := metrics.New()
	o := newTestOrchestrator(t, &fakeProvider{eng: &fakeEngine{segments: scenarioSegments()}}, Options{Metrics: met})

	samples := make([]float32, 48000)
	samples[100] = float32(math.NaN())
	_, err := o.Run(context.Background(), audio.FromSamples(samples, 48000), "test")
	if !apperr.HasCode(err, apperr.CodeConversionFailed) {
		t.Fatalf("expected ConversionFailed, got %v", err)
	}
	if snap := o.Snapshot(); snap.State != StateFailed || snap.ErrorCode != apperr.CodeConversionFailed {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if got := counterValue(t, met, "diarizer_conversion_failures_total"); got != 1 {
		t.Errorf("expected 1 conversion failure, got %v", got)
	}
}

func TestOrchestrator_Run_returns_when_context_ends(t *testing.T) {
	eng := &fakeEngine{segments: scenarioSegments(), block: make(chan struct{}), started: make(chan struct{})}
	o := newTestOrchestrator(t, &fakeProvider{eng: eng}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := o.Run(ctx, canonicalBuffer(32000), "test")
		done <- result{snap, err}
	}()

	<-eng.started
	cancel()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept waiting after its context ended")
	}
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", res.err)
	}
	if !res.snap.IsProcessing || res.snap.State != StateInvoking {
		t.Errorf("expected the run still in flight, got %+v", res.snap)
	}

	// The engine call is not cancelled; its result still lands.
	close(eng.block)
	snap := waitIdle(t, o)
	if snap.State != StateCompleted || len(o.Segments()) != 3 {
		t.Errorf("expected completed run with 3 segments, got %s with %d", snap.State, len(o.Segments()))
	}
}
