package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"speaker-diarizer/internal/audio"
	"speaker-diarizer/internal/engine"
	"speaker-diarizer/internal/platform/apperr"
	"speaker-diarizer/internal/platform/metrics"
)

// DefaultStatusClearDelay is how long the completion message stays
// published before it is cleared.
const DefaultStatusClearDelay = 3 * time.Second

// Progress published on entry to each state.
const (
	progressAcquiring    = 0.1
	progressInitializing = 0.2
	progressAnalyzing    = 0.3
	progressInvoking     = 0.5
	progressFinalizing   = 0.9
	progressCompleted    = 1.0
)

// Options configures an Orchestrator. The zero value is usable.
type Options struct {
	// StatusClearDelay defaults to DefaultStatusClearDelay. A negative
	// value keeps the completion message until the next run or clear.
	StatusClearDelay time.Duration
	// Runs defaults to an InMemoryRunRepository of DefaultRunHistorySize.
	Runs RunRepository
	// Normalizer converts buffers that are not at the canonical rate.
	Normalizer *audio.Normalizer
	// Metrics may be nil to disable metric recording (e.g. in tests).
	Metrics *metrics.Metrics
}

// Orchestrator owns diarization runs. At most one run is in flight; all
// published state is written under mu by the goroutine executing the run,
// while the engine call itself runs on a separate worker goroutine.
//
// Model acquisition and engine construction happen lazily on the first run
// that reaches them and are reused by every later run.
type Orchestrator struct {
	provider   engine.Provider
	cfg        engine.Config
	store      *SegmentStore
	runs       RunRepository
	norm       *audio.Normalizer
	log        *slog.Logger
	metrics    *metrics.Metrics
	clearDelay time.Duration

	mu         sync.Mutex // guards everything below; taken before store.mu
	models     *engine.Models
	eng        engine.Engine
	running    bool
	closed     bool
	runID      string
	state      RunState
	progress   float64
	status     string
	errMsg     string
	errCode    apperr.Code
	generation uint64
	clearTimer *time.Timer
	subs       map[int]chan Snapshot
	nextSub    int

	wg sync.WaitGroup
}

// New returns an idle Orchestrator. cfg is validated once here and never
// changes afterwards.
func New(provider engine.Provider, cfg engine.Config, log *slog.Logger, opts Options) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("orchestrator: provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.Runs == nil {
		opts.Runs = NewInMemoryRunRepository(DefaultRunHistorySize)
	}
	if opts.Normalizer == nil {
		norm, err := audio.NewNormalizer(audio.DefaultQuality)
		if err != nil {
			return nil, err
		}
		opts.Normalizer = norm
	}
	if opts.StatusClearDelay == 0 {
		opts.StatusClearDelay = DefaultStatusClearDelay
	}

	return &Orchestrator{
		provider:   provider,
		cfg:        cfg,
		store:      NewSegmentStore(),
		runs:       opts.Runs,
		norm:       opts.Normalizer,
		log:        log,
		metrics:    opts.Metrics,
		clearDelay: opts.StatusClearDelay,
		state:      StateIdle,
		subs:       make(map[int]chan Snapshot),
	}, nil
}

// Store returns the segment store.
func (o *Orchestrator) Store() *SegmentStore { return o.store }

// Runs returns the run history.
func (o *Orchestrator) Runs() RunRepository { return o.runs }

// Config returns the fixed engine configuration.
func (o *Orchestrator) Config() engine.Config { return o.cfg }

// Start begins an asynchronous run over buf and returns its id. The
// orchestrator owns buf until the run is terminal. It fails with Busy when
// a run is already in flight.
func (o *Orchestrator) Start(buf *audio.SampleBuffer, source string) (string, error) {
	runID, err := o.begin(buf, source)
	if err != nil {
		return "", err
	}
	go func() {
		defer o.wg.Done()
		_ = o.execute(context.Background(), runID, buf)
	}()
	return runID, nil
}

// Run executes a run over buf and waits for it, returning the terminal
// snapshot. A failed run returns the snapshot and its typed error. When
// ctx ends first, Run returns the current snapshot and ctx.Err(); the run
// itself continues to a terminal state.
func (o *Orchestrator) Run(ctx context.Context, buf *audio.SampleBuffer, source string) (Snapshot, error) {
	runID, err := o.begin(buf, source)
	if err != nil {
		return o.Snapshot(), err
	}
	done := make(chan error, 1)
	go func() {
		defer o.wg.Done()
		done <- o.execute(ctx, runID, buf)
	}()

	select {
	case err := <-done:
		return o.Snapshot(), err
	case <-ctx.Done():
		return o.Snapshot(), ctx.Err()
	}
}

// Clear empties the segment store and resets the transient status fields.
// It is rejected with Busy while a run is in flight.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return apperr.Busy("cannot clear while a diarization run is in progress")
	}
	o.stopClearTimerLocked()
	o.generation++
	o.store.Clear()
	o.runID = ""
	o.state = StateIdle
	o.progress = 0
	o.status = ""
	o.errMsg = ""
	o.errCode = ""
	if o.metrics != nil {
		o.metrics.SetSegments(0, 0)
		o.metrics.SetRunProgress(0)
	}
	o.publishLocked()
	o.log.Info("diarization results cleared")
	return nil
}

// Snapshot returns the current published state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Segments returns the installed segments in start-time order.
func (o *Orchestrator) Segments() []SpeakerSegment { return o.store.Segments() }

// Statistics returns per-speaker totals, largest first.
func (o *Orchestrator) Statistics() []SpeakerStatistic { return o.store.Statistics() }

// Subscribe returns a channel that receives the current snapshot and then
// a snapshot after every state change. A slow subscriber only ever sees
// the newest pending snapshot. Call cancel to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.snapshotLocked()
	o.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Close rejects new runs, waits for an in-flight run to finish and closes
// all subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopClearTimerLocked()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}

func (o *Orchestrator) begin(buf *audio.SampleBuffer, source string) (string, error) {
	if buf == nil || buf.Len() == 0 {
		return "", apperr.InvalidInput("audio buffer is empty")
	}
	if buf.SampleRate() <= 0 {
		return "", apperr.InvalidInput(fmt.Sprintf("invalid sample rate %d", buf.SampleRate()))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", apperr.Busy("orchestrator is shutting down")
	}
	if o.running {
		return "", apperr.Busy("a diarization run is already in progress")
	}

	runID := uuid.NewString()
	o.running = true
	o.stopClearTimerLocked()
	o.generation++
	o.runID = runID
	o.state = StateIdle
	o.progress = 0
	o.status = "Starting diarization"
	o.errMsg = ""
	o.errCode = ""

	o.runs.Create(Run{
		ID:         runID,
		Source:     source,
		State:      StateIdle,
		StartedAt:  time.Now().UTC(),
		Samples:    buf.Len(),
		SampleRate: buf.SampleRate(),
		Duration:   buf.Duration(),
	})
	if o.metrics != nil {
		o.metrics.SetRunProgress(0)
	}
	o.publishLocked()
	o.wg.Add(1)

	o.log.Info("diarization run started",
		slog.String("run_id", runID),
		slog.String("source", source),
		slog.Int("samples", buf.Len()),
		slog.Float64("duration", buf.Duration()))
	return runID, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string, buf *audio.SampleBuffer) error {
	started := time.Now()
	log := o.log.With(slog.String("run_id", runID))

	segs, err := o.pipeline(ctx, runID, buf, log)
	if err != nil {
		return o.fail(runID, err, time.Since(started), log)
	}
	o.complete(runID, segs, time.Since(started), log)
	return nil
}

func (o *Orchestrator) pipeline(ctx context.Context, runID string, buf *audio.SampleBuffer, log *slog.Logger) ([]SpeakerSegment, error) {
	o.transition(runID, StateAcquiringModel, progressAcquiring, "Loading diarization model")
	models, err := o.ensureModels(ctx, log)
	if err != nil {
		return nil, err
	}

	o.transition(runID, StateInitializingEngine, progressInitializing, "Initializing diarization engine")
	eng, err := o.ensureEngine(models, log)
	if err != nil {
		return nil, err
	}

	o.transition(runID, StateAnalyzing, progressAnalyzing, "Analyzing audio")
	samples, rate, err := o.prepare(buf)
	if err != nil {
		return nil, err
	}

	o.transition(runID, StateInvoking, progressInvoking, "Identifying speakers")
	raw, err := o.invoke(ctx, eng, samples, rate)
	if err != nil {
		return nil, err
	}

	o.transition(runID, StateFinalizing, progressFinalizing, "Finalizing results")
	segs, dropped := BuildSegments(raw)
	if dropped > 0 {
		log.Warn("dropped invalid engine segments",
			slog.Int("dropped", dropped),
			slog.Int("kept", len(segs)))
	}
	return segs, nil
}

// ensureModels acquires models on the first successful call only. A failed
// acquisition is retried by the next run.
func (o *Orchestrator) ensureModels(ctx context.Context, log *slog.Logger) (*engine.Models, error) {
	o.mu.Lock()
	models := o.models
	o.mu.Unlock()
	if models != nil {
		return models, nil
	}

	models, err := o.provider.AcquireModels(ctx)
	if err != nil {
		return nil, apperr.ModelAcquisitionFailed(err)
	}
	o.mu.Lock()
	o.models = models
	o.mu.Unlock()
	log.Info("diarization models acquired",
		slog.String("provider", o.provider.Name()),
		slog.Int("assets", len(models.Files)))
	return models, nil
}

func (o *Orchestrator) ensureEngine(models *engine.Models, log *slog.Logger) (engine.Engine, error) {
	o.mu.Lock()
	eng := o.eng
	o.mu.Unlock()
	if eng != nil {
		return eng, nil
	}

	eng, err := o.provider.NewEngine(o.cfg, models)
	if err != nil {
		return nil, apperr.EngineInitializationFailed(err)
	}
	o.mu.Lock()
	o.eng = eng
	o.mu.Unlock()
	log.Info("diarization engine initialized", slog.String("provider", o.provider.Name()))
	return eng, nil
}

// prepare returns canonical-rate samples for the engine.
func (o *Orchestrator) prepare(buf *audio.SampleBuffer) ([]float32, int, error) {
	if buf.SampleRate() == audio.CanonicalRate {
		return buf.Samples(), buf.SampleRate(), nil
	}
	norm, err := o.norm.Normalize(buf.Samples(), buf.SampleRate(), 1, audio.CanonicalRate)
	if err != nil {
		return nil, 0, err
	}
	return norm.Samples(), norm.SampleRate(), nil
}

type invocation struct {
	segments []engine.Segment
	err      error
}

// invoke runs the engine on a worker goroutine and waits for its result.
// The call is not cancelled once started.
func (o *Orchestrator) invoke(ctx context.Context, eng engine.Engine, samples []float32, rate int) ([]engine.Segment, error) {
	done := make(chan invocation, 1)
	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		segs, err := eng.Diarize(workCtx, samples, rate)
		done <- invocation{segments: segs, err: err}
	}()

	res := <-done
	if res.err != nil {
		return nil, apperr.EngineInvocationFailed(res.err)
	}
	return res.segments, nil
}

func (o *Orchestrator) transition(runID string, state RunState, progress float64, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.runID != runID {
		return
	}
	if progress < o.progress {
		progress = o.progress
	}
	o.state = state
	o.progress = progress
	o.status = status
	o.runs.Update(runID, func(r *Run) { r.State = state })
	if o.metrics != nil {
		o.metrics.SetRunProgress(progress)
	}
	o.log.Debug("run state changed",
		slog.String("run_id", runID),
		slog.String("state", string(state)),
		slog.Float64("progress", progress))
	o.publishLocked()
}

func (o *Orchestrator) fail(runID string, err error, took time.Duration, log *slog.Logger) error {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Internal(err)
	}

	o.mu.Lock()
	failedIn := o.state
	o.running = false
	o.state = StateFailed
	o.status = "Diarization failed"
	o.errMsg = ae.Message
	o.errCode = ae.Code
	finished := time.Now().UTC()
	o.runs.Update(runID, func(r *Run) {
		r.State = StateFailed
		r.FinishedAt = &finished
		r.ErrorCode = ae.Code
		r.Error = ae.Message
	})
	if o.metrics != nil {
		o.metrics.ObserveRun(metrics.OutcomeFailed, took)
		if ae.Code == apperr.CodeConversionFailed {
			o.metrics.IncConversionFailures()
		}
	}
	o.publishLocked()
	o.mu.Unlock()

	log.Error("diarization run failed",
		slog.String("state", string(failedIn)),
		slog.String("code", string(ae.Code)),
		slog.String("error", ae.Error()),
		slog.Int("duration_ms", int(took.Milliseconds())))
	return ae
}

func (o *Orchestrator) complete(runID string, segs []SpeakerSegment, took time.Duration, log *slog.Logger) {
	speakers := countSpeakers(segs)

	o.mu.Lock()
	o.store.Install(segs)
	o.running = false
	o.state = StateCompleted
	o.progress = progressCompleted
	o.status = fmt.Sprintf("Found %d speaker(s)", speakers)
	finished := time.Now().UTC()
	o.runs.Update(runID, func(r *Run) {
		r.State = StateCompleted
		r.FinishedAt = &finished
		r.Segments = len(segs)
		r.Speakers = speakers
	})
	if o.metrics != nil {
		o.metrics.ObserveRun(metrics.OutcomeCompleted, took)
		o.metrics.SetRunProgress(progressCompleted)
		o.metrics.SetSegments(len(segs), speakers)
	}
	o.scheduleStatusClearLocked()
	o.publishLocked()
	o.mu.Unlock()

	log.Info("diarization run completed",
		slog.Int("segments", len(segs)),
		slog.Int("speakers", speakers),
		slog.Int("duration_ms", int(took.Milliseconds())))
}

// scheduleStatusClearLocked blanks the completion message after the
// configured delay unless a newer run or clear happened first.
// Caller must hold o.mu.
func (o *Orchestrator) scheduleStatusClearLocked() {
	if o.clearDelay <= 0 {
		return
	}
	gen := o.generation
	o.clearTimer = time.AfterFunc(o.clearDelay, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.generation != gen || o.state != StateCompleted {
			return
		}
		o.status = ""
		o.publishLocked()
	})
}

// Caller must hold o.mu.
func (o *Orchestrator) stopClearTimerLocked() {
	if o.clearTimer != nil {
		o.clearTimer.Stop()
		o.clearTimer = nil
	}
}

// Caller must hold o.mu.
func (o *Orchestrator) snapshotLocked() Snapshot {
	segs := o.store.Segments()
	return Snapshot{
		RunID:         o.runID,
		State:         o.state,
		IsProcessing:  o.running,
		Progress:      o.progress,
		StatusMessage: o.status,
		Error:         o.errMsg,
		ErrorCode:     o.errCode,
		Segments:      segs,
		SpeakerCount:  countSpeakers(segs),
	}
}

// publishLocked offers the current snapshot to every subscriber, replacing
// any snapshot the subscriber has not consumed yet.
// Caller must hold o.mu.
func (o *Orchestrator) publishLocked() {
	if len(o.subs) == 0 {
		return
	}
	snap := o.snapshotLocked()
	for _, ch := range o.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
