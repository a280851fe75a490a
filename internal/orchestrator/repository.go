package orchestrator

import (
	"sync"
)

// DefaultRunHistorySize is the default number of runs kept in history.
const DefaultRunHistorySize = 50

// RunRepository defines the concurrency-safe contract for recording run
// history.
type RunRepository interface {
	// Create records a new run. If the repository is full, the oldest run
	// is evicted.
	Create(run Run)

	// Update applies fn to the stored run with the given id. It returns
	// false if the run is unknown (never recorded or already evicted).
	Update(id string, fn func(*Run)) bool

	// Get returns a copy of the run with the given id.
	Get(id string) (Run, bool)

	// List returns copies of all stored runs, newest first.
	List() []Run
}

// InMemoryRunRepository is a bounded in-memory RunRepository.
type InMemoryRunRepository struct {
	mu    sync.RWMutex
	limit int
	order []string // oldest first
	runs  map[string]*Run
}

// NewInMemoryRunRepository returns a repository keeping at most limit runs.
// If limit <= 0, DefaultRunHistorySize is used.
func NewInMemoryRunRepository(limit int) *InMemoryRunRepository {
	if limit <= 0 {
		limit = DefaultRunHistorySize
	}
	return &InMemoryRunRepository{
		limit: limit,
		runs:  make(map[string]*Run),
	}
}

// Create implements RunRepository.Create.
func (r *InMemoryRunRepository) Create(run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		r.runs[run.ID] = &run
		return
	}
	r.evictLocked()
	r.order = append(r.order, run.ID)
	r.runs[run.ID] = &run
}

// Update implements RunRepository.Update.
func (r *InMemoryRunRepository) Update(id string, fn func(*Run)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return false
	}
	fn(run)
	return true
}

// Get implements RunRepository.Get.
func (r *InMemoryRunRepository) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List implements RunRepository.List.
func (r *InMemoryRunRepository) List() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Run, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, *r.runs[r.order[i]])
	}
	return out
}

// evictLocked drops the oldest runs until there is room for one more.
// Caller must hold r.mu in write mode.
func (r *InMemoryRunRepository) evictLocked() {
	for len(r.order) >= r.limit {
		delete(r.runs, r.order[0])
		r.order = r.order[1:]
	}
}
