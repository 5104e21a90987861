package ingest

import (
	"sync"

	"github.com/google/uuid"
)

// Progress is the frame counter for one in-flight ingestion.
type Progress struct {
	Done  int
	Total int
}

// Tracker holds per-video ingestion progress for status reporting. Entries
// exist only while a pipeline run is active.
type Tracker struct {
	mu     sync.Mutex
	active map[uuid.UUID]Progress
}

func NewTracker() *Tracker {
	return &Tracker{active: make(map[uuid.UUID]Progress)}
}

// Start registers a run with its total frame count. A nil Tracker is a no-op.
func (t *Tracker) Start(id uuid.UUID, total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[id] = Progress{Total: total}
}

// Advance adds n processed frames to the run.
func (t *Tracker) Advance(id uuid.UUID, n int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.active[id]
	if !ok {
		return
	}
	p.Done += n
	t.active[id] = p
}

// Clear drops the run's entry.
func (t *Tracker) Clear(id uuid.UUID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
}

// Progress reports the run's counters; ok is false when no run is active for
// the video.
func (t *Tracker) Progress(id uuid.UUID) (Progress, bool) {
	if t == nil {
		return Progress{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.active[id]
	return p, ok
}
