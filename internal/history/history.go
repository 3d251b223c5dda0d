// Package history keeps the undo/redo checkpoint arena for a draft editing
// session: full snapshots, bounded, with an integer cursor. The arena itself
// is synchronous; Recorder adds the debounce that coalesces mutation bursts
// into single checkpoints.
package history

import (
	"sync"
	"time"

	"evalforms/engine/internal/draft"
)

const DefaultLimit = 50

type History struct {
	mu       sync.Mutex
	entries  []*draft.Draft
	cursor   int
	limit    int
	suppress bool
}

func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{cursor: -1, limit: limit}
}

// Record appends a checkpoint. Any entries past the cursor are discarded
// first: a new edit after undo throws away the redone-away future. At the cap
// the oldest entry is dropped and the cursor shifts down with it.
func (h *History) Record(d *draft.Draft) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.suppress {
		h.suppress = false
		return
	}

	h.entries = h.entries[:h.cursor+1]
	h.entries = append(h.entries, d.Clone())
	h.cursor++

	if len(h.entries) > h.limit {
		drop := len(h.entries) - h.limit
		h.entries = append([]*draft.Draft(nil), h.entries[drop:]...)
		h.cursor -= drop
	}
}

// Undo moves the cursor back one checkpoint and returns a clone of it. On an
// empty history or at the oldest checkpoint it is a no-op.
func (h *History) Undo() (*draft.Draft, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor <= 0 {
		return nil, false
	}
	h.cursor--
	return h.entries[h.cursor].Clone(), true
}

func (h *History) Redo() (*draft.Draft, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cursor < 0 || h.cursor >= len(h.entries)-1 {
		return nil, false
	}
	h.cursor++
	return h.entries[h.cursor].Clone(), true
}

// SuppressNext makes the next Record a no-op. Applying an undo/redo result
// back into the live draft must not itself become a checkpoint; the flag
// guards exactly one mutation cycle.
func (h *History) SuppressNext() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suppress = true
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor >= 0 && h.cursor < len(h.entries)-1
}

// Purge drops every checkpoint, used after a successful publish.
func (h *History) Purge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.cursor = -1
	h.suppress = false
}

// Recorder debounces a stream of mutation notifications into History
// checkpoints. Touch restarts the window; when it elapses the draft captured
// by the last Touch is recorded.
type Recorder struct {
	mu      sync.Mutex
	history *History
	window  time.Duration
	timer   *time.Timer
	pending *draft.Draft
}

func NewRecorder(h *History, window time.Duration) *Recorder {
	return &Recorder{history: h, window: window}
}

func (r *Recorder) Touch(d *draft.Draft) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = d.Clone()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.window, r.fire)
}

func (r *Recorder) fire() {
	r.mu.Lock()
	d := r.pending
	r.pending = nil
	r.mu.Unlock()

	if d != nil {
		r.history.Record(d)
	}
}

// Flush records any pending checkpoint immediately.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.fire()
}

// Cancel drops any pending checkpoint without recording it.
func (r *Recorder) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
}
