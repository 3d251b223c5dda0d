// Package syncer reconciles the in-memory draft with the session store
// (always) and the upstream forms API (once a server identity and auth
// context exist), on independent debounce cycles.
package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"evalforms/engine/internal/backend"
	"evalforms/engine/internal/draft"
	"evalforms/engine/internal/history"
	"evalforms/engine/internal/identity"
	"evalforms/engine/internal/recipients"
	"evalforms/engine/internal/session"
)

// Backend is the slice of the upstream client the syncer needs.
type Backend interface {
	GetForm(ctx context.Context, id string) (*draft.Draft, error)
	UpdateDraft(ctx context.Context, id string, d *draft.Draft) error
}

// Options carries the tunable debounce windows. Remote must stay slower than
// local; a remote window at or below the local one is stretched so a local
// save always lands first in a cycle.
type Options struct {
	LocalDebounce  time.Duration
	RemoteDebounce time.Duration
	Token          backend.TokenFunc
}

type Engine struct {
	mu    sync.Mutex
	d     *draft.Draft
	store *session.Store
	ids   *identity.Manager
	hist  *history.History
	rec   *history.Recorder
	buf   *recipients.Buffer
	be    Backend
	opts  Options

	localTimer  *time.Timer
	remoteTimer *time.Timer

	// Serializes remote writes: the autosave PATCH skips its cycle while a
	// publish transaction (or another PATCH) holds the flag.
	remoteOp sync.Mutex
}

func New(store *session.Store, ids *identity.Manager, hist *history.History, rec *history.Recorder, buf *recipients.Buffer, be Backend, opts Options) *Engine {
	if opts.LocalDebounce <= 0 {
		opts.LocalDebounce = 800 * time.Millisecond
	}
	if opts.RemoteDebounce <= opts.LocalDebounce {
		opts.RemoteDebounce = 2 * opts.LocalDebounce
	}
	return &Engine{
		store: store,
		ids:   ids,
		hist:  hist,
		rec:   rec,
		buf:   buf,
		be:    be,
		opts:  opts,
	}
}

// Load starts or resumes an editing session. The effective id resolves as:
// explicit navigation id, then the preserved cross-navigation id, then the
// session store's current pointer, then a freshly minted local id. A
// server-backed id makes the upstream the source of truth; a 404 there
// demotes the identity and falls back to the local snapshot, and a local id
// never touches the network.
func (e *Engine) Load(ctx context.Context, navID string) (*draft.Draft, error) {
	resolved := navID
	if resolved == "" {
		resolved, _ = e.store.TakePreservedID(ctx)
	}
	if resolved == "" {
		resolved, _ = e.store.CurrentID(ctx)
	}
	resolved = e.ids.Ensure(resolved)

	if identity.IsServerBacked(resolved) {
		return e.loadServer(ctx, resolved)
	}
	return e.loadLocal(ctx, resolved)
}

func (e *Engine) loadServer(ctx context.Context, id string) (*draft.Draft, error) {
	remote, err := e.be.GetForm(ctx, id)
	if err == nil {
		remote.ID = id
		remote.Normalize()
		if _, err := e.store.Init(ctx, id); err != nil {
			return nil, err
		}
		e.adopt(remote)
		e.flushLocal(ctx)
		return remote.Clone(), nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		// Upstream unreachable is not fatal: edit against the local
		// snapshot, autosave retries later.
		log.Printf("fetch of draft %s failed, using local snapshot: %v", id, err)
		return e.loadLocal(ctx, id)
	}

	// The form is gone server-side. Demote to a fresh local identity, purge
	// stale markers, keep whatever content the local snapshot still has.
	log.Printf("draft %s no longer exists upstream, resetting to a local draft", id)
	fresh := e.ids.Demote()
	entry, loadErr := e.store.Load(ctx, id)
	e.store.PurgeMarkers(ctx, id)
	e.buf.Purge(id)

	var d *draft.Draft
	if loadErr == nil && entry != nil && entry.Snapshot.Draft != nil {
		if err := e.store.Rekey(ctx, id, fresh); err != nil {
			log.Printf("rekey stale session %s: %v", id, err)
		}
		d = entry.Snapshot.Draft
		d.ID = fresh
		// The stale server linkage does not survive demotion.
		d.Certificate = draft.Certificate{}
	} else {
		_ = e.store.Clear(ctx, id)
		d = draft.New(fresh)
	}

	if _, err := e.store.Init(ctx, fresh); err != nil {
		return nil, err
	}
	e.adopt(d)
	e.flushLocal(ctx)
	return d.Clone(), nil
}

func (e *Engine) loadLocal(ctx context.Context, id string) (*draft.Draft, error) {
	if _, err := e.store.Init(ctx, id); err != nil {
		return nil, err
	}
	entry, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	var d *draft.Draft
	if entry != nil && entry.Snapshot.Draft != nil {
		d = entry.Snapshot.Draft
		d.ID = id
	} else {
		d = draft.New(id)
	}
	d.Normalize()
	e.adopt(d)
	return d.Clone(), nil
}

// adopt installs d as the live draft and records the baseline checkpoint so
// the first edit has something to undo back to.
func (e *Engine) adopt(d *draft.Draft) {
	e.mu.Lock()
	e.d = d
	e.mu.Unlock()
	e.hist.Purge()
	e.hist.Record(d)
}

// Apply runs mutate against the live draft under the engine lock, then
// schedules the local save, remote save and history checkpoint debounces.
// Persistence never happens synchronously inside the mutation.
func (e *Engine) Apply(mutate func(*draft.Draft)) *draft.Draft {
	e.mu.Lock()
	if e.d == nil {
		e.d = draft.New(e.CurrentID())
	}
	mutate(e.d)
	e.d.Normalize()
	snapshot := e.d.Clone()
	e.mu.Unlock()

	e.rec.Touch(snapshot)
	e.scheduleLocal()
	e.scheduleRemote()
	return snapshot
}

// Draft returns a copy of the live draft.
func (e *Engine) Draft() *draft.Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.d.Clone()
}

func (e *Engine) CurrentID() string {
	id, _ := e.ids.Current()
	return id
}

// Undo steps the editing session back one checkpoint. Applying the result is
// guarded against being recorded as a new checkpoint itself.
func (e *Engine) Undo() (*draft.Draft, bool) {
	e.rec.Flush()
	prev, ok := e.hist.Undo()
	if !ok {
		return nil, false
	}
	e.applyHistory(prev)
	return prev.Clone(), true
}

func (e *Engine) Redo() (*draft.Draft, bool) {
	e.rec.Flush()
	next, ok := e.hist.Redo()
	if !ok {
		return nil, false
	}
	e.applyHistory(next)
	return next.Clone(), true
}

func (e *Engine) applyHistory(d *draft.Draft) {
	e.mu.Lock()
	e.d = d.Clone()
	e.mu.Unlock()

	e.hist.SuppressNext()
	e.rec.Touch(d)
	e.scheduleLocal()
	e.scheduleRemote()
}

func (e *Engine) scheduleLocal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.localTimer != nil {
		e.localTimer.Stop()
	}
	e.localTimer = time.AfterFunc(e.opts.LocalDebounce, func() {
		e.flushLocal(context.Background())
	})
}

func (e *Engine) scheduleRemote() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteTimer != nil {
		e.remoteTimer.Stop()
	}
	e.remoteTimer = time.AfterFunc(e.opts.RemoteDebounce, func() {
		e.flushRemote(context.Background())
	})
}

// flushLocal writes the current snapshot to the session store. Runs with no
// network and no server identity; a failed save is logged by the store and
// never blocks editing.
func (e *Engine) flushLocal(ctx context.Context) {
	e.mu.Lock()
	if e.d == nil {
		e.mu.Unlock()
		return
	}
	snap := draft.Snapshot{
		Draft:             e.d.Clone(),
		CertificateLinked: e.d.Certificate.Linked,
	}
	e.mu.Unlock()

	id := e.CurrentID()
	snap.RecipientCount = e.buf.Count(id)
	if err := e.store.Save(ctx, id, snap); err != nil {
		log.Printf("local save failed: %v", err)
	}
}

// flushRemote PATCHes the full draft upstream. Local state is saved first so
// a remote failure can never cost local data. Failures are logged and
// swallowed; the next cycle retries with fresh content. If another remote
// operation is in flight the cycle is skipped, not queued.
func (e *Engine) flushRemote(ctx context.Context) {
	if !e.ids.ServerBacked() {
		return
	}
	if e.opts.Token == nil || e.opts.Token() == "" {
		return
	}

	e.flushLocal(ctx)

	if !e.remoteOp.TryLock() {
		return
	}
	defer e.remoteOp.Unlock()

	id := e.CurrentID()
	d := e.Draft()
	if d == nil {
		return
	}
	if err := e.be.UpdateDraft(ctx, id, d); err != nil {
		log.Printf("remote autosave for %s failed (will retry): %v", id, err)
	}
}

// SetID rebinds the live draft to a new id after an identity transition. The
// caller is responsible for the matching store rekey.
func (e *Engine) SetID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.d != nil {
		e.d.ID = id
	}
}

// SyncNow forces an immediate local save, and a remote one when possible.
// Pending debounce timers are cancelled since their work is done here. The
// publish workflow uses it for its final write.
func (e *Engine) SyncNow(ctx context.Context) {
	e.stopTimers()
	e.rec.Flush()
	e.flushLocal(ctx)
	e.flushRemote(ctx)
}

func (e *Engine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.localTimer != nil {
		e.localTimer.Stop()
		e.localTimer = nil
	}
	if e.remoteTimer != nil {
		e.remoteTimer.Stop()
		e.remoteTimer = nil
	}
}

// Stop cancels the debounce timers and any pending history checkpoint. Must
// be called when the engine's editing session is replaced or discarded, or a
// stale timer could fire against storage the next session now owns. Content
// the caller wants kept has to be flushed before stopping.
func (e *Engine) Stop() {
	e.stopTimers()
	e.rec.Cancel()
}

// RunExclusive runs fn while holding the remote-operation flag, keeping
// autosave PATCHes out of the way of a publish transaction.
func (e *Engine) RunExclusive(fn func() error) error {
	e.remoteOp.Lock()
	defer e.remoteOp.Unlock()
	return fn()
}

// Flush is the best-effort teardown path: pending checkpoints and the local
// snapshot are flushed synchronously when the draft has content. No remote
// write is attempted.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	hasContent := e.d.HasContent()
	e.mu.Unlock()

	if !hasContent {
		e.Stop()
		return
	}
	e.rec.Flush()
	e.flushLocal(ctx)
	e.stopTimers()
}

// PreserveForNavigation stashes the current id so one cross-page navigation
// can resume the session.
func (e *Engine) PreserveForNavigation(ctx context.Context) error {
	return e.store.PreserveID(ctx, e.CurrentID())
}
