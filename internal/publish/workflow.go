// Package publish runs the publish transaction: validate the draft, make
// sure a server draft exists, push the final payload, and clean up every
// trace of local session state on success. Any upstream failure returns the
// workflow to Idle with local state intact so the user can retry.
package publish

import (
	"context"
	"fmt"
	"log"
	"strings"

	"evalforms/engine/internal/backend"
	"evalforms/engine/internal/draft"
	"evalforms/engine/internal/history"
	"evalforms/engine/internal/identity"
	"evalforms/engine/internal/recipients"
	"evalforms/engine/internal/session"
	"evalforms/engine/internal/syncer"
)

type State int

const (
	Idle State = iota
	Validating
	EnsuringServerDraft
	Publishing
	Published
)

func (s State) String() string {
	switch s {
	case Validating:
		return "validating"
	case EnsuringServerDraft:
		return "ensuring-server-draft"
	case Publishing:
		return "publishing"
	case Published:
		return "published"
	default:
		return "idle"
	}
}

// Backend is the slice of the upstream client the workflow needs.
type Backend interface {
	CreateBlank(ctx context.Context, d *draft.Draft) (string, error)
	UpdateDraft(ctx context.Context, id string, d *draft.Draft) error
	Publish(ctx context.Context, id string, payload backend.PublishPayload) error
}

// ValidationError reports every violated publish precondition at once.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("draft is not publishable: %s", strings.Join(e.Violations, "; "))
}

// RetryableError wraps an upstream failure at a side-effecting stage. Local
// session state is guaranteed intact; the caller may fix and retry.
type RetryableError struct {
	Stage State
	Err   error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("publish failed at %s (local draft kept, retry possible): %v", e.Stage, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Workflow is a single publish transaction over one draft. Create one per
// attempt; a finished workflow stays in its terminal state.
type Workflow struct {
	state  State
	engine *syncer.Engine
	ids    *identity.Manager
	store  *session.Store
	hist   *history.History
	buf    *recipients.Buffer
	be     Backend
}

func New(engine *syncer.Engine, ids *identity.Manager, store *session.Store, hist *history.History, buf *recipients.Buffer, be Backend) *Workflow {
	return &Workflow{state: Idle, engine: engine, ids: ids, store: store, hist: hist, buf: buf, be: be}
}

func (w *Workflow) State() State {
	return w.state
}

// Run executes the four stages. It holds the engine's remote-operation flag
// across the side-effecting stages so no autosave PATCH races the publish.
func (w *Workflow) Run(ctx context.Context) error {
	if w.state != Idle {
		return fmt.Errorf("publish workflow already ran (state %s)", w.state)
	}

	w.state = Validating
	d := w.engine.Draft()
	id := w.engine.CurrentID()
	set, _ := w.buf.Get(id)

	if violations := validate(d, set); len(violations) > 0 {
		w.state = Idle
		return &ValidationError{Violations: violations}
	}

	// Checkpoint and persist the exact content being published before any
	// side effect.
	w.engine.SyncNow(ctx)

	err := w.engine.RunExclusive(func() error {
		w.state = EnsuringServerDraft
		if !w.ids.ServerBacked() {
			serverID, err := w.be.CreateBlank(ctx, d)
			if err != nil {
				return &RetryableError{Stage: w.state, Err: err}
			}
			if err := w.ids.Promote(serverID); err != nil {
				return &RetryableError{Stage: w.state, Err: err}
			}
			if err := w.store.Rekey(ctx, id, serverID); err != nil {
				log.Printf("rekey %s -> %s after promotion: %v", id, serverID, err)
			}
			w.buf.Transfer(id, serverID)
			w.engine.SetID(serverID)
			d.ID = serverID
			id = serverID
		} else {
			if err := w.be.UpdateDraft(ctx, id, d); err != nil {
				return &RetryableError{Stage: w.state, Err: err}
			}
		}

		w.state = Publishing
		payload := backend.PublishPayload{Draft: d, Recipients: set.Recipients}
		if err := w.be.Publish(ctx, id, payload); err != nil {
			return &RetryableError{Stage: w.state, Err: err}
		}
		return nil
	})
	if err != nil {
		w.state = Idle
		return err
	}

	// Terminal success: no residual local state may survive, or a stale
	// draft would resurface on the next session start.
	w.state = Published
	if err := w.store.Clear(ctx, id); err != nil {
		log.Printf("post-publish cleanup for %s: %v", id, err)
	}
	w.hist.Purge()
	w.buf.Purge(id)
	return nil
}

func validate(d *draft.Draft, set recipients.Set) []string {
	var violations []string
	if d == nil || d.QuestionCount() == 0 {
		violations = append(violations, "form has no questions")
	}
	if d == nil || d.Dates.Start == "" || d.Dates.End == "" {
		violations = append(violations, "event date range is not set")
	}
	if d == nil || !d.Certificate.Linked {
		violations = append(violations, "no certificate is linked")
	}
	if set.Count() == 0 {
		violations = append(violations, "no recipients are assigned")
	}
	return violations
}
