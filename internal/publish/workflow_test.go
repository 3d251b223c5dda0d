package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"evalforms/engine/internal/backend"
	"evalforms/engine/internal/draft"
	"evalforms/engine/internal/history"
	"evalforms/engine/internal/identity"
	"evalforms/engine/internal/recipients"
	"evalforms/engine/internal/session"
	"evalforms/engine/internal/syncer"
	"evalforms/engine/internal/util"
)

type fakeUpstream struct {
	forms       map[string]*draft.Draft
	createCalls int
	updateCalls int
	publishErr  error
	createErr   error
	published   []string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{forms: map[string]*draft.Draft{}}
}

func (f *fakeUpstream) GetForm(_ context.Context, id string) (*draft.Draft, error) {
	d, ok := f.forms[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return d.Clone(), nil
}

func (f *fakeUpstream) CreateBlank(_ context.Context, d *draft.Draft) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	id := util.NewHexID()
	clone := d.Clone()
	clone.ID = id
	f.forms[id] = clone
	return id, nil
}

func (f *fakeUpstream) UpdateDraft(_ context.Context, id string, d *draft.Draft) error {
	f.updateCalls++
	f.forms[id] = d.Clone()
	return nil
}

func (f *fakeUpstream) Publish(_ context.Context, id string, _ backend.PublishPayload) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, id)
	return nil
}

type fixture struct {
	engine *syncer.Engine
	ids    *identity.Manager
	store  *session.Store
	hist   *history.History
	buf    *recipients.Buffer
	up     *fakeUpstream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := session.NewMemoryStorage(0)
	store := session.NewStore(storage, 10*time.Minute)
	ids := identity.NewManager()
	hist := history.New(0)
	rec := history.NewRecorder(hist, time.Hour)
	buf := recipients.NewBuffer()
	up := newFakeUpstream()

	eng := syncer.New(store, ids, hist, rec, buf, up, syncer.Options{
		LocalDebounce:  time.Hour,
		RemoteDebounce: 2 * time.Hour,
		Token:          func() string { return "tok" },
	})
	if _, err := eng.Load(context.Background(), ""); err != nil {
		t.Fatalf("engine load: %v", err)
	}
	return &fixture{engine: eng, ids: ids, store: store, hist: hist, buf: buf, up: up}
}

func (f *fixture) workflow() *Workflow {
	return New(f.engine, f.ids, f.store, f.hist, f.buf, f.up)
}

// makePublishable fills the draft and buffer so validation passes.
func (f *fixture) makePublishable(ctx context.Context) {
	f.engine.Apply(func(d *draft.Draft) {
		d.Title = "Course evaluation"
		d.Questions = []draft.Question{{ID: "q1", Label: "Overall rating", Type: "scale"}}
		d.Dates = draft.DateRange{Start: "2026-03-10", End: "2026-03-14"}
		d.Certificate = draft.Certificate{Linked: true, ID: "cert-1", Type: "attendance"}
	})
	f.buf.Put(f.engine.CurrentID(), recipients.Set{
		Recipients: []recipients.Recipient{{Name: "A", Email: "a@x.com"}},
		Source:     "csv",
	})
	f.engine.SyncNow(ctx)
}

func TestValidationReportsAllViolationsTogether(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Questions and dates present; certificate and recipients missing.
	f.engine.Apply(func(d *draft.Draft) {
		d.Questions = []draft.Question{{ID: "q1", Label: "Q"}}
		d.Dates = draft.DateRange{Start: "2026-03-10", End: "2026-03-14"}
	})

	wf := f.workflow()
	err := wf.Run(ctx)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want *ValidationError", err)
	}
	if len(ve.Violations) != 2 {
		t.Fatalf("got violations %v, want exactly the 2 unmet conditions", ve.Violations)
	}
	joined := strings.Join(ve.Violations, "\n")
	if !strings.Contains(joined, "certificate") || !strings.Contains(joined, "recipients") {
		t.Fatalf("violations %v do not name certificate and recipients", ve.Violations)
	}
	if wf.State() != Idle {
		t.Fatalf("state %s after validation failure, want idle", wf.State())
	}
	if f.up.createCalls+f.up.updateCalls != 0 || len(f.up.published) != 0 {
		t.Fatal("validation failure performed side effects")
	}
}

func TestPublishPromotesLocalDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.makePublishable(ctx)
	localID := f.engine.CurrentID()

	wf := f.workflow()
	if err := wf.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if wf.State() != Published {
		t.Fatalf("state %s, want published", wf.State())
	}

	id, kind := f.ids.Current()
	if kind != identity.Server {
		t.Fatalf("identity kind %v after publish, want Server", kind)
	}
	if id == localID {
		t.Fatal("identity id unchanged after promotion")
	}
	if f.up.createCalls != 1 {
		t.Fatalf("createCalls = %d, want 1", f.up.createCalls)
	}
	if len(f.up.published) != 1 || f.up.published[0] != id {
		t.Fatalf("published %v, want [%s]", f.up.published, id)
	}
}

func TestPublishFailureLeavesLocalStateIntact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.makePublishable(ctx)
	f.up.publishErr = fmt.Errorf("upstream is down")

	before, _ := f.store.Load(ctx, "")
	if before == nil {
		t.Fatal("no session entry before publish")
	}
	histBefore := f.hist.Len()

	wf := f.workflow()
	err := wf.Run(ctx)

	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want *RetryableError", err)
	}
	if re.Stage != Publishing {
		t.Fatalf("failed stage %s, want publishing", re.Stage)
	}
	if wf.State() != Idle {
		t.Fatalf("state %s after failure, want idle", wf.State())
	}

	after, _ := f.store.Load(ctx, "")
	if after == nil {
		t.Fatal("session entry gone after failed publish")
	}
	if after.Snapshot.Draft.Title != before.Snapshot.Draft.Title {
		t.Fatalf("session content changed: %q -> %q", before.Snapshot.Draft.Title, after.Snapshot.Draft.Title)
	}
	if f.hist.Len() != histBefore {
		t.Fatalf("history changed: %d -> %d", histBefore, f.hist.Len())
	}
	if f.buf.Count(f.engine.CurrentID()) != 1 {
		t.Fatal("recipient buffer lost on failed publish")
	}

	// The user fixes nothing, retries, and it goes through.
	f.up.publishErr = nil
	if err := f.workflow().Run(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestCreateFailureStaysLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.makePublishable(ctx)
	f.up.createErr = fmt.Errorf("503")

	err := f.workflow().Run(ctx)
	var re *RetryableError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want *RetryableError", err)
	}
	if re.Stage != EnsuringServerDraft {
		t.Fatalf("failed stage %s, want ensuring-server-draft", re.Stage)
	}
	if f.ids.ServerBacked() {
		t.Fatal("identity promoted despite create failure")
	}
}

func TestPublishCleanupLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.makePublishable(ctx)

	if err := f.workflow().Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	id := f.engine.CurrentID()

	if entry, _ := f.store.Load(ctx, id); entry != nil {
		t.Fatal("session entry survived publish")
	}
	if f.store.CertificateLinked(ctx, id) {
		t.Fatal("certificate marker survived publish")
	}
	if _, ok := f.store.RecipientMarker(ctx, id); ok {
		t.Fatal("recipient marker survived publish")
	}
	if f.hist.Len() != 0 {
		t.Fatalf("history holds %d checkpoints after publish", f.hist.Len())
	}
	if f.buf.Count(id) != 0 {
		t.Fatal("import buffer survived publish")
	}
}

func TestAlreadyPublishedDraftGoesThroughUpdatePath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Start from a server-backed draft.
	serverID := util.NewHexID()
	f.up.forms[serverID] = draft.New(serverID)
	if _, err := f.engine.Load(ctx, serverID); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	f.makePublishable(ctx)
	updatesBefore := f.up.updateCalls

	if err := f.workflow().Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.up.createCalls != 0 {
		t.Fatal("server-backed draft went through CreateBlank")
	}
	if f.up.updateCalls <= updatesBefore {
		t.Fatal("no final draft update before publish")
	}
	if len(f.up.published) != 1 || f.up.published[0] != serverID {
		t.Fatalf("published %v, want [%s]", f.up.published, serverID)
	}
}
