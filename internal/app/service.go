// Package app composes the session engine's components behind one service
// and exposes them to the editor UI over HTTP.
package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"

	"evalforms/engine/internal/backend"
	"evalforms/engine/internal/config"
	"evalforms/engine/internal/draft"
	"evalforms/engine/internal/history"
	"evalforms/engine/internal/identity"
	"evalforms/engine/internal/publish"
	"evalforms/engine/internal/recipients"
	"evalforms/engine/internal/session"
	"evalforms/engine/internal/syncer"
)

// Upstream is everything the service needs from the forms API client.
type Upstream interface {
	GetForm(ctx context.Context, id string) (*draft.Draft, error)
	UpdateDraft(ctx context.Context, id string, d *draft.Draft) error
	CreateBlank(ctx context.Context, d *draft.Draft) (string, error)
	Publish(ctx context.Context, id string, payload backend.PublishPayload) error
	ValidateCertificate(ctx context.Context, certID string) (bool, error)
	FormCertificate(ctx context.Context, formID string) (backend.CertificateInfo, error)
}

// editSession bundles the per-editing-session components. A new bundle is
// built on every session load, mirroring a page load in the browser.
type editSession struct {
	ids    *identity.Manager
	hist   *history.History
	rec    *history.Recorder
	engine *syncer.Engine
}

type Service struct {
	cfg      config.Config
	store    *session.Store
	buf      *recipients.Buffer
	upstream Upstream

	mu      sync.Mutex
	current *editSession
	token   string
}

func New(cfg config.Config, store *session.Store, upstream Upstream) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		buf:      recipients.NewBuffer(),
		upstream: upstream,
	}
}

// SetToken records the caller's auth context. Remote sync only runs while a
// token is present; local sync does not care.
func (s *Service) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *Service) tokenFunc() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Token returns the most recently recorded caller token. The upstream client
// reads it through this so per-request auth reaches debounced remote saves.
func (s *Service) Token() string {
	return s.tokenFunc()
}

func (s *Service) newSession() *editSession {
	ids := identity.NewManager()
	hist := history.New(s.cfg.HistoryLimit)
	rec := history.NewRecorder(hist, s.cfg.HistoryDebounce)
	engine := syncer.New(s.store, ids, hist, rec, s.buf, s.upstream, syncer.Options{
		LocalDebounce:  s.cfg.LocalSaveDebounce,
		RemoteDebounce: s.cfg.RemoteSaveDebounce,
		Token:          s.tokenFunc,
	})
	return &editSession{ids: ids, hist: hist, rec: rec, engine: engine}
}

func (s *Service) session() (*editSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, domainError(http.StatusConflict, "NO_SESSION", "no editing session loaded", nil)
	}
	return s.current, nil
}

// SessionView is the editor-facing state of the loaded session.
type SessionView struct {
	Draft          *draft.Draft `json:"draft"`
	DraftID        string       `json:"draftId"`
	ServerBacked   bool         `json:"serverBacked"`
	RecipientCount int          `json:"recipientCount"`
	CanUndo        bool         `json:"canUndo"`
	CanRedo        bool         `json:"canRedo"`
}

func (s *Service) view(es *editSession, d *draft.Draft) SessionView {
	id := es.engine.CurrentID()
	return SessionView{
		Draft:          d,
		DraftID:        id,
		ServerBacked:   es.ids.ServerBacked(),
		RecipientCount: s.buf.Count(id),
		CanUndo:        es.hist.CanUndo(),
		CanRedo:        es.hist.CanRedo(),
	}
}

// retire detaches and shuts down the current bundle, if any. The old engine
// is flushed before its timers stop so pending edits land in its own entry,
// and never in whatever session comes next.
func (s *Service) retire(ctx context.Context) {
	s.mu.Lock()
	old := s.current
	s.current = nil
	s.mu.Unlock()
	if old == nil {
		return
	}
	old.engine.Flush(ctx)
	old.engine.Stop()
}

// LoadSession starts or resumes editing. Each call builds a fresh component
// bundle, exactly like a page load discards the previous tab state.
func (s *Service) LoadSession(ctx context.Context, navID string) (SessionView, error) {
	s.retire(ctx)

	es := s.newSession()
	d, err := es.engine.Load(ctx, navID)
	if err != nil {
		return SessionView{}, err
	}

	// A server draft may have a certificate linked upstream that the local
	// snapshot does not know about yet. The read is best-effort.
	if es.ids.ServerBacked() && !d.Certificate.Linked {
		if info, certErr := s.upstream.FormCertificate(ctx, es.engine.CurrentID()); certErr != nil {
			log.Printf("certificate lookup for %s skipped: %v", es.engine.CurrentID(), certErr)
		} else if info.Linked {
			d = es.engine.Apply(func(d *draft.Draft) {
				d.Certificate = draft.Certificate{Linked: true, ID: info.ID, Type: info.Type, Template: info.Template}
			})
		}
	}

	s.mu.Lock()
	s.current = es
	s.mu.Unlock()
	return s.view(es, d), nil
}

// DraftContent is the replaceable content of a draft. The id is not part of
// it; identity transitions are never driven by the editor payload.
type DraftContent struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Questions   []draft.Question   `json:"questions"`
	Sections    []draft.Section    `json:"sections"`
	Dates       draft.DateRange    `json:"dates"`
	Attachments []draft.Attachment `json:"attachments"`
}

// UpdateDraft applies an editor mutation to the live draft.
func (s *Service) UpdateDraft(_ context.Context, content DraftContent) (SessionView, error) {
	es, err := s.session()
	if err != nil {
		return SessionView{}, err
	}

	d := es.engine.Apply(func(d *draft.Draft) {
		d.Title = content.Title
		d.Description = content.Description
		d.Questions = content.Questions
		d.Sections = content.Sections
		d.Dates = content.Dates
		d.Attachments = content.Attachments
	})
	return s.view(es, d), nil
}

func (s *Service) Undo(context.Context) (SessionView, error) {
	es, err := s.session()
	if err != nil {
		return SessionView{}, err
	}
	d, ok := es.engine.Undo()
	if !ok {
		d = es.engine.Draft()
	}
	return s.view(es, d), nil
}

func (s *Service) Redo(context.Context) (SessionView, error) {
	es, err := s.session()
	if err != nil {
		return SessionView{}, err
	}
	d, ok := es.engine.Redo()
	if !ok {
		d = es.engine.Draft()
	}
	return s.view(es, d), nil
}

// ImportRecipientsCSV parses an uploaded CSV into the transient buffer. The
// batch is all-or-nothing; violations come back aggregated.
func (s *Service) ImportRecipientsCSV(ctx context.Context, r io.Reader) (SessionView, error) {
	es, err := s.session()
	if err != nil {
		return SessionView{}, err
	}

	set, err := recipients.ParseCSV(r)
	if err != nil {
		var ie *recipients.ImportError
		if errors.As(err, &ie) {
			return SessionView{}, domainError(http.StatusUnprocessableEntity, "CSV_REJECTED",
				"recipient file rejected", ie.Violations)
		}
		return SessionView{}, err
	}

	return s.adoptRecipients(ctx, es, set)
}

// AssignRecipients records an explicit per-student assignment.
func (s *Service) AssignRecipients(ctx context.Context, recs []recipients.Recipient) (SessionView, error) {
	es, err := s.session()
	if err != nil {
		return SessionView{}, err
	}
	if len(recs) == 0 {
		return SessionView{}, domainError(http.StatusBadRequest, "NO_RECIPIENTS",
			"assignment must name at least one recipient", nil)
	}
	return s.adoptRecipients(ctx, es, recipients.Set{Recipients: recs, Source: "assigned"})
}

func (s *Service) adoptRecipients(ctx context.Context, es *editSession, set recipients.Set) (SessionView, error) {
	id := es.engine.CurrentID()
	s.buf.Put(id, set)
	// Only the derived marker is durable; the recipient rows stay in memory.
	if err := s.store.SetRecipientMarker(ctx, id, session.RecipientMarker{
		Count:  set.Count(),
		Source: set.Source,
	}); err != nil {
		log.Printf("recipient marker for %s: %v", id, err)
	}
	es.engine.SyncNow(ctx)
	return s.view(es, es.engine.Draft()), nil
}

// LinkCertificate attaches a certificate to the draft. The upstream validity
// check is opportunistic; an unreachable certificate service does not block
// linking.
func (s *Service) LinkCertificate(ctx context.Context, certID, certType, template string) (SessionView, error) {
	es, err := s.session()
	if err != nil {
		return SessionView{}, err
	}
	if certID == "" {
		return SessionView{}, domainError(http.StatusBadRequest, "NO_CERTIFICATE", "certificate id is required", nil)
	}

	if valid, err := s.upstream.ValidateCertificate(ctx, certID); err != nil {
		log.Printf("certificate %s validation skipped: %v", certID, err)
	} else if !valid {
		return SessionView{}, domainError(http.StatusUnprocessableEntity, "CERTIFICATE_INVALID",
			"certificate is not usable for this form", nil)
	}

	d := es.engine.Apply(func(d *draft.Draft) {
		d.Certificate = draft.Certificate{Linked: true, ID: certID, Type: certType, Template: template}
	})
	if err := s.store.SetCertificateLinked(ctx, es.engine.CurrentID(), true); err != nil {
		log.Printf("certificate marker: %v", err)
	}
	return s.view(es, d), nil
}

// Publish runs the publish transaction. On success the editing session is
// over: local state is purged and the loaded session discarded.
func (s *Service) Publish(ctx context.Context) (string, error) {
	es, err := s.session()
	if err != nil {
		return "", err
	}

	wf := publish.New(es.engine, es.ids, s.store, es.hist, s.buf, s.upstream)
	if err := wf.Run(ctx); err != nil {
		var ve *publish.ValidationError
		if errors.As(err, &ve) {
			return "", domainError(http.StatusUnprocessableEntity, "NOT_PUBLISHABLE",
				"draft is not publishable", ve.Violations)
		}
		var re *publish.RetryableError
		if errors.As(err, &re) {
			return "", domainError(http.StatusBadGateway, "PUBLISH_FAILED", re.Error(), nil)
		}
		return "", err
	}

	published := es.engine.CurrentID()
	es.engine.Stop()
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return published, nil
}

// PreserveForNavigation stashes the current draft id across one cross-page
// navigation.
func (s *Service) PreserveForNavigation(ctx context.Context) error {
	es, err := s.session()
	if err != nil {
		return err
	}
	es.engine.SyncNow(ctx)
	return es.engine.PreserveForNavigation(ctx)
}

// ClearSession drops the current session and its stored state.
func (s *Service) ClearSession(ctx context.Context) error {
	es, err := s.session()
	if err != nil {
		return err
	}
	id := es.engine.CurrentID()
	es.engine.Stop()
	if err := s.store.Clear(ctx, id); err != nil {
		return err
	}
	es.hist.Purge()
	s.buf.Purge(id)

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	return nil
}

// Flush is the shutdown hook: best-effort synchronous local save.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	es := s.current
	s.mu.Unlock()
	if es != nil {
		es.engine.Flush(ctx)
	}
}
