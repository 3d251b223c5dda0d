package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"evalforms/engine/internal/draft"
	"evalforms/engine/internal/identity"
)

// Key scheme. All draft-scoped local state goes through these; no other
// component touches storage directly.
const (
	entryPrefix      = "draft:entry:"
	certPrefix       = "draft:cert:"
	recipientsPrefix = "draft:recipients:"
	currentKey       = "draft:current"
	preservedKey     = "draft:preserved"
	// Flat key written by earlier store generations, read-only fallback.
	legacyKey = "formDraft"
)

// Entry is the persisted unit for one draft session.
type Entry struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Snapshot     draft.Snapshot `json:"snapshot"`
}

// RecipientMarker is the derived per-draft assignment marker. It carries
// counts and provenance only; recipient rows themselves stay out of durable
// storage.
type RecipientMarker struct {
	Count  int    `json:"count"`
	Source string `json:"source"`
}

type preservedRecord struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"savedAt"`
}

// Store owns session entries and their derived markers. At most one entry is
// current at a time; saves and loads go through the current pointer rather
// than scanning. There is no cross-client locking: two clients on the same id
// race last-write-wins, matching the storage model this mirrors.
type Store struct {
	storage         Storage
	preservedMaxAge time.Duration
	now             func() time.Time
}

func NewStore(storage Storage, preservedMaxAge time.Duration) *Store {
	if preservedMaxAge <= 0 {
		preservedMaxAge = 10 * time.Minute
	}
	return &Store{storage: storage, preservedMaxAge: preservedMaxAge, now: time.Now}
}

func entryKey(id string) string      { return entryPrefix + id }
func certKey(id string) string       { return certPrefix + id }
func recipientsKey(id string) string { return recipientsPrefix + id }

// Init makes id the current session, creating its entry if absent. With an
// empty id a fresh local id is minted. Calling Init twice with the same id is
// idempotent: one entry, original createdAt kept.
func (s *Store) Init(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = identity.NewLocalID()
	}

	_, exists, err := s.storage.Get(ctx, entryKey(id))
	if err != nil {
		return "", fmt.Errorf("init session %s: %w", id, err)
	}
	if !exists {
		now := s.now()
		entry := Entry{ID: id, CreatedAt: now, LastActivity: now}
		if err := s.writeEntry(ctx, entry); err != nil {
			return "", fmt.Errorf("init session %s: %w", id, err)
		}
	}

	if err := s.storage.Set(ctx, currentKey, id); err != nil {
		return "", fmt.Errorf("set current session %s: %w", id, err)
	}
	return id, nil
}

// CurrentID returns the current session id, if any.
func (s *Store) CurrentID(ctx context.Context) (string, bool) {
	id, ok, err := s.storage.Get(ctx, currentKey)
	if err != nil || id == "" {
		return "", false
	}
	return id, ok
}

// Save merges snap into the entry for id and persists it. The target is the
// caller's id, never the current pointer: a save scheduled by one editing
// session must not land in whichever session is current by the time it fires.
// A nil snap.Draft keeps the previously stored draft and updates derived
// fields only.
//
// Quota recovery, in order: evict the oldest quarter of other entries and
// retry; retry once more with the reduced essential snapshot; give up for
// this cycle with a log line. Editing is never blocked by a failed save.
func (s *Store) Save(ctx context.Context, id string, snap draft.Snapshot) error {
	if id == "" {
		return fmt.Errorf("save session: no draft id")
	}

	entry, err := s.loadEntry(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &Entry{ID: id, CreatedAt: s.now()}
	}

	if snap.Draft != nil {
		entry.Snapshot.Draft = snap.Draft
	}
	if entry.Snapshot.Draft != nil {
		entry.Snapshot.Draft.ID = id
	}
	entry.Snapshot.RecipientCount = snap.RecipientCount
	entry.Snapshot.CertificateLinked = snap.CertificateLinked
	entry.LastActivity = s.now()

	err = s.writeEntry(ctx, *entry)
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	log.Printf("session storage full, evicting stale sessions (current %s)", id)
	if err := s.Evict(ctx, 0.25); err != nil {
		log.Printf("session eviction failed: %v", err)
	}
	err = s.writeEntry(ctx, *entry)
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	entry.Snapshot = entry.Snapshot.Essential()
	err = s.writeEntry(ctx, *entry)
	if errors.Is(err, ErrQuotaExceeded) {
		// Out of options; skip this cycle, the next save retries.
		log.Printf("session save skipped for %s: storage still full after eviction and reduction", id)
		return nil
	}
	return err
}

// Load returns the entry for id, or the current entry with an empty id.
// Entries written by older store generations under the legacy flat key are
// still readable. Returns nil without error when nothing is stored.
func (s *Store) Load(ctx context.Context, id string) (*Entry, error) {
	if id == "" {
		current, ok := s.CurrentID(ctx)
		if !ok {
			return s.loadLegacy(ctx, "")
		}
		id = current
	}

	entry, err := s.loadEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}
	return s.loadLegacy(ctx, id)
}

// loadLegacy reads the flat single-draft key older generations wrote. The
// payload is a bare snapshot with no bookkeeping, so timestamps start fresh.
func (s *Store) loadLegacy(ctx context.Context, id string) (*Entry, error) {
	raw, ok, err := s.storage.Get(ctx, legacyKey)
	if err != nil || !ok {
		return nil, err
	}
	snap, err := draft.UnmarshalSnapshot(raw)
	if err != nil {
		return nil, nil
	}
	if id == "" && snap.Draft != nil {
		id = snap.Draft.ID
	}
	now := s.now()
	return &Entry{ID: id, CreatedAt: now, LastActivity: now, Snapshot: snap}, nil
}

// Evict removes the oldest fraction of entries by lastActivity, never the
// current one. The fraction is measured in entries, not bytes; snapshot
// entries are similar enough in size that this stands in for a free-space
// target. Equal timestamps fall back to enumeration order; eviction is
// best-effort disaster recovery, not a correctness path.
func (s *Store) Evict(ctx context.Context, fraction float64) error {
	current, _ := s.CurrentID(ctx)

	keys, err := s.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("enumerate sessions: %w", err)
	}

	var victims []*Entry
	for _, k := range keys {
		if !strings.HasPrefix(k, entryPrefix) {
			continue
		}
		id := strings.TrimPrefix(k, entryPrefix)
		if id == current {
			continue
		}
		entry, err := s.loadEntry(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		victims = append(victims, entry)
	}
	if len(victims) == 0 {
		return nil
	}

	sort.SliceStable(victims, func(i, j int) bool {
		return victims[i].LastActivity.Before(victims[j].LastActivity)
	})

	n := int(math.Ceil(float64(len(victims)) * fraction))
	if n > len(victims) {
		n = len(victims)
	}
	for _, v := range victims[:n] {
		if err := s.Clear(ctx, v.ID); err != nil {
			log.Printf("evict session %s: %v", v.ID, err)
		}
	}
	return nil
}

// Clear removes the entry for id and every derived key scoped to it.
func (s *Store) Clear(ctx context.Context, id string) error {
	if id == "" {
		var ok bool
		if id, ok = s.CurrentID(ctx); !ok {
			return nil
		}
	}

	for _, key := range []string{entryKey(id), certKey(id), recipientsKey(id)} {
		if err := s.storage.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear session %s: %w", id, err)
		}
	}
	if current, _ := s.CurrentID(ctx); current == id {
		if err := s.storage.Delete(ctx, currentKey); err != nil {
			return fmt.Errorf("clear current pointer: %w", err)
		}
	}
	return nil
}

// Rekey moves an entry and its derived keys to a new id, used when a local
// identity is promoted to a server one. The entry's createdAt survives.
func (s *Store) Rekey(ctx context.Context, oldID, newID string) error {
	entry, err := s.loadEntry(ctx, oldID)
	if err != nil {
		return err
	}
	if entry != nil {
		entry.ID = newID
		if entry.Snapshot.Draft != nil {
			entry.Snapshot.Draft.ID = newID
		}
		if err := s.writeEntry(ctx, *entry); err != nil {
			return fmt.Errorf("rekey session %s -> %s: %w", oldID, newID, err)
		}
	}

	for _, move := range []struct{ old, new string }{
		{certKey(oldID), certKey(newID)},
		{recipientsKey(oldID), recipientsKey(newID)},
	} {
		val, ok, err := s.storage.Get(ctx, move.old)
		if err != nil {
			return err
		}
		if ok {
			if err := s.storage.Set(ctx, move.new, val); err != nil {
				return err
			}
		}
	}

	// Old keys go away only after the new ones are in place.
	for _, key := range []string{entryKey(oldID), certKey(oldID), recipientsKey(oldID)} {
		if err := s.storage.Delete(ctx, key); err != nil {
			return err
		}
	}

	if current, _ := s.CurrentID(ctx); current == oldID {
		if err := s.storage.Set(ctx, currentKey, newID); err != nil {
			return fmt.Errorf("repoint current session: %w", err)
		}
	}
	return nil
}

// SetCertificateLinked records the certificate-linked marker for id.
func (s *Store) SetCertificateLinked(ctx context.Context, id string, linked bool) error {
	if !linked {
		return s.storage.Delete(ctx, certKey(id))
	}
	return s.storage.Set(ctx, certKey(id), "1")
}

func (s *Store) CertificateLinked(ctx context.Context, id string) bool {
	_, ok, err := s.storage.Get(ctx, certKey(id))
	return err == nil && ok
}

// SetRecipientMarker records the derived recipient-assignment marker for id.
func (s *Store) SetRecipientMarker(ctx context.Context, id string, m RecipientMarker) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal recipient marker: %w", err)
	}
	return s.storage.Set(ctx, recipientsKey(id), string(b))
}

func (s *Store) RecipientMarker(ctx context.Context, id string) (RecipientMarker, bool) {
	raw, ok, err := s.storage.Get(ctx, recipientsKey(id))
	if err != nil || !ok {
		return RecipientMarker{}, false
	}
	var m RecipientMarker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return RecipientMarker{}, false
	}
	return m, true
}

// PurgeMarkers drops the derived keys for id, keeping the entry itself.
func (s *Store) PurgeMarkers(ctx context.Context, id string) {
	_ = s.storage.Delete(ctx, certKey(id))
	_ = s.storage.Delete(ctx, recipientsKey(id))
}

// PreserveID stashes id with a timestamp so it survives one cross-page
// navigation.
func (s *Store) PreserveID(ctx context.Context, id string) error {
	b, err := json.Marshal(preservedRecord{ID: id, SavedAt: s.now()})
	if err != nil {
		return fmt.Errorf("marshal preserved id: %w", err)
	}
	return s.storage.Set(ctx, preservedKey, string(b))
}

// TakePreservedID returns the stashed id and clears it. Records older than
// the max age are discarded unread.
func (s *Store) TakePreservedID(ctx context.Context) (string, bool) {
	raw, ok, err := s.storage.Get(ctx, preservedKey)
	if err != nil || !ok {
		return "", false
	}
	_ = s.storage.Delete(ctx, preservedKey)

	var rec preservedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", false
	}
	if s.now().Sub(rec.SavedAt) > s.preservedMaxAge {
		return "", false
	}
	return rec.ID, rec.ID != ""
}

func (s *Store) loadEntry(ctx context.Context, id string) (*Entry, error) {
	raw, ok, err := s.storage.Get(ctx, entryKey(id))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &entry, nil
}

func (s *Store) writeEntry(ctx context.Context, entry Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", entry.ID, err)
	}
	return s.storage.Set(ctx, entryKey(entry.ID), string(b))
}
