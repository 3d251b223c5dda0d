// Package identity manages the single canonical id of the draft being edited
// and its one-way transition from a client-minted Local id to the
// server-assigned id of a persisted draft.
package identity

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type Kind int

const (
	Local Kind = iota
	Server
)

func (k Kind) String() string {
	if k == Server {
		return "server"
	}
	return "local"
}

const localPrefix = "local-"

// NewLocalID mints an opaque client-only id. The prefix guarantees it can
// never pass IsServerBacked, so it is never sent upstream as a lookup key.
func NewLocalID() string {
	return localPrefix + uuid.NewString()
}

// IsServerBacked reports whether id is syntactically a server-assigned
// identifier: exactly 32 lowercase hex characters. Purely syntactic on
// purpose; issuing a lookup for a non-server id would 404 at best.
func IsServerBacked(id string) bool {
	if len(id) != 32 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Manager holds exactly one current id at a time. Promotion Local->Server
// happens at most once per draft lifetime; demotion resets to a fresh Local
// id when the server resource turns out to be gone.
type Manager struct {
	mu       sync.Mutex
	id       string
	kind     Kind
	promoted bool
}

func NewManager() *Manager {
	return &Manager{id: NewLocalID(), kind: Local}
}

// Ensure returns the current id, adopting candidate first if the manager has
// not been initialized through it yet. A server-format candidate becomes the
// current Server identity; anything else mints a fresh Local id, except a
// candidate equal to the current id, which is a no-op.
func (m *Manager) Ensure(candidate string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if candidate != "" && candidate == m.id {
		return m.id
	}
	if candidate == "" {
		return m.id
	}
	if IsServerBacked(candidate) {
		m.id = candidate
		m.kind = Server
		m.promoted = true
		return m.id
	}
	// A foreign local id from navigation state is adopted as-is so the
	// session entry written under it remains reachable.
	m.id = candidate
	m.kind = Local
	return m.id
}

// Promote performs the one-way Local->Server transition.
func (m *Manager) Promote(serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !IsServerBacked(serverID) {
		return fmt.Errorf("promote to %q: not a server id", serverID)
	}
	if m.kind == Server {
		return fmt.Errorf("promote %q: identity already server-backed as %q", serverID, m.id)
	}
	m.id = serverID
	m.kind = Server
	m.promoted = true
	return nil
}

// Demote abandons a stale server identity and returns the fresh Local id that
// replaces it. Callers purge any cached markers for the old id.
func (m *Manager) Demote() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.id = NewLocalID()
	m.kind = Local
	m.promoted = false
	return m.id
}

func (m *Manager) Current() (string, Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.kind
}

func (m *Manager) ServerBacked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind == Server
}
