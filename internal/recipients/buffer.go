package recipients

import "sync"

// Buffer is the transient, in-memory holder for recipient sets, keyed by
// draft id. Contents never reach the durable session store; a process restart
// or publish cleanup loses them on purpose.
type Buffer struct {
	mu   sync.Mutex
	sets map[string]Set
}

func NewBuffer() *Buffer {
	return &Buffer{sets: make(map[string]Set)}
}

func (b *Buffer) Put(draftID string, s Set) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets[draftID] = s
}

func (b *Buffer) Get(draftID string) (Set, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sets[draftID]
	return s, ok
}

// Transfer re-keys a set when a draft identity is promoted or demoted, so the
// buffered recipients follow the draft to its new id.
func (b *Buffer) Transfer(oldID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sets[oldID]; ok {
		delete(b.sets, oldID)
		b.sets[newID] = s
	}
}

func (b *Buffer) Purge(draftID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sets, draftID)
}

func (b *Buffer) Count(draftID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sets[draftID].Count()
}
