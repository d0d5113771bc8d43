package replica

import (
	"encoding/json"
	"sync"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

type MemoryBackend struct {
	mu      sync.Mutex
	userID  string
	entries map[string][]byte
	grants  []byte
}

func NewMemoryBackend(userID string) *MemoryBackend {
	return &MemoryBackend{
		userID:  userID,
		entries: map[string][]byte{},
	}
}

func (b *MemoryBackend) Load() ([]notes.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]notes.Entry, 0, len(b.entries))
	for id, payload := range b.entries {
		entry, err := decodeEntry(payload)
		if err != nil {
			return nil, notes.Corrupt(err, "memory record %s", id)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (b *MemoryBackend) Get(id string) (notes.Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.entries[id]
	if !ok {
		return notes.Entry{}, false, nil
	}
	entry, err := decodeEntry(payload)
	if err != nil {
		return notes.Entry{}, false, notes.Corrupt(err, "memory record %s", id)
	}
	return entry, true, nil
}

func (b *MemoryBackend) Put(entry notes.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.ID()] = payload
	return nil
}

func (b *MemoryBackend) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
	return nil
}

func (b *MemoryBackend) LoadGrants() ([]notes.PermissionGrant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grants == nil {
		return nil, nil
	}
	var grants []notes.PermissionGrant
	if err := json.Unmarshal(b.grants, &grants); err != nil {
		return nil, notes.Corrupt(err, "memory grants")
	}
	return grants, nil
}

func (b *MemoryBackend) SaveGrants(grants []notes.PermissionGrant) error {
	payload, err := json.Marshal(grants)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.grants = payload
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// corrupt stores raw bytes for id; tests use it to simulate a damaged record.
func (b *MemoryBackend) corrupt(id string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = payload
}

func decodeEntry(payload []byte) (notes.Entry, error) {
	var entry notes.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return notes.Entry{}, err
	}
	if entry.Note.ID == "" {
		return notes.Entry{}, notes.Wrap(notes.ErrInvalidInput, "record has no note id")
	}
	if !entry.SyncState.Valid() {
		return notes.Entry{}, notes.Wrapf(notes.ErrInvalidInput, "record has unknown sync state %q", entry.SyncState)
	}
	return entry, nil
}
