// Package replica is the durable, per-user local copy of notes and their sync
// metadata. All reads and writes made while offline go through a Store.
package replica

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

// Listener is notified after every successful Put or Remove. entry is nil on removal.
type Listener func(id string, entry *notes.Entry)

type Store struct {
	backend Backend
	userID  string
	log     *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[string]notes.Entry
	grants  []notes.PermissionGrant
	loaded  bool

	subMu     sync.Mutex
	nextSubID int
	listeners map[int]Listener
}

func NewStore(backend Backend, userID string, log *zap.SugaredLogger) *Store {
	return &Store{
		backend:   backend,
		userID:    strings.TrimSpace(userID),
		log:       logger.OrNop(log).With(logger.FieldComponent, "replica", logger.FieldUserID, userID),
		entries:   map[string]notes.Entry{},
		listeners: map[int]Listener{},
	}
}

// Open builds the backend named by dsn and loads it.
func Open(dsn, userID string, log *zap.SugaredLogger) (*Store, error) {
	backend, err := BuildBackendFromDSN(dsn, userID)
	if err != nil {
		return nil, err
	}
	store := NewStore(backend, userID, log)
	if _, err := store.LoadAll(); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) UserID() string {
	return s.userID
}

// LoadAll reads every persisted entry from the backend, replacing the cache.
func (s *Store) LoadAll() ([]notes.Entry, error) {
	entries, err := s.backend.Load()
	if err != nil {
		return nil, err
	}
	grants, err := s.backend.LoadGrants()
	if err != nil {
		return nil, err
	}
	cache := make(map[string]notes.Entry, len(entries))
	for _, entry := range entries {
		cache[entry.ID()] = entry
	}

	s.mu.Lock()
	s.entries = cache
	s.grants = append([]notes.PermissionGrant(nil), grants...)
	s.loaded = true
	s.mu.Unlock()

	s.log.Debugw("replica loaded", logger.FieldCount, len(entries))
	return sortedEntries(cache), nil
}

// Entries returns the cached entries ordered by id.
func (s *Store) Entries() []notes.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedEntries(s.entries)
}

func (s *Store) Get(id string) (notes.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	return entry, ok
}

// Put durably inserts or replaces the entry with the same id.
func (s *Store) Put(entry notes.Entry) error {
	if strings.TrimSpace(entry.ID()) == "" {
		return notes.Wrap(notes.ErrInvalidInput, "entry has no note id")
	}
	if !entry.SyncState.Valid() {
		return notes.Wrapf(notes.ErrInvalidInput, "entry %s has unknown sync state %q", entry.ID(), entry.SyncState)
	}
	entry.Note = entry.Note.Normalized()

	s.mu.Lock()
	if err := s.backend.Put(entry); err != nil {
		s.mu.Unlock()
		return notes.Wrapf(err, "persist note %s", entry.ID())
	}
	s.entries[entry.ID()] = entry
	s.mu.Unlock()

	s.notify(entry.ID(), &entry)
	return nil
}

// Remove deletes the entry. Removing an absent id succeeds without notifying.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	if err := s.backend.Remove(id); err != nil {
		s.mu.Unlock()
		return notes.Wrapf(err, "remove note %s", id)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	s.notify(id, nil)
	return nil
}

// Subscribe registers a listener and returns the function that removes it.
func (s *Store) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = listener
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.listeners, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) Grants() []notes.PermissionGrant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]notes.PermissionGrant(nil), s.grants...)
}

func (s *Store) SaveGrants(grants []notes.PermissionGrant) error {
	copied := append([]notes.PermissionGrant(nil), grants...)
	sort.SliceStable(copied, func(i, j int) bool {
		if copied[i].NoteID != copied[j].NoteID {
			return copied[i].NoteID < copied[j].NoteID
		}
		return copied[i].GranteeID < copied[j].GranteeID
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.SaveGrants(copied); err != nil {
		return notes.Wrap(err, "persist grants")
	}
	s.grants = copied
	return nil
}

// WatchExternal follows records changed by other processes sharing the same
// backend, for backends that support it. It blocks until ctx ends.
func (s *Store) WatchExternal(ctx context.Context) error {
	watcher, ok := s.backend.(watchingBackend)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return watcher.Watch(ctx, s.refresh)
}

// refresh reloads one id from the backend and notifies when it differs from
// the cache. The read and the cache update happen under s.mu so a concurrent
// Put is never overwritten by an older record.
func (s *Store) refresh(id string) {
	s.mu.Lock()
	entry, found, err := s.backend.Get(id)
	if err != nil {
		s.mu.Unlock()
		s.log.Warnw("external change unreadable", logger.FieldNoteID, id, logger.FieldError, err)
		return
	}
	if found && entry.ID() != id {
		s.mu.Unlock()
		s.log.Warnw("external record does not match its id", logger.FieldNoteID, id, "record_id", entry.ID())
		return
	}
	current, had := s.entries[id]
	switch {
	case found && had && current.Equal(entry):
		s.mu.Unlock()
		return
	case !found && !had:
		s.mu.Unlock()
		return
	case found:
		s.entries[id] = entry
	default:
		delete(s.entries, id)
	}
	s.mu.Unlock()

	s.log.Debugw("external change applied", logger.FieldNoteID, id, "present", found)
	if found {
		s.notify(id, &entry)
	} else {
		s.notify(id, nil)
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) notify(id string, entry *notes.Entry) {
	s.subMu.Lock()
	keys := make([]int, 0, len(s.listeners))
	for key := range s.listeners {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	listeners := make([]Listener, 0, len(keys))
	for _, key := range keys {
		listeners = append(listeners, s.listeners[key])
	}
	s.subMu.Unlock()

	for _, listener := range listeners {
		var copied *notes.Entry
		if entry != nil {
			c := *entry
			c.Note.Tags = append([]string(nil), entry.Note.Tags...)
			copied = &c
		}
		listener(id, copied)
	}
}

func sortedEntries(m map[string]notes.Entry) []notes.Entry {
	out := make([]notes.Entry, 0, len(m))
	for _, entry := range m {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
