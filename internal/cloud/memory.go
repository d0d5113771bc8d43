package cloud

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

const memorySubscriptionBuffer = 64

// Memory is an in-process Store and Feed applying the same permission rules
// as the PostgreSQL adapter.
type Memory struct {
	mu      sync.Mutex
	notes   map[string]notes.Note
	grants  map[string]map[string]notes.PermissionGrant
	offline bool
	subs    map[*memorySubscription]struct{}
	now     func() time.Time
	calls   map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		notes:  map[string]notes.Note{},
		grants: map[string]map[string]notes.PermissionGrant{},
		subs:   map[*memorySubscription]struct{}{},
		now:    time.Now,
		calls:  map[string]int{},
	}
}

// SetOffline makes every call fail with ErrNetworkUnavailable. Going offline
// also ends all open subscriptions.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
	if offline {
		m.DropSubscribers(notes.ErrNetworkUnavailable)
	}
}

// DropSubscribers ends every open subscription with err.
func (m *Memory) DropSubscribers(err error) {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = map[*memorySubscription]struct{}{}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.end(err)
	}
}

// Calls reports how many times a Store method ran, keyed by method name.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Seed writes a note directly, bypassing permissions, and publishes the change.
func (m *Memory) Seed(note notes.Note) {
	note = note.Normalized()
	m.mu.Lock()
	_, existed := m.notes[note.ID]
	m.notes[note.ID] = note
	m.mu.Unlock()
	op := OpInsert
	if existed {
		op = OpUpdate
	}
	m.publish(ChangeEvent{Op: op, Note: note})
}

// Snapshot returns the note with id as the remote holds it.
func (m *Memory) Snapshot(id string) (notes.Note, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[id]
	return note, ok
}

// Len reports how many notes the remote holds.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notes)
}

func (m *Memory) enter(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	if m.offline {
		return notes.Wrapf(notes.ErrNetworkUnavailable, "memory cloud %s", method)
	}
	return nil
}

func (m *Memory) FetchOwned(ctx context.Context, userID string) ([]notes.Note, error) {
	if err := m.enter("FetchOwned"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]notes.Note, 0)
	for _, note := range m.notes {
		if note.OwnerID == userID {
			out = append(out, cloneNote(note))
		}
	}
	m.mu.Unlock()
	notes.SortByUpdatedDesc(out)
	return out, nil
}

func (m *Memory) FetchShared(ctx context.Context, userID string) ([]notes.Note, error) {
	if err := m.enter("FetchShared"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]notes.Note, 0)
	for noteID, byUser := range m.grants {
		if _, ok := byUser[userID]; !ok {
			continue
		}
		if note, ok := m.notes[noteID]; ok {
			out = append(out, cloneNote(note))
		}
	}
	m.mu.Unlock()
	notes.SortByUpdatedDesc(out)
	return out, nil
}

func (m *Memory) UpsertNote(ctx context.Context, actorID string, note notes.Note, mustExist bool) (notes.Note, error) {
	if err := m.enter("UpsertNote"); err != nil {
		return notes.Note{}, err
	}
	note = note.Normalized()
	m.mu.Lock()
	existing, ok := m.notes[note.ID]
	var op Op
	switch {
	case !ok && mustExist:
		m.mu.Unlock()
		return notes.Note{}, notes.Wrapf(notes.ErrNotFound, "note %s", note.ID)
	case !ok:
		if note.OwnerID != actorID {
			m.mu.Unlock()
			return notes.Note{}, notes.Wrapf(notes.ErrPermissionDenied, "create note %s for %s", note.ID, note.OwnerID)
		}
		if note.CreatedAt.IsZero() {
			note.CreatedAt = notes.Timestamp(m.now())
		}
		if note.UpdatedAt.IsZero() {
			note.UpdatedAt = note.CreatedAt
		}
		op = OpInsert
	default:
		if !m.mayEditLocked(actorID, existing) {
			m.mu.Unlock()
			return notes.Note{}, notes.Wrapf(notes.ErrPermissionDenied, "update note %s", note.ID)
		}
		note.OwnerID = existing.OwnerID
		note.CreatedAt = existing.CreatedAt
		op = OpUpdate
	}
	m.notes[note.ID] = note
	m.mu.Unlock()

	m.publish(ChangeEvent{Op: op, Note: note})
	return cloneNote(note), nil
}

func (m *Memory) DeleteNotes(ctx context.Context, ids []string, ownerID string) error {
	if err := m.enter("DeleteNotes"); err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range ids {
		if note, ok := m.notes[id]; ok && note.OwnerID != ownerID {
			m.mu.Unlock()
			return notes.Wrapf(notes.ErrPermissionDenied, "delete note %s", id)
		}
	}
	removed := make([]notes.Note, 0, len(ids))
	for _, id := range ids {
		note, ok := m.notes[id]
		if !ok {
			continue
		}
		delete(m.notes, id)
		delete(m.grants, id)
		removed = append(removed, notes.Note{ID: note.ID, OwnerID: note.OwnerID})
	}
	m.mu.Unlock()

	for _, note := range removed {
		m.publish(ChangeEvent{Op: OpDelete, Note: note})
	}
	return nil
}

func (m *Memory) ListGrants(ctx context.Context, noteID string) ([]notes.PermissionGrant, error) {
	if err := m.enter("ListGrants"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notes.PermissionGrant, 0, len(m.grants[noteID]))
	for _, grant := range m.grants[noteID] {
		out = append(out, grant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GranteeID < out[j].GranteeID })
	return out, nil
}

func (m *Memory) UpsertGrant(ctx context.Context, actorID string, grant notes.PermissionGrant) error {
	if err := m.enter("UpsertGrant"); err != nil {
		return err
	}
	if _, err := notes.ParseGrantLevel(string(grant.Level)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[grant.NoteID]
	if !ok {
		return notes.Wrapf(notes.ErrNotFound, "note %s", grant.NoteID)
	}
	if note.OwnerID != actorID {
		return notes.Wrapf(notes.ErrPermissionDenied, "share note %s", grant.NoteID)
	}
	if grant.GranteeID == note.OwnerID {
		return notes.Wrap(notes.ErrInvalidInput, "owner cannot be granted access to their own note")
	}
	grant.GrantedBy = actorID
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = notes.Timestamp(m.now())
	}
	if m.grants[grant.NoteID] == nil {
		m.grants[grant.NoteID] = map[string]notes.PermissionGrant{}
	}
	m.grants[grant.NoteID][grant.GranteeID] = grant
	return nil
}

func (m *Memory) DeleteGrant(ctx context.Context, actorID, noteID, userID string) error {
	if err := m.enter("DeleteGrant"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	note, ok := m.notes[noteID]
	if !ok {
		return nil
	}
	if actorID != note.OwnerID && actorID != userID {
		return notes.Wrapf(notes.ErrPermissionDenied, "unshare note %s", noteID)
	}
	delete(m.grants[noteID], userID)
	return nil
}

func (m *Memory) mayEditLocked(actorID string, note notes.Note) bool {
	if note.OwnerID == actorID {
		return true
	}
	grant, ok := m.grants[note.ID][actorID]
	return ok && grant.Level == notes.LevelEditor
}

func (m *Memory) Subscribe(ctx context.Context, scope Scope) (Subscription, error) {
	if err := m.enter("Subscribe"); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		owner:  m,
		events: make(chan ChangeEvent, memorySubscriptionBuffer),
		scope:  scope,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (m *Memory) publish(event ChangeEvent) {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(event)
	}
}

type memorySubscription struct {
	owner  *Memory
	events chan ChangeEvent
	done   chan struct{}

	mu     sync.Mutex
	scope  Scope
	err    error
	closed bool
}

func (s *memorySubscription) Events() <-chan ChangeEvent {
	return s.events
}

func (s *memorySubscription) SetScope(scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return notes.Wrap(notes.ErrNetworkUnavailable, "subscription closed")
	}
	s.scope = scope
	return nil
}

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	s.end(nil)
	return nil
}

func (s *memorySubscription) deliver(event ChangeEvent) {
	if s.offer(event) {
		return
	}
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
}

// offer queues event and reports whether the subscription is still live.
func (s *memorySubscription) offer(event ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.scope.Contains(event.Note) {
		return true
	}
	select {
	case s.events <- event:
		return true
	default:
		// A subscriber that cannot keep up loses the subscription, like a dropped socket.
		s.closeLocked(notes.Wrap(notes.ErrNetworkUnavailable, "subscriber fell behind"))
		return false
	}
}

func (s *memorySubscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *memorySubscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
	close(s.done)
}

func cloneNote(note notes.Note) notes.Note {
	note.Tags = append([]string{}, note.Tags...)
	return note
}
