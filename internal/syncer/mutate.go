package syncer

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/agentworkforce/relaynotes/internal/access"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

const maxNoteIDLength = 128

// Draft is the caller-supplied content of a new note. An empty ID gets a UUID.
type Draft struct {
	ID      string   `json:"id,omitempty"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// Patch carries the fields an update changes; nil fields are kept.
type Patch struct {
	Title   *string   `json:"title,omitempty"`
	Content *string   `json:"content,omitempty"`
	Tags    *[]string `json:"tags,omitempty"`
}

func (p Patch) empty() bool {
	return p.Title == nil && p.Content == nil && p.Tags == nil
}

type Resolution string

const (
	KeepLocal  Resolution = "keep_local"
	KeepRemote Resolution = "keep_remote"
)

func ParseResolution(raw string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(raw))) {
	case KeepLocal, "local":
		return KeepLocal, nil
	case KeepRemote, "remote":
		return KeepRemote, nil
	}
	return "", notes.Wrapf(notes.ErrInvalidInput, "unknown resolution %q", raw)
}

// Create stores a new owned note as pending_create and requests a push.
func (c *Coordinator) Create(ctx context.Context, identity notes.Identity, draft Draft) (notes.Note, error) {
	if err := c.authorize(identity); err != nil {
		return notes.Note{}, err
	}
	id := strings.TrimSpace(draft.ID)
	if id == "" {
		id = notes.NewID()
	}
	if err := validateNoteID(id); err != nil {
		return notes.Note{}, err
	}
	note := notes.Note{
		ID:      id,
		OwnerID: identity.UserID,
		Title:   draft.Title,
		Content: draft.Content,
		Tags:    notes.NormalizeTags(draft.Tags),
	}
	if err := c.gate.Check(identity, note, access.OpMutate); err != nil {
		return notes.Note{}, err
	}

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return notes.Note{}, err
	}
	defer unlock()
	if _, exists := c.store.Get(id); exists {
		return notes.Note{}, notes.Wrapf(notes.ErrInvalidInput, "note %s already exists", id)
	}
	at := c.stamp(note.UpdatedAt)
	note.CreatedAt, note.UpdatedAt = at, at
	if err := c.store.Put(notes.Entry{Note: note, SyncState: notes.StatePendingCreate}); err != nil {
		return notes.Note{}, err
	}
	c.log.Debugw("note created", logger.FieldNoteID, id)
	c.Kick()
	return note.Normalized(), nil
}

// Update applies patch to a note the identity may mutate. The local replica is
// untouched when the gate refuses or the note awaits ResolveConflict.
func (c *Coordinator) Update(ctx context.Context, identity notes.Identity, id string, patch Patch) (notes.Note, error) {
	if err := c.authorize(identity); err != nil {
		return notes.Note{}, err
	}
	if patch.empty() {
		return notes.Note{}, notes.Wrap(notes.ErrInvalidInput, "update changes nothing")
	}
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return notes.Note{}, err
	}
	defer unlock()

	current, ok := c.store.Get(id)
	if !ok || current.SyncState == notes.StatePendingDelete {
		return notes.Note{}, notes.Wrapf(notes.ErrNotFound, "note %s", id)
	}
	if err := c.gate.Check(identity, current.Note, access.OpMutate); err != nil {
		return notes.Note{}, err
	}
	if current.SyncState == notes.StateConflict {
		return notes.Note{}, errors.Mark(errors.Newf("note %s is in conflict; resolve it first", id), notes.ErrRemoteConflict)
	}

	next := current
	if patch.Title != nil {
		next.Note.Title = *patch.Title
	}
	if patch.Content != nil {
		next.Note.Content = *patch.Content
	}
	if patch.Tags != nil {
		next.Note.Tags = notes.NormalizeTags(*patch.Tags)
	}
	next.Note.UpdatedAt = c.stamp(current.Note.UpdatedAt)
	if current.SyncState != notes.StatePendingCreate {
		next.SyncState = notes.StatePendingUpdate
	}
	if err := c.store.Put(next); err != nil {
		return notes.Note{}, err
	}
	c.log.Debugw("note updated", logger.FieldNoteID, id, logger.FieldFromState, string(current.SyncState))
	c.Kick()
	return next.Note.Normalized(), nil
}

// Delete removes the owner's notes. Every id is checked before any is
// touched; absent ids are ignored. A note the cloud has never seen is
// dropped locally, the rest become pending_delete.
func (c *Coordinator) Delete(ctx context.Context, identity notes.Identity, ids ...string) error {
	if err := c.authorize(identity); err != nil {
		return err
	}
	for _, id := range ids {
		current, ok := c.store.Get(id)
		if !ok {
			continue
		}
		if err := c.gate.Check(identity, current.Note, access.OpDelete); err != nil {
			return err
		}
	}

	deleted := 0
	for _, id := range ids {
		if err := c.deleteOne(ctx, id); err != nil {
			return err
		}
		deleted++
	}
	c.log.Debugw("notes deleted", logger.FieldCount, deleted)
	c.Kick()
	return nil
}

func (c *Coordinator) deleteOne(ctx context.Context, id string) error {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	current, ok := c.store.Get(id)
	if !ok || current.SyncState == notes.StatePendingDelete {
		return nil
	}
	if !current.RemoteSeen && !c.isInflight(id) {
		return c.store.Remove(id)
	}
	current.SyncState = notes.StatePendingDelete
	current.Note.UpdatedAt = c.stamp(current.Note.UpdatedAt)
	return c.store.Put(current)
}

// ResolveConflict settles an entry in conflict. KeepLocal re-queues the local
// copy for a push; KeepRemote discards it in favour of the cloud's copy at the
// next reconciliation.
func (c *Coordinator) ResolveConflict(ctx context.Context, identity notes.Identity, id string, choice Resolution) (notes.Entry, error) {
	if err := c.authorize(identity); err != nil {
		return notes.Entry{}, err
	}
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return notes.Entry{}, err
	}
	defer unlock()

	current, ok := c.store.Get(id)
	if !ok {
		return notes.Entry{}, notes.Wrapf(notes.ErrNotFound, "note %s", id)
	}
	if current.SyncState != notes.StateConflict {
		return notes.Entry{}, notes.Wrapf(notes.ErrInvalidInput, "note %s is %s, not in conflict", id, current.SyncState)
	}

	next := current
	switch choice {
	case KeepLocal:
		if err := c.gate.Check(identity, current.Note, access.OpMutate); err != nil {
			return notes.Entry{}, err
		}
		next.Note.UpdatedAt = c.stamp(current.Note.UpdatedAt)
		if current.Note.OwnerID == identity.UserID {
			// Upserted without the existence check, so a note deleted
			// remotely is recreated.
			next.SyncState = notes.StatePendingCreate
			next.RemoteSeen = false
		} else {
			next.SyncState = notes.StatePendingUpdate
		}
		if err := c.store.Put(next); err != nil {
			return notes.Entry{}, err
		}
		c.Kick()
	case KeepRemote:
		if !current.RemoteSeen {
			if err := c.store.Remove(id); err != nil {
				return notes.Entry{}, err
			}
			c.log.Infow("conflict resolved", logger.FieldNoteID, id, logger.FieldOperation, string(choice))
			return notes.Entry{}, nil
		}
		// Rewinding updated_at to created_at loses to any remote copy; a
		// missing remote copy removes the entry as a remote delete.
		next.SyncState = notes.StateSynced
		next.Note.UpdatedAt = notes.Timestamp(current.Note.CreatedAt)
		if err := c.store.Put(next); err != nil {
			return notes.Entry{}, err
		}
		c.RequestReconcile()
	default:
		return notes.Entry{}, notes.Wrapf(notes.ErrInvalidInput, "unknown resolution %q", choice)
	}
	c.log.Infow("conflict resolved", logger.FieldNoteID, id, logger.FieldOperation, string(choice))
	return next, nil
}

func validateNoteID(id string) error {
	if len(id) > maxNoteIDLength {
		return notes.Wrapf(notes.ErrInvalidInput, "note id longer than %d", maxNoteIDLength)
	}
	if strings.HasPrefix(id, ".") {
		return notes.Wrapf(notes.ErrInvalidInput, "note id %q cannot start with a dot", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return notes.Wrapf(notes.ErrInvalidInput, "note id %q has unsupported character %q", id, r)
		}
	}
	return nil
}
