package syncer

import (
	"github.com/agentworkforce/relaynotes/internal/access"
	"github.com/agentworkforce/relaynotes/internal/notes"
	"github.com/agentworkforce/relaynotes/internal/query"
)

// Notes lists what identity can read from the replica, newest first. Pending
// deletes are hidden.
func (c *Coordinator) Notes(identity notes.Identity) ([]notes.Note, error) {
	entries, err := c.visibleEntries(identity)
	if err != nil {
		return nil, err
	}
	out := make([]notes.Note, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Note)
	}
	notes.SortByUpdatedDesc(out)
	return out, nil
}

// Entries is Notes with the sync state of each note.
func (c *Coordinator) Entries(identity notes.Identity) ([]notes.Entry, error) {
	entries, err := c.visibleEntries(identity)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]notes.Entry, len(entries))
	list := make([]notes.Note, 0, len(entries))
	for _, entry := range entries {
		byID[entry.ID()] = entry
		list = append(list, entry.Note)
	}
	notes.SortByUpdatedDesc(list)
	out := make([]notes.Entry, 0, len(list))
	for _, note := range list {
		out = append(out, byID[note.ID])
	}
	return out, nil
}

func (c *Coordinator) Note(identity notes.Identity, id string) (notes.Entry, error) {
	if err := c.authorize(identity); err != nil {
		return notes.Entry{}, err
	}
	entry, ok := c.store.Get(id)
	if !ok || entry.SyncState == notes.StatePendingDelete {
		return notes.Entry{}, notes.Wrapf(notes.ErrNotFound, "note %s", id)
	}
	if err := c.gate.Check(identity, entry.Note, access.OpRead); err != nil {
		return notes.Entry{}, err
	}
	return entry, nil
}

func (c *Coordinator) Search(identity notes.Identity, q query.Query) ([]notes.Note, error) {
	list, err := c.Notes(identity)
	if err != nil {
		return nil, err
	}
	return query.Filter(list, q)
}

func (c *Coordinator) Tags(identity notes.Identity) ([]string, error) {
	list, err := c.Notes(identity)
	if err != nil {
		return nil, err
	}
	return query.AllTags(list), nil
}

// Conflicts lists the entries waiting for ResolveConflict.
func (c *Coordinator) Conflicts(identity notes.Identity) ([]notes.Entry, error) {
	entries, err := c.Entries(identity)
	if err != nil {
		return nil, err
	}
	out := make([]notes.Entry, 0)
	for _, entry := range entries {
		if entry.SyncState == notes.StateConflict {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (c *Coordinator) visibleEntries(identity notes.Identity) ([]notes.Entry, error) {
	if err := c.authorize(identity); err != nil {
		return nil, err
	}
	out := make([]notes.Entry, 0)
	for _, entry := range c.store.Entries() {
		if entry.SyncState == notes.StatePendingDelete {
			continue
		}
		if !c.gate.CanRead(identity, entry.Note) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
