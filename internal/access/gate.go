// Package access decides what an identity may do with a note, using only the
// grants already held locally.
package access

import (
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

type Operation string

const (
	OpRead    Operation = "read"
	OpComment Operation = "comment"
	OpMutate  Operation = "mutate"
	OpDelete  Operation = "delete"
	OpShare   Operation = "share"
)

type grantKey struct {
	noteID    string
	granteeID string
}

// Gate is the grant index consulted on every check. It is safe for concurrent use.
type Gate struct {
	mu     sync.RWMutex
	grants map[grantKey]notes.PermissionGrant
}

func NewGate(grants []notes.PermissionGrant) *Gate {
	g := &Gate{grants: map[grantKey]notes.PermissionGrant{}}
	g.Replace(grants)
	return g
}

// Replace swaps the whole index, typically after a reconciliation pass.
func (g *Gate) Replace(grants []notes.PermissionGrant) {
	next := make(map[grantKey]notes.PermissionGrant, len(grants))
	for _, grant := range grants {
		if grant.NoteID == "" || grant.GranteeID == "" {
			continue
		}
		next[grantKey{grant.NoteID, grant.GranteeID}] = grant
	}
	g.mu.Lock()
	g.grants = next
	g.mu.Unlock()
}

func (g *Gate) Upsert(grant notes.PermissionGrant) {
	if grant.NoteID == "" || grant.GranteeID == "" {
		return
	}
	g.mu.Lock()
	g.grants[grantKey{grant.NoteID, grant.GranteeID}] = grant
	g.mu.Unlock()
}

// ReplaceNote swaps the grants of one note, leaving every other note alone.
func (g *Gate) ReplaceNote(noteID string, grants []notes.PermissionGrant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.grants {
		if key.noteID == noteID {
			delete(g.grants, key)
		}
	}
	for _, grant := range grants {
		if grant.NoteID != noteID || grant.GranteeID == "" {
			continue
		}
		g.grants[grantKey{grant.NoteID, grant.GranteeID}] = grant
	}
}

func (g *Gate) Remove(noteID, granteeID string) {
	g.mu.Lock()
	delete(g.grants, grantKey{noteID, granteeID})
	g.mu.Unlock()
}

// Grants lists the indexed grants ordered by note then grantee.
func (g *Gate) Grants() []notes.PermissionGrant {
	g.mu.RLock()
	out := make([]notes.PermissionGrant, 0, len(g.grants))
	for _, grant := range g.grants {
		out = append(out, grant)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NoteID != out[j].NoteID {
			return out[i].NoteID < out[j].NoteID
		}
		return out[i].GranteeID < out[j].GranteeID
	})
	return out
}

// GrantsFor lists the grants on one note.
func (g *Gate) GrantsFor(noteID string) []notes.PermissionGrant {
	all := g.Grants()
	out := all[:0]
	for _, grant := range all {
		if grant.NoteID == noteID {
			out = append(out, grant)
		}
	}
	return out
}

// SharedNoteIDs lists the notes userID holds a grant on.
func (g *Gate) SharedNoteIDs(userID string) []string {
	g.mu.RLock()
	ids := make([]string, 0)
	for key := range g.grants {
		if key.granteeID == userID {
			ids = append(ids, key.noteID)
		}
	}
	g.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (g *Gate) Resolve(identity notes.Identity, note notes.Note) notes.Level {
	if !identity.Valid() {
		return notes.LevelNone
	}
	if strings.TrimSpace(note.OwnerID) != "" && note.OwnerID == identity.UserID {
		return notes.LevelOwner
	}
	g.mu.RLock()
	grant, ok := g.grants[grantKey{note.ID, identity.UserID}]
	g.mu.RUnlock()
	if !ok {
		return notes.LevelNone
	}
	switch grant.Level {
	case notes.LevelViewer, notes.LevelCommenter, notes.LevelEditor:
		return grant.Level
	default:
		return notes.LevelNone
	}
}

func (g *Gate) CanMutate(identity notes.Identity, note notes.Note) bool {
	level := g.Resolve(identity, note)
	return level == notes.LevelOwner || level == notes.LevelEditor
}

func (g *Gate) CanRead(identity notes.Identity, note notes.Note) bool {
	return g.Resolve(identity, note) != notes.LevelNone
}

func (g *Gate) CanComment(identity notes.Identity, note notes.Note) bool {
	switch g.Resolve(identity, note) {
	case notes.LevelOwner, notes.LevelEditor, notes.LevelCommenter:
		return true
	}
	return false
}

func (g *Gate) CanDelete(identity notes.Identity, note notes.Note) bool {
	return g.Resolve(identity, note) == notes.LevelOwner
}

func (g *Gate) CanShare(identity notes.Identity, note notes.Note) bool {
	return g.Resolve(identity, note) == notes.LevelOwner
}

// Check returns ErrPermissionDenied, or ErrUnauthenticated for an anonymous
// identity, when op is not allowed.
func (g *Gate) Check(identity notes.Identity, note notes.Note, op Operation) error {
	if !identity.Valid() {
		return notes.Wrapf(notes.ErrUnauthenticated, "%s note %s", op, note.ID)
	}
	var allowed bool
	switch op {
	case OpRead:
		allowed = g.CanRead(identity, note)
	case OpComment:
		allowed = g.CanComment(identity, note)
	case OpMutate:
		allowed = g.CanMutate(identity, note)
	case OpDelete:
		allowed = g.CanDelete(identity, note)
	case OpShare:
		allowed = g.CanShare(identity, note)
	default:
		return notes.Wrapf(notes.ErrInvalidInput, "unknown operation %q", op)
	}
	if allowed {
		return nil
	}
	return notes.Wrapf(notes.ErrPermissionDenied, "%s note %s as %s", op, note.ID, g.Resolve(identity, note))
}

// MergeVisible de-duplicates owned and shared notes by id; the owned copy wins.
// The result is ordered newest first.
func MergeVisible(owned, shared []notes.Note) []notes.Note {
	byID := make(map[string]notes.Note, len(owned)+len(shared))
	for _, note := range shared {
		byID[note.ID] = note
	}
	for _, note := range owned {
		byID[note.ID] = note
	}
	out := make([]notes.Note, 0, len(byID))
	for _, note := range byID {
		out = append(out, note)
	}
	notes.SortByUpdatedDesc(out)
	return out
}
