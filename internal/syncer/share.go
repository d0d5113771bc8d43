package syncer

import (
	"context"
	"strings"
	"time"

	"github.com/agentworkforce/relaynotes/internal/access"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

// Share grants granteeID access to one of the owner's notes. Sharing needs a
// connection; it is never queued.
func (c *Coordinator) Share(ctx context.Context, identity notes.Identity, noteID, granteeID, level string) (notes.PermissionGrant, error) {
	if err := c.authorize(identity); err != nil {
		return notes.PermissionGrant{}, err
	}
	granteeID = strings.TrimSpace(granteeID)
	if granteeID == "" {
		return notes.PermissionGrant{}, notes.Wrap(notes.ErrInvalidInput, "grantee is required")
	}
	if granteeID == identity.UserID {
		return notes.PermissionGrant{}, notes.Wrap(notes.ErrInvalidInput, "cannot share a note with its owner")
	}
	parsed, err := notes.ParseGrantLevel(level)
	if err != nil {
		return notes.PermissionGrant{}, err
	}
	entry, err := c.sharedEntry(identity, noteID, access.OpShare)
	if err != nil {
		return notes.PermissionGrant{}, err
	}
	if !entry.RemoteSeen {
		return notes.PermissionGrant{}, notes.Wrapf(notes.ErrInvalidInput, "note %s has not been synced yet", noteID)
	}

	grant := notes.PermissionGrant{
		NoteID:    noteID,
		GranteeID: granteeID,
		Level:     parsed,
		GrantedBy: identity.UserID,
		CreatedAt: c.stamp(time.Time{}),
	}
	if err := c.online(ctx, func(ctx context.Context) error {
		return c.remote.UpsertGrant(ctx, identity.UserID, grant)
	}); err != nil {
		return notes.PermissionGrant{}, err
	}
	c.gate.Upsert(grant)
	if err := c.store.SaveGrants(c.gate.Grants()); err != nil {
		return notes.PermissionGrant{}, err
	}
	c.log.Infow("note shared", logger.FieldNoteID, noteID, logger.FieldGrantee, granteeID, logger.FieldLevel, string(parsed))
	return grant, nil
}

// Unshare revokes a grant. The owner may revoke anyone; a grantee may only
// leave, which also drops the note from their replica.
func (c *Coordinator) Unshare(ctx context.Context, identity notes.Identity, noteID, granteeID string) error {
	if err := c.authorize(identity); err != nil {
		return err
	}
	granteeID = strings.TrimSpace(granteeID)
	if granteeID == "" {
		return notes.Wrap(notes.ErrInvalidInput, "grantee is required")
	}
	leaving := granteeID == identity.UserID
	op := access.OpShare
	if leaving {
		op = access.OpRead
	}
	entry, err := c.sharedEntry(identity, noteID, op)
	if err != nil {
		return err
	}
	if leaving && entry.Note.OwnerID == identity.UserID {
		return notes.Wrap(notes.ErrInvalidInput, "owner cannot leave their own note")
	}

	if err := c.online(ctx, func(ctx context.Context) error {
		return c.remote.DeleteGrant(ctx, identity.UserID, noteID, granteeID)
	}); err != nil {
		return err
	}
	c.gate.Remove(noteID, granteeID)
	if err := c.store.SaveGrants(c.gate.Grants()); err != nil {
		return err
	}
	if leaving {
		unlock, err := c.locks.Lock(ctx, noteID)
		if err != nil {
			return err
		}
		defer unlock()
		if err := c.store.Remove(noteID); err != nil {
			return err
		}
		c.publishScope()
	}
	c.log.Infow("note unshared", logger.FieldNoteID, noteID, logger.FieldGrantee, granteeID)
	return nil
}

// Grants lists who can access a note. Online, the list comes from the cloud
// and refreshes the local index; offline, the cached grants are returned.
func (c *Coordinator) Grants(ctx context.Context, identity notes.Identity, noteID string) ([]notes.PermissionGrant, error) {
	if err := c.authorize(identity); err != nil {
		return nil, err
	}
	entry, err := c.sharedEntry(identity, noteID, access.OpRead)
	if err != nil {
		return nil, err
	}
	if !c.Online() || !entry.RemoteSeen {
		return c.gate.GrantsFor(noteID), nil
	}

	var list []notes.PermissionGrant
	err = c.online(ctx, func(ctx context.Context) error {
		var err error
		list, err = c.remote.ListGrants(ctx, noteID)
		return err
	})
	switch {
	case notes.IsNetwork(err):
		return c.gate.GrantsFor(noteID), nil
	case err != nil:
		return nil, err
	}
	c.gate.ReplaceNote(noteID, list)
	if err := c.store.SaveGrants(c.gate.Grants()); err != nil {
		return nil, err
	}
	return c.gate.GrantsFor(noteID), nil
}

func (c *Coordinator) sharedEntry(identity notes.Identity, noteID string, op access.Operation) (notes.Entry, error) {
	entry, ok := c.store.Get(noteID)
	if !ok || entry.SyncState == notes.StatePendingDelete {
		return notes.Entry{}, notes.Wrapf(notes.ErrNotFound, "note %s", noteID)
	}
	if err := c.gate.Check(identity, entry.Note, op); err != nil {
		return notes.Entry{}, err
	}
	return entry, nil
}

// online runs call against the cloud with the operation timeout. It fails
// fast while offline and takes the coordinator offline on a transport error.
func (c *Coordinator) online(ctx context.Context, call func(context.Context) error) error {
	if !c.Online() {
		return notes.Wrap(notes.ErrNetworkUnavailable, "sharing requires a connection")
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	err := call(callCtx)
	if notes.IsNetwork(err) {
		c.goOffline(err)
	}
	return err
}
