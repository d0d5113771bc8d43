package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaynotes/internal/access"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

// ReconcileResult counts the replica changes of one reconciliation pass.
type ReconcileResult struct {
	Inserted  int         `json:"inserted"`
	Updated   int         `json:"updated"`
	Removed   int         `json:"removed"`
	Queued    int         `json:"queued"`
	Unchanged int         `json:"unchanged"`
	Conflicts int         `json:"conflicts"`
	Drain     DrainResult `json:"drain"`
}

type reconcileAction int

const (
	actionUnchanged reconcileAction = iota
	actionInserted
	actionUpdated
	actionRemoved
	actionQueued
	actionConflict
)

// Reconcile fetches every note the user can see, diffs it against the replica
// with last-writer-wins on updated_at, then drains what is left pending. A
// failure leaves the coordinator offline.
func (c *Coordinator) Reconcile(ctx context.Context, identity notes.Identity) (ReconcileResult, error) {
	if err := c.authorize(identity); err != nil {
		return ReconcileResult{}, err
	}
	c.pass.Lock()
	defer c.pass.Unlock()

	started := time.Now()
	c.setState(StateReconciling)
	result, err := c.reconcileLocked(ctx)
	if err != nil {
		c.goOffline(err)
		return result, err
	}

	c.mu.Lock()
	c.state = StateIdle
	c.lastSync = notes.Timestamp(c.now())
	c.lastErr = nil
	c.mu.Unlock()
	c.log.Infow("reconciled",
		logger.FieldInserted, result.Inserted,
		logger.FieldDeleted, result.Removed,
		logger.FieldPushed, result.Drain.Pushed,
		logger.FieldConflicts, result.Conflicts+result.Drain.Conflicts,
		logger.FieldDuration, time.Since(started).Milliseconds(),
	)
	return result, nil
}

func (c *Coordinator) reconcileLocked(ctx context.Context) (ReconcileResult, error) {
	owned, shared, err := c.fetchVisible(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	visible := access.MergeVisible(owned, shared)
	remote := make(map[string]notes.Note, len(visible))
	for _, note := range visible {
		remote[note.ID] = note.Normalized()
	}

	grants, err := c.refreshGrants(ctx, remote)
	if err != nil {
		return ReconcileResult{}, err
	}
	c.gate.Replace(grants)
	if err := c.store.SaveGrants(grants); err != nil {
		return ReconcileResult{}, err
	}

	ids := make([]string, 0, len(remote))
	seen := make(map[string]struct{}, len(remote))
	for id := range remote {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for _, entry := range c.store.Entries() {
		if _, ok := seen[entry.ID()]; !ok {
			ids = append(ids, entry.ID())
		}
	}
	sort.Strings(ids)

	var (
		mu     sync.Mutex
		result ReconcileResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for _, id := range ids {
		id := id
		note, hasRemote := remote[id]
		g.Go(func() error {
			action, err := c.reconcileOne(gctx, id, note, hasRemote)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch action {
			case actionInserted:
				result.Inserted++
			case actionUpdated:
				result.Updated++
			case actionRemoved:
				result.Removed++
			case actionQueued:
				result.Queued++
			case actionConflict:
				result.Conflicts++
			default:
				result.Unchanged++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	c.publishScope()

	drained, err := c.drainLocked(ctx)
	result.Drain = drained
	return result, err
}

func (c *Coordinator) fetchVisible(ctx context.Context) (owned, shared []notes.Note, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		callCtx, cancel := c.callContext(gctx)
		defer cancel()
		list, err := c.remote.FetchOwned(callCtx, c.userID)
		if err != nil {
			return notes.Wrap(err, "fetch owned notes")
		}
		owned = list
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := c.callContext(gctx)
		defer cancel()
		list, err := c.remote.FetchShared(callCtx, c.userID)
		if err != nil {
			return notes.Wrap(err, "fetch shared notes")
		}
		shared = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return owned, shared, nil
}

// refreshGrants lists the grants of every visible note shared with the user.
// Grants on owned notes are kept from the local index, which Share and
// Unshare maintain. A note whose grants cannot be listed keeps its old ones.
func (c *Coordinator) refreshGrants(ctx context.Context, remote map[string]notes.Note) ([]notes.PermissionGrant, error) {
	out := make([]notes.PermissionGrant, 0)
	for _, grant := range c.gate.Grants() {
		if note, ok := remote[grant.NoteID]; ok && note.OwnerID == c.userID {
			out = append(out, grant)
		}
	}

	sharedIDs := make([]string, 0)
	for id, note := range remote {
		if note.OwnerID != c.userID {
			sharedIDs = append(sharedIDs, id)
		}
	}
	sort.Strings(sharedIDs)
	lists := make([][]notes.PermissionGrant, len(sharedIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for i, id := range sharedIDs {
		i, id := i, id
		g.Go(func() error {
			callCtx, cancel := c.callContext(gctx)
			defer cancel()
			list, err := c.remote.ListGrants(callCtx, id)
			if err != nil {
				if notes.IsNetwork(err) {
					return notes.Wrapf(err, "list grants for %s", id)
				}
				c.log.Warnw("keeping cached grants", logger.FieldNoteID, id, logger.FieldError, err)
				lists[i] = c.gate.GrantsFor(id)
				return nil
			}
			lists[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, list := range lists {
		out = append(out, list...)
	}
	return out, nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, id string, remote notes.Note, hasRemote bool) (reconcileAction, error) {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return actionUnchanged, err
	}
	defer unlock()

	local, hasLocal := c.store.Get(id)
	switch {
	case !hasLocal && !hasRemote:
		return actionUnchanged, nil

	case !hasLocal:
		if err := c.store.Put(notes.Entry{Note: remote, SyncState: notes.StateSynced, RemoteSeen: true}); err != nil {
			return actionUnchanged, err
		}
		return actionInserted, nil

	case local.SyncState == notes.StateConflict:
		return actionConflict, nil

	case !hasRemote:
		switch {
		case local.RemoteSeen, local.SyncState == notes.StatePendingDelete:
			// The cloud dropped it, or it never got there and was deleted
			// since: delete wins over any pending edit.
			if err := c.store.Remove(id); err != nil {
				return actionUnchanged, err
			}
			return actionRemoved, nil
		case local.SyncState == notes.StatePendingCreate:
			return actionUnchanged, nil
		default:
			local.SyncState = notes.StatePendingCreate
			if err := c.store.Put(local); err != nil {
				return actionUnchanged, err
			}
			return actionQueued, nil
		}

	case local.Note.UpdatedAt.After(remote.UpdatedAt):
		next := local
		next.RemoteSeen = true
		if next.SyncState == notes.StateSynced || next.SyncState == notes.StatePendingCreate {
			next.SyncState = notes.StatePendingUpdate
		}
		if next.Equal(local) {
			return actionUnchanged, nil
		}
		if err := c.store.Put(next); err != nil {
			return actionUnchanged, err
		}
		return actionQueued, nil

	default:
		// Remote wins, ties included.
		next := notes.Entry{Note: remote, SyncState: notes.StateSynced, RemoteSeen: true}
		if local.Equal(next) {
			return actionUnchanged, nil
		}
		if err := c.store.Put(next); err != nil {
			return actionUnchanged, err
		}
		return actionUpdated, nil
	}
}
