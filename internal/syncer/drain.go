package syncer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
)

// DrainResult counts what one drain pass did with the pending entries.
type DrainResult struct {
	Pushed    int `json:"pushed"`
	Removed   int `json:"removed"`
	Conflicts int `json:"conflicts"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
	Stale     int `json:"stale"`
}

type pushOutcome int

const (
	outcomeSkipped pushOutcome = iota
	outcomePushed
	outcomeRemoved
	outcomeConflict
	outcomeDeferred
	outcomeFailed
	outcomeStale
)

type pushResult struct {
	outcome      pushOutcome
	transportErr error
}

// Drain pushes every pending entry to the cloud. It refuses to run while the
// coordinator is offline.
func (c *Coordinator) Drain(ctx context.Context, identity notes.Identity) (DrainResult, error) {
	if err := c.authorize(identity); err != nil {
		return DrainResult{}, err
	}
	if !c.Online() {
		return DrainResult{}, notes.Wrap(notes.ErrNetworkUnavailable, "drain while offline")
	}
	c.pass.Lock()
	defer c.pass.Unlock()
	return c.drainLocked(ctx)
}

func (c *Coordinator) drainLocked(ctx context.Context) (DrainResult, error) {
	pending := make([]notes.Entry, 0)
	for _, entry := range c.store.Entries() {
		if entry.SyncState.Pending() {
			pending = append(pending, entry)
		}
	}
	if len(pending) == 0 {
		return DrainResult{}, nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i].Note.UpdatedAt, pending[j].Note.UpdatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return pending[i].ID() < pending[j].ID()
	})

	c.mu.Lock()
	upFromIdle := c.state == StateIdle
	if upFromIdle {
		c.state = StateSyncingUp
	}
	c.mu.Unlock()

	var (
		resultMu sync.Mutex
		result   DrainResult
		netErr   error
		offline  atomic.Bool
	)
	g := &errgroup.Group{}
	g.SetLimit(c.maxParallel)
	for _, entry := range pending {
		entry := entry
		if offline.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if offline.Load() {
				return nil
			}
			res, err := c.push(ctx, entry)
			if err != nil {
				return err
			}
			resultMu.Lock()
			defer resultMu.Unlock()
			switch res.outcome {
			case outcomePushed:
				result.Pushed++
			case outcomeRemoved:
				result.Removed++
			case outcomeConflict:
				result.Conflicts++
			case outcomeDeferred:
				result.Deferred++
			case outcomeFailed:
				result.Failed++
			case outcomeStale:
				result.Stale++
			}
			if res.transportErr != nil && netErr == nil {
				netErr = res.transportErr
				offline.Store(true)
			}
			return nil
		})
	}
	fatal := g.Wait()

	c.mu.Lock()
	if upFromIdle && c.state == StateSyncingUp {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if fatal != nil {
		return result, fatal
	}
	if netErr != nil {
		c.goOffline(netErr)
		return result, notes.Unavailable(netErr, "drain")
	}
	if result.Stale > 0 {
		c.Kick()
	}
	c.log.Infow("drain finished",
		logger.FieldPushed, result.Pushed,
		logger.FieldDeleted, result.Removed,
		logger.FieldConflicts, result.Conflicts,
		logger.FieldCount, len(pending),
	)
	return result, nil
}

// push sends one pending entry and settles the replica. The returned error is
// fatal; a transport failure is carried in the result.
func (c *Coordinator) push(ctx context.Context, snapshot notes.Entry) (pushResult, error) {
	id := snapshot.ID()
	if !c.markInflight(id) {
		return pushResult{outcome: outcomeSkipped}, nil
	}
	defer c.clearInflight(id)

	if snapshot.SyncState == notes.StatePendingDelete && !snapshot.RemoteSeen {
		return c.settle(ctx, snapshot, notes.Note{}, nil)
	}

	callCtx, cancel := c.callContext(ctx)
	var (
		saved notes.Note
		err   error
	)
	switch snapshot.SyncState {
	case notes.StatePendingCreate:
		saved, err = c.remote.UpsertNote(callCtx, c.userID, snapshot.Note, false)
	case notes.StatePendingUpdate:
		saved, err = c.remote.UpsertNote(callCtx, c.userID, snapshot.Note, snapshot.RemoteSeen)
	case notes.StatePendingDelete:
		err = c.remote.DeleteNotes(callCtx, []string{id}, c.userID)
	default:
		cancel()
		return pushResult{outcome: outcomeSkipped}, nil
	}
	cancel()
	return c.settle(ctx, snapshot, saved, err)
}

// settle records the push result unless the entry changed while the call was
// in flight, in which case the newer local state is left for the next pass.
func (c *Coordinator) settle(ctx context.Context, snapshot notes.Entry, saved notes.Note, pushErr error) (pushResult, error) {
	id := snapshot.ID()
	if pushErr != nil && ctx.Err() != nil {
		return pushResult{outcome: outcomeDeferred}, nil
	}
	if notes.IsNetwork(pushErr) {
		return pushResult{outcome: outcomeDeferred, transportErr: pushErr}, nil
	}

	unlock, err := c.locks.Lock(context.WithoutCancel(ctx), id)
	if err != nil {
		return pushResult{}, err
	}
	defer unlock()

	current, ok := c.store.Get(id)
	stale := !ok || current.SyncState != snapshot.SyncState || !current.Note.UpdatedAt.Equal(snapshot.Note.UpdatedAt)

	if pushErr != nil {
		c.report(&notes.ReconcileError{NoteID: id, Op: snapshot.SyncState, Err: pushErr})
		if !notes.IsRejection(pushErr) {
			return pushResult{outcome: outcomeFailed}, nil
		}
		if stale {
			return pushResult{outcome: outcomeStale}, nil
		}
		current.SyncState = notes.StateConflict
		if err := c.store.Put(current); err != nil {
			return pushResult{}, err
		}
		return pushResult{outcome: outcomeConflict}, nil
	}

	if stale {
		if ok && !current.RemoteSeen && snapshot.SyncState != notes.StatePendingDelete {
			current.RemoteSeen = true
			if err := c.store.Put(current); err != nil {
				return pushResult{}, err
			}
		}
		return pushResult{outcome: outcomeStale}, nil
	}
	if snapshot.SyncState == notes.StatePendingDelete {
		if err := c.store.Remove(id); err != nil {
			return pushResult{}, err
		}
		return pushResult{outcome: outcomeRemoved}, nil
	}
	note := snapshot.Note
	if saved.ID == id {
		note = saved
	}
	if err := c.store.Put(notes.Entry{Note: note, SyncState: notes.StateSynced, RemoteSeen: true}); err != nil {
		return pushResult{}, err
	}
	return pushResult{outcome: outcomePushed}, nil
}

func (c *Coordinator) report(rerr *notes.ReconcileError) {
	c.recordError(rerr)
	c.log.Warnw("push rejected",
		logger.FieldNoteID, rerr.NoteID,
		logger.FieldOperation, string(rerr.Op),
		logger.FieldError, rerr.Err,
	)
	if c.onError != nil {
		c.onError(rerr)
	}
}
