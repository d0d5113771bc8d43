// Package feed applies remote change events to the local replica between
// full reconciliation passes.
package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/keymutex"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
	"github.com/agentworkforce/relaynotes/internal/replica"
)

const (
	defaultBaseDelay = 200 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// Hooks connect the listener to the coordinator. Connected runs after every
// successful (re)subscription; Disconnected after every loss or failed attempt.
type Hooks struct {
	Connected    func(ctx context.Context)
	Disconnected func(err error)
}

type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *zap.SugaredLogger
}

type Listener struct {
	feed      cloud.Feed
	store     *replica.Store
	locks     *keymutex.Mutex
	hooks     Hooks
	baseDelay time.Duration
	maxDelay  time.Duration
	log       *zap.SugaredLogger

	mu    sync.Mutex
	scope cloud.Scope
	sub   cloud.Subscription
}

func NewListener(feed cloud.Feed, store *replica.Store, locks *keymutex.Mutex, hooks Hooks, opts Options) *Listener {
	if locks == nil {
		locks = keymutex.New()
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Listener{
		feed:      feed,
		store:     store,
		locks:     locks,
		hooks:     hooks,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		log:       logger.OrNop(opts.Logger).With(logger.FieldComponent, "feed", logger.FieldUserID, store.UserID()),
		scope:     cloud.Scope{UserID: store.UserID()},
	}
}

func (l *Listener) Scope() cloud.Scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloud.Scope{UserID: l.scope.UserID, NoteIDs: append([]string(nil), l.scope.NoteIDs...)}
}

// SetScope replaces the granted note ids the feed follows, live if subscribed.
func (l *Listener) SetScope(noteIDs []string) {
	ids := append([]string(nil), noteIDs...)
	sort.Strings(ids)
	l.mu.Lock()
	l.scope.NoteIDs = ids
	scope := l.scope
	sub := l.sub
	l.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.SetScope(scope); err != nil {
		l.log.Debugw("scope update not delivered", logger.FieldError, err)
	}
}

// Run subscribes and applies events until ctx ends, resubscribing with
// exponential backoff. Only a fatal local storage error stops it early.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		sub, err := l.feed.Subscribe(ctx, l.Scope())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			l.disconnected(err, attempt)
			if waitWithContext(ctx, l.retryDelay(attempt)) != nil {
				return nil
			}
			continue
		}
		attempt = 0

		l.mu.Lock()
		l.sub = sub
		l.mu.Unlock()
		l.log.Infow("feed subscribed", logger.FieldCount, len(l.Scope().NoteIDs))
		if l.hooks.Connected != nil {
			l.hooks.Connected(ctx)
		}

		fatal := l.consume(ctx, sub)

		l.mu.Lock()
		l.sub = nil
		l.mu.Unlock()
		subErr := sub.Err()
		_ = sub.Close()

		if fatal != nil {
			return fatal
		}
		if ctx.Err() != nil {
			return nil
		}
		if subErr == nil {
			subErr = notes.Wrap(notes.ErrNetworkUnavailable, "feed closed")
		}
		attempt++
		l.disconnected(subErr, attempt)
		if waitWithContext(ctx, l.retryDelay(attempt)) != nil {
			return nil
		}
	}
}

func (l *Listener) consume(ctx context.Context, sub cloud.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if _, err := l.Apply(ctx, event); err != nil {
				if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
		}
	}
}

func (l *Listener) disconnected(err error, attempt int) {
	l.log.Warnw("feed unavailable", logger.FieldError, err, logger.FieldAttempt, attempt)
	if l.hooks.Disconnected != nil {
		l.hooks.Disconnected(err)
	}
}

// Apply writes one remote event to the replica. Inserts and updates are
// skipped while a local edit or conflict is outstanding; deletes always win.
func (l *Listener) Apply(ctx context.Context, event cloud.ChangeEvent) (bool, error) {
	id := event.Note.ID
	if id == "" || !l.Scope().Contains(event.Note) {
		return false, nil
	}
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, exists := l.store.Get(id)
	switch event.Op {
	case cloud.OpDelete:
		if !exists {
			return false, nil
		}
		if err := l.store.Remove(id); err != nil {
			return false, err
		}
		l.log.Debugw("remote delete applied", logger.FieldNoteID, id, logger.FieldFromState, current.SyncState)
		return true, nil
	case cloud.OpInsert, cloud.OpUpdate:
		if exists && current.SyncState != notes.StateSynced {
			l.log.Debugw("remote change deferred to reconciliation", logger.FieldNoteID, id, logger.FieldSyncState, current.SyncState)
			return false, nil
		}
		next := notes.Entry{Note: event.Note.Normalized(), SyncState: notes.StateSynced, RemoteSeen: true}
		if exists && current.Equal(next) {
			return false, nil
		}
		if err := l.store.Put(next); err != nil {
			return false, err
		}
		l.log.Debugw("remote change applied", logger.FieldNoteID, id, logger.FieldEventOp, string(event.Op))
		return true, nil
	default:
		l.log.Warnw("unknown change op", logger.FieldNoteID, id, logger.FieldEventOp, string(event.Op))
		return false, nil
	}
}

func (l *Listener) retryDelay(attempt int) time.Duration {
	delay := l.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= l.maxDelay {
			return l.maxDelay
		}
	}
	if delay > l.maxDelay {
		return l.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
