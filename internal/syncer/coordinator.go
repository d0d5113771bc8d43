// Package syncer runs the offline-first sync state machine for one user's
// replica: local mutations, reconciliation against the cloud, draining of
// pending entries and conflict resolution.
package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/access"
	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/feed"
	"github.com/agentworkforce/relaynotes/internal/keymutex"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
	"github.com/agentworkforce/relaynotes/internal/replica"
)

type State string

const (
	StateOffline     State = "offline"
	StateReconciling State = "reconciling"
	StateIdle        State = "idle"
	StateSyncingUp   State = "syncing_up"
)

const (
	defaultOperationTimeout = 10 * time.Second
	defaultMaxParallel      = 8
	defaultOfflineRetry     = 15 * time.Second
)

type Options struct {
	Logger *zap.SugaredLogger
	// Locks is shared with the feed listener so both serialize on note id.
	Locks *keymutex.Mutex

	OperationTimeout  time.Duration
	MaxParallel       int
	ReconcileInterval time.Duration
	ReconcileJitter   float64
	OfflineRetry      time.Duration

	// OnError receives per-note failures from a drain.
	OnError func(*notes.ReconcileError)
	// OnScope receives the shared note ids after every reconciliation.
	OnScope func(noteIDs []string)

	Now func() time.Time
}

// Status is a snapshot of the coordinator for status surfaces.
type Status struct {
	UserID    string    `json:"userId"`
	State     State     `json:"state"`
	Pending   int       `json:"pending"`
	Conflicts int       `json:"conflicts"`
	Notes     int       `json:"notes"`
	LastSync  time.Time `json:"lastSync,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type Coordinator struct {
	store  *replica.Store
	remote cloud.Store
	gate   *access.Gate
	locks  *keymutex.Mutex
	log    *zap.SugaredLogger
	userID string

	opTimeout         time.Duration
	maxParallel       int
	reconcileInterval time.Duration
	reconcileJitter   float64
	offlineRetry      time.Duration
	onError           func(*notes.ReconcileError)
	onScope           func([]string)
	now               func() time.Time

	// pass serializes reconciliation and drain passes.
	pass sync.Mutex

	mu        sync.Mutex
	state     State
	lastSync  time.Time
	lastErr   error
	lastStamp time.Time
	inflight  map[string]struct{}

	kick      chan struct{}
	reconnect chan struct{}
}

func New(store *replica.Store, gate *access.Gate, remote cloud.Store, opts Options) *Coordinator {
	if gate == nil {
		gate = access.NewGate(nil)
	}
	locks := opts.Locks
	if locks == nil {
		locks = keymutex.New()
	}
	opTimeout := opts.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	offlineRetry := opts.OfflineRetry
	if offlineRetry <= 0 {
		offlineRetry = defaultOfflineRetry
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:             store,
		remote:            remote,
		gate:              gate,
		locks:             locks,
		log:               logger.OrNop(opts.Logger).With(logger.FieldComponent, "syncer", logger.FieldUserID, store.UserID()),
		userID:            store.UserID(),
		opTimeout:         opTimeout,
		maxParallel:       maxParallel,
		reconcileInterval: opts.ReconcileInterval,
		reconcileJitter:   clampJitterRatio(opts.ReconcileJitter),
		offlineRetry:      offlineRetry,
		onError:           opts.OnError,
		onScope:           opts.OnScope,
		now:               now,
		state:             StateOffline,
		inflight:          map[string]struct{}{},
		kick:              make(chan struct{}, 1),
		reconnect:         make(chan struct{}, 1),
	}
}

// Start loads the replica and seeds the gate from the persisted grants. The
// coordinator stays offline until the first successful reconciliation.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := c.store.LoadAll()
	if err != nil {
		return err
	}
	c.gate.Replace(c.store.Grants())
	c.publishScope()
	c.log.Infow("replica loaded", logger.FieldCount, len(entries))
	return nil
}

func (c *Coordinator) Store() *replica.Store {
	return c.store
}

func (c *Coordinator) Gate() *access.Gate {
	return c.gate
}

func (c *Coordinator) Locks() *keymutex.Mutex {
	return c.locks
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Online() bool {
	return c.State() != StateOffline
}

func (c *Coordinator) Status() Status {
	status := Status{UserID: c.userID}
	for _, entry := range c.store.Entries() {
		switch {
		case entry.SyncState == notes.StateConflict:
			status.Conflicts++
		case entry.SyncState.Pending():
			status.Pending++
		}
		if entry.SyncState != notes.StatePendingDelete {
			status.Notes++
		}
	}
	c.mu.Lock()
	status.State = c.state
	status.LastSync = c.lastSync
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	return status
}

// Connect reconciles the session against the cloud, leaving the coordinator
// idle on success.
func (c *Coordinator) Connect(ctx context.Context, identity notes.Identity) error {
	_, err := c.Reconcile(ctx, identity)
	return err
}

// Disconnect moves the coordinator offline. Pending entries stay pending.
func (c *Coordinator) Disconnect(err error) {
	c.goOffline(err)
}

// FeedHooks wires a feed listener to this coordinator: a fresh subscription
// requests a reconciliation and a lost one takes the coordinator offline.
func (c *Coordinator) FeedHooks() feed.Hooks {
	return feed.Hooks{
		Connected:    func(context.Context) { c.RequestReconcile() },
		Disconnected: c.Disconnect,
	}
}

// RequestReconcile asks Run for a reconciliation pass.
func (c *Coordinator) RequestReconcile() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Kick asks Run to drain pending entries if the coordinator is online.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) authorize(identity notes.Identity) error {
	if !identity.Valid() {
		return notes.Wrap(notes.ErrUnauthenticated, "no signed-in session")
	}
	if identity.UserID != c.userID {
		return notes.Wrapf(notes.ErrPermissionDenied, "replica belongs to %s", c.userID)
	}
	return nil
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.log.Debugw("sync state changed", logger.FieldFromState, string(prev), logger.FieldState, string(next))
	}
}

func (c *Coordinator) goOffline(err error) {
	c.mu.Lock()
	prev := c.state
	c.state = StateOffline
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
	if prev != StateOffline {
		c.log.Warnw("sync offline", logger.FieldFromState, string(prev), logger.FieldError, err)
	}
}

func (c *Coordinator) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// stamp returns a strictly increasing UTC timestamp later than prev.
func (c *Coordinator) stamp(prev time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	floor := c.lastStamp
	if prev.After(floor) {
		floor = prev
	}
	next := notes.NextTimestamp(c.now(), floor)
	c.lastStamp = next
	return next
}

func (c *Coordinator) markInflight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) clearInflight(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Coordinator) isInflight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inflight[id]
	return busy
}

func (c *Coordinator) publishScope() {
	if c.onScope == nil {
		return
	}
	c.onScope(c.sharedNoteIDs())
}

func (c *Coordinator) sharedNoteIDs() []string {
	seen := map[string]struct{}{}
	ids := make([]string, 0)
	add := func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, id := range c.gate.SharedNoteIDs(c.userID) {
		add(id)
	}
	for _, entry := range c.store.Entries() {
		if entry.Note.OwnerID != c.userID {
			add(entry.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}
