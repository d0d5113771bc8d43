package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/notes"
	"github.com/agentworkforce/relaynotes/internal/query"
	"github.com/agentworkforce/relaynotes/internal/replica"
)

var baseTime = notes.Timestamp(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	coord    *Coordinator
	store    *replica.Store
	backend  *replica.MemoryBackend
	identity notes.Identity
	clock    *fakeClock
}

func newHarness(t *testing.T, remote cloud.Store, userID string) *harness {
	t.Helper()
	return newHarnessWithBackend(t, remote, userID, replica.NewMemoryBackend(userID), Options{})
}

func newHarnessWithBackend(t *testing.T, remote cloud.Store, userID string, backend *replica.MemoryBackend, opts Options) *harness {
	t.Helper()
	if backend == nil {
		backend = replica.NewMemoryBackend(userID)
	}
	clock := &fakeClock{now: baseTime}
	opts.Now = clock.Now
	store := replica.NewStore(backend, userID, nil)
	coord := New(store, nil, remote, opts)
	require.NoError(t, coord.Start(context.Background()))
	return &harness{
		coord:    coord,
		store:    store,
		backend:  backend,
		identity: notes.Identity{UserID: userID, Authenticated: true},
		clock:    clock,
	}
}

func (h *harness) reconcile(t *testing.T) ReconcileResult {
	t.Helper()
	result, err := h.coord.Reconcile(context.Background(), h.identity)
	require.NoError(t, err)
	return result
}

func (h *harness) entry(t *testing.T, id string) notes.Entry {
	t.Helper()
	entry, ok := h.store.Get(id)
	require.True(t, ok, "entry %s missing", id)
	return entry
}

func remoteNote(id, owner, title string, updated time.Time) notes.Note {
	return notes.Note{ID: id, OwnerID: owner, Title: title, Content: "body", Tags: []string{}, CreatedAt: baseTime, UpdatedAt: updated}
}

func strPtr(s string) *string { return &s }

func TestStartsOfflineAndConnects(t *testing.T) {
	remote := cloud.NewMemory()
	h := newHarness(t, remote, "alice")
	assert.Equal(t, StateOffline, h.coord.State())

	require.NoError(t, h.coord.Connect(context.Background(), h.identity))
	assert.Equal(t, StateIdle, h.coord.State())
	status := h.coord.Status()
	assert.Equal(t, "alice", status.UserID)
	assert.Equal(t, baseTime, status.LastSync)
}

func TestSessionIdentityIsChecked(t *testing.T) {
	h := newHarness(t, cloud.NewMemory(), "alice")

	_, err := h.coord.Create(context.Background(), notes.Identity{UserID: "alice"}, Draft{Title: "x"})
	assert.True(t, errors.Is(err, notes.ErrUnauthenticated))

	_, err = h.coord.Notes(notes.Identity{UserID: "mallory", Authenticated: true})
	assert.True(t, errors.Is(err, notes.ErrPermissionDenied))

	_, err = h.coord.Reconcile(context.Background(), notes.Identity{})
	assert.True(t, errors.Is(err, notes.ErrUnauthenticated))
}

func TestCreateValidatesID(t *testing.T) {
	h := newHarness(t, cloud.NewMemory(), "alice")
	for _, id := range []string{"../escape", ".hidden", "a b"} {
		_, err := h.coord.Create(context.Background(), h.identity, Draft{ID: id})
		assert.True(t, errors.Is(err, notes.ErrInvalidInput), id)
	}

	_, err := h.coord.Create(context.Background(), h.identity, Draft{ID: "n1"})
	require.NoError(t, err)
	_, err = h.coord.Create(context.Background(), h.identity, Draft{ID: "n1"})
	assert.True(t, errors.Is(err, notes.ErrInvalidInput))
}

func TestOfflineCreateStaysPendingAcrossRestart(t *testing.T) {
	remote := cloud.NewMemory()
	remote.SetOffline(true)
	backend := replica.NewMemoryBackend("alice")
	h := newHarnessWithBackend(t, remote, "alice", backend, Options{})

	_, err := h.coord.Reconcile(context.Background(), h.identity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, notes.ErrNetworkUnavailable))
	assert.Equal(t, StateOffline, h.coord.State())

	created, err := h.coord.Create(context.Background(), h.identity, Draft{Title: "offline", Tags: []string{"b", "a", "a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, created.Tags)
	assert.Equal(t, baseTime, created.CreatedAt)

	_, err = h.coord.Drain(context.Background(), h.identity)
	assert.True(t, errors.Is(err, notes.ErrNetworkUnavailable))
	assert.Zero(t, remote.Calls("UpsertNote"))

	restarted := newHarnessWithBackend(t, remote, "alice", backend, Options{})
	entry := restarted.entry(t, created.ID)
	assert.Equal(t, notes.StatePendingCreate, entry.SyncState)
	assert.False(t, entry.RemoteSeen)
	assert.Equal(t, "offline", entry.Note.Title)

	remote.SetOffline(false)
	result := restarted.reconcile(t)
	assert.Equal(t, 1, result.Drain.Pushed)
	entry = restarted.entry(t, created.ID)
	assert.Equal(t, notes.StateSynced, entry.SyncState)
	assert.True(t, entry.RemoteSeen)
	pushed, ok := remote.Snapshot(created.ID)
	require.True(t, ok)
	assert.Equal(t, "offline", pushed.Title)
	assert.Equal(t, "alice", pushed.OwnerID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	remote := cloud.NewMemory()
	remote.Seed(remoteNote("n1", "alice", "one", baseTime))
	remote.Seed(remoteNote("n2", "alice", "two", baseTime.Add(time.Minute)))
	h := newHarness(t, remote, "alice")

	first := h.reconcile(t)
	assert.Equal(t, 2, first.Inserted)

	var changes atomic.Int32
	unsubscribe := h.store.Subscribe(func(string, *notes.Entry) { changes.Add(1) })
	defer unsubscribe()

	second := h.reconcile(t)
	assert.Zero(t, second.Inserted)
	assert.Zero(t, second.Updated)
	assert.Zero(t, second.Removed)
	assert.Equal(t, 2, second.Unchanged)
	assert.Zero(t, changes.Load(), "a repeated snapshot writes nothing")

	list, err := h.coord.Notes(h.identity)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "n2", list[0].ID)
}

func TestLastWriterWins(t *testing.T) {
	tests := []struct {
		name       string
		localAt    time.Duration
		remoteAt   time.Duration
		wantTitle  string
		wantRemote string
	}{
		{name: "newer local edit is pushed", localAt: 2 * time.Minute, remoteAt: time.Minute, wantTitle: "local", wantRemote: "local"},
		{name: "newer remote edit replaces local", localAt: time.Minute, remoteAt: 2 * time.Minute, wantTitle: "remote", wantRemote: "remote"},
		{name: "tie goes to the remote", localAt: time.Minute, remoteAt: time.Minute, wantTitle: "remote", wantRemote: "remote"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := cloud.NewMemory()
			remote.Seed(remoteNote("n1", "alice", "original", baseTime))
			h := newHarness(t, remote, "alice")
			h.reconcile(t)

			remote.SetOffline(true)
			h.coord.Disconnect(notes.ErrNetworkUnavailable)
			h.clock.Set(baseTime.Add(tt.localAt))
			_, err := h.coord.Update(context.Background(), h.identity, "n1", Patch{Title: strPtr("local")})
			require.NoError(t, err)
			require.Equal(t, baseTime.Add(tt.localAt), h.entry(t, "n1").Note.UpdatedAt)

			remote.Seed(remoteNote("n1", "alice", "remote", baseTime.Add(tt.remoteAt)))
			remote.SetOffline(false)
			h.reconcile(t)

			entry := h.entry(t, "n1")
			assert.Equal(t, tt.wantTitle, entry.Note.Title)
			assert.Equal(t, notes.StateSynced, entry.SyncState)
			stored, ok := remote.Snapshot("n1")
			require.True(t, ok)
			assert.Equal(t, tt.wantRemote, stored.Title)
		})
	}
}

func TestViewerCannotMutate(t *testing.T) {
	remote := cloud.NewMemory()
	remote.Seed(remoteNote("n1", "alice", "shared", baseTime))
	require.NoError(t, remote.UpsertGrant(context.Background(), "alice", notes.PermissionGrant{NoteID: "n1", GranteeID: "bob", Level: notes.LevelViewer}))

	bob := newHarness(t, remote, "bob")
	bob.reconcile(t)
	before := bob.entry(t, "n1")

	var writes atomic.Int32
	unsubscribe := bob.store.Subscribe(func(string, *notes.Entry) { writes.Add(1) })
	defer unsubscribe()
	upserts := remote.Calls("UpsertNote")

	_, err := bob.coord.Update(context.Background(), bob.identity, "n1", Patch{Title: strPtr("hijack")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, notes.ErrPermissionDenied))
	assert.Contains(t, err.Error(), "viewer")

	err = bob.coord.Delete(context.Background(), bob.identity, "n1")
	assert.True(t, errors.Is(err, notes.ErrPermissionDenied))

	assert.Zero(t, writes.Load(), "the replica is not written")
	assert.Equal(t, before, bob.entry(t, "n1"))
	assert.Equal(t, upserts, remote.Calls("UpsertNote"), "no network call is made")

	got, err := bob.coord.Note(bob.identity, "n1")
	require.NoError(t, err)
	assert.Equal(t, "shared", got.Note.Title)
}

func TestEditorUpdateKeepsOwner(t *testing.T) {
	remote := cloud.NewMemory()
	remote.Seed(remoteNote("n1", "alice", "shared", baseTime))
	require.NoError(t, remote.UpsertGrant(context.Background(), "alice", notes.PermissionGrant{NoteID: "n1", GranteeID: "bob", Level: notes.LevelEditor}))

	bob := newHarness(t, remote, "bob")
	bob.reconcile(t)
	bob.clock.Advance(time.Hour)

	updated, err := bob.coord.Update(context.Background(), bob.identity, "n1", Patch{Content: strPtr("edited by bob")})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.OwnerID)
	assert.Equal(t, notes.StatePendingUpdate, bob.entry(t, "n1").SyncState)

	result, err := bob.coord.Drain(context.Background(), bob.identity)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pushed)

	stored, _ := remote.Snapshot("n1")
	assert.Equal(t, "edited by bob", stored.Content)
	assert.Equal(t, "alice", stored.OwnerID)
	assert.Equal(t, notes.StateSynced, bob.entry(t, "n1").SyncState)
}

func TestRemoteDeleteBeatsPendingEdit(t *testing.T) {
	remote := cloud.NewMemory()
	remote.Seed(remoteNote("n1", "alice", "doomed", baseTime))
	h := newHarness(t, remote, "alice")
	h.reconcile(t)

	h.coord.Disconnect(nil)
	h.clock.Advance(time.Hour)
	_, err := h.coord.Update(context.Background(), h.identity, "n1", Patch{Title: strPtr("late edit")})
	require.NoError(t, err)

	require.NoError(t, remote.DeleteNotes(context.Background(), []string{"n1"}, "alice"))
	result := h.reconcile(t)
	assert.Equal(t, 1, result.Removed)
	_, ok := h.store.Get("n1")
	assert.False(t, ok)
	assert.Zero(t, remote.Len(), "the deleted note is not resurrected")
}

func TestDeleteOfNeverSyncedNoteIsLocal(t *testing.T) {
	remote := cloud.NewMemory()
	h := newHarness(t, remote, "alice")

	created, err := h.coord.Create(context.Background(), h.identity, Draft{Title: "scratch"})
	require.NoError(t, err)
	require.NoError(t, h.coord.Delete(context.Background(), h.identity, created.ID, "absent"))

	_, ok := h.store.Get(created.ID)
	assert.False(t, ok)
	h.reconcile(t)
	assert.Zero(t, remote.Calls("DeleteNotes"))
	assert.Zero(t, remote.Calls("UpsertNote"))
}

func TestDeletePropagates(t *testing.T) {
	remote := cloud.NewMemory()
	h := newHarness(t, remote, "alice")
	h.reconcile(t)

	created, err := h.coord.Create(context.Background(), h.identity, Draft{Title: "to delete"})
	require.NoError(t, err)
	_, err = h.coord.Drain(context.Background(), h.identity)
	require.NoError(t, err)
	require.Equal(t, 1, remote.Len())

	require.NoError(t, h.coord.Delete(context.Background(), h.identity, created.ID))
	entry := h.entry(t, created.ID)
	assert.Equal(t, notes.StatePendingDelete, entry.SyncState)

	list, err := h.coord.Notes(h.identity)
	require.NoError(t, err)
	assert.Empty(t, list, "pending deletes are hidden")
	_, err = h.coord.Note(h.identity, created.ID)
	assert.True(t, errors.Is(err, notes.ErrNotFound))

	result, err := h.coord.Drain(context.Background(), h.identity)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.Zero(t, remote.Len())
	_, ok := h.store.Get(created.ID)
	assert.False(t, ok)
}

func TestTwoReplicasConverge(t *testing.T) {
	remote := cloud.NewMemory()
	laptop := newHarness(t, remote, "alice")
	phone := newHarness(t, remote, "alice")
	laptop.reconcile(t)
	phone.reconcile(t)

	_, err := laptop.coord.Create(context.Background(), laptop.identity, Draft{ID: "from-laptop", Title: "laptop"})
	require.NoError(t, err)
	phone.clock.Advance(time.Second)
	_, err = phone.coord.Create(context.Background(), phone.identity, Draft{ID: "from-phone", Title: "phone"})
	require.NoError(t, err)

	laptop.reconcile(t)
	phone.reconcile(t)
	laptop.reconcile(t)

	phone.clock.Advance(time.Minute)
	_, err = phone.coord.Update(context.Background(), phone.identity, "from-laptop", Patch{Title: strPtr("edited on phone")})
	require.NoError(t, err)
	phone.reconcile(t)
	laptop.reconcile(t)

	laptopNotes, err := laptop.coord.Entries(laptop.identity)
	require.NoError(t, err)
	phoneNotes, err := phone.coord.Entries(phone.identity)
	require.NoError(t, err)
	require.Len(t, laptopNotes, 2)
	require.Len(t, phoneNotes, 2)
	for i := range laptopNotes {
		assert.True(t, laptopNotes[i].Equal(phoneNotes[i]), "entry %s diverged", laptopNotes[i].ID())
		assert.Equal(t, notes.StateSynced, laptopNotes[i].SyncState)
	}
	assert.Equal(t, "edited on phone", laptop.entry(t, "from-laptop").Note.Title)
}

func TestRejectedPushBecomesConflict(t *testing.T) {
	remote := cloud.NewMemory()
	remote.Seed(remoteNote("n1", "alice", "shared", baseTime))
	require.NoError(t, remote.UpsertGrant(context.Background(), "alice", notes.PermissionGrant{NoteID: "n1", GranteeID: "bob", Level: notes.LevelEditor}))

	var reported []*notes.ReconcileError
	bob := newHarnessWithBackend(t, remote, "bob", replica.NewMemoryBackend("bob"), Options{
		OnError: func(err *notes.ReconcileError) { reported = append(reported, err) },
	})
	bob.reconcile(t)

	require.NoError(t, remote.UpsertGrant(context.Background(), "alice", notes.PermissionGrant{NoteID: "n1", GranteeID: "bob", Level: notes.LevelViewer}))
	bob.clock.Advance(time.Hour)
	_, err := bob.coord.Update(context.Background(), bob.identity, "n1", Patch{Title: strPtr("too late")})
	require.NoError(t, err, "the local grant still says editor")

	result, err := bob.coord.Drain(context.Background(), bob.identity)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, notes.StateConflict, bob.entry(t, "n1").SyncState)
	require.Len(t, reported, 1)
	assert.Equal(t, "n1", reported[0].NoteID)
	assert.Equal(t, notes.StatePendingUpdate, reported[0].Op)
	assert.True(t, errors.Is(reported[0], notes.ErrPermissionDenied))
	assert.Equal(t, StateIdle, bob.coord.State(), "a rejection is not a connectivity loss")

	upserts := remote.Calls("UpsertNote")
	bob.reconcile(t)
	assert.Equal(t, upserts, remote.Calls("UpsertNote"), "conflicts are not retried")
	assert.Equal(t, "too late", bob.entry(t, "n1").Note.Title)

	conflicts, err := bob.coord.Conflicts(bob.identity)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	_, err = bob.coord.ResolveConflict(context.Background(), bob.identity, "n1", KeepLocal)
	assert.True(t, errors.Is(err, notes.ErrPermissionDenied), "viewers cannot keep their edit")

	_, err = bob.coord.ResolveConflict(context.Background(), bob.identity, "n1", KeepRemote)
	require.NoError(t, err)
	bob.reconcile(t)
	entry := bob.entry(t, "n1")
	assert.Equal(t, "shared", entry.Note.Title)
	assert.Equal(t, notes.StateSynced, entry.SyncState)
}

func TestKeepLocalRecreatesRemotelyDeletedNote(t *testing.T) {
	remote := cloud.NewMemory()
	h := newHarness(t, remote, "alice")
	h.reconcile(t)
	created, err := h.coord.Create(context.Background(), h.identity, Draft{ID: "n1", Title: "v1"})
	require.NoError(t, err)
	_, err = h.coord.Drain(context.Background(), h.identity)
	require.NoError(t, err)

	require.NoError(t, remote.DeleteNotes(context.Background(), []string{created.ID}, "alice"))
	h.clock.Advance(time.Minute)
	_, err = h.coord.Update(context.Background(), h.identity, "n1", Patch{Title: strPtr("v2")})
	require.NoError(t, err)
	result, err := h.coord.Drain(context.Background(), h.identity)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)

	_, err = h.coord.Update(context.Background(), h.identity, "n1", Patch{Title: strPtr("v3")})
	assert.True(t, errors.Is(err, notes.ErrRemoteConflict), "edits wait for an explicit resolution")
	assert.Equal(t, notes.StateConflict, h.entry(t, "n1").SyncState)
	assert.Equal(t, "v2", h.entry(t, "n1").Note.Title)

	_, err = h.coord.ResolveConflict(context.Background(), h.identity, "n1", KeepLocal)
	require.NoError(t, err)
	entry := h.entry(t, "n1")
	assert.Equal(t, notes.StatePendingCreate, entry.SyncState)

	_, err = h.coord.Drain(context.Background(), h.identity)
	require.NoError(t, err)
	stored, ok := remote.Snapshot("n1")
	require.True(t, ok)
	assert.Equal(t, "v2", stored.Title)
	assert.Equal(t, notes.StateSynced, h.entry(t, "n1").SyncState)

	_, err = h.coord.ResolveConflict(context.Background(), h.identity, "n1", KeepRemote)
	assert.True(t, errors.Is(err, notes.ErrInvalidInput), "only conflicts can be resolved")
}

func TestParseResolution(t *testing.T) {
	for raw, want := range map[string]Resolution{"local": KeepLocal, " KEEP_REMOTE ": KeepRemote} {
		got, err := ParseResolution(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseResolution("merge")
	assert.True(t, errors.Is(err, notes.ErrInvalidInput))
}

// racingStore edits the note locally while the first upsert is in flight.
type racingStore struct {
	*cloud.Memory
	once   sync.Once
	during func()
}

func (s *racingStore) UpsertNote(ctx context.Context, actorID string, note notes.Note, mustExist bool) (notes.Note, error) {
	s.once.Do(s.during)
	return s.Memory.UpsertNote(ctx, actorID, note, mustExist)
}

func TestStalePushKeepsNewerLocalEdit(t *testing.T) {
	memory := cloud.NewMemory()
	racing := &racingStore{Memory: memory}
	h := newHarness(t, racing, "alice")
	h.reconcile(t)

	_, err := h.coord.Create(context.Background(), h.identity, Draft{ID: "n1", Title: "first"})
	require.NoError(t, err)
	racing.during = func() {
		h.clock.Advance(time.Second)
		_, err := h.coord.Update(context.Background(), h.identity, "n1", Patch{Title: strPtr("second")})
		assert.NoError(t, err)
	}

	result, err := h.coord.Drain(context.Background(), h.identity)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stale)
	entry := h.entry(t, "n1")
	assert.Equal(t, "second", entry.Note.Title, "the push result does not overwrite the newer edit")
	assert.Equal(t, notes.StatePendingCreate, entry.SyncState)
	assert.True(t, entry.RemoteSeen)

	_, err = h.coord.Drain(context.Background(), h.identity)
	require.NoError(t, err)
	stored, _ := memory.Snapshot("n1")
	assert.Equal(t, "second", stored.Title)
	assert.Equal(t, notes.StateSynced, h.entry(t, "n1").SyncState)
}

func TestNetworkLossDuringDrainGoesOffline(t *testing.T) {
	remote := cloud.NewMemory()
	h := newHarness(t, remote, "alice")
	h.reconcile(t)

	for _, title := range []string{"a", "b", "c"} {
		_, err := h.coord.Create(context.Background(), h.identity, Draft{Title: title})
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	remote.SetOffline(true)

	_, err := h.coord.Drain(context.Background(), h.identity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, notes.ErrNetworkUnavailable))
	assert.Equal(t, StateOffline, h.coord.State())
	status := h.coord.Status()
	assert.Equal(t, 3, status.Pending)
	assert.NotEmpty(t, status.LastError)

	remote.SetOffline(false)
	result := h.reconcile(t)
	assert.Equal(t, 3, result.Drain.Pushed)
	assert.Zero(t, h.coord.Status().Pending)
}

func TestSharing(t *testing.T) {
	remote := cloud.NewMemory()
	alice := newHarness(t, remote, "alice")
	bob := newHarness(t, remote, "bob")
	alice.reconcile(t)
	bob.reconcile(t)

	created, err := alice.coord.Create(context.Background(), alice.identity, Draft{Title: "plan", Tags: []string{"work"}})
	require.NoError(t, err)

	_, err = alice.coord.Share(context.Background(), alice.identity, created.ID, "bob", "viewer")
	assert.True(t, errors.Is(err, notes.ErrInvalidInput), "unsynced notes cannot be shared")

	_, err = alice.coord.Drain(context.Background(), alice.identity)
	require.NoError(t, err)
	_, err = alice.coord.Share(context.Background(), alice.identity, created.ID, "bob", "owner")
	assert.True(t, errors.Is(err, notes.ErrInvalidInput))
	grant, err := alice.coord.Share(context.Background(), alice.identity, created.ID, "bob", "commenter")
	require.NoError(t, err)
	assert.Equal(t, "alice", grant.GrantedBy)

	var scopes [][]string
	bob.coord.onScope = func(ids []string) { scopes = append(scopes, ids) }
	bob.reconcile(t)
	got, err := bob.coord.Note(bob.identity, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan", got.Note.Title)
	require.NotEmpty(t, scopes)
	assert.Equal(t, []string{created.ID}, scopes[len(scopes)-1])

	tags, err := bob.coord.Tags(bob.identity)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, tags)
	found, err := bob.coord.Search(bob.identity, query.Query{Text: "PLAN"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	_, err = bob.coord.Share(context.Background(), bob.identity, created.ID, "carol", "viewer")
	assert.True(t, errors.Is(err, notes.ErrPermissionDenied), "only owners share")

	grants, err := alice.coord.Grants(context.Background(), alice.identity, created.ID)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, notes.LevelCommenter, grants[0].Level)

	require.NoError(t, bob.coord.Unshare(context.Background(), bob.identity, created.ID, "bob"))
	_, ok := bob.store.Get(created.ID)
	assert.False(t, ok, "leaving drops the note")
	assert.Equal(t, []string{}, scopes[len(scopes)-1])

	grants, err = alice.coord.Grants(context.Background(), alice.identity, created.ID)
	require.NoError(t, err)
	assert.Empty(t, grants)

	alice.coord.Disconnect(nil)
	_, err = alice.coord.Share(context.Background(), alice.identity, created.ID, "bob", "viewer")
	assert.True(t, errors.Is(err, notes.ErrNetworkUnavailable))
	assert.Equal(t, 1, remote.Calls("UpsertGrant"))
}

func TestRunDrainsAfterMutation(t *testing.T) {
	remote := cloud.NewMemory()
	h := newHarnessWithBackend(t, remote, "alice", replica.NewMemoryBackend("alice"), Options{
		OfflineRetry: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, h.identity) }()

	require.Eventually(t, func() bool { return h.coord.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	created, err := h.coord.Create(context.Background(), h.identity, Draft{Title: "kicked"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := remote.Snapshot(created.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	remote.SetOffline(true)
	h.coord.Disconnect(notes.ErrNetworkUnavailable)
	remote.SetOffline(false)
	require.Eventually(t, func() bool { return h.coord.State() == StateIdle }, 2*time.Second, 5*time.Millisecond, "the offline retry reconnects")

	cancel()
	require.NoError(t, <-done)
}

func TestFeedHooks(t *testing.T) {
	h := newHarness(t, cloud.NewMemory(), "alice")
	h.reconcile(t)
	hooks := h.coord.FeedHooks()

	hooks.Disconnected(notes.ErrNetworkUnavailable)
	assert.Equal(t, StateOffline, h.coord.State())

	hooks.Connected(context.Background())
	select {
	case <-h.coord.reconnect:
	default:
		t.Fatal("expected a reconcile request")
	}
}
