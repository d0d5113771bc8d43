// Package cloud defines the ports to the authoritative remote store and its
// change feed, with PostgreSQL and in-process adapters.
package cloud

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

// Store is the authoritative remote collaborator. Implementations enforce
// row-level permissions for the acting user.
type Store interface {
	FetchOwned(ctx context.Context, userID string) ([]notes.Note, error)
	FetchShared(ctx context.Context, userID string) ([]notes.Note, error)
	// UpsertNote creates or replaces note as actorID. With mustExist set, a
	// missing row is ErrNotFound instead of being created.
	UpsertNote(ctx context.Context, actorID string, note notes.Note, mustExist bool) (notes.Note, error)
	DeleteNotes(ctx context.Context, ids []string, ownerID string) error
	ListGrants(ctx context.Context, noteID string) ([]notes.PermissionGrant, error)
	UpsertGrant(ctx context.Context, actorID string, grant notes.PermissionGrant) error
	DeleteGrant(ctx context.Context, actorID, noteID, userID string) error
}

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is one remote mutation. For deletes only the note id and owner are set.
type ChangeEvent struct {
	Op   Op         `json:"op"`
	Note notes.Note `json:"note"`
}

// Scope selects the events a subscription receives: every note owned by
// UserID plus the listed note ids.
type Scope struct {
	UserID  string
	NoteIDs []string
}

func (s Scope) Contains(note notes.Note) bool {
	if note.OwnerID != "" && note.OwnerID == s.UserID {
		return true
	}
	for _, id := range s.NoteIDs {
		if id == note.ID {
			return true
		}
	}
	return false
}

// Subscription delivers events until it is closed or the transport fails.
// Events is closed when the subscription ends; Err then reports why.
type Subscription interface {
	Events() <-chan ChangeEvent
	SetScope(scope Scope) error
	Err() error
	Close() error
}

// Feed opens change subscriptions. Events missed while no subscription is
// open are not replayed.
type Feed interface {
	Subscribe(ctx context.Context, scope Scope) (Subscription, error)
}

// Remote bundles the store and feed opened from one DSN.
type Remote struct {
	Store Store
	Feed  Feed
	close func() error
}

func (r *Remote) Close() error {
	if r == nil || r.close == nil {
		return nil
	}
	return r.close()
}

// Open builds the remote named by dsn: postgres:// or postgresql:// for
// PostgreSQL, memory:// for an in-process store.
func Open(dsn string, log *zap.SugaredLogger) (*Remote, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, notes.Wrap(notes.ErrInvalidInput, "cloud dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		store, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		feed := NewPostgresFeed(dsn, store, log)
		return &Remote{Store: store, Feed: feed, close: store.Close}, nil
	case "memory", "mem", "inmem":
		mem := NewMemory()
		return &Remote{Store: mem, Feed: mem}, nil
	default:
		return nil, fmt.Errorf("unsupported cloud scheme: %s", parsed.Scheme)
	}
}
