// Package notes holds the data model shared by the replica, the access gate,
// the cloud adapters and the sync coordinator.
package notes

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelNone      Level = "none"
	LevelViewer    Level = "viewer"
	LevelCommenter Level = "commenter"
	LevelEditor    Level = "editor"
	LevelOwner     Level = "owner"
)

// ParseGrantLevel accepts only the levels a grant may carry.
func ParseGrantLevel(raw string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(raw))) {
	case LevelViewer:
		return LevelViewer, nil
	case LevelCommenter:
		return LevelCommenter, nil
	case LevelEditor:
		return LevelEditor, nil
	default:
		return "", Wrapf(ErrInvalidInput, "unsupported grant level %q", raw)
	}
}

type SyncState string

const (
	StateSynced        SyncState = "synced"
	StatePendingCreate SyncState = "pending_create"
	StatePendingUpdate SyncState = "pending_update"
	StatePendingDelete SyncState = "pending_delete"
	StateConflict      SyncState = "conflict"
)

func (s SyncState) Pending() bool {
	return strings.HasPrefix(string(s), "pending_")
}

func (s SyncState) Valid() bool {
	switch s {
	case StateSynced, StatePendingCreate, StatePendingUpdate, StatePendingDelete, StateConflict:
		return true
	}
	return false
}

type Note struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SameContent reports whether two snapshots carry identical user-visible state.
func (n Note) SameContent(other Note) bool {
	if n.ID != other.ID || n.OwnerID != other.OwnerID || n.Title != other.Title || n.Content != other.Content {
		return false
	}
	if !n.CreatedAt.Equal(other.CreatedAt) || !n.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	a, b := NormalizeTags(n.Tags), NormalizeTags(other.Tags)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Normalized returns a copy with tags sorted and timestamps at storage precision.
func (n Note) Normalized() Note {
	n.Tags = NormalizeTags(n.Tags)
	n.CreatedAt = Timestamp(n.CreatedAt)
	n.UpdatedAt = Timestamp(n.UpdatedAt)
	return n
}

// Entry is the local replica record for one note.
type Entry struct {
	Note       Note      `json:"note"`
	SyncState  SyncState `json:"syncState"`
	RemoteSeen bool      `json:"remoteSeen"`
}

func (e Entry) ID() string {
	return e.Note.ID
}

func (e Entry) Equal(other Entry) bool {
	return e.SyncState == other.SyncState && e.RemoteSeen == other.RemoteSeen && e.Note.SameContent(other.Note)
}

type PermissionGrant struct {
	NoteID    string    `json:"noteId"`
	GranteeID string    `json:"granteeId"`
	Level     Level     `json:"level"`
	GrantedBy string    `json:"grantedBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the already-authenticated caller. The engine never handles credentials.
type Identity struct {
	UserID        string
	Authenticated bool
}

func (i Identity) Valid() bool {
	return i.Authenticated && strings.TrimSpace(i.UserID) != ""
}

func NewID() string {
	return uuid.NewString()
}

// Timestamp truncates to microseconds, the precision PostgreSQL keeps.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}

// NextTimestamp returns now, bumped past prev when the wall clock has not advanced.
func NextTimestamp(now, prev time.Time) time.Time {
	now = Timestamp(now)
	if !prev.IsZero() && !now.After(prev) {
		return Timestamp(prev).Add(time.Microsecond)
	}
	return now
}

func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// SortByUpdatedDesc orders newest first, breaking ties by id.
func SortByUpdatedDesc(list []Note) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
