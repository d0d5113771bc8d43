package cloud

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresNotifyChannel    = "note_changes"
)

// The trigger payload is a change event without the note body; the feed
// hydrates inserts and updates by id.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	tags TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS notes_owner_updated_idx ON notes (owner_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS note_permissions (
	note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	permission TEXT NOT NULL CHECK (permission IN ('viewer', 'commenter', 'editor')),
	granted_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (note_id, user_id)
);
CREATE INDEX IF NOT EXISTS note_permissions_user_idx ON note_permissions (user_id);
CREATE OR REPLACE FUNCTION relaynotes_notify_change() RETURNS trigger AS $$
DECLARE
	rec RECORD;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD;
	ELSE
		rec := NEW;
	END IF;
	PERFORM pg_notify('note_changes', json_build_object(
		'op', lower(TG_OP),
		'note', json_build_object('id', rec.id, 'ownerId', rec.owner_id)
	)::text);
	RETURN rec;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS notes_notify_change ON notes;
CREATE TRIGGER notes_notify_change AFTER INSERT OR UPDATE OR DELETE ON notes
	FOR EACH ROW EXECUTE FUNCTION relaynotes_notify_change();`

const noteColumns = `id, owner_id, title, content, tags, created_at, updated_at`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is the authoritative Store on PostgreSQL. Row-level rules: owners
// and editors may update, only the owner creates, deletes or manages grants,
// and a grantee may drop their own grant.
type Postgres struct {
	dsn       string
	openDB    sqlOpenFunc
	opTimeout time.Duration

	// mu guards db. A failed open or schema setup leaves db nil so the next
	// call retries.
	mu sync.Mutex
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, notes.Wrap(notes.ErrInvalidInput, "postgres dsn is required")
	}
	return &Postgres{
		dsn:       dsn,
		openDB:    sql.Open,
		opTimeout: postgresOperationTimeout,
	}, nil
}

func (p *Postgres) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *Postgres) ensureReady() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}
	db, err := p.openDB("postgres", p.dsn)
	if err != nil {
		return classifyPostgresError(err, "open postgres")
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return classifyPostgresError(err, "create schema")
	}
	p.db = db
	return nil
}

func (p *Postgres) conn() *sql.DB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opTimeout)
}

func (p *Postgres) FetchOwned(ctx context.Context, userID string) ([]notes.Note, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.conn().QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE owner_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, classifyPostgresError(err, "fetch owned notes")
	}
	return scanNotes(rows)
}

func (p *Postgres) FetchShared(ctx context.Context, userID string) ([]notes.Note, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.conn().QueryContext(ctx, `
		SELECT n.id, n.owner_id, n.title, n.content, n.tags, n.created_at, n.updated_at
		FROM notes n
		JOIN note_permissions np ON np.note_id = n.id
		WHERE np.user_id = $1
		ORDER BY n.updated_at DESC`, userID)
	if err != nil {
		return nil, classifyPostgresError(err, "fetch shared notes")
	}
	return scanNotes(rows)
}

// getNote loads one note without a permission check; the feed uses it to
// hydrate notifications that are already scoped.
func (p *Postgres) getNote(ctx context.Context, id string) (notes.Note, bool, error) {
	if err := p.ensureReady(); err != nil {
		return notes.Note{}, false, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	note, err := scanNote(p.conn().QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notes.Note{}, false, nil
	}
	if err != nil {
		return notes.Note{}, false, classifyPostgresError(err, "load note")
	}
	return note, true, nil
}

func (p *Postgres) UpsertNote(ctx context.Context, actorID string, note notes.Note, mustExist bool) (notes.Note, error) {
	if err := p.ensureReady(); err != nil {
		return notes.Note{}, err
	}
	note = note.Normalized()
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.conn().BeginTx(ctx, nil)
	if err != nil {
		return notes.Note{}, classifyPostgresError(err, "begin upsert")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var ownerID string
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM notes WHERE id = $1 FOR UPDATE`, note.ID).Scan(&ownerID)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return notes.Note{}, classifyPostgresError(err, "lock note")
	}

	var saved notes.Note
	switch {
	case !exists && mustExist:
		return notes.Note{}, notes.Wrapf(notes.ErrNotFound, "note %s", note.ID)
	case !exists:
		if note.OwnerID != actorID {
			return notes.Note{}, notes.Wrapf(notes.ErrPermissionDenied, "create note %s for %s", note.ID, note.OwnerID)
		}
		saved, err = scanNote(tx.QueryRowContext(ctx, `
			INSERT INTO notes (id, owner_id, title, content, tags, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), COALESCE($7, NOW()))
			RETURNING `+noteColumns,
			note.ID, note.OwnerID, note.Title, note.Content, pq.Array(note.Tags),
			nullTime(note.CreatedAt), nullTime(note.UpdatedAt)))
	default:
		if ownerID != actorID {
			var level string
			err := tx.QueryRowContext(ctx,
				`SELECT permission FROM note_permissions WHERE note_id = $1 AND user_id = $2`,
				note.ID, actorID).Scan(&level)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && notes.Level(level) != notes.LevelEditor) {
				return notes.Note{}, notes.Wrapf(notes.ErrPermissionDenied, "update note %s", note.ID)
			}
			if err != nil {
				return notes.Note{}, classifyPostgresError(err, "load grant")
			}
		}
		saved, err = scanNote(tx.QueryRowContext(ctx, `
			UPDATE notes SET title = $2, content = $3, tags = $4, updated_at = COALESCE($5, NOW())
			WHERE id = $1
			RETURNING `+noteColumns,
			note.ID, note.Title, note.Content, pq.Array(note.Tags), nullTime(note.UpdatedAt)))
	}
	if err != nil {
		return notes.Note{}, classifyPostgresError(err, "write note")
	}
	if err := tx.Commit(); err != nil {
		return notes.Note{}, classifyPostgresError(err, "commit upsert")
	}
	committed = true
	return saved, nil
}

func (p *Postgres) DeleteNotes(ctx context.Context, ids []string, ownerID string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.conn().BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgresError(err, "begin delete")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT id, owner_id FROM notes WHERE id = ANY($1) FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return classifyPostgresError(err, "lock notes")
	}
	var foreign string
	for rows.Next() {
		var id, owner string
		if err := rows.Scan(&id, &owner); err != nil {
			_ = rows.Close()
			return classifyPostgresError(err, "scan notes")
		}
		if owner != ownerID && foreign == "" {
			foreign = id
		}
	}
	if err := rows.Close(); err != nil {
		return classifyPostgresError(err, "scan notes")
	}
	if foreign != "" {
		return notes.Wrapf(notes.ErrPermissionDenied, "delete note %s", foreign)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ANY($1) AND owner_id = $2`, pq.Array(ids), ownerID); err != nil {
		return classifyPostgresError(err, "delete notes")
	}
	if err := tx.Commit(); err != nil {
		return classifyPostgresError(err, "commit delete")
	}
	committed = true
	return nil
}

func (p *Postgres) ListGrants(ctx context.Context, noteID string) ([]notes.PermissionGrant, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.conn().QueryContext(ctx, `
		SELECT note_id, user_id, permission, granted_by, created_at
		FROM note_permissions WHERE note_id = $1 ORDER BY user_id`, noteID)
	if err != nil {
		return nil, classifyPostgresError(err, "list grants")
	}
	defer rows.Close()
	out := make([]notes.PermissionGrant, 0)
	for rows.Next() {
		var grant notes.PermissionGrant
		var level string
		if err := rows.Scan(&grant.NoteID, &grant.GranteeID, &level, &grant.GrantedBy, &grant.CreatedAt); err != nil {
			return nil, classifyPostgresError(err, "scan grant")
		}
		grant.Level = notes.Level(level)
		grant.CreatedAt = notes.Timestamp(grant.CreatedAt)
		out = append(out, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err, "list grants")
	}
	return out, nil
}

func (p *Postgres) UpsertGrant(ctx context.Context, actorID string, grant notes.PermissionGrant) error {
	level, err := notes.ParseGrantLevel(string(grant.Level))
	if err != nil {
		return err
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	ownerID, err := p.ownerOf(ctx, grant.NoteID)
	if err != nil {
		return err
	}
	if ownerID != actorID {
		return notes.Wrapf(notes.ErrPermissionDenied, "share note %s", grant.NoteID)
	}
	if grant.GranteeID == ownerID {
		return notes.Wrap(notes.ErrInvalidInput, "owner cannot be granted access to their own note")
	}
	_, err = p.conn().ExecContext(ctx, `
		INSERT INTO note_permissions (note_id, user_id, permission, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (note_id, user_id)
		DO UPDATE SET permission = EXCLUDED.permission, granted_by = EXCLUDED.granted_by`,
		grant.NoteID, grant.GranteeID, string(level), actorID)
	if err != nil {
		return classifyPostgresError(err, "upsert grant")
	}
	return nil
}

func (p *Postgres) DeleteGrant(ctx context.Context, actorID, noteID, userID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	ownerID, err := p.ownerOf(ctx, noteID)
	if errors.Is(err, notes.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if actorID != ownerID && actorID != userID {
		return notes.Wrapf(notes.ErrPermissionDenied, "unshare note %s", noteID)
	}
	if _, err := p.conn().ExecContext(ctx, `DELETE FROM note_permissions WHERE note_id = $1 AND user_id = $2`, noteID, userID); err != nil {
		return classifyPostgresError(err, "delete grant")
	}
	return nil
}

func (p *Postgres) ownerOf(ctx context.Context, noteID string) (string, error) {
	var ownerID string
	err := p.conn().QueryRowContext(ctx, `SELECT owner_id FROM notes WHERE id = $1`, noteID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notes.Wrapf(notes.ErrNotFound, "note %s", noteID)
	}
	if err != nil {
		return "", classifyPostgresError(err, "load note owner")
	}
	return ownerID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (notes.Note, error) {
	var note notes.Note
	var tags []string
	if err := row.Scan(&note.ID, &note.OwnerID, &note.Title, &note.Content, pq.Array(&tags), &note.CreatedAt, &note.UpdatedAt); err != nil {
		return notes.Note{}, err
	}
	note.Tags = tags
	return note.Normalized(), nil
}

func scanNotes(rows *sql.Rows) ([]notes.Note, error) {
	defer rows.Close()
	out := make([]notes.Note, 0)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, classifyPostgresError(err, "scan note")
		}
		out = append(out, note)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err, "read notes")
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// classifyPostgresError maps driver and transport failures onto the notes
// error taxonomy.
func classifyPostgresError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return notes.Unavailable(err, op)
		case pqErr.Code == "42501":
			return errors.Mark(errors.Wrap(err, op), notes.ErrPermissionDenied)
		case pqErr.Code == "23503":
			return errors.Mark(errors.Wrap(err, op), notes.ErrNotFound)
		case pqErr.Code == "40001" || pqErr.Code == "40P01":
			return errors.Mark(errors.Wrap(err, op), notes.ErrRemoteConflict)
		}
		return errors.Wrap(err, op)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return notes.Unavailable(err, op)
	}
	return errors.Wrap(err, op)
}
