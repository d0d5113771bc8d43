package replica

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

const sqliteBusyTimeoutMS = 5000

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS replica_entries (
	user_id TEXT NOT NULL,
	note_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (user_id, note_id)
);
CREATE TABLE IF NOT EXISTS replica_grants (
	user_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);`

// SQLiteBackend stores entries as JSON payloads in one table shared by every
// user namespace on the device.
type SQLiteBackend struct {
	db     *sql.DB
	userID string
}

func NewSQLiteBackend(path, userID string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, notes.Wrap(notes.ErrInvalidInput, "sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), replicaDirectory); err != nil {
			return nil, err
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, notes.Wrap(err, "create replica schema")
	}
	return &SQLiteBackend{db: db, userID: userID}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, notes.Wrap(err, "open sqlite replica")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMS),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, notes.Wrapf(err, "apply %q", pragma)
		}
	}
	return db, nil
}

func (b *SQLiteBackend) Load() ([]notes.Entry, error) {
	rows, err := b.db.Query(`SELECT note_id, payload FROM replica_entries WHERE user_id = ? ORDER BY note_id`, b.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notes.Entry
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		entry, err := decodeEntry([]byte(payload))
		if err != nil {
			return nil, notes.Corrupt(err, "sqlite record %s", id)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Get(id string) (notes.Entry, bool, error) {
	var payload string
	err := b.db.QueryRow(`SELECT payload FROM replica_entries WHERE user_id = ? AND note_id = ?`, b.userID, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return notes.Entry{}, false, nil
	}
	if err != nil {
		return notes.Entry{}, false, err
	}
	entry, err := decodeEntry([]byte(payload))
	if err != nil {
		return notes.Entry{}, false, notes.Corrupt(err, "sqlite record %s", id)
	}
	return entry, true, nil
}

func (b *SQLiteBackend) Put(entry notes.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`
		INSERT INTO replica_entries (user_id, note_id, payload) VALUES (?, ?, ?)
		ON CONFLICT (user_id, note_id) DO UPDATE SET payload = excluded.payload`,
		b.userID, entry.ID(), string(payload))
	return err
}

func (b *SQLiteBackend) Remove(id string) error {
	_, err := b.db.Exec(`DELETE FROM replica_entries WHERE user_id = ? AND note_id = ?`, b.userID, id)
	return err
}

func (b *SQLiteBackend) LoadGrants() ([]notes.PermissionGrant, error) {
	var payload string
	err := b.db.QueryRow(`SELECT payload FROM replica_grants WHERE user_id = ?`, b.userID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var grants []notes.PermissionGrant
	if err := json.Unmarshal([]byte(payload), &grants); err != nil {
		return nil, notes.Corrupt(err, "sqlite grants")
	}
	return grants, nil
}

func (b *SQLiteBackend) SaveGrants(grants []notes.PermissionGrant) error {
	if grants == nil {
		grants = []notes.PermissionGrant{}
	}
	payload, err := json.Marshal(grants)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`
		INSERT INTO replica_grants (user_id, payload) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET payload = excluded.payload`,
		b.userID, string(payload))
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
