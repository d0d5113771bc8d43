package replica

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

const (
	recordExt        = ".json"
	grantsFileName   = "grants.json"
	watchDebounce    = 50 * time.Millisecond
	replicaFileMode  = 0o600
	replicaDirectory = 0o700
)

// FileBackend keeps one JSON record per note under <root>/<userID>/notes.
type FileBackend struct {
	mu       sync.Mutex
	root     string
	notesDir string
	grants   string
}

func NewFileBackend(root, userID string) (*FileBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, notes.Wrap(notes.ErrInvalidInput, "replica directory is required")
	}
	namespace := filepath.Join(root, encodeSegment(strings.TrimSpace(userID)))
	notesDir := filepath.Join(namespace, "notes")
	if err := os.MkdirAll(notesDir, replicaDirectory); err != nil {
		return nil, err
	}
	return &FileBackend{
		root:     namespace,
		notesDir: notesDir,
		grants:   filepath.Join(namespace, grantsFileName),
	}, nil
}

func (b *FileBackend) Load() ([]notes.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dirEntries, err := os.ReadDir(b.notesDir)
	if err != nil {
		return nil, err
	}
	out := make([]notes.Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !isRecordName(dirEntry.Name()) {
			continue
		}
		entry, err := b.readRecord(filepath.Join(b.notesDir, dirEntry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (b *FileBackend) Get(id string) (notes.Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, err := b.readRecord(b.recordPath(id))
	if os.IsNotExist(err) {
		return notes.Entry{}, false, nil
	}
	if err != nil {
		return notes.Entry{}, false, err
	}
	return entry, true, nil
}

func (b *FileBackend) Put(entry notes.Entry) error {
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.recordPath(entry.ID()), payload, replicaFileMode)
}

func (b *FileBackend) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *FileBackend) LoadGrants() ([]notes.PermissionGrant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, err := os.ReadFile(b.grants)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var grants []notes.PermissionGrant
	if err := json.Unmarshal(payload, &grants); err != nil {
		return nil, notes.Corrupt(err, "grants file %s", b.grants)
	}
	return grants, nil
}

func (b *FileBackend) SaveGrants(grants []notes.PermissionGrant) error {
	if grants == nil {
		grants = []notes.PermissionGrant{}
	}
	payload, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.grants, payload, replicaFileMode)
}

func (b *FileBackend) Close() error {
	return nil
}

// Watch reports record files created, rewritten or removed under the notes
// directory. Bursts for the same id are collapsed.
func (b *FileBackend) Watch(ctx context.Context, onChange func(id string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(b.notesDir); err != nil {
		return err
	}

	pending := map[string]struct{}{}
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !isRecordName(name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			id, ok := decodeSegment(strings.TrimSuffix(name, recordExt))
			if !ok {
				continue
			}
			pending[id] = struct{}{}
			timer.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-timer.C:
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			pending = map[string]struct{}{}
			for _, id := range ids {
				onChange(id)
			}
		}
	}
}

func (b *FileBackend) recordPath(id string) string {
	return filepath.Join(b.notesDir, encodeSegment(id)+recordExt)
}

func (b *FileBackend) readRecord(path string) (notes.Entry, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return notes.Entry{}, err
	}
	entry, err := decodeEntry(payload)
	if err != nil {
		return notes.Entry{}, notes.Corrupt(err, "replica record %s", path)
	}
	return entry, nil
}

// isRecordName skips the temp files left by writeFileAtomic.
func isRecordName(name string) bool {
	return strings.HasSuffix(name, recordExt) && !strings.HasPrefix(name, ".")
}

// encodeSegment maps an id onto a file name one-to-one, with no separators or dots.
func encodeSegment(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

func decodeSegment(name string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
