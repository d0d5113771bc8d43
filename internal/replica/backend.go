package replica

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relaynotes/internal/notes"
)

// Backend is the storage port behind a Store. Every backend is scoped to one
// user namespace so that accounts on a shared device never mix replicas.
type Backend interface {
	Load() ([]notes.Entry, error)
	Get(id string) (notes.Entry, bool, error)
	Put(entry notes.Entry) error
	Remove(id string) error
	LoadGrants() ([]notes.PermissionGrant, error)
	SaveGrants(grants []notes.PermissionGrant) error
	Close() error
}

// watchingBackend is implemented by backends that can notice records changed
// by another process.
type watchingBackend interface {
	Watch(ctx context.Context, onChange func(id string)) error
}

type BackendFactory func(dsn, userID string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildBackendFromDSN opens the backend named by dsn for userID.
// Supported schemes: memory://, file://<dir> (or a bare directory), sqlite://<path>.
func BuildBackendFromDSN(dsn, userID string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, notes.Wrap(notes.ErrInvalidInput, "replica namespace requires a user id")
	}
	if dsn == "" {
		return nil, notes.Wrap(notes.ErrInvalidInput, "replica dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn, userID)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path, userID)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(userID), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path, userID)
	default:
		return nil, fmt.Errorf("unsupported replica scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", notes.Wrapf(notes.ErrInvalidInput, "dsn %q has no path", raw)
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
