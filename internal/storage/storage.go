package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/mod/semver"

	"github.com/steveyegge/overseer/internal/storage/sqlite"
	"github.com/steveyegge/overseer/internal/types"
)

// DocumentVersion is the version written into every queue and archive document.
const DocumentVersion = "v1"

// ErrUnsupportedVersion is returned when a stored document was written by an
// incompatible major version.
var ErrUnsupportedVersion = errors.New("unsupported document version")

// TaskStore persists the live queue and its archive.
type TaskStore interface {
	// LoadTasks returns the live tasks in insertion order.
	LoadTasks(ctx context.Context) ([]*types.Task, error)
	// SaveTasks replaces the live tasks.
	SaveTasks(ctx context.Context, tasks []*types.Task) error
	// AppendArchive adds tasks to the archive. Archived tasks are never removed.
	AppendArchive(ctx context.Context, archived []types.ArchivedTask) error
	LoadArchive(ctx context.Context) ([]types.ArchivedTask, error)
	Close() error
}

// Backend names a TaskStore implementation.
type Backend string

const (
	BackendJSON   Backend = "json"
	BackendSQLite Backend = "sqlite"
)

// IsValid checks if the backend value is valid
func (b Backend) IsValid() bool {
	return b == BackendJSON || b == BackendSQLite
}

// Open returns the store for the backend rooted at the state directory.
func Open(backend Backend, dir string) (TaskStore, error) {
	switch backend {
	case BackendJSON, "":
		return NewJSONStore(dir)
	case BackendSQLite:
		return sqlite.New(filepath.Join(dir, "queue.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// checkVersion accepts any version with the same major as DocumentVersion.
// An empty version is treated as a legacy v1 document.
func checkVersion(version string) error {
	if version == "" {
		return nil
	}
	if !semver.IsValid(version) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	if semver.Major(version) != semver.Major(DocumentVersion) {
		return fmt.Errorf("%w: %s (expected %s)", ErrUnsupportedVersion, version, DocumentVersion)
	}
	return nil
}
