package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/steveyegge/overseer/internal/types"
)

const (
	queueFile   = "queue.json"
	archiveFile = "queue-archive.json"
)

type queueDocument struct {
	Version   string        `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
	Tasks     []*types.Task `json:"tasks"`
}

type archiveDocument struct {
	Version   string               `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Tasks     []types.ArchivedTask `json:"tasks"`
}

// JSONStore keeps the queue and archive as versioned JSON documents. Every
// write goes through a temp file, fsync and rename so a crash leaves either
// the old or the new document on disk.
type JSONStore struct {
	mu          sync.Mutex
	queuePath   string
	archivePath string
}

// NewJSONStore creates the state directory if needed.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &JSONStore{
		queuePath:   filepath.Join(dir, queueFile),
		archivePath: filepath.Join(dir, archiveFile),
	}, nil
}

// QueuePath returns the live queue document path.
func (s *JSONStore) QueuePath() string { return s.queuePath }

// ArchivePath returns the archive document path.
func (s *JSONStore) ArchivePath() string { return s.archivePath }

func (s *JSONStore) LoadTasks(ctx context.Context) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc queueDocument
	found, err := readDocument(s.queuePath, &doc)
	if err != nil || !found {
		return nil, err
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, fmt.Errorf("%s: %w", s.queuePath, err)
	}
	return doc.Tasks, nil
}

func (s *JSONStore) SaveTasks(ctx context.Context, tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tasks == nil {
		tasks = []*types.Task{}
	}
	doc := queueDocument{
		Version:   DocumentVersion,
		UpdatedAt: time.Now().UTC(),
		Tasks:     tasks,
	}
	return writeDocument(s.queuePath, doc)
}

func (s *JSONStore) AppendArchive(ctx context.Context, archived []types.ArchivedTask) error {
	if len(archived) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc archiveDocument
	if _, err := readDocument(s.archivePath, &doc); err != nil {
		return err
	}
	if err := checkVersion(doc.Version); err != nil {
		return fmt.Errorf("%s: %w", s.archivePath, err)
	}
	doc.Version = DocumentVersion
	doc.UpdatedAt = time.Now().UTC()
	doc.Tasks = append(doc.Tasks, archived...)
	return writeDocument(s.archivePath, doc)
}

func (s *JSONStore) LoadArchive(ctx context.Context) ([]types.ArchivedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc archiveDocument
	found, err := readDocument(s.archivePath, &doc)
	if err != nil || !found {
		return nil, err
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, fmt.Errorf("%s: %w", s.archivePath, err)
	}
	return doc.Tasks, nil
}

func (s *JSONStore) Close() error { return nil }

// readDocument reports false without error when the file does not exist.
func readDocument(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

func writeDocument(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteFileAtomic writes content to a temp file in the same directory, syncs
// it and renames it over path.
func WriteFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".overseer-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
