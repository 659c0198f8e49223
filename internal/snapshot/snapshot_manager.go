// Package snapshot persists a render queue's job list to disk.
//
// Persistence strategy:
//   1. Write to a temp file alongside the target path.
//   2. os.Rename onto the target path (atomic on POSIX).
//
// This guarantees the on-disk document is either the previous complete
// write or the new complete write, never a half-written file.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mohofarm/renderfarm/pkg/farmtypes"
)

var (
	ErrCorruptedQueueFile    = errors.New("queue file is corrupted")
	ErrIncompatibleQueueFile = errors.New("queue file version is incompatible")
)

const schemaVersion = "1.0"

// Manager handles atomic persistence of a farmtypes.QueueDocument.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a snapshot manager bound to path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically persists jobs to disk as a QueueDocument.
func (m *Manager) Write(jobs []*farmtypes.RenderJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := farmtypes.QueueDocument{Version: schemaVersion, Jobs: jobs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue document: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp queue file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename queue file: %w", err)
	}
	return nil
}

// Load reads the queue document from disk. A missing file is not an
// error — it means first startup, and an empty job list is returned.
//
// Loaded jobs in any state other than rendering (pending included) are
// reset to pending with runtime fields cleared; rendering jobs are
// returned unchanged; unknown fields are ignored by
// encoding/json already, and missing optional fields keep their zero
// values, which match the job's declared defaults.
func (m *Manager) Load() ([]*farmtypes.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var doc farmtypes.QueueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedQueueFile, err)
	}
	if doc.Version != schemaVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrIncompatibleQueueFile, doc.Version, schemaVersion)
	}

	for _, job := range doc.Jobs {
		if job.Status != farmtypes.StatusRendering {
			job.ResetForRequeue()
		}
	}
	return doc.Jobs, nil
}

// Exists reports whether a queue file is present at path.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the bound file path, for tests and diagnostics.
func (m *Manager) GetPath() string {
	return m.path
}
