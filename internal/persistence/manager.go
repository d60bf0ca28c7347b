// Package persistence snapshots the registry to a single JSON state file.
// Saves are coalesced: any number of RequestSave calls while a write is in
// flight collapse into one follow-up write, so lifecycle operations never
// wait on disk.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/warden-sh/warden/internal/registry"
	"github.com/warden-sh/warden/pkg/logging"
	"github.com/warden-sh/warden/pkg/models"
)

// Recorder counts save outcomes for the metrics exporter.
type Recorder interface {
	RecordSave(result string)
}

// stateFile is the on-disk document. Version guards future migrations.
type stateFile struct {
	Version   int                      `json:"version"`
	SavedAt   time.Time                `json:"saved_at"`
	Instances []models.ManagedInstance `json:"instances"`
}

const stateVersion = 1

// Manager owns the state file. One background goroutine performs all writes.
type Manager struct {
	path     string
	registry *registry.Registry
	metrics  Recorder
	log      *logging.Logger

	requests chan struct{}
	done     chan struct{}
	stopped  chan struct{}
}

// New creates a manager for the given state file path. Call Run to start the
// writer goroutine.
func New(path string, reg *registry.Registry, log *logging.Logger) *Manager {
	return &Manager{
		path:     path,
		registry: reg,
		log:      log,
		requests: make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// SetRecorder wires the metrics recorder.
func (m *Manager) SetRecorder(r Recorder) { m.metrics = r }

// RequestSave schedules a snapshot write. Never blocks; a request arriving
// while one is already pending is absorbed by it.
func (m *Manager) RequestSave() {
	select {
	case m.requests <- struct{}{}:
	default:
	}
}

// Run services save requests until Close. Callers run it in a goroutine.
func (m *Manager) Run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.requests:
			if err := m.save(); err != nil {
				m.log.Error("State save failed", map[string]interface{}{"path": m.path, "error": err.Error()})
				m.record("failure")
			} else {
				m.record("success")
			}
		case <-m.done:
			return
		}
	}
}

// Close stops the writer and performs a final synchronous save so no
// committed mutation is lost at shutdown.
func (m *Manager) Close(ctx context.Context) error {
	close(m.done)
	select {
	case <-m.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := m.save(); err != nil {
		m.record("failure")
		return fmt.Errorf("final state save: %w", err)
	}
	m.record("success")
	return nil
}

func (m *Manager) record(result string) {
	if m.metrics != nil {
		m.metrics.RecordSave(result)
	}
}

// save writes the snapshot with write-to-temp, fsync, rename. The state file
// on disk is always a complete document.
func (m *Manager) save() error {
	doc := stateFile{
		Version:   stateVersion,
		SavedAt:   time.Now().UTC(),
		Instances: m.registry.All(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Load reads the state file and returns its instances. A missing file is an
// empty fleet, not an error.
func Load(path string) ([]models.ManagedInstance, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc stateFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	if doc.Version != stateVersion {
		return nil, fmt.Errorf("state file %s: unsupported version %d", path, doc.Version)
	}
	return doc.Instances, nil
}
