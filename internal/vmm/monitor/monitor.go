// Package monitor implements the QEMU backend's status-monitor contract:
// per-VM state and metadata persistence, backed by a pure-Go SQLite
// database (no cgo), plus a best-effort fan-out of lifecycle events to a
// control-plane sync client.
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"qemuhostd/internal/vmmodel"
)

// SyncEvent is one lifecycle notification handed to the sync client.
type SyncEvent struct {
	VMName    string
	Kind      string // "resume" | "shutdown" | "suspend" | "state"
	State     vmmodel.State
	Timestamp time.Time
}

// Sink accepts sync events without blocking the caller for long; the
// concrete implementation (internal/syncclient) owns delivery to the
// backend.
type Sink interface {
	Enqueue(SyncEvent) bool
}

// SQLiteMonitor is the concrete status monitor: it implements
// internal/vmm/machine.Monitor structurally, so machine.Machine can be
// constructed against it without either package importing the other's
// concrete types.
type SQLiteMonitor struct {
	db     *sql.DB
	sink   Sink
	logger *slog.Logger

	pending chan SyncEvent
}

// Open opens (or creates) the SQLite database at dbPath and runs the
// schema migration. sink may be nil, in which case sync events are
// dropped silently.
func Open(dbPath string, sink Sink, logger *slog.Logger) (*SQLiteMonitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("monitor: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("monitor: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("monitor: set WAL mode: %w", err)
	}

	m := &SQLiteMonitor{
		db:      db,
		sink:    sink,
		logger:  logger,
		pending: make(chan SyncEvent, 256),
	}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("monitor: migrate: %w", err)
	}

	go m.drain()
	return m, nil
}

func (m *SQLiteMonitor) migrate() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			name                 TEXT PRIMARY KEY,
			state                TEXT NOT NULL DEFAULT 'off',
			specs_json           TEXT NOT NULL DEFAULT '{}',
			metadata_json        TEXT NOT NULL DEFAULT '{}',
			metadata_fingerprint TEXT NOT NULL DEFAULT '',
			updated_at           TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

func (m *SQLiteMonitor) Close() error {
	close(m.pending)
	return m.db.Close()
}

// PersistStateFor is called under the caller's VM mutex; it must not call
// back into the VM, and it must not block on the sync sink.
func (m *SQLiteMonitor) PersistStateFor(name string, state vmmodel.State) {
	_, err := m.db.Exec(`
		INSERT INTO instances (name, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, name, state.String(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		m.logger.Error("persist_state_for failed", "vm", name, "state", state, "error", err)
	}
	m.enqueue(SyncEvent{VMName: name, Kind: "state", State: state, Timestamp: time.Now().UTC()})
}

// RetrieveMetadataFor is read once, at VM construction.
func (m *SQLiteMonitor) RetrieveMetadataFor(name string) (vmmodel.Metadata, error) {
	var raw string
	err := m.db.QueryRow(`SELECT metadata_json FROM instances WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return vmmodel.Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("monitor: retrieve metadata for %s: %w", name, err)
	}
	var md vmmodel.Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("monitor: malformed metadata for %s: %w", name, err)
	}
	return md, nil
}

// UpdateMetadataFor stores md and its content fingerprint; the
// fingerprint can be read back with MetadataFingerprintOf.
func (m *SQLiteMonitor) UpdateMetadataFor(name string, md vmmodel.Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("monitor: marshal metadata for %s: %w", name, err)
	}
	fingerprint := vmmodel.MetadataFingerprint(md)
	_, err = m.db.Exec(`
		INSERT INTO instances (name, metadata_json, metadata_fingerprint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			metadata_json = excluded.metadata_json,
			metadata_fingerprint = excluded.metadata_fingerprint,
			updated_at = excluded.updated_at
	`, name, string(raw), fingerprint, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("monitor: update metadata for %s: %w", name, err)
	}
	return nil
}

func (m *SQLiteMonitor) OnResume(name string) {
	m.enqueue(SyncEvent{VMName: name, Kind: "resume", Timestamp: time.Now().UTC()})
}

func (m *SQLiteMonitor) OnShutdown(name string) {
	m.enqueue(SyncEvent{VMName: name, Kind: "shutdown", Timestamp: time.Now().UTC()})
}

func (m *SQLiteMonitor) OnSuspend(name string) {
	m.enqueue(SyncEvent{VMName: name, Kind: "suspend", Timestamp: time.Now().UTC()})
}

// enqueue never blocks: a full queue drops the oldest pending event and
// logs the drop, since the sync channel is best-effort and must never
// stall the VM mutex holder.
func (m *SQLiteMonitor) enqueue(ev SyncEvent) {
	select {
	case m.pending <- ev:
	default:
		select {
		case dropped := <-m.pending:
			m.logger.Warn("sync queue full, dropping oldest event", "dropped_vm", dropped.VMName, "dropped_kind", dropped.Kind)
		default:
		}
		select {
		case m.pending <- ev:
		default:
		}
	}
}

func (m *SQLiteMonitor) drain() {
	for ev := range m.pending {
		if m.sink == nil {
			continue
		}
		if !m.sink.Enqueue(ev) {
			m.logger.Debug("sync sink rejected event", "vm", ev.VMName, "kind", ev.Kind)
		}
	}
}

// MetadataFingerprintOf returns the stored fingerprint for name, or ""
// if no row exists. No resize path in this repository consults it.
func (m *SQLiteMonitor) MetadataFingerprintOf(ctx context.Context, name string) (string, error) {
	var fp string
	err := m.db.QueryRowContext(ctx, `SELECT metadata_fingerprint FROM instances WHERE name = ?`, name).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return fp, err
}
