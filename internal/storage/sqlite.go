// Package storage — sqlite.go
//
// SQLite-backed persistence for the MOD-EVAC coordinator.
//
// Schema:
//
//	detections(id INTEGER PK, timestamp DATETIME, class_name TEXT,
//	           confidence REAL, bbox TEXT(json), frame_id INTEGER)
//	gsm_contacts(id INTEGER PK, mode TEXT, number TEXT, name TEXT,
//	             message TEXT, category TEXT DEFAULT 'general')
//	alerts(id INTEGER PK, timestamp DATETIME, state TEXT, reason TEXT)
//	cluster_workers(device_id TEXT PK, classification TEXT, capabilities TEXT)
//
// Consistency model:
//   - Single process, single *sql.DB; the driver serializes writers.
//   - All logs are best-effort: a failed write is reported to the caller,
//     counted there, and never affects in-memory state.
//   - Open failure at startup is fatal (exit 1) — a coordinator without its
//     detection and alert logs is not allowed to start.

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nexora/modevac/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS detections (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  DATETIME DEFAULT CURRENT_TIMESTAMP,
	class_name TEXT,
	confidence REAL,
	bbox       TEXT,
	frame_id   INTEGER
);
CREATE TABLE IF NOT EXISTS gsm_contacts (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	mode     TEXT,
	number   TEXT,
	name     TEXT,
	message  TEXT,
	category TEXT DEFAULT 'general'
);
CREATE TABLE IF NOT EXISTS alerts (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	state     TEXT,
	reason    TEXT
);
CREATE TABLE IF NOT EXISTS cluster_workers (
	device_id      TEXT PRIMARY KEY,
	classification TEXT,
	capabilities   TEXT
);
`

// DB wraps the SQLite handle with typed accessors. Implements state.LogSink.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.Open(%q): %w", path, err)
	}
	// modernc's driver is not safe for concurrent writers on one file
	// without serializing at the pool level.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(schema); err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("storage.Open: apply schema: %w", err)
	}
	return &DB{db: sdb}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Log sink ─────────────────────────────────────────────────────────────────

// LogDetection appends one detection row.
func (d *DB) LogDetection(class string, confidence float64, bbox [4]float64, frameID uint64) error {
	raw, err := json.Marshal(bbox[:])
	if err != nil {
		return fmt.Errorf("LogDetection marshal bbox: %w", err)
	}
	_, err = d.db.Exec(
		"INSERT INTO detections (class_name, confidence, bbox, frame_id) VALUES (?, ?, ?, ?)",
		class, confidence, string(raw), int64(frameID),
	)
	if err != nil {
		return fmt.Errorf("LogDetection insert: %w", err)
	}
	return nil
}

// LogAlert appends one alert transition row.
func (d *DB) LogAlert(level, reason string) error {
	if _, err := d.db.Exec(
		"INSERT INTO alerts (state, reason) VALUES (?, ?)", level, reason,
	); err != nil {
		return fmt.Errorf("LogAlert insert: %w", err)
	}
	return nil
}

// InsertContact appends one GSM contact row.
func (d *DB) InsertContact(c state.GsmContact) error {
	if _, err := d.db.Exec(
		"INSERT INTO gsm_contacts (mode, number, name, message, category) VALUES (?, ?, ?, ?, ?)",
		c.Mode, c.Number, c.Name, c.Message, c.Category,
	); err != nil {
		return fmt.Errorf("InsertContact: %w", err)
	}
	return nil
}

// DeleteContact removes every contact row with the given number.
func (d *DB) DeleteContact(number string) error {
	if _, err := d.db.Exec(
		"DELETE FROM gsm_contacts WHERE number = ?", number,
	); err != nil {
		return fmt.Errorf("DeleteContact: %w", err)
	}
	return nil
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// LoadContacts returns all persisted contacts, for seeding the store at boot.
func (d *DB) LoadContacts() ([]state.GsmContact, error) {
	rows, err := d.db.Query(
		"SELECT mode, number, name, message, category FROM gsm_contacts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("LoadContacts: %w", err)
	}
	defer rows.Close()

	var out []state.GsmContact
	for rows.Next() {
		var c state.GsmContact
		var message, category sql.NullString
		if err := rows.Scan(&c.Mode, &c.Number, &c.Name, &message, &category); err != nil {
			return nil, fmt.Errorf("LoadContacts scan: %w", err)
		}
		c.Message = message.String
		c.Category = category.String
		if c.Category == "" {
			c.Category = "general"
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HistoryEntry is one persisted detection row.
type HistoryEntry struct {
	ID         int64      `json:"id"`
	Timestamp  string     `json:"timestamp"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	FrameID    uint64     `json:"frame_id"`
}

// History returns up to limit detection rows, newest first.
func (d *DB) History(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		"SELECT id, timestamp, class_name, confidence, bbox, frame_id FROM detections ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var bbox string
		var frameID int64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Class, &e.Confidence, &bbox, &frameID); err != nil {
			return nil, fmt.Errorf("History scan: %w", err)
		}
		var coords []float64
		if err := json.Unmarshal([]byte(bbox), &coords); err == nil && len(coords) == 4 {
			copy(e.BBox[:], coords)
		}
		e.FrameID = uint64(frameID)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Worker classification ────────────────────────────────────────────────────

// SetWorkerClassification upserts an operator-assigned classification.
func (d *DB) SetWorkerClassification(deviceID, classification string) error {
	if _, err := d.db.Exec(
		"INSERT OR REPLACE INTO cluster_workers (device_id, classification) VALUES (?, ?)",
		deviceID, classification,
	); err != nil {
		return fmt.Errorf("SetWorkerClassification: %w", err)
	}
	return nil
}

// WorkerClassifications returns all persisted classifications keyed by device.
func (d *DB) WorkerClassifications() (map[string]string, error) {
	rows, err := d.db.Query("SELECT device_id, classification FROM cluster_workers")
	if err != nil {
		return nil, fmt.Errorf("WorkerClassifications: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, cls string
		if err := rows.Scan(&id, &cls); err != nil {
			return nil, fmt.Errorf("WorkerClassifications scan: %w", err)
		}
		out[id] = cls
	}
	return out, rows.Err()
}
