// Package history persists the call log. Sessions themselves are transient;
// what survives is the record a practice needs for consultation billing and
// audit: who called whom, when, how long, and how it ended.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Outcomes of a recorded call.
const (
	OutcomeAccepted = "accepted"
	OutcomeDeclined = "declined"
	OutcomeMissed   = "missed"
	OutcomeFailed   = "failed"
)

// Entry is one row of the call log.
type Entry struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	PeerID    string    `json:"peer_id"`
	PeerName  string    `json:"peer_name"`
	Direction string    `json:"direction"` // "incoming" or "outgoing"
	IsVideo   bool      `json:"is_video"`
	StartedAt time.Time `json:"started_at"`
	DurationS int       `json:"duration_s"`
	Outcome   string    `json:"outcome"`
}

// Store wraps the SQLite call log.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the call log database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "calls.db"))
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure call log: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id    TEXT NOT NULL,
			peer_id    TEXT DEFAULT '',
			peer_name  TEXT DEFAULT '',
			direction  TEXT NOT NULL,
			is_video   INTEGER DEFAULT 0,
			started_at DATETIME NOT NULL,
			duration_s INTEGER DEFAULT 0,
			outcome    TEXT DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db}, nil
}

// RecordStart inserts a call that just began and returns its row ID for the
// later RecordEnd.
func (s *Store) RecordStart(roomID, peerID, peerName, direction string, isVideo bool, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO calls (room_id, peer_id, peer_name, direction, is_video, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		roomID, peerID, peerName, direction, boolInt(isVideo), startedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("record call start: %w", err)
	}
	return res.LastInsertId()
}

// RecordEnd finalizes a call row with its duration and outcome.
func (s *Store) RecordEnd(id int64, durationS int, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE calls SET duration_s = ?, outcome = ? WHERE id = ?`,
		durationS, outcome, id); err != nil {
		return fmt.Errorf("record call end: %w", err)
	}
	return nil
}

// RecordOutcome logs a call that never connected (declined, missed).
func (s *Store) RecordOutcome(roomID, peerID, peerName, direction, outcome string, isVideo bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		INSERT INTO calls (room_id, peer_id, peer_name, direction, is_video, started_at, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		roomID, peerID, peerName, direction, boolInt(isVideo), time.Now().UTC(), outcome); err != nil {
		return fmt.Errorf("record call outcome: %w", err)
	}
	return nil
}

// Recent returns the newest limit entries, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, room_id, peer_id, peer_name, direction, is_video, started_at, duration_s, outcome
		FROM calls ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var video int
		if err := rows.Scan(&e.ID, &e.RoomID, &e.PeerID, &e.PeerName, &e.Direction,
			&video, &e.StartedAt, &e.DurationS, &e.Outcome); err != nil {
			return nil, err
		}
		e.IsVideo = video != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
