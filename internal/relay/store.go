package relay

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sarlink/sarlink/internal/protocol"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store is the relay's event journal. It backs the REST catch-up endpoint
// so a dashboard that connects mid-mission can load recent history; the
// push channel itself never replays from it.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the event journal at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		type        TEXT NOT NULL,
		mission_id  TEXT NOT NULL DEFAULT '',
		drone_id    TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL,
		received_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_mission_time ON events(mission_id, id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create event journal schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Append journals one envelope.
func (s *Store) Append(env *protocol.Envelope) error {
	payload := env.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	_, err := s.db.Exec(`
		INSERT INTO events (type, mission_id, drone_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, env.Type, env.MissionID, env.DroneID, string(payload), env.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// RecentByMission returns up to limit of the newest events for a mission,
// in chronological order.
func (s *Store) RecentByMission(missionID string, limit int) ([]protocol.Envelope, error) {
	rows, err := s.db.Query(`
		SELECT type, mission_id, drone_id, payload, received_at
		FROM events
		WHERE mission_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, missionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []protocol.Envelope
	for rows.Next() {
		var env protocol.Envelope
		var payload, receivedAt string
		if err := rows.Scan(&env.Type, &env.MissionID, &env.DroneID, &payload, &receivedAt); err != nil {
			return nil, err
		}
		env.Payload = json.RawMessage(payload)
		ts, err := time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		env.Timestamp = ts
		events = append(events, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Close closes the journal.
func (s *Store) Close() error {
	return s.db.Close()
}
