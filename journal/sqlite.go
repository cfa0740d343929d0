package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY,
	time DATETIME NOT NULL,
	type TEXT NOT NULL,
	symbol TEXT,
	position_id TEXT,
	reason TEXT,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_position ON events(position_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, seq);
`

// SQLite persists the event stream to a local database. Each row keeps the
// canonical JSON payload alongside the columns queries filter on.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Emit(ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	_, err = j.db.Exec(`
		INSERT INTO events (seq, time, type, symbol, position_id, reason, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Time, string(ev.Type), ev.Symbol, ev.PositionID, ev.Reason, string(payload),
	)
	return err
}

// Events loads records in sequence order, optionally filtered by position.
func (j *SQLite) Events(positionID string) ([]Event, error) {
	query := `SELECT payload FROM events ORDER BY seq`
	args := []any{}
	if positionID != "" {
		query = `SELECT payload FROM events WHERE position_id = ? ORDER BY seq`
		args = append(args, positionID)
	}
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev Event
		if err := canonical.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
