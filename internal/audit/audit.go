// Package audit keeps a durable history of status transitions in SQLite.
// Writes are best effort: the lifecycle controller never fails an operation
// because the history could not be recorded.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warden-sh/warden/pkg/logging"
	"github.com/warden-sh/warden/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	instance    TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_instance ON transitions(instance, occurred_at);
`

// Transition is one recorded status change.
type Transition struct {
	ID         int64                 `json:"id"`
	Instance   string                `json:"instance"`
	From       models.InstanceStatus `json:"from"`
	To         models.InstanceStatus `json:"to"`
	Reason     string                `json:"reason"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// Log is the transition history store.
type Log struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if needed) the history database at path.
func Open(path string, log *logging.Logger) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent lifecycle operations.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	return &Log{db: db, log: log}, nil
}

// Record stores one transition. Failures are logged, never returned; history
// is an observability aid, not a correctness dependency.
func (l *Log) Record(instance string, from, to models.InstanceStatus, reason string) {
	_, err := l.db.Exec(
		`INSERT INTO transitions (instance, from_status, to_status, reason, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		instance, string(from), string(to), reason, time.Now().UTC(),
	)
	if err != nil {
		l.log.Error("Failed to record transition", map[string]interface{}{
			"instance": instance, "from": string(from), "to": string(to), "error": err.Error(),
		})
	}
}

// History returns the most recent transitions for an instance, newest first.
func (l *Log) History(ctx context.Context, instance string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, instance, from_status, to_status, reason, occurred_at
		 FROM transitions WHERE instance = ? ORDER BY id DESC LIMIT ?`,
		instance, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		if err := rows.Scan(&t.ID, &t.Instance, &from, &to, &t.Reason, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = models.InstanceStatus(from)
		t.To = models.InstanceStatus(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune deletes transitions older than the retention window and returns how
// many rows were removed.
func (l *Log) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := l.db.ExecContext(ctx, `DELETE FROM transitions WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
