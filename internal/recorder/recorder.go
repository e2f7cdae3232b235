// Package recorder provides a WAL-mode SQLite-backed durable log of every
// serialized wire frame the relay emits, for offline replay of a captured
// mevi session.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so the relay's
// single writer goroutine never blocks a concurrent reader replaying an
// older session from the same file.
//
// Adapted from the TripWire agent's SQLite-backed alert queue
// (internal/queue/sqlite_queue.go): same WAL/NORMAL pragma setup and
// single-connection pool, but storing opaque frame bytes keyed by a
// monotonic sequence instead of alert rows, and without the Dequeue/Ack
// at-least-once delivery API — a recorded frame has no downstream consumer
// to acknowledge it, only a replay reader.
package recorder

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is the durable frame log the relay writes to and an offline replay
// reader consumes from. Recorder (SQLite, embedded) and PostgresRecorder
// (pgx, for a shared/centralized deployment) both implement it.
type Store interface {
	Append(ctx context.Context, tid int32, kind uint8, payload []byte) error
	Replay(ctx context.Context) ([]Frame, error)
	Close() error
}

// Recorder is a WAL-mode SQLite-backed append-only log of wire frames. It
// is safe for concurrent use.
type Recorder struct {
	db *sql.DB
}

var _ Store = (*Recorder)(nil)

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory
// database is used.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; limiting the pool to a
	// single connection avoids "database is locked" errors when the relay
	// goroutine is the sole writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recorder: apply schema: %w", err)
	}

	return &Recorder{db: db}, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS frames (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    tid         INTEGER NOT NULL,
    kind        INTEGER NOT NULL,
    recorded_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    payload     BLOB    NOT NULL
);
`

// Append persists the already-encoded wire frame payload, tagged with the
// tracee it belongs to and its wire.Kind (stored as a plain integer so this
// package does not need to import internal/wire).
func (r *Recorder) Append(ctx context.Context, tid int32, kind uint8, payload []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO frames (tid, kind, payload) VALUES (?, ?, ?)`,
		tid, kind, payload,
	)
	if err != nil {
		return fmt.Errorf("recorder: append: %w", err)
	}
	return nil
}

// Frame is one recorded wire frame returned by Replay.
type Frame struct {
	Seq     int64
	Tid     int32
	Kind    uint8
	Payload []byte
}

// Replay returns every recorded frame in insertion order, for offline
// reconstruction of a captured session.
func (r *Recorder) Replay(ctx context.Context) ([]Frame, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, tid, kind, payload FROM frames ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("recorder: replay query: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		if err := rows.Scan(&f.Seq, &f.Tid, &f.Kind, &f.Payload); err != nil {
			return nil, fmt.Errorf("recorder: replay scan: %w", err)
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: replay rows: %w", err)
	}
	return frames, nil
}

// Close closes the underlying database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}
