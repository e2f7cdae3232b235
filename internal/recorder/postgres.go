package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of frames held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 256

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending frames even when the batch has not yet reached
	// DefaultBatchSize. It is kept well under the relay's own batch
	// window so a Postgres-backed recorder never becomes the slowest
	// link in the broadcast path.
	DefaultFlushInterval = 20 * time.Millisecond
)

// pgFrame is one buffered frame awaiting flush.
type pgFrame struct {
	Tid     int32
	Kind    uint8
	Payload []byte
}

// PostgresRecorder is a pgx-backed alternative to Recorder for deployments
// that already run a shared Postgres instance and want recorded sessions
// centralized rather than scattered across per-host SQLite files.
//
// Frame inserts are batched in memory and flushed via a single pgx.Batch
// round-trip, either when the buffer fills or on a timer, mirroring the
// dashboard's alert-ingestion Store (internal/server/storage/postgres.go in
// the reference implementation this package is adapted from).
type PostgresRecorder struct {
	pool *pgxpool.Pool

	mu            sync.Mutex
	batch         []pgFrame
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// OpenPostgres connects to connStr, applies the frames table schema, and
// starts the background flush goroutine. batchSize and flushInterval fall
// back to DefaultBatchSize/DefaultFlushInterval when <= 0.
func OpenPostgres(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*PostgresRecorder, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("recorder: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recorder: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recorder: apply schema: %w", err)
	}

	r := &PostgresRecorder{
		pool:          pool,
		batch:         make([]pgFrame, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go r.flushLoop()
	return r, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS frames (
    seq         BIGSERIAL PRIMARY KEY,
    tid         INTEGER     NOT NULL,
    kind        SMALLINT    NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    payload     BYTEA       NOT NULL
);
`

func (r *PostgresRecorder) flushLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			_ = r.flush(context.Background())
		}
	}
}

// Append buffers a frame for batched insertion, flushing synchronously if
// the buffer is now full so callers observe back-pressure instead of
// unbounded memory growth.
func (r *PostgresRecorder) Append(ctx context.Context, tid int32, kind uint8, payload []byte) error {
	r.mu.Lock()
	r.batch = append(r.batch, pgFrame{Tid: tid, Kind: kind, Payload: payload})
	full := len(r.batch) >= r.batchSize
	r.mu.Unlock()

	if full {
		return r.flush(ctx)
	}
	return nil
}

// flush drains the current buffer and inserts every row in a single
// pgx.Batch round-trip.
func (r *PostgresRecorder) flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.batch) == 0 {
		r.mu.Unlock()
		return nil
	}
	toInsert := r.batch
	r.batch = make([]pgFrame, 0, r.batchSize)
	r.mu.Unlock()

	const query = `INSERT INTO frames (tid, kind, payload) VALUES ($1, $2, $3)`

	batch := &pgx.Batch{}
	for _, f := range toInsert {
		batch.Queue(query, f.Tid, f.Kind, f.Payload)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("recorder: batch insert: %w", err)
		}
	}
	return nil
}

// Replay returns every recorded frame in insertion order.
func (r *PostgresRecorder) Replay(ctx context.Context) ([]Frame, error) {
	rows, err := r.pool.Query(ctx, `SELECT seq, tid, kind, payload FROM frames ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("recorder: replay query: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		var kind int16
		if err := rows.Scan(&f.Seq, &f.Tid, &kind, &f.Payload); err != nil {
			return nil, fmt.Errorf("recorder: replay scan: %w", err)
		}
		f.Kind = uint8(kind)
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recorder: replay rows: %w", err)
	}
	return frames, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered frames, and closes the connection pool. Safe to call more than
// once.
func (r *PostgresRecorder) Close() error {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
		<-r.doneCh
		_ = r.flush(context.Background())
	}
	r.pool.Close()
	return nil
}

var _ Store = (*PostgresRecorder)(nil)
