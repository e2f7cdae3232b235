//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/recorder/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package recorder_test

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mevi-project/mevi/internal/recorder"
)

func setupPostgresRecorder(t *testing.T) (*recorder.PostgresRecorder, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("mevi_test"),
		tcpostgres.WithUsername("mevi"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rec, err := recorder.OpenPostgres(ctx, connStr, 10, 20*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("OpenPostgres: %v", err)
	}

	cleanup := func() {
		_ = rec.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return rec, cleanup
}

func TestPostgresRecorder_AppendAndReplay(t *testing.T) {
	rec, cleanup := setupPostgresRecorder(t)
	defer cleanup()
	ctx := context.Background()

	want := []struct {
		tid     int32
		kind    uint8
		payload []byte
	}{
		{tid: 100, kind: 1, payload: []byte("start")},
		{tid: 100, kind: 4, payload: []byte("page-in")},
		{tid: 101, kind: 9, payload: []byte("exit")},
	}
	for _, w := range want {
		if err := rec.Append(ctx, w.tid, w.kind, w.payload); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	frames, err := rec.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(frames) != len(want) {
		t.Fatalf("got %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if f.Tid != want[i].tid || f.Kind != want[i].kind || string(f.Payload) != string(want[i].payload) {
			t.Fatalf("frame[%d] = %+v, want tid=%d kind=%d payload=%q", i, f, want[i].tid, want[i].kind, want[i].payload)
		}
	}
}

func TestPostgresRecorder_BatchFlushOnFullBuffer(t *testing.T) {
	ctx := context.Background()
	rec, cleanup := setupPostgresRecorder(t)
	defer cleanup()

	// batchSize is 10 in setupPostgresRecorder; appending 25 frames exercises
	// two full-buffer synchronous flushes plus a timer flush for the
	// remainder.
	for i := 0; i < 25; i++ {
		if err := rec.Append(ctx, int32(i), 0, []byte("frame")); err != nil {
			t.Fatalf("Append[%d]: %v", i, err)
		}
	}
	time.Sleep(100 * time.Millisecond) // let the flush timer drain the remainder

	frames, err := rec.Replay(ctx)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(frames) != 25 {
		t.Fatalf("got %d frames, want 25", len(frames))
	}
}
