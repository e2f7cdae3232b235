//go:build linux

package tracer

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/mevi-project/mevi/internal/pending"
)

func TestReadCmdlineSelf(t *testing.T) {
	t.Parallel()
	got := readCmdline(os.Getpid())
	if len(got) == 0 {
		t.Fatalf("expected non-empty cmdline for self, got %v", got)
	}
}

func TestReadCmdlineNonexistentPid(t *testing.T) {
	t.Parallel()
	// PID 1 namespaces aside, an absurdly high PID is never valid.
	if got := readCmdline(1 << 30); got != nil {
		t.Fatalf("expected nil cmdline for nonexistent pid, got %v", got)
	}
}

// testTracer builds a Tracer with a real pending registry but no attached
// tracees, suitable for exercising handleSigstop's registry bookkeeping in
// isolation (the final PtraceSyscall resume call against a non-traced pid
// just logs a warning and is otherwise harmless).
func testTracer() *Tracer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, pending.New())
}

func TestHandleSigstopConsumesNextParentAndPopsPending(t *testing.T) {
	t.Parallel()
	tr := testTracer()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	const parent, child = TraceeID(1000000), TraceeID(1000001)
	tr.pending.Push(pending.TraceeID(parent), r)
	tr.nextParent = parent

	tr.handleSigstop(child)

	select {
	case ev := <-tr.events:
		if ev.Kind != EventConnected || ev.Tid != child || ev.Uffd != r {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an EventConnected to be emitted")
	}
	if tr.nextParent != 0 {
		t.Fatalf("expected nextParent to be cleared, got %v", tr.nextParent)
	}
	if tr.pending.Depth(pending.TraceeID(parent)) != 0 {
		t.Fatal("expected the pending descriptor to be consumed")
	}
}

func TestHandleSigstopWithoutArmedParentEmitsNothing(t *testing.T) {
	t.Parallel()
	tr := testTracer()

	tr.handleSigstop(TraceeID(1000002))

	select {
	case ev := <-tr.events:
		t.Fatalf("expected no event, got %+v", ev)
	default:
	}
}
