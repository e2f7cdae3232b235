package pending_test

import (
	"os"
	"testing"

	"github.com/mevi-project/mevi/internal/pending"
)

func TestPushPopFIFOOrder(t *testing.T) {
	t.Parallel()
	r := pending.New()

	f1, f2 := devNull(t), devNull(t)
	defer f1.Close()
	defer f2.Close()

	r.Push(1, f1)
	r.Push(1, f2)

	got1, ok := r.Pop(1)
	if !ok || got1 != f1 {
		t.Fatalf("expected first pop to return f1")
	}
	got2, ok := r.Pop(1)
	if !ok || got2 != f2 {
		t.Fatalf("expected second pop to return f2")
	}
	if _, ok := r.Pop(1); ok {
		t.Fatalf("expected empty queue after draining")
	}
}

func TestPopUnknownTraceeReturnsFalse(t *testing.T) {
	t.Parallel()
	r := pending.New()
	if _, ok := r.Pop(99); ok {
		t.Fatalf("expected false for unknown tracee")
	}
}

func TestDepthTracksQueueLength(t *testing.T) {
	t.Parallel()
	r := pending.New()
	f := devNull(t)
	defer f.Close()

	if r.Depth(1) != 0 {
		t.Fatalf("expected 0 depth initially")
	}
	r.Push(1, f)
	if r.Depth(1) != 1 {
		t.Fatalf("expected depth 1 after push")
	}
	r.Pop(1)
	if r.Depth(1) != 0 {
		t.Fatalf("expected depth 0 after pop")
	}
}

func TestConsumeForkSourceWithoutMarkReturnsFalse(t *testing.T) {
	t.Parallel()
	r := pending.New()
	if r.ConsumeForkSource(7) {
		t.Fatalf("expected false for unmarked tracee")
	}
}

func TestMarkThenConsumeForkSourceOnce(t *testing.T) {
	t.Parallel()
	r := pending.New()
	r.MarkForkSource(7)

	if !r.ConsumeForkSource(7) {
		t.Fatalf("expected first consume to return true")
	}
	if r.ConsumeForkSource(7) {
		t.Fatalf("expected second consume to return false after single mark")
	}
}

func TestMarkForkSourceNests(t *testing.T) {
	t.Parallel()
	r := pending.New()
	r.MarkForkSource(7)
	r.MarkForkSource(7)

	if !r.ConsumeForkSource(7) {
		t.Fatalf("expected first consume to return true")
	}
	if !r.ConsumeForkSource(7) {
		t.Fatalf("expected second consume to return true after double mark")
	}
	if r.ConsumeForkSource(7) {
		t.Fatalf("expected third consume to return false")
	}
}

func devNull(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	return f
}
