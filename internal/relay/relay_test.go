//go:build linux

package relay

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mevi-project/mevi/internal/memmap"
	"github.com/mevi-project/mevi/internal/server/websocket"
	"github.com/mevi-project/mevi/internal/tracer"
	"github.com/mevi-project/mevi/internal/userfault"
	"github.com/mevi-project/mevi/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRelay(bc *websocket.Broadcaster) *Relay {
	return New(testLogger(), 5*time.Millisecond, bc, nil, "", nil)
}

func TestHandleTracerEventStartThenExit(t *testing.T) {
	t.Parallel()
	r := newTestRelay(nil)
	ctx := context.Background()

	r.handleTracerEvent(ctx, tracer.Event{Kind: tracer.EventStart, Tid: 100, Cmdline: []string{"/bin/sh"}, At: time.Now()})

	snaps, err := r.ListTracees(context.Background())
	if err != nil {
		t.Fatalf("ListTracees: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Tid != 100 {
		t.Fatalf("expected one tracee with tid 100, got %+v", snaps)
	}

	r.handleTracerEvent(ctx, tracer.Event{Kind: tracer.EventExit, Tid: 100, At: time.Now()})

	snaps, err = r.ListTracees(context.Background())
	if err != nil {
		t.Fatalf("ListTracees: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("expected tracee to be removed after exit, got %+v", snaps)
	}
}

func TestEventMapWithoutUffdMarksUntrackedAndAcks(t *testing.T) {
	t.Parallel()
	r := newTestRelay(nil)

	ack := make(chan struct{})
	r.handleTracerEvent(context.Background(), tracer.Event{Kind: tracer.EventMap, Tid: 5, Addr: 0x1000, Len: 0x1000, Ack: ack})

	select {
	case <-ack:
	default:
		t.Fatal("expected Ack to be closed even without a connected uffd")
	}

	ts := r.traceeFor(5)
	rg, ok := ts.Map.Lookup(0x1000)
	if !ok || rg.State != memmap.Untracked {
		t.Fatalf("expected Untracked range at 0x1000, got %+v (ok=%v)", rg, ok)
	}
	if !ts.PrintedUffdWarning {
		t.Fatal("expected the one-shot uffd warning latch to be set")
	}
}

func TestHandleUserfaultEventPageInIsBatchedAndFlushed(t *testing.T) {
	t.Parallel()
	bc := websocket.NewBroadcaster(testLogger(), 4)
	client := bc.Register("sub1")
	r := newTestRelay(bc)

	ts := r.traceeFor(7)
	r.handleUserfaultEvent(7, userfault.Event{Kind: userfault.EventPageIn, Addr: 0x2000, Len: 0x1000})

	if len(ts.Batch.Ranges()) != 1 {
		t.Fatalf("expected one pending batch range, got %d", len(ts.Batch.Ranges()))
	}

	r.flushBatch(ts)

	if len(ts.Batch.Ranges()) != 0 {
		t.Fatal("expected batch to be cleared after flush")
	}

	rg, ok := ts.Map.Lookup(0x2000)
	if !ok || rg.State != memmap.Resident {
		t.Fatalf("expected Resident range at 0x2000, got %+v (ok=%v)", rg, ok)
	}

	select {
	case frame := <-client.Send():
		e, _, err := wire.Decode(frame)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if e.Kind != wire.KindBatch || len(e.Batch) != 1 || e.Batch[0].Kind != wire.KindPageIn {
			t.Fatalf("unexpected frame: %+v", e)
		}
		if len(e.Batch[0].Addrs) != 1 || e.Batch[0].Addrs[0] != 0x2000 {
			t.Fatalf("unexpected page addrs: %+v", e.Batch[0].Addrs)
		}
	default:
		t.Fatal("expected a batch frame to be broadcast")
	}
}

func TestHandleUserfaultUnmapFlushesPendingBatchFirst(t *testing.T) {
	t.Parallel()
	bc := websocket.NewBroadcaster(testLogger(), 4)
	client := bc.Register("sub1")
	r := newTestRelay(bc)

	r.handleUserfaultEvent(9, userfault.Event{Kind: userfault.EventPageIn, Addr: 0x4000, Len: 0x1000})
	r.handleUserfaultEvent(9, userfault.Event{Kind: userfault.EventUnmap, Addr: 0x4000, Len: 0x1000})

	var sawBatch, sawUnmap bool
	for i := 0; i < 2; i++ {
		select {
		case frame := <-client.Send():
			e, _, err := wire.Decode(frame)
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			switch e.Kind {
			case wire.KindBatch:
				sawBatch = true
			case wire.KindUnmap:
				if !sawBatch {
					t.Fatal("expected the flushed batch frame before the unmap frame")
				}
				sawUnmap = true
			}
		default:
			t.Fatalf("expected frame %d to be broadcast", i)
		}
	}
	if !sawBatch || !sawUnmap {
		t.Fatalf("expected both a flushed batch and an unmap frame, got batch=%v unmap=%v", sawBatch, sawUnmap)
	}
}

func TestAuditEntriesWithoutPathReturnsEmpty(t *testing.T) {
	t.Parallel()
	r := newTestRelay(nil)
	entries, err := r.AuditEntries(context.Background(), time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("AuditEntries: %v", err)
	}
	if entries != nil {
		t.Fatalf("expected nil entries when auditing is disabled, got %+v", entries)
	}
}

func TestSendSnapshotTargetsOnlyRequestingClient(t *testing.T) {
	t.Parallel()
	bc := websocket.NewBroadcaster(testLogger(), 4)
	r := newTestRelay(bc)

	r.handleTracerEvent(context.Background(), tracer.Event{Kind: tracer.EventStart, Tid: 42, Cmdline: []string{"/bin/true"}})
	target := bc.Register("target")
	other := bc.Register("other")
	r.sendSnapshot("target")

	select {
	case frame := <-target.Send():
		e, _, err := wire.Decode(frame)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if e.Kind != wire.KindSnapshot || e.Tid != 42 {
			t.Fatalf("unexpected snapshot frame: %+v", e)
		}
	default:
		t.Fatal("expected target client to receive a snapshot frame")
	}

	select {
	case frame := <-other.Send():
		t.Fatalf("expected other client to receive nothing, got %v", frame)
	default:
	}
}
