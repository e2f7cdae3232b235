package wire_test

import (
	"reflect"
	"testing"

	"github.com/mevi-project/mevi/internal/memmap"
	"github.com/mevi-project/mevi/internal/wire"
)

func roundTrip(t *testing.T, e wire.Event) wire.Event {
	t.Helper()
	buf := wire.Encode(nil, e)
	got, n, err := wire.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("decode consumed %d bytes, want %d", n, len(buf))
	}
	return got
}

func TestRoundTripSnapshot(t *testing.T) {
	t.Parallel()
	e := wire.Event{
		Kind: wire.KindSnapshot,
		Tid:  1234,
		Ranges: []memmap.Range{
			{Start: 0x1000, End: 0x2000, State: memmap.Resident},
			{Start: 0x2000, End: 0x3000, State: memmap.NotResident},
		},
	}
	got := roundTrip(t, e)
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestRoundTripStartWithCmdline(t *testing.T) {
	t.Parallel()
	e := wire.Event{
		Kind:    wire.KindStart,
		Tid:     42,
		Cmdline: []string{"/bin/cat", "-n", "file with spaces.txt"},
	}
	got := roundTrip(t, e)
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestRoundTripMapUnmapRemap(t *testing.T) {
	t.Parallel()
	for _, e := range []wire.Event{
		{Kind: wire.KindMap, Tid: 1, Addr: 0x1000, Len: 0x1000},
		{Kind: wire.KindUnmap, Tid: 1, Addr: 0x1000, Len: 0x1000},
		{Kind: wire.KindRemap, Tid: 1, Addr: 0x1000, Len: 0x1000, NewAddr: 0x8000},
	} {
		got := roundTrip(t, e)
		if !reflect.DeepEqual(e, got) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
		}
	}
}

func TestRoundTripConnectedCarriesSource(t *testing.T) {
	t.Parallel()
	for _, e := range []wire.Event{
		{Kind: wire.KindConnected, Tid: 100, Source: wire.SourceLdPreload},
		{Kind: wire.KindConnected, Tid: 101, Source: wire.SourceFork},
	} {
		got := roundTrip(t, e)
		if !reflect.DeepEqual(e, got) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
		}
	}
}

func TestRoundTripBatch(t *testing.T) {
	t.Parallel()
	e := wire.Event{
		Kind: wire.KindBatch,
		Tid:  7,
		Batch: []wire.Event{
			{Kind: wire.KindPageIn, Tid: 7, Addrs: []uint64{0x1000, 0x2000}},
			{Kind: wire.KindPageOut, Tid: 7, Addrs: []uint64{0x3000}},
		},
	}
	got := roundTrip(t, e)
	if !reflect.DeepEqual(e, got) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()
	buf := wire.Encode(nil, wire.Event{Kind: wire.KindExit, Tid: 1})
	buf[0] = 0xFF
	if _, _, err := wire.Decode(buf); err == nil {
		t.Fatalf("expected error decoding unsupported version")
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	t.Parallel()
	buf := wire.Encode(nil, wire.Event{Kind: wire.KindMap, Tid: 1, Addr: 0x1000, Len: 0x1000})
	if _, _, err := wire.Decode(buf[:len(buf)-2]); err == nil {
		t.Fatalf("expected error decoding truncated frame")
	}
}

func TestMultipleFramesConcatenated(t *testing.T) {
	t.Parallel()
	var buf []byte
	buf = wire.Encode(buf, wire.Event{Kind: wire.KindStart, Tid: 1, Cmdline: []string{"a"}})
	buf = wire.Encode(buf, wire.Event{Kind: wire.KindExit, Tid: 1})

	first, n1, err := wire.Decode(buf)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	second, n2, err := wire.Decode(buf[n1:])
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.Kind != wire.KindStart || second.Kind != wire.KindExit {
		t.Fatalf("unexpected kinds: %v, %v", first.Kind, second.Kind)
	}
	if n1+n2 != len(buf) {
		t.Fatalf("consumed %d+%d bytes, want %d", n1, n2, len(buf))
	}
}
