// Package wire implements the binary encoding of MeviEvent frames sent to
// WebSocket subscribers. The format is deliberately hand-rolled rather than
// routed through a generic serialization library: every frame is a version
// byte, a one-byte Kind discriminant, and Kind-specific fixed-width and
// length-prefixed fields, mirroring the binary encodings this codebase
// already uses elsewhere for kernel-facing structures.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mevi-project/mevi/internal/memmap"
)

// Version is the wire format version written as the first byte of every
// frame. Subscribers reject frames whose version they don't recognize
// instead of attempting to decode a format they don't understand.
const Version uint8 = 1

// Kind identifies the shape of the payload that follows in an encoded
// frame.
type Kind uint8

const (
	// KindSnapshot carries a tracee's full current MemMap, sent once when a
	// subscriber first connects (or on request) so the client doesn't have
	// to replay history to reconstruct state.
	KindSnapshot Kind = iota
	// KindStart announces a new tracee (the root command, or a
	// fork/clone/vfork child).
	KindStart
	// KindConnected announces that the relay adopted a tracee's
	// userfaultfd; Source tells how the descriptor arrived.
	KindConnected
	// KindExecve announces a tracee replacing its image.
	KindExecve
	// KindMap announces a new memory range entering tracking. Sent on its
	// own, the range was registered with userfaultfd (NotResident); wrapped
	// in a KindBatch, it could not be registered (Untracked).
	KindMap
	// KindPageIn announces one or more pages transitioning to Resident.
	KindPageIn
	// KindPageOut announces one or more pages transitioning away from
	// Resident (UFFD_EVENT_REMOVE).
	KindPageOut
	// KindUnmap announces a range leaving tracking entirely (munmap).
	KindUnmap
	// KindRemap announces a range moving to a new address (mremap).
	KindRemap
	// KindBatch wraps the PageIn/PageOut events (one per coalesced range,
	// both kinds mixed) collected by the relay's time-windowed batching into
	// a single frame, or a single KindMap for an Untracked range.
	KindBatch
	// KindExit announces a tracee's termination.
	KindExit
)

// ConnectSource discriminates how a tracee's userfaultfd arrived: handed off
// directly by the LD_PRELOAD constructor that runs in the traced process
// itself, or carried by a forked child's parent reconnecting on its behalf
// before the tracer observes the child's first SIGSTOP.
type ConnectSource uint8

const (
	// SourceLdPreload means the tracee's own preloaded constructor opened
	// the rendezvous connection and sent its uffd directly.
	SourceLdPreload ConnectSource = iota
	// SourceFork means the uffd arrived attached to a PTRACE_EVENT_FORK
	// parent's rendezvous connection and was handed to the child tracee by
	// the tracer at the child's first SIGSTOP.
	SourceFork
)

// Event is the in-memory representation of one MeviEvent. Which fields are
// meaningful depends on Kind; see the Kind constants' docs.
type Event struct {
	Kind    Kind
	Tid     uint64
	Addr    uint64
	Len     uint64
	NewAddr uint64        // KindRemap only: the destination address
	Source  ConnectSource // KindConnected only
	Cmdline []string
	Ranges  []memmap.Range // KindSnapshot only
	Addrs   []uint64       // KindPageIn/KindPageOut: faulted page addresses
	Batch   []Event        // KindBatch only
}

// Encode appends the binary encoding of e to dst and returns the extended
// slice.
func Encode(dst []byte, e Event) []byte {
	dst = append(dst, Version, byte(e.Kind))
	dst = putUint64(dst, e.Tid)

	switch e.Kind {
	case KindSnapshot:
		dst = putUint32(dst, uint32(len(e.Ranges)))
		for _, r := range e.Ranges {
			dst = putUint64(dst, r.Start)
			dst = putUint64(dst, r.End)
			dst = append(dst, byte(r.State))
		}
	case KindStart:
		dst = putStrings(dst, e.Cmdline)
	case KindConnected:
		dst = append(dst, byte(e.Source))
	case KindExecve:
		dst = putStrings(dst, e.Cmdline)
	case KindMap:
		dst = putUint64(dst, e.Addr)
		dst = putUint64(dst, e.Len)
	case KindPageIn, KindPageOut:
		dst = putUint32(dst, uint32(len(e.Addrs)))
		for _, a := range e.Addrs {
			dst = putUint64(dst, a)
		}
	case KindUnmap:
		dst = putUint64(dst, e.Addr)
		dst = putUint64(dst, e.Len)
	case KindRemap:
		dst = putUint64(dst, e.Addr)
		dst = putUint64(dst, e.Len)
		dst = putUint64(dst, e.NewAddr)
	case KindBatch:
		dst = putUint32(dst, uint32(len(e.Batch)))
		for _, sub := range e.Batch {
			dst = Encode(dst, sub)
		}
	case KindExit:
		// no additional fields
	}
	return dst
}

// Decode parses a single Event from the front of buf and returns it
// alongside the number of bytes consumed. It returns an error if buf is
// truncated or carries an unrecognized version.
func Decode(buf []byte) (Event, int, error) {
	r := bytes.NewReader(buf)
	start := r.Len()

	var version, kind uint8
	if err := readByte(r, &version); err != nil {
		return Event{}, 0, fmt.Errorf("wire: read version: %w", err)
	}
	if version != Version {
		return Event{}, 0, fmt.Errorf("wire: unsupported version %d", version)
	}
	if err := readByte(r, &kind); err != nil {
		return Event{}, 0, fmt.Errorf("wire: read kind: %w", err)
	}

	e := Event{Kind: Kind(kind)}
	var err error
	if e.Tid, err = readUint64(r); err != nil {
		return Event{}, 0, fmt.Errorf("wire: read tid: %w", err)
	}

	switch e.Kind {
	case KindSnapshot:
		n, err := readUint32(r)
		if err != nil {
			return Event{}, 0, fmt.Errorf("wire: read range count: %w", err)
		}
		e.Ranges = make([]memmap.Range, n)
		for i := range e.Ranges {
			if e.Ranges[i].Start, err = readUint64(r); err != nil {
				return Event{}, 0, fmt.Errorf("wire: read range start: %w", err)
			}
			if e.Ranges[i].End, err = readUint64(r); err != nil {
				return Event{}, 0, fmt.Errorf("wire: read range end: %w", err)
			}
			var st uint8
			if err := readByte(r, &st); err != nil {
				return Event{}, 0, fmt.Errorf("wire: read range state: %w", err)
			}
			e.Ranges[i].State = memmap.State(st)
		}
	case KindStart, KindExecve:
		if e.Cmdline, err = readStrings(r); err != nil {
			return Event{}, 0, fmt.Errorf("wire: read cmdline: %w", err)
		}
	case KindConnected:
		var source uint8
		if err := readByte(r, &source); err != nil {
			return Event{}, 0, fmt.Errorf("wire: read connect source: %w", err)
		}
		e.Source = ConnectSource(source)
	case KindExit:
		// no additional fields
	case KindMap, KindUnmap:
		if e.Addr, err = readUint64(r); err != nil {
			return Event{}, 0, fmt.Errorf("wire: read addr: %w", err)
		}
		if e.Len, err = readUint64(r); err != nil {
			return Event{}, 0, fmt.Errorf("wire: read len: %w", err)
		}
	case KindPageIn, KindPageOut:
		n, err := readUint32(r)
		if err != nil {
			return Event{}, 0, fmt.Errorf("wire: read addr count: %w", err)
		}
		e.Addrs = make([]uint64, n)
		for i := range e.Addrs {
			if e.Addrs[i], err = readUint64(r); err != nil {
				return Event{}, 0, fmt.Errorf("wire: read addr[%d]: %w", i, err)
			}
		}
	case KindRemap:
		if e.Addr, err = readUint64(r); err != nil {
			return Event{}, 0, fmt.Errorf("wire: read addr: %w", err)
		}
		if e.Len, err = readUint64(r); err != nil {
			return Event{}, 0, fmt.Errorf("wire: read len: %w", err)
		}
		if e.NewAddr, err = readUint64(r); err != nil {
			return Event{}, 0, fmt.Errorf("wire: read new_addr: %w", err)
		}
	case KindBatch:
		n, err := readUint32(r)
		if err != nil {
			return Event{}, 0, fmt.Errorf("wire: read batch count: %w", err)
		}
		remaining := buf[len(buf)-r.Len():]
		e.Batch = make([]Event, n)
		for i := range e.Batch {
			sub, consumed, err := Decode(remaining)
			if err != nil {
				return Event{}, 0, fmt.Errorf("wire: read batch[%d]: %w", i, err)
			}
			e.Batch[i] = sub
			remaining = remaining[consumed:]
		}
		return e, start - len(remaining), nil
	default:
		return Event{}, 0, fmt.Errorf("wire: unknown kind %d", e.Kind)
	}

	return e, start - r.Len(), nil
}

func putUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func putUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func putStrings(dst []byte, ss []string) []byte {
	dst = putUint32(dst, uint32(len(ss)))
	for _, s := range ss {
		dst = putUint32(dst, uint32(len(s)))
		dst = append(dst, s...)
	}
	return dst
}

func readByte(r *bytes.Reader, out *uint8) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	*out = b
	return nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readStrings(r *bytes.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		l, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		out[i] = string(buf)
	}
	return out, nil
}
