// Package memmap implements the non-overlapping, auto-coalescing interval
// map used to track a tracee's memory residency.
package memmap

import "sort"

// State is the residency classification of a mapped range.
type State uint8

const (
	// Resident means the kernel has backed every page in the range with a
	// physical page (observed via a page-fault copy or a zero-fill).
	Resident State = iota
	// NotResident means the range is registered with userfaultfd but no
	// page within it has faulted in yet.
	NotResident
	// Unmapped means the range was explicitly released (munmap, or the
	// kernel's UFFD_EVENT_UNMAP). The relay does not store this state: it
	// drops unmapped ranges from the map with Remove.
	Unmapped
	// Untracked means the range was observed (mmap/brk) but could not be
	// registered with userfaultfd — either no uffd has arrived yet for
	// this tracee, or the kernel refused the UFFDIO_REGISTER ioctl.
	// Residency within it is simply unknown, rather than inferred.
	Untracked
)

// Range is a half-open byte interval [Start, End) with an associated
// residency State.
type Range struct {
	Start uint64
	End   uint64
	State State
}

// Len returns End-Start.
func (r Range) Len() uint64 { return r.End - r.Start }

// Map is a non-overlapping set of Ranges ordered by Start. Adjacent ranges
// with equal State are coalesced into one on every Insert.
//
// Invariants maintained by every exported method:
//  1. ranges are sorted by Start ascending
//  2. no two ranges overlap
//  3. no two adjacent ranges share the same State (they would have been
//     coalesced)
//  4. every range has End > Start
//
// Map is not safe for concurrent use; callers (the relay reducer) serialize
// access on a single goroutine.
type Map struct {
	ranges []Range
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// Ranges returns a copy of the current ordered range list. Callers must not
// mutate the State of a Map through the returned slice's elements
// indirectly affecting the map; Range is a value type so this is safe.
func (m *Map) Ranges() []Range {
	out := make([]Range, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Insert records [start, end) as state, splitting or trimming any existing
// ranges that overlap it, then coalescing the result with any
// State-matching neighbor. end must be > start; a no-op interval is
// silently ignored.
func (m *Map) Insert(start, end uint64, state State) {
	if end <= start {
		return
	}

	m.carve(start, end)

	idx := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].Start >= start
	})
	m.ranges = append(m.ranges, Range{})
	copy(m.ranges[idx+1:], m.ranges[idx:])
	m.ranges[idx] = Range{Start: start, End: end, State: state}

	m.coalesceAround(idx)
}

// Remove deletes [start, end) from the map entirely, leaving a gap rather
// than a tombstoned range. Used when a mapping is replaced by a disjoint
// region the caller will Insert separately (e.g. a partial munmap).
func (m *Map) Remove(start, end uint64) {
	if end <= start {
		return
	}
	m.carve(start, end)
}

// Lookup returns the Range covering addr and true, or the zero Range and
// false if addr is not covered by any recorded range.
func (m *Map) Lookup(addr uint64) (Range, bool) {
	idx := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].End > addr
	})
	if idx >= len(m.ranges) {
		return Range{}, false
	}
	r := m.ranges[idx]
	if addr < r.Start {
		return Range{}, false
	}
	return r, true
}

// carve removes or trims any existing ranges that intersect [start, end),
// leaving the map's invariants intact but with a hole at [start, end).
func (m *Map) carve(start, end uint64) {
	var out []Range
	for _, r := range m.ranges {
		switch {
		case r.End <= start || r.Start >= end:
			// Disjoint; keep as-is.
			out = append(out, r)
		case r.Start >= start && r.End <= end:
			// Fully covered by the new interval; drop it.
		case r.Start < start && r.End > end:
			// New interval is a strict sub-range; split into two.
			out = append(out, Range{Start: r.Start, End: start, State: r.State})
			out = append(out, Range{Start: end, End: r.End, State: r.State})
		case r.Start < start:
			// Overlaps the left edge; trim the tail.
			out = append(out, Range{Start: r.Start, End: start, State: r.State})
		default:
			// Overlaps the right edge; trim the head.
			out = append(out, Range{Start: end, End: r.End, State: r.State})
		}
	}
	m.ranges = out
}

// coalesceAround merges the range at idx with its immediate neighbors if
// they are adjacent and share the same State.
func (m *Map) coalesceAround(idx int) {
	if idx+1 < len(m.ranges) {
		cur, next := m.ranges[idx], m.ranges[idx+1]
		if cur.End == next.Start && cur.State == next.State {
			m.ranges[idx].End = next.End
			m.ranges = append(m.ranges[:idx+1], m.ranges[idx+2:]...)
		}
	}
	if idx > 0 {
		prev, cur := m.ranges[idx-1], m.ranges[idx]
		if prev.End == cur.Start && prev.State == cur.State {
			m.ranges[idx-1].End = cur.End
			m.ranges = append(m.ranges[:idx], m.ranges[idx+1:]...)
		}
	}
}
