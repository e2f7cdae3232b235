// Package userfault drives one userfaultfd per tracee process family,
// registering anonymous mappings the tracer discovers and servicing
// page-fault/remove/unmap/remap events from the kernel.
//
// Grounded on the e2b-dev-infra sandbox orchestrator's Userfaultfd.Serve
// poll loop (packages/orchestrator/internal/sandbox/uffd/userfaultfd.go)
// and dsmmcken-dh-cli's UFFDIO ioctl constant/struct layout
// (go_src/internal/vm/uffd_linux.go).
package userfault

import "time"

// EventKind discriminates the shape of an Event.
type EventKind int

const (
	// EventPageIn announces a faulted page transitioning to Resident after
	// the worker zero-filled it (UFFDIO_ZEROPAGE).
	EventPageIn EventKind = iota
	// EventPageOut announces UFFD_EVENT_REMOVE: the kernel freed pages
	// backing this range (e.g. via madvise(MADV_DONTNEED)).
	EventPageOut
	// EventUnmap announces UFFD_EVENT_UNMAP: the range was released
	// entirely.
	EventUnmap
	// EventRemap announces UFFD_EVENT_REMAP: the range moved to a new
	// address via mremap.
	EventRemap
)

// Event is one decoded userfaultfd observation, sent to the relay.
type Event struct {
	Kind    EventKind
	Addr    uint64
	Len     uint64
	NewAddr uint64 // EventRemap only
	At      time.Time
}
