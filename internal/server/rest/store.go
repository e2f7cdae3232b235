package rest

import (
	"context"
	"time"

	"github.com/mevi-project/mevi/internal/audit"
	"github.com/mevi-project/mevi/internal/memmap"
)

// TraceeSnapshot is the point-in-time view of one traced process exposed by
// GET /api/v1/tracees.
type TraceeSnapshot struct {
	Tid       int32          `json:"tid"`
	ParentTid int32          `json:"parent_tid,omitempty"`
	Cmdline   []string       `json:"cmdline,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Connected bool           `json:"connected"`
	Ranges    []memmap.Range `json:"ranges"`
	ResidentB uint64         `json:"resident_bytes"`
	MappedB   uint64         `json:"mapped_bytes"`
	Exited    bool           `json:"exited"`
	ExitCode  int            `json:"exit_code,omitempty"`
}

// Store is the subset of relay state the REST handlers read. Defining an
// interface allows handlers to be tested with a mock store without a running
// tracer/userfault session.
type Store interface {
	// ListTracees returns a snapshot of every live tracee the relay
	// currently knows about, ordered by Tid. A tracee is dropped as soon as
	// it exits.
	ListTracees(ctx context.Context) ([]TraceeSnapshot, error)

	// AuditEntries returns the tamper-evident lifecycle log records whose
	// timestamp falls within [from, to).
	AuditEntries(ctx context.Context, from, to time.Time) ([]audit.Record, error)
}
