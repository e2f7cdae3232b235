// Package tracer ptrace-attaches to a root command and all of its
// descendants, decoding mmap/brk/execve syscalls into memory-mapping
// events and emitting lifecycle events (start, execve, exit) for every
// traced process.
//
// Grounded on DataDog's ptracer syscall-stop loop (trace()/traceWithSeccomp
// in pkg/security/ptracer/ptracer.go) and the os.StartProcess +
// SysProcAttr{Ptrace: true} idiom shown in eaburns/ptrace — generalized
// from single-process tracing to the fork/clone/vfork family tree this
// spec requires.
package tracer

import (
	"os"
	"time"
)

// TraceeID identifies a traced process by its Linux thread/process ID.
type TraceeID int32

// EventKind discriminates the shape of an Event.
type EventKind int

const (
	// EventStart announces a new tracee: either the initial root command
	// or a fork/clone/vfork child of an already-traced tracee.
	EventStart EventKind = iota
	// EventMap announces a decoded mmap or brk-growth syscall that
	// establishes a new anonymous mapping.
	EventMap
	// EventConnected announces that a child's userfaultfd, handed off by
	// its parent's rendezvous reconnect, was claimed from the pending
	// registry at the child's first SIGSTOP after PTRACE_EVENT_FORK.
	EventConnected
	// EventExecve announces a tracee replacing its image via execve.
	EventExecve
	// EventExit announces a tracee's termination (Exited or Signaled wait
	// status).
	EventExit
)

// Event is one decoded tracer observation, sent to the relay for
// classification and application to the corresponding TraceeState.
type Event struct {
	Kind      EventKind
	Tid       TraceeID
	ParentTid TraceeID // EventStart only; 0 for the root tracee
	Addr      uint64   // EventMap only
	Len       uint64   // EventMap only
	Uffd      *os.File // EventConnected only
	Cmdline   []string // EventStart/EventExecve
	ExitCode  int      // EventExit only
	At        time.Time

	// Ack is set on EventMap only. The tracer blocks the tracee in its
	// syscall-exit stop until the relay closes Ack, which it does only
	// after the new range has been registered with userfaultfd. This
	// guarantees the tracee cannot touch the new pages before the kernel
	// knows to route faults on them through uffd.
	Ack chan struct{}
}
