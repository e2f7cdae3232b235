//go:build linux

package tracer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/mevi-project/mevi/internal/pending"
)

const (
	sysMmap   = 9  // linux/amd64 mmap
	sysBrk    = 12 // linux/amd64 brk
	sysExecve = 59 // linux/amd64 execve

	ptraceOptions = syscall.PTRACE_O_TRACESYSGOOD |
		syscall.PTRACE_O_TRACECLONE |
		syscall.PTRACE_O_TRACEFORK |
		syscall.PTRACE_O_TRACEVFORK |
		syscall.PTRACE_O_TRACEEXEC
)

// scratch is the tracer-side bookkeeping kept per tracee between a
// syscall-entry stop and its matching syscall-exit stop.
type scratch struct {
	wasInSyscall bool
	pendingNr    uint64
	pendingArg0  uint64 // brk: requested break; mmap: length argument
	pendingAddr  uint64 // mmap: addr hint argument (rdi)
	pendingFd    int32  // mmap: fd argument (r8)
	heapBreak    uint64 // last known brk() return value, to diff brk growth
}

// Tracer attaches to a root command via PTRACE_TRACEME and follows every
// fork/clone/vfork descendant, decoding memory-mapping syscalls and
// emitting Events to a single channel consumed by the relay.
//
// A Tracer's Run method must be called from a goroutine that does not call
// runtime.UnlockOSThread; Run pins itself to its OS thread for the
// lifetime of the trace since ptrace requests must come from the thread
// that attached.
type Tracer struct {
	logger  *slog.Logger
	pending *pending.Registry
	events  chan Event

	tracees map[TraceeID]*scratch

	// nextParent is armed with the forking tracee's tid on
	// PTRACE_EVENT_FORK and consumed unconditionally on the very next
	// SIGSTOP the tracer observes, per the original tracer's next_parent
	// correlation: the child's first stop after fork is always the
	// SIGSTOP it's born with, so no further disambiguation is needed.
	nextParent TraceeID
}

// New creates a Tracer. pendingRegistry may be nil if the caller does not
// need pending-uffd lookups keyed off tracer-observed process lifetime.
func New(logger *slog.Logger, pendingRegistry *pending.Registry) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		logger:  logger,
		pending: pendingRegistry,
		events:  make(chan Event, 16),
		tracees: make(map[TraceeID]*scratch),
	}
}

// Events returns the channel on which the tracer delivers decoded Events.
// The channel is closed when Run returns.
func (t *Tracer) Events() <-chan Event {
	return t.events
}

// Run starts argv[0] with argv as its arguments and env as its
// environment, traces it and every descendant until the root process and
// all its descendants have exited or ctx is cancelled, and closes the
// Events channel on return.
func (t *Tracer) Run(ctx context.Context, argv, env []string) error {
	defer close(t.events)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	proc, err := os.StartProcess(argv[0], argv, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
	if err != nil {
		return fmt.Errorf("tracer: start %q: %w", argv[0], err)
	}
	root := TraceeID(proc.Pid)

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(proc.Pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("tracer: initial wait4: %w", err)
	}
	if err := syscall.PtraceSetOptions(proc.Pid, ptraceOptions); err != nil {
		return fmt.Errorf("tracer: set options: %w", err)
	}

	t.tracees[root] = &scratch{}
	t.emit(Event{Kind: EventStart, Tid: root, Cmdline: readCmdline(proc.Pid), At: time.Now()})

	if err := syscall.PtraceSyscall(proc.Pid, 0); err != nil {
		return fmt.Errorf("tracer: initial ptrace syscall: %w", err)
	}

	for len(t.tracees) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == syscall.ECHILD {
				return nil
			}
			return fmt.Errorf("tracer: wait4: %w", err)
		}
		tid := TraceeID(pid)

		switch {
		case ws.Exited(), ws.Signaled():
			t.emit(Event{Kind: EventExit, Tid: tid, ExitCode: ws.ExitStatus(), At: time.Now()})
			delete(t.tracees, tid)
			continue

		case ws.Stopped():
			t.handleStop(tid, ws)
		}
	}
	return nil
}

// handleStop dispatches a single ptrace stop to its cause and resumes the
// tracee. A syscall-exit stop that decodes a Map resumes only after the
// relay acknowledges the registration (see emitMapAndWait).
func (t *Tracer) handleStop(tid TraceeID, ws syscall.WaitStatus) {
	sig := ws.StopSignal()

	// A syscall-stop carries SIGTRAP with bit 0x80 set (PTRACE_O_TRACESYSGOOD).
	if sig == syscall.SIGTRAP|0x80 {
		t.handleSyscallStop(tid)
		return
	}

	if sig == syscall.SIGTRAP {
		switch trapCause := ws.TrapCause(); trapCause {
		case syscall.PTRACE_EVENT_CLONE, syscall.PTRACE_EVENT_FORK, syscall.PTRACE_EVENT_VFORK:
			childPid, err := syscall.PtraceGetEventMsg(int(tid))
			if err != nil {
				t.logger.Warn("tracer: get event msg failed", slog.Int("tid", int(tid)), slog.Any("error", err))
				break
			}
			child := TraceeID(childPid)
			t.tracees[child] = &scratch{}
			t.emit(Event{Kind: EventStart, Tid: child, ParentTid: tid, Cmdline: readCmdline(int(childPid)), At: time.Now()})
			if trapCause == syscall.PTRACE_EVENT_FORK && t.pending != nil {
				t.nextParent = tid
				t.pending.MarkForkSource(pending.TraceeID(tid))
			}
		case syscall.PTRACE_EVENT_EXEC:
			t.emit(Event{Kind: EventExecve, Tid: tid, Cmdline: readCmdline(int(tid)), At: time.Now()})
			if s, ok := t.tracees[tid]; ok {
				*s = scratch{}
			}
		default:
			// Plain SIGTRAP delivered to the tracee itself (e.g. a debug
			// breakpoint it set); forward it unmodified.
			_ = syscall.PtraceSyscall(int(tid), int(syscall.SIGTRAP))
			return
		}
		if err := syscall.PtraceSyscall(int(tid), 0); err != nil {
			t.logger.Warn("tracer: resume after event failed", slog.Int("tid", int(tid)), slog.Any("error", err))
		}
		return
	}

	if sig == syscall.SIGSTOP {
		t.handleSigstop(tid)
		return
	}

	// Any other stop signal (a genuine signal headed for the tracee) is
	// simply forwarded.
	if err := syscall.PtraceSyscall(int(tid), int(sig)); err != nil {
		t.logger.Warn("tracer: forward signal failed", slog.Int("tid", int(tid)), slog.Any("error", err))
	}
}

// handleSigstop is a child's first stop after PTRACE_EVENT_FORK. It
// unconditionally consumes nextParent — the child born of a fork always
// stops here before anything else can reach the tracer — and pops the
// pending registry by the parent's tid to claim whatever uffd the parent
// handed off to the rendezvous listener on the child's behalf. A miss
// (the parent hasn't reconnected yet, or this SIGSTOP didn't follow a
// fork at all) just resumes the tracee with no EventConnected.
func (t *Tracer) handleSigstop(tid TraceeID) {
	parent := t.nextParent
	t.nextParent = 0

	if t.pending != nil && parent != 0 {
		if fd, ok := t.pending.Pop(pending.TraceeID(parent)); ok {
			t.emit(Event{Kind: EventConnected, Tid: tid, Uffd: fd, At: time.Now()})
		}
	}

	if err := syscall.PtraceSyscall(int(tid), 0); err != nil {
		t.logger.Warn("tracer: resume after sigstop failed", slog.Int("tid", int(tid)), slog.Any("error", err))
	}
}

// handleSyscallStop toggles between syscall-entry and syscall-exit for
// tid, decoding mmap/brk on exit once the return value (the mapped
// address) is known.
func (t *Tracer) handleSyscallStop(tid TraceeID) {
	s, ok := t.tracees[tid]
	if !ok {
		s = &scratch{}
		t.tracees[tid] = s
	}

	var regs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(int(tid), &regs); err != nil {
		t.logger.Warn("tracer: get regs failed", slog.Int("tid", int(tid)), slog.Any("error", err))
		_ = syscall.PtraceSyscall(int(tid), 0)
		return
	}

	if !s.wasInSyscall {
		// Syscall entry.
		s.pendingNr = regs.Orig_rax
		s.pendingArg0 = regs.Rsi // mmap's length is argument 2 (rsi)
		if s.pendingNr == sysBrk {
			s.pendingArg0 = regs.Rdi // brk's requested address is argument 1 (rdi)
		}
		if s.pendingNr == sysMmap {
			s.pendingAddr = regs.Rdi    // mmap's addr hint is argument 1 (rdi)
			s.pendingFd = int32(regs.R8) // mmap's fd is argument 5 (r8)
		}
		s.wasInSyscall = true
	} else {
		// Syscall exit: rax holds the return value.
		switch s.pendingNr {
		case sysMmap:
			addr := regs.Rax
			// Only anonymous-private mappings with a kernel-chosen address
			// are tracked (SPEC_FULL.md non-goal: file-backed and hinted
			// mappings are out of scope); everything else is decoded but
			// silently skipped.
			if addr != 0 && addr < 0xfffffffffffff000 && // not a negative errno
				s.pendingFd == -1 && s.pendingAddr == 0 {
				t.emitMapAndWait(tid, addr, s.pendingArg0)
			}
		case sysBrk:
			newBreak := regs.Rax
			if s.heapBreak != 0 && newBreak > s.heapBreak {
				t.emitMapAndWait(tid, s.heapBreak, newBreak-s.heapBreak)
			}
			s.heapBreak = newBreak
		case sysExecve:
			// Handled via PTRACE_EVENT_EXEC instead; nothing to do here.
		}
		s.wasInSyscall = false
	}

	if err := syscall.PtraceSyscall(int(tid), 0); err != nil {
		t.logger.Warn("tracer: resume after syscall stop failed", slog.Int("tid", int(tid)), slog.Any("error", err))
	}
}

// emitMapAndWait sends an EventMap carrying a fresh Ack channel and blocks
// until the relay closes it, holding the tracee in its syscall-exit stop so
// it cannot fault in the new range before userfaultfd is registered for it.
func (t *Tracer) emitMapAndWait(tid TraceeID, addr, length uint64) {
	ack := make(chan struct{})
	t.emit(Event{Kind: EventMap, Tid: tid, Addr: addr, Len: length, At: time.Now(), Ack: ack})
	<-ack
}

func (t *Tracer) emit(e Event) {
	t.events <- e
}

// readCmdline reads /proc/<pid>/cmdline and splits it on NUL bytes, the
// same fallback the original mevi implementation uses when the caller
// cannot supply an argv directly. Returns nil (not an error) if the
// process has already exited or the file can't be read — a transient race
// inherent to reading /proc for a tracee that may be stopped mid-exec.
func readCmdline(pid int) []string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil
	}
	parts := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}
