//go:build linux

package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mevi-project/mevi/internal/pending"
)

const maxHandoffRetries = 5

// Listener accepts connections from the preloaded library on an AF_UNIX
// socket and extracts the SCM_RIGHTS-carried userfaultfd from each one. A
// uffd sent by a pid armed as a fork source is pushed onto the pending
// registry keyed by that pid; any other is reported on Handoffs.
type Listener struct {
	ln       *net.UnixListener
	logger   *slog.Logger
	pending  *pending.Registry
	handoffs chan Handoff
}

// Listen removes any stale socket file at path, binds a new AF_UNIX
// listener there, and returns a Listener ready to Serve.
//
// Failure to remove a pre-existing socket file is treated as fatal here
// (unlike the original implementation, which ignores it): a stale socket
// left by a crashed prior run would otherwise cause every subsequent
// rendezvous connection to silently fail.
func Listen(path string, logger *slog.Logger, reg *pending.Registry) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("rendezvous: remove stale socket %q: %w", path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: resolve %q: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: listen %q: %w", path, err)
	}

	return &Listener{ln: ln, logger: logger, pending: reg, handoffs: make(chan Handoff, 16)}, nil
}

// Handoffs returns the channel on which the listener reports each uffd
// received from a pid that is not an armed fork source (a tracee sending
// its own uffd); the relay adopts these. Close closes the channel.
func (l *Listener) Handoffs() <-chan Handoff {
	return l.handoffs
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, spawning one goroutine per connection to perform the SCM_RIGHTS
// handoff.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rendezvous: accept: %w", err)
		}
		go l.handle(conn)
	}
}

// Close closes the underlying listener and removes the socket file.
func (l *Listener) Close() error {
	path := l.ln.Addr().String()
	err := l.ln.Close()
	_ = os.Remove(path)
	close(l.handoffs)
	return err
}

// handle reads the incoming uffd and dispatches it one of two ways. A
// connecting pid the tracer has armed as a fork source (it just observed
// that pid fork and is waiting to correlate the child's SIGSTOP) has its
// uffd queued in the pending registry for the tracer to claim; any other
// connecting pid is a tracee reporting its own uffd directly and is
// handed straight to the relay as a Handoff.
func (l *Listener) handle(conn *net.UnixConn) {
	defer conn.Close()

	pid, fd, err := receiveUffd(conn)
	if err != nil {
		l.logger.Warn("rendezvous: handoff failed", slog.Any("error", err))
		return
	}

	l.logger.Info("rendezvous: received uffd handoff", slog.Int("pid", int(pid)))

	if l.pending.ConsumeForkSource(pending.TraceeID(pid)) {
		l.pending.Push(pending.TraceeID(pid), fd)
		return
	}

	select {
	case l.handoffs <- Handoff{Pid: pid, Uffd: fd, At: time.Now()}:
	default:
		l.logger.Warn("rendezvous: handoffs channel full, dropping notification", slog.Int("pid", int(pid)))
		_ = fd.Close()
	}
}

// receiveUffd extracts the userfaultfd a client attaches as SCM_RIGHTS
// ancillary data — the protocol carries no other meaningful bytes — and
// identifies the sender by the kernel-verified SO_PEERCRED credential on
// the connection rather than trusting anything the client claims about
// itself. It retries up to maxHandoffRetries times on EAGAIN/EINTR,
// mirroring dsmmcken-dh-cli's receiveUffdAndRegions.
func receiveUffd(conn *net.UnixConn) (int32, *os.File, error) {
	oob := make([]byte, unix.CmsgSpace(4))

	var oobn int
	var err error

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, nil, fmt.Errorf("rendezvous: syscall conn: %w", err)
	}

	var ucred *unix.Ucred
	for attempt := 0; attempt < maxHandoffRetries; attempt++ {
		ctrlErr := rawConn.Read(func(fd uintptr) bool {
			_, oobn, _, _, err = unix.Recvmsg(int(fd), nil, oob, 0)
			if err == unix.EAGAIN {
				return false // ask runtime poller to wait for readability, retry
			}
			if err == nil {
				ucred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
			}
			return true
		})
		if ctrlErr != nil {
			return 0, nil, fmt.Errorf("rendezvous: raw read: %w", ctrlErr)
		}
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return 0, nil, fmt.Errorf("rendezvous: recvmsg: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("rendezvous: parse control message: %w", err)
	}
	if len(cmsgs) != 1 {
		return 0, nil, fmt.Errorf("rendezvous: expected 1 control message, got %d", len(cmsgs))
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return 0, nil, fmt.Errorf("rendezvous: parse unix rights: %w", err)
	}
	if len(fds) != 1 {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return 0, nil, fmt.Errorf("rendezvous: expected 1 fd, got %d", len(fds))
	}

	pid := ucred.Pid
	file := os.NewFile(uintptr(fds[0]), fmt.Sprintf("uffd-%d", pid))
	return pid, file, nil
}
