//go:build linux

package rendezvous

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

// sendHandoff mimics what the preloaded library does: sendmsg an
// SCM_RIGHTS control message carrying fd with no payload bytes, since the
// rendezvous protocol carries no meaningful data beyond the descriptor
// itself.
func sendHandoff(t *testing.T, conn *net.UnixConn, fd int) {
	t.Helper()
	oob := unix.UnixRights(fd)

	rawConn, err := conn.SyscallConn()
	if err != nil {
		t.Fatalf("syscall conn: %v", err)
	}
	var sendErr error
	err = rawConn.Write(func(rfd uintptr) bool {
		sendErr = unix.Sendmsg(int(rfd), nil, oob, nil, 0)
		return true
	})
	if err != nil {
		t.Fatalf("raw write: %v", err)
	}
	if sendErr != nil {
		t.Fatalf("sendmsg: %v", sendErr)
	}
}

func TestReceiveUffdExtractsPeerPidAndFd(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	sendHandoff(t, client, int(r.Fd()))

	pid, fd, err := receiveUffd(server)
	if err != nil {
		t.Fatalf("receiveUffd: %v", err)
	}
	defer fd.Close()

	// socketpair() creates both ends in this test process, so the
	// kernel-verified SO_PEERCRED pid is this process's own pid.
	if pid != int32(os.Getpid()) {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
	if fd == nil {
		t.Fatal("expected non-nil fd")
	}
}

func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	toConn := func(fd int) *net.UnixConn {
		f := os.NewFile(uintptr(fd), "socketpair")
		c, err := net.FileConn(f)
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		_ = f.Close()
		return c.(*net.UnixConn)
	}
	return toConn(fds[0]), toConn(fds[1])
}
