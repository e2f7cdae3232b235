// Package rendezvous implements the AF_UNIX listener the preloaded
// library connects to in order to hand its process's userfaultfd
// descriptor to mevi over an SCM_RIGHTS ancillary message.
//
// Grounded on dsmmcken-dh-cli's receiveUffdAndRegions
// (go_src/internal/vm/uffd_linux.go), which does the same
// Recvmsg/ParseSocketControlMessage/ParseUnixRights dance to pull a
// kernel-owned fd out of a Unix socket connection.
package rendezvous

import (
	"os"
	"time"
)

// Handoff is one received connection: the tracee's kernel-verified PID and
// the userfaultfd descriptor it sent. Only connections not claimed by the
// pending-uffd registry (see internal/pending) surface as a Handoff; a
// connection made on behalf of a forked child is queued there instead for
// the tracer to pick up.
type Handoff struct {
	Pid  int32
	Uffd *os.File
	At   time.Time
}
