//go:build linux

package userfault

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// UFFDIO ioctl request codes and uffd_msg event types, taken from
// linux/userfaultfd.h. Declared as plain hex constants rather than derived
// via _IOWR, matching the style of dsmmcken-dh-cli's uffd_linux.go.
const (
	uffdioRegister     = 0xc020aa00
	uffdioCopy         = 0xc028aa03
	uffdioZeropage     = 0xc020aa04
	uffdioWriteprotect = 0xc018aa06

	uffdEventPagefault = 0x12
	uffdEventFork      = 0x13
	uffdEventRemap     = 0x14
	uffdEventRemove    = 0x15
	uffdEventUnmap     = 0x16

	uffdioRegisterModeMissing = 1 << 0

	uffdPagefaultFlagWrite = 1 << 0
	uffdPagefaultFlagWP    = 1 << 1
)

// uffdioRangeT mirrors struct uffdio_range.
type uffdioRangeT struct {
	Start uint64
	Len   uint64
}

// uffdioRegisterT mirrors struct uffdio_register.
type uffdioRegisterT struct {
	Range  uffdioRangeT
	Mode   uint64
	Ioctls uint64
}

var _ [32]byte = [unsafe.Sizeof(uffdioRegisterT{})]byte{}

// uffdioCopyT mirrors struct uffdio_copy.
type uffdioCopyT struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

var _ [40]byte = [unsafe.Sizeof(uffdioCopyT{})]byte{}

// uffdioZeropageT mirrors struct uffdio_zeropage.
type uffdioZeropageT struct {
	Range    uffdioRangeT
	Mode     uint64
	Zeropage int64
}

var _ [32]byte = [unsafe.Sizeof(uffdioZeropageT{})]byte{}

// uffdMsgRaw mirrors struct uffd_msg: a 1-byte event tag, 7 bytes of
// padding/reserved fields, and a 24-byte union whose interpretation
// depends on Event.
type uffdMsgRaw struct {
	Event     uint8
	Reserved1 uint8
	Reserved2 uint16
	Reserved3 uint32
	Arg       [24]byte
}

var _ [32]byte = [unsafe.Sizeof(uffdMsgRaw{})]byte{}

// Worker owns one userfaultfd and services its event stream for the
// process family it was registered against.
type Worker struct {
	fd       int
	pageSize uint64
	logger   *slog.Logger
	events   chan Event

	exitR *os.File
	exitW *os.File
}

// New wraps an already-open userfaultfd descriptor (received over the
// rendezvous socket via SCM_RIGHTS) in a Worker.
func New(uffd *os.File, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	exitR, exitW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("userfault: create exit pipe: %w", err)
	}
	return &Worker{
		fd:       int(uffd.Fd()),
		pageSize: uint64(unix.Getpagesize()),
		logger:   logger,
		events:   make(chan Event, 16),
		exitR:    exitR,
		exitW:    exitW,
	}, nil
}

// Events returns the channel on which the worker delivers decoded Events.
// The channel is closed when Serve returns.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Register tells the kernel to intercept faults in [start, start+len) and
// route them through this uffd. len must be a multiple of the system page
// size.
func (w *Worker) Register(start, length uint64) error {
	req := uffdioRegisterT{
		Range: uffdioRangeT{Start: start, Len: length},
		Mode:  uffdioRegisterModeMissing,
	}
	if err := ioctlPtr(w.fd, uffdioRegister, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("userfault: UFFDIO_REGISTER [%#x,%#x): %w", start, start+length, err)
	}
	return nil
}

// Stop causes a blocked Serve call to return.
func (w *Worker) Stop() {
	_, _ = w.exitW.Write([]byte{0})
}

// Close releases the exit-pipe descriptors and the underlying uffd.
func (w *Worker) Close() error {
	_ = w.exitR.Close()
	_ = w.exitW.Close()
	return unix.Close(w.fd)
}

// Serve polls the uffd and the worker's exit pipe, decoding each uffd_msg
// into an Event and zero-filling any page the preloaded library did not
// pre-populate (UFFD_EVENT_PAGEFAULT with no WP flag). It returns when ctx
// is cancelled, Stop is called, or the uffd is closed by the kernel
// (tracee exited).
func (w *Worker) Serve(ctx context.Context) error {
	defer close(w.events)

	exitFd := int(w.exitR.Fd())
	pollFds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(exitFd), Events: unix.POLLIN},
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.Poll(pollFds, 500)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("userfault: poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if pollFds[1].Revents&unix.POLLIN != 0 {
			return nil
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		var raw uffdMsgRaw
		buf := (*[unsafe.Sizeof(raw)]byte)(unsafe.Pointer(&raw))[:]
		nr, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("userfault: read msg: %w", err)
		}
		if nr != len(buf) {
			w.logger.Warn("userfault: short uffd_msg read", slog.Int("n", nr))
			continue
		}

		if err := w.handleMsg(raw); err != nil {
			w.logger.Warn("userfault: handle message failed", slog.Any("error", err))
		}
	}
}

func (w *Worker) handleMsg(raw uffdMsgRaw) error {
	switch raw.Event {
	case uffdEventPagefault:
		flags := binary.LittleEndian.Uint64(raw.Arg[0:8])
		address := binary.LittleEndian.Uint64(raw.Arg[8:16])
		pageAddr := address &^ (w.pageSize - 1)

		if flags&uffdPagefaultFlagWP != 0 {
			// Write-protect fault on an already-resident page; nothing is
			// populated and no event is emitted (Register uses missing-page
			// mode only).
			return nil
		}
		if err := w.zeroPage(pageAddr); err != nil {
			return fmt.Errorf("zero-fill %#x: %w", pageAddr, err)
		}
		w.emit(Event{Kind: EventPageIn, Addr: pageAddr, Len: w.pageSize, At: time.Now()})

	case uffdEventRemove:
		start := binary.LittleEndian.Uint64(raw.Arg[0:8])
		end := binary.LittleEndian.Uint64(raw.Arg[8:16])
		w.emit(Event{Kind: EventPageOut, Addr: start, Len: end - start, At: time.Now()})

	case uffdEventUnmap:
		start := binary.LittleEndian.Uint64(raw.Arg[0:8])
		end := binary.LittleEndian.Uint64(raw.Arg[8:16])
		w.emit(Event{Kind: EventUnmap, Addr: start, Len: end - start, At: time.Now()})

	case uffdEventRemap:
		from := binary.LittleEndian.Uint64(raw.Arg[0:8])
		to := binary.LittleEndian.Uint64(raw.Arg[8:16])
		length := binary.LittleEndian.Uint64(raw.Arg[16:24])
		w.emit(Event{Kind: EventRemap, Addr: from, NewAddr: to, Len: length, At: time.Now()})

	case uffdEventFork:
		// A forked child inherits this uffd; the rendezvous listener
		// observes the corresponding SCM_RIGHTS handoff independently, so
		// there is nothing further to do here.

	default:
		return fmt.Errorf("unknown uffd event %#x", raw.Event)
	}
	return nil
}

// zeroPage fills a single page at addr with zeroes via UFFDIO_ZEROPAGE.
// EEXIST means another thread already resolved the fault; that is not an
// error. EAGAIN is transient (the kernel asks us to retry once the fault
// is re-armable) and is retried in place. Any other error means the uffd
// is in a state we don't understand, so we panic rather than silently
// leave the tracee stuck on a fault we never resolved.
func (w *Worker) zeroPage(addr uint64) error {
	req := uffdioZeropageT{
		Range: uffdioRangeT{Start: addr, Len: w.pageSize},
	}
	for {
		err := ioctlPtr(w.fd, uffdioZeropage, unsafe.Pointer(&req))
		switch err {
		case nil, unix.EEXIST:
			return nil
		case unix.EAGAIN:
			continue
		default:
			panic(fmt.Sprintf("userfault: UFFDIO_ZEROPAGE %#x: %v", addr, err))
		}
	}
}

// CopyPage fills a single page at addr with the contents of src via
// UFFDIO_COPY. Used when the preloaded library has already placed real
// content to copy in, rather than zero-filling.
func (w *Worker) CopyPage(addr uint64, src []byte) error {
	if uint64(len(src)) != w.pageSize {
		return fmt.Errorf("userfault: copy source must be exactly one page (%d bytes)", w.pageSize)
	}
	req := uffdioCopyT{
		Dst:  addr,
		Src:  uint64(uintptr(unsafe.Pointer(&src[0]))),
		Len:  w.pageSize,
		Mode: 0,
	}
	err := ioctlPtr(w.fd, uffdioCopy, unsafe.Pointer(&req))
	if err != nil && err != unix.EEXIST {
		return fmt.Errorf("userfault: UFFDIO_COPY %#x: %w", addr, err)
	}
	return nil
}

func (w *Worker) emit(e Event) {
	w.events <- e
}

// ioctlPtr issues a raw SYS_IOCTL with the given request and argument
// pointer, the same pattern the e2b-dev-infra uffd implementation uses for
// UFFDIO_COPY.
func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
