// Package relay implements the single-threaded reducer that owns the
// authoritative per-tracee state: it consumes tracer and userfault events,
// applies them to each tracee's memmap.Map, coalesces high-frequency
// page events into time-windowed batches, and broadcasts serialized
// wire.Event frames to WebSocket subscribers.
//
// Grounded on the agent orchestrator's fan-in pattern this project
// originally shipped (one goroutine per event source forwarding into
// shared state, generalized here from "forward to queue+transport" to
// "coalesce into time-windowed batches") and on its poll-interval select
// loop for the window-timeout branch.
//
//go:build linux

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mevi-project/mevi/internal/audit"
	"github.com/mevi-project/mevi/internal/memmap"
	"github.com/mevi-project/mevi/internal/recorder"
	"github.com/mevi-project/mevi/internal/rendezvous"
	"github.com/mevi-project/mevi/internal/server/rest"
	"github.com/mevi-project/mevi/internal/server/websocket"
	"github.com/mevi-project/mevi/internal/tracer"
	"github.com/mevi-project/mevi/internal/userfault"
	"github.com/mevi-project/mevi/internal/wire"
)

// batchFlushThreshold is the number of coalesced ranges in a tracee's
// pending batch above which the batch is flushed immediately rather than
// waiting for the next window timeout or an intervening non-page event.
const batchFlushThreshold = 512

// pageSize is the x86-64 page size used to expand a coalesced batch range
// back into the individual page addresses the wire format carries for
// KindPageIn/KindPageOut.
const pageSize = 4096

// defaultInboxCapacity matches the bounded-channel capacity the tracer and
// userfault sources block against; a full inbox propagates backpressure
// all the way back to the tracee via the ptrace syscall-stop.
const defaultInboxCapacity = 16

// TraceeState is the authoritative, relay-owned view of one live tracee.
type TraceeState struct {
	Tid       tracer.TraceeID
	ParentTid tracer.TraceeID
	Cmdline   []string
	StartTime time.Time

	Map   *memmap.Map
	Batch *memmap.Map

	Uffd               *userfault.Worker
	Connected          bool
	PrintedUffdWarning bool
}

type inboundKind int

const (
	inboundTracer inboundKind = iota
	inboundUserfault
	inboundHandoff
	inboundSnapshotRequest
)

type inbound struct {
	kind     inboundKind
	tid      tracer.TraceeID
	tracerE  tracer.Event
	ufE      userfault.Event
	handoff  rendezvous.Handoff
	clientID string
}

// Relay is the reducer described at the package level. It is safe to read
// ListTracees/AuditEntries concurrently with Run; everything else is
// confined to the Run goroutine.
type Relay struct {
	logger      *slog.Logger
	batchWindow time.Duration

	broadcaster *websocket.Broadcaster
	auditLogger *audit.Logger
	auditPath   string
	rec         recorder.Store

	inbox chan inbound

	mu      sync.RWMutex
	tracees map[tracer.TraceeID]*TraceeState
}

// New constructs a Relay. auditLogger and rec may be nil to disable the
// corresponding optional sink.
func New(logger *slog.Logger, batchWindow time.Duration, bc *websocket.Broadcaster, auditLogger *audit.Logger, auditPath string, rec recorder.Store) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if batchWindow <= 0 {
		batchWindow = 48 * time.Millisecond
	}
	return &Relay{
		logger:      logger,
		batchWindow: batchWindow,
		broadcaster: bc,
		auditLogger: auditLogger,
		auditPath:   auditPath,
		rec:         rec,
		inbox:       make(chan inbound, defaultInboxCapacity),
		tracees:     make(map[tracer.TraceeID]*TraceeState),
	}
}

// RequestSnapshot asks the relay to send one Snapshot frame per known tracee
// to the named WebSocket client. Passed as the onConnect hook to
// websocket.NewHandler. The client is registered before the request is
// queued behind any events already in the inbox, so frames the relay
// broadcasts in between reach the client ahead of its snapshot; while no
// tracee is known, no snapshot frame is sent.
func (r *Relay) RequestSnapshot(clientID string) {
	r.inbox <- inbound{kind: inboundSnapshotRequest, clientID: clientID}
}

// Run drains tracerEvents and handoffs, applying every event to
// authoritative state until ctx is cancelled or tracerEvents closes (the
// tracer exits the process once the root command and all descendants have
// exited).
func (r *Relay) Run(ctx context.Context, tracerEvents <-chan tracer.Event, handoffs <-chan rendezvous.Handoff) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for ev := range tracerEvents {
			select {
			case r.inbox <- inbound{kind: inboundTracer, tid: ev.Tid, tracerE: ev}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for h := range handoffs {
			select {
			case r.inbox <- inbound{kind: inboundHandoff, handoff: h}:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer wg.Wait()

	idle := true
	for {
		if idle {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-r.inbox:
				if !ok {
					return nil
				}
				r.dispatch(ctx, ev)
				idle = false
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.inbox:
			if !ok {
				return nil
			}
			r.dispatch(ctx, ev)
		case <-time.After(r.batchWindow):
			r.flushAll()
			idle = true
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, ev inbound) {
	switch ev.kind {
	case inboundSnapshotRequest:
		r.sendSnapshot(ev.clientID)
	case inboundHandoff:
		r.handleHandoff(ctx, ev.handoff)
	case inboundTracer:
		r.handleTracerEvent(ctx, ev.tracerE)
	case inboundUserfault:
		r.handleUserfaultEvent(ev.tid, ev.ufE)
	}
}

// handleHandoff adopts a userfaultfd the rendezvous listener received
// directly from a tracee's own preloaded-library connection — the
// LdPreload source per spec.md's Connected payload. A handoff arriving on
// behalf of a forked child instead routes through the pending registry and
// the tracer's SIGSTOP correlation (see internal/pending, internal/tracer)
// and reaches the relay as an EventConnected tracer event, not a Handoff.
func (r *Relay) handleHandoff(ctx context.Context, h rendezvous.Handoff) {
	r.adoptUffd(ctx, tracer.TraceeID(h.Pid), h.Uffd, wire.SourceLdPreload)
}

// adoptUffd wraps fd in a userfault.Worker and attaches it to tid's
// TraceeState, recording which Connected source produced it so subscribers
// can tell apart a tracee's own rendezvous connection from one relayed by
// its parent on its behalf (spec.md Testable Scenario S4).
func (r *Relay) adoptUffd(ctx context.Context, tid tracer.TraceeID, fd *os.File, source wire.ConnectSource) {
	if fd == nil {
		r.logger.Warn("relay: adoptUffd called with no descriptor", slog.Int("tid", int(tid)))
		return
	}

	worker, err := userfault.New(fd, r.logger)
	if err != nil {
		r.logger.Error("relay: wrap uffd failed", slog.Int("tid", int(tid)), slog.Any("error", err))
		_ = fd.Close()
		return
	}

	ts := r.traceeFor(tid)
	if ts.Connected {
		r.logger.Warn("relay: tracee already connected, dropping new uffd", slog.Int("tid", int(tid)))
		_ = worker.Close()
		return
	}
	ts.Uffd = worker
	ts.Connected = true

	go func() {
		for e := range worker.Events() {
			select {
			case r.inbox <- inbound{kind: inboundUserfault, tid: tid, ufE: e}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		if err := worker.Serve(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("relay: userfault worker stopped", slog.Int("tid", int(tid)), slog.Any("error", err))
		}
	}()

	kind := "connected"
	if source == wire.SourceFork {
		kind = "connected-fork"
	}
	r.appendAudit(tid, kind, nil)
	r.broadcastOne(tid, wire.Event{Kind: wire.KindConnected, Tid: uint64(tid), Source: source})
}

// handleTracerEvent implements the classification and application rules of
// spec.md §4.4 for every tracer-sourced observation.
func (r *Relay) handleTracerEvent(ctx context.Context, ev tracer.Event) {
	switch ev.Kind {
	case tracer.EventStart:
		ts := r.traceeFor(ev.Tid)
		ts.ParentTid = ev.ParentTid
		ts.Cmdline = ev.Cmdline
		r.appendAudit(ev.Tid, "start", ev.Cmdline)
		r.broadcastOne(ev.Tid, wire.Event{Kind: wire.KindStart, Tid: uint64(ev.Tid), Cmdline: ev.Cmdline})

	case tracer.EventConnected:
		r.adoptUffd(ctx, ev.Tid, ev.Uffd, wire.SourceFork)

	case tracer.EventMap:
		ts := r.traceeFor(ev.Tid)
		r.flushBatch(ts)
		r.applyMap(ts, ev.Addr, ev.Addr+ev.Len)
		if ev.Ack != nil {
			close(ev.Ack)
		}

	case tracer.EventExecve:
		ts := r.traceeFor(ev.Tid)
		r.flushBatch(ts)
		if ts.Uffd != nil {
			_ = ts.Uffd.Close()
		}
		ts.Uffd = nil
		ts.Connected = false
		ts.Map = memmap.New()
		ts.Batch = memmap.New()
		ts.Cmdline = ev.Cmdline
		r.appendAudit(ev.Tid, "execve", ev.Cmdline)
		r.broadcastOne(ev.Tid, wire.Event{Kind: wire.KindExecve, Tid: uint64(ev.Tid)})

	case tracer.EventExit:
		ts := r.traceeFor(ev.Tid)
		r.flushBatch(ts)
		if ts.Uffd != nil {
			_ = ts.Uffd.Close()
		}
		r.appendAudit(ev.Tid, "exit", nil)
		r.broadcastOne(ev.Tid, wire.Event{Kind: wire.KindExit, Tid: uint64(ev.Tid)})
		r.mu.Lock()
		delete(r.tracees, ev.Tid)
		r.mu.Unlock()
	}
}

// handleUserfaultEvent applies a userfault worker's observation to the
// owning tracee's state, coalescing PageIn/PageOut into the pending batch
// per spec.md §4.4 step 3.
func (r *Relay) handleUserfaultEvent(tid tracer.TraceeID, ev userfault.Event) {
	ts := r.traceeFor(tid)

	switch ev.Kind {
	case userfault.EventPageIn:
		ts.Batch.Insert(ev.Addr, ev.Addr+ev.Len, memmap.Resident)
		ts.Map.Insert(ev.Addr, ev.Addr+ev.Len, memmap.Resident)
		if len(ts.Batch.Ranges()) > batchFlushThreshold {
			r.flushBatch(ts)
		}

	case userfault.EventPageOut:
		ts.Batch.Insert(ev.Addr, ev.Addr+ev.Len, memmap.NotResident)
		ts.Map.Insert(ev.Addr, ev.Addr+ev.Len, memmap.NotResident)
		if len(ts.Batch.Ranges()) > batchFlushThreshold {
			r.flushBatch(ts)
		}

	case userfault.EventUnmap:
		r.flushBatch(ts)
		ts.Map.Remove(ev.Addr, ev.Addr+ev.Len)
		r.broadcastOne(tid, wire.Event{Kind: wire.KindUnmap, Tid: uint64(tid), Addr: ev.Addr, Len: ev.Len})

	case userfault.EventRemap:
		r.flushBatch(ts)
		ts.Map.Remove(ev.Addr, ev.Addr+ev.Len)
		// Remap residency is an acknowledged approximation (§9 Open
		// Questions): the destination range is simply marked Resident
		// rather than preserving per-page state across the move.
		ts.Map.Insert(ev.NewAddr, ev.NewAddr+ev.Len, memmap.Resident)
		r.broadcastOne(tid, wire.Event{Kind: wire.KindRemap, Tid: uint64(tid), Addr: ev.Addr, NewAddr: ev.NewAddr, Len: ev.Len})
	}
}

// applyMap registers [start,end) with the tracee's uffd (if any) and
// records the outcome in authoritative state, per spec.md §4.4 step 4's
// Map handling.
func (r *Relay) applyMap(ts *TraceeState, start, end uint64) {
	if ts.Uffd == nil {
		ts.Map.Insert(start, end, memmap.Untracked)
		if !ts.PrintedUffdWarning {
			r.logger.Warn("relay: mapping a range before uffd is connected; tracking as untracked",
				slog.Int("tid", int(ts.Tid)), slog.Uint64("start", start), slog.Uint64("end", end))
			ts.PrintedUffdWarning = true
		}
		r.broadcastOne(ts.Tid, wire.Event{
			Kind: wire.KindBatch, Tid: uint64(ts.Tid),
			Batch: []wire.Event{{Kind: wire.KindMap, Tid: uint64(ts.Tid), Addr: start, Len: end - start}},
		})
		return
	}

	if err := ts.Uffd.Register(start, end-start); err != nil {
		ts.Map.Insert(start, end, memmap.Untracked)
		if !ts.PrintedUffdWarning {
			r.logger.Warn("relay: uffd registration failed; tracking as untracked",
				slog.Int("tid", int(ts.Tid)), slog.Any("error", err))
			ts.PrintedUffdWarning = true
		}
		r.broadcastOne(ts.Tid, wire.Event{
			Kind: wire.KindBatch, Tid: uint64(ts.Tid),
			Batch: []wire.Event{{Kind: wire.KindMap, Tid: uint64(ts.Tid), Addr: start, Len: end - start}},
		})
		return
	}

	ts.Map.Insert(start, end, memmap.NotResident)
	r.broadcastOne(ts.Tid, wire.Event{Kind: wire.KindMap, Tid: uint64(ts.Tid), Addr: start, Len: end - start})
}

// flushBatch broadcasts and clears ts's pending batch, if non-empty.
func (r *Relay) flushBatch(ts *TraceeState) {
	ranges := ts.Batch.Ranges()
	if len(ranges) == 0 {
		return
	}
	batch := make([]wire.Event, 0, len(ranges))
	for _, rg := range ranges {
		kind := wire.KindPageIn
		if rg.State != memmap.Resident {
			kind = wire.KindPageOut
		}
		addrs := make([]uint64, 0, rg.Len()/pageSize)
		for a := rg.Start; a < rg.End; a += pageSize {
			addrs = append(addrs, a)
		}
		batch = append(batch, wire.Event{Kind: kind, Tid: uint64(ts.Tid), Addrs: addrs})
	}
	r.broadcastOne(ts.Tid, wire.Event{Kind: wire.KindBatch, Tid: uint64(ts.Tid), Batch: batch})
	ts.Batch = memmap.New()
}

// flushAll flushes every tracee's pending batch; called on window timeout.
func (r *Relay) flushAll() {
	r.mu.RLock()
	tracees := make([]*TraceeState, 0, len(r.tracees))
	for _, ts := range r.tracees {
		tracees = append(tracees, ts)
	}
	r.mu.RUnlock()

	for _, ts := range tracees {
		r.flushBatch(ts)
	}
}

// sendSnapshot flushes every pending batch and sends one Snapshot frame per
// known tracee to the named client only (not broadcast to every subscriber).
func (r *Relay) sendSnapshot(clientID string) {
	r.flushAll()

	r.mu.RLock()
	snapshots := make([]wire.Event, 0, len(r.tracees))
	for _, ts := range r.tracees {
		snapshots = append(snapshots, wire.Event{
			Kind:    wire.KindSnapshot,
			Tid:     uint64(ts.Tid),
			Cmdline: ts.Cmdline,
			Ranges:  ts.Map.Ranges(),
		})
	}
	r.mu.RUnlock()

	if r.broadcaster == nil {
		return
	}
	var buf []byte
	for _, snap := range snapshots {
		buf = wire.Encode(buf[:0], snap)
		r.broadcaster.Send(clientID, append([]byte(nil), buf...))
	}
}

// broadcastOne encodes e and pushes it to every subscriber, and — if
// recording is enabled — to the durable frame log.
func (r *Relay) broadcastOne(tid tracer.TraceeID, e wire.Event) {
	buf := wire.Encode(nil, e)
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(buf)
	}
	if r.rec != nil {
		if err := r.rec.Append(context.Background(), int32(tid), byte(e.Kind), buf); err != nil {
			r.logger.Warn("relay: record frame failed", slog.Any("error", err))
		}
	}
}

// appendAudit appends a lifecycle record to the audit log, if configured.
func (r *Relay) appendAudit(tid tracer.TraceeID, kind string, cmdline []string) {
	if r.auditLogger == nil {
		return
	}
	if _, err := r.auditLogger.Append(int32(tid), kind, cmdline); err != nil {
		r.logger.Warn("relay: append audit entry failed", slog.Any("error", err))
	}
}

// traceeFor returns the TraceeState for tid, creating one (with StartTime
// set to now) if this is the first event seen for it.
func (r *Relay) traceeFor(tid tracer.TraceeID) *TraceeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tracees[tid]
	if !ok {
		ts = &TraceeState{
			Tid:       tid,
			StartTime: time.Now(),
			Map:       memmap.New(),
			Batch:     memmap.New(),
		}
		r.tracees[tid] = ts
	}
	return ts
}

// ListTracees implements rest.Store.
func (r *Relay) ListTracees(_ context.Context) ([]rest.TraceeSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]rest.TraceeSnapshot, 0, len(r.tracees))
	for _, ts := range r.tracees {
		var resident, mapped uint64
		for _, rg := range ts.Map.Ranges() {
			mapped += rg.Len()
			if rg.State == memmap.Resident {
				resident += rg.Len()
			}
		}
		out = append(out, rest.TraceeSnapshot{
			Tid:       int32(ts.Tid),
			ParentTid: int32(ts.ParentTid),
			Cmdline:   ts.Cmdline,
			StartedAt: ts.StartTime,
			Connected: ts.Connected,
			Ranges:    ts.Map.Ranges(),
			ResidentB: resident,
			MappedB:   mapped,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tid < out[j].Tid })
	return out, nil
}

// AuditEntries implements rest.Store by verifying the hash chain and
// filtering to the requested timestamp window.
func (r *Relay) AuditEntries(_ context.Context, from, to time.Time) ([]audit.Record, error) {
	if r.auditPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(r.auditPath); os.IsNotExist(err) {
		return nil, nil
	}
	entries, err := audit.Verify(r.auditPath)
	if err != nil {
		return nil, fmt.Errorf("relay: verify audit log: %w", err)
	}

	out := make([]audit.Record, 0, len(entries))
	for _, e := range entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}
