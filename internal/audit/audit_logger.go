// Package audit provides a tamper-evident, append-only log of tracee
// lifecycle transitions (start, rendezvous connect, execve, exit). Each
// entry is SHA-256 hash-chained: it records a monotonically increasing
// sequence number, a timestamp, the tracee id and transition kind, an
// optional cmdline snapshot, the previous entry's hash (prev_hash), and the
// SHA-256 hash of the entry's own content (hash). It exists independently
// of the binary wire stream (internal/wire) so a session's lifecycle
// history survives even if no subscriber was connected to observe it live.
//
// # Hash chain
//
// The hash for record N is computed as:
//
//	SHA-256( JSON({seq, ts, tid, kind, cmdline, prev_hash}) )
//
// where the JSON encoding of those fields is treated as a canonical byte
// sequence. The genesis record (seq=1) uses a prev_hash of 64 ASCII zero
// characters ("000...0").
//
// # Append semantics
//
// Each record is encoded as a single JSON line terminated by '\n'. The
// underlying file is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY so
// that every write is appended atomically by the OS (POSIX write(2) with
// O_APPEND guarantees a single atomic write up to PIPE_BUF bytes; JSON lines
// are kept small enough to satisfy this requirement in practice).
//
// # Thread safety
//
// Logger is safe for concurrent use. A mutex serialises all Append calls to
// maintain a consistent sequence number and prev_hash.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash
	// of the very first (genesis) record in the chain.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// record is the wire format for one audit log line.
type record struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Tid       int32     `json:"tid"`
	Kind      string    `json:"kind"`
	Cmdline   []string  `json:"cmdline,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// recordContent is the subset of record fields that are hashed to produce
// Hash. It deliberately excludes Hash itself.
type recordContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Tid       int32     `json:"tid"`
	Kind      string    `json:"kind"`
	Cmdline   []string  `json:"cmdline,omitempty"`
	PrevHash  string    `json:"prev_hash"`
}

// Record is the public representation of one audit log entry returned by
// Append and Verify.
type Record struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Tid       int32     `json:"tid"`
	Kind      string    `json:"kind"` // "start", "connected", "connected-fork", "execve", or "exit"
	Cmdline   []string  `json:"cmdline,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Logger is a tamper-evident, append-only audit log writer. Create one with
// Open; do not copy after first use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the log file at path and prepares the Logger for
// appending. If the file already contains records, Open verifies the whole
// chain and restores the current sequence number and prev_hash so that the
// chain continues correctly. Returns an error if the file cannot be opened,
// any existing record is malformed, or the existing chain is broken.
func Open(path string) (*Logger, error) {
	records, err := scanChain(path)
	if err != nil {
		return nil, err
	}

	prevHash := GenesisHash
	seq := int64(0)
	if n := len(records); n > 0 {
		prevHash = records[n-1].Hash
		seq = records[n-1].Seq
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Logger{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

// Append writes a new tamper-evident record of one tracee lifecycle
// transition to the log. cmdline may be nil for transitions that don't
// carry one (connected, exit). Append is safe to call from multiple
// goroutines.
//
// The returned Record contains the assigned sequence number, timestamp,
// computed Hash, and PrevHash so callers can record chain metadata without
// re-reading the file.
func (l *Logger) Append(tid int32, kind string, cmdline []string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	ts := time.Now().UTC()
	prevHash := l.prevHash // capture before mutation

	content := recordContent{
		Seq:       seq,
		Timestamp: ts,
		Tid:       tid,
		Kind:      kind,
		Cmdline:   cmdline,
		PrevHash:  prevHash,
	}
	hash := hashContent(content)

	rec := record{
		Seq:       seq,
		Timestamp: ts,
		Tid:       tid,
		Kind:      kind,
		Cmdline:   cmdline,
		PrevHash:  prevHash,
		Hash:      hash,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}
	// Append newline so each record is a self-contained JSON line.
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}

	l.seq = seq
	l.prevHash = hash

	return Record{
		Seq:       seq,
		Timestamp: ts,
		Tid:       tid,
		Kind:      kind,
		Cmdline:   cmdline,
		PrevHash:  prevHash,
		Hash:      hash,
	}, nil
}

// Close flushes any OS-level buffers and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		// Best-effort sync; report close error regardless.
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log file at path and checks the full hash chain. It
// returns the ordered slice of records on success, or the first chain error
// encountered. A missing or empty file is valid and returns an empty slice.
func Verify(path string) ([]Record, error) {
	return scanChain(path)
}

// scanChain reads every record in the log file at path in order, verifying
// prev_hash linkage and the recomputed content hash as it goes. A missing or
// empty file yields (nil, nil); both Open (to resume a chain) and Verify (to
// audit one) share this single pass so the two never drift out of sync.
func scanChain(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	defer f.Close()

	var records []Record
	prevHash := GenesisHash

	scanner := bufio.NewScanner(f)
	// Allow lines up to 10 MiB (large cmdline slices).
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("audit: malformed record at index %d: %w", len(records)+1, err)
		}

		if rec.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				rec.Seq, prevHash, rec.PrevHash)
		}

		computed := hashContent(recordContent{
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp,
			Tid:       rec.Tid,
			Kind:      rec.Kind,
			Cmdline:   rec.Cmdline,
			PrevHash:  rec.PrevHash,
		})
		if computed != rec.Hash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				rec.Seq, rec.Hash, computed)
		}

		records = append(records, Record{
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp,
			Tid:       rec.Tid,
			Kind:      rec.Kind,
			Cmdline:   rec.Cmdline,
			PrevHash:  rec.PrevHash,
			Hash:      rec.Hash,
		})
		prevHash = rec.Hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scanning %q: %w", path, err)
	}

	return records, nil
}

// hashContent computes the SHA-256 hex digest of the JSON-marshalled
// recordContent. It panics on marshal failure, which cannot happen for
// well-formed recordContent values.
func hashContent(c recordContent) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// recordContent fields are all JSON-serialisable; this is unreachable.
		panic(fmt.Sprintf("audit: marshal recordContent: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
