// Package index implements the File Indexer described in spec.md §4.6: a
// sequential scan of a binary packet file into a sorted PacketIndex, with
// resync-on-corruption, progress events, cancellation, and an optional
// sidecar cache.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/monitor/internal/events"
	"github.com/tripwire/monitor/internal/monerr"
	"github.com/tripwire/monitor/internal/packet"
)

// State is the indexing job's lifecycle state. Transitions are monotonic:
// NotStarted -> InProgress -> {Completed, Failed, Cancelled}.
type State int

const (
	NotStarted State = iota
	InProgress
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Entry is one PacketIndexEntry (spec.md §3).
type Entry struct {
	FilePosition uint64 `yaml:"file_position"`
	PacketSize   uint32 `yaml:"packet_size"`
	Timestamp    uint64 `yaml:"timestamp"`
	PacketID     uint32 `yaml:"packet_id"`
	Sequence     uint32 `yaml:"sequence"`
}

// Stats summarizes one completed or partial index build.
type Stats struct {
	Total         int
	Valid         int
	ErrorPackets  int
	BuildDuration time.Duration
	FileSize      int64
	SourceFile    string
}

// Index is the read-only sorted result of a completed (or cancelled, partial)
// scan. Safe to share concurrently once returned; nothing in this type
// mutates after construction.
type Index struct {
	Entries []Entry
	Stats   Stats
}

// progressInterval and progressEvery bound how often ProgressChanged events
// fire during a scan, per spec.md §4.6 step 4.
const (
	progressInterval = 100 * time.Millisecond
	progressEvery    = 1000

	resyncBufferSize = 4096 // cancellation check granularity during resync
)

// ByPosition returns the entry whose FilePosition exactly matches pos.
func (idx *Index) ByPosition(pos uint64) (Entry, bool) {
	i := sort.Search(len(idx.Entries), func(i int) bool { return idx.Entries[i].FilePosition >= pos })
	if i < len(idx.Entries) && idx.Entries[i].FilePosition == pos {
		return idx.Entries[i], true
	}
	return Entry{}, false
}

// ByTimestamp returns the index of the first entry with Timestamp >= ts, or
// len(Entries) if none qualify.
func (idx *Index) ByTimestamp(ts uint64) int {
	return sort.Search(len(idx.Entries), func(i int) bool { return idx.Entries[i].Timestamp >= ts })
}

// BySequence linearly scans for the first entry with the given sequence
// number, since sequences are not guaranteed monotone across packet IDs.
func (idx *Index) BySequence(seq uint32) (int, bool) {
	for i, e := range idx.Entries {
		if e.Sequence == seq {
			return i, true
		}
	}
	return 0, false
}

// ByPacketID returns every entry index matching the given packet id.
func (idx *Index) ByPacketID(id uint32) []int {
	var out []int
	for i, e := range idx.Entries {
		if e.PacketID == id {
			out = append(out, i)
		}
	}
	return out
}

// Indexer scans one packet file at a time into an Index. Not safe for
// concurrent Scan calls on the same instance; spec.md §4.6 requires starting
// a new job while one is in progress to fail outright.
type Indexer struct {
	logger *slog.Logger
	sink   events.Sink

	mu        sync.Mutex
	state     State
	cancelled atomic.Bool
	result    *Index
	lastErr   error

	sessionID uuid.UUID
}

// New creates an Indexer that reports to sink (may be nil).
func New(logger *slog.Logger, sink events.Sink) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.SinkFunc(func(events.Event) {})
	}
	return &Indexer{logger: logger, sink: sink, sessionID: uuid.New()}
}

// State returns the indexer's current lifecycle state.
func (ix *Indexer) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

// Result returns the most recently completed (or partial, if cancelled)
// index, if any.
func (ix *Indexer) Result() (*Index, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.result, ix.result != nil
}

// Cancel requests that an in-progress scan stop at its next cancellation
// check point. A no-op if no scan is running.
func (ix *Indexer) Cancel() { ix.cancelled.Store(true) }

// Scan runs a foreground scan of path, blocking the caller's goroutine until
// it completes, fails, or is cancelled via ctx or Cancel.
func (ix *Indexer) Scan(ctx context.Context, path string) (*Index, error) {
	ix.mu.Lock()
	if ix.state == InProgress {
		ix.mu.Unlock()
		return nil, monerr.New(monerr.KindIndex, "indexing job already in progress")
	}
	ix.state = InProgress
	ix.cancelled.Store(false)
	ix.mu.Unlock()

	idx, err := ix.scan(ctx, path)

	ix.mu.Lock()
	ix.result, ix.lastErr = idx, err
	switch {
	case errors.Is(err, errCancelled):
		ix.state = Cancelled
	case err != nil:
		ix.state = Failed
	default:
		ix.state = Completed
	}
	finalState := ix.state
	ix.mu.Unlock()

	ix.sink.Handle(events.Event{Kind: events.StateChanged, Source: "indexer", State: finalState.String()})
	if finalState == Completed {
		ix.sink.Handle(events.Event{Kind: events.IndexingCompleted, Source: "indexer"})
	}
	if errors.Is(err, errCancelled) {
		return idx, nil
	}
	return idx, err
}

// ScanBackground starts a scan on a dedicated goroutine and returns
// immediately; poll State()/Result() or supply a Sink to observe progress.
func (ix *Indexer) ScanBackground(ctx context.Context, path string) error {
	ix.mu.Lock()
	if ix.state == InProgress {
		ix.mu.Unlock()
		return monerr.New(monerr.KindIndex, "indexing job already in progress")
	}
	ix.mu.Unlock()

	go func() {
		_, _ = ix.Scan(ctx, path)
	}()
	return nil
}

var errCancelled = errors.New("index: scan cancelled")

func (ix *Indexer) scan(ctx context.Context, path string) (*Index, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, monerr.New(monerr.KindIndex, "open %q: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, monerr.New(monerr.KindIndex, "stat %q: %v", path, err)
	}
	size := info.Size()
	if size < packet.HeaderSize {
		return &Index{Stats: Stats{FileSize: size, SourceFile: path, BuildDuration: time.Since(start)}}, nil
	}

	var entries []Entry
	var errorPackets int
	var pos int64
	lastProgress := time.Now()

	headerAt := func(at int64) (packet.Header, bool) {
		buf := make([]byte, packet.HeaderSize)
		if _, err := f.ReadAt(buf, at); err != nil {
			return packet.Header{}, false
		}
		h := packet.Decode(buf)
		if !h.Valid() {
			return packet.Header{}, false
		}
		return h, true
	}

	for pos+packet.HeaderSize <= size {
		if ctx.Err() != nil || ix.cancelled.Load() {
			return ix.finishPartial(entries, errorPackets, path, size, start), errCancelled
		}

		h, ok := headerAt(pos)
		total := int64(packet.HeaderSize) + int64(h.PayloadSize)
		if ok && pos+total <= size {
			entries = append(entries, Entry{
				FilePosition: uint64(pos), PacketSize: uint32(total),
				Timestamp: h.TimestampNS, PacketID: h.ID, Sequence: h.Sequence,
			})
			pos += total
		} else {
			newPos, skipped, resyncErr := ix.resync(headerAt, pos, size)
			errorPackets += skipped
			if resyncErr != nil {
				break // truncated tail or unrecoverable: stop cleanly, non-fatal
			}
			pos = newPos
		}

		if len(entries)%progressEvery == 0 || time.Since(lastProgress) >= progressInterval {
			ix.sink.Handle(events.Event{Kind: events.ProgressChanged, Source: "indexer",
				Processed: int64(len(entries)), Total: size})
			lastProgress = time.Now()
		}
	}

	return &Index{
		Entries: entries,
		Stats: Stats{
			Total: len(entries) + errorPackets, Valid: len(entries), ErrorPackets: errorPackets,
			BuildDuration: time.Since(start), FileSize: size, SourceFile: path,
		},
	}, nil
}

func (ix *Indexer) finishPartial(entries []Entry, errorPackets int, path string, size int64, start time.Time) *Index {
	return &Index{
		Entries: entries,
		Stats: Stats{
			Total: len(entries) + errorPackets, Valid: len(entries), ErrorPackets: errorPackets,
			BuildDuration: time.Since(start), FileSize: size, SourceFile: path,
		},
	}
}

// resync searches forward byte-by-byte from pos for a position whose header
// is valid in isolation AND whose implied next packet position also reads as
// a valid header whose own packet fits in the file (spec.md §4.6 step 3's
// two-step confirmation). It returns
// the confirmed resume position and how many bytes were skipped.
func (ix *Indexer) resync(headerAt func(int64) (packet.Header, bool), pos, size int64) (int64, int, error) {
	candidate := pos + 1
	scanned := 0
	for candidate+packet.HeaderSize <= size {
		if scanned%resyncBufferSize == 0 && ix.cancelled.Load() {
			return 0, int(candidate - pos), errCancelled
		}
		h, ok := headerAt(candidate)
		if ok {
			next := candidate + packet.HeaderSize + int64(h.PayloadSize)
			if next+packet.HeaderSize <= size {
				if h2, ok2 := headerAt(next); ok2 && next+packet.HeaderSize+int64(h2.PayloadSize) <= size {
					return candidate, int(candidate - pos), nil
				}
			} else if next <= size {
				// Confirmed header reaches exactly (or short of) EOF: accept
				// without a second header, matching "truncated tail is
				// non-fatal" (spec.md §6).
				return candidate, int(candidate - pos), nil
			}
		}
		candidate++
		scanned++
	}
	return 0, int(candidate - pos), monerr.New(monerr.KindIndex, "resync failed: no valid header found before EOF")
}

// ChecksumFile returns a hex-encoded SHA-256 checksum of path's contents, for
// index-cache validation (spec.md §4.6 "Index cache").
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", monerr.New(monerr.KindIndex, "checksum: open %q: %v", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", monerr.New(monerr.KindIndex, "checksum: read %q: %v", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
