package index_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/monitor/internal/index"
	"github.com/tripwire/monitor/internal/packet"
)

func writePacket(t *testing.T, f *os.File, id, seq uint32, ts uint64, payload []byte) {
	t.Helper()
	h := packet.Header{ID: id, Sequence: seq, TimestampNS: ts, PayloadSize: uint32(len(payload))}
	buf := h.Encode()
	if _, err := f.Write(buf[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestIndexScanThreePackets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	writePacket(t, f, 1, 0, 1000, make([]byte, 4))
	writePacket(t, f, 2, 1, 2000, make([]byte, 4))
	writePacket(t, f, 1, 2, 3000, make([]byte, 4))
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ix := index.New(nil, nil)
	idx, err := ix.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(idx.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(idx.Entries))
	}
	wantPos := []uint64{0, 28, 56}
	for i, e := range idx.Entries {
		if e.FilePosition != wantPos[i] {
			t.Errorf("entry %d: position = %d, want %d", i, e.FilePosition, wantPos[i])
		}
		if e.PacketSize != 28 {
			t.Errorf("entry %d: size = %d, want 28", i, e.PacketSize)
		}
	}

	ids := idx.ByPacketID(1)
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 2 {
		t.Errorf("ByPacketID(1) = %v, want [0 2]", ids)
	}
	if pos := idx.ByTimestamp(2500); pos != 2 {
		t.Errorf("ByTimestamp(2500) = %d, want 2", pos)
	}
}

func TestIndexResyncOnCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	writePacket(t, f, 1, 0, 1000, make([]byte, 4)) // valid packet at 0, size 28
	if _, err := f.Write(make([]byte, 32)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	writePacket(t, f, 2, 1, 2000, make([]byte, 4)) // valid packet at 60, size 28
	writePacket(t, f, 3, 2, 3000, make([]byte, 4)) // valid packet at 88
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ix := index.New(nil, nil)
	idx, err := ix.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if ix.State() != index.Completed {
		t.Errorf("state = %v, want Completed", ix.State())
	}
	if len(idx.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(idx.Entries))
	}
	wantPos := []uint64{0, 60, 88}
	for i, e := range idx.Entries {
		if e.FilePosition != wantPos[i] {
			t.Errorf("entry %d: position = %d, want %d", i, e.FilePosition, wantPos[i])
		}
	}
	if idx.Stats.ErrorPackets < 1 {
		t.Errorf("ErrorPackets = %d, want >= 1", idx.Stats.ErrorPackets)
	}
}

func TestIndexCancelProducesPartialResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 10; i++ {
		writePacket(t, f, uint32(i), uint32(i), uint64(1000+i), make([]byte, 4))
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before the scan starts: first loop check must stop it

	ix := index.New(nil, nil)
	idx, err := ix.Scan(ctx, path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if ix.State() != index.Cancelled {
		t.Errorf("state = %v, want Cancelled", ix.State())
	}
	if len(idx.Entries) != 0 {
		t.Errorf("got %d entries for a scan cancelled before it started, want 0", len(idx.Entries))
	}
}

func TestIndexTruncatedTailIsNonFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	writePacket(t, f, 1, 0, 1000, make([]byte, 4))
	if _, err := f.Write(make([]byte, 10)); err != nil { // partial trailing header
		t.Fatalf("write tail: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ix := index.New(nil, nil)
	idx, err := ix.Scan(context.Background(), path)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(idx.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(idx.Entries))
	}
	if ix.State() != index.Completed {
		t.Errorf("state = %v, want Completed", ix.State())
	}
}

func TestChecksumFileIsDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum1, err := index.ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile: %v", err)
	}
	sum2, err := index.ChecksumFile(path)
	if err != nil {
		t.Fatalf("ChecksumFile: %v", err)
	}
	if sum1 != sum2 {
		t.Errorf("checksum not deterministic: %q vs %q", sum1, sum2)
	}
	if len(sum1) != 64 {
		t.Errorf("checksum length = %d, want 64 (hex sha256)", len(sum1))
	}
}
