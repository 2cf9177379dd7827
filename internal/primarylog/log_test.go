package primarylog

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

func open(t *testing.T, capacity int64) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(vfs.Default(), filepath.Join(dir, "primary.log"), capacity, logging.Discard)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAdvancesHeadAndOccupancy(t *testing.T) {
	l := open(t, 64)
	if err := l.Append([]byte("hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got := l.Occupancy(); got != 5 {
		t.Errorf("occupancy = %d, want 5", got)
	}
}

func TestAppendRejectsOversizedEntry(t *testing.T) {
	l := open(t, 8)
	if err := l.Append(make([]byte, 9)); err != ErrTooLarge {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestAppendWrapsAroundCapacity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.log")
	l, err := Open(vfs.Default(), path, 8, logging.Discard)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := l.Append([]byte("ABCDEF")); err != nil { // fills [0,6)
		t.Fatalf("Append failed: %v", err)
	}
	l.AdvanceTail(6)
	if err := l.Append([]byte("XYZ")); err != nil { // wraps: "XY" at [6,8), "Z" at [0,1)
		t.Fatalf("Append failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	raf, err := vfs.Default().OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("OpenRandomAccess failed: %v", err)
	}
	defer raf.Close()
	buf := make([]byte, 8)
	if _, err := raf.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(buf[6:8], []byte("XY")) {
		t.Errorf("bytes[6:8] = %q, want %q", buf[6:8], "XY")
	}
	if buf[0] != 'Z' {
		t.Errorf("byte[0] = %q, want 'Z'", buf[0])
	}
}

func TestAdvanceTailClampsToHead(t *testing.T) {
	l := open(t, 16)
	l.AdvanceTail(1000)
	if got := l.Occupancy(); got != 0 {
		t.Errorf("occupancy = %d, want 0", got)
	}
}
