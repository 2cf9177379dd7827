package writebuffer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
)

type fakeSink struct {
	mu          sync.Mutex
	primary     [][]byte
	secondary   map[rangeKey][][]byte
	fillsSecond bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{secondary: make(map[rangeKey][][]byte)}
}

func (s *fakeSink) AppendPrimary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.primary = append(s.primary, cp)
	return nil
}

func (s *fakeSink) SecondaryBufferWouldFill(owner uint16, rangeID chunkid.RangeID, nBytes int) bool {
	return s.fillsSecond
}

func (s *fakeSink) AppendSecondary(owner uint16, rangeID chunkid.RangeID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rangeKey{owner: owner, rangeID: rangeID}
	cp := append([]byte(nil), data...)
	s.secondary[key] = append(s.secondary[key], cp)
	return nil
}

func makePrimaryEntry(t *testing.T, cfg header.Config, rangeID uint16, localID uint64, payload []byte) []byte {
	t.Helper()
	f := header.Fields{
		Type: header.Type{
			LocalIDWidth: 6,
			LengthWidth:  2,
			VersionWidth: 4,
		},
		RangeID: rangeID,
		NodeID:  7,
		LocalID: localID,
		Length:  uint32(len(payload)),
		Epoch:   1,
		Version: 1,
	}
	hdr, err := header.Serialize(f, header.Primary, cfg)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return append(hdr, payload...)
}

func TestPostAndDrainFanOutBothPaths(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	buf := New(Config{Capacity: 4096, HalfSegmentSize: 1 << 20, HeaderConfig: cfg}, sink, logging.Discard)

	entry := makePrimaryEntry(t, cfg, 3, 10, []byte("hello"))
	if err := buf.Post(context.Background(), 7, chunkid.RangeID(3), entry); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	n, err := buf.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Drain processed %d sub-streams, want 1", n)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.primary) != 1 || !bytes.Equal(sink.primary[0], entry) {
		t.Errorf("expected the primary log to receive the unconverted entry")
	}
	key := rangeKey{owner: 7, rangeID: 3}
	if len(sink.secondary[key]) != 1 {
		t.Errorf("expected one secondary fan-out write, got %d", len(sink.secondary[key]))
	}
}

func TestPostDirectWhenOverHalfSegment(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	buf := New(Config{Capacity: 1 << 20, HalfSegmentSize: 10, HeaderConfig: cfg}, sink, logging.Discard)

	entry := makePrimaryEntry(t, cfg, 1, 1, bytes.Repeat([]byte{0x05}, 64))
	if err := buf.Post(context.Background(), 2, chunkid.RangeID(1), entry); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if _, err := buf.Drain(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.primary) != 0 {
		t.Errorf("expected direct path to skip the primary log, got %d writes", len(sink.primary))
	}
	key := rangeKey{owner: 2, rangeID: 1}
	if len(sink.secondary[key]) != 1 {
		t.Errorf("expected exactly one direct secondary write")
	}
}

func TestPostDirectWhenSecondaryBufferWouldFill(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	sink.fillsSecond = true
	buf := New(Config{Capacity: 4096, HalfSegmentSize: 1 << 20, HeaderConfig: cfg}, sink, logging.Discard)

	entry := makePrimaryEntry(t, cfg, 1, 1, []byte("x"))
	if err := buf.Post(context.Background(), 2, chunkid.RangeID(1), entry); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if _, err := buf.Drain(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.primary) != 0 {
		t.Errorf("expected direct path when secondary buffer would fill")
	}
}

func TestPostBlocksWhenFullThenUnblocksAfterDrain(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	entry := makePrimaryEntry(t, cfg, 1, 1, bytes.Repeat([]byte{0x01}, 200))
	buf := New(Config{Capacity: len(entry) + 10, HalfSegmentSize: 1 << 20, HeaderConfig: cfg}, sink, logging.Discard)

	if err := buf.Post(context.Background(), 1, chunkid.RangeID(1), entry); err != nil {
		t.Fatalf("first Post failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- buf.Post(context.Background(), 1, chunkid.RangeID(1), entry)
	}()

	select {
	case <-done:
		t.Fatalf("second Post should have blocked for lack of space")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := buf.Drain(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Post failed after drain: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Post did not unblock after Drain freed space")
	}
}

func TestPostContextCancel(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	entry := makePrimaryEntry(t, cfg, 1, 1, bytes.Repeat([]byte{0x01}, 200))
	buf := New(Config{Capacity: len(entry) + 10, HalfSegmentSize: 1 << 20, HeaderConfig: cfg}, sink, logging.Discard)

	if err := buf.Post(context.Background(), 1, chunkid.RangeID(1), entry); err != nil {
		t.Fatalf("first Post failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := buf.Post(ctx, 1, chunkid.RangeID(1), entry); err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestPostAfterCloseReturnsShutdown(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	buf := New(Config{Capacity: 4096, HalfSegmentSize: 1 << 20, HeaderConfig: cfg}, sink, logging.Discard)
	buf.Close()

	entry := makePrimaryEntry(t, cfg, 1, 1, []byte("x"))
	if err := buf.Post(context.Background(), 1, chunkid.RangeID(1), entry); err != ErrShutdown {
		t.Errorf("got %v, want ErrShutdown", err)
	}
}

func TestPostEntryTooLarge(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	buf := New(Config{Capacity: 16, HalfSegmentSize: 1 << 20, HeaderConfig: cfg}, sink, logging.Discard)

	entry := makePrimaryEntry(t, cfg, 1, 1, bytes.Repeat([]byte{0x01}, 100))
	if err := buf.Post(context.Background(), 1, chunkid.RangeID(1), entry); err != ErrEntryTooLarge {
		t.Errorf("got %v, want ErrEntryTooLarge", err)
	}
}

func TestMultipleRangesPartitionedSeparately(t *testing.T) {
	cfg := header.Config{}
	sink := newFakeSink()
	buf := New(Config{Capacity: 4096, HalfSegmentSize: 1 << 20, HeaderConfig: cfg}, sink, logging.Discard)

	e1 := makePrimaryEntry(t, cfg, 1, 1, []byte("a"))
	e2 := makePrimaryEntry(t, cfg, 2, 1, []byte("b"))
	if err := buf.Post(context.Background(), 1, chunkid.RangeID(1), e1); err != nil {
		t.Fatal(err)
	}
	if err := buf.Post(context.Background(), 1, chunkid.RangeID(2), e2); err != nil {
		t.Fatal(err)
	}

	n, err := buf.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Drain processed %d sub-streams, want 2", n)
	}
}
