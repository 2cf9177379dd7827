// Package secondarylog implements one backup range's secondary log (§3,
// §4.5): a segmented on-disk file plus the small secondary buffer that
// coalesces converted entries in front of it. Segments are the unit of
// reorganization — exactly one is "active" for ordinary appends at a
// time, and at most one more may simultaneously be a reorganizer's
// destination segment, per §4.5's disjoint-allocation invariant.
//
// Grounded on the teacher's internal/table (fixed-size on-disk units,
// in-memory per-unit metadata kept alongside the file) and its
// compaction job's victim/destination split, generalized from SST files
// to fixed-size segments of one shared file.
package secondarylog

import (
	"fmt"
	"sync"

	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/payloadcodec"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

// State is a segment's role in the log.
type State int

const (
	// Free segments hold no live data and are available for allocation.
	Free State = iota
	// Active is the single segment ordinary appends currently target.
	Active
	// ReorgDest is a segment the reorganizer is currently writing kept
	// entries into; at most one such segment may coexist with Active.
	ReorgDest
	// Sealed segments hold live data and are not currently being written
	// by anyone (a former Active or ReorgDest segment that filled up, or
	// is simply not the current writer/dest target).
	Sealed
)

// SegmentMeta is a snapshot of one segment's bookkeeping, consumed by the
// reorganizer's victim picker and by utilization reporting.
type SegmentMeta struct {
	Index           int
	UsedBytes       int
	NumEntries      int
	OldestTimestamp uint32
	SumTimestamps   int64 // used to derive average age; 0 if UseTimestamps is off
	Generation      int
	State           State

	// Compression names the codec applied to this segment's on-disk
	// bytes. Only the reorganizer's whole-segment rewrite path
	// (WriteWholeSegment) ever sets this to anything but NoCompression;
	// segments written incrementally by AppendDirect/AppendBuffered are
	// always stored raw.
	Compression payloadcodec.Type
}

// AvgTimestamp returns the mean timestamp of entries in this segment, or
// 0 if it holds no entries.
func (m SegmentMeta) AvgTimestamp() uint32 {
	if m.NumEntries == 0 {
		return 0
	}
	return uint32(m.SumTimestamps / int64(m.NumEntries))
}

// Config parameterizes a Log.
type Config struct {
	SegmentSize     int // default 8 MiB per §6.4
	BufferSize      int // default 128 KiB per §3 secondary buffer
	InitialSegments int // segments preallocated at Open; grows on demand
	HeaderConfig    header.Config
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 8 << 20
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 128 << 10
	}
	if c.InitialSegments <= 0 {
		c.InitialSegments = 4
	}
	return c
}

// Log is one backup range's segmented secondary log and its buffer.
type Log struct {
	mu  sync.Mutex
	cfg Config
	log logging.Logger

	fs   vfs.FS
	path string
	w    vfs.WritableFile
	r    vfs.RandomAccessFile

	segments    []*SegmentMeta
	activeIdx   int
	reorgIdx    int // -1 when no reorg destination is currently allocated
	generation  int
	buf         []byte // secondary buffer contents, pending flush to activeIdx
	bufOldestTs uint32
}

// Open creates (or reopens) the secondary log file at path with
// InitialSegments free segments preallocated, and allocates segment 0 as
// the initial active segment.
func Open(fs vfs.FS, path string, cfg Config, log logging.Logger) (*Log, error) {
	cfg = cfg.withDefaults()
	w, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("secondarylog: create %s: %w", path, err)
	}
	size := int64(cfg.InitialSegments) * int64(cfg.SegmentSize)
	if err := w.Truncate(size); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("secondarylog: preallocate %s: %w", path, err)
	}
	r, err := fs.OpenRandomAccess(path)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("secondarylog: open random access %s: %w", path, err)
	}

	l := &Log{
		cfg:      cfg,
		log:      logging.OrDiscard(log).Component(logging.ComponentSecondaryLog),
		fs:       fs,
		path:     path,
		w:        w,
		r:        r,
		reorgIdx: -1,
		buf:      make([]byte, 0, cfg.BufferSize),
	}
	for i := 0; i < cfg.InitialSegments; i++ {
		l.segments = append(l.segments, &SegmentMeta{Index: i, State: Free})
	}
	l.segments[0].State = Active
	l.activeIdx = 0
	return l, nil
}

// SegmentSize returns the configured fixed segment size.
func (l *Log) SegmentSize() int { return l.cfg.SegmentSize }

// BufferSize returns the configured secondary buffer size.
func (l *Log) BufferSize() int { return l.cfg.BufferSize }

// growLocked appends a new free segment, extending the backing file.
func (l *Log) growLocked() (*SegmentMeta, error) {
	idx := len(l.segments)
	newSize := int64(idx+1) * int64(l.cfg.SegmentSize)
	if err := l.w.Truncate(newSize); err != nil {
		return nil, fmt.Errorf("secondarylog: grow to %d segments: %w", idx+1, err)
	}
	m := &SegmentMeta{Index: idx, State: Free}
	l.segments = append(l.segments, m)
	return m, nil
}

// allocateLocked returns a free segment (growing the file if none is
// free), claims it with state, and bumps the reorg-visible generation
// counter so concurrent readers can detect a segment's contents changed.
func (l *Log) allocateLocked(state State) (*SegmentMeta, error) {
	for _, m := range l.segments {
		if m.State == Free {
			return l.claimLocked(m, state), nil
		}
	}
	m, err := l.growLocked()
	if err != nil {
		return nil, err
	}
	return l.claimLocked(m, state), nil
}

func (l *Log) claimLocked(m *SegmentMeta, state State) *SegmentMeta {
	l.generation++
	m.State = state
	m.UsedBytes = 0
	m.NumEntries = 0
	m.OldestTimestamp = 0
	m.SumTimestamps = 0
	m.Compression = payloadcodec.NoCompression
	m.Generation = l.generation
	return m
}

// segmentOffset returns the byte offset of segment idx within the file.
func (l *Log) segmentOffset(idx int) int64 {
	return int64(idx) * int64(l.cfg.SegmentSize)
}

// ReadSegment reads the full contents of segment idx into a freshly
// sized slice (or into scratch, if scratch is already segment-sized).
func (l *Log) ReadSegment(idx int, scratch []byte) ([]byte, error) {
	l.mu.Lock()
	if idx < 0 || idx >= len(l.segments) {
		l.mu.Unlock()
		return nil, fmt.Errorf("secondarylog: segment %d out of range", idx)
	}
	l.mu.Unlock()

	buf := scratch
	if cap(buf) < l.cfg.SegmentSize {
		buf = make([]byte, l.cfg.SegmentSize)
	} else {
		buf = buf[:l.cfg.SegmentSize]
	}
	if _, err := l.r.ReadAt(buf, l.segmentOffset(idx)); err != nil {
		return nil, fmt.Errorf("secondarylog: read segment %d: %w", idx, err)
	}
	return buf, nil
}

// Segments returns a snapshot of every segment's metadata, for the
// reorganizer's victim picker and utilization reporting.
func (l *Log) Segments() []SegmentMeta {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SegmentMeta, len(l.segments))
	for i, m := range l.segments {
		out[i] = *m
	}
	return out
}

// Utilization returns the fraction of total segment bytes currently in
// use (live, not reclaimable).
func (l *Log) Utilization() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segments) == 0 {
		return 0
	}
	var used int64
	for _, m := range l.segments {
		if m.State != Free {
			used += int64(m.UsedBytes)
		}
	}
	total := int64(len(l.segments)) * int64(l.cfg.SegmentSize)
	return float64(used) / float64(total)
}

// Close flushes pending buffer contents, syncs, and closes the files.
func (l *Log) Close() error {
	if err := l.FlushBuffer(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.r.Close(); err != nil {
		return err
	}
	if err := l.w.Sync(); err != nil {
		return err
	}
	return l.w.Close()
}
