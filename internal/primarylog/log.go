// Package primarylog implements the primary log (§3, §4.1): a single,
// fixed-capacity circular on-disk byte log that aggregates writes across
// every backup range before the write buffer's drainer fans them out to
// per-range secondary logs. It exists purely as a durability backstop
// between the moment a batch leaves the in-memory write buffer and the
// moment its converted copy lands in a secondary log's on-disk segment —
// recovery (internal/recovery) never reads it back, matching §4.6's
// recovery algorithm, which reconstructs state from secondary logs and
// the version store only. See DESIGN.md for the scope decision this
// rests on.
//
// Grounded on the teacher's internal/wal writer (single-writer, block-
// oriented append) generalized from WAL's fixed block size to a
// wraparound ring sized at §6.4's primary_log_size, and on
// internal/vfs's WriteAt-capable WritableFile for the positioned writes
// a ring requires.
package primarylog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

// ErrTooLarge is returned by Append when data alone exceeds the log's
// total capacity — it could never fit even with the tail fully advanced.
var ErrTooLarge = errors.New("primarylog: entry exceeds log capacity")

// Log is the circular primary log. A single writer (the write buffer's
// drainer) calls Append. The tail moves only through AdvanceTail and only
// affects Occupancy: Append does not consult it, so a wraparound write
// overwrites the oldest bytes whether or not the tail has passed them.
type Log struct {
	mu       sync.Mutex
	file     vfs.WritableFile
	capacity int64

	head int64 // logical offset of the next byte to be written
	tail int64 // logical offset before which space is reclaimable

	log logging.Logger
}

// Open creates (or truncates) the primary log file at path, preallocated
// to capacity bytes.
func Open(fs vfs.FS, path string, capacity int64, log logging.Logger) (*Log, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("primarylog: capacity must be positive, got %d", capacity)
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("primarylog: create %s: %w", path, err)
	}
	if err := f.Truncate(capacity); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("primarylog: preallocate %s: %w", path, err)
	}
	return &Log{
		file:     f,
		capacity: capacity,
		log:      logging.OrDiscard(log).Component(logging.ComponentPrimaryLog),
	}, nil
}

// Append writes data as a single contiguous logical write, wrapping
// around the end of the file when necessary, and advances the head.
func (l *Log) Append(data []byte) error {
	if int64(len(data)) > l.capacity {
		return ErrTooLarge
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	off := l.head % l.capacity
	firstLen := l.capacity - off
	if int64(len(data)) <= firstLen {
		if _, err := l.file.WriteAt(data, off); err != nil {
			return fmt.Errorf("primarylog: write at %d: %w", off, err)
		}
	} else {
		if _, err := l.file.WriteAt(data[:firstLen], off); err != nil {
			return fmt.Errorf("primarylog: write at %d: %w", off, err)
		}
		if _, err := l.file.WriteAt(data[firstLen:], 0); err != nil {
			return fmt.Errorf("primarylog: write at 0 (wrapped): %w", err)
		}
	}
	l.head += int64(len(data))
	return nil
}

// AdvanceTail records that n additional bytes from the tail are no
// longer needed for durability (their content is confirmed durable in a
// secondary log), reducing Occupancy by n (clamped at the head).
func (l *Log) AdvanceTail(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail += n
	if l.tail > l.head {
		l.tail = l.head
	}
}

// Occupancy returns the number of bytes currently between tail and head.
func (l *Log) Occupancy() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head - l.tail
}

// Capacity returns the log's fixed total size in bytes.
func (l *Log) Capacity() int64 {
	return l.capacity
}

// Sync flushes the primary log to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return err
	}
	return l.file.Close()
}
