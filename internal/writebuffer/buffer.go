// Package writebuffer implements the shared ingest buffer described in
// §4.1: a bounded byte ring fed by multiple producer threads and drained by
// a single dedicated worker. Producers reserve a contiguous region with a
// compare-and-swap on the write cursor and block when the reservation would
// overrun the drain cursor; the drainer partitions each drain cycle into
// per-range sub-streams and routes each one either straight to the
// secondary log or to both the primary log and the secondary buffer, per
// §4.1's flush-direct-vs-fan-out rule.
//
// Grounded on the teacher's CAS-based atomic cursor idiom used throughout
// internal/memtable (atomic.Pointer swing loops) and the flush/drain
// coordination shape of db/flush.go + db/background.go, generalized from
// "flush one memtable to one SST" to "drain one shared ring into many
// per-range secondary streams."
package writebuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
)

// ErrShutdown is returned by Post once the buffer has been closed.
var ErrShutdown = errors.New("writebuffer: shutdown")

// ErrEntryTooLarge is returned by Post when a single batch exceeds the
// buffer's total capacity — it could never be drained.
var ErrEntryTooLarge = errors.New("writebuffer: entry exceeds buffer capacity")

// Sink receives drained sub-streams. Implementations are expected to be the
// primary log, the secondary log/buffer layer, or a component (such as the
// scheduler) that fronts both.
type Sink interface {
	// AppendPrimary appends primary-format bytes as a single contiguous
	// write to the primary log.
	AppendPrimary(data []byte) error

	// SecondaryBufferWouldFill reports whether appending nBytes of
	// converted secondary-format data to rangeID's secondary buffer would
	// overflow it, forcing a direct-to-log path instead.
	SecondaryBufferWouldFill(owner uint16, rangeID chunkid.RangeID, nBytes int) bool

	// AppendSecondary appends already-converted secondary-format bytes for
	// one range, either to that range's secondary buffer or, when the
	// caller decided to bypass it, straight to the secondary log.
	AppendSecondary(owner uint16, rangeID chunkid.RangeID, data []byte) error
}

// Config parameterizes a Buffer.
type Config struct {
	// Capacity is the ring buffer size in bytes (default 32 MiB per §6.4).
	Capacity int

	// HalfSegmentSize is half of the secondary log's segment size; a
	// sub-stream at or above this many bytes always flushes direct to the
	// secondary log per §4.1.
	HalfSegmentSize int

	// HeaderConfig controls header widths for parsing posted primary
	// entries during drain (checksums/timestamps on or off).
	HeaderConfig header.Config
}

type rangeKey struct {
	owner   uint16
	rangeID chunkid.RangeID
}

// descriptor records one reserved region of the ring, in post order.
type descriptor struct {
	key    rangeKey
	off    int // physical offset in buf
	length int
}

// Buffer is the multi-producer/single-consumer write buffer.
type Buffer struct {
	cfg  Config
	sink Sink
	log  logging.Logger

	buf      []byte
	capacity uint64

	writeOff atomic.Uint64 // monotonically increasing logical offset
	drainOff atomic.Uint64 // logical offset up to which space is free

	mu   sync.Mutex // guards descriptors + cond wait; not on the data-copy path
	cond *sync.Cond

	descriptors []descriptor

	closed atomic.Bool

	flushNow chan struct{}
}

// New creates a Buffer with the given configuration, draining into sink.
func New(cfg Config, sink Sink, log logging.Logger) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 32 << 20
	}
	b := &Buffer{
		cfg:      cfg,
		sink:     sink,
		log:      logging.OrDiscard(log).Component(logging.ComponentWriteBuffer),
		buf:      make([]byte, cfg.Capacity),
		capacity: uint64(cfg.Capacity),
		flushNow: make(chan struct{}, 1),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Post copies entries (already-serialized primary-format header+payload
// records, concatenated) into the ring for the given (owner, rangeID). It
// blocks until space is available, ctx is cancelled, or the buffer closes.
func (b *Buffer) Post(ctx context.Context, owner uint16, rangeID chunkid.RangeID, entries []byte) error {
	if len(entries) == 0 {
		return nil
	}
	if uint64(len(entries)) > b.capacity {
		return ErrEntryTooLarge
	}
	if b.closed.Load() {
		return ErrShutdown
	}

	reserved, err := b.reserve(ctx, uint64(len(entries)))
	if err != nil {
		return err
	}

	physOff := int(reserved % b.capacity)
	ringWrite(b.buf, physOff, entries)

	b.mu.Lock()
	b.descriptors = append(b.descriptors, descriptor{
		key:    rangeKey{owner: owner, rangeID: rangeID},
		off:    physOff,
		length: len(entries),
	})
	b.mu.Unlock()

	select {
	case b.flushNow <- struct{}{}:
	default:
	}
	return nil
}

// reserve performs the CAS reservation loop, parking on cond when the
// region would overrun the drain boundary.
func (b *Buffer) reserve(ctx context.Context, n uint64) (uint64, error) {
	for {
		if b.closed.Load() {
			return 0, ErrShutdown
		}
		cur := b.writeOff.Load()
		next := cur + n
		if next-b.drainOff.Load() > b.capacity {
			if err := b.waitForSpace(ctx); err != nil {
				return 0, err
			}
			continue
		}
		if b.writeOff.CompareAndSwap(cur, next) {
			return cur, nil
		}
	}
}

func (b *Buffer) waitForSpace(ctx context.Context) error {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		close(done)
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		if b.closed.Load() {
			return ErrShutdown
		}
		b.cond.Wait()
	}
}

// FlushSignal returns a channel the drainer selects on to wake for a new
// batch; it is also signalled by Close and by Post.
func (b *Buffer) FlushSignal() <-chan struct{} {
	return b.flushNow
}

// Occupancy returns the number of bytes currently posted but not yet
// drained.
func (b *Buffer) Occupancy() int {
	return int(b.writeOff.Load() - b.drainOff.Load())
}

// Close stops accepting new Posts and unblocks any waiting producers.
func (b *Buffer) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
	select {
	case b.flushNow <- struct{}{}:
	default:
	}
}

// Drain runs one drain cycle: it snapshots everything posted so far,
// partitions it into per-range sub-streams, routes each sub-stream per
// §4.1, and advances the drain cursor. It returns the number of
// sub-streams processed.
func (b *Buffer) Drain() (int, error) {
	snapshotEnd := b.writeOff.Load()

	b.mu.Lock()
	pending := b.descriptors
	b.descriptors = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		b.drainOff.Store(snapshotEnd)
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
		return 0, nil
	}

	grouped := make(map[rangeKey][]byte)
	order := make([]rangeKey, 0, 4)
	for _, d := range pending {
		data := ringRead(b.buf, d.off, d.length)
		if _, ok := grouped[d.key]; !ok {
			order = append(order, d.key)
		}
		grouped[d.key] = append(grouped[d.key], data...)
	}

	for _, key := range order {
		data := grouped[key]
		if err := b.routeSubStream(key, data); err != nil {
			return 0, fmt.Errorf("writebuffer: drain range owner=%d range=%d: %w", key.owner, key.rangeID, err)
		}
	}

	b.drainOff.Store(snapshotEnd)
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
	return len(order), nil
}

// routeSubStream implements §4.1's per-sub-stream decision: flush direct to
// the secondary log (converting headers in place) when the batch is large
// or the secondary buffer would overflow; otherwise append unconverted to
// the primary log and additionally fan the converted copy into the
// secondary buffer.
func (b *Buffer) routeSubStream(key rangeKey, primaryData []byte) error {
	converted, err := convertPrimaryToSecondary(primaryData, b.cfg.HeaderConfig)
	if err != nil {
		return fmt.Errorf("header conversion: %w", err)
	}

	direct := len(primaryData) >= b.cfg.HalfSegmentSize ||
		b.sink.SecondaryBufferWouldFill(key.owner, key.rangeID, len(converted))

	if direct {
		if err := b.sink.AppendSecondary(key.owner, key.rangeID, converted); err != nil {
			return fmt.Errorf("append secondary (direct): %w", err)
		}
		return nil
	}

	if err := b.sink.AppendPrimary(primaryData); err != nil {
		return fmt.Errorf("append primary: %w", err)
	}
	if err := b.sink.AppendSecondary(key.owner, key.rangeID, converted); err != nil {
		return fmt.Errorf("append secondary (fan-out): %w", err)
	}
	return nil
}

// convertPrimaryToSecondary parses a concatenation of primary-format
// entries and re-serializes each as a secondary-format entry, per §4.2's
// primary->secondary conversion.
func convertPrimaryToSecondary(data []byte, cfg header.Config) ([]byte, error) {
	out := make([]byte, 0, len(data))
	off := 0
	for off < len(data) {
		fields, hdrLen, err := header.Parse(data, off, len(data)-off, header.Primary, cfg)
		if err != nil {
			return nil, err
		}
		payloadLen := int(fields.Length)
		if off+hdrLen+payloadLen > len(data) {
			return nil, fmt.Errorf("writebuffer: truncated entry at offset %d", off)
		}

		secHeader, err := header.Serialize(fields.ToSecondary(), header.Secondary, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, secHeader...)
		out = append(out, data[off+hdrLen:off+hdrLen+payloadLen]...)

		off += hdrLen + payloadLen
	}
	return out, nil
}
