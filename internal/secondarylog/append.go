package secondarylog

import (
	"fmt"

	"github.com/hhu-bsinfo/dxlog/internal/header"
)

// scanEntries walks a concatenation of secondary-format entries, each
// immediately followed by its payload, returning the entry count and the
// sum/oldest of their timestamps (0 if timestamps are disabled).
func scanEntries(data []byte, cfg header.Config) (count int, sum int64, oldest uint32, err error) {
	off := 0
	first := true
	for off < len(data) {
		f, hdrLen, perr := header.Parse(data, off, len(data)-off, header.Secondary, cfg)
		if perr != nil {
			return count, sum, oldest, fmt.Errorf("secondarylog: parse entry at %d: %w", off, perr)
		}
		payloadLen := int(f.Length)
		if off+hdrLen+payloadLen > len(data) {
			return count, sum, oldest, fmt.Errorf("secondarylog: truncated entry at %d", off)
		}
		count++
		if cfg.UseTimestamps {
			sum += int64(f.Timestamp)
			if first || f.Timestamp < oldest {
				oldest = f.Timestamp
			}
		}
		first = false
		off += hdrLen + payloadLen
	}
	return count, sum, oldest, nil
}

// appendToSegmentLocked writes data (already-converted secondary-format
// entries) into segment idx at its current write offset, allocating and
// spilling into additional segments of the same allocation class when it
// doesn't fit. It returns the (possibly advanced) final segment index.
func (l *Log) appendToSegmentLocked(idx int, data []byte, class State) (int, error) {
	for len(data) > 0 {
		m := l.segments[idx]
		free := l.cfg.SegmentSize - m.UsedBytes
		chunk := data
		if len(chunk) > free {
			chunk = data[:free]
		}
		if len(chunk) > 0 {
			n, sum, oldest, err := scanEntries(chunk, l.cfg.HeaderConfig)
			if err != nil {
				return idx, err
			}
			off := l.segmentOffset(idx) + int64(m.UsedBytes)
			if _, werr := l.w.WriteAt(chunk, off); werr != nil {
				return idx, fmt.Errorf("secondarylog: write segment %d: %w", idx, werr)
			}
			if m.NumEntries == 0 || (l.cfg.HeaderConfig.UseTimestamps && oldest < m.OldestTimestamp) {
				m.OldestTimestamp = oldest
			}
			m.NumEntries += n
			m.SumTimestamps += sum
			m.UsedBytes += len(chunk)
		}
		data = data[len(chunk):]
		if len(data) == 0 {
			break
		}
		next, err := l.allocateLocked(class)
		if err != nil {
			return idx, err
		}
		if class == Active {
			l.segments[idx].State = Sealed
			l.activeIdx = next.Index
		} else {
			l.segments[idx].State = Sealed
			l.reorgIdx = next.Index
		}
		idx = next.Index
	}
	return idx, nil
}

// AppendDirect appends already-converted secondary-format entries
// straight to the active segment, bypassing the secondary buffer — the
// path §4.1 mandates when a sub-stream is at least half a segment or the
// buffer would overflow.
func (l *Log) AppendDirect(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, err := l.appendToSegmentLocked(l.activeIdx, data, Active)
	if err != nil {
		return err
	}
	l.activeIdx = idx
	return nil
}

// WouldFillBuffer reports whether appending nBytes to the secondary
// buffer would overflow it.
func (l *Log) WouldFillBuffer(nBytes int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)+nBytes > cap(l.buf)
}

// AppendBuffered stages already-converted secondary-format entries in the
// secondary buffer, flushing it to the active segment first if it
// doesn't have room.
func (l *Log) AppendBuffered(data []byte) error {
	l.mu.Lock()
	if len(l.buf)+len(data) > cap(l.buf) {
		if err := l.flushBufferLocked(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	if len(data) > cap(l.buf) {
		// Larger than the whole buffer: skip staging, write straight through.
		idx, err := l.appendToSegmentLocked(l.activeIdx, data, Active)
		l.mu.Unlock()
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.activeIdx = idx
		l.mu.Unlock()
		return nil
	}
	l.buf = append(l.buf, data...)
	l.mu.Unlock()
	return nil
}

// FlushBuffer writes any staged secondary-buffer contents to the active
// segment.
func (l *Log) FlushBuffer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushBufferLocked()
}

func (l *Log) flushBufferLocked() error {
	if len(l.buf) == 0 {
		return nil
	}
	idx, err := l.appendToSegmentLocked(l.activeIdx, l.buf, Active)
	if err != nil {
		return err
	}
	l.activeIdx = idx
	l.buf = l.buf[:0]
	return nil
}
