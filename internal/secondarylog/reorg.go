package secondarylog

import (
	"fmt"

	"github.com/hhu-bsinfo/dxlog/internal/payloadcodec"
)

// AllocateReorgDest claims a free segment as the reorganizer's
// destination, returning its index. At most one reorg destination may
// coexist with the writer's active segment (§4.5's disjoint-allocation
// invariant: allocation of the active writer segment vs. the
// reorganizer's destination segment never picks the same segment).
func (l *Log) AllocateReorgDest() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reorgIdx != -1 {
		return 0, fmt.Errorf("secondarylog: reorg destination already allocated (segment %d)", l.reorgIdx)
	}
	m, err := l.allocateLocked(ReorgDest)
	if err != nil {
		return 0, err
	}
	l.reorgIdx = m.Index
	return m.Index, nil
}

// AppendReorgEntries writes kept entries (already secondary-format) into
// the current reorg destination segment, allocating a further
// destination segment if the current one fills.
func (l *Log) AppendReorgEntries(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reorgIdx == -1 {
		return fmt.Errorf("secondarylog: no reorg destination allocated")
	}
	idx, err := l.appendToSegmentLocked(l.reorgIdx, data, ReorgDest)
	if err != nil {
		return err
	}
	l.reorgIdx = idx
	return nil
}

// CurrentReorgDest returns the segment index currently allocated as the
// reorg destination, or -1 if none is allocated.
func (l *Log) CurrentReorgDest() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reorgIdx
}

// RotateReorgDest seals whatever segment is currently the reorg
// destination (keeping it, without freeing it, since it already holds
// committed content) and allocates a fresh destination segment for the
// reorganizer to continue into — used by the compressed whole-segment
// write path (§4.8), where each destination segment is written as one
// complete unit rather than incrementally.
func (l *Log) RotateReorgDest() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reorgIdx != -1 {
		l.segments[l.reorgIdx].State = Sealed
	}
	m, err := l.allocateLocked(ReorgDest)
	if err != nil {
		return 0, err
	}
	l.reorgIdx = m.Index
	return m.Index, nil
}

// WriteWholeSegment writes payload (optionally compressed by the caller)
// to segment idx as a single positioned write, bypassing the incremental
// append path, and records its logical (pre-compression) entry-count and
// timestamp metadata directly rather than deriving it by re-scanning the
// physical bytes (which, when ctype != NoCompression, do not themselves
// look like a concatenation of headers). idx must already be allocated as
// the current reorg destination.
func (l *Log) WriteWholeSegment(idx int, payload []byte, ctype payloadcodec.Type, numEntries int, oldestTimestamp uint32, sumTimestamps int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx < 0 || idx >= len(l.segments) {
		return fmt.Errorf("secondarylog: segment %d out of range", idx)
	}
	if len(payload) > l.cfg.SegmentSize {
		return fmt.Errorf("secondarylog: compressed segment payload %d exceeds segment size %d", len(payload), l.cfg.SegmentSize)
	}
	if _, err := l.w.WriteAt(payload, l.segmentOffset(idx)); err != nil {
		return fmt.Errorf("secondarylog: write whole segment %d: %w", idx, err)
	}
	m := l.segments[idx]
	m.UsedBytes = len(payload)
	m.NumEntries = numEntries
	m.OldestTimestamp = oldestTimestamp
	m.SumTimestamps = sumTimestamps
	m.Compression = ctype
	return nil
}

// FinishReorg completes §4.5 step 5's atomic metadata swap: the current
// reorg destination segment becomes live (Sealed) data, or is freed
// again if it ended up empty (every entry in the victim was obsolete),
// and victimIdx is marked Free. Pass a negative victimIdx when the
// picker found nothing worth reclaiming and no destination was ever
// allocated.
func (l *Log) FinishReorg(victimIdx int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reorgIdx != -1 {
		dest := l.segments[l.reorgIdx]
		if dest.NumEntries == 0 {
			l.freeSegmentLocked(l.reorgIdx)
		} else {
			dest.State = Sealed
		}
		l.reorgIdx = -1
	}
	if victimIdx >= 0 {
		if victimIdx == l.activeIdx {
			return fmt.Errorf("secondarylog: refusing to free active segment %d", victimIdx)
		}
		l.freeSegmentLocked(victimIdx)
	}
	return nil
}

func (l *Log) freeSegmentLocked(idx int) {
	l.generation++
	m := l.segments[idx]
	m.State = Free
	m.UsedBytes = 0
	m.NumEntries = 0
	m.OldestTimestamp = 0
	m.SumTimestamps = 0
	m.Compression = payloadcodec.NoCompression
	m.Generation = l.generation
}
