package recovery

import "github.com/hhu-bsinfo/dxlog/internal/secondarylog"

// logAdapter narrows a live *secondarylog.Log down to segmentSource,
// translating its State enum to the single "is this segment worth
// scanning" bit recovery needs. Sealed segments are durable history;
// the single Active segment is too, up to its UsedBytes, once its
// secondary buffer has been flushed to disk (the caller's
// responsibility — see Engine.RecoverBackupRange) — otherwise a range
// whose whole history still fits in one segment would never recover
// anything. ReorgDest is excluded: its kept entries are still present,
// unswapped, in the segment the reorganizer copied them from, so
// scanning it too would hand duplicates to the sink.
type logAdapter struct {
	l *secondarylog.Log
}

// Adapt wraps a live secondary log for use with RecoverRange.
func Adapt(l *secondarylog.Log) segmentSource {
	return logAdapter{l: l}
}

func (a logAdapter) Segments() []segmentMeta {
	raw := a.l.Segments()
	out := make([]segmentMeta, len(raw))
	for i, m := range raw {
		recoverable := m.State == secondarylog.Sealed || m.State == secondarylog.Active
		out[i] = segmentMeta{Index: m.Index, UsedBytes: m.UsedBytes, Recoverable: recoverable}
	}
	return out
}

func (a logAdapter) ReadSegment(idx int, scratch []byte) ([]byte, error) {
	return a.l.ReadSegment(idx, scratch)
}
