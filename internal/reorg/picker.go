// Package reorg implements the per-range reorganization worker (§4.5):
// victim-segment selection, read-filter-append segment copy, and the
// scheduler handshake that lets it yield between segments.
//
// Grounded on the teacher's internal/compaction package: picker.go's
// score-based victim selection and fifo_picker.go's simpler
// maximize-one-metric selection are the two policies §4.5 asks for
// (reclaimable-bytes vs. timestamp-weighted age score); job.go's
// read-merge-write-then-install-new-version shape is adapted from
// "merge SST files" to "copy kept entries into a destination segment".
package reorg

import "github.com/hhu-bsinfo/dxlog/internal/secondarylog"

// Config parameterizes victim selection and the worker's interaction with
// checksums/timestamps.
type Config struct {
	// UseTimestamps mirrors header.Config.UseTimestamps: when true, the
	// age-score policy is used; otherwise the reclaimable-bytes policy.
	UseTimestamps bool
	// ColdDataThresholdSec clamps the age score (§4.5 step 1): ages past
	// this many seconds no longer increase a segment's priority.
	ColdDataThresholdSec uint32
}

// pickVictim selects the segment to reclaim from candidates, per §4.5
// step 1. now is the caller's current timestamp (seconds), used only by
// the age-score policy. reclaimable maps each Sealed segment's index to
// the number of bytes a full filter-pass found obsolete; segments with a
// zero entry in reclaimable are skipped (nothing to gain).
func pickVictim(segs []secondarylog.SegmentMeta, reclaimable map[int]int, now uint32, cfg Config) (int, bool) {
	best := -1
	var bestScore int64 = -1

	for _, m := range segs {
		if m.State != secondarylog.Sealed {
			continue
		}
		bytes, ok := reclaimable[m.Index]
		if !ok || bytes <= 0 {
			continue
		}

		var score int64
		if cfg.UseTimestamps {
			age := now - m.AvgTimestamp()
			if cfg.ColdDataThresholdSec > 0 && age > cfg.ColdDataThresholdSec {
				age = cfg.ColdDataThresholdSec
			}
			// Weight reclaimable bytes by age so equally wasteful but
			// older segments are preferred.
			score = int64(bytes) * (int64(age) + 1)
		} else {
			score = int64(bytes)
		}

		if score > bestScore {
			bestScore = score
			best = m.Index
		}
	}
	return best, best != -1
}
