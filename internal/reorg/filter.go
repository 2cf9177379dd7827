package reorg

import (
	"fmt"

	"github.com/hhu-bsinfo/dxlog/internal/checksum"
	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/versionstore"
)

// entryOwner resolves the CID owner for a secondary-format entry: its own
// NodeID if migrated from another owner, otherwise the range's owner
// (non-migrated secondary headers don't carry NodeID at all).
func entryOwner(f header.Fields, rangeOwner uint16) uint16 {
	if f.Type.Migrated {
		return f.NodeID
	}
	return rangeOwner
}

// scanReclaimable walks a segment's entries (up to usedBytes) and sums the
// on-disk bytes (header + payload) of entries that are obsolete — either
// because a newer version now exists in the version store, or because
// their checksum no longer verifies. This is §4.5 step 1's
// `segment_used_bytes - sum(len(valid_entries))` in incremental form: we
// sum discarded bytes directly rather than subtracting from the total.
func scanReclaimable(data []byte, usedBytes int, vs *versionstore.Store, rangeOwner uint16, cfg header.Config) (int, error) {
	reclaimable := 0
	off := 0
	for off < usedBytes {
		f, hdrLen, err := header.Parse(data, off, usedBytes-off, header.Secondary, cfg)
		if err != nil {
			return reclaimable, fmt.Errorf("reorg: parse entry at %d: %w", off, err)
		}
		total := hdrLen + int(f.Length)
		if off+total > usedBytes {
			return reclaimable, fmt.Errorf("reorg: truncated entry at %d", off)
		}

		keep := entryIsLive(data, off, hdrLen, f, vs, rangeOwner, cfg)
		if !keep {
			reclaimable += total
		}
		off += total
	}
	return reclaimable, nil
}

// entryIsLive applies §4.5 step 3's keep rule: checksum must verify (if
// enabled) and entry.version must be >= the version store's current
// version for that CID.
func entryIsLive(data []byte, off, hdrLen int, f header.Fields, vs *versionstore.Store, rangeOwner uint16, cfg header.Config) bool {
	payload := data[off+hdrLen : off+hdrLen+int(f.Length)]
	if cfg.UseChecksums && !checksum.Verify(payload, f.Checksum) {
		return false
	}
	cid := chunkid.NewCID(entryOwner(f, rangeOwner), f.LocalID)
	stored := vs.GetCurrent(cid)
	entryVersion := chunkid.Version{Epoch: f.Epoch, Counter: f.EffectiveVersion()}
	return entryVersion.Compare(stored) >= 0
}

// filteredSegment is the result of copying the live entries out of one
// victim segment.
type filteredSegment struct {
	kept            []byte
	numEntries      int
	oldestTimestamp uint32
	sumTimestamps   int64
}

// filterKept re-walks a victim segment, this time copying every live
// entry (verbatim header + payload bytes) into a fresh slice and
// accumulating the destination segment's metadata.
func filterKept(data []byte, usedBytes int, vs *versionstore.Store, rangeOwner uint16, cfg header.Config) (filteredSegment, error) {
	var out filteredSegment
	out.kept = make([]byte, 0, usedBytes)
	first := true

	off := 0
	for off < usedBytes {
		f, hdrLen, err := header.Parse(data, off, usedBytes-off, header.Secondary, cfg)
		if err != nil {
			return out, fmt.Errorf("reorg: parse entry at %d: %w", off, err)
		}
		total := hdrLen + int(f.Length)
		if off+total > usedBytes {
			return out, fmt.Errorf("reorg: truncated entry at %d", off)
		}

		if entryIsLive(data, off, hdrLen, f, vs, rangeOwner, cfg) {
			out.kept = append(out.kept, data[off:off+total]...)
			out.numEntries++
			if cfg.UseTimestamps {
				out.sumTimestamps += int64(f.Timestamp)
				if first || f.Timestamp < out.oldestTimestamp {
					out.oldestTimestamp = f.Timestamp
				}
			}
			first = false
		}
		off += total
	}
	return out, nil
}
