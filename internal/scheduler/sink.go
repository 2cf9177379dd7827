package scheduler

import (
	"fmt"

	"github.com/hhu-bsinfo/dxlog/internal/catalog"
	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
)

// AppendPrimary implements writebuffer.Sink: the primary log is shared
// across every range and needs no per-log token (§5 "at most one
// concurrent append per file" is already enforced inside primarylog.Log).
func (s *Scheduler) AppendPrimary(data []byte) error {
	if err := s.primary.Append(data); err != nil {
		return fmt.Errorf("scheduler: primary append: %w", err)
	}
	return nil
}

// SecondaryBufferWouldFill implements writebuffer.Sink.
func (s *Scheduler) SecondaryBufferWouldFill(owner uint16, rangeID chunkid.RangeID, nBytes int) bool {
	e, ok := s.lookupKey(catalog.Key{Owner: owner, RangeID: rangeID})
	if !ok {
		return false
	}
	return e.log.WouldFillBuffer(nBytes)
}

// AppendSecondary implements writebuffer.Sink: it claims the range's
// WRITING token for the duration of the append, picks the buffered or
// direct-to-segment path per §4.1's sizing rule, and raises a
// reorganization request when the append pushes utilization over the
// activation threshold (high priority when the buffer had to be bypassed,
// since that is the drainer's "log X is low on free space" signal).
func (s *Scheduler) AppendSecondary(owner uint16, rangeID chunkid.RangeID, data []byte) error {
	key := catalog.Key{Owner: owner, RangeID: rangeID}
	e, ok := s.lookupKey(key)
	if !ok {
		return ErrRangeNotFound
	}

	acquireToken(e, writing)
	direct := e.log.WouldFillBuffer(len(data)) || len(data) >= e.log.SegmentSize()/2
	var err error
	if direct {
		err = e.log.AppendDirect(data)
	} else {
		err = e.log.AppendBuffered(data)
	}
	util := e.log.Utilization()
	releaseToken(e)

	if err != nil {
		return fmt.Errorf("scheduler: append secondary owner=%d range=%d: %w", owner, rangeID, err)
	}

	if util > s.cfg.UtilizationActivateReorg {
		priority := Low
		if direct {
			priority = High
		}
		s.queue.push(key, priority)
	}
	return nil
}
