package reorg

import (
	"context"
	"fmt"
	"time"

	"github.com/hhu-bsinfo/dxlog/internal/bufferpool"
	"github.com/hhu-bsinfo/dxlog/internal/catalog"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/payloadcodec"
	"github.com/hhu-bsinfo/dxlog/internal/scheduler"
	"github.com/hhu-bsinfo/dxlog/internal/secondarylog"
	"github.com/hhu-bsinfo/dxlog/internal/versionstore"
)

// RangeContext is everything ReorganizeRange needs to know about one
// backup range that isn't already owned by the scheduler: its version
// store (for the keep/discard decision) and its configured compression
// type (§4.8 — default NoCompression).
type RangeContext struct {
	VersionStore *versionstore.Store
	Owner        uint16
	Compression  payloadcodec.Type
}

// Resolver looks up a range's RangeContext by key. The top-level engine
// implements this over its backup-range catalog.
type Resolver interface {
	ReorgContext(key catalog.Key) (RangeContext, bool)
}

// Worker is the single long-running reorganization thread (§2 item 6,
// §4.5): it pulls reorganization requests from the scheduler and performs
// one victim-segment copy at a time, yielding between segments per the
// scheduler's fairness rule.
type Worker struct {
	sched    *scheduler.Scheduler
	resolver Resolver
	pool     *bufferpool.Pool
	cfg      Config
	hdrCfg   header.Config
	log      logging.Logger

	// now returns the current time in seconds; overridable in tests so
	// the age-score policy is exercisable without wall-clock flakiness.
	now func() uint32
}

// New creates a Worker. pool must hold buffers at least as large as the
// largest secondary log's segment size.
func New(sched *scheduler.Scheduler, resolver Resolver, pool *bufferpool.Pool, cfg Config, hdrCfg header.Config, log logging.Logger) *Worker {
	return &Worker{
		sched:    sched,
		resolver: resolver,
		pool:     pool,
		cfg:      cfg,
		hdrCfg:   hdrCfg,
		log:      logging.OrDiscard(log).Component(logging.ComponentReorg),
		now:      func() uint32 { return uint32(time.Now().Unix()) },
	}
}

// Run is the worker's main loop: it blocks on the scheduler's request
// queue and reorganizes ranges as requests arrive, until ctx is
// cancelled. Callers typically run this in its own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	for {
		key, _, ok := w.sched.NextReorgRequest(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := w.ReorganizeRange(ctx, key); err != nil {
			w.log.Warnf("reorganize range owner=%d range=%d: %v", key.Owner, key.RangeID, err)
		}
	}
}

// ReorganizeRange runs §4.5's algorithm for one range: repeatedly pick a
// victim segment, copy its live entries into a destination segment, and
// free the victim, yielding to the scheduler between segments unless
// utilization is still above the prompt-reorganization threshold.
func (w *Worker) ReorganizeRange(ctx context.Context, key catalog.Key) error {
	rc, ok := w.resolver.ReorgContext(key)
	if !ok {
		return fmt.Errorf("reorg: no context for range owner=%d range=%d", key.Owner, key.RangeID)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l, err := w.sched.AcquireReorgToken(key)
		if err != nil {
			return err
		}

		didWork, util, err := w.copyOneVictim(ctx, l, key, rc)
		w.sched.ReleaseReorgToken(key)
		if err != nil {
			return err
		}
		if !didWork {
			return nil
		}

		if util <= w.sched.PromptThreshold() {
			return nil
		}
		if w.sched.HasHigherPriorityWaiting(key) {
			return nil
		}
	}
}

// copyOneVictim performs one segment-copy step: pick a victim among l's
// sealed segments, filter its entries against rc.VersionStore, write the
// survivors to a destination segment, and free the victim. It returns
// didWork=false when there is nothing left worth reclaiming.
func (w *Worker) copyOneVictim(ctx context.Context, l *secondarylog.Log, key catalog.Key, rc RangeContext) (didWork bool, utilization float64, err error) {
	segs := l.Segments()

	reclaimable := make(map[int]int, len(segs))
	for _, m := range segs {
		if m.State != secondarylog.Sealed {
			continue
		}
		data, rerr := l.ReadSegment(m.Index, nil)
		if rerr != nil {
			return false, l.Utilization(), fmt.Errorf("reorg: read segment %d: %w", m.Index, rerr)
		}
		n, serr := scanReclaimable(data, m.UsedBytes, rc.VersionStore, rc.Owner, w.hdrCfg)
		if serr != nil {
			w.log.Warnf("owner=%d range=%d segment %d: %v, skipping from this pass", key.Owner, key.RangeID, m.Index, serr)
			continue
		}
		reclaimable[m.Index] = n
	}

	victimIdx, ok := pickVictim(segs, reclaimable, w.now(), w.cfg)
	if !ok {
		return false, l.Utilization(), nil
	}

	scratch, err := w.pool.Acquire(ctx)
	if err != nil {
		return false, l.Utilization(), fmt.Errorf("reorg: acquire scratch buffer: %w", err)
	}
	defer w.pool.Release(scratch)

	var victimMeta secondarylog.SegmentMeta
	for _, m := range segs {
		if m.Index == victimIdx {
			victimMeta = m
			break
		}
	}

	data, err := l.ReadSegment(victimIdx, scratch)
	if err != nil {
		return false, l.Utilization(), fmt.Errorf("reorg: read victim segment %d: %w", victimIdx, err)
	}
	if victimMeta.Compression != payloadcodec.NoCompression {
		data, err = payloadcodec.Decompress(victimMeta.Compression, data[:victimMeta.UsedBytes], int(victimMeta.UsedBytes))
		if err != nil {
			return false, l.Utilization(), fmt.Errorf("reorg: decompress victim segment %d: %w", victimIdx, err)
		}
		victimMeta.UsedBytes = len(data)
	}

	kept, err := filterKept(data, victimMeta.UsedBytes, rc.VersionStore, rc.Owner, w.hdrCfg)
	if err != nil {
		return false, l.Utilization(), fmt.Errorf("reorg: filter victim segment %d: %w", victimIdx, err)
	}

	if len(kept.kept) == 0 {
		if err := l.FinishReorg(victimIdx); err != nil {
			return false, l.Utilization(), err
		}
		return true, l.Utilization(), nil
	}

	if rc.Compression == payloadcodec.NoCompression {
		if _, err := l.AllocateReorgDest(); err != nil {
			return false, l.Utilization(), fmt.Errorf("reorg: allocate destination: %w", err)
		}
		if err := l.AppendReorgEntries(kept.kept); err != nil {
			return false, l.Utilization(), fmt.Errorf("reorg: append kept entries: %w", err)
		}
	} else {
		compressed, cerr := payloadcodec.Compress(rc.Compression, kept.kept)
		if cerr != nil {
			return false, l.Utilization(), fmt.Errorf("reorg: compress destination segment: %w", cerr)
		}
		destIdx, aerr := l.AllocateReorgDest()
		if aerr != nil {
			return false, l.Utilization(), fmt.Errorf("reorg: allocate destination: %w", aerr)
		}
		if werr := l.WriteWholeSegment(destIdx, compressed, rc.Compression, kept.numEntries, kept.oldestTimestamp, kept.sumTimestamps); werr != nil {
			return false, l.Utilization(), fmt.Errorf("reorg: write compressed destination: %w", werr)
		}
	}

	if err := l.FinishReorg(victimIdx); err != nil {
		return false, l.Utilization(), fmt.Errorf("reorg: finish: %w", err)
	}
	return true, l.Utilization(), nil
}
