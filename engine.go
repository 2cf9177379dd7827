// Package dxlog implements a log-structured persistent store for many
// small, mutable, identified objects ("chunks"): the replication/backup
// tier behind an in-memory key-value store. It wires together a
// write-buffer ingestion pipeline, per-range segmented secondary logs, a
// version store, a background reorganization worker, and a parallel
// recovery reader.
package dxlog

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hhu-bsinfo/dxlog/internal/bufferpool"
	"github.com/hhu-bsinfo/dxlog/internal/catalog"
	"github.com/hhu-bsinfo/dxlog/internal/checksum"
	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/payloadcodec"
	"github.com/hhu-bsinfo/dxlog/internal/primarylog"
	"github.com/hhu-bsinfo/dxlog/internal/recovery"
	"github.com/hhu-bsinfo/dxlog/internal/reorg"
	"github.com/hhu-bsinfo/dxlog/internal/scheduler"
	"github.com/hhu-bsinfo/dxlog/internal/secondarylog"
	"github.com/hhu-bsinfo/dxlog/internal/versionstore"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
	"github.com/hhu-bsinfo/dxlog/internal/writebuffer"

	"go.uber.org/multierr"
)

// CID, RangeID and Version are aliases for the identifiers shared across
// the engine's subsystems — callers of this package never need to import
// an internal package directly to name them.
type (
	CID     = chunkid.CID
	RangeID = chunkid.RangeID
	Version = chunkid.Version
)

// Chunk is one object handed to LogChunks or received back from recovery.
type Chunk struct {
	CID     CID
	Payload []byte
}

// backupRange is the catalog entry for one (owner, RangeID) pair: its
// secondary log, version store, and the compression it was created with.
type backupRange struct {
	key         catalog.Key
	owner       uint16
	compression payloadcodec.Type

	secLog   *secondarylog.Log
	verStore *versionstore.Store

	// stopped is set by RemoveBackupRange and by a fatal I/O error;
	// LogChunks/RemoveChunks refuse further work against a stopped range
	// until the caller re-initializes it (§7 IoError propagation policy).
	stopped atomic.Bool
}

// Engine is one open instance of the store: one primary log, one shared
// write buffer, one background reorganizer, and a catalog of backup
// ranges each with their own secondary log and version store.
type Engine struct {
	opts   EngineOptions
	fs     vfs.FS
	log    logging.Logger
	hdrCfg header.Config

	primary *primarylog.Log
	sched   *scheduler.Scheduler
	wb      *writebuffer.Buffer
	pool    *bufferpool.Pool

	reorgWorker *reorg.Worker
	catalog     *catalog.Catalog

	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func numCPU() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

func secondaryLogPath(dir string, owner uint16, rangeID RangeID) string {
	return filepath.Join(dir, fmt.Sprintf("%04x_%04x.sec", owner, uint16(rangeID)))
}

func versionLogPath(dir string, owner uint16, rangeID RangeID) string {
	return filepath.Join(dir, fmt.Sprintf("%04x_%04x.ver", owner, uint16(rangeID)))
}

// Open starts the engine: it opens (creating if absent) the primary log
// at <BackupDir>/primary.log and starts the background drainer,
// reorganizer, and periodic-survey goroutines. Every already-created
// backup range must be re-attached with InitBackupRange or
// InitRecoveredBackupRange before it can be written to or recovered.
func Open(opts EngineOptions) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	fs, err := opts.resolveFS()
	if err != nil {
		return nil, fmt.Errorf("dxlog: open disk backend: %w", err)
	}
	log := logging.OrDiscard(opts.Logger)

	if err := fs.MkdirAll(opts.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create backup dir %s: %v", ErrIO, opts.BackupDir, err)
	}

	primary, err := primarylog.Open(fs, filepath.Join(opts.BackupDir, "primary.log"), opts.PrimaryLogSize, log)
	if err != nil {
		return nil, fmt.Errorf("%w: open primary log: %v", ErrIO, err)
	}

	sched := scheduler.New(primary, scheduler.Config{
		UtilizationActivateReorg: opts.UtilizationActivateReorg,
		UtilizationPromptReorg:   opts.UtilizationPromptReorg,
	}, log)

	hdrCfg := header.Config{UseChecksums: opts.UseChecksums, UseTimestamps: opts.UseTimestamps}

	wb := writebuffer.New(writebuffer.Config{
		Capacity:        opts.WriteBufferSize,
		HalfSegmentSize: opts.LogSegmentSize / 2,
		HeaderConfig:    hdrCfg,
	}, sched, log)

	pool := bufferpool.New(opts.bufferPoolCapacity(), opts.LogSegmentSize)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		opts:    opts,
		fs:      fs,
		log:     log,
		hdrCfg:  hdrCfg,
		primary: primary,
		sched:   sched,
		wb:      wb,
		pool:    pool,
		catalog: catalog.New(),
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.reorgWorker = reorg.New(sched, e, pool, reorg.Config{
		UseTimestamps:        opts.UseTimestamps,
		ColdDataThresholdSec: opts.ColdDataThresholdSec,
	}, hdrCfg, log)

	e.wg.Add(3)
	go e.runDrainer()
	go e.runReorg()
	go e.runSurvey()

	return e, nil
}

func (e *Engine) runDrainer() {
	defer e.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			e.drainUntilEmpty()
			return
		case <-e.wb.FlushSignal():
			if _, err := e.wb.Drain(); err != nil {
				e.log.Errorf("drain: %v", err)
			}
		case <-ticker.C:
			if _, err := e.wb.Drain(); err != nil {
				e.log.Errorf("drain: %v", err)
			}
		}
	}
}

// drainUntilEmpty is the final drain on shutdown: it keeps draining until
// a cycle processes nothing, ensuring every Post that returned before
// Close is durable in the primary/secondary logs (§8 property 1).
func (e *Engine) drainUntilEmpty() {
	for {
		n, err := e.wb.Drain()
		if err != nil {
			e.log.Errorf("final drain: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func (e *Engine) runReorg() {
	defer e.wg.Done()
	_ = e.reorgWorker.Run(e.ctx)
}

func (e *Engine) runSurvey() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.sched.SurveyAndEnqueue()
		}
	}
}

// Close stops ingest, drains every entry already posted, flushes and
// closes every open backup range, and closes the primary log. Calling
// Close more than once is safe; only the first call performs any I/O
// (§8 property 8).
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.wb.Close()
		e.cancel()
		e.wg.Wait()

		var err error
		for _, r := range e.catalog.Snapshot() {
			br := r.Entry.(*backupRange)
			if cerr := br.secLog.Close(); cerr != nil {
				err = multierr.Append(err, cerr)
			}
			if cerr := br.verStore.Close(); cerr != nil {
				err = multierr.Append(err, cerr)
			}
		}
		if cerr := e.primary.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		e.pool.Close()
		e.closeErr = err
	})
	return e.closeErr
}

// InitBackupRange creates a fresh backup range: its secondary log and
// version log files are created under EngineOptions.BackupDir, sized per
// the configured segment/buffer sizes. It reports false (no error) if the
// range already exists.
func (e *Engine) InitBackupRange(owner uint16, rangeID RangeID) (bool, error) {
	return e.initRange(owner, rangeID, owner, rangeID)
}

// InitRecoveredBackupRange attaches (owner, rangeID) to the physical files
// of (origOwner, origRangeID) — the case where ownership of a range moved
// after a node failure and the new owner reattaches the range without
// recreating its secondary/version log from scratch. When isNew is true,
// this behaves exactly like InitBackupRange for (owner, rangeID): the
// "original" identity is irrelevant because there is nothing to reattach.
func (e *Engine) InitRecoveredBackupRange(rangeID RangeID, owner uint16, origRangeID RangeID, origOwner uint16, isNew bool) (bool, error) {
	if isNew {
		return e.initRange(owner, rangeID, owner, rangeID)
	}
	return e.initRange(owner, rangeID, origOwner, origRangeID)
}

// initRange registers (owner, rangeID) in the catalog, backed by the
// physical files named after (fileOwner, fileRangeID). The two pairs
// differ only for a migrated range reattached via
// InitRecoveredBackupRange with isNew=false.
func (e *Engine) initRange(owner uint16, rangeID RangeID, fileOwner uint16, fileRangeID RangeID) (bool, error) {
	key := catalog.Key{Owner: owner, RangeID: rangeID}

	secPath := secondaryLogPath(e.opts.BackupDir, fileOwner, fileRangeID)
	verPath := versionLogPath(e.opts.BackupDir, fileOwner, fileRangeID)

	secLog, err := secondarylog.Open(e.fs, secPath, secondarylog.Config{
		SegmentSize:     e.opts.LogSegmentSize,
		BufferSize:      e.opts.SecondaryLogBufferSize,
		InitialSegments: e.opts.InitialSegmentsPerRange,
		HeaderConfig:    e.hdrCfg,
	}, e.log)
	if err != nil {
		return false, fmt.Errorf("%w: open secondary log for owner=%d range=%d: %v", ErrIO, owner, rangeID, err)
	}

	verStore, err := versionstore.Open(e.fs, verPath, e.opts.VersionTableInitialCapacity, e.log)
	if err != nil {
		_ = secLog.Close()
		return false, fmt.Errorf("%w: open version store for owner=%d range=%d: %v", ErrIO, owner, rangeID, err)
	}

	br := &backupRange{
		key:         key,
		owner:       owner,
		compression: e.opts.DefaultCompression,
		secLog:      secLog,
		verStore:    verStore,
	}

	if _, err := e.catalog.Insert(key, br); err != nil {
		_ = secLog.Close()
		_ = verStore.Close()
		if err == catalog.ErrExists {
			return false, nil
		}
		return false, fmt.Errorf("%w: owner=%d range=%d: %v", ErrAlreadyExists, owner, rangeID, err)
	}

	if err := e.sched.Register(key, secLog); err != nil {
		_ = e.catalog.Remove(key)
		_ = secLog.Close()
		_ = verStore.Close()
		return false, fmt.Errorf("dxlog: register owner=%d range=%d: %w", owner, rangeID, err)
	}

	return true, nil
}

func (e *Engine) lookupRange(owner uint16, rangeID RangeID) (*backupRange, error) {
	r, ok := e.catalog.Lookup(catalog.Key{Owner: owner, RangeID: rangeID})
	if !ok {
		return nil, fmt.Errorf("%w: owner=%d range=%d", ErrRangeNotFound, owner, rangeID)
	}
	br := r.Entry.(*backupRange)
	if br.stopped.Load() {
		return nil, fmt.Errorf("%w: owner=%d range=%d", ErrClosed, owner, rangeID)
	}
	return br, nil
}

// RemoveBackupRange waits for any in-flight write or reorganization on
// the range to finish, then flushes and closes its secondary log and
// version store and removes it from the catalog. Subsequent LogChunks
// calls against the same (owner, rangeID) are rejected until it is
// re-initialized.
func (e *Engine) RemoveBackupRange(owner uint16, rangeID RangeID) error {
	key := catalog.Key{Owner: owner, RangeID: rangeID}
	r, ok := e.catalog.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: owner=%d range=%d", ErrRangeNotFound, owner, rangeID)
	}
	br := r.Entry.(*backupRange)
	br.stopped.Store(true)

	if err := e.sched.Unregister(key); err != nil {
		return fmt.Errorf("dxlog: unregister owner=%d range=%d: %w", owner, rangeID, err)
	}
	if err := e.catalog.Remove(key); err != nil {
		return fmt.Errorf("dxlog: remove owner=%d range=%d: %w", owner, rangeID, err)
	}

	var err error
	if cerr := br.secLog.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if cerr := br.verStore.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	return err
}

// chooseLocalIDWidth picks the narrowest of {1,2,4,6} bytes that localID fits in.
func chooseLocalIDWidth(localID uint64) int {
	widths := [...]int{1, 2, 4, 6}
	for _, w := range widths {
		if w >= 8 || localID < (uint64(1)<<(uint(w)*8)) {
			return w
		}
	}
	return 6
}

// chooseLengthWidth picks the narrowest of {1,2,3} bytes that n fits in.
func chooseLengthWidth(n uint32) (int, error) {
	widths := [...]int{1, 2, 3}
	for _, w := range widths {
		if uint64(n) < (uint64(1) << (uint(w) * 8)) {
			return w, nil
		}
	}
	return 0, fmt.Errorf("dxlog: entry length %d exceeds the maximum encodable length", n)
}

// chooseVersionWidth picks width 0 (meaning "version is 1") when counter
// is 1, otherwise the narrowest of {1,2,4} bytes that counter fits in.
func chooseVersionWidth(counter uint32) int {
	if counter == 1 {
		return 0
	}
	widths := [...]int{1, 2, 4}
	for _, w := range widths {
		if w >= 4 || uint64(counter) < (uint64(1)<<(uint(w)*8)) {
			return w
		}
	}
	return 4
}

// buildPrimaryEntry serializes one primary-format header+payload record
// for cid/payload/version, optionally tagged as part chainIndex of a
// chainSize-part chain. rangeOwner is the (owner, rangeID) pair's
// current logical owner, known to a recovering reader from context; when
// cid's own NodeID differs from it (the range was reattached to a new
// owner via InitRecoveredBackupRange but this chunk's identity still
// carries its pre-migration NodeID), the entry is tagged Migrated so the
// primary->secondary conversion preserves cid's true NodeID instead of
// letting it be implied — wrongly — from rangeOwner at recovery time.
func (e *Engine) buildPrimaryEntry(rangeID RangeID, rangeOwner uint16, cid CID, payload []byte, version Version, chainIndex, chainSize uint8) ([]byte, error) {
	localID := cid.LocalID()
	nodeID := cid.NodeID()
	migrated := nodeID != rangeOwner

	lengthWidth, err := chooseLengthWidth(uint32(len(payload)))
	if err != nil {
		return nil, err
	}
	f := header.Fields{
		Type: header.Type{
			LocalIDWidth: chooseLocalIDWidth(localID),
			LengthWidth:  lengthWidth,
			VersionWidth: chooseVersionWidth(version.Counter),
			Migrated:     migrated,
			Chained:      chainSize > 1,
		},
		RangeID: uint16(rangeID),
		NodeID:  nodeID,
		LocalID: localID,
		Length:  uint32(len(payload)),
		Epoch:   version.Epoch,
		Version: version.Counter,
	}
	if e.opts.UseTimestamps {
		f.Timestamp = uint32(time.Since(e.started).Seconds())
	}
	if chainSize > 1 {
		f.Chaining = header.Chaining{ChainIndex: chainIndex, ChainSize: chainSize}
	}
	if e.hdrCfg.UseChecksums {
		f.Checksum = checksum.Value(payload)
	}

	hdr, err := header.Serialize(f, header.Primary, e.hdrCfg)
	if err != nil {
		return nil, fmt.Errorf("dxlog: serialize header: %w", err)
	}
	entry := make([]byte, 0, len(hdr)+len(payload))
	entry = append(entry, hdr...)
	entry = append(entry, payload...)
	return entry, nil
}

// chainPartSize is the maximum payload bytes per chain part: a chunk
// larger than half a segment is split on write (§3 header table,
// "present when payload exceeds ½ segment").
func (e *Engine) chainPartSize() int {
	return e.opts.LogSegmentSize / 2
}

// LogChunks assigns each chunk its next version and appends it (batched,
// as one write-buffer post) to owner/rangeID's stream. A payload larger
// than half a segment is split into a chain of parts, each tagged with
// its index and the chain's total size, reassembled by recovery.
func (e *Engine) LogChunks(ctx context.Context, owner uint16, rangeID RangeID, chunks []Chunk) error {
	br, err := e.lookupRange(owner, rangeID)
	if err != nil {
		return err
	}

	var buf []byte
	partSize := e.chainPartSize()

	for _, c := range chunks {
		version, err := br.verStore.GetNext(c.CID)
		if err != nil {
			br.stopped.Store(true)
			return fmt.Errorf("%w: get next version for cid %d: %v", ErrIO, c.CID, err)
		}

		if len(c.Payload) <= partSize {
			entry, err := e.buildPrimaryEntry(rangeID, owner, c.CID, c.Payload, version, 0, 0)
			if err != nil {
				return err
			}
			buf = append(buf, entry...)
			continue
		}

		n := (len(c.Payload) + partSize - 1) / partSize
		if n > 255 {
			return fmt.Errorf("dxlog: chunk of %d bytes needs %d chain parts, exceeding the 255-part limit", len(c.Payload), n)
		}
		for i := 0; i < n; i++ {
			start := i * partSize
			end := start + partSize
			if end > len(c.Payload) {
				end = len(c.Payload)
			}
			entry, err := e.buildPrimaryEntry(rangeID, owner, c.CID, c.Payload[start:end], version, uint8(i), uint8(n))
			if err != nil {
				return err
			}
			buf = append(buf, entry...)
		}
	}

	if len(buf) == 0 {
		return nil
	}
	if err := e.wb.Post(ctx, owner, rangeID, buf); err != nil {
		switch {
		case err == writebuffer.ErrShutdown:
			return fmt.Errorf("%w: log chunks owner=%d range=%d", ErrShutdown, owner, rangeID)
		case ctx.Err() != nil:
			return fmt.Errorf("%w: log chunks owner=%d range=%d: %w", ErrBufferFull, owner, rangeID, err)
		}
		return fmt.Errorf("dxlog: log chunks owner=%d range=%d: %w", owner, rangeID, err)
	}
	return nil
}

// RemoveChunks logically deletes cids from owner/rangeID: each is marked
// with a tombstone version in the range's version store, so every entry
// already on disk for that CID compares as obsolete. Reclamation of the
// underlying bytes happens asynchronously during reorganization.
func (e *Engine) RemoveChunks(owner uint16, rangeID RangeID, cids []CID) error {
	br, err := e.lookupRange(owner, rangeID)
	if err != nil {
		return err
	}
	if err := br.verStore.Invalidate(cids); err != nil {
		return fmt.Errorf("%w: invalidate owner=%d range=%d: %v", ErrIO, owner, rangeID, err)
	}
	return nil
}

// collector is a thread-safe recovery.Sink that appends every delivered
// chunk to a slice (§4.6 "batch handoffs to amortize contention" — a
// mutex per call is adequate since recovery workers hand off one
// reassembled chunk at a time, not per byte). It does not deduplicate: a
// chunk delivered twice is recorded twice.
type collector struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (c *collector) HandleChunk(rc recovery.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, Chunk{CID: rc.CID, Payload: rc.Payload})
	return nil
}

// RecoverBackupRange scans every recoverable segment of owner/rangeID's
// secondary log — every sealed segment plus the still-active one, whose
// secondary buffer is flushed to disk first so its most recently logged
// entries are included — resolves each entry's version against the
// range's version store, reassembles chains, and delivers survivors to
// sink.
func (e *Engine) RecoverBackupRange(ctx context.Context, owner uint16, rangeID RangeID, sink recovery.Sink) (recovery.Metadata, error) {
	r, ok := e.catalog.Lookup(catalog.Key{Owner: owner, RangeID: rangeID})
	if !ok {
		return recovery.Metadata{}, fmt.Errorf("%w: owner=%d range=%d", ErrRangeNotFound, owner, rangeID)
	}
	br := r.Entry.(*backupRange)

	if err := br.secLog.FlushBuffer(); err != nil {
		return recovery.Metadata{}, fmt.Errorf("%w: flush secondary buffer before recovery owner=%d range=%d: %v", ErrIO, owner, rangeID, err)
	}

	cfg := recovery.Config{NumWorkers: e.opts.recoveryWorkers(), Owner: owner, Header: e.hdrCfg}
	return recovery.RecoverRange(ctx, recovery.Adapt(br.secLog), br.verStore, cfg, sink, e.log)
}

// RecoverBackupRangeFromFile scans a standalone secondary-log-shaped
// file with no owning backup range and no version log, returning every
// chunk it contains (every entry is kept; there is no version store to
// resolve obsolescence against).
func (e *Engine) RecoverBackupRangeFromFile(ctx context.Context, path string) ([]Chunk, error) {
	col := &collector{}
	cfg := recovery.Config{NumWorkers: e.opts.recoveryWorkers(), Header: e.hdrCfg}
	if _, err := recovery.RecoverFile(ctx, e.fs, path, e.opts.LogSegmentSize, cfg, col, e.log); err != nil {
		return nil, err
	}
	return col.chunks, nil
}

// ReorgContext implements reorg.Resolver over the backup-range catalog.
func (e *Engine) ReorgContext(key catalog.Key) (reorg.RangeContext, bool) {
	r, ok := e.catalog.Lookup(key)
	if !ok {
		return reorg.RangeContext{}, false
	}
	br := r.Entry.(*backupRange)
	return reorg.RangeContext{VersionStore: br.verStore, Owner: br.owner, Compression: br.compression}, true
}

// CurrentUtilization returns a human-readable multi-line report: every
// range's secondary-log utilization and segment-state counts, plus
// primary-log occupancy, write-buffer occupancy, and buffer-pool usage.
func (e *Engine) CurrentUtilization() string {
	out := fmt.Sprintf("primary log: %d/%d bytes\n", e.primary.Occupancy(), e.primary.Capacity())
	out += fmt.Sprintf("write buffer: %d/%d bytes\n", e.wb.Occupancy(), e.opts.WriteBufferSize)
	out += fmt.Sprintf("buffer pool: %d/%d in use\n", e.pool.InUse(), e.pool.Capacity())

	for _, r := range e.catalog.Snapshot() {
		br := r.Entry.(*backupRange)
		segs := br.secLog.Segments()
		var active, free, reorgDest, sealed int
		for _, m := range segs {
			switch m.State {
			case secondarylog.Active:
				active++
			case secondarylog.Free:
				free++
			case secondarylog.ReorgDest:
				reorgDest++
			case secondarylog.Sealed:
				sealed++
			}
		}
		out += fmt.Sprintf("range owner=%d id=%d: %.1f%% used, segments active=%d free=%d reorg=%d sealed=%d\n",
			r.Key.Owner, r.Key.RangeID, br.secLog.Utilization()*100, active, free, reorgDest, sealed)
	}
	return out
}

// PurgeLogDirectory deletes every file under dir and recreates it empty.
// It is an explicit, opt-in operator command — never called automatically
// by Open — and must be called, if at all, before Open targets dir.
func PurgeLogDirectory(fs vfs.FS, dir string) error {
	return vfs.PurgeLogDirectory(fs, dir)
}
