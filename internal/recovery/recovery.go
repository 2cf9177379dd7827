// Package recovery implements the parallel recovery reader (§4.6):
// partition a secondary log's segments across worker goroutines, parse
// entries, reassemble chained chunks, resolve obsolete versions against
// the version store, and stream survivors to a thread-safe sink.
//
// Grounded on the teacher's db/recovery.go (replayWAL: discover units of
// work, replay each, aggregate a high-water mark) and
// internal/wal/reader.go (fragment accumulation keyed by record state) —
// generalized here from "WAL record fragments in one file, in order" to
// "chain parts across many segments, read out of order by concurrent
// workers", so fragment assembly is keyed by CID in a shared, mutex-
// protected map instead of the WAL reader's single in-flight fragment.
package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/hhu-bsinfo/dxlog/internal/checksum"
	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"go.uber.org/multierr"
)

// versionSource resolves a CID's current version for the keep/discard
// decision. *versionstore.Store satisfies this directly; RecoverFile
// supplies a stub that always reports chunkid.Zero so every entry is
// accepted and handed to the sink, older versions included, since a
// standalone file has no accompanying version log (§6.2 "a standalone
// file").
type versionSource interface {
	GetCurrent(cid chunkid.CID) chunkid.Version
}

// verifyChecksum checks payload against f's recorded checksum.
func verifyChecksum(payload []byte, f header.Fields) bool {
	return checksum.Verify(payload, f.Checksum)
}

// Chunk is one recovered object: its identity, its assembled payload, and
// the version it was last written at.
type Chunk struct {
	CID     chunkid.CID
	Payload []byte
	Version chunkid.Version
}

// Sink receives recovered chunks. It must be safe for concurrent use by
// multiple workers and idempotent — a chunk delivered twice (e.g. because
// a segment was scanned more than once across retries) must not corrupt
// caller state. The engine's create-and-put-recovered callback (§6) is
// the production implementation; tests use an in-memory collector.
type Sink interface {
	HandleChunk(Chunk) error
}

// Metadata summarizes one recovery run (§4.6 "Output: metadata (count,
// total bytes, CID range)").
type Metadata struct {
	Count          int
	TotalBytes     int64
	MinCID         chunkid.CID
	MaxCID         chunkid.CID
	ChecksumErrors int
	DroppedChains  int
}

func (m *Metadata) observe(c Chunk) {
	if m.Count == 0 || c.CID < m.MinCID {
		m.MinCID = c.CID
	}
	if m.Count == 0 || c.CID > m.MaxCID {
		m.MaxCID = c.CID
	}
	m.Count++
	m.TotalBytes += int64(len(c.Payload))
}

// segmentSource is the minimal view of a secondary log that the scanner
// needs: random segment reads plus enumeration of every segment with its
// Recoverable flag. Satisfied by the Adapt wrapper around
// *secondarylog.Log (log.go) and by fileSource (file.go); kept as an
// interface so tests can exercise the
// scanner against synthetic segment data without a real log file.
type segmentSource interface {
	Segments() []segmentMeta
	ReadSegment(idx int, scratch []byte) ([]byte, error)
}

// segmentMeta is the subset of secondarylog.SegmentMeta the scanner
// consults. Declared locally (rather than imported) so this package has
// no compile-time dependency on secondarylog's State enum or reorg
// bookkeeping fields it doesn't need; the adapter in log.go converts.
// Recoverable covers both Sealed segments and the log's single Active
// segment (see log.go) — not just Sealed ones.
type segmentMeta struct {
	Index       int
	UsedBytes   int
	Recoverable bool
}

// chainStage accumulates chain parts for CIDs still missing parts. It is
// shared by every worker scanning a given range, so it is protected by
// its own mutex independent of any per-segment work.
type chainStage struct {
	mu    sync.Mutex
	parts map[chunkid.CID]*chainAssembly
}

type chainAssembly struct {
	size    uint8
	have    int
	parts   [][]byte
	epoch   uint16
	version uint32
}

func newChainStage() *chainStage {
	return &chainStage{parts: make(map[chunkid.CID]*chainAssembly)}
}

// addPart records one chain part for cid and returns the assembled
// payload once every part (0..size-1) has arrived.
func (s *chainStage) addPart(cid chunkid.CID, idx, size uint8, epoch uint16, version uint32, payload []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.parts[cid]
	if !ok {
		a = &chainAssembly{size: size, parts: make([][]byte, size)}
		s.parts[cid] = a
	}
	if int(idx) >= len(a.parts) {
		return nil, false
	}
	a.parts[idx] = payload
	a.have++
	a.epoch = epoch
	a.version = version

	if a.have < int(a.size) {
		return nil, false
	}
	delete(s.parts, cid)
	total := 0
	for _, p := range a.parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range a.parts {
		out = append(out, p...)
	}
	return out, true
}

// remaining reports every CID whose chain never completed — §4.6
// "missing chain parts cause the partial chain to be discarded at
// end-of-scan with a warning".
func (s *chainStage) remaining() []chunkid.CID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chunkid.CID, 0, len(s.parts))
	for cid := range s.parts {
		out = append(out, cid)
	}
	return out
}

// aggregator merges per-worker Metadata under a lock — workers run
// concurrently and each only knows about its own partition.
type aggregator struct {
	mu   sync.Mutex
	meta Metadata
	seen bool
}

func (a *aggregator) merge(m Metadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m.Count == 0 {
		a.meta.ChecksumErrors += m.ChecksumErrors
		a.meta.DroppedChains += m.DroppedChains
		return
	}
	if !a.seen || m.MinCID < a.meta.MinCID {
		a.meta.MinCID = m.MinCID
	}
	if !a.seen || m.MaxCID > a.meta.MaxCID {
		a.meta.MaxCID = m.MaxCID
	}
	a.seen = true
	a.meta.Count += m.Count
	a.meta.TotalBytes += m.TotalBytes
	a.meta.ChecksumErrors += m.ChecksumErrors
	a.meta.DroppedChains += m.DroppedChains
}

// Config parameterizes a recovery run.
type Config struct {
	// NumWorkers is the number of segment-partitioned goroutines (§4.6
	// step 2: "count ≈ available cores"). Values <= 0 default to 1.
	NumWorkers int
	// Owner resolves CIDs for non-migrated secondary entries, which don't
	// carry their own NodeID (mirrors internal/reorg's entryOwner rule).
	Owner uint16
	Header header.Config
}

func (c Config) workers() int {
	if c.NumWorkers <= 0 {
		return 1
	}
	return c.NumWorkers
}

// RecoverRange runs §4.6's parallel algorithm against src, resolving
// obsolete versions through vs and delivering survivors to sink. The
// caller is responsible for having already rebuilt vs from its version
// log (versionstore.Open does this on construction).
func RecoverRange(ctx context.Context, src segmentSource, vs versionSource, cfg Config, sink Sink, log logging.Logger) (Metadata, error) {
	log = logging.OrDiscard(log).Component(logging.ComponentRecovery)

	var recoverable []segmentMeta
	for _, m := range src.Segments() {
		if m.Recoverable {
			recoverable = append(recoverable, m)
		}
	}
	if len(recoverable) == 0 {
		return Metadata{}, nil
	}

	numWorkers := cfg.workers()
	if numWorkers > len(recoverable) {
		numWorkers = len(recoverable)
	}
	partitions := partition(recoverable, numWorkers)

	stage := newChainStage()
	agg := &aggregator{}
	var wg sync.WaitGroup
	var errs error
	var errsMu sync.Mutex

	for _, part := range partitions {
		part := part
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := scanPartition(ctx, src, part, vs, cfg, stage, sink)
			agg.merge(m)
			if err != nil {
				errsMu.Lock()
				errs = multierr.Append(errs, err)
				errsMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if dangling := stage.remaining(); len(dangling) > 0 {
		log.Warnf("recovery: %d chain(s) never completed, discarded", len(dangling))
		agg.mu.Lock()
		agg.meta.DroppedChains += len(dangling)
		agg.mu.Unlock()
	}

	return agg.meta, errs
}

// partition splits segs into n roughly equal, contiguous groups — §4.6
// step 2's "partition the secondary log's segments across worker
// threads".
func partition(segs []segmentMeta, n int) [][]segmentMeta {
	if n <= 0 {
		n = 1
	}
	out := make([][]segmentMeta, 0, n)
	base := len(segs) / n
	rem := len(segs) % n
	i := 0
	for w := 0; w < n && i < len(segs); w++ {
		size := base
		if w < rem {
			size++
		}
		out = append(out, segs[i:i+size])
		i += size
	}
	return out
}

// scanPartition is one worker's body: read each assigned segment,
// parse+filter its entries, and hand survivors to sink.
func scanPartition(ctx context.Context, src segmentSource, part []segmentMeta, vs versionSource, cfg Config, stage *chainStage, sink Sink) (Metadata, error) {
	var meta Metadata
	for _, m := range part {
		select {
		case <-ctx.Done():
			return meta, ctx.Err()
		default:
		}

		data, err := src.ReadSegment(m.Index, nil)
		if err != nil {
			return meta, fmt.Errorf("recovery: read segment %d: %w", m.Index, err)
		}
		if err := scanSegment(data, m.UsedBytes, vs, cfg, stage, sink, &meta); err != nil {
			// scanSegment fails only when sink.HandleChunk returns an
			// error (parse failures end the segment without one). The
			// rest of that segment is skipped, the failure is counted in
			// meta.ChecksumErrors rather than returned, and the worker
			// moves on to the next segment in its partition.
			meta.ChecksumErrors++
			continue
		}
	}
	return meta, nil
}

// scanSegment parses every entry in data[:usedBytes], applying §4.6 step
// 4's checksum/chain/version resolution, stopping at the first parse
// failure (torn trailing write on unclean shutdown, §9 open question
// resolution — the remainder of the segment is treated as absent, not an
// error).
func scanSegment(data []byte, usedBytes int, vs versionSource, cfg Config, stage *chainStage, sink Sink, meta *Metadata) error {
	off := 0
	for off < usedBytes {
		f, hdrLen, err := header.Parse(data, off, usedBytes-off, header.Secondary, cfg.Header)
		if err != nil {
			return nil // torn trailing entry: stop scanning this segment, not an error
		}
		total := hdrLen + int(f.Length)
		if off+total > usedBytes {
			return nil
		}

		payload := data[off+hdrLen : off+total]
		ok := true
		if cfg.Header.UseChecksums {
			ok = verifyChecksum(payload, f)
		}
		if !ok {
			meta.ChecksumErrors++
			off += total
			continue
		}

		owner := cfg.Owner
		if f.Type.Migrated {
			owner = f.NodeID
		}
		cid := chunkid.NewCID(owner, f.LocalID)
		version := chunkid.Version{Epoch: f.Epoch, Counter: f.EffectiveVersion()}

		stored := vs.GetCurrent(cid)
		if version.Compare(stored) < 0 {
			off += total
			continue
		}

		if f.Type.Chained {
			complete, done := stage.addPart(cid, f.Chaining.ChainIndex, f.Chaining.ChainSize, f.Epoch, f.EffectiveVersion(), append([]byte(nil), payload...))
			if !done {
				off += total
				continue
			}
			if err := sink.HandleChunk(Chunk{CID: cid, Payload: complete, Version: version}); err != nil {
				return err
			}
			meta.observe(Chunk{CID: cid, Payload: complete})
			off += total
			continue
		}

		if err := sink.HandleChunk(Chunk{CID: cid, Payload: append([]byte(nil), payload...), Version: version}); err != nil {
			return err
		}
		meta.observe(Chunk{CID: cid, Payload: payload})
		off += total
	}
	return nil
}
