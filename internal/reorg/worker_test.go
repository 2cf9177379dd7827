package reorg

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hhu-bsinfo/dxlog/internal/bufferpool"
	"github.com/hhu-bsinfo/dxlog/internal/catalog"
	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/header"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/payloadcodec"
	"github.com/hhu-bsinfo/dxlog/internal/primarylog"
	"github.com/hhu-bsinfo/dxlog/internal/scheduler"
	"github.com/hhu-bsinfo/dxlog/internal/secondarylog"
	"github.com/hhu-bsinfo/dxlog/internal/versionstore"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

const testSegmentSize = 512

type fakeResolver struct {
	ctx map[catalog.Key]RangeContext
}

func (f fakeResolver) ReorgContext(key catalog.Key) (RangeContext, bool) {
	rc, ok := f.ctx[key]
	return rc, ok
}

func buildEntry(t *testing.T, localID uint64, epoch uint16, version uint32, payloadLen int, payloadByte byte) []byte {
	t.Helper()
	f := header.Fields{
		Type: header.Type{
			LocalIDWidth: 6,
			LengthWidth:  2,
			VersionWidth: 4,
		},
		LocalID: localID,
		Length:  uint32(payloadLen),
		Epoch:   epoch,
		Version: version,
	}
	hdr, err := header.Serialize(f, header.Secondary, header.Config{})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = payloadByte
	}
	return append(hdr, payload...)
}

func setupWorker(t *testing.T) (*Worker, *scheduler.Scheduler, *secondarylog.Log, *versionstore.Store, catalog.Key) {
	t.Helper()
	dir := t.TempDir()

	primary, err := primarylog.Open(vfs.Default(), filepath.Join(dir, "primary.log"), 4096, logging.Discard)
	if err != nil {
		t.Fatalf("primarylog.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = primary.Close() })

	secCfg := secondarylog.Config{SegmentSize: testSegmentSize, BufferSize: 64, InitialSegments: 3}
	sec, err := secondarylog.Open(vfs.Default(), filepath.Join(dir, "0001_0000.sec"), secCfg, logging.Discard)
	if err != nil {
		t.Fatalf("secondarylog.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = sec.Close() })

	vs, err := versionstore.Open(vfs.Default(), filepath.Join(dir, "0001_0000.ver"), 16, logging.Discard)
	if err != nil {
		t.Fatalf("versionstore.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = vs.Close() })

	sched := scheduler.New(primary, scheduler.Config{}, logging.Discard)
	key := catalog.Key{Owner: 1, RangeID: 0}
	if err := sched.Register(key, sec); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	pool := bufferpool.New(2, testSegmentSize)
	t.Cleanup(pool.Close)

	resolver := fakeResolver{ctx: map[catalog.Key]RangeContext{
		key: {VersionStore: vs, Owner: key.Owner, Compression: payloadcodec.NoCompression},
	}}

	w := New(sched, resolver, pool, Config{}, header.Config{}, logging.Discard)
	return w, sched, sec, vs, key
}

func TestReorganizeRangeDropsObsoleteEntries(t *testing.T) {
	w, _, sec, vs, key := setupWorker(t)

	cid := chunkid.NewCID(key.Owner, 1)
	if _, err := vs.GetNext(cid); err != nil { // version now (0,1)
		t.Fatalf("GetNext failed: %v", err)
	}

	stale := buildEntry(t, 1, 0, 1, 100, 0xAA) // entry at version 1, now obsolete (version store now demands > 1 after next GetNext)
	if _, err := vs.GetNext(cid); err != nil {  // version now (0,2): stale entry written at version 1 is obsolete
		t.Fatalf("GetNext failed: %v", err)
	}
	live := buildEntry(t, 2, 0, 1, 100, 0xBB) // different CID, still current

	if err := sec.AppendDirect(stale); err != nil {
		t.Fatalf("AppendDirect failed: %v", err)
	}
	if err := sec.AppendDirect(live); err != nil {
		t.Fatalf("AppendDirect failed: %v", err)
	}

	// Seal segment 0 by forcing the writer onto a new segment, so the
	// reorganizer is allowed to pick it as a victim (Active segments are
	// never eligible).
	fillerLen := testSegmentSize - sec.Segments()[0].UsedBytes - 15
	if fillerLen > 0 {
		if err := sec.AppendDirect(buildEntry(t, 3, 0, 1, fillerLen, 0xCC)); err != nil {
			t.Fatalf("AppendDirect filler failed: %v", err)
		}
	}
	if err := sec.AppendDirect(buildEntry(t, 4, 0, 1, 4, 0xDD)); err != nil {
		t.Fatalf("AppendDirect rollover entry failed: %v", err)
	}
	if sec.Segments()[0].State != secondarylog.Sealed {
		t.Fatalf("expected segment 0 sealed after rollover, got %v", sec.Segments()[0].State)
	}

	if err := w.ReorganizeRange(context.Background(), key); err != nil {
		t.Fatalf("ReorganizeRange failed: %v", err)
	}

	segs := sec.Segments()
	if segs[0].State != secondarylog.Free {
		t.Errorf("victim segment not freed: state=%v", segs[0].State)
	}

	var destIdx = -1
	for _, m := range segs {
		if m.State == secondarylog.Sealed && m.Index != 0 {
			destIdx = m.Index
		}
	}
	if destIdx == -1 {
		t.Fatal("no destination segment produced")
	}
	data, err := sec.ReadSegment(destIdx, nil)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	_ = data
	// Segment 0 held three entries (stale, live, filler); only the stale
	// one (superseded by a later GetNext) is discarded.
	if segs[destIdx].NumEntries != 2 {
		t.Errorf("destination NumEntries = %d, want 2 (live + filler, stale dropped)", segs[destIdx].NumEntries)
	}
}

func TestReorganizeRangeUnknownRangeErrors(t *testing.T) {
	w, _, _, _, _ := setupWorker(t)
	err := w.ReorganizeRange(context.Background(), catalog.Key{Owner: 99, RangeID: 99})
	if err == nil {
		t.Error("expected error for unknown range")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	w, _, _, _, _ := setupWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err == nil {
		t.Error("expected Run to return an error when ctx is cancelled with nothing queued")
	}
}
