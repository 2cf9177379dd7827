package versionstore

import (
	"fmt"
	"math"
	"sync"

	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

// counterNearSaturation is the point at which GetNext rolls the epoch over
// rather than letting counter wrap — "near saturation", per §4.3, rather
// than exactly at math.MaxUint32 so a rollover is never raced by the very
// next increment.
const counterNearSaturation = math.MaxUint32 - 1

// Store is one backup range's version store: an in-memory table plus its
// on-disk version log. All operations are serialized by a single
// per-range lock — "all operations are serialized per range by a
// lightweight lock; bulk invalidations take the lock once" (§4.3).
type Store struct {
	mu    sync.Mutex
	t     *table
	epoch uint16
	log   vfs.WritableFile
	fs    vfs.FS
	path  string
	log_  logging.Logger
}

// Open opens (creating if absent) the version log at path on fs and
// replays it to rebuild the in-memory table, matching the "in-memory
// open-addressing hash table reconstructed on recovery" requirement.
func Open(fs vfs.FS, path string, initialCapacity int, log logging.Logger) (*Store, error) {
	log = logging.OrDiscard(log).Component(logging.ComponentVersionStore)
	s := &Store{t: newTable(initialCapacity), fs: fs, path: path, log_: log}

	if fs.Exists(path) {
		if err := s.replay(); err != nil {
			return nil, fmt.Errorf("versionstore: replay %s: %w", path, err)
		}
	}

	w, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("versionstore: open log %s: %w", path, err)
	}
	// Create truncates; since Go's vfs.FS has no O_APPEND open mode, reopen
	// positioned at the end by replaying writes through Append, which for
	// the buffered/direct backends always targets the current file size.
	s.log = w
	if err := s.reappendAfterReplay(); err != nil {
		return nil, err
	}
	return s, nil
}

// replay reads existing records from path into the in-memory table before
// the log is reopened (and truncated) for appending.
func (s *Store) replay() error {
	rf, err := s.fs.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	buf := make([]byte, recordSize)
	for {
		n, err := rf.Read(buf)
		if n == recordSize {
			localID, v, _ := decodeRecord(buf)
			// A tombstone record carries a version strictly past the
			// last one issued for this CID (see Invalidate); replaying
			// it the same way as a normal record keeps that ordering
			// intact so reorg/recovery continue to see it as current.
			s.t.put(localID, v)
			if v.epoch > s.epoch {
				s.epoch = v.epoch
			}
		}
		if err != nil {
			break // EOF, or a torn trailing record: stop, don't treat as corrupt.
		}
	}
	return nil
}

// reappendAfterReplay rewrites every entry of the rebuilt table back into
// the freshly truncated log file, one record per LocalID, so the log stays
// a compact copy of the in-memory table rather than growing unbounded
// history across repeated opens. Tombstoned CIDs are rewritten too, as
// ordinary records carrying their bumped version.
func (s *Store) reappendAfterReplay() error {
	var werr error
	buf := make([]byte, recordSize)
	s.t.forEach(func(localID uint64, v versionRecord) {
		if werr != nil {
			return
		}
		encodeRecord(buf, localID, v, false)
		werr = s.log.Append(buf)
	})
	return werr
}

// GetCurrent returns the stored version for cid's LocalID, or the zero
// Version if absent.
func (s *Store) GetCurrent(cid chunkid.CID) chunkid.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.t.get(cid.LocalID())
	if !ok {
		return chunkid.Zero
	}
	return chunkid.Version{Epoch: v.epoch, Counter: v.counter}
}

// GetNext atomically increments and returns the next version for cid's
// LocalID, bumping the epoch and resetting the counter to 1 if the
// counter nears saturation.
func (s *Store) GetNext(cid chunkid.CID) (chunkid.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	localID := cid.LocalID()
	cur, _ := s.t.get(localID)

	next := versionRecord{epoch: s.epoch, counter: cur.counter + 1}
	if cur.epoch != s.epoch {
		next.counter = 1
	}
	if next.counter >= counterNearSaturation {
		s.epoch++
		next = versionRecord{epoch: s.epoch, counter: 1}
		s.log_.Infof("epoch rollover to %d", s.epoch)
	}

	s.t.put(localID, next)
	buf := make([]byte, recordSize)
	encodeRecord(buf, localID, next, false)
	if err := s.log.Append(buf); err != nil {
		return chunkid.Version{}, fmt.Errorf("versionstore: append: %w", err)
	}
	return chunkid.Version{Epoch: next.epoch, Counter: next.counter}, nil
}

// Invalidate marks each of cids as a tombstone: the stored version is
// bumped strictly past whatever was last issued by GetNext, so every
// entry already written for that CID compares as obsolete under the
// ordinary "keep iff entry.version >= stored.version" rule used by
// reorganization (§4.5) and recovery (§4.6) — a tombstone is not a
// special case those callers need to know about, it is just a version no
// log entry can equal or exceed. The lock is taken once for the whole
// batch.
func (s *Store) Invalidate(cids []chunkid.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, recordSize)
	for _, cid := range cids {
		localID := cid.LocalID()
		cur, _ := s.t.get(localID)

		tomb := versionRecord{epoch: cur.epoch, counter: cur.counter + 1}
		if cur.epoch == s.epoch && tomb.counter >= counterNearSaturation {
			s.epoch++
			tomb = versionRecord{epoch: s.epoch, counter: 1}
		}

		s.t.put(localID, tomb)
		encodeRecord(buf, localID, tomb, true)
		if err := s.log.Append(buf); err != nil {
			return fmt.Errorf("versionstore: invalidate append: %w", err)
		}
	}
	return nil
}

// Flush fsyncs the version log.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Sync()
}

// Close flushes and closes the version log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Sync(); err != nil {
		return err
	}
	return s.log.Close()
}
