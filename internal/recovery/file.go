package recovery

import (
	"context"
	"fmt"

	"github.com/hhu-bsinfo/dxlog/internal/chunkid"
	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

// zeroVersionSource always reports a CID as absent, so every entry a scan
// encounters is accepted by the version-resolution step (§4.6 step 4
// never sees a version to drop against). A standalone file has no
// accompanying version log, so every entry that parses and passes its
// checksum reaches the caller's sink, older versions of a CID included.
type zeroVersionSource struct{}

func (zeroVersionSource) GetCurrent(chunkid.CID) chunkid.Version { return chunkid.Zero }

// fileSource treats a plain file as an unbroken run of fixed-size
// segments, all assumed sealed — there is no in-memory segment metadata
// to consult, only the file's size.
type fileSource struct {
	r           vfs.RandomAccessFile
	segmentSize int
	segments    []segmentMeta
}

func (f *fileSource) Segments() []segmentMeta { return f.segments }

func (f *fileSource) ReadSegment(idx int, scratch []byte) ([]byte, error) {
	if idx < 0 || idx >= len(f.segments) {
		return nil, fmt.Errorf("recovery: segment %d out of range", idx)
	}
	want := f.segments[idx].UsedBytes

	buf := scratch
	if cap(buf) < want {
		buf = make([]byte, want)
	} else {
		buf = buf[:want]
	}
	off := int64(idx) * int64(f.segmentSize)
	if want > 0 {
		if _, err := f.r.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("recovery: read segment %d of standalone file: %w", idx, err)
		}
	}
	return buf, nil
}

// RecoverFile implements §6.2's recover_backup_range_from_file: a
// standalone secondary-log-shaped file with no owning backup range and
// no version log. Every segment is scanned as if sealed; the last
// partially-written segment's torn trailing entry is tolerated the same
// way RecoverRange tolerates one (§9's open-question resolution).
func RecoverFile(ctx context.Context, fs vfs.FS, path string, segmentSize int, cfg Config, sink Sink, log logging.Logger) (Metadata, error) {
	r, err := fs.OpenRandomAccess(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("recovery: open %s: %w", path, err)
	}
	defer r.Close()

	if segmentSize <= 0 {
		return Metadata{}, fmt.Errorf("recovery: segmentSize must be positive, got %d", segmentSize)
	}

	size := r.Size()
	n := int(size / int64(segmentSize))
	if size%int64(segmentSize) != 0 {
		n++ // final, possibly-partial segment: still scanned, torn tail tolerated
	}
	segs := make([]segmentMeta, n)
	for i := range segs {
		used := segmentSize
		if i == n-1 {
			rem := int(size - int64(i)*int64(segmentSize))
			if rem < used {
				used = rem
			}
		}
		segs[i] = segmentMeta{Index: i, UsedBytes: used, Recoverable: true}
	}

	src := &fileSource{r: r, segmentSize: segmentSize, segments: segs}
	return RecoverRange(ctx, src, zeroVersionSource{}, cfg, sink, log)
}
