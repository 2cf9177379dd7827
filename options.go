package dxlog

// options.go implements the engine's configuration surface (§6.4):
// an immutable EngineOptions value, validated once at Open and never
// mutated afterward — replacing the source's static global state
// (setSegmentSize, setTimestampSize, setCRCSize, useNativeBuffers) per
// §9's redesign note.

import (
	"fmt"

	"github.com/hhu-bsinfo/dxlog/internal/logging"
	"github.com/hhu-bsinfo/dxlog/internal/payloadcodec"
	"github.com/hhu-bsinfo/dxlog/internal/vfs"
)

// HardwareAccess selects one of the three disk backends behind the
// uniform disk interface (§6.1).
type HardwareAccess string

const (
	// AccessBuffered is the default "raf" backend: ordinary buffered
	// file I/O through the OS page cache.
	AccessBuffered HardwareAccess = "raf"
	// AccessDirect is the "dir" backend: page-aligned Direct I/O.
	AccessDirect HardwareAccess = "dir"
	// AccessRaw is the "raw" backend: a pre-prepared raw block device
	// with no filesystem, addressed through a small extent directory.
	AccessRaw HardwareAccess = "raw"
)

// EngineOptions carries every tunable named in §6.4. A zero EngineOptions
// is not valid; start from DefaultOptions and override only what differs.
type EngineOptions struct {
	// BackupDir is the directory holding the primary log and every
	// range's secondary/version log files (§6.3).
	BackupDir string

	// HardwareAccess selects the disk backend. Ignored if FS is set.
	HardwareAccess HardwareAccess
	// RawDevicePath is required when HardwareAccess is AccessRaw.
	RawDevicePath string
	// RawDeviceSize is the usable size of the raw device in bytes,
	// required when HardwareAccess is AccessRaw.
	RawDeviceSize int64

	// FS overrides disk-backend selection entirely (tests, embedding a
	// fault-injection wrapper). When set, HardwareAccess/RawDevicePath
	// are ignored.
	FS vfs.FS

	// UseChecksums enables the header's optional CRC-32 payload field.
	UseChecksums bool
	// UseTimestamps enables the header's optional timestamp field and
	// the reorganizer's age-score victim policy.
	UseTimestamps bool

	// FlashPageSize is the alignment unit for the direct/raw backends
	// (default 4 KiB).
	FlashPageSize int
	// LogSegmentSize is a secondary log's fixed segment size (default
	// 8 MiB). Also half-segment is the write buffer's direct-flush
	// threshold (§4.1) and the reorganizer's scratch-buffer size.
	LogSegmentSize int
	// PrimaryLogSize is the primary log's fixed circular capacity
	// (default 256 MiB).
	PrimaryLogSize int64
	// WriteBufferSize is the shared ingest ring's capacity (default
	// 32 MiB).
	WriteBufferSize int
	// SecondaryLogBufferSize is each range's small coalescing buffer in
	// front of its secondary log (default 128 KiB).
	SecondaryLogBufferSize int

	// UtilizationActivateReorg is the utilization fraction above which
	// a range enters the low-priority reorganization queue (default
	// 0.60 per §6.4; the source's own default differs from the
	// scheduler package's 0.70 fallback, so Open always passes this
	// value through explicitly rather than relying on that fallback).
	UtilizationActivateReorg float64
	// UtilizationPromptReorg is the fraction above which the
	// reorganizer keeps going between segments without yielding
	// (default 0.75).
	UtilizationPromptReorg float64
	// ColdDataThresholdSec clamps the age-score policy's age weighting
	// (default 9000, per §6.4).
	ColdDataThresholdSec uint32

	// InitialSegmentsPerRange is how many segments a new secondary log
	// preallocates before growing on demand.
	InitialSegmentsPerRange int

	// BufferPoolCapacity bounds the number of segment-sized scratch
	// buffers (§9 open question: made configurable rather than
	// hardcoded). Zero means "derive a reasonable default at Open"
	// (recovery workers + one reorg buffer, minimum 4).
	BufferPoolCapacity int

	// VersionTableInitialCapacity sizes each range's in-memory
	// open-addressing hash table before it needs to grow.
	VersionTableInitialCapacity int

	// RecoveryWorkers bounds parallel recovery's segment-partitioned
	// goroutine count (§4.6 step 2: "count ≈ available cores"). Zero
	// means "use runtime.NumCPU()".
	RecoveryWorkers int

	// DefaultCompression is the payload codec new backup ranges are
	// tagged with; the reorganizer recompresses victims into their
	// destination segment using this codec. Zero value is NoCompression.
	DefaultCompression payloadcodec.Type

	// Logger receives every subsystem's structured log output. Nil
	// means discard.
	Logger logging.Logger
}

// DefaultOptions returns an EngineOptions with every §6.4 default filled
// in. BackupDir is left empty; callers must set it.
func DefaultOptions() EngineOptions {
	return EngineOptions{
		HardwareAccess:              AccessBuffered,
		UseChecksums:                true,
		UseTimestamps:               false,
		FlashPageSize:               4 << 10,
		LogSegmentSize:              8 << 20,
		PrimaryLogSize:              256 << 20,
		WriteBufferSize:             32 << 20,
		SecondaryLogBufferSize:      128 << 10,
		UtilizationActivateReorg:    0.60,
		UtilizationPromptReorg:      0.75,
		ColdDataThresholdSec:        9000,
		InitialSegmentsPerRange:     4,
		VersionTableInitialCapacity: 1024,
		Logger:                      logging.Discard,
	}
}

// Validate checks the §6.4 constraints: primary/secondary/write-buffer/
// segment/secondary-buffer sizes are multiples of the flash page size and
// greater than it; primary/secondary/write-buffer sizes are multiples of
// segment size; secondary-buffer is at most one segment.
func (o EngineOptions) Validate() error {
	if o.BackupDir == "" {
		return fmt.Errorf("%w: BackupDir must be set", ErrInvalidConfig)
	}
	page := o.FlashPageSize
	if page <= 0 {
		return fmt.Errorf("%w: FlashPageSize must be positive", ErrInvalidConfig)
	}
	multipleAndGreater := func(name string, v int64) error {
		if v <= int64(page) {
			return fmt.Errorf("%w: %s must be greater than FlashPageSize", ErrInvalidConfig, name)
		}
		if v%int64(page) != 0 {
			return fmt.Errorf("%w: %s must be a multiple of FlashPageSize", ErrInvalidConfig, name)
		}
		return nil
	}
	if err := multipleAndGreater("LogSegmentSize", int64(o.LogSegmentSize)); err != nil {
		return err
	}
	if err := multipleAndGreater("PrimaryLogSize", o.PrimaryLogSize); err != nil {
		return err
	}
	if err := multipleAndGreater("WriteBufferSize", int64(o.WriteBufferSize)); err != nil {
		return err
	}
	if o.SecondaryLogBufferSize <= int(page) || o.SecondaryLogBufferSize%page != 0 {
		return fmt.Errorf("%w: SecondaryLogBufferSize must be a multiple of FlashPageSize and greater than it", ErrInvalidConfig)
	}
	if o.SecondaryLogBufferSize > o.LogSegmentSize {
		return fmt.Errorf("%w: SecondaryLogBufferSize must not exceed LogSegmentSize", ErrInvalidConfig)
	}
	if o.PrimaryLogSize%int64(o.LogSegmentSize) != 0 {
		return fmt.Errorf("%w: PrimaryLogSize must be a multiple of LogSegmentSize", ErrInvalidConfig)
	}
	if o.WriteBufferSize%o.LogSegmentSize != 0 {
		return fmt.Errorf("%w: WriteBufferSize must be a multiple of LogSegmentSize", ErrInvalidConfig)
	}
	if o.UtilizationActivateReorg <= 0 || o.UtilizationActivateReorg >= 1 {
		return fmt.Errorf("%w: UtilizationActivateReorg must be in (0,1)", ErrInvalidConfig)
	}
	if o.UtilizationPromptReorg <= o.UtilizationActivateReorg || o.UtilizationPromptReorg >= 1 {
		return fmt.Errorf("%w: UtilizationPromptReorg must be in (UtilizationActivateReorg,1)", ErrInvalidConfig)
	}
	if o.HardwareAccess == AccessRaw && o.FS == nil {
		if o.RawDevicePath == "" {
			return fmt.Errorf("%w: RawDevicePath required for raw hardware access", ErrInvalidConfig)
		}
		if o.RawDeviceSize <= 0 {
			return fmt.Errorf("%w: RawDeviceSize required for raw hardware access", ErrInvalidConfig)
		}
	}
	return nil
}

// resolveFS picks the disk backend named by o, unless o.FS already
// overrides it.
func (o EngineOptions) resolveFS() (vfs.FS, error) {
	if o.FS != nil {
		return o.FS, nil
	}
	switch o.HardwareAccess {
	case "", AccessBuffered:
		return vfs.Default(), nil
	case AccessDirect:
		// DirectIOFS embeds the buffered backend and additionally
		// exposes the *WithOptions methods higher layers may use for
		// page-aligned reads/writes; as a plain vfs.FS it behaves like
		// the buffered backend for callers that only need Create/Open.
		return vfs.NewDirectIOFS(), nil
	case AccessRaw:
		return vfs.OpenRawDeviceFS(o.RawDevicePath, o.RawDeviceSize, o.FlashPageSize)
	default:
		return nil, fmt.Errorf("%w: unknown HardwareAccess %q", ErrInvalidConfig, o.HardwareAccess)
	}
}

func (o EngineOptions) bufferPoolCapacity() int {
	if o.BufferPoolCapacity > 0 {
		return o.BufferPoolCapacity
	}
	n := o.recoveryWorkers() + 1 // +1 for the reorganizer's scratch buffer
	if n < 4 {
		n = 4
	}
	return n
}

func (o EngineOptions) recoveryWorkers() int {
	if o.RecoveryWorkers > 0 {
		return o.RecoveryWorkers
	}
	return numCPU()
}
