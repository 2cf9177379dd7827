// Package header implements the log entry header codec (§4.2): two
// dialects (primary, secondary), four header-shape variants (default /
// migrated, with / without timestamp), and an optional checksum +
// chaining field group. All field accessors are position-less — callers
// pass an explicit (buffer, offset) pair rather than relying on any
// internal cursor, so one physical buffer can be parsed concurrently by
// multiple readers.
//
// Header size is fully determined by the Type byte plus a small global
// Config (timestamps/checksums enabled); it is never inferred by scanning.
package header

import "fmt"

// Dialect distinguishes the primary-log header shape from the
// secondary-log header shape.
type Dialect int

const (
	Primary Dialect = iota
	Secondary
)

func (d Dialect) String() string {
	if d == Primary {
		return "primary"
	}
	return "secondary"
}

// Config carries the global, post-init-immutable codec settings that
// influence header shape but are not themselves encoded in the Type byte
// (§9 "replace static global state with an immutable CodecConfig value").
type Config struct {
	UseChecksums  bool
	UseTimestamps bool
}

// lidWidths maps the 2-bit LocalID width code to its byte width.
var lidWidths = [4]int{1, 2, 4, 6}

// lengthWidths maps the 2-bit Length width code to its byte width. A
// width of 0 means "same size as the previous version of this CID".
var lengthWidths = [4]int{0, 1, 2, 3}

// versionWidths maps the 2-bit Version width code to its byte width. A
// width of 0 means "version is implicitly 1".
var versionWidths = [4]int{0, 1, 2, 4}

// Type is the decoded form of the header's leading Type byte.
type Type struct {
	LocalIDWidth int  // 1, 2, 4, or 6
	LengthWidth  int  // 0, 1, 2, or 3
	VersionWidth int  // 0, 1, 2, or 4
	Migrated     bool // secondary entry originated on a different owner
	Chained      bool // this entry is one part of a chained (split) chunk
}

// widthCode returns the 2-bit code for a width value drawn from table, or
// an error if w is not one of the table's values.
func widthCode(table [4]int, w int, name string) (byte, error) {
	for i, v := range table {
		if v == w {
			return byte(i), nil
		}
	}
	return 0, fmt.Errorf("header: invalid %s width %d", name, w)
}

// Encode packs t into a single Type byte.
func (t Type) Encode() (byte, error) {
	lid, err := widthCode(lidWidths, t.LocalIDWidth, "LocalID")
	if err != nil {
		return 0, err
	}
	length, err := widthCode(lengthWidths, t.LengthWidth, "Length")
	if err != nil {
		return 0, err
	}
	ver, err := widthCode(versionWidths, t.VersionWidth, "Version")
	if err != nil {
		return 0, err
	}
	b := lid | (length << 2) | (ver << 4)
	if t.Migrated {
		b |= 1 << 6
	}
	if t.Chained {
		b |= 1 << 7
	}
	return b, nil
}

// DecodeType unpacks a Type byte.
func DecodeType(b byte) Type {
	return Type{
		LocalIDWidth: lidWidths[b&0x3],
		LengthWidth:  lengthWidths[(b>>2)&0x3],
		VersionWidth: versionWidths[(b>>4)&0x3],
		Migrated:     b&(1<<6) != 0,
		Chained:      b&(1<<7) != 0,
	}
}

const (
	rangeIDSize   = 2
	nodeIDSize    = 2
	epochSize     = 2
	timestampSize = 4
	chainingSize  = 2
	checksumSize  = 4
)

// Len returns the total header length in bytes for dialect d under cfg,
// given the field widths carried in the Type byte.
func (t Type) Len(d Dialect, cfg Config) int {
	n := 1 // Type byte itself
	if d == Primary {
		n += rangeIDSize + nodeIDSize
	} else if t.Migrated {
		n += nodeIDSize
	}
	n += t.LocalIDWidth
	n += t.LengthWidth
	if cfg.UseTimestamps {
		n += timestampSize
	}
	n += epochSize
	n += t.VersionWidth
	if t.Chained {
		n += chainingSize
	}
	if cfg.UseChecksums {
		n += checksumSize
	}
	return n
}

// conversionOffset returns the byte offset within a primary header at
// which the primary->secondary conversion begins copying (§4.2): the
// NodeID offset when the entry is migrated, the LocalID offset otherwise.
// Both offsets are fixed for every primary header (Type, RangeID, NodeID
// always occupy the same leading bytes).
func (t Type) conversionOffset() (migratedOffset, nonMigratedOffset int) {
	nodeIDOffset := 1 + rangeIDSize
	localIDOffset := nodeIDOffset + nodeIDSize
	return nodeIDOffset, localIDOffset
}
