package header

import "fmt"

// Parse decodes a header at logical offset off within a ring-shaped
// buffer. bytesUntilEnd is the number of physical bytes from off to the
// buffer's physical end before the next position wraps to buf[0]; pass
// len(buf)-off when the buffer isn't actually wrapping. Parse never
// mutates off itself and returns the total header length consumed so the
// caller can locate the payload that immediately follows.
func Parse(buf []byte, off int, bytesUntilEnd int, d Dialect, cfg Config) (Fields, int, error) {
	ringSize := len(buf)
	if bytesUntilEnd <= 0 {
		return Fields{}, 0, fmt.Errorf("header: bytesUntilEnd must be positive, got %d", bytesUntilEnd)
	}

	typeByte := ringRead(buf, off, 1, bytesUntilEnd)[0]
	t := DecodeType(typeByte)

	cur, curUntilEnd := advance(off, bytesUntilEnd, 1, ringSize)
	var f Fields
	f.Type = t

	if d == Primary {
		rid := ringRead(buf, cur, rangeIDSize, curUntilEnd)
		f.RangeID = uint16(getUintLE(rid, rangeIDSize))
		cur, curUntilEnd = advance(cur, curUntilEnd, rangeIDSize, ringSize)

		nid := ringRead(buf, cur, nodeIDSize, curUntilEnd)
		f.NodeID = uint16(getUintLE(nid, nodeIDSize))
		cur, curUntilEnd = advance(cur, curUntilEnd, nodeIDSize, ringSize)
	} else if t.Migrated {
		nid := ringRead(buf, cur, nodeIDSize, curUntilEnd)
		f.NodeID = uint16(getUintLE(nid, nodeIDSize))
		cur, curUntilEnd = advance(cur, curUntilEnd, nodeIDSize, ringSize)
	}

	lid := ringRead(buf, cur, t.LocalIDWidth, curUntilEnd)
	f.LocalID = getUintLE(lid, t.LocalIDWidth)
	cur, curUntilEnd = advance(cur, curUntilEnd, t.LocalIDWidth, ringSize)

	if t.LengthWidth > 0 {
		ln := ringRead(buf, cur, t.LengthWidth, curUntilEnd)
		f.Length = uint32(getUintLE(ln, t.LengthWidth))
		cur, curUntilEnd = advance(cur, curUntilEnd, t.LengthWidth, ringSize)
	}

	if cfg.UseTimestamps {
		ts := ringRead(buf, cur, timestampSize, curUntilEnd)
		f.Timestamp = uint32(getUintLE(ts, timestampSize))
		cur, curUntilEnd = advance(cur, curUntilEnd, timestampSize, ringSize)
	}

	ep := ringRead(buf, cur, epochSize, curUntilEnd)
	f.Epoch = uint16(getUintLE(ep, epochSize))
	cur, curUntilEnd = advance(cur, curUntilEnd, epochSize, ringSize)

	if t.VersionWidth > 0 {
		v := ringRead(buf, cur, t.VersionWidth, curUntilEnd)
		f.Version = uint32(getUintLE(v, t.VersionWidth))
		cur, curUntilEnd = advance(cur, curUntilEnd, t.VersionWidth, ringSize)
	}

	if t.Chained {
		ch := ringRead(buf, cur, chainingSize, curUntilEnd)
		f.Chaining = Chaining{ChainIndex: ch[0], ChainSize: ch[1]}
		cur, curUntilEnd = advance(cur, curUntilEnd, chainingSize, ringSize)
	}

	if cfg.UseChecksums {
		cs := ringRead(buf, cur, checksumSize, curUntilEnd)
		f.Checksum = uint32(getUintLE(cs, checksumSize))
		_, _ = advance(cur, curUntilEnd, checksumSize, ringSize)
	}

	return f, t.Len(d, cfg), nil
}

// Serialize encodes f into a newly allocated, contiguous byte slice (the
// header never needs to be written pre-wrapped; callers append it to a
// ring via ringWrite/WriteAt, which handles wraparound on the way out).
func Serialize(f Fields, d Dialect, cfg Config) ([]byte, error) {
	typeByte, err := f.Type.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, f.Type.Len(d, cfg))
	out[0] = typeByte
	pos := 1

	if d == Primary {
		putUintLE(out[pos:], uint64(f.RangeID), rangeIDSize)
		pos += rangeIDSize
		putUintLE(out[pos:], uint64(f.NodeID), nodeIDSize)
		pos += nodeIDSize
	} else if f.Type.Migrated {
		putUintLE(out[pos:], uint64(f.NodeID), nodeIDSize)
		pos += nodeIDSize
	}

	putUintLE(out[pos:], f.LocalID, f.Type.LocalIDWidth)
	pos += f.Type.LocalIDWidth

	if f.Type.LengthWidth > 0 {
		putUintLE(out[pos:], uint64(f.Length), f.Type.LengthWidth)
		pos += f.Type.LengthWidth
	}

	if cfg.UseTimestamps {
		putUintLE(out[pos:], uint64(f.Timestamp), timestampSize)
		pos += timestampSize
	}

	putUintLE(out[pos:], uint64(f.Epoch), epochSize)
	pos += epochSize

	if f.Type.VersionWidth > 0 {
		putUintLE(out[pos:], uint64(f.Version), f.Type.VersionWidth)
		pos += f.Type.VersionWidth
	}

	if f.Type.Chained {
		out[pos] = f.Chaining.ChainIndex
		out[pos+1] = f.Chaining.ChainSize
		pos += chainingSize
	}

	if cfg.UseChecksums {
		putUintLE(out[pos:], uint64(f.Checksum), checksumSize)
		pos += checksumSize
	}

	return out, nil
}

// ChecksumOffset returns the byte offset of the checksum field within a
// serialized header of this shape, or -1 if checksums are disabled.
func ChecksumOffset(f Fields, d Dialect, cfg Config) int {
	if !cfg.UseChecksums {
		return -1
	}
	return f.Type.Len(d, cfg) - checksumSize
}
