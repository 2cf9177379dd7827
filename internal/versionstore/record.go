package versionstore

import "github.com/hhu-bsinfo/dxlog/internal/encoding"

// recordSize is the fixed width of one version-log record: LocalID (8) +
// epoch (2) + counter (4) + tombstone flag (1).
const recordSize = 8 + 2 + 4 + 1

const tombstoneFlag = 0x01

func encodeRecord(dst []byte, localID uint64, v versionRecord, tombstone bool) {
	encoding.EncodeFixed64(dst[0:8], localID)
	encoding.EncodeFixed16(dst[8:10], v.epoch)
	encoding.EncodeFixed32(dst[10:14], v.counter)
	flag := byte(0)
	if tombstone {
		flag = tombstoneFlag
	}
	dst[14] = flag
}

func decodeRecord(src []byte) (localID uint64, v versionRecord, tombstone bool) {
	localID = encoding.DecodeFixed64(src[0:8])
	v.epoch = encoding.DecodeFixed16(src[8:10])
	v.counter = encoding.DecodeFixed32(src[10:14])
	tombstone = src[14]&tombstoneFlag != 0
	return
}
