// Package checksum computes the payload checksum used by log entry headers.
//
// The engine uses CRC-32 (Castagnoli) over payload bytes only — the header
// itself is never covered, so a header can be reparsed even if the payload
// that follows it is corrupt.
package checksum

import "hash/crc32"

// table is the Castagnoli polynomial table, matching the teacher engine's
// CRC32C table selection for on-disk checksums.
var table = crc32.MakeTable(crc32.Castagnoli)

// Value computes the CRC-32C checksum of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Verify reports whether data matches the given checksum.
func Verify(data []byte, want uint32) bool {
	return Value(data) == want
}
