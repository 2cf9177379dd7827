package header

// putUintLE writes the low width*8 bits of v into dst (which must have
// length width) in little-endian order. Widths used by the header codec
// (1, 2, 3, 4, 6 bytes for LocalID/Length/RangeID/NodeID/Epoch/Version/
// Timestamp/Chaining) don't all line up with encoding's fixed-width
// helpers, so the codec carries its own small arbitrary-width LE pair.
func putUintLE(dst []byte, v uint64, width int) {
	for i := 0; i < width; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

// getUintLE reads a width-byte little-endian unsigned integer from src.
func getUintLE(src []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}
