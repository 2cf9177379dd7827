package header

// ToSecondary produces the secondary-dialect Fields equivalent of a
// primary-dialect Fields value (§4.2 primary->secondary conversion,
// logical/typed form). RangeID is dropped (implied by which secondary log
// the entry lands in); NodeID survives only when the entry is migrated.
func (f Fields) ToSecondary() Fields {
	out := f
	out.RangeID = 0
	if !f.Type.Migrated {
		out.NodeID = 0
	}
	return out
}

// ConvertBytes performs the same conversion at the byte level, directly
// on ring-shaped buffers, matching §4.2's description: write the Type
// byte, then copy the tail of the primary header starting at
// conversion_offset (NodeID offset if migrated, LocalID offset
// otherwise), then append the payload verbatim. This is the wrap-aware
// entry point exercised by the write buffer drainer when flushing
// straight to a secondary log.
//
// srcOff/srcBytesUntilEnd locate the primary header (of primaryHeaderLen
// bytes) within srcBuf; dstOff/dstBytesUntilEnd locate where the
// converted secondary header should be written within dstBuf. The
// payload (payloadLen bytes, immediately following the primary header in
// srcBuf) is copied unchanged after the converted header.
func ConvertBytes(
	dstBuf []byte, dstOff, dstBytesUntilEnd int,
	srcBuf []byte, srcOff, srcBytesUntilEnd int,
	primaryHeaderLen, payloadLen int,
) (convertedLen int) {
	typeByte := ringRead(srcBuf, srcOff, 1, srcBytesUntilEnd)[0]
	t := DecodeType(typeByte)

	migratedOff, nonMigratedOff := t.conversionOffset()
	convOff := nonMigratedOff
	if t.Migrated {
		convOff = migratedOff
	}

	cur, curUntilEnd := advance(srcOff, srcBytesUntilEnd, 1, len(srcBuf))
	skip := convOff - 1 // bytes between Type and the conversion start point
	cur, curUntilEnd = advance(cur, curUntilEnd, skip, len(srcBuf))

	tailLen := primaryHeaderLen - convOff
	tail := ringRead(srcBuf, cur, tailLen, curUntilEnd)

	dOff, dUntilEnd := dstOff, dstBytesUntilEnd
	ringWrite(dstBuf, dOff, []byte{typeByte}, dUntilEnd)
	dOff, dUntilEnd = advance(dOff, dUntilEnd, 1, len(dstBuf))
	ringWrite(dstBuf, dOff, tail, dUntilEnd)
	dOff, dUntilEnd = advance(dOff, dUntilEnd, tailLen, len(dstBuf))

	payload := ringRead(srcBuf, cur, payloadLen+tailLen, curUntilEnd)[tailLen:]
	ringWrite(dstBuf, dOff, payload, dUntilEnd)

	return 1 + tailLen + payloadLen
}
