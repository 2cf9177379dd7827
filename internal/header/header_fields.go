package header

// Chaining describes a large-chunk split: payload exceeding half a segment
// is broken into ChainSize parts, each entry carrying its own ChainIndex
// (0-based) so recovery can reassemble them in order (§4.6, §8 property 7).
type Chaining struct {
	ChainIndex uint8
	ChainSize  uint8
}

// Fields is the fully decoded form of one log entry header, independent of
// dialect — dialect only controls which of these are physically present.
type Fields struct {
	Type Type

	RangeID uint16 // primary only
	NodeID  uint16 // primary always; secondary only when Type.Migrated
	LocalID uint64 // width given by Type.LocalIDWidth

	// Length is the payload length; 0 (and Type.LengthWidth == 0) means
	// "same size as the previous version of this CID" and the caller must
	// resolve the actual length externally.
	Length uint32

	Timestamp uint32 // seconds since init; present iff Config.UseTimestamps
	Epoch     uint16
	Version   uint32 // 0 (Type.VersionWidth == 0) means "1"

	Chaining Chaining // present iff Type.Chained

	Checksum uint32 // CRC-32 over payload; present iff Config.UseChecksums
}

// EffectiveVersion returns f.Version with the "0 means 1" convention
// resolved.
func (f Fields) EffectiveVersion() uint32 {
	if f.Type.VersionWidth == 0 {
		return 1
	}
	return f.Version
}
