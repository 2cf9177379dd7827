package header

import (
	"math/rand"
	"testing"
)

func roundTripCase(t *testing.T, f Fields, d Dialect, cfg Config) {
	t.Helper()
	buf, err := Serialize(f, d, cfg)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	wantLen := f.Type.Len(d, cfg)
	if len(buf) != wantLen {
		t.Fatalf("Serialize len = %d, want %d", len(buf), wantLen)
	}

	got, n, err := Parse(buf, 0, len(buf), d, cfg)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n != wantLen {
		t.Errorf("Parse consumed %d bytes, want %d", n, wantLen)
	}

	if got.Type != f.Type {
		t.Errorf("Type mismatch: got %+v, want %+v", got.Type, f.Type)
	}
	if d == Primary {
		if got.RangeID != f.RangeID {
			t.Errorf("RangeID = %d, want %d", got.RangeID, f.RangeID)
		}
		if got.NodeID != f.NodeID {
			t.Errorf("NodeID = %d, want %d", got.NodeID, f.NodeID)
		}
	} else if f.Type.Migrated {
		if got.NodeID != f.NodeID {
			t.Errorf("NodeID = %d, want %d", got.NodeID, f.NodeID)
		}
	}
	if got.LocalID != f.LocalID {
		t.Errorf("LocalID = %d, want %d", got.LocalID, f.LocalID)
	}
	if f.Type.LengthWidth > 0 && got.Length != f.Length {
		t.Errorf("Length = %d, want %d", got.Length, f.Length)
	}
	if cfg.UseTimestamps && got.Timestamp != f.Timestamp {
		t.Errorf("Timestamp = %d, want %d", got.Timestamp, f.Timestamp)
	}
	if got.Epoch != f.Epoch {
		t.Errorf("Epoch = %d, want %d", got.Epoch, f.Epoch)
	}
	if f.Type.VersionWidth > 0 && got.Version != f.Version {
		t.Errorf("Version = %d, want %d", got.Version, f.Version)
	}
	if f.Type.Chained && got.Chaining != f.Chaining {
		t.Errorf("Chaining = %+v, want %+v", got.Chaining, f.Chaining)
	}
	if cfg.UseChecksums && got.Checksum != f.Checksum {
		t.Errorf("Checksum = %d, want %d", got.Checksum, f.Checksum)
	}
}

func TestRoundTripPrimaryDefault(t *testing.T) {
	f := Fields{
		Type:    Type{LocalIDWidth: 6, LengthWidth: 2, VersionWidth: 2},
		RangeID: 7,
		NodeID:  0xBEEF,
		LocalID: 0x0000_0000_03E8,
		Length:  64,
		Epoch:   1,
		Version: 42,
	}
	roundTripCase(t, f, Primary, Config{UseChecksums: true, UseTimestamps: false})
}

func TestRoundTripPrimaryWithTimestamp(t *testing.T) {
	f := Fields{
		Type:      Type{LocalIDWidth: 4, LengthWidth: 1, VersionWidth: 1},
		RangeID:   3,
		NodeID:    2,
		LocalID:   123456,
		Length:    200,
		Timestamp: 1_700_000_000,
		Epoch:     9,
		Version:   5,
	}
	roundTripCase(t, f, Primary, Config{UseChecksums: true, UseTimestamps: true})
}

func TestRoundTripSecondaryMigrated(t *testing.T) {
	f := Fields{
		Type:    Type{LocalIDWidth: 2, LengthWidth: 1, VersionWidth: 2, Migrated: true},
		NodeID:  99,
		LocalID: 7777,
		Length:  30,
		Epoch:   2,
		Version: 1000,
	}
	roundTripCase(t, f, Secondary, Config{UseChecksums: false, UseTimestamps: false})
}

func TestRoundTripSecondaryNotMigrated(t *testing.T) {
	f := Fields{
		Type:    Type{LocalIDWidth: 1, LengthWidth: 0, VersionWidth: 0},
		LocalID: 5,
		Epoch:   0,
	}
	roundTripCase(t, f, Secondary, Config{UseChecksums: false, UseTimestamps: false})
}

func TestRoundTripChained(t *testing.T) {
	f := Fields{
		Type:     Type{LocalIDWidth: 6, LengthWidth: 3, VersionWidth: 4, Chained: true},
		RangeID:  1,
		NodeID:   1,
		LocalID:  0xAABBCCDDEEFF,
		Length:   1 << 20,
		Epoch:    5,
		Version:  100000,
		Chaining: Chaining{ChainIndex: 3, ChainSize: 13},
	}
	roundTripCase(t, f, Primary, Config{UseChecksums: true, UseTimestamps: true})
}

func TestTypeEncodeInvalidWidth(t *testing.T) {
	_, err := Type{LocalIDWidth: 3}.Encode()
	if err == nil {
		t.Errorf("expected error for invalid LocalID width")
	}
}

func TestParseWrapAroundEntirelyWithinBuffer(t *testing.T) {
	f := Fields{
		Type:    Type{LocalIDWidth: 4, LengthWidth: 1, VersionWidth: 1},
		RangeID: 1, NodeID: 1, LocalID: 42, Length: 10, Epoch: 1, Version: 1,
	}
	cfg := Config{UseChecksums: true}
	raw, err := Serialize(f, Primary, cfg)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	ring := make([]byte, 64)
	off := 10
	copy(ring[off:], raw)

	got, n, err := Parse(ring, off, len(ring)-off, Primary, cfg)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("n = %d, want %d", n, len(raw))
	}
	if got.LocalID != 42 || got.Length != 10 {
		t.Errorf("got %+v", got)
	}
}

func TestParseWrapAroundBisectedAtWrap(t *testing.T) {
	f := Fields{
		Type:    Type{LocalIDWidth: 4, LengthWidth: 1, VersionWidth: 1},
		RangeID: 2, NodeID: 3, LocalID: 99999, Length: 77, Epoch: 4, Version: 8,
	}
	cfg := Config{UseChecksums: true}
	raw, err := Serialize(f, Primary, cfg)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	ringSize := len(raw) + 5
	ring := make([]byte, ringSize)
	bisectPoint := ringSize - 3 // header straddles the wrap after 3 bytes
	off := bisectPoint
	bytesUntilEnd := ringSize - off

	firstPart := raw[:bytesUntilEnd]
	secondPart := raw[bytesUntilEnd:]
	copy(ring[off:], firstPart)
	copy(ring[:len(secondPart)], secondPart)

	got, n, err := Parse(ring, off, bytesUntilEnd, Primary, cfg)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("n = %d, want %d", n, len(raw))
	}
	if got.LocalID != 99999 || got.Length != 77 || got.NodeID != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestParseWrapAroundStartPastWrap(t *testing.T) {
	f := Fields{
		Type:    Type{LocalIDWidth: 2, LengthWidth: 1, VersionWidth: 1},
		RangeID: 1, NodeID: 1, LocalID: 55, Length: 12, Epoch: 1, Version: 1,
	}
	cfg := Config{}
	raw, err := Serialize(f, Primary, cfg)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	ringSize := len(raw) + 20
	ring := make([]byte, ringSize)
	off := 0 // logically already past the wrap point
	copy(ring[off:], raw)

	got, n, err := Parse(ring, off, ringSize-off, Primary, cfg)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n != len(raw) || got.LocalID != 55 {
		t.Errorf("got %+v, n=%d", got, n)
	}
}

func TestConvertBytesNonMigratedDropsRangeAndNode(t *testing.T) {
	primary := Fields{
		Type:    Type{LocalIDWidth: 4, LengthWidth: 1, VersionWidth: 1},
		RangeID: 9, NodeID: 5, LocalID: 777, Length: 16, Epoch: 2, Version: 3,
	}
	cfg := Config{}
	raw, err := Serialize(primary, Primary, cfg)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	payload := []byte("0123456789abcdef")
	src := append(append([]byte{}, raw...), payload...)

	dst := make([]byte, len(src)+16)
	n := ConvertBytes(dst, 0, len(dst), src, 0, len(src), len(raw), len(payload))

	got, hn, err := Parse(dst, 0, len(dst), Secondary, cfg)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.LocalID != 777 || got.Length != 16 {
		t.Errorf("got %+v", got)
	}
	if got.NodeID != 0 {
		t.Errorf("expected NodeID dropped for non-migrated entry, got %d", got.NodeID)
	}
	gotPayload := dst[hn : n]
	if string(gotPayload) != string(payload) {
		t.Errorf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestConvertBytesMigratedKeepsNode(t *testing.T) {
	primary := Fields{
		Type:     Type{LocalIDWidth: 2, LengthWidth: 1, VersionWidth: 1, Migrated: true},
		RangeID:  4, NodeID: 88, LocalID: 321, Length: 8, Epoch: 1, Version: 1,
	}
	cfg := Config{}
	raw, err := Serialize(primary, Primary, cfg)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	payload := []byte("abcdefgh")
	src := append(append([]byte{}, raw...), payload...)

	dst := make([]byte, len(src)+8)
	ConvertBytes(dst, 0, len(dst), src, 0, len(src), len(raw), len(payload))

	got, _, err := Parse(dst, 0, len(dst), Secondary, cfg)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.NodeID != 88 {
		t.Errorf("NodeID = %d, want 88", got.NodeID)
	}
	if got.LocalID != 321 {
		t.Errorf("LocalID = %d, want 321", got.LocalID)
	}
}

func TestFieldsToSecondaryLogical(t *testing.T) {
	f := Fields{Type: Type{Migrated: false}, RangeID: 5, NodeID: 9, LocalID: 1}
	sec := f.ToSecondary()
	if sec.RangeID != 0 || sec.NodeID != 0 {
		t.Errorf("expected RangeID/NodeID dropped, got %+v", sec)
	}

	fm := Fields{Type: Type{Migrated: true}, RangeID: 5, NodeID: 9, LocalID: 1}
	secM := fm.ToSecondary()
	if secM.NodeID != 9 {
		t.Errorf("expected NodeID kept for migrated entry, got %+v", secM)
	}
}

func TestEffectiveVersionDefaultsToOne(t *testing.T) {
	f := Fields{Type: Type{VersionWidth: 0}}
	if f.EffectiveVersion() != 1 {
		t.Errorf("got %d, want 1", f.EffectiveVersion())
	}
}

func TestRandomRoundTrips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	lidWidths := []int{1, 2, 4, 6}
	lengthWidths := []int{0, 1, 2, 3}
	versionWidths := []int{0, 1, 2, 4}

	for i := 0; i < 200; i++ {
		ty := Type{
			LocalIDWidth: lidWidths[rng.Intn(4)],
			LengthWidth:  lengthWidths[rng.Intn(4)],
			VersionWidth: versionWidths[rng.Intn(4)],
			Migrated:     rng.Intn(2) == 1,
			Chained:      rng.Intn(2) == 1,
		}
		cfg := Config{UseChecksums: rng.Intn(2) == 1, UseTimestamps: rng.Intn(2) == 1}
		d := Primary
		if rng.Intn(2) == 1 {
			d = Secondary
		}
		maskBits := func(v uint64, width int) uint64 {
			if width >= 8 {
				return v
			}
			return v & ((uint64(1) << (uint(width) * 8)) - 1)
		}
		f := Fields{
			Type:      ty,
			RangeID:   uint16(rng.Intn(1 << 16)),
			NodeID:    uint16(rng.Intn(1 << 16)),
			LocalID:   maskBits(rng.Uint64(), ty.LocalIDWidth),
			Length:    uint32(maskBits(uint64(rng.Uint32()), ty.LengthWidth)),
			Timestamp: rng.Uint32(),
			Epoch:     uint16(rng.Intn(1 << 16)),
			Version:   uint32(maskBits(uint64(rng.Uint32()), ty.VersionWidth)),
			Chaining:  Chaining{ChainIndex: uint8(rng.Intn(256)), ChainSize: uint8(rng.Intn(256))},
			Checksum:  rng.Uint32(),
		}
		roundTripCase(t, f, d, cfg)
	}
}
