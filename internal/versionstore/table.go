// Package versionstore implements the per-backup-range version store
// (§4.3): an in-memory open-addressing hash table mapping LocalID to
// Version, backed by an append-only on-disk version log so the table can
// be rebuilt during recovery.
package versionstore

import "github.com/zeebo/xxh3"

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotTombstone
)

type slot struct {
	localID uint64
	version versionRecord
	state   slotState
}

type versionRecord struct {
	epoch   uint16
	counter uint32
}

// table is an open-addressing hash table with linear probing, hashed with
// xxh3 (the same hashing dependency the teacher's go.mod already carries
// for its own hash-table idiom).
type table struct {
	slots []slot
	count int // used, excludes tombstones
}

func newTable(initialCapacity int) *table {
	if initialCapacity < 16 {
		initialCapacity = 16
	}
	return &table{slots: make([]slot, nextPow2(initialCapacity))}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hashLocalID(localID uint64) uint64 {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(localID >> (8 * i))
	}
	return xxh3.Hash(b[:])
}

func (t *table) get(localID uint64) (versionRecord, bool) {
	mask := uint64(len(t.slots) - 1)
	idx := hashLocalID(localID) & mask
	for i := 0; i < len(t.slots); i++ {
		s := &t.slots[idx]
		switch s.state {
		case slotEmpty:
			return versionRecord{}, false
		case slotUsed:
			if s.localID == localID {
				return s.version, true
			}
		}
		idx = (idx + 1) & mask
	}
	return versionRecord{}, false
}

func (t *table) put(localID uint64, v versionRecord) {
	if t.count*2 >= len(t.slots) {
		t.grow()
	}
	mask := uint64(len(t.slots) - 1)
	idx := hashLocalID(localID) & mask
	var firstTombstone = -1
	for i := 0; i < len(t.slots); i++ {
		s := &t.slots[idx]
		switch s.state {
		case slotEmpty:
			target := idx
			if firstTombstone >= 0 {
				target = uint64(firstTombstone)
			}
			t.slots[target] = slot{localID: localID, version: v, state: slotUsed}
			t.count++
			return
		case slotTombstone:
			if firstTombstone < 0 {
				firstTombstone = int(idx)
			}
		case slotUsed:
			if s.localID == localID {
				s.version = v
				return
			}
		}
		idx = (idx + 1) & mask
	}
	// Table was full of tombstones; grow and retry.
	t.grow()
	t.put(localID, v)
}

func (t *table) delete(localID uint64) {
	mask := uint64(len(t.slots) - 1)
	idx := hashLocalID(localID) & mask
	for i := 0; i < len(t.slots); i++ {
		s := &t.slots[idx]
		switch s.state {
		case slotEmpty:
			return
		case slotUsed:
			if s.localID == localID {
				s.state = slotTombstone
				t.count--
				return
			}
		}
		idx = (idx + 1) & mask
	}
}

func (t *table) grow() {
	old := t.slots
	t.slots = make([]slot, len(old)*2)
	t.count = 0
	for _, s := range old {
		if s.state == slotUsed {
			t.put(s.localID, s.version)
		}
	}
}

// forEach iterates every live entry. Order is unspecified.
func (t *table) forEach(fn func(localID uint64, v versionRecord)) {
	for _, s := range t.slots {
		if s.state == slotUsed {
			fn(s.localID, s.version)
		}
	}
}
