package journal

import "sync/atomic"

// resState is the packed reservation-state word: a single machine word
// carrying the offset into the open entry (or a CLOSED/ERROR sentinel),
// which of the two buffers is current, whether the other buffer is still
// being written out, and a separate active-reservation count per buffer
// index. The two counts are tracked independently because a buffer being
// closed (draining its outstanding reservations toward the writer) and
// the newly-opened buffer (accepting fresh reservations) are always two
// different buffers at once; collapsing them into one shared count loses
// whichever buffer's count isn't "current" at the moment of the switch.
//
// All reservation-state transitions are compare-and-swap on this word; it
// is never locked.
type resState uint64

const (
	offsetBits = 32
	offsetMask = 1<<offsetBits - 1

	// offsetClosed and offsetError are sentinel values for the offset
	// field, both out of range for any real cur_entry_u64s.
	offsetClosed = offsetMask - 1
	offsetError  = offsetMask

	idxShift  = offsetBits
	idxMask   = 1 << idxShift
	prevShift = offsetBits + 1
	prevMask  = 1 << prevShift

	// count0Shift and count1Shift locate buf[0]'s and buf[1]'s
	// reservation counts, each countBits wide. 32 (offset) + 1 (idx) + 1
	// (prevUnwritten) + 15 + 15 = 64.
	countBits   = 15
	countMask   = 1<<countBits - 1
	count0Shift = offsetBits + 2
	count1Shift = count0Shift + countBits
)

func packState(offset uint32, idx uint8, prevUnwritten bool, count0, count1 uint32) resState {
	var s uint64

	s |= uint64(offset) & offsetMask
	if idx != 0 {
		s |= idxMask
	}

	if prevUnwritten {
		s |= prevMask
	}

	s |= (uint64(count0) & countMask) << count0Shift
	s |= (uint64(count1) & countMask) << count1Shift

	return resState(s)
}

func (s resState) offset() uint32 { return uint32(s) & offsetMask }
func (s resState) idx() uint8 {
	if uint64(s)&idxMask != 0 {
		return 1
	}

	return 0
}
func (s resState) prevUnwritten() bool { return uint64(s)&prevMask != 0 }

// count returns the active-reservation count for buffer idx (0 or 1).
func (s resState) count(idx uint8) uint32 {
	if idx == 0 {
		return uint32(uint64(s)>>count0Shift) & countMask
	}

	return uint32(uint64(s)>>count1Shift) & countMask
}
func (s resState) closed() bool  { return s.offset() == offsetClosed }
func (s resState) errored() bool { return s.offset() == offsetError }

// withCountDelta returns s with buf[idx]'s count adjusted by delta (may be
// negative), leaving offset, idx and prevUnwritten untouched.
func (s resState) withCountDelta(idx uint8, delta int32) resState {
	c0, c1 := s.count(0), s.count(1)

	if idx == 0 {
		c0 = uint32(int32(c0) + delta)
	} else {
		c1 = uint32(int32(c1) + delta)
	}

	return packState(s.offset(), s.idx(), s.prevUnwritten(), c0, c1)
}

// resAtom is the atomic cell holding a resState.
type resAtom struct {
	v atomic.Uint64
}

func (a *resAtom) load() resState { return resState(a.v.Load()) }

func (a *resAtom) store(s resState) { a.v.Store(uint64(s)) }

func (a *resAtom) cas(old, new resState) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(new))
}

// errorState is the fixed resState the atom is set to on Halt: no buffer is
// open, no reservation can be taken, and the sentinel is absorbing.
var errorState = packState(offsetError, 0, false, 0, 0)
