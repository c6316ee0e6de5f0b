package journal

import "fmt"

// FlushCallback runs exactly once, when a pinned entry's refcount drops to
// zero after the entry is already on disk.
type FlushCallback func(seq uint64)

// Pin is an opaque token returned by PinAdd. Callers must eventually call
// PinDrop exactly once per Pin.
type Pin struct {
	seq      uint64
	flushCb  FlushCallback
	dropped  bool
	acquired bool
}

// pinSlot is one ring entry: the refcount and lists for a single live seq.
type pinSlot struct {
	seq         uint64
	refcount    int32
	active      []*Pin
	flushed     []*Pin
	devs        map[int]bool
	onDisk      bool
	valid       bool // false for blacklist placeholder slots not yet assigned a real entry
}

// PinFifo is the ring buffer of pin-lists: a slot per live sequence
// number, indexed by seq modulo the ring's capacity. All methods assume
// the caller holds Journal.mu — the pin fifo shares the journal's single
// spinlock.
type PinFifo struct {
	slots   []pinSlot
	base    uint64 // seq of slots[0]
	lastSeq uint64 // oldest slot with nonzero refcount
	count   int    // number of valid, unconsumed slots
}

func newPinFifo(size int) *PinFifo {
	return &PinFifo{slots: make([]pinSlot, size)}
}

func (f *PinFifo) idx(seq uint64) int {
	return int(seq % uint64(len(f.slots)))
}

// full reports whether the ring has no room for a new slot at seq.
func (f *PinFifo) full() bool {
	return f.count >= len(f.slots)
}

// openSlot allocates the slot for seq with an initial refcount of 1 (the
// implicit "this entry is open" reference). seq must be exactly
// f.base+f.count, i.e. the next slot in order.
func (f *PinFifo) openSlot(seq uint64) error {
	if f.full() {
		return fmt.Errorf("pin fifo full at seq %d", seq)
	}

	if f.count == 0 && f.base == 0 && f.lastSeq == 0 {
		f.base = seq
		f.lastSeq = seq
	}

	want := f.base + uint64(f.count)
	if seq != want {
		return fmt.Errorf("pin fifo out of order: got seq %d, want %d", seq, want)
	}

	i := f.idx(seq)
	f.slots[i] = pinSlot{seq: seq, refcount: 1, valid: true, devs: map[int]bool{}}
	f.count++

	return nil
}

// preload fills empty placeholder slots (refcount 0, no pins) up to and
// including upTo, used by Start to skip past blacklisted ranges.
func (f *PinFifo) preload(upTo uint64) {
	if f.count == 0 {
		f.base = 1
		f.lastSeq = 1
	}

	for f.base+uint64(f.count) <= upTo && !f.full() {
		seq := f.base + uint64(f.count)
		f.slots[f.idx(seq)] = pinSlot{seq: seq, refcount: 0, valid: true, devs: map[int]bool{}}
		f.count++
	}
}

func (f *PinFifo) slotFor(seq uint64) *pinSlot {
	if seq < f.base || seq >= f.base+uint64(f.count) {
		return nil
	}

	s := &f.slots[f.idx(seq)]
	if s.seq != seq || !s.valid {
		return nil
	}

	return s
}

// pinAdd increments seq's refcount and links pin onto its active list.
func (f *PinFifo) pinAdd(seq uint64, p *Pin) error {
	s := f.slotFor(seq)
	if s == nil {
		return fmt.Errorf("pin fifo: no slot for seq %d", seq)
	}

	s.refcount++
	s.active = append(s.active, p)
	p.seq = seq
	p.acquired = true

	return nil
}

// pinDrop decrements p's seq's refcount. If the entry is already on disk
// and refcount reaches zero, it moves to the flushed list and the caller
// is told to run the flush callback (returned as readyCb, non-nil).
func (f *PinFifo) pinDrop(p *Pin) (readyCb FlushCallback, readySeq uint64) {
	if p.dropped || !p.acquired {
		return nil, 0
	}

	p.dropped = true

	s := f.slotFor(p.seq)
	if s == nil {
		return nil, 0
	}

	s.refcount--
	s.active = removePin(s.active, p)

	if s.refcount == 0 && s.onDisk {
		s.flushed = append(s.flushed, p)

		return p.flushCb, p.seq
	}

	return nil, 0
}

// releaseOpenRef drops the implicit "entry is open" reference openSlot
// added for seq, once the entry's write to disk has completed. Safe to
// call even if the slot has already been fully reclaimed.
func (f *PinFifo) releaseOpenRef(seq uint64) {
	s := f.slotFor(seq)
	if s == nil || s.refcount == 0 {
		return
	}

	s.refcount--
}

func removePin(list []*Pin, p *Pin) []*Pin {
	for i, v := range list {
		if v == p {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}

// markOnDisk marks every slot with seq <= lastSeqOndisk as on-disk. Any
// slot whose refcount is already zero and not yet reclaimed becomes
// eligible for reclaimFast.
func (f *PinFifo) markOnDisk(lastSeqOndisk uint64) {
	for i := 0; i < f.count; i++ {
		s := &f.slots[f.idx(f.base+uint64(i))]
		if s.valid && s.seq <= lastSeqOndisk {
			s.onDisk = true
		}
	}
}

// reclaimFast pops slots from the head while they have zero refcount and
// are already on disk, advancing lastSeq and f.base. Returns the seqs
// popped, in order, so the caller can run their flush callbacks outside
// the lock if desired (callbacks readied by pinDrop are run by PinDrop
// itself; reclaimFast only advances bookkeeping).
func (f *PinFifo) reclaimFast(lastSeqOndisk uint64) []uint64 {
	var popped []uint64

	for f.count > 0 {
		s := &f.slots[f.idx(f.base)]
		if !s.valid || s.refcount != 0 || s.seq > lastSeqOndisk {
			break
		}

		popped = append(popped, s.seq)
		f.base++
		f.count--

		if f.count > 0 {
			f.lastSeq = f.slots[f.idx(f.base)].seq
		} else {
			f.lastSeq = f.base
		}
	}

	return popped
}

// LastSeq returns the oldest seq with a live pin.
func (f *PinFifo) LastSeq() uint64 { return f.lastSeq }
