package journal

import "testing"

func Test_PinFifo_OpenSlot_RequiresInOrderSeq(t *testing.T) {
	t.Parallel()

	f := newPinFifo(4)

	if err := f.openSlot(5); err != nil {
		t.Fatalf("first openSlot establishes base: %v", err)
	}

	if err := f.openSlot(5); err == nil {
		t.Fatal("openSlot with a repeated seq must error")
	}

	if err := f.openSlot(7); err == nil {
		t.Fatal("openSlot out of order must error")
	}

	if err := f.openSlot(6); err != nil {
		t.Fatalf("openSlot(6) after openSlot(5): %v", err)
	}
}

func Test_PinFifo_Full_When_RingExhausted(t *testing.T) {
	t.Parallel()

	f := newPinFifo(2)

	if err := f.openSlot(1); err != nil {
		t.Fatal(err)
	}

	if err := f.openSlot(2); err != nil {
		t.Fatal(err)
	}

	if !f.full() {
		t.Fatal("full() = false after filling every slot")
	}

	if err := f.openSlot(3); err == nil {
		t.Fatal("openSlot on a full ring must error")
	}
}

func Test_PinFifo_PinAdd_PinDrop_FlushCallback_RunsOnceOnDisk(t *testing.T) {
	t.Parallel()

	f := newPinFifo(4)
	if err := f.openSlot(1); err != nil {
		t.Fatal(err)
	}

	p := &Pin{}
	if err := f.pinAdd(1, p); err != nil {
		t.Fatalf("pinAdd: %v", err)
	}

	// openSlot already took the implicit "entry open" reference, plus our
	// pinAdd: refcount is 2. Dropping our pin while the implicit ref is
	// still held must not ready the callback, even once on disk.
	f.markOnDisk(1)

	cb, seq := f.pinDrop(p)
	if cb != nil {
		t.Fatal("pinDrop must not ready a flush callback while refcount > 0 (implicit ref still held)")
	}

	if seq != 0 {
		t.Fatalf("pinDrop returned seq %d before ready, want 0", seq)
	}

	// A synthesized pin adds its own reference (refcount 1 -> 2), so
	// dropping it brings refcount back to 1: openSlot's implicit ref is
	// still held and nothing flushes yet.
	implicit := &Pin{seq: 1, acquired: true}
	f.slotFor(1).active = append(f.slotFor(1).active, implicit)
	f.slotFor(1).refcount++

	cb, seq = f.pinDrop(implicit)
	if cb != nil || seq != 0 {
		t.Fatalf("dropping the implicit pin alone must not flush yet: cb=%v seq=%d", cb, seq)
	}

	// Once the open ref is released, dropping the last pin readies its
	// callback exactly once.
	calls := 0
	last := &Pin{flushCb: func(uint64) { calls++ }}

	if err := f.pinAdd(1, last); err != nil {
		t.Fatalf("pinAdd: %v", err)
	}

	f.releaseOpenRef(1)

	cb, seq = f.pinDrop(last)
	if cb == nil || seq != 1 {
		t.Fatalf("dropping the last pin on disk: cb=nil? %v seq=%d, want a callback for seq 1", cb == nil, seq)
	}

	cb(seq)

	if cb, _ := f.pinDrop(last); cb != nil {
		t.Fatal("a second pinDrop of the same pin must not ready the callback again")
	}

	if calls != 1 {
		t.Fatalf("flush callback ran %d times, want 1", calls)
	}
}

func Test_PinFifo_ReclaimFast_AdvancesBaseOnlyWhenEmptyAndOnDisk(t *testing.T) {
	t.Parallel()

	f := newPinFifo(4)

	if err := f.openSlot(1); err != nil {
		t.Fatal(err)
	}

	if err := f.openSlot(2); err != nil {
		t.Fatal(err)
	}

	p1 := &Pin{}
	if err := f.pinAdd(1, p1); err != nil {
		t.Fatal(err)
	}

	// seq 1 still has a live ref (the implicit one from openSlot); reclaim
	// must not advance past it even once marked on disk.
	f.markOnDisk(2)

	if popped := f.reclaimFast(2); len(popped) != 0 {
		t.Fatalf("reclaimFast popped %v while seq 1 still has a live ref", popped)
	}

	// Drop every reference to seq 1.
	f.pinDrop(p1)
	f.slotFor(1).refcount-- // drop openSlot's implicit ref directly for this unit test

	// seq 2 still holds openSlot's implicit ref, so only seq 1 is popped.
	popped := f.reclaimFast(2)
	if len(popped) != 1 || popped[0] != 1 {
		t.Fatalf("reclaimFast popped %v, want [1]", popped)
	}

	if f.base != 2 || f.count != 1 {
		t.Fatalf("after reclaiming seq 1: base=%d count=%d, want base=2 count=1", f.base, f.count)
	}
}

func Test_PinFifo_Preload_SkipsBlacklistedRange(t *testing.T) {
	t.Parallel()

	f := newPinFifo(8)
	f.preload(3)

	if f.count != 3 {
		t.Fatalf("preload(3) set count=%d, want 3", f.count)
	}

	if err := f.openSlot(4); err != nil {
		t.Fatalf("openSlot(4) after preload(3): %v", err)
	}
}
