package journal

import (
	"context"
	"fmt"
)

// WaitOnSeq queues cont on the buffer carrying seq (or seq's predecessor,
// if seq is the entry immediately before cur_seq and still unwritten).
// It returns immediately and never forces a write.
//
// seq must be <= CurSeq; violating this precondition is a programmer bug
// and panics.
func (j *Journal) WaitOnSeq(seq uint64, cont *Continuation) error {
	cur := j.curSeq.Load()
	if seq > cur {
		panic(fmt.Sprintf("journal: WaitOnSeq(%d): seq > cur_seq (%d)", seq, cur))
	}

	if seq <= j.lastSeqOndisk.Load() {
		cont.resolve(nil)

		return nil
	}

	j.mu.Lock()

	if j.Error() {
		j.mu.Unlock()
		cont.resolve(ErrIO)

		return nil
	}

	idx := j.state.load().idx()

	var buf *JournalBuf

	switch seq {
	case cur:
		buf = j.bufs[idx]
	case cur - 1:
		buf = j.bufs[1-idx]
	}

	if buf == nil {
		j.mu.Unlock()

		if seq <= j.lastSeqOndisk.Load() {
			cont.resolve(nil)

			return nil
		}

		return fmt.Errorf("journal: wait_on_seq: seq %d is neither durable nor in either live buffer (cur=%d)", seq, cur)
	}

	buf.addWaiter(cont)
	j.mu.Unlock()

	return nil
}

// FlushSeqAsync is like WaitOnSeq but additionally forces the entry
// carrying seq out: it sets NEED_WRITE and triggers buf_switch.
func (j *Journal) FlushSeqAsync(seq uint64, cont *Continuation) error {
	if err := j.WaitOnSeq(seq, cont); err != nil {
		return err
	}

	j.forceSwitch()

	return nil
}

func (j *Journal) forceSwitch() {
	j.mu.Lock()

	result, err := j.bufSwitch(true)
	if err != nil || result != entrySwitchUnlocked {
		j.mu.Unlock()
	}
}

// FlushSeq synchronously waits until seq is durable. If ctx is canceled
// before seq becomes durable, FlushSeq returns ErrCanceled without
// consuming any pin. Returns
// ErrIO if the journal enters the halted state first.
func (j *Journal) FlushSeq(ctx context.Context, seq uint64) error {
	cont := NewContinuation(nil)

	if err := j.FlushSeqAsync(seq, cont); err != nil {
		return err
	}

	select {
	case <-cont.done:
		if cont.err != nil {
			return cont.err
		}

		if j.Error() {
			return ErrIO
		}

		return nil
	case <-ctx.Done():
		return ErrCanceled
	}
}

// MetaAsync reserves a minimum-sized no-op entry, releases it, then
// arranges for its seq to flush, guaranteeing some entry makes progress
// even with nothing else pending.
func (j *Journal) MetaAsync(ctx context.Context, cont *Continuation) error {
	t, err := j.ResGet(ctx, 1, 1)
	if err != nil {
		return err
	}

	j.WriteKeys(t, []uint64{0})
	seq := t.Seq
	j.ResPut(t)

	return j.FlushSeqAsync(seq, cont)
}

// Meta is the synchronous form of MetaAsync.
func (j *Journal) Meta(ctx context.Context) error {
	cont := NewContinuation(nil)
	if err := j.MetaAsync(ctx, cont); err != nil {
		return err
	}

	select {
	case <-cont.done:
		return cont.err
	case <-ctx.Done():
		return ErrCanceled
	}
}

// FlushAsync flushes the currently open entry if any, else the last
// opened one.
func (j *Journal) FlushAsync(cont *Continuation) error {
	return j.FlushSeqAsync(j.curSeq.Load(), cont)
}

// Flush is the synchronous form of FlushAsync.
func (j *Journal) Flush(ctx context.Context) error {
	return j.FlushSeq(ctx, j.curSeq.Load())
}

// InodeJournalSeq returns the highest seq whose has_inode bitmap is set
// for inode's hash, or 0 if neither live buffer has it set. Used by fsync
// to pick a flush target without scanning keys.
func (j *Journal) InodeJournalSeq(inode uint64) uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	idx := j.state.load().idx()
	cur := j.curSeq.Load()

	var best uint64

	if j.bufs[idx].hasInodeBit(inode) {
		best = cur
	}

	if cur > 0 && j.bufs[1-idx].hasInodeBit(inode) {
		if prev := cur - 1; prev > best {
			best = prev
		}
	}

	return best
}

// OpenSeqAsync resolves cont once seq has been opened (i.e. CurSeq >= seq).
// Used by the btree-insertion layer to wait for a specific entry to exist
// before referencing it.
func (j *Journal) OpenSeqAsync(seq uint64, cont *Continuation) {
	if j.curSeq.Load() >= seq {
		cont.resolve(nil)

		return
	}

	// Polling is adequate here: opening a new seq is rare relative to
	// wakeAll's broadcast frequency, and this keeps OpenSeqAsync lock-free.
	go func() {
		for j.curSeq.Load() < seq {
			wait := j.waitChan()
			select {
			case <-wait:
			case <-j.stopCh:
				cont.resolve(ErrClosed)

				return
			}
		}

		cont.resolve(nil)
	}()
}
