package journal

import (
	"context"
	"fmt"
	"time"
)

// writerLoop is the background writer driver: it takes closed buffers off
// the dispatch channel, selects the current rw devices, and writes the
// entry to each device's current journal bucket.
func (j *Journal) writerLoop() {
	defer j.wg.Done()

	for {
		select {
		case idx := <-j.dispatch:
			j.writeBuffer(idx)
		case <-j.stopCh:
			// Drain any buffer already queued before exiting.
			select {
			case idx := <-j.dispatch:
				j.writeBuffer(idx)
			default:
			}

			return
		}
	}
}

func (j *Journal) writeBuffer(idx int) {
	buf := j.bufs[idx]

	seq := buf.header.Seq
	n := buf.header.U64s
	data := buf.bytes(n)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		targets []BucketRef
		anyOK   bool
		lastErr error
	)

	for _, dev := range j.writer.Devices() {
		ref, err := j.writeToDevice(ctx, dev, seq, data)
		if err != nil {
			lastErr = err

			if j.ext != nil {
				j.ext.ExtentDropDevice(BucketRef{Dev: dev}, dev)
			}

			continue
		}

		targets = append(targets, ref)
		anyOK = true
	}

	j.mu.Lock()
	buf.key = targets
	j.mu.Unlock()

	if !anyOK {
		j.Halt(wrapErr("writer", seq, -1, fmt.Errorf("%w: %w", ErrIO, lastErr)))
		buf.notifyWaiters(ErrIO)
		j.wakeAll()

		return
	}

	j.advanceLastSeqOndisk(seq)

	j.mu.Lock()
	j.pins.markOnDisk(j.lastSeqOndisk.Load())
	j.pins.releaseOpenRef(seq)

	for _, dev := range j.writer.Devices() {
		if d := j.devices[dev]; d != nil {
			d.reclaimPastLastSeqOndisk(j.lastSeqOndisk.Load())
		}
	}

	j.pins.reclaimFast(j.lastSeqOndisk.Load())
	j.mu.Unlock()

	j.clearPrevUnwritten()

	buf.notifyWaiters(nil)
	j.wakeAll()
}

// writeToDevice writes data to dev's current journal bucket, advancing to
// the next bucket first if the entry doesn't fit in the remainder of the
// current one: an entry must fit contiguously in one bucket. A device
// with no room, or that has been dropped from the writer's rw set
// mid-write, returns an error without affecting other devices.
func (j *Journal) writeToDevice(ctx context.Context, dev int, seq uint64, data []byte) (BucketRef, error) {
	j.mu.Lock()
	d := j.devices[dev]
	if d == nil {
		j.mu.Unlock()

		return BucketRef{}, wrapErr("write", seq, dev, ErrNoSpace)
	}

	if !d.fits(len(data)) {
		if err := d.advance(j.lastSeqOndisk.Load()); err != nil {
			j.mu.Unlock()

			return BucketRef{}, wrapErr("write", seq, dev, err)
		}
	}

	bucket := d.buckets[d.curIdx]
	offset := d.writeOff
	d.markWritten(seq, len(data))
	j.mu.Unlock()

	if err := j.writer.WriteBucket(ctx, dev, bucket, offset, data); err != nil {
		return BucketRef{}, wrapErr("write", seq, dev, err)
	}

	return BucketRef{Dev: dev, Bucket: bucket}, nil
}

// advanceLastSeqOndisk monotonically publishes the new last_seq_ondisk.
func (j *Journal) advanceLastSeqOndisk(seq uint64) {
	for {
		cur := j.lastSeqOndisk.Load()
		if seq <= cur {
			return
		}

		if j.lastSeqOndisk.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// clearPrevUnwritten clears the prev_buf_unwritten bit once the writer
// driver finishes writing out the previous buffer.
func (j *Journal) clearPrevUnwritten() {
	for {
		s := j.state.load()
		if !s.prevUnwritten() {
			return
		}

		next := packState(s.offset(), s.idx(), false, s.count(0), s.count(1))
		if j.state.cas(s, next) {
			return
		}
	}
}
