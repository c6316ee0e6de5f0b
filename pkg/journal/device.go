package journal

import (
	"context"
	"fmt"
)

// deviceJournal is one device's circular log of journal buckets. All
// methods assume the caller holds Journal.mu.
type deviceJournal struct {
	dev        int
	buckets    []uint64 // bucket numbers, in ring order
	bucketSeq  []uint64 // bucketSeq[i] = highest seq written into buckets[i]
	curIdx     int      // bucket currently being written
	lastIdx    int      // oldest bucket whose seq > last_seq_ondisk
	writeOff   int      // byte offset already used within buckets[curIdx]
	bucketSize int
}

func newDeviceJournal(dev, bucketSize int) *deviceJournal {
	return &deviceJournal{dev: dev, bucketSize: bucketSize}
}

func (d *deviceJournal) nr() int { return len(d.buckets) }

// fits reports whether an entry of n bytes fits in the remainder of the
// current bucket without crossing a bucket boundary: an entry must fit
// contiguously in one bucket.
func (d *deviceJournal) fits(n int) bool {
	if d.nr() == 0 {
		return false
	}

	return d.writeOff+n <= d.bucketSize
}

// advance moves to the next bucket in the ring, wrapping, and resets the
// write offset. Returns an error if the ring has no buckets or would wrap
// onto a bucket still required (i.e. the ring is full of live data).
func (d *deviceJournal) advance(lastSeqOndisk uint64) error {
	if d.nr() == 0 {
		return fmt.Errorf("%w: dev %d has no journal buckets", ErrNoSpace, d.dev)
	}

	next := (d.curIdx + 1) % d.nr()
	if next == d.lastIdx && d.bucketSeq[d.lastIdx] > lastSeqOndisk {
		return fmt.Errorf("%w: dev %d journal ring full", ErrNoSpace, d.dev)
	}

	d.curIdx = next
	d.writeOff = 0

	return nil
}

// markWritten records that the current bucket now holds data up through
// seq, and advances the write offset by n bytes.
func (d *deviceJournal) markWritten(seq uint64, n int) {
	d.bucketSeq[d.curIdx] = seq
	d.writeOff += n
}

// reclaimPastLastSeqOndisk advances lastIdx past any buckets whose
// recorded seq is now <= lastSeqOndisk.
func (d *deviceJournal) reclaimPastLastSeqOndisk(lastSeqOndisk uint64) {
	for d.nr() > 0 && d.lastIdx != d.curIdx && d.bucketSeq[d.lastIdx] != 0 && d.bucketSeq[d.lastIdx] <= lastSeqOndisk {
		d.lastIdx = (d.lastIdx + 1) % d.nr()
	}
}

// devJournalAlloc chooses dev's initial bucket count, clamped to
// [MinJournalBuckets, min(MaxJournalBuckets, 512MB/bucketSize)].
func devJournalAlloc(cfg Config) int {
	cap512 := (512 * 1024 * 1024) / cfg.BucketSize
	maxN := cfg.MaxJournalBuckets

	if cap512 < maxN {
		maxN = cap512
	}

	if maxN < cfg.MinJournalBuckets {
		return cfg.MinJournalBuckets
	}

	return maxN
}

// setNrJournalBuckets expands dev's ring to n buckets, acquiring each new
// bucket from alloc and inserting it at the tail (position lastIdx).
// Shrinking is not supported. Assumes Journal.mu is held.
func (j *Journal) setNrJournalBuckets(ctx context.Context, dev int, n int) error {
	d := j.devices[dev]
	if n <= d.nr() {
		return nil
	}

	for d.nr() < n {
		bucket, err := j.alloc.BucketAlloc(ctx, dev, true, nil)
		if err != nil {
			return wrapErr("set_nr_journal_buckets", 0, dev, err)
		}

		insertAt := d.lastIdx
		d.buckets = insertSlice(d.buckets, insertAt, bucket)
		d.bucketSeq = insertSlice(d.bucketSeq, insertAt, 0)

		if d.curIdx >= insertAt {
			d.curIdx++
		}

		if d.lastIdx >= insertAt {
			d.lastIdx++
		}

		d.lastIdx = insertAt // new bucket becomes the new tail

		j.alloc.MarkMetadataBucket(dev, bucket)
	}

	if j.sb != nil {
		if _, err := j.sb.ResizeJournal(dev, d.nr()); err != nil {
			return wrapErr("set_nr_journal_buckets", 0, dev, err)
		}

		if err := j.sb.WriteSuper(ctx); err != nil {
			return wrapErr("set_nr_journal_buckets", 0, dev, err)
		}
	}

	return nil
}

func insertSlice[T any](s []T, at int, v T) []T {
	s = append(s, v)
	copy(s[at+1:], s[at:len(s)-1])
	s[at] = v

	return s
}
