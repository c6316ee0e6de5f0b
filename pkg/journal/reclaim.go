package journal

import (
	"context"
	"time"
)

// reclaimLoop is the background reclaim_work: it runs periodically (not
// only when kicked synchronously from the reservation slow path) and
// drives per-device bucket release via the allocator.
func (j *Journal) reclaimLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.reclaimDelay())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.reclaimWork(context.Background())
		case <-j.stopCh:
			return
		}
	}
}

// reclaimWork advances last_seq and, per device, releases buckets whose
// highest written seq is now below last_seq_ondisk back to the allocator.
// Devices whose highest bucket seq exceeds GlobalSweepThreshold get a full
// sweep instead of incremental release, a non-contractual tuning
// heuristic.
func (j *Journal) reclaimWork(ctx context.Context) {
	lastOndisk := j.lastSeqOndisk.Load()

	j.mu.Lock()
	j.pins.markOnDisk(lastOndisk)
	j.pins.reclaimFast(lastOndisk)

	type release struct {
		dev    int
		bucket uint64
	}

	var toRelease []release

	for dev, d := range j.devices {
		before := d.lastIdx
		d.reclaimPastLastSeqOndisk(lastOndisk)

		if d.nr() == 0 {
			continue
		}

		sweep := d.bucketSeq[d.curIdx] > j.cfg.GlobalSweepThreshold

		if sweep {
			for i := 0; i < d.nr(); i++ {
				if d.bucketSeq[i] != 0 && d.bucketSeq[i] <= lastOndisk {
					toRelease = append(toRelease, release{dev, d.buckets[i]})
				}
			}
		} else {
			for i := before; i != d.lastIdx; i = (i + 1) % d.nr() {
				toRelease = append(toRelease, release{dev, d.buckets[i]})
			}
		}
	}
	j.mu.Unlock()

	for _, r := range toRelease {
		j.alloc.OpenBucketPut(r.dev, r.bucket)
	}

	j.wakeAll()
}

// PinAdd registers pin, keeping entry seq from reclamation until PinDrop
// is called. seq must be <= CurSeq.
func (j *Journal) PinAdd(seq uint64, flushCb FlushCallback) (*Pin, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	p := &Pin{flushCb: flushCb}
	if err := j.pins.pinAdd(seq, p); err != nil {
		return nil, err
	}

	return p, nil
}

// PinDrop releases p. If the entry is already durable and this was the
// last live reference, the registered flush callback runs exactly once.
func (j *Journal) PinDrop(p *Pin) {
	j.mu.Lock()
	cb, seq := j.pins.pinDrop(p)
	j.pins.reclaimFast(j.lastSeqOndisk.Load())
	j.mu.Unlock()

	if cb != nil {
		cb(seq)
	}

	j.wakeAll()
}
