package journal

import (
	"fmt"
	"sort"
	"strings"
)

// Dump renders the journal's internal state as newline-delimited
// key:value pairs, in the spirit of bcachefs's journal debugfs file.
// Intended for humans and cmd/journalctl, not parsing.
func (j *Journal) Dump() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := j.state.load()

	var b strings.Builder

	fmt.Fprintf(&b, "cur_seq:\t\t%d\n", j.curSeq.Load())
	fmt.Fprintf(&b, "last_seq_ondisk:\t%d\n", j.lastSeqOndisk.Load())
	fmt.Fprintf(&b, "last_seq (pin):\t\t%d\n", j.pins.LastSeq())
	fmt.Fprintf(&b, "halted:\t\t\t%v\n", j.Error())
	fmt.Fprintf(&b, "need_write:\t\t%v\n", j.needWrite.Load())
	fmt.Fprintf(&b, "cur_entry_u64s:\t\t%d\n", j.curEntryU64s.Load())
	fmt.Fprintf(&b, "reservation.offset:\t%d\n", s.offset())
	fmt.Fprintf(&b, "reservation.count[0]:\t%d\n", s.count(0))
	fmt.Fprintf(&b, "reservation.count[1]:\t%d\n", s.count(1))
	fmt.Fprintf(&b, "reservation.idx:\t%d\n", s.idx())
	fmt.Fprintf(&b, "reservation.closed:\t%v\n", s.closed())
	fmt.Fprintf(&b, "reservation.prev_unwritten:\t%v\n", s.prevUnwritten())

	stats := j.stats.Snapshot()
	fmt.Fprintf(&b, "blocked.count:\t\t%d\n", stats.Count)
	fmt.Fprintf(&b, "blocked.total_ns:\t%d\n", stats.TotalNs)
	fmt.Fprintf(&b, "blocked.max_ns:\t\t%d\n", stats.MaxNs)

	devs := make([]int, 0, len(j.devices))
	for dev := range j.devices {
		devs = append(devs, dev)
	}

	sort.Ints(devs)

	for _, dev := range devs {
		d := j.devices[dev]
		fmt.Fprintf(&b, "dev[%d].nr:\t\t%d\n", dev, d.nr())

		if d.nr() > 0 {
			fmt.Fprintf(&b, "dev[%d].cur:\t\tbucket=%d seq=%d off=%d\n", dev, d.buckets[d.curIdx], d.bucketSeq[d.curIdx], d.writeOff)
			fmt.Fprintf(&b, "dev[%d].last:\t\tbucket=%d seq=%d\n", dev, d.buckets[d.lastIdx], d.bucketSeq[d.lastIdx])
		}
	}

	return b.String()
}

// PrintPins renders the pin fifo's live slots, one line per seq with a
// nonzero refcount.
func (j *Journal) PrintPins() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	var b strings.Builder

	for i := 0; i < j.pins.count; i++ {
		seq := j.pins.base + uint64(i)

		s := j.pins.slotFor(seq)
		if s == nil || s.refcount == 0 {
			continue
		}

		fmt.Fprintf(&b, "seq=%d refcount=%d on_disk=%v active=%d flushed=%d\n",
			s.seq, s.refcount, s.onDisk, len(s.active), len(s.flushed))
	}

	if b.Len() == 0 {
		return "(no live pins)\n"
	}

	return b.String()
}
