package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// reservePerBtreeU64s is the per-btree root/prio-pointer reserve a
// reservation must leave free.
const reservePerBtreeU64s = 32

// SeqRange is a [Start,End] inclusive seq range to skip on replay.
type SeqRange struct {
	Start, End uint64
}

// Journal is the write-ahead journal core. The zero value is not usable;
// construct with New.
type Journal struct {
	cfg Config

	state resAtom

	mu          sync.Mutex // the journal "spinlock": guards bufs, pins, devices
	bufs        [2]*JournalBuf
	pins        *PinFifo
	devices     map[int]*deviceJournal
	bufSizeWant int

	curSeq        atomic.Uint64
	lastSeqOndisk atomic.Uint64
	curEntryU64s  atomic.Uint32
	needWrite     atomic.Bool

	wakeMu sync.Mutex
	wake   chan struct{}

	writeTimer *time.Timer

	dispatch chan int // buffer index ready for the writer driver

	alloc  Allocator
	sb     SuperblockIO
	ext    ExtentLayer
	writer DeviceWriter

	stats BlockedStats

	blacklist []SeqRange

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	started atomic.Bool
	halted  atomic.Bool
	haltErr atomic.Pointer[error]

	blockSize uint32
}

// New constructs a Journal. The journal is not usable until Start returns.
func New(cfg Config, alloc Allocator, sb SuperblockIO, ext ExtentLayer, writer DeviceWriter) *Journal {
	j := &Journal{
		cfg:       cfg,
		pins:      newPinFifo(cfg.PinFifoSize),
		devices:   map[int]*deviceJournal{},
		alloc:     alloc,
		sb:        sb,
		ext:       ext,
		writer:    writer,
		wake:      make(chan struct{}),
		dispatch:  make(chan int, 2),
		stopCh:    make(chan struct{}),
		blockSize: 512,
	}
	j.bufs[0] = newJournalBuf(cfg.MinBufSize)
	j.bufs[1] = newJournalBuf(cfg.MinBufSize)
	j.bufSizeWant = cfg.MinBufSize
	j.state.store(packState(offsetClosed, 0, false, 0, 0))

	return j
}

// wakeAll signals every waiter parked on the journal wait queue. Must be
// called with mu NOT held (callers typically call it right after
// unlocking).
func (j *Journal) wakeAll() {
	j.wakeMu.Lock()
	close(j.wake)
	j.wake = make(chan struct{})
	j.wakeMu.Unlock()
}

func (j *Journal) waitChan() <-chan struct{} {
	j.wakeMu.Lock()
	defer j.wakeMu.Unlock()

	return j.wake
}

// Error reports whether the journal has latched into the halted state.
func (j *Journal) Error() bool { return j.halted.Load() }

// CurSeq returns the newest opened sequence number.
func (j *Journal) CurSeq() uint64 { return j.curSeq.Load() }

// LastSeqOndisk returns the oldest sequence number still required on disk.
func (j *Journal) LastSeqOndisk() uint64 { return j.lastSeqOndisk.Load() }

// LastSeq returns the oldest sequence number with a live pin.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.pins.LastSeq()
}

// AddDevice registers dev as a journal-capable device with its own ring.
// Must be called before Start.
func (j *Journal) AddDevice(dev int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.devices[dev] = newDeviceJournal(dev, j.cfg.BucketSize)
}

func blacklistUpperBound(ranges []SeqRange) uint64 {
	var max uint64

	for _, r := range ranges {
		if r.End > max {
			max = r.End
		}
	}

	return max
}

// Start brings the journal up: computes the blacklist bound, preloads the
// pin fifo past it, allocates each device's initial bucket ring, opens the
// bookkeeping for the first real entry, and kicks the background reclaim
// and writer-driver loops.
func (j *Journal) Start(ctx context.Context, blacklist []SeqRange) error {
	if j.started.Swap(true) {
		return fmt.Errorf("journal: already started")
	}

	j.blacklist = blacklist

	for dev, d := range j.devices {
		n := devJournalAlloc(j.cfg)

		for i := 0; i < n; i++ {
			bucket, err := j.alloc.BucketAllocNewFS(dev)
			if err != nil {
				return wrapErr("start", 0, dev, err)
			}

			d.buckets = append(d.buckets, bucket)
			d.bucketSeq = append(d.bucketSeq, 0)
		}
	}

	upTo := blacklistUpperBound(blacklist)

	j.mu.Lock()
	j.pins.preload(upTo)
	firstSeq := j.pins.base + uint64(j.pins.count)

	if err := j.pins.openSlot(firstSeq); err != nil {
		j.mu.Unlock()

		return fmt.Errorf("journal: start: %w", err)
	}

	j.curSeq.Store(firstSeq)
	j.state.store(packState(offsetClosed, 0, false, 0, 0))
	j.mu.Unlock()

	j.wg.Add(2)
	go j.writerLoop()
	go j.reclaimLoop()

	return nil
}

// Stop waits for any in-flight write to finish, cancels pending timers,
// and releases background goroutines.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	j.wg.Wait()

	j.mu.Lock()
	if j.writeTimer != nil {
		j.writeTimer.Stop()
	}
	j.mu.Unlock()
}

// Halt transitions the journal into the permanently erroring state.
// Waiters already queued on either buffer are resolved with err (ErrIO
// when err is nil); all subsequent reservations and waiters get ErrIO.
// Reclaim keeps running so already-acquired resources are still released.
func (j *Journal) Halt(err error) {
	if err == nil {
		err = ErrIO
	}

	if j.halted.Swap(true) {
		return
	}

	j.haltErr.Store(&err)
	j.state.store(errorState)

	j.mu.Lock()
	b0, b1 := j.bufs[0], j.bufs[1]
	j.mu.Unlock()

	b0.notifyWaiters(err)
	b1.notifyWaiters(err)
	j.wakeAll()
}
