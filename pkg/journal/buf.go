package journal

import "sync"

// inodeBitmapWords is the width of JournalBuf.hasInode: 256 buckets hashed
// from an inode number, wide enough to make false positives rare without
// scanning the buffer's keys.
const inodeBitmapWords = 4

// JournalBuf is one of the two rotating in-memory buffers.
// While open, reservation holders each write into their own disjoint
// [offset, offset+u64s) range of body; once closed, body is immutable
// until the writer driver has finished dispatching it and it is reset for
// reuse.
type JournalBuf struct {
	mu sync.Mutex // guards everything below except body's reserved byte ranges

	body []uint64 // capacity elements; body[:jsetHeaderU64s] holds the header once finalized
	size int      // current capacity in u64 units (power of two)

	header jsetHeader

	diskSectors  int
	hasInode     [inodeBitmapWords]uint64
	waiters      []*Continuation
	key          []BucketRef
	lastSeqStamp uint64 // last_seq stamped into the header at close time
}

func newJournalBuf(minSize int) *JournalBuf {
	b := &JournalBuf{}
	b.reset(minSize)

	return b
}

// reset clears a buffer for reuse as the next open entry, at capacity
// size (in bytes; converted to u64 units here).
func (b *JournalBuf) reset(sizeBytes int) {
	u64s := sizeBytes / 8
	if cap(b.body) >= u64s {
		b.body = b.body[:u64s]

		for i := range b.body {
			b.body[i] = 0
		}
	} else {
		b.body = make([]uint64, u64s)
	}

	b.size = u64s
	b.header = jsetHeader{}
	b.diskSectors = 0
	b.hasInode = [inodeBitmapWords]uint64{}
	b.waiters = nil
	b.key = nil
	b.lastSeqStamp = 0
}

// grow reallocates body to newSizeBytes, preserving the first
// jsetHeaderU64s×8 bytes. Growth is opportunistic and only happens at
// buf_switch, never while an entry is open.
func (b *JournalBuf) grow(newSizeBytes int) {
	u64s := newSizeBytes / 8
	if u64s <= b.size {
		return
	}

	next := make([]uint64, u64s)
	copy(next, b.body)
	b.body = next
	b.size = u64s
}

// writeAt copies vals into the ticket's reserved range. Callers must own a
// valid, unreleased Ticket for this buffer and must not write outside
// [t.Offset, t.Offset+t.U64s).
func (b *JournalBuf) writeAt(t *Ticket, vals []uint64) {
	copy(b.body[t.Offset:t.Offset+t.U64s], vals)
}

// markInode sets the presence bit for inode's hash while the buffer is
// still open.
func (b *JournalBuf) markInode(inode uint64) {
	h := hashInode(inode)
	word, bit := h/64, h%64

	b.mu.Lock()
	b.hasInode[word] |= 1 << bit
	b.mu.Unlock()
}

func (b *JournalBuf) hasInodeBit(inode uint64) bool {
	h := hashInode(inode)
	word, bit := h/64, h%64

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.hasInode[word]&(1<<bit) != 0
}

func hashInode(inode uint64) uint64 {
	// fnv-1a style mix, wide enough to spread across the bitmap width.
	h := inode ^ 0xcbf29ce484222325
	h *= 0x100000001b3

	return h % (inodeBitmapWords * 64)
}

// addWaiter registers a continuation to be resolved when this buffer's
// write completes or fails.
func (b *JournalBuf) addWaiter(c *Continuation) {
	b.mu.Lock()
	b.waiters = append(b.waiters, c)
	b.mu.Unlock()
}

// notifyWaiters resolves and clears all registered waiters exactly once.
func (b *JournalBuf) notifyWaiters(err error) {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, w := range waiters {
		w.resolve(err)
	}
}

// finalizeHeader stamps u64s, lastSeq and seq into the header at close
// time, per the close-time stamping decision in SPEC_FULL.md.
func (b *JournalBuf) finalizeHeader(seq uint64, u64sUsed uint32, lastSeq uint64, blockSize uint32) {
	b.header = jsetHeader{
		Magic:     jsetMagic,
		Seq:       seq,
		LastSeq:   lastSeq,
		U64s:      u64sUsed,
		Version:   1,
		BlockSize: blockSize,
	}
	b.lastSeqStamp = lastSeq
	copy(b.body[:jsetHeaderU64s], encodeHeader(b.header))
}

func encodeHeader(h jsetHeader) []uint64 {
	return []uint64{h.Magic, h.CSum, h.Seq, h.LastSeq, uint64(h.U64s)<<32 | uint64(h.Version), uint64(h.BlockSize)}
}

// bytes returns the first n u64 units of body as a little-endian byte
// slice, ready for DeviceWriter.WriteBucket.
func (b *JournalBuf) bytes(n uint32) []byte {
	out := make([]byte, int(n)*8)

	for i := 0; i < int(n); i++ {
		v := b.body[i]
		for j := range 8 {
			out[i*8+j] = byte(v >> (8 * j))
		}
	}

	return out
}
