package journal

import "context"

// Allocator is the external extent/bucket allocator the journal calls
// into to acquire new journal buckets. Implemented outside this package;
// see pkg/journal/devsim for a simulated backend used in tests and the
// journalctl demo.
type Allocator interface {
	// BucketAlloc reserves one free bucket on dev for journal use. If wait
	// is non-nil and no bucket is immediately free, the allocator may
	// resolve wait instead of blocking the caller.
	BucketAlloc(ctx context.Context, dev int, reserve bool, wait *Continuation) (bucket uint64, err error)

	// OpenBucketPut releases a reference taken by BucketAlloc once the
	// bucket has been fully written and its ownership has transferred to
	// the per-device journal ring.
	OpenBucketPut(dev int, bucket uint64)

	// BucketAllocNewFS allocates the very first journal bucket on dev
	// during mkfs/Start, when no prior journal layout exists.
	BucketAllocNewFS(dev int) (bucket uint64, err error)

	// MarkMetadataBucket records that bucket on dev now holds journal
	// metadata, for the allocator's own free-space accounting.
	MarkMetadataBucket(dev int, bucket uint64)
}

// SuperblockIO is the external superblock layer. The journal reads and
// writes its device-ring layout through it so the layout survives
// restarts.
type SuperblockIO interface {
	// ResizeJournal grows the persisted bucket-number field for dev to
	// hold count buckets, returning an opaque handle to the field.
	ResizeJournal(dev int, count int) (field any, err error)

	// WriteSuper durably persists the current superblock state.
	WriteSuper(ctx context.Context) error

	// NrJournalBuckets returns how many bucket numbers are persisted in
	// field.
	NrJournalBuckets(field any) int

	// GetJournal returns the persisted bucket-number field for dev, or
	// nil if dev has no journal yet.
	GetJournal(dev int) any
}

// ExtentLayer is the external extent layer, consulted when a device is
// dropped from an entry's replication set.
type ExtentLayer interface {
	ExtentHasDevice(key BucketRef, dev int) bool
	ExtentDropDevice(key BucketRef, dev int) BucketRef
}

// DeviceWriter submits one closed buffer's bytes to a device's current
// journal bucket. Implementations own the actual I/O (file, block device,
// io_uring, ...); the journal only needs completion or error.
type DeviceWriter interface {
	// WriteBucket writes data at offset bytes into the given bucket on
	// dev, returning once the write has been submitted and acknowledged
	// (durable per the device's own write-through policy). Multiple
	// entries may land in the same bucket at increasing offsets.
	WriteBucket(ctx context.Context, dev int, bucket uint64, offset int, data []byte) error

	// BucketSize reports dev's fixed journal bucket size in bytes, used
	// to decide whether an entry fits in the current bucket or whether
	// cur_idx must advance.
	BucketSize(dev int) int

	// Devices returns the indices of devices currently writable (rw),
	// in the order the writer driver should target them.
	Devices() []int
}
