// Package devsim is a file-backed simulated block device backend for
// pkg/journal: it implements journal.Allocator, journal.SuperblockIO,
// journal.ExtentLayer, and journal.DeviceWriter against real files on
// disk, so the journal core is exercisable end to end without a real
// copy-on-write filesystem underneath it.
package devsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coalescefs/journal/internal/blockio"
	"github.com/coalescefs/journal/pkg/journal"
)

// Device is one simulated journal device: a single file on disk, carved
// into fixed-size buckets.
type Device struct {
	path       string
	bucketSize int

	mu   sync.Mutex
	file blockio.File
	lock *blockio.Lock
}

func newDevice(path string, bucketSize int) *Device {
	return &Device{path: path, bucketSize: bucketSize}
}

// open acquires an exclusive flock on path+".lock" before opening the
// backing file, so two Backends can never be attached to the same device
// concurrently, mirroring how the real filesystem claims a block device at
// mount time.
func (d *Device) open(fsys blockio.FS, locker *blockio.Locker) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file != nil {
		return nil
	}

	lock, err := locker.TryLock(d.path + ".lock")
	if err != nil {
		return fmt.Errorf("devsim: lock device %q: %w", d.path, err)
	}

	f, err := fsys.OpenFile(d.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		lock.Close()

		return fmt.Errorf("devsim: open device %q: %w", d.path, err)
	}

	d.file = f
	d.lock = lock

	return nil
}

func (d *Device) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}

	err := d.file.Close()
	d.file = nil

	if d.lock != nil {
		if lockErr := d.lock.Close(); lockErr != nil && err == nil {
			err = lockErr
		}

		d.lock = nil
	}

	return err
}

// grow extends the backing file so it holds at least nrBuckets buckets.
func (d *Device) grow(nrBuckets uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	want := int64(nrBuckets) * int64(d.bucketSize)

	info, err := d.file.Stat()
	if err != nil {
		return fmt.Errorf("devsim: stat device %q: %w", d.path, err)
	}

	if info.Size() >= want {
		return nil
	}

	if err := os.Truncate(d.path, want); err != nil {
		return fmt.Errorf("devsim: grow device %q: %w", d.path, err)
	}

	return nil
}

// writeAt writes data at byte offset within bucket, using pwrite so
// concurrent writes to other buckets on the same device never race.
func (d *Device) writeAt(bucket uint64, offset int, data []byte) error {
	d.mu.Lock()
	fd := int(d.file.Fd())
	d.mu.Unlock()

	if offset+len(data) > d.bucketSize {
		return fmt.Errorf("devsim: write of %d bytes at offset %d overflows bucket size %d", len(data), offset, d.bucketSize)
	}

	at := int64(bucket)*int64(d.bucketSize) + int64(offset)

	return blockio.PwriteAt(fd, data, at)
}

// superBucketField is the persisted per-device journal layout, the
// simulated analog of the real superblock's journal bucket array.
type superBucketField struct {
	Buckets []uint64 `json:"buckets"`
}

// superblock is the whole on-disk layout document, written atomically.
type superblock struct {
	Devices map[int]*superBucketField `json:"devices"`
	Next    map[int]uint64            `json:"next_bucket"`
}

// Backend wires a set of simulated devices into the journal's four
// external collaborator interfaces. Its superblock state is persisted
// durably via blockio.Real.WriteFileAtomic (natefinch/atomic underneath),
// matching how the real superblock would survive a crash mid-resize. Each
// device is flock'd exclusively for the lifetime of the Backend that
// attached it.
type Backend struct {
	fsys   blockio.Real
	locker *blockio.Locker
	writer *blockio.AtomicWriter

	mu         sync.Mutex
	devices    map[int]*Device
	free       map[int][]uint64
	metadata   map[int]map[uint64]bool
	droppedSet map[journal.BucketRef]map[int]bool
	sb         superblock
	sbPath     string
}

// New creates a Backend whose superblock is persisted at sbPath. Each
// device's backing file path is passed to AddDevice.
func New(sbPath string) *Backend {
	b := &Backend{
		devices:  map[int]*Device{},
		free:     map[int][]uint64{},
		metadata: map[int]map[uint64]bool{},
		sb: superblock{
			Devices: map[int]*superBucketField{},
			Next:    map[int]uint64{},
		},
		sbPath: sbPath,
	}
	b.locker = blockio.NewLocker(&b.fsys)
	b.writer = blockio.NewAtomicWriter(&b.fsys)

	return b
}

// metadataManifestPath returns where dev's durable metadata-bucket manifest
// lives, next to the shared superblock.
func (b *Backend) metadataManifestPath(dev int) string {
	return filepath.Join(filepath.Dir(b.sbPath), fmt.Sprintf("dev%d.metadata.json", dev))
}

// writeMetadataManifestLocked durably persists dev's metadata bucket set via
// AtomicWriter, a write-temp-fsync-rename primitive distinct from the
// natefinch/atomic path the superblock itself uses.
func (b *Backend) writeMetadataManifestLocked(dev int) error {
	buckets := make([]uint64, 0, len(b.metadata[dev]))
	for bucket := range b.metadata[dev] {
		buckets = append(buckets, bucket)
	}

	sort.Slice(buckets, func(i, k int) bool { return buckets[i] < buckets[k] })

	data, err := json.Marshal(buckets)
	if err != nil {
		return fmt.Errorf("devsim: marshal metadata manifest for dev %d: %w", dev, err)
	}

	if err := os.MkdirAll(filepath.Dir(b.sbPath), 0o755); err != nil {
		return fmt.Errorf("devsim: mkdir for metadata manifest: %w", err)
	}

	return b.writer.WriteWithDefaults(b.metadataManifestPath(dev), bytes.NewReader(data))
}

// AddDevice registers dev with a backing file at path, carved into
// bucketSize-byte buckets.
func (b *Backend) AddDevice(dev int, path string, bucketSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := newDevice(path, bucketSize)
	if err := d.open(&b.fsys, b.locker); err != nil {
		return err
	}

	b.devices[dev] = d
	if _, ok := b.sb.Devices[dev]; !ok {
		b.sb.Devices[dev] = &superBucketField{}
	}

	return nil
}

// Close releases every device's backing file handle.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error

	for _, d := range b.devices {
		if err := d.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// --- journal.Allocator ---

// BucketAlloc reserves one bucket on dev, preferring a freed one. The
// simulated allocator never actually blocks, so wait (if given) is simply
// unused: a real allocator backed by a free-space tree would resolve it
// instead of returning synchronously when no bucket is immediately free.
func (b *Backend) BucketAlloc(_ context.Context, dev int, _ bool, _ *journal.Continuation) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if free := b.free[dev]; len(free) > 0 {
		bucket := free[len(free)-1]
		b.free[dev] = free[:len(free)-1]

		return bucket, nil
	}

	d, ok := b.devices[dev]
	if !ok {
		return 0, fmt.Errorf("devsim: unknown device %d", dev)
	}

	bucket := b.sb.Next[dev]
	b.sb.Next[dev] = bucket + 1

	if err := d.grow(bucket + 1); err != nil {
		return 0, err
	}

	return bucket, nil
}

// OpenBucketPut returns bucket to dev's free list.
func (b *Backend) OpenBucketPut(dev int, bucket uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.free[dev] = append(b.free[dev], bucket)
}

// BucketAllocNewFS allocates a fresh bucket for dev during Start.
func (b *Backend) BucketAllocNewFS(dev int) (uint64, error) {
	return b.BucketAlloc(context.Background(), dev, true, nil)
}

// MarkMetadataBucket records that bucket on dev holds journal metadata and
// durably persists the updated manifest. The journal.Allocator interface
// has no error return here, so a manifest write failure is best-effort; the
// in-memory mark always takes effect.
func (b *Backend) MarkMetadataBucket(dev int, bucket uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metadata[dev] == nil {
		b.metadata[dev] = map[uint64]bool{}
	}

	b.metadata[dev][bucket] = true

	_ = b.writeMetadataManifestLocked(dev)
}

// MetadataBuckets returns the persisted metadata-bucket manifest for dev, by
// reading it back off disk rather than the in-memory map.
func (b *Backend) MetadataBuckets(dev int) ([]uint64, error) {
	data, err := os.ReadFile(b.metadataManifestPath(dev))
	if err != nil {
		return nil, fmt.Errorf("devsim: read metadata manifest for dev %d: %w", dev, err)
	}

	var buckets []uint64
	if err := json.Unmarshal(data, &buckets); err != nil {
		return nil, fmt.Errorf("devsim: unmarshal metadata manifest for dev %d: %w", dev, err)
	}

	return buckets, nil
}

// --- journal.SuperblockIO ---

// ResizeJournal grows dev's persisted bucket list to count entries,
// appending newly-allocated bucket numbers.
func (b *Backend) ResizeJournal(dev int, count int) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	field, ok := b.sb.Devices[dev]
	if !ok {
		field = &superBucketField{}
		b.sb.Devices[dev] = field
	}

	for len(field.Buckets) < count {
		bucket := b.sb.Next[dev]
		b.sb.Next[dev] = bucket + 1
		field.Buckets = append(field.Buckets, bucket)
	}

	return field, nil
}

// WriteSuper durably persists the superblock via a temp-file-and-rename.
func (b *Backend) WriteSuper(_ context.Context) error {
	b.mu.Lock()
	data, err := json.MarshalIndent(b.sb, "", "  ")
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("devsim: marshal superblock: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.sbPath), 0o755); err != nil {
		return fmt.Errorf("devsim: mkdir for superblock: %w", err)
	}

	return b.fsys.WriteFileAtomic(b.sbPath, data)
}

// NrJournalBuckets returns how many buckets field holds.
func (b *Backend) NrJournalBuckets(field any) int {
	f, ok := field.(*superBucketField)
	if !ok || f == nil {
		return 0
	}

	return len(f.Buckets)
}

// GetJournal returns dev's persisted bucket field, or nil.
func (b *Backend) GetJournal(dev int) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	field, ok := b.sb.Devices[dev]
	if !ok {
		return nil
	}

	return field
}

// --- journal.ExtentLayer ---

// ExtentHasDevice reports whether key's replication set still names dev.
// The simulated layer tracks no real extents, so it always reports true
// until ExtentDropDevice removes dev.
func (b *Backend) ExtentHasDevice(key journal.BucketRef, dev int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return !b.dropped(key, dev)
}

// ExtentDropDevice records that dev is no longer part of key's
// replication set, simulating what the real extent layer would persist
// when a device write fails mid-entry.
func (b *Backend) ExtentDropDevice(key journal.BucketRef, dev int) journal.BucketRef {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.droppedSet == nil {
		b.droppedSet = map[journal.BucketRef]map[int]bool{}
	}

	if b.droppedSet[key] == nil {
		b.droppedSet[key] = map[int]bool{}
	}

	b.droppedSet[key][dev] = true

	return key
}

func (b *Backend) dropped(key journal.BucketRef, dev int) bool {
	if b.droppedSet == nil {
		return false
	}

	return b.droppedSet[key][dev]
}

// --- journal.DeviceWriter ---

// WriteBucket writes data at offset bytes into bucket on dev.
func (b *Backend) WriteBucket(_ context.Context, dev int, bucket uint64, offset int, data []byte) error {
	b.mu.Lock()
	d, ok := b.devices[dev]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("devsim: unknown device %d", dev)
	}

	return d.writeAt(bucket, offset, data)
}

// BucketSize reports dev's fixed bucket size in bytes.
func (b *Backend) BucketSize(dev int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[dev]
	if !ok {
		return 0
	}

	return d.bucketSize
}

// Devices returns every registered device index, in ascending order.
func (b *Backend) Devices() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int, 0, len(b.devices))
	for dev := range b.devices {
		out = append(out, dev)
	}

	sort.Ints(out)

	return out
}

// Compile-time interface checks.
var (
	_ journal.Allocator    = (*Backend)(nil)
	_ journal.SuperblockIO = (*Backend)(nil)
	_ journal.ExtentLayer  = (*Backend)(nil)
	_ journal.DeviceWriter = (*Backend)(nil)
)
