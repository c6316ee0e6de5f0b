package devsim_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coalescefs/journal/pkg/journal"
	"github.com/coalescefs/journal/pkg/journal/devsim"
)

func Test_Backend_BucketAlloc_ReusesFreedBucketsBeforeGrowing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := devsim.New(filepath.Join(dir, "super.json"))
	defer b.Close()

	require.NoError(t, b.AddDevice(0, filepath.Join(dir, "dev0.img"), 4096))

	bucket0, err := b.BucketAllocNewFS(0)
	require.NoError(t, err)

	bucket1, err := b.BucketAllocNewFS(0)
	require.NoError(t, err)
	require.NotEqual(t, bucket0, bucket1, "two fresh allocations returned the same bucket")

	b.OpenBucketPut(0, bucket0)

	reused, err := b.BucketAllocNewFS(0)
	require.NoError(t, err)
	require.Equal(t, bucket0, reused, "BucketAlloc after OpenBucketPut should reuse the freed bucket")
}

func Test_Backend_WriteBucket_ThenReadBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := devsim.New(filepath.Join(dir, "super.json"))
	defer b.Close()

	const bucketSize = 4096

	require.NoError(t, b.AddDevice(0, filepath.Join(dir, "dev0.img"), bucketSize))

	bucket, err := b.BucketAllocNewFS(0)
	require.NoError(t, err)

	payload := []byte("journal entry payload")

	require.NoError(t, b.WriteBucket(context.Background(), 0, bucket, 0, payload))
	require.Equal(t, bucketSize, b.BucketSize(0))

	raw, err := os.ReadFile(filepath.Join(dir, "dev0.img"))
	require.NoError(t, err)

	at := int(bucket) * bucketSize
	require.Equal(t, payload, raw[at:at+len(payload)])
}

func Test_Backend_ResizeJournal_PersistsAcrossWriteSuper(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sbPath := filepath.Join(dir, "super.json")

	b := devsim.New(sbPath)
	defer b.Close()

	require.NoError(t, b.AddDevice(0, filepath.Join(dir, "dev0.img"), 4096))

	field, err := b.ResizeJournal(0, 4)
	require.NoError(t, err)
	require.Equal(t, 4, b.NrJournalBuckets(field))

	require.NoError(t, b.WriteSuper(context.Background()))

	got := b.GetJournal(0)
	require.Equal(t, 4, b.NrJournalBuckets(got))

	raw, err := os.ReadFile(sbPath)
	require.NoError(t, err)

	var onDisk struct {
		Devices map[string]struct {
			Buckets []uint64 `json:"buckets"`
		} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Len(t, onDisk.Devices["0"].Buckets, 4)
}

func Test_Backend_MarkMetadataBucket_PersistsManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := devsim.New(filepath.Join(dir, "super.json"))
	defer b.Close()

	require.NoError(t, b.AddDevice(0, filepath.Join(dir, "dev0.img"), 4096))

	b.MarkMetadataBucket(0, 7)
	b.MarkMetadataBucket(0, 3)

	buckets, err := b.MetadataBuckets(0)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 7}, buckets)
}

func Test_Backend_AddDevice_SecondLockAttemptFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	devPath := filepath.Join(dir, "dev0.img")

	a := devsim.New(filepath.Join(dir, "super.json"))
	defer a.Close()

	require.NoError(t, a.AddDevice(0, devPath, 4096))

	other := devsim.New(filepath.Join(dir, "super.json"))
	defer other.Close()

	require.Error(t, other.AddDevice(0, devPath, 4096), "attaching the same backing file twice must fail")
}

func Test_Backend_ExtentDropDevice_IsReflectedByExtentHasDevice(t *testing.T) {
	t.Parallel()

	b := devsim.New(filepath.Join(t.TempDir(), "super.json"))
	defer b.Close()

	key := b.ExtentDropDevice(journal.BucketRef{Dev: 0, Bucket: 5}, 1)

	require.False(t, b.ExtentHasDevice(key, 1), "ExtentHasDevice must report false for a dropped device")
	require.True(t, b.ExtentHasDevice(key, 2), "ExtentHasDevice must still report true for an untouched device")
}
