package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Device Ring Tests
// ============================================================================

func TestBucketsAvailable_FreshDevice(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, []uint64{10, 11, 12, 13})

	// One bucket is always held back so curIdx never catches discardIdx.
	assert.Equal(t, 3, d.bucketsAvailable(spaceDiscarded))
	assert.Equal(t, 3, d.bucketsAvailable(spaceCleanOndisk))
	assert.Equal(t, 3, d.bucketsAvailable(spaceClean))
	assert.Equal(t, 3, d.bucketsAvailable(spaceTotal))
}

func TestBucketsAvailable_RingWraps(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, []uint64{10, 11, 12, 13})

	// Writer two buckets ahead, reclaim not yet caught up.
	d.curIdx = 2
	assert.Equal(t, 1, d.bucketsAvailable(spaceDiscarded))

	// Reclaim follows: discardIdx wraps past the write position.
	d.discardIdx = 1
	assert.Equal(t, 2, d.bucketsAvailable(spaceDiscarded))

	// Ring fully caught up again.
	d.discardIdx = 2
	assert.Equal(t, 3, d.bucketsAvailable(spaceDiscarded))
}

func TestBucketsAvailable_EmptyDevice(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, nil)
	assert.Equal(t, 0, d.bucketsAvailable(spaceDiscarded))
	assert.Equal(t, 0, d.bucketsAvailable(spaceTotal))
}

func TestInsertU64(t *testing.T) {
	t.Parallel()

	s := []uint64{1, 2, 3}
	s = insertU64(s, 0, 99)
	assert.Equal(t, []uint64{99, 1, 2, 3}, s)

	s = insertU64(s, 2, 88)
	assert.Equal(t, []uint64{99, 1, 88, 2, 3}, s)

	s = insertU64(s, len(s), 77)
	assert.Equal(t, []uint64{99, 1, 88, 2, 3, 77}, s)
}

// ============================================================================
// Space Accounting and Watermark Tests
// ============================================================================

type nopWriter struct{}

func (nopWriter) WriteEntry(_ context.Context, _ *WriteRequest) error { return nil }

func newSpaceJournal(t *testing.T, devs ...*Device) *Journal {
	t.Helper()
	j := New(Config{}, devs, Resources{Writer: nopWriter{}})
	return j
}

func TestSpaceAvailable_Watermarks(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, []uint64{10, 11, 12, 13, 14, 15, 16, 17})
	j := newSpaceJournal(t, d)

	j.mu.Lock()
	j.spaceAvailable()
	clean := j.space[spaceClean].total
	total := j.space[spaceTotal].total
	j.mu.Unlock()

	assert.Equal(t, 7*16, total)
	assert.Equal(t, 7*16, clean)
	assert.Equal(t, WatermarkNormal, j.watermark())

	// Consume buckets until clean space falls under a quarter of total.
	j.mu.Lock()
	d.curIdx = 6 // clean = 1 bucket = 16 sectors; 16*4 < 112 but 16*8 >= 112
	j.spaceAvailable()
	j.mu.Unlock()
	assert.Equal(t, WatermarkReclaim, j.watermark())

	j.mu.Lock()
	d.curIdx = 7 // clean = 0 sectors
	j.spaceAvailable()
	j.mu.Unlock()
	assert.Equal(t, WatermarkReserved, j.watermark())

	// Reclaim catches up; watermark drops back to normal.
	j.mu.Lock()
	d.discardIdx = 7
	d.dirtyIdxOndisk = 7
	d.dirtyIdx = 7
	j.spaceAvailable()
	j.mu.Unlock()
	assert.Equal(t, WatermarkNormal, j.watermark())
}

func TestSpaceAvailable_PreReservedRaisesWatermark(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, []uint64{10, 11, 12, 13, 14, 15, 16, 17})
	j := newSpaceJournal(t, d) // 112 sectors total, all clean

	var p PreRes
	require.NoError(t, j.PreResGet(&p, 6000, WatermarkNormal, ResNonblock))

	// 6000 pre-reserved u64s are 93 sectors of promised space; the 19
	// sectors left are under a quarter of total.
	j.mu.Lock()
	j.spaceAvailable()
	j.mu.Unlock()
	assert.Equal(t, WatermarkReclaim, j.watermark())

	j.PreResPut(&p)
	j.mu.Lock()
	j.spaceAvailable()
	j.mu.Unlock()
	assert.Equal(t, WatermarkNormal, j.watermark())
}

func TestSpaceAvailable_InsufficientDevices(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, nil) // no journal buckets yet
	j := newSpaceJournal(t, d)

	j.mu.Lock()
	j.spaceAvailable()
	err := j.curEntryErr
	sectors := j.curEntrySectors
	j.mu.Unlock()

	assert.Equal(t, openErrInsufficientDevices, err)
	assert.Equal(t, 0, sectors)
}

func TestSpaceAvailable_NextEntryBoundedBySmallestDevice(t *testing.T) {
	t.Parallel()

	big := NewDevice(0, 64, []uint64{1, 2, 3, 4})
	small := NewDevice(1, 16, []uint64{5, 6, 7, 8})
	j := newSpaceJournal(t, big, small)

	j.mu.Lock()
	j.spaceAvailable()
	next := j.curEntrySectors
	j.mu.Unlock()

	// An entry goes to every device, so the smallest open-bucket room wins.
	assert.Equal(t, 16, next)
}

type seqAlloc struct{ next uint64 }

func (a *seqAlloc) AllocBucket(uint32) (uint64, error) {
	a.next++
	return 999 + a.next, nil
}

func (a *seqAlloc) FreeBucket(uint32, uint64) {}

type nopSuperblock struct{}

func (nopSuperblock) PersistJournalBuckets(uint32, []uint64) error { return nil }

func TestDiscardBuckets_RingGrowsMidDiscard(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, []uint64{10, 11, 12, 13})
	j := New(Config{}, []*Device{d}, Resources{
		Writer:     nopWriter{},
		Allocator:  &seqAlloc{},
		Superblock: nopSuperblock{},
	})

	// One reclaimable bucket (13), writer currently filling bucket 12.
	j.mu.Lock()
	d.dirtyIdxOndisk = 1
	d.dirtyIdx = 1
	d.curIdx = 2
	d.discardIdx = 3
	j.mu.Unlock()

	// Park the discard of bucket 13 so the ring can grow underneath it.
	entered := make(chan struct{})
	release := make(chan struct{})
	var discarded []uint64
	first := true
	hook := func(_ uint32, bucket uint64) error {
		discarded = append(discarded, bucket)
		if first {
			first = false
			close(entered)
			<-release
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		j.DiscardBuckets(hook)
		close(done)
	}()

	<-entered
	require.NoError(t, j.GrowBuckets(d, 6))
	close(release)
	<-done

	// New buckets land at the discard point, shifting discardIdx with
	// them. The pass must wrap over the grown ring and stop at the dirty
	// boundary without ever reaching the live write bucket.
	assert.Equal(t, []uint64{13, 10}, discarded)
	j.mu.Lock()
	assert.Equal(t, d.dirtyIdxOndisk, d.discardIdx)
	assert.Equal(t, uint64(12), d.buckets[d.curIdx])
	j.mu.Unlock()
}

func TestWriteAlloc_AdvancesBucketOnOverflow(t *testing.T) {
	t.Parallel()

	d := NewDevice(0, 16, []uint64{10, 11, 12, 13})
	j := newSpaceJournal(t, d)

	buf := &buffer{data: make([]uint64, 1024)}
	buf.seq.Store(1)
	buf.sectors = 10

	j.mu.Lock()
	j.writeAlloc(buf)
	j.mu.Unlock()

	require.Len(t, buf.targets, 1)
	assert.Equal(t, uint64(10), buf.targets[0].Bucket)
	assert.Equal(t, int64(0), buf.targets[0].Sector)
	assert.Equal(t, 6, d.sectorsFree)

	// Next entry does not fit the remaining 6 sectors; the ring advances.
	buf2 := &buffer{data: make([]uint64, 1024)}
	buf2.seq.Store(2)
	buf2.sectors = 10

	j.mu.Lock()
	j.writeAlloc(buf2)
	j.mu.Unlock()

	require.Len(t, buf2.targets, 1)
	assert.Equal(t, uint64(11), buf2.targets[0].Bucket)
	assert.Equal(t, int64(0), buf2.targets[0].Sector)
	assert.Equal(t, uint64(2), d.bucketSeq[1])
}
