package journal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crestfs/crestfs/pkg/journal"
	"github.com/crestfs/crestfs/pkg/journal/journaltest"
)

// testEnv wires a journal to recording fakes. One device with a generous
// ring unless the test overrides it.
type testEnv struct {
	j      *journal.Journal
	dev    *journal.Device
	writer *journaltest.Writer
	alloc  *journaltest.Allocator
	sb     *journaltest.Superblock
}

func newTestEnv(t *testing.T, cfg journal.Config, buckets []uint64, bucketSectors int) *testEnv {
	t.Helper()

	env := &testEnv{
		writer: journaltest.NewWriter(),
		alloc:  journaltest.NewAllocator(),
		sb:     journaltest.NewSuperblock(),
	}
	env.dev = journal.NewDevice(0, bucketSectors, buckets)
	env.j = journal.New(cfg, []*journal.Device{env.dev}, journal.Resources{
		Writer:     env.writer,
		Allocator:  env.alloc,
		Superblock: env.sb,
	})
	return env
}

// startFresh starts the journal as a freshly formatted filesystem would:
// empty replay window, current seq 1.
func startFresh(t *testing.T, cfg journal.Config) *testEnv {
	t.Helper()

	env := newTestEnv(t, cfg, []uint64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25}, 64)
	require.NoError(t, env.j.Start(1, nil))
	env.j.SetReplayDone()
	t.Cleanup(func() { _ = env.j.Stop() })
	return env
}

func testConfig() journal.Config {
	return journal.Config{
		FlushDelay: 50 * time.Millisecond,
		PreResU64s: 1024,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// Reservation Tests
// ============================================================================

func TestResGet_DisjointOffsets(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	var a, b journal.Res
	require.NoError(t, j.ResGet(&a, 10, journal.WatermarkNormal, 0))
	require.NoError(t, j.ResGet(&b, 10, journal.WatermarkNormal, 0))

	assert.Equal(t, a.Seq, b.Seq)
	assert.Equal(t, uint32(0), a.Offset)
	assert.Equal(t, uint32(10), b.Offset)

	for i := range j.Entry(&a) {
		j.Entry(&a)[i] = 0xAA
	}
	for i := range j.Entry(&b) {
		j.Entry(&b)[i] = 0xBB
	}
	j.ResPut(&a)
	j.ResPut(&b)

	require.NoError(t, j.FlushSeq(context.Background(), a.Seq))

	last := env.writer.Last()
	require.NotNil(t, last)
	assert.Equal(t, a.Seq, last.Seq)
	require.Len(t, last.Payload, 20)
	for i := 0; i < 10; i++ {
		assert.Equal(t, uint64(0xAA), last.Payload[i])
	}
	for i := 10; i < 20; i++ {
		assert.Equal(t, uint64(0xBB), last.Payload[i])
	}
}

func TestResGet_RollsToNextSeqWhenFull(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	// The entry budget for a 64-sector bucket is well under 5000 u64s, so
	// two large reservations cannot share one entry.
	var a, b journal.Res
	require.NoError(t, j.ResGet(&a, 3000, journal.WatermarkNormal, 0))
	require.NoError(t, j.ResGet(&b, 3000, journal.WatermarkNormal, 0))

	assert.Equal(t, a.Seq+1, b.Seq)
	assert.Equal(t, uint32(0), b.Offset)

	j.ResPut(&a)
	j.ResPut(&b)
	require.NoError(t, j.FlushSeq(context.Background(), b.Seq))

	// Both entries were written, in seq order.
	writes := env.writer.Writes()
	require.GreaterOrEqual(t, len(writes), 2)
	assert.Equal(t, a.Seq, writes[0].Seq)
	assert.Equal(t, b.Seq, writes[1].Seq)
}

func TestResGet_TooLargeRejected(t *testing.T) {
	env := startFresh(t, testConfig())

	var res journal.Res
	err := env.j.ResGet(&res, 1<<21, journal.WatermarkNormal, 0)
	require.Error(t, err)
}

func TestResGet_NonblockWhenBlocked(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	j.Block()
	var res journal.Res
	err := j.ResGet(&res, 8, journal.WatermarkNormal, journal.ResNonblock)
	assert.ErrorIs(t, err, journal.ErrBlocked)
	j.Unblock()

	// After unblocking, reservations proceed again.
	require.NoError(t, j.ResGet(&res, 8, journal.WatermarkNormal, 0))
	j.ResPut(&res)
}

func TestResGet_ConcurrentStampsUnique(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	const goroutines = 8
	const perG = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				var res journal.Res
				if err := j.ResGet(&res, 2, journal.WatermarkNormal, 0); err != nil {
					t.Errorf("ResGet: %v", err)
					return
				}
				e := j.Entry(&res)
				e[0] = uint64(g)<<32 | uint64(i)
				e[1] = ^e[0]
				j.ResPut(&res)
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, j.FlushAll(context.Background()))

	// Every stamp appears exactly once across all written entries.
	seen := make(map[uint64]int)
	for _, w := range env.writer.Writes() {
		for i := 0; i+1 < len(w.Payload); i += 2 {
			if w.Payload[i] == 0 && w.Payload[i+1] == 0 {
				continue // padding
			}
			assert.Equal(t, ^w.Payload[i], w.Payload[i+1], "stamp integrity")
			seen[w.Payload[i]]++
		}
	}
	assert.Len(t, seen, goroutines*perG)
	for stamp, n := range seen {
		assert.Equal(t, 1, n, "stamp %x duplicated", stamp)
	}
}

func TestResGet_GrowsBufferTowardDiskBudget(t *testing.T) {
	// 256-sector buckets admit entries twice the initial staging buffer.
	env := newTestEnv(t, testConfig(), []uint64{10, 11, 12, 13, 14, 15, 16, 17}, 256)
	j := env.j
	require.NoError(t, j.Start(1, nil))
	j.SetReplayDone()
	t.Cleanup(func() { _ = j.Stop() })

	// The initial buffer caps the entry at 8184 u64s.
	var a journal.Res
	require.NoError(t, j.ResGet(&a, 8184, journal.WatermarkNormal, 0))
	j.ResPut(&a)

	// The overflow doubles the buffer at the next open, so a reservation
	// past the old cap fits one entry.
	var b journal.Res
	require.NoError(t, j.ResGet(&b, 10000, journal.WatermarkNormal, 0))
	assert.Equal(t, a.Seq+1, b.Seq)
	assert.Equal(t, uint32(0), b.Offset)
	j.ResPut(&b)
	require.NoError(t, j.FlushSeq(context.Background(), b.Seq))

	last := env.writer.Last()
	require.NotNil(t, last)
	assert.Equal(t, b.Seq, last.Seq)
	assert.Len(t, last.Payload, 10000)
}

func TestEntryClose_Idempotent(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	seq := res.Seq
	j.ResPut(&res)

	j.EntryClose()
	j.EntryClose() // must not release the entry's pin reference twice

	waitFor(t, "entry write", func() bool { return j.SeqOndisk() >= seq })
	assert.Equal(t, seq, j.Seq())

	// The journal opens fresh entries afterwards as usual.
	var res2 journal.Res
	require.NoError(t, j.ResGet(&res2, 4, journal.WatermarkNormal, 0))
	assert.Equal(t, seq+1, res2.Seq)
	j.ResPut(&res2)
	require.NoError(t, j.FlushSeq(context.Background(), res2.Seq))
}

// ============================================================================
// Clock Monotonicity Tests
// ============================================================================

func TestClocks_Monotonic(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	for i := 0; i < 5; i++ {
		var res journal.Res
		require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
		seq := res.Seq
		j.ResPut(&res)
		require.NoError(t, j.FlushSeq(context.Background(), seq))

		last := j.LastSeq()
		flushed := j.FlushedSeqOndisk()
		ondisk := j.SeqOndisk()
		cur := j.Seq()
		assert.LessOrEqual(t, last, flushed+1)
		assert.LessOrEqual(t, flushed, ondisk)
		assert.LessOrEqual(t, ondisk, cur)
	}
}

func TestFlushSeq_AlreadyDurable(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	seq := res.Seq
	j.ResPut(&res)
	require.NoError(t, j.FlushSeq(context.Background(), seq))

	// Second flush of the same seq completes immediately.
	done := make(chan error, 1)
	go func() { done <- j.FlushSeq(context.Background(), seq) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("flush of durable seq did not complete")
	}
}

func TestMeta_WritesEmptyFlushEntry(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	// Payload staged by another writer must not ride along: the marker
	// closes the dirty entry and takes a fresh one of its own.
	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	j.ResPut(&res)

	require.NoError(t, j.Meta(context.Background()))

	last := env.writer.Last()
	require.NotNil(t, last)
	assert.True(t, last.Flush)
	assert.Empty(t, last.Payload)
	assert.NotZero(t, last.LastSeq)
	assert.Greater(t, last.Seq, res.Seq)
}

func TestNoflushWrite_OmitsReclaimBound(t *testing.T) {
	// A long flush delay keeps the write inside the noflush window no
	// matter how slowly the test runs.
	cfg := testConfig()
	cfg.FlushDelay = time.Minute
	env := startFresh(t, cfg)
	j := env.j

	// Close an entry without any flush waiter immediately after start;
	// the last flush was recent, so the write goes out as noflush.
	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	seq := res.Seq
	j.ResPut(&res)
	j.EntryClose()

	waitFor(t, "noflush write", func() bool { return j.SeqOndisk() >= seq })

	last := env.writer.Last()
	require.NotNil(t, last)
	assert.False(t, last.Flush)
	assert.Zero(t, last.LastSeq, "noflush entries must not claim a reclaim bound")
	assert.Less(t, j.FlushedSeqOndisk(), seq)
}

func TestNoflushSeq_RefusesFlushedSeq(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	seq := res.Seq
	j.ResPut(&res)
	require.NoError(t, j.FlushSeq(context.Background(), seq))

	assert.False(t, j.NoflushSeq(seq), "a completed flush cannot be taken back")
}

// ============================================================================
// Pin Tests
// ============================================================================

func TestPins_HoldReclaimBound(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	target := &journaltest.PinTarget{Kind: journal.PinBtreeNode}

	var pins []*journal.Pin
	var seqs []uint64
	for i := 0; i < 3; i++ {
		var res journal.Res
		require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
		pins = append(pins, j.AddPin(res.Seq, target))
		seqs = append(seqs, res.Seq)
		j.ResPut(&res)
		require.NoError(t, j.FlushSeq(context.Background(), res.Seq))
	}
	require.Equal(t, []uint64{1, 2, 3}, seqs)

	// Oldest pin holds the bound regardless of drop order.
	assert.Equal(t, uint64(1), j.LastSeq())

	j.DropPin(pins[1])
	assert.Equal(t, uint64(1), j.LastSeq())

	j.DropPin(pins[0])
	assert.Equal(t, uint64(3), j.LastSeq(), "bound skips the already-dropped seq 2")

	j.DropPin(pins[2])
	assert.Equal(t, j.Seq(), j.LastSeq())
}

func TestDropPin_Idempotent(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	target := &journaltest.PinTarget{Kind: journal.PinBtreeNode}
	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	p := j.AddPin(res.Seq, target)
	j.ResPut(&res)

	j.DropPin(p)
	j.DropPin(p) // must not underflow the seq's reference count
	require.NoError(t, j.FlushSeq(context.Background(), res.Seq))
}

func TestFlushPins_OrderAndKinds(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	node := &journaltest.PinTarget{Kind: journal.PinBtreeNode}
	cache := &journaltest.PinTarget{Kind: journal.PinKeyCache}

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	seq := res.Seq
	j.AddPin(seq, cache)
	j.AddPin(seq, node)
	j.ResPut(&res)
	require.NoError(t, j.FlushSeq(context.Background(), seq))

	flushed, err := j.FlushPins(seq)
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)

	// Key cache pins flush after plain pins.
	assert.Equal(t, []uint64{seq}, node.Flushes())
	assert.Equal(t, []uint64{seq}, cache.Flushes())
	assert.Equal(t, j.Seq(), j.LastSeq())
}

func TestPinFlushWait_BlocksDuringWriteback(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	entered := make(chan struct{})
	release := make(chan struct{})
	target := &journaltest.PinTarget{
		Kind: journal.PinBtreeNode,
		FlushFn: func(uint64) error {
			close(entered)
			<-release
			return nil
		},
	}

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	p := j.AddPin(res.Seq, target)
	j.ResPut(&res)

	flushDone := make(chan error, 1)
	go func() {
		_, err := j.FlushPins(res.Seq)
		flushDone <- err
	}()
	<-entered

	// The owner may not reclaim the pinned structure while its write-back
	// is still running.
	waitDone := make(chan struct{})
	go func() {
		j.PinFlushWait(p)
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("PinFlushWait returned while the write-back was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-flushDone)
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("PinFlushWait never returned after the write-back finished")
	}
}

func TestFlushPins_TargetError(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	boom := errors.New("writeback failed")
	target := &journaltest.PinTarget{
		Kind:    journal.PinBtreeNode,
		FlushFn: func(uint64) error { return boom },
	}

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	j.AddPin(res.Seq, target)
	j.ResPut(&res)

	_, err := j.FlushPins(res.Seq)
	assert.ErrorIs(t, err, boom)
}

// ============================================================================
// Replay Window Tests
// ============================================================================

func TestStart_ReplayWindow(t *testing.T) {
	env := newTestEnv(t, testConfig(), []uint64{10, 11, 12, 13, 14, 15, 16, 17}, 64)
	j := env.j

	entries := []journal.ReplayEntry{
		{Seq: 2, LastSeq: 2, Flush: true, Devices: []uint32{0}},
		{Seq: 3, LastSeq: 2, Flush: false, Devices: []uint32{0}},
		{Seq: 4, LastSeq: 0, Flush: false, Devices: []uint32{0}},
	}
	require.NoError(t, j.Start(5, entries))
	t.Cleanup(func() { _ = j.Stop() })

	// The window start comes from the newest flush entry.
	assert.Equal(t, uint64(2), j.LastSeq())
	assert.Equal(t, uint64(4), j.Seq())

	// Replay consumes the window oldest first.
	j.ReplayPinPut(2)
	assert.Equal(t, uint64(3), j.LastSeq())
	j.ReplayPinPut(3)
	j.ReplayPinPut(4)
	assert.Equal(t, uint64(4), j.LastSeq())

	j.SetReplayDone()

	// The journal continues from the recovered clock.
	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	assert.Equal(t, uint64(5), res.Seq)
	j.ResPut(&res)
	require.NoError(t, j.FlushSeq(context.Background(), res.Seq))
}

func TestStart_NoflushOnlyWindow(t *testing.T) {
	env := newTestEnv(t, testConfig(), []uint64{10, 11, 12, 13, 14, 15, 16, 17}, 64)
	j := env.j

	// A crash inside the noflush window leaves no flush entry behind;
	// every surviving entry is still needed for replay.
	entries := []journal.ReplayEntry{
		{Seq: 3, LastSeq: 0, Flush: false, Devices: []uint32{0}},
		{Seq: 4, LastSeq: 0, Flush: false, Devices: []uint32{0}},
	}
	require.NoError(t, j.Start(5, entries))
	t.Cleanup(func() { _ = j.Stop() })

	assert.Equal(t, uint64(3), j.LastSeq())

	j.ReplayPinPut(3)
	j.ReplayPinPut(4)
	j.SetReplayDone()
	assert.Equal(t, uint64(4), j.LastSeq())
}

func TestStart_RejectsInconsistentWindow(t *testing.T) {
	env := newTestEnv(t, testConfig(), []uint64{10, 11, 12, 13}, 64)

	err := env.j.Start(3, []journal.ReplayEntry{
		{Seq: 5, LastSeq: 2, Flush: true},
	})
	require.Error(t, err)
}

// ============================================================================
// Write Failure Tests
// ============================================================================

func TestWriteFailure_HaltsJournal(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	env.writer.Fail = errors.New("device dropped")

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	seq := res.Seq
	j.ResPut(&res)

	err := j.FlushSeq(context.Background(), seq)
	require.Error(t, err)
	require.Error(t, j.Err())

	// Further reservations fail too.
	var res2 journal.Res
	err = j.ResGet(&res2, 4, journal.WatermarkNormal, journal.ResNonblock)
	require.Error(t, err)
}

// ============================================================================
// Bucket Resize Tests
// ============================================================================

func TestGrowBuckets_PersistsNewList(t *testing.T) {
	env := startFresh(t, testConfig())

	require.NoError(t, env.j.GrowBuckets(env.dev, 18))

	got := env.dev.Buckets()
	assert.Len(t, got, 18)
	assert.Equal(t, got, env.sb.Buckets(0), "superblock list must match the live ring")
	assert.Contains(t, got, uint64(1000))
	assert.Contains(t, got, uint64(2000))
}

func TestGrowBuckets_AllocFailureLeavesRingUntouched(t *testing.T) {
	env := startFresh(t, testConfig())
	env.alloc.FailAfter = 2

	before := env.dev.Buckets()
	err := env.j.GrowBuckets(env.dev, len(before)+5)
	require.Error(t, err)

	assert.Equal(t, before, env.dev.Buckets())
	assert.ElementsMatch(t, []uint64{1000, 2000}, env.alloc.Freed(),
		"partially allocated buckets must be returned")
	assert.Empty(t, env.sb.Buckets(0), "nothing may be persisted on failure")

	// The journal remains usable.
	var res journal.Res
	require.NoError(t, env.j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	env.j.ResPut(&res)
}

func TestGrowBuckets_PersistFailureReverts(t *testing.T) {
	env := startFresh(t, testConfig())
	env.sb.Fail = errors.New("superblock write failed")

	before := env.dev.Buckets()
	err := env.j.GrowBuckets(env.dev, len(before)+2)
	require.Error(t, err)

	assert.Equal(t, before, env.dev.Buckets())
	assert.ElementsMatch(t, []uint64{1000, 2000}, env.alloc.Freed())
}

// ============================================================================
// Pre-Reservation Tests
// ============================================================================

func TestPreRes_BudgetEnforced(t *testing.T) {
	env := startFresh(t, testConfig()) // ceiling 1024 u64s
	j := env.j

	var a journal.PreRes
	require.NoError(t, j.PreResGet(&a, 1000, journal.WatermarkNormal, journal.ResNonblock))

	// Over the ceiling at normal priority: refused.
	var b journal.PreRes
	err := j.PreResGet(&b, 100, journal.WatermarkNormal, journal.ResNonblock)
	assert.ErrorIs(t, err, journal.ErrFull)

	// Reclaim priority may overcommit.
	require.NoError(t, j.PreResGet(&b, 100, journal.WatermarkReclaim, journal.ResNonblock))

	j.PreResPut(&b)
	j.PreResPut(&a)
	assert.Zero(t, a.U64s)
}

func TestPreRes_PutUnblocksWaiter(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	var a journal.PreRes
	require.NoError(t, j.PreResGet(&a, 1024, journal.WatermarkNormal, 0))

	done := make(chan error, 1)
	go func() {
		var b journal.PreRes
		err := j.PreResGet(&b, 512, journal.WatermarkNormal, 0)
		j.PreResPut(&b)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	j.PreResPut(&a)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pre-reservation waiter never woke")
	}
}

// ============================================================================
// Log Message and Shutdown Tests
// ============================================================================

func TestLogMsg_RoundTrip(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	msg := "resize: dev 0 grown to 18 buckets"
	require.NoError(t, j.LogMsg("%s", msg))
	require.NoError(t, j.FlushAll(context.Background()))

	last := env.writer.Last()
	require.NotNil(t, last)
	require.GreaterOrEqual(t, len(last.Payload), 1+(len(msg)+7)/8)
	assert.Equal(t, uint64(len(msg)), last.Payload[0])

	var got []byte
	for i := 0; i < (len(msg)+7)/8; i++ {
		w := last.Payload[1+i]
		for k := 0; k < 8 && len(got) < len(msg); k++ {
			got = append(got, byte(w>>(8*k)))
		}
	}
	assert.Equal(t, msg, string(got))
}

func TestStop_WritesFinalFlushEntry(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	var res journal.Res
	require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
	j.ResPut(&res)

	require.NoError(t, j.Stop())

	last := env.writer.Last()
	require.NotNil(t, last)
	assert.True(t, last.Flush, "shutdown must end on a flush entry")
	assert.Empty(t, last.Payload)
	assert.Equal(t, j.Seq(), last.Seq)
}

func TestQuiesce_DrainsInFlight(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	for i := 0; i < 3; i++ {
		var res journal.Res
		require.NoError(t, j.ResGet(&res, 4, journal.WatermarkNormal, 0))
		j.ResPut(&res)
		j.EntryClose()
	}

	j.Quiesce()
	assert.Equal(t, j.Seq(), j.SeqOndisk())
}

func TestEntryResResize_KeepsJournalHealthy(t *testing.T) {
	env := startFresh(t, testConfig())
	j := env.j

	var er journal.EntryRes
	j.EntryResResize(&er, 64)
	assert.Equal(t, 64, er.U64s)

	// Reservations still work with headroom held back.
	var res journal.Res
	require.NoError(t, j.ResGet(&res, 8, journal.WatermarkNormal, 0))
	j.ResPut(&res)

	j.EntryResResize(&er, 0)
	assert.Zero(t, er.U64s)
	require.NoError(t, j.FlushAll(context.Background()))
}
