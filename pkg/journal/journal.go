package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crestfs/crestfs/internal/logger"
)

// Journal is the write-ahead journal of one filesystem instance. It is
// created at mount, started once the on-disk entries have been read, and
// stopped at unmount. It is owned by the filesystem object and injected
// into every consumer; there is no package-level journal state.
//
// Locking: j.mu is a short-critical-section lock guarding entry open/close,
// the pin fifo and the device rings. The packed reservation word is the
// only state mutated without it.
type Journal struct {
	cfg Config

	mu           sync.Mutex
	wait         *sync.Cond // entry state changes: open, write done, unblock
	pinFlushWait *sync.Cond // a pin flush completed
	preResWait   *sync.Cond // pre-reservation budget returned

	reclaimMu sync.Mutex // serializes direct and background reclaim
	discardMu sync.Mutex

	// Hot-path state, read lock-free.
	reservations  atomic.Uint64 // packed resState
	seq           atomic.Uint64 // seq of the current (highest-opened) entry
	curEntryU64s  atomic.Int64  // byte budget of the open entry, in u64s
	watermarkV    atomic.Int32
	prereserved   atomic.Uint64 // packed preResState
	preResWaiters atomic.Int32  // blocked PreResGet callers

	bufs [numBufs]*buffer

	// Guarded by mu.
	curEntrySectors   int
	curEntryErr       openError
	entryU64sReserved int
	bufSizeWant       int

	pin  pinFifo
	devs []*Device

	space      [spaceNr]spaceFigure
	canDiscard bool

	seqOndisk        uint64
	flushedSeqOndisk uint64
	lastSeqOndisk    uint64
	errSeq           uint64 // first seq affected by a fatal error, 0 if none
	lastEmptySeq     uint64
	lastFlushWrite   time.Time

	flushingPin *Pin
	fatalErr    error
	blocked     int
	started     bool
	replayDone  bool
	stopping    bool

	writeTimer *time.Timer

	nrFlushWrites       uint64
	nrNoflushWrites     uint64
	nrDirectReclaim     uint64
	nrBackgroundReclaim uint64

	// Collaborators.
	writer  EntryWriter
	alloc   BucketAllocator
	sb      SuperblockWriter
	discard func(device uint32, bucket uint64) error
	metrics Metrics

	// Background tasks.
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup
	writeKick   chan struct{}
	reclaimKick chan struct{}
}

// Resources are the collaborators the journal drives. Writer is required;
// the rest may be nil where the corresponding operation is never used
// (tests, read-only inspection).
type Resources struct {
	Writer     EntryWriter
	Allocator  BucketAllocator
	Superblock SuperblockWriter

	// Discard issues the device discard/TRIM for a reclaimed bucket.
	// Optional; discards are advisory.
	Discard func(device uint32, bucket uint64) error

	// Metrics receives journal observations. Nil disables metrics with
	// zero overhead.
	Metrics Metrics
}

// New creates a journal over the given member devices. The journal is
// inert until Start seeds the replay window.
func New(cfg Config, devs []*Device, res Resources) *Journal {
	cfg = cfg.withDefaults()

	j := &Journal{
		cfg:     cfg,
		devs:    devs,
		writer:  res.Writer,
		alloc:   res.Allocator,
		sb:      res.Superblock,
		discard: res.Discard,
		metrics: res.Metrics,

		writeKick:   make(chan struct{}, 1),
		reclaimKick: make(chan struct{}, 1),
	}
	j.wait = sync.NewCond(&j.mu)
	j.pinFlushWait = sync.NewCond(&j.mu)
	j.preResWait = sync.NewCond(&j.mu)

	bufBytes := min(entrySizeMin, cfg.EntrySizeMax)
	for i := range j.bufs {
		j.bufs[i] = &buffer{data: make([]uint64, bufBytes/8)}
	}

	j.reservations.Store(uint64(resState(0).withOffset(entryClosedVal)))
	j.pin = newPinFifo(defaultPinFifoSize)
	j.prereserved.Store(uint64(preResState(0).withRemaining(cfg.PreResU64s)))

	return j
}

// Start builds the replay window from the on-disk entries read at mount and
// starts the write-out and reclaim tasks. entries must be ordered by seq;
// curSeq is one past the newest seq found on disk (or the superblock's seq
// for a fresh filesystem). This is the only place the journal consumes the
// on-disk entry format.
func (j *Journal) Start(curSeq uint64, entries []ReplayEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.started {
		return fmt.Errorf("journal already started")
	}

	// The reclaim bound comes from the newest flush entry; noflush
	// entries carry a zero LastSeq on disk. With no flush entry at all,
	// every present entry is still needed and the bound falls back to
	// the oldest one.
	lastSeq := curSeq
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Flush {
			lastSeq = entries[i].LastSeq
			break
		}
	}
	if lastSeq == curSeq && len(entries) > 0 {
		lastSeq = entries[0].Seq
	}
	if lastSeq > curSeq {
		return fmt.Errorf("journal start: last_seq %d ahead of cur_seq %d", lastSeq, curSeq)
	}

	if nr := curSeq - lastSeq; nr+1 > uint64(len(j.pin.data)) {
		j.pin = newPinFifo(int(nr + 1))
	}

	j.seq.Store(curSeq - 1)
	j.seqOndisk = curSeq - 1
	j.flushedSeqOndisk = curSeq - 1
	j.lastSeqOndisk = lastSeq
	j.lastEmptySeq = curSeq - 1

	j.pin.front = lastSeq
	j.pin.back = lastSeq
	for seq := lastSeq; seq < curSeq; seq++ {
		// One reference per seq: "not yet replayed". Dropped via
		// ReplayPinPut as the btree layer re-applies each entry.
		j.pin.push(1)
	}

	for _, e := range entries {
		if e.Seq >= curSeq {
			return fmt.Errorf("journal start: entry seq %d beyond cur_seq %d", e.Seq, curSeq)
		}
		if e.Seq < lastSeq {
			continue
		}
		if e.Empty {
			j.lastEmptySeq = e.Seq
		}
		pl := j.pin.entry(e.Seq)
		pl.devs = append(pl.devs[:0], e.Devices...)
	}

	j.reservations.Store(uint64(resState(0).
		withIdx(uint32(curSeq-1) & bufMask).
		withOffset(entryClosedVal)))
	j.curBuf().seq.Store(curSeq - 1)
	j.lastFlushWrite = time.Now()

	j.spaceAvailable()

	j.bgCtx, j.bgCancel = context.WithCancel(context.Background())
	j.bg.Add(2)
	go j.writeLoop()
	go j.reclaimLoop()

	j.started = true
	logger.Info("journal started",
		logger.KeySeq, curSeq-1,
		logger.KeyLastSeq, lastSeq,
		"replay_entries", len(entries),
		"devices", len(j.devs))
	return nil
}

// ReplayPinPut releases the replay reference on seq once the btree layer
// has re-applied (or decided to skip) that entry.
func (j *Journal) ReplayPinPut(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pinPutSeq(seq)
}

// SetReplayDone marks replay finished. Until then Stop skips the
// clean-shutdown check, since the replay window legitimately holds pins.
func (j *Journal) SetReplayDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.replayDone = true
}

// Seq returns the sequence number of the current journal entry.
func (j *Journal) Seq() uint64 {
	return j.seq.Load()
}

// SeqOndisk returns the newest seq durably written (not necessarily
// flushed).
func (j *Journal) SeqOndisk() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seqOndisk
}

// FlushedSeqOndisk returns the newest seq durable through a device cache
// flush.
func (j *Journal) FlushedSeqOndisk() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushedSeqOndisk
}

// Err returns the journal's fatal error state, nil while healthy.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fatalErr != nil {
		return j.fatalErr
	}
	if j.journalError() {
		return ErrShutdown
	}
	return nil
}

func (j *Journal) journalError() bool {
	return resState(j.reservations.Load()).offset() == entryErrorVal
}

func (j *Journal) watermark() Watermark {
	return Watermark(j.watermarkV.Load())
}

// setWatermark updates the admission watermark. Caller must hold j.mu.
func (j *Journal) setWatermark(w Watermark) {
	if Watermark(j.watermarkV.Swap(int32(w))) != w {
		if j.metrics != nil {
			j.metrics.SetWatermark(int(w))
		}
		if w == WatermarkNormal {
			j.wait.Broadcast()
		}
	}
}

// halt transitions the journal to its terminal error state: the packed
// word is CAS'd to the error sentinel, no further entries open, and all
// flush waiters fail. The filesystem surfaces this as read-only.
func (j *Journal) halt(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.haltLocked(err)
}

func (j *Journal) haltLocked(err error) {
	j.entryCloseLocked(entryErrorVal, "error")
	if j.fatalErr == nil {
		j.fatalErr = err
	}
	if j.errSeq == 0 {
		j.errSeq = j.seq.Load()
	}
	for seq := j.seqOndisk + 1; seq <= j.seq.Load(); seq++ {
		if buf := j.seqToBuf(seq); buf != nil {
			buf.wake(ErrShutdown)
		}
	}
	j.wait.Broadcast()
	j.preResWait.Broadcast()
}

// Block prevents new journal entries from opening, for structural changes
// such as bucket resize or device removal. Blocking is reference counted.
// Block forces the current entry closed and quiesces in-flight writes
// before returning, so the blocked state is immediately effective.
func (j *Journal) Block() {
	j.mu.Lock()
	j.blocked++
	j.mu.Unlock()

	j.Quiesce()
}

// Unblock releases one Block reference.
func (j *Journal) Unblock() {
	j.mu.Lock()
	j.blocked--
	j.wait.Broadcast()
	j.mu.Unlock()
}

// Quiesce blocks until nothing is in flight: every opened entry has been
// written out. New entries may still open afterwards unless the journal is
// blocked or stopped.
func (j *Journal) Quiesce() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for j.seq.Load() != j.seqOndisk && !j.journalError() {
		j.entryWantWriteLocked()
		j.wait.Wait()
	}
}

// DevStop blocks until no in-flight journal write targets the device.
// Used before removing a device from the filesystem.
func (j *Journal) DevStop(device uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for j.writingToDeviceLocked(device) {
		j.wait.Wait()
	}
}

func (j *Journal) writingToDeviceLocked(device uint32) bool {
	for seq := j.seqOndisk + 1; seq <= j.seq.Load(); seq++ {
		buf := j.seqToBuf(seq)
		if buf == nil {
			continue
		}
		for _, t := range buf.targets {
			if t.Device == device {
				return true
			}
		}
	}
	return false
}

// Stop shuts the journal down: flushes every pin, writes a final flush
// entry so the clock state on disk is current, quiesces, and stops the
// background tasks. The journal cannot be restarted.
func (j *Journal) Stop() error {
	j.mu.Lock()
	if !j.started || j.stopping {
		j.mu.Unlock()
		return nil
	}
	j.stopping = true
	j.mu.Unlock()

	if _, err := j.FlushPins(^uint64(0)); err != nil {
		logger.Error("journal stop: pin flush failed", logger.KeyError, err)
	}

	// Always write one final flush entry so the on-disk clock matches
	// the superblock.
	if err := j.Meta(context.Background()); err != nil && j.Err() == nil {
		logger.Error("journal stop: final entry failed", logger.KeyError, err)
	}

	j.Quiesce()

	j.mu.Lock()
	if j.errSeq == 0 && j.replayDone && j.lastEmptySeq != j.seq.Load() {
		logger.Warn("journal stopped dirty",
			logger.KeySeq, j.seq.Load(),
			"last_empty_seq", j.lastEmptySeq)
	}
	if j.writeTimer != nil {
		j.writeTimer.Stop()
	}
	j.mu.Unlock()

	j.bgCancel()
	j.bg.Wait()

	logger.Info("journal stopped", logger.KeySeq, j.seq.Load())
	return nil
}

// nrUnwritten returns how many opened entries have not completed their
// write-out.
func (j *Journal) nrUnwritten() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq.Load() - j.seqOndisk
}
