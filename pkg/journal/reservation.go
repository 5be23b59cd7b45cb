package journal

import (
	"fmt"
	"time"

	"github.com/crestfs/crestfs/internal/logger"
)

// openError classifies why a journal entry could not be opened. The first
// two classes are transient (retry after reclaim), openErrBlocked clears on
// Unblock, openErrInsufficientDevices is fatal.
type openError int

const (
	openErrNone openError = iota
	openErrFull
	openErrPinFull
	openErrMaxInFlight
	openErrBlocked
	openErrInsufficientDevices
)

func (e openError) String() string {
	switch e {
	case openErrNone:
		return "ok"
	case openErrFull:
		return "journal full"
	case openErrPinFull:
		return "pin fifo full"
	case openErrMaxInFlight:
		return "max entries in flight"
	case openErrBlocked:
		return "blocked"
	case openErrInsufficientDevices:
		return "insufficient devices"
	default:
		return "unknown"
	}
}

// resGetFast is the reservation hot path: a CAS loop against the packed
// state word, no lock, no blocking, no allocation. It retries the CAS until
// it succeeds or the precondition (entry open, enough room, watermark
// admits us) no longer holds.
func (j *Journal) resGetFast(res *Res, u64s uint32, wm Watermark) bool {
	for {
		s := resState(j.reservations.Load())

		if !s.open() {
			return false
		}
		if wm < j.watermark() {
			return false
		}
		if int64(s.offset())+int64(u64s) > j.curEntryU64s.Load() {
			return false
		}

		next := s.withOffset(s.offset() + u64s).incCount(s.idx())
		if j.reservations.CompareAndSwap(uint64(s), uint64(next)) {
			res.idx = s.idx()
			res.Offset = s.offset()
			res.U64s = u64s
			// Safe lock-free: the buffer's seq cannot change while
			// we hold a reference on its slot.
			res.Seq = j.bufs[res.idx].seq.Load()
			res.ref = true
			return true
		}
	}
}

// ResGet acquires a reservation for u64s u64s of journal space at the given
// watermark. On success the caller stages its records into j.Entry(res) and
// must then call ResPut. Without ResNonblock, transient full conditions are
// retried internally after reclaim; with it, ErrFull/ErrPinFull are
// returned for the caller to handle.
func (j *Journal) ResGet(res *Res, u64s uint32, wm Watermark, flags ResFlags) error {
	if u64s > entryOffsetMax {
		return fmt.Errorf("journal reservation of %d u64s exceeds entry limit", u64s)
	}
	if j.resGetFast(res, u64s, wm) {
		return nil
	}
	return j.resGetSlow(res, u64s, wm, flags)
}

func (j *Journal) resGetSlow(res *Res, u64s uint32, wm Watermark, flags ResFlags) error {
	if j.metrics != nil {
		j.metrics.SlowPath()
	}

	for {
		if j.journalError() {
			if err := j.Err(); err != nil {
				return err
			}
			return ErrShutdown
		}

		granted, ret, canDiscard := j.resGetOnce(res, u64s, wm)
		if granted {
			return nil
		}

		switch ret {
		case openErrNone:
			// Entry opened; take the fast path on the next spin.
			if j.resGetFast(res, u64s, wm) {
				return nil
			}
			continue

		case openErrInsufficientDevices:
			j.halt(ErrInsufficientDevices)
			return ErrInsufficientDevices

		case openErrBlocked:
			if flags&ResNonblock != 0 {
				return ErrBlocked
			}
			j.waitUnblocked()
			continue

		case openErrFull, openErrPinFull, openErrMaxInFlight:
			if j.checkStuck(ret, wm, canDiscard) {
				return j.Err()
			}
			if flags&ResNonblock != 0 {
				if ret == openErrPinFull {
					return ErrPinFull
				}
				return ErrFull
			}

			// Can't rely on the background task alone: reclaim
			// directly, then wait for state to change.
			if canDiscard {
				j.DiscardBuckets(j.discard)
				continue
			}
			if j.reclaimMu.TryLock() {
				j.reclaimOnce(true)
				j.reclaimMu.Unlock()
				continue
			}
			j.mu.Lock()
			if !j.resStateChangedLocked(u64s, wm) {
				j.wait.Wait()
			}
			j.mu.Unlock()
			continue
		}
	}
}

// resGetOnce is one locked attempt: recheck the fast path (we may have
// raced with another opener), close the current entry if it cannot satisfy
// us, and open a new one.
func (j *Journal) resGetOnce(res *Res, u64s uint32, wm Watermark) (granted bool, ret openError, canDiscard bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.resGetFast(res, u64s, wm) {
		return true, openErrNone, j.canDiscard
	}

	if wm < j.watermark() {
		// Space is constrained and we are below the admission bar.
		// Close the entry so it gets written, and report full so the
		// caller invokes reclaim.
		j.entryCloseLocked(entryClosedVal, "watermark")
		return false, openErrFull, j.canDiscard
	}

	// If the buffer itself was the limit while the disk allowed more,
	// remember to grow the staging buffers.
	s := resState(j.reservations.Load())
	if s.open() {
		buf := j.curBuf()
		if buf.diskSectors > len(buf.data)*8/SectorSize {
			j.bufSizeWant = max(j.bufSizeWant, len(buf.data)*8*2)
		}
	}

	j.entryCloseLocked(entryClosedVal, "full")
	return false, j.entryOpenLocked(), j.canDiscard
}

// resStateChangedLocked reports whether a retry might succeed now, to
// guard the condition wait against missed progress.
func (j *Journal) resStateChangedLocked(u64s uint32, wm Watermark) bool {
	s := resState(j.reservations.Load())
	if s.open() && wm >= j.watermark() &&
		int64(s.offset())+int64(u64s) <= j.curEntryU64s.Load() {
		return true
	}
	return j.canDiscard || j.journalError()
}

func (j *Journal) waitUnblocked() {
	j.mu.Lock()
	for j.blocked > 0 && !j.journalError() {
		j.wait.Wait()
	}
	j.mu.Unlock()
}

// checkStuck detects the fatal variant of a full journal: a caller at the
// reserved watermark holds a pre-reservation guaranteeing space, yet there
// is nothing to discard and nothing in flight that could free any. That is
// an accounting invariant violation, not a transient condition.
func (j *Journal) checkStuck(ret openError, wm Watermark, canDiscard bool) bool {
	if wm != WatermarkReserved || canDiscard {
		return false
	}
	if ret != openErrFull && ret != openErrPinFull {
		return false
	}
	j.mu.Lock()
	unwritten := j.seq.Load() - j.seqOndisk
	j.mu.Unlock()
	if unwritten > 0 {
		return false
	}

	logger.Error("journal stuck: pre-reserved caller cannot reserve",
		"reason", ret.String(),
		logger.KeySeq, j.seq.Load(),
		logger.KeyLastSeq, j.LastSeq())
	logger.Error("journal state at failure:\n" + j.DebugString())
	logger.Error("journal pins at failure:\n" + j.PinsDebugString())

	j.halt(fmt.Errorf("journal stuck: %s with pre-reservation held: %w", ret, ErrFull))
	return true
}

// ResPut releases a reservation: a lock-free decrement of the slot's live
// reference count. Dropping the last reference on a closed entry makes it
// eligible for write-out.
func (j *Journal) ResPut(res *Res) {
	if !res.ref {
		return
	}
	res.ref = false
	j.bufPut(res.idx)
}

func (j *Journal) bufPut(idx uint32) {
	for {
		s := resState(j.reservations.Load())
		next := s.decCount(idx)
		if !j.reservations.CompareAndSwap(uint64(s), uint64(next)) {
			continue
		}
		if next.count(idx) == 0 && !(next.open() && next.idx() == idx) {
			// Last writer gone from a closed entry: hand it to the
			// write-out task.
			j.kickWrite()
		}
		return
	}
}

// entryOpenLocked opens a journal entry for the next seq. Caller must hold
// j.mu and the current entry must be closed.
//
// Refusals, in check order: journal blocked for a structural change, the
// sticky space error from the last spaceAvailable pass, fatal journal
// error, pin fifo exhausted, too many unwritten entries in flight.
func (j *Journal) entryOpenLocked() openError {
	if j.blocked > 0 {
		return openErrBlocked
	}
	if j.curEntryErr != openErrNone {
		return j.curEntryErr
	}
	if j.journalError() {
		return openErrInsufficientDevices
	}
	if j.pin.free() == 0 {
		return openErrPinFull
	}
	if j.seq.Load()-j.seqOndisk >= numBufs-1 {
		return openErrMaxInFlight
	}

	buf := j.bufs[uint32(j.seq.Load()+1)&bufMask]

	// Grow the staging buffer if an earlier reservation was limited by it
	// rather than by the disk budget. The slot has no live references
	// between write-out and reopen, so the swap is safe.
	if want := min(j.bufSizeWant, j.cfg.EntrySizeMax); want > len(buf.data)*8 {
		buf.data = make([]uint64, want/8)
	}

	// Byte budget: the granted sector allowance, less what the staging
	// buffer can hold, less fixed entry overhead and held-back budget.
	sectors := min(j.curEntrySectors, len(buf.data)*8/SectorSize)
	u64s := sectors*SectorSize/8 - entryOverheadU64s - j.entryU64sReserved
	if u64s <= 0 {
		return openErrFull
	}
	if u64s > entryOffsetMax {
		u64s = entryOffsetMax
	}

	// The pin push and the seq increment must happen together for
	// lastSeq to be computed correctly.
	j.seq.Add(1)
	j.pin.push(1)

	seq := j.seq.Load()
	buf.reset(seq)
	buf.diskSectors = j.curEntrySectors
	buf.sectors = sectors
	buf.u64sReserved = j.entryU64sReserved
	if seq == j.flushedSeqOndisk+1 {
		buf.expires = time.Now().Add(j.cfg.FlushDelay)
	} else {
		buf.expires = j.lastFlushWrite.Add(j.cfg.FlushDelay)
	}

	// Publish the budget before marking the entry open; the fast path
	// reads it lock-free after observing the open state.
	j.curEntryU64s.Store(int64(u64s))

	// Only the reference counts can change concurrently here; the offset
	// field is ours while we hold the lock.
	for {
		s := resState(j.reservations.Load())
		next := s.withIdx(uint32(seq) & bufMask).
			withOffset(0).
			incCount(uint32(seq) & bufMask)
		if j.reservations.CompareAndSwap(uint64(s), uint64(next)) {
			break
		}
	}

	j.armWriteTimer()
	j.wait.Broadcast()
	return openErrNone
}

// entryCloseLocked closes (or errors) the current entry. Idempotent: a
// no-op if the entry is already closed or in error. Caller must hold j.mu.
//
// closedVal is entryClosedVal or entryErrorVal. On a real close the
// buffer's used length and sector consumption are finalized, the entry's
// lastSeq stamp is taken, and the entry's own pin reference is released.
// The lastSeq stamp must happen before any newer entry can open: a pin
// taken against the next entry may replace one dropped from an older seq,
// and the entry on disk must never claim a reclaim bound newer than what
// it actually contains.
func (j *Journal) entryCloseLocked(closedVal uint32, reason string) {
	var old resState
	for {
		old = resState(j.reservations.Load())
		if old.offset() == entryErrorVal || old.offset() == closedVal {
			return
		}
		next := old.withOffset(closedVal)
		if j.reservations.CompareAndSwap(uint64(old), uint64(next)) {
			break
		}
	}

	if !old.open() {
		return
	}

	buf := j.curBuf()
	buf.used = old.offset()

	// Round the consumed bytes up to whole sectors.
	bytes := (int(buf.used)+entryOverheadU64s+buf.u64sReserved)*8 + SectorSize - 1
	buf.sectors = min(bytes/SectorSize, buf.diskSectors)

	buf.lastSeq = j.lastSeq()
	j.pinPutSeq(buf.seq.Load())

	j.disarmWriteTimer()
	j.spaceAvailable()

	if j.metrics != nil {
		j.metrics.EntryClosed(reason)
	}

	j.bufPut(old.idx())
}

// entryWantWriteLocked asks for the current entry to reach disk: closes it
// if nothing newer is already in flight, otherwise stamps a flush deadline
// so the timer closes it. Caller must hold j.mu.
func (j *Journal) entryWantWriteLocked() bool {
	s := resState(j.reservations.Load())
	if !s.open() || j.seq.Load() == j.seqOndisk+1 {
		j.entryCloseLocked(entryClosedVal, "flush")
		return true
	}
	if j.seq.Load() != j.seqOndisk {
		buf := j.curBuf()
		if buf.flushTime.IsZero() {
			buf.flushTime = time.Now()
			buf.expires = buf.flushTime
			j.armWriteTimer()
		}
	}
	return false
}

// EntryClose closes the current journal entry if it is open, scheduling it
// for write-out.
func (j *Journal) EntryClose() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entryWantWriteLocked()
}

// armWriteTimer (re)schedules the idle close timer for the open entry, so
// entries reach disk within FlushDelay even under light load. Caller must
// hold j.mu.
func (j *Journal) armWriteTimer() {
	d := time.Until(j.curBuf().expires)
	if d < 0 {
		d = 0
	}
	if j.writeTimer == nil {
		j.writeTimer = time.AfterFunc(d, j.writeTimerFired)
		return
	}
	j.writeTimer.Reset(d)
}

func (j *Journal) disarmWriteTimer() {
	if j.writeTimer != nil {
		j.writeTimer.Stop()
	}
}

func (j *Journal) writeTimerFired() {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := resState(j.reservations.Load())
	if !s.open() {
		return
	}
	if d := time.Until(j.curBuf().expires); d > 0 {
		j.writeTimer.Reset(d)
		return
	}
	j.entryCloseLocked(entryClosedVal, "timer")
}
