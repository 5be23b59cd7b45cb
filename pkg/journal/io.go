package journal

import (
	"fmt"
	"time"

	"github.com/crestfs/crestfs/internal/logger"
)

// kickWrite nudges the write-out task. Never blocks; the channel holds one
// pending kick and the loop drains all writable entries per wakeup.
func (j *Journal) kickWrite() {
	select {
	case j.writeKick <- struct{}{}:
	default:
	}
}

// writeLoop is the journal's single write-out goroutine. Entries are
// written strictly in seq order, one at a time: seqOndisk advances only
// when the write for seqOndisk+1 completes, so completion order equals
// submission order with no further coordination.
func (j *Journal) writeLoop() {
	defer j.bg.Done()

	for {
		select {
		case <-j.bgCtx.Done():
			// Drain what is already closed so Stop's quiesce
			// terminates.
			for j.writeOne() {
			}
			return
		case <-j.writeKick:
			for j.writeOne() {
			}
		}
	}
}

// writeOne writes the oldest unwritten closed entry, if any. Returns false
// when nothing is writable.
func (j *Journal) writeOne() bool {
	j.mu.Lock()
	buf, req := j.nextWriteableLocked()
	if buf == nil {
		j.mu.Unlock()
		return false
	}
	j.mu.Unlock()

	err := j.writer.WriteEntry(j.bgCtx, req)
	j.writeDone(buf, req, err)
	return err == nil
}

// nextWriteableLocked returns the buffer for seqOndisk+1 if it is closed
// with no live reservations, allocating its on-disk targets and deciding
// the flush mode. Caller must hold j.mu.
func (j *Journal) nextWriteableLocked() (*buffer, *WriteRequest) {
	if j.journalError() && j.fatalErr != nil {
		return nil, nil
	}

	seq := j.seqOndisk + 1
	if seq > j.seq.Load() {
		return nil, nil
	}

	idx := uint32(seq) & bufMask
	s := resState(j.reservations.Load())
	if s.open() && s.idx() == idx {
		return nil, nil // still the open entry
	}
	if s.count(idx) != 0 {
		return nil, nil // reservation holders still staging
	}

	buf := j.bufs[idx]

	// A write without a device cache flush is cheaper but advances
	// neither flushedSeqOndisk nor the on-disk reclaim bound. Skip the
	// flush only while nothing depends on it and a flush happened
	// recently enough.
	buf.noflush = !buf.mustFlush &&
		time.Since(j.lastFlushWrite) < j.cfg.FlushDelay

	j.writeAlloc(buf)

	req := &WriteRequest{
		Seq:     seq,
		Flush:   !buf.noflush,
		Payload: buf.data[:buf.used],
		Targets: buf.targets,
	}
	if buf.noflush {
		// Replay must not trust a non-flushed entry's reclaim bound;
		// zero marks it invalid on disk.
		req.LastSeq = 0
	} else {
		req.LastSeq = buf.lastSeq
	}
	return buf, req
}

// writeDone applies a write completion: advances the on-disk clocks, wakes
// flush waiters and republishes space.
func (j *Journal) writeDone(buf *buffer, req *WriteRequest, err error) {
	if err != nil {
		logger.Error("journal write failed",
			logger.KeySeq, req.Seq,
			logger.KeyError, err)
		j.halt(fmt.Errorf("journal write seq %d: %w", req.Seq, err))
		return
	}

	j.mu.Lock()
	j.seqOndisk = req.Seq
	if req.Flush {
		j.flushedSeqOndisk = req.Seq
		j.lastSeqOndisk = buf.lastSeq
		j.lastFlushWrite = time.Now()
		j.nrFlushWrites++
	} else {
		j.nrNoflushWrites++
	}
	if buf.used == 0 {
		j.lastEmptySeq = req.Seq
	}

	buf.wake(nil)
	j.spaceAvailable()
	j.wait.Broadcast()
	j.mu.Unlock()

	if j.metrics != nil {
		j.metrics.WriteDone(req.Flush, buf.sectors)
	}
	j.kickReclaim()
}

// writeCounts returns the number of flush and noflush writes completed, for
// the debug dump and tests.
func (j *Journal) writeCounts() (flush, noflush uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nrFlushWrites, j.nrNoflushWrites
}
