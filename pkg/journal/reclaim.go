package journal

import (
	"time"

	"github.com/crestfs/crestfs/internal/logger"
)

// kickReclaim nudges the background reclaim task. Never blocks.
func (j *Journal) kickReclaim() {
	select {
	case j.reclaimKick <- struct{}{}:
	default:
	}
}

// reclaimLoop is the background reclaim goroutine: it runs on every kick
// (pin retirement, write completion, full reservations) and periodically as
// a backstop, so space recovers even when no foreground thread is pushing.
func (j *Journal) reclaimLoop() {
	defer j.bg.Done()

	ticker := time.NewTicker(j.cfg.FlushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-j.bgCtx.Done():
			return
		case <-j.reclaimKick:
		case <-ticker.C:
		}

		j.reclaimMu.Lock()
		j.reclaimOnce(false)
		j.reclaimMu.Unlock()
	}
}

// reclaimOnce runs one reclaim pass: discard whatever is already
// reclaimable, then flush old pins until the journal is comfortably empty,
// then discard again. Caller must hold j.reclaimMu. Also called directly
// from the reservation slow path when a foreground thread finds the journal
// full.
func (j *Journal) reclaimOnce(direct bool) {
	j.DiscardBuckets(j.discard)

	j.mu.Lock()
	if direct {
		j.nrDirectReclaim++
	} else {
		j.nrBackgroundReclaim++
	}
	upTo := j.seqToFlushLocked()
	front := j.pin.front
	j.mu.Unlock()

	var flushed int
	if upTo >= front && j.pinCountAtOrBelow(upTo) > 0 {
		n, err := j.FlushPins(upTo)
		flushed = n
		if err != nil {
			logger.Error("journal reclaim: pin flush failed",
				logger.KeySeq, upTo,
				logger.KeyError, err)
		}
		if n > 0 {
			j.DiscardBuckets(j.discard)
		}
	}

	if j.metrics != nil {
		j.mu.Lock()
		pins := j.pinCount()
		j.mu.Unlock()
		j.metrics.ReclaimRun(direct, flushed)
		j.metrics.SetPinCount(pins)
	}
}

// seqToFlushLocked decides how far reclaim should push lastSeq: enough to
// keep each device's ring at most half full, the pin fifo at most half
// full, and everything when admission is already throttled or the
// pre-reservation budget is overcommitted. Caller must hold j.mu.
func (j *Journal) seqToFlushLocked() uint64 {
	var seq uint64

	for _, d := range j.devs {
		nr := len(d.buckets)
		if nr == 0 {
			continue
		}
		idx := (d.curIdx + nr/2) % nr
		if d.bucketSeq[idx] > seq {
			seq = d.bucketSeq[idx]
		}
	}

	if half := uint64(len(j.pin.data)) / 2; j.pin.used() > half {
		if s := j.pin.back - half; s > seq {
			seq = s
		}
	}

	ps := preResState(j.prereserved.Load())
	if j.watermark() != WatermarkNormal || ps.reserved() > ps.remaining() {
		if cur := j.seq.Load(); cur > seq {
			seq = cur
		}
	}
	return seq
}

// pinCountAtOrBelow counts live pins with seq <= upTo.
func (j *Journal) pinCountAtOrBelow(upTo uint64) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := 0
	for seq := j.pin.front; seq < j.pin.back && seq <= upTo; seq++ {
		pl := j.pin.entry(seq)
		n += pl.held.Len() + pl.keyCache.Len()
	}
	return n
}

// reclaimCounts returns how many direct and background reclaim passes have
// run, for the debug dump and tests.
func (j *Journal) reclaimCounts() (direct, background uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nrDirectReclaim, j.nrBackgroundReclaim
}
