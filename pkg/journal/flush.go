package journal

import (
	"context"
	"fmt"
)

// FlushSeqAsync arranges for seq to become durable through a device cache
// flush and returns a channel that receives the outcome exactly once. If
// seq is already flushed the channel is ready immediately.
//
// Entries submitted (or marked) as noflush writes cannot be upgraded once
// in flight, so the request escalates to the next flushable seq, opening a
// fresh entry when everything current is already written.
func (j *Journal) FlushSeqAsync(seq uint64) <-chan error {
	ch := make(chan error, 1)

	j.mu.Lock()
	for {
		if seq <= j.flushedSeqOndisk {
			ch <- nil
			break
		}
		if j.errSeq != 0 && seq >= j.errSeq {
			err := j.fatalErr
			if err == nil {
				err = ErrShutdown
			}
			ch <- err
			break
		}

		// A written-but-unflushed seq is made durable by flushing any
		// newer one.
		if seq <= j.seqOndisk {
			seq = j.seqOndisk + 1
		}

		if seq > j.seq.Load() {
			j.mu.Unlock()
			var res Res
			if err := j.ResGet(&res, 0, WatermarkReserved, 0); err != nil {
				ch <- err
				return ch
			}
			j.mu.Lock()
			buf := j.bufs[uint32(res.Seq)&bufMask]
			buf.mustFlush = true
			buf.waiters = append(buf.waiters, ch)
			j.ResPut(&res)
			j.entryWantWriteLocked()
			break
		}

		buf := j.seqToBuf(seq)
		if buf == nil {
			continue // written while we looked; recheck from the top
		}
		if buf.noflush {
			// Already bound for a noflush write.
			seq++
			continue
		}
		buf.mustFlush = true
		buf.waiters = append(buf.waiters, ch)
		if seq == j.seq.Load() {
			j.entryWantWriteLocked()
		}
		break
	}
	j.mu.Unlock()
	return ch
}

// FlushSeq blocks until seq is durable through a device cache flush.
func (j *Journal) FlushSeq(ctx context.Context, seq uint64) error {
	select {
	case err := <-j.FlushSeqAsync(seq):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushAll flushes everything staged so far.
func (j *Journal) FlushAll(ctx context.Context) error {
	return j.FlushSeq(ctx, j.Seq())
}

// Meta writes and flushes a journal entry with no payload. Used where only
// the journal clock matters: marking a clean shutdown, or forcing lastSeq
// onto disk after a large reclaim.
func (j *Journal) Meta(ctx context.Context) error {
	// Close the current entry first so the marker lands in a fresh empty
	// one rather than joining payload already staged by other writers.
	j.mu.Lock()
	j.entryCloseLocked(entryClosedVal, "flush")
	j.mu.Unlock()

	var res Res
	if err := j.ResGet(&res, 0, WatermarkReserved, 0); err != nil {
		return err
	}
	seq := res.Seq
	j.ResPut(&res)
	return j.FlushSeq(ctx, seq)
}

// NoflushSeq marks every unwritten seq up to (excluding) seq as eligible
// for a noflush write, reporting whether that was possible. It fails if any
// such seq already has a flush waiter, or if seq is already flush-durable
// (a past flush cannot be taken back).
func (j *Journal) NoflushSeq(seq uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.flushedSeqOndisk {
		return false
	}
	for s := j.seqOndisk + 1; s < seq && s <= j.seq.Load(); s++ {
		buf := j.seqToBuf(s)
		if buf == nil {
			continue
		}
		if buf.mustFlush {
			return false
		}
		buf.noflush = true
	}
	return true
}

// LogMsg stages a human-readable marker into the journal, visible in the
// entry dump of debugging tools. The record is a u64 byte length followed
// by the message bytes packed little-endian.
func (j *Journal) LogMsg(format string, args ...any) error {
	b := []byte(fmt.Sprintf(format, args...))
	words := (len(b) + 7) / 8

	var res Res
	if err := j.ResGet(&res, uint32(1+words), WatermarkNormal, 0); err != nil {
		return err
	}
	e := j.Entry(&res)
	e[0] = uint64(len(b))
	for i := 0; i < words; i++ {
		var w uint64
		for k := 0; k < 8 && i*8+k < len(b); k++ {
			w |= uint64(b[i*8+k]) << (8 * k)
		}
		e[1+i] = w
	}
	j.ResPut(&res)
	return nil
}

// EntryRes is a standing reservation of entry headroom: U64s u64s are held
// back from the budget of every entry opened while it is in effect.
// Consumers that must always fit a record in the current entry (clock
// updates, for one) size an EntryRes once instead of racing for space.
type EntryRes struct {
	U64s int
}

// EntryResResize adjusts a standing entry reservation to newU64s. Growing
// it may shrink the currently open entry's budget; if reservations have
// already overshot the reduced budget the entry is closed and a fresh one
// opened with the new headroom.
func (j *Journal) EntryResResize(res *EntryRes, newU64s int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	d := newU64s - res.U64s
	j.entryU64sReserved += d
	res.U64s = newU64s
	if d <= 0 {
		return
	}

	cur := j.curEntryU64s.Load() - int64(d)
	if cur < 0 {
		cur = 0
	}
	j.curEntryU64s.Store(cur)

	s := resState(j.reservations.Load())
	if s.open() && int64(s.offset()) > cur {
		j.entryCloseLocked(entryClosedVal, "full")
		j.entryOpenLocked()
	}
}
