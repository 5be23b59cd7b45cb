package journal

import (
	"fmt"
	"strings"
)

// DebugString renders the journal state as human-readable text: the clock
// values, per-slot buffer state, space figures and per-device ring
// positions. For logs and the inspect command; not a stable format.
func (j *Journal) DebugString() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	var b strings.Builder
	s := resState(j.reservations.Load())

	fmt.Fprintf(&b, "seq:             %d\n", j.seq.Load())
	fmt.Fprintf(&b, "seq_ondisk:      %d\n", j.seqOndisk)
	fmt.Fprintf(&b, "flushed_ondisk:  %d\n", j.flushedSeqOndisk)
	fmt.Fprintf(&b, "last_seq:        %d\n", j.lastSeq())
	fmt.Fprintf(&b, "last_seq_ondisk: %d\n", j.lastSeqOndisk)
	fmt.Fprintf(&b, "last_empty_seq:  %d\n", j.lastEmptySeq)
	fmt.Fprintf(&b, "watermark:       %s\n", j.watermark())
	fmt.Fprintf(&b, "blocked:         %d\n", j.blocked)
	fmt.Fprintf(&b, "flush writes:    %d\n", j.nrFlushWrites)
	fmt.Fprintf(&b, "noflush writes:  %d\n", j.nrNoflushWrites)
	fmt.Fprintf(&b, "direct reclaim:  %d\n", j.nrDirectReclaim)
	fmt.Fprintf(&b, "bg reclaim:      %d\n", j.nrBackgroundReclaim)

	ps := preResState(j.prereserved.Load())
	fmt.Fprintf(&b, "prereserved:     %d/%d u64s\n", ps.reserved(), ps.remaining())

	switch {
	case s.offset() == entryErrorVal:
		fmt.Fprintf(&b, "current entry:   error\n")
	case s.offset() == entryClosedVal:
		fmt.Fprintf(&b, "current entry:   closed\n")
	default:
		fmt.Fprintf(&b, "current entry:   idx %d, offset %d/%d u64s\n",
			s.idx(), s.offset(), j.curEntryU64s.Load())
	}

	for i, buf := range j.bufs {
		seq := buf.seq.Load()
		var state string
		switch {
		case s.open() && s.idx() == uint32(i):
			state = "open"
		case seq > j.seqOndisk && seq <= j.seq.Load():
			state = "closed, unwritten"
		default:
			state = "idle"
		}
		fmt.Fprintf(&b, "buf %d: seq %d refs %d %s", i, seq, s.count(uint32(i)), state)
		if buf.noflush {
			b.WriteString(" noflush")
		}
		if buf.mustFlush {
			b.WriteString(" must_flush")
		}
		fmt.Fprintf(&b, " sectors %d/%d waiters %d\n",
			buf.sectors, buf.diskSectors, len(buf.waiters))
	}

	fmt.Fprintf(&b, "space: discarded %d, clean_ondisk %d, clean %d, total %d sectors (next entry %d)\n",
		j.space[spaceDiscarded].total,
		j.space[spaceCleanOndisk].total,
		j.space[spaceClean].total,
		j.space[spaceTotal].total,
		j.space[spaceDiscarded].nextEntry)
	fmt.Fprintf(&b, "can discard:     %v\n", j.canDiscard)

	for _, d := range j.devs {
		fmt.Fprintf(&b, "dev %d: %d buckets of %d sectors, discard %d, dirty_ondisk %d, dirty %d, cur %d, free %d sectors\n",
			d.id, len(d.buckets), d.bucketSize,
			d.discardIdx, d.dirtyIdxOndisk, d.dirtyIdx, d.curIdx, d.sectorsFree)
	}
	return b.String()
}

// PinsDebugString renders the pin fifo: every seq in [front, back) with its
// reference count and live pins by kind.
func (j *Journal) PinsDebugString() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "pin fifo: front %d, back %d, size %d\n",
		j.pin.front, j.pin.back, len(j.pin.data))

	for seq := j.pin.front; seq < j.pin.back; seq++ {
		pl := j.pin.entry(seq)
		if pl.count == 0 && pl.held.Len() == 0 && pl.keyCache.Len() == 0 && pl.flushed.Len() == 0 {
			continue
		}
		fmt.Fprintf(&b, "seq %d: refs %d", seq, pl.count)
		for e := pl.held.Front(); e != nil; e = e.Next() {
			fmt.Fprintf(&b, " %s", e.Value.(*Pin).target.PinKind())
		}
		for e := pl.keyCache.Front(); e != nil; e = e.Next() {
			fmt.Fprintf(&b, " %s", e.Value.(*Pin).target.PinKind())
		}
		for e := pl.flushed.Front(); e != nil; e = e.Next() {
			fmt.Fprintf(&b, " %s(flushing)", e.Value.(*Pin).target.PinKind())
		}
		b.WriteByte('\n')
	}
	return b.String()
}
