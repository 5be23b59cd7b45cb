package journal

import (
	"sync/atomic"
	"time"
)

// buffer is one fixed-size in-memory staging area for a journal entry.
// While open it is owned by the journal and written by reservation holders
// at disjoint offsets. Once closed, the staged u64s pass read-only to the
// EntryWriter until completion, then the buffer is reset and reused.
// Buffers live in a ring of numBufs slots indexed by seq&bufMask.
type buffer struct {
	// seq the buffer is staging. Written under j.mu at open; read
	// lock-free by the reservation fast path after it has taken a
	// reference, which is what keeps the value stable.
	seq atomic.Uint64

	data []uint64 // staging area; len(data) bounds u64s per entry

	used         uint32 // u64s staged, finalized at close
	u64sReserved int    // budget held back for entry_res callers

	// diskSectors is the on-disk allowance granted at open from the
	// space manager; sectors is the actual consumption computed at close.
	sectors     int
	diskSectors int

	expires   time.Time // deadline for the idle close timer
	flushTime time.Time // when a flush was first requested; zero = none

	noflush   bool // write without a device cache flush
	mustFlush bool // a flush waiter depends on this entry

	// lastSeq is stamped at close from the pin fifo front. It is the
	// value replay uses to bound the window, so it must be final before
	// a newer entry can open.
	lastSeq uint64

	// targets records where on disk the entry will land, chosen when the
	// write is submitted. Retained until the slot is reused so DevStop
	// can tell whether a device has writes in flight.
	targets []WriteTarget

	waiters []chan error // flush waiters, completed or failed exactly once
}

func (b *buffer) reset(seq uint64) {
	b.seq.Store(seq)
	b.used = 0
	b.u64sReserved = 0
	b.sectors = 0
	b.diskSectors = 0
	b.expires = time.Time{}
	b.flushTime = time.Time{}
	b.noflush = false
	b.mustFlush = false
	b.lastSeq = 0
	b.targets = b.targets[:0]
	for i := range b.data {
		b.data[i] = 0
	}
}

// wake completes every flush waiter with err (nil on durable success).
func (b *buffer) wake(err error) {
	for _, ch := range b.waiters {
		ch <- err
	}
	b.waiters = nil
}

// curBuf returns the buffer for the current (highest-opened) seq.
// Caller must hold j.mu.
func (j *Journal) curBuf() *buffer {
	return j.bufs[uint32(j.seq.Load())&bufMask]
}

// seqToBuf returns the buffer holding seq, or nil if seq is already
// durable. Caller must hold j.mu.
func (j *Journal) seqToBuf(seq uint64) *buffer {
	if seq <= j.seqOndisk || seq > j.seq.Load() {
		return nil
	}
	return j.bufs[uint32(seq)&bufMask]
}

// Entry returns the staged range granted by res. The caller owns exactly
// this slice until ResPut; ranges of concurrent reservations never overlap.
func (j *Journal) Entry(res *Res) []uint64 {
	buf := j.bufs[res.idx]
	return buf.data[res.Offset : res.Offset+res.U64s]
}
