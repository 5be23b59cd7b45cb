package journal

import (
	"container/list"
	"fmt"
)

// PinKind identifies the owner of a pin. The set is closed: reclaim
// dispatches on the kind rather than through an opaque callback, keeping
// ownership and flush order explicit.
type PinKind int

const (
	// PinBtreeNode protects a dirty btree leaf not yet written back.
	PinBtreeNode PinKind = iota

	// PinKeyCache protects a btree key cache entry. Key cache pins are
	// kept on their own sub-list because reclaim flushes them last: they
	// are cheap to flush and tend to be re-dirtied.
	PinKeyCache

	// PinBtreeInterior protects a pending interior btree update.
	PinBtreeInterior
)

func (k PinKind) String() string {
	switch k {
	case PinBtreeNode:
		return "btree-node"
	case PinKeyCache:
		return "key-cache"
	case PinBtreeInterior:
		return "btree-interior"
	default:
		return "unknown"
	}
}

// PinTarget is the in-memory structure a pin protects. FlushPin must write
// the structure back independent of the journal and drop the pin (reclaim
// drops it afterwards if the target did not).
type PinTarget interface {
	PinKind() PinKind
	FlushPin(seq uint64) error
}

// Pin is a registration that in-memory state depending on seq has not been
// made durable by other means. While any pin on seq is live, lastSeq does
// not advance past it and the buckets holding seq are not reclaimed.
type Pin struct {
	seq    uint64
	target PinTarget

	elem    *list.Element
	lst     *list.List
	dropped bool
}

// Seq returns the sequence number the pin holds.
func (p *Pin) Seq() uint64 { return p.seq }

// pinList is the set of pins against a single seq, split per the flush
// policy above, plus the seq's reference count. The count includes one
// reference for the entry itself, held from open until close (or until
// replay for entries reconstructed at startup).
type pinList struct {
	held     *list.List // PinBtreeNode, PinBtreeInterior
	keyCache *list.List // PinKeyCache
	flushed  *list.List // flush issued, drop pending
	count    int
	devs     []uint32 // devices holding a copy, recorded at replay
}

func newPinList(count int) *pinList {
	return &pinList{
		held:     list.New(),
		keyCache: list.New(),
		flushed:  list.New(),
		count:    count,
	}
}

func (p *pinList) empty() bool {
	return p.count == 0
}

// pinFifo is a ring of pinLists indexed by seq. front is the oldest seq
// with any live reference (== lastSeq), back is the next seq to be
// assigned (== seq(cur)+1).
type pinFifo struct {
	data        []*pinList // len is a power of two
	front, back uint64
}

func newPinFifo(size int) pinFifo {
	n := 1
	for n < size {
		n <<= 1
	}
	return pinFifo{data: make([]*pinList, n)}
}

func (f *pinFifo) used() uint64 { return f.back - f.front }
func (f *pinFifo) free() uint64 { return uint64(len(f.data)) - f.used() }

func (f *pinFifo) entry(seq uint64) *pinList {
	return f.data[seq&uint64(len(f.data)-1)]
}

// push assigns a fresh pinList to seq f.back.
func (f *pinFifo) push(count int) *pinList {
	p := newPinList(count)
	f.data[f.back&uint64(len(f.data)-1)] = p
	f.back++
	return p
}

// lastSeq returns the oldest seq any live pin depends on. This is the sole
// coupling between the pin subsystem and bucket reclaim. Caller must hold
// j.mu.
func (j *Journal) lastSeq() uint64 {
	return j.pin.front
}

// LastSeq returns the reclaim bound: the oldest seq with a live pin.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pin.front
}

// AddPin registers a pin on seq. The caller must hold a reservation or the
// journal lock for a seq that is still unwritten-or-open; pinning a seq
// newer than the current entry is a bug.
func (j *Journal) AddPin(seq uint64, target PinTarget) *Pin {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq >= j.pin.back {
		panic(fmt.Sprintf("journal: pin on unassigned seq %d (back %d)", seq, j.pin.back))
	}
	if seq < j.pin.front {
		panic(fmt.Sprintf("journal: pin on retired seq %d (front %d)", seq, j.pin.front))
	}

	p := &Pin{seq: seq, target: target}
	pl := j.pin.entry(seq)
	pl.count++
	if target.PinKind() == PinKeyCache {
		p.lst = pl.keyCache
	} else {
		p.lst = pl.held
	}
	p.elem = p.lst.PushBack(p)
	return p
}

// DropPin releases a pin. Idempotent. If this retires the last reference
// on the fifo front, lastSeq advances over all now-empty consecutive seqs;
// this is the only way lastSeq moves.
func (j *Journal) DropPin(p *Pin) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.dropPinLocked(p)
}

func (j *Journal) dropPinLocked(p *Pin) {
	if p.dropped {
		return
	}
	p.dropped = true
	if p.elem != nil {
		p.lst.Remove(p.elem)
		p.elem = nil
	}
	j.pinPutSeq(p.seq)
}

// pinPutSeq releases one reference on seq's pin list.
// Caller must hold j.mu.
func (j *Journal) pinPutSeq(seq uint64) {
	pl := j.pin.entry(seq)
	if pl.count <= 0 {
		panic(fmt.Sprintf("journal: pin count underflow at seq %d", seq))
	}
	pl.count--
	if pl.empty() && seq == j.pin.front {
		j.reclaimFast()
	}
}

// reclaimFast advances the fifo front over empty pin lists and republishes
// space. Caller must hold j.mu.
func (j *Journal) reclaimFast() {
	advanced := false
	for j.pin.used() > 1 && j.pin.entry(j.pin.front).empty() {
		j.pin.front++
		advanced = true
	}
	// The front may catch up to back-1 only once that seq is fully
	// retired too, which happens when the entry is both written and
	// unpinned; back-1 is always the current seq.
	if advanced {
		j.spaceAvailable()
		j.kickReclaim()
		j.wait.Broadcast()
	}
}

// FlushPins synchronously flushes every pin on seqs <= upTo, oldest first,
// blocking until each target write-back completes. Used before destructive
// operations (device removal, shutdown, bucket resize) so no dependency
// remains on soon-to-be-invalid state. Returns the number of pins flushed.
func (j *Journal) FlushPins(upTo uint64) (int, error) {
	var flushed int
	for {
		p := j.popPinToFlush(upTo)
		if p == nil {
			return flushed, nil
		}

		err := p.target.FlushPin(p.seq)

		j.mu.Lock()
		j.flushingPin = nil
		if err == nil {
			// The target normally drops its own pin from inside
			// FlushPin; cover the ones that do not.
			j.dropPinLocked(p)
		}
		j.pinFlushWait.Broadcast()
		j.mu.Unlock()

		if err != nil {
			return flushed, fmt.Errorf("flush pin seq %d (%s): %w", p.seq, p.target.PinKind(), err)
		}
		flushed++
	}
}

// PinFlushWait blocks until p has no write-back in flight. An owner about
// to free the structure a pin protects calls this after DropPin, so reclaim
// is never left flushing freed memory.
func (j *Journal) PinFlushWait(p *Pin) {
	j.mu.Lock()
	for j.flushingPin == p {
		j.pinFlushWait.Wait()
	}
	j.mu.Unlock()
}

// popPinToFlush takes the oldest live pin with seq <= upTo, moves it to its
// seq's flushed list and marks it in flight.
func (j *Journal) popPinToFlush(upTo uint64) *Pin {
	j.mu.Lock()
	defer j.mu.Unlock()

	for seq := j.pin.front; seq < j.pin.back && seq <= upTo; seq++ {
		pl := j.pin.entry(seq)
		// Plain pins first; key cache pins are flushed last.
		for _, lst := range []*list.List{pl.held, pl.keyCache} {
			if e := lst.Front(); e != nil {
				p := e.Value.(*Pin)
				lst.Remove(e)
				p.lst = pl.flushed
				p.elem = pl.flushed.PushBack(p)
				j.flushingPin = p
				return p
			}
		}
	}
	return nil
}

// pinCount returns the number of live pins across all seqs.
// Caller must hold j.mu.
func (j *Journal) pinCount() int {
	n := 0
	for seq := j.pin.front; seq < j.pin.back; seq++ {
		pl := j.pin.entry(seq)
		n += pl.held.Len() + pl.keyCache.Len() + pl.flushed.Len()
	}
	return n
}
