package journal

import (
	"fmt"

	"github.com/crestfs/crestfs/internal/logger"
)

// spaceKind selects which notion of free space a figure describes. The
// kinds are ordered pessimistic to optimistic: discarded space is usable
// right now, clean space still needs a discard (and possibly a superblock
// write of lastSeqOndisk) before the buckets can be rewritten.
type spaceKind int

const (
	spaceDiscarded spaceKind = iota
	spaceCleanOndisk
	spaceClean
	spaceTotal
	spaceNr
)

func (k spaceKind) String() string {
	switch k {
	case spaceDiscarded:
		return "discarded"
	case spaceCleanOndisk:
		return "clean ondisk"
	case spaceClean:
		return "clean"
	case spaceTotal:
		return "total"
	default:
		return "unknown"
	}
}

// spaceFigure is free space of one kind, in sectors. nextEntry is the
// largest entry that can be written now (bounded by the smallest per-device
// contiguous run), total is the aggregate.
type spaceFigure struct {
	nextEntry int
	total     int
}

// Space is the externally visible space accounting snapshot.
type Space struct {
	Discarded   int
	CleanOndisk int
	Clean       int
	Total       int
}

// Device is the journal's view of one member device: a logical ring over a
// physical bucket array that need not be contiguous.
//
// Ring positions, each advancing modulo nr:
//
//	discardIdx      oldest bucket, reclaimable once its seq is below
//	                lastSeqOndisk; discard/TRIM issued here
//	dirtyIdxOndisk  oldest bucket a crash-recovery replay could need
//	dirtyIdx        oldest bucket with unwritten in-memory state
//	curIdx          bucket taking the next write
//
// All fields are guarded by the journal lock; the bucket array itself is
// mutated only under both the journal lock and the superblock commit in
// GrowBuckets.
type Device struct {
	id         uint32
	bucketSize int // sectors

	buckets   []uint64
	bucketSeq []uint64 // highest seq written to each bucket

	discardIdx     int
	dirtyIdxOndisk int
	dirtyIdx       int
	curIdx         int

	sectorsFree int // unwritten sectors remaining in buckets[curIdx]
}

// NewDevice describes a journal member device to the journal.
// bucketSizeSectors is the erase/allocation unit in 512-byte sectors.
func NewDevice(id uint32, bucketSizeSectors int, buckets []uint64) *Device {
	return &Device{
		id:          id,
		bucketSize:  bucketSizeSectors,
		buckets:     append([]uint64(nil), buckets...),
		bucketSeq:   make([]uint64, len(buckets)),
		sectorsFree: bucketSizeSectors,
	}
}

// ID returns the device's member index.
func (d *Device) ID() uint32 { return d.id }

// Buckets returns a copy of the device's journal bucket list.
func (d *Device) Buckets() []uint64 {
	return append([]uint64(nil), d.buckets...)
}

// bucketsAvailable counts buckets writable under the given space kind.
// The ring wraps: curIdx chases discardIdx, and one bucket is always held
// back so curIdx never catches the reclaim boundary.
func (d *Device) bucketsAvailable(kind spaceKind) int {
	if len(d.buckets) == 0 {
		return 0
	}
	nr := len(d.buckets)
	sub := func(a, b int) int { return (a - b + nr) % nr }

	var avail int
	switch kind {
	case spaceDiscarded:
		avail = sub(d.discardIdx, d.curIdx+1)
	case spaceCleanOndisk:
		avail = sub(d.dirtyIdxOndisk, d.curIdx+1)
	case spaceClean:
		avail = sub(d.dirtyIdx, d.curIdx+1)
	case spaceTotal:
		return nr - 1
	}
	return avail
}

// advanceDevIndexes moves the dirty/discard boundaries forward as the
// on-disk and in-memory reclaim bounds advance. Caller must hold j.mu.
func (j *Journal) advanceDevIndexes(d *Device) {
	nr := len(d.buckets)
	if nr == 0 {
		return
	}
	for d.dirtyIdxOndisk != d.dirtyIdx &&
		d.bucketSeq[d.dirtyIdxOndisk] < j.lastSeqOndisk {
		d.dirtyIdxOndisk = (d.dirtyIdxOndisk + 1) % nr
	}
	for d.dirtyIdx != d.curIdx &&
		d.bucketSeq[d.dirtyIdx] < j.lastSeq() {
		d.dirtyIdx = (d.dirtyIdx + 1) % nr
	}
}

// spaceAvailable recomputes the space figures, the admission watermark and
// the size budget for the next entry. Called after every close, completion,
// reclaim and discard event. Caller must hold j.mu.
func (j *Journal) spaceAvailable() {
	var nrDevs int
	for _, d := range j.devs {
		if len(d.buckets) > 0 {
			nrDevs++
		}
	}
	if nrDevs < j.cfg.RequiredDevices {
		j.curEntryErr = openErrInsufficientDevices
		j.curEntrySectors = 0
		for k := range j.space {
			j.space[k] = spaceFigure{}
		}
		return
	}

	canDiscard := false
	for _, d := range j.devs {
		j.advanceDevIndexes(d)
		if d.discardIdx != d.dirtyIdxOndisk {
			canDiscard = true
		}
	}
	j.canDiscard = canDiscard

	for k := spaceKind(0); k < spaceNr; k++ {
		j.space[k] = j.spaceFor(k)
	}

	j.curEntrySectors = j.space[spaceDiscarded].nextEntry

	clean := j.space[spaceClean].total
	total := j.space[spaceTotal].total

	// Outstanding pre-reservations are promised space: they count as
	// already spent when setting the admission bar, so ordinary writers
	// are throttled before pre-reserved operations can be starved.
	admit := clean - int(j.preResReserved())*8/SectorSize
	switch {
	case admit*8 < total:
		j.setWatermark(WatermarkReserved)
	case admit*4 < total:
		j.setWatermark(WatermarkReclaim)
	default:
		j.setWatermark(WatermarkNormal)
	}

	if j.curEntrySectors == 0 {
		j.curEntryErr = openErrFull
	} else if j.curEntryErr == openErrFull || j.curEntryErr == openErrInsufficientDevices {
		j.curEntryErr = openErrNone
	}

	if j.metrics != nil {
		j.metrics.SpaceUpdate(
			int64(j.space[spaceDiscarded].total),
			int64(j.space[spaceCleanOndisk].total),
			int64(clean),
			int64(total),
		)
	}
}

func (j *Journal) spaceFor(kind spaceKind) spaceFigure {
	var fig spaceFigure
	first := true
	for _, d := range j.devs {
		if len(d.buckets) == 0 {
			continue
		}
		sectors := d.bucketsAvailable(kind) * d.bucketSize
		next := d.bucketSize
		if kind == spaceDiscarded {
			// The open bucket's remaining room counts toward the
			// immediately writable figure.
			sectors += d.sectorsFree
			if d.sectorsFree > 0 {
				next = d.sectorsFree
			}
		}
		if first || next < fig.nextEntry {
			fig.nextEntry = next
		}
		fig.total += sectors
		first = false
	}
	return fig
}

// SpaceAvailable returns the current space accounting snapshot.
func (j *Journal) SpaceAvailable() Space {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Space{
		Discarded:   j.space[spaceDiscarded].total,
		CleanOndisk: j.space[spaceCleanOndisk].total,
		Clean:       j.space[spaceClean].total,
		Total:       j.space[spaceTotal].total,
	}
}

// writeAlloc picks the on-disk targets for a closed buffer, advancing each
// device's current bucket when the entry does not fit in the remaining
// room. Caller must hold j.mu.
func (j *Journal) writeAlloc(buf *buffer) {
	seq := buf.seq.Load()
	for _, d := range j.devs {
		nr := len(d.buckets)
		if nr == 0 {
			continue
		}
		if d.sectorsFree < buf.sectors {
			next := (d.curIdx + 1) % nr
			if next == d.discardIdx {
				// Ring exhausted on this device; skip it. Space
				// accounting already throttled admissions.
				continue
			}
			d.curIdx = next
			d.sectorsFree = d.bucketSize
		}
		buf.targets = append(buf.targets, WriteTarget{
			Device: d.id,
			Bucket: d.buckets[d.curIdx],
			Sector: int64(d.bucketSize - d.sectorsFree),
		})
		d.bucketSeq[d.curIdx] = seq
		d.sectorsFree -= buf.sectors
	}
}

// DiscardBuckets advances each device's discard index over buckets that no
// longer hold any seq >= lastSeqOndisk, issuing the device discard through
// the supplied hook (nil is allowed; TRIM is advisory). Safe to call from
// any goroutine.
func (j *Journal) DiscardBuckets(discard func(device uint32, bucket uint64) error) {
	j.discardMu.Lock()
	defer j.discardMu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, d := range j.devs {
		for len(d.buckets) > 0 && d.discardIdx != d.dirtyIdxOndisk {
			bucket := d.buckets[d.discardIdx]
			if discard != nil {
				j.mu.Unlock()
				err := discard(d.id, bucket)
				j.mu.Lock()
				if err != nil {
					logger.Warn("journal bucket discard failed",
						logger.KeyDevice, d.id,
						logger.KeyBucket, bucket,
						logger.KeyError, err)
				}
			}
			// The ring may have grown while the lock was down. Inserts
			// land at the discard point and shift discardIdx with them,
			// so it still names the bucket just discarded; only the
			// modulus must be re-read.
			d.discardIdx = (d.discardIdx + 1) % len(d.buckets)
		}
	}
	j.spaceAvailable()
	j.wait.Broadcast()
}

// GrowBuckets raises the device's journal bucket count to nr, allocating
// the difference from the filesystem's bucket allocator and persisting the
// new list through the superblock writer. New buckets are inserted at the
// discard point so the relative order of existing buckets is preserved.
//
// The journal is blocked for the duration so no writer can observe a
// half-updated ring. On any failure the in-memory ring is reverted to its
// prior state.
func (j *Journal) GrowBuckets(d *Device, nr int) error {
	if j.alloc == nil || j.sb == nil {
		return fmt.Errorf("grow journal buckets: no allocator or superblock writer configured")
	}

	j.Block()
	defer j.Unblock()

	if _, err := j.FlushPins(^uint64(0)); err != nil {
		return fmt.Errorf("grow journal buckets: %w", err)
	}

	j.mu.Lock()
	want := nr - len(d.buckets)
	j.mu.Unlock()
	if want <= 0 {
		return nil
	}

	// Allocate outside the journal lock; allocation can do I/O. The ring
	// is not touched until every requested bucket is in hand, so a midway
	// allocation failure leaves the device exactly as it was.
	got := make([]uint64, 0, want)
	for i := 0; i < want; i++ {
		b, err := j.alloc.AllocBucket(d.id)
		if err != nil {
			for _, b := range got {
				j.alloc.FreeBucket(d.id, b)
			}
			return fmt.Errorf("grow journal buckets dev %d: got %d of %d: %w",
				d.id, len(got), want, err)
		}
		got = append(got, b)
	}

	j.mu.Lock()

	old := struct {
		buckets   []uint64
		bucketSeq []uint64
		discard   int
		dirtyOnd  int
		dirty     int
		cur       int
	}{
		buckets:   d.buckets,
		bucketSeq: d.bucketSeq,
		discard:   d.discardIdx,
		dirtyOnd:  d.dirtyIdxOndisk,
		dirty:     d.dirtyIdx,
		cur:       d.curIdx,
	}

	d.buckets = append([]uint64(nil), d.buckets...)
	d.bucketSeq = append([]uint64(nil), d.bucketSeq...)

	for _, b := range got {
		pos := d.discardIdx
		if len(d.buckets) == 0 {
			pos = 0
		}
		d.buckets = insertU64(d.buckets, pos, b)
		d.bucketSeq = insertU64(d.bucketSeq, pos, 0)
		n := len(d.buckets)
		if pos <= d.discardIdx {
			d.discardIdx = (d.discardIdx + 1) % n
		}
		if pos <= d.dirtyIdxOndisk {
			d.dirtyIdxOndisk = (d.dirtyIdxOndisk + 1) % n
		}
		if pos <= d.dirtyIdx {
			d.dirtyIdx = (d.dirtyIdx + 1) % n
		}
		if pos <= d.curIdx {
			d.curIdx = (d.curIdx + 1) % n
		}
	}

	newList := append([]uint64(nil), d.buckets...)
	j.mu.Unlock()

	// Commit the new list durably before exposing it to writers.
	if err := j.sb.PersistJournalBuckets(d.id, newList); err != nil {
		j.mu.Lock()
		d.buckets = old.buckets
		d.bucketSeq = old.bucketSeq
		d.discardIdx = old.discard
		d.dirtyIdxOndisk = old.dirtyOnd
		d.dirtyIdx = old.dirty
		d.curIdx = old.cur
		j.mu.Unlock()
		for _, b := range got {
			j.alloc.FreeBucket(d.id, b)
		}
		return fmt.Errorf("persist journal buckets dev %d: %w", d.id, err)
	}

	j.mu.Lock()
	j.spaceAvailable()
	j.mu.Unlock()

	logger.Info("journal buckets grown",
		logger.KeyDevice, d.id,
		logger.KeyBuckets, len(newList),
		"added", len(got))
	return nil
}

func insertU64(s []uint64, pos int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[pos+1:], s[pos:])
	s[pos] = v
	return s
}
