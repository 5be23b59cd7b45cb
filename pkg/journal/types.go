// Package journal implements the CrestFS write-ahead journal.
//
// Every metadata mutation (btree insert, allocator update, superblock
// change) is staged into the journal before the in-memory btree is allowed
// to diverge from disk. After a crash the filesystem replays the journal to
// reach a consistent state.
//
// The package is an admission-control system layered over a ring of
// on-disk buckets:
//
//   - Writers take reservations against the currently open journal entry.
//     The hot path is a single compare-and-swap on a packed state word and
//     never blocks or allocates.
//   - Pins record that in-memory state depending on a sequence number has
//     not yet been written back by other means; the oldest pinned sequence
//     bounds which on-disk buckets may be reclaimed.
//   - A space manager tracks per-device bucket rings and raises the
//     admission watermark when clean space runs low, so that only the
//     reclaim path itself can still reserve.
//
// The journal does not interpret the payloads it stages. The btree layer,
// the I/O submission path and the on-disk entry codec are collaborators
// behind the EntryWriter, BucketAllocator and SuperblockWriter interfaces.
package journal

import (
	"context"
	"errors"
	"time"
)

const (
	// SectorSize is the unit of on-disk space accounting.
	SectorSize = 512

	// numBufs is the number of in-memory entry buffers. Buffers are
	// assigned by seq modulo numBufs, so at most numBufs-1 entries can be
	// unwritten at once (the remaining slot is the one being opened).
	numBufs = 4
	bufMask = numBufs - 1

	// entryOverheadU64s is the fixed per-entry header cost, in u64s,
	// charged against the byte budget of every open entry.
	entryOverheadU64s = 8

	// defaultPinFifoSize is the initial pin fifo capacity. Start resizes
	// it if the replay window is wider.
	defaultPinFifoSize = 512

	// entrySizeMin is the initial staging buffer size per entry, in
	// bytes. Buffers grow on demand toward Config.EntrySizeMax when the
	// disk budget admits larger entries than the buffer can stage.
	entrySizeMin = 1 << 16
)

// Errors returned by reservation and flush operations.
var (
	// ErrFull means the journal has no immediate room. The caller should
	// let reclaim run and retry; blocking ResGet does this internally.
	ErrFull = errors.New("journal full")

	// ErrPinFull means the pin fifo has no free sequence slots. Same
	// retry class as ErrFull.
	ErrPinFull = errors.New("journal pin fifo full")

	// ErrBlocked means new journal entries are blocked for a structural
	// change (bucket resize, device removal). Callers must wait for
	// Unblock.
	ErrBlocked = errors.New("journal blocked")

	// ErrInsufficientDevices means there are not enough write-capable
	// devices to hold the journal. Fatal: the filesystem goes read-only.
	ErrInsufficientDevices = errors.New("insufficient devices for journal")

	// ErrShutdown is returned by flush waiters failed by a fatal journal
	// error or unmount.
	ErrShutdown = errors.New("journal shutting down")

	// ErrNoSpace is returned by BucketAllocator implementations when the
	// device has no free buckets.
	ErrNoSpace = errors.New("no space")
)

// Watermark is the admission-control priority of a reservation. When space
// runs low the journal raises its watermark; a reservation proceeds only if
// its watermark is at or above the journal's. Higher levels are reserved
// for the reclaim path so reclaim can never deadlock waiting on its own
// reservation.
type Watermark int

const (
	WatermarkNormal Watermark = iota
	WatermarkReclaim
	WatermarkReserved
)

func (w Watermark) String() string {
	switch w {
	case WatermarkNormal:
		return "normal"
	case WatermarkReclaim:
		return "reclaim"
	case WatermarkReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// ResFlags modify ResGet behavior.
type ResFlags uint

const (
	// ResNonblock fails with ErrFull instead of waiting for reclaim.
	ResNonblock ResFlags = 1 << iota
)

// Res is a reservation against an open journal entry: the right to write
// U64s u64s at Offset into the entry with sequence number Seq. It is not an
// owning handle beyond a reference count; ResPut releases it.
type Res struct {
	Seq    uint64
	Offset uint32
	U64s   uint32

	idx uint32
	ref bool
}

// WriteTarget names one on-disk location an entry will be written to.
type WriteTarget struct {
	Device uint32
	Bucket uint64
	Sector int64 // sector offset within the bucket
}

// WriteRequest describes one closed journal entry handed to the I/O layer.
// Payload is owned by the journal and must be treated as read-only; it is
// valid until WriteEntry returns.
type WriteRequest struct {
	Seq     uint64
	LastSeq uint64
	Flush   bool // require a device cache flush before completion
	Payload []uint64
	Targets []WriteTarget
}

// EntryWriter submits closed journal entries to stable storage. WriteEntry
// must not return until the entry is durable on every target (including a
// cache flush when req.Flush is set). Calls are serialized by the journal
// in seq order.
type EntryWriter interface {
	WriteEntry(ctx context.Context, req *WriteRequest) error
}

// BucketAllocator hands out free buckets on a device, used by GrowBuckets.
// Implementations return ErrNoSpace when the device is exhausted. FreeBucket
// returns a bucket that was allocated but never committed to the journal's
// bucket list.
type BucketAllocator interface {
	AllocBucket(device uint32) (uint64, error)
	FreeBucket(device uint32, bucket uint64)
}

// SuperblockWriter persists a device's journal bucket list. Persist must be
// transactional: concurrent superblock readers observe either the old or
// the new list, never a partial one.
type SuperblockWriter interface {
	PersistJournalBuckets(device uint32, buckets []uint64) error
}

// ReplayEntry is one on-disk journal entry as decoded at mount time by the
// (external) codec. This is the only place the journal consumes the on-disk
// format.
type ReplayEntry struct {
	Seq     uint64
	LastSeq uint64 // oldest seq the filesystem still depended on when this was written
	Flush   bool   // written with a cache flush; only then is LastSeq trustworthy
	Devices []uint32
	Empty   bool // no payload entries; newest-empty marks a clean shutdown
}

// Config carries the journal tunables. Zero values select defaults.
type Config struct {
	// FlushDelay bounds how long an open entry may sit before it is
	// closed and written out, even if not full.
	FlushDelay time.Duration

	// EntrySizeMax caps the staging buffer size per entry, in bytes.
	// Buffers start small and grow toward this on demand.
	EntrySizeMax int

	// RequiredDevices is the minimum number of write-capable journal
	// devices. Below this, reservations fail with ErrInsufficientDevices.
	RequiredDevices int

	// PreResU64s is the total pre-reservation budget, in u64s.
	PreResU64s uint32
}

const (
	defaultFlushDelay   = 1 * time.Second
	defaultEntrySizeMax = 1 << 20 // 1MiB staged per entry
	defaultPreResU64s   = 1 << 22
)

func (c Config) withDefaults() Config {
	if c.FlushDelay <= 0 {
		c.FlushDelay = defaultFlushDelay
	}
	if c.EntrySizeMax <= 0 {
		c.EntrySizeMax = defaultEntrySizeMax
	}
	if c.RequiredDevices <= 0 {
		c.RequiredDevices = 1
	}
	if c.PreResU64s == 0 {
		c.PreResU64s = defaultPreResU64s
	}
	return c
}
