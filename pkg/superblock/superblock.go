// Package superblock reads and writes CrestFS device superblocks.
//
// The superblock records a device's identity and its journal bucket list.
// Updates must be transactional: a crash mid-write must leave either the
// old or the new contents readable, never a torn mix, because the journal
// bucket list is what replay walks to find entries.
//
// File Format:
// The superblock file holds two fixed-size slots. Writes always go to the
// slot not currently active; readers pick the valid slot with the highest
// generation. Each slot:
//
//	Header (64 bytes):
//	  - Magic: "CRSB" (4 bytes)
//	  - Version: uint16 (2 bytes) - 1=flat bucket list, 2=bucket ranges
//	  - Flags: uint16 (2 bytes) - bit 0: clean shutdown
//	  - Generation: uint64 (8 bytes)
//	  - Filesystem UUID: 16 bytes
//	  - Device ID: uint32 (4 bytes)
//	  - Bucket size: uint32 (4 bytes, in 512-byte sectors)
//	  - Journal seq: uint64 (8 bytes, clock at last clean shutdown)
//	  - Payload length: uint32 (4 bytes)
//	  - Reserved: 4 bytes
//	  - Checksum: uint64 (8 bytes, xxhash64 of header[0:56] + payload)
//
//	Payload v1: bucket count (uint32) then one uint64 per bucket.
//	Payload v2: range count (uint32) then (start uint64, len uint32) per
//	range. Written when the list compresses; v1 otherwise. Readers accept
//	both.
package superblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	magic      = "CRSB"
	headerSize = 64
	slotSize   = 64 * 1024
	fileSize   = 2 * slotSize

	// versionFlat stores the bucket list verbatim; versionRanges stores
	// it run-length encoded.
	versionFlat   = uint16(1)
	versionRanges = uint16(2)

	flagClean = uint16(1 << 0)
)

var (
	// ErrCorrupted is returned when neither superblock slot validates.
	ErrCorrupted = errors.New("superblock corrupted")

	// ErrVersionMismatch is returned for an unknown format version.
	ErrVersionMismatch = errors.New("superblock version mismatch")

	// ErrClosed is returned when operations are attempted after Close.
	ErrClosed = errors.New("superblock closed")
)

// Superblock is one device's superblock, memory-mapped for the life of the
// mount. All methods are safe for concurrent use.
type Superblock struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	data   []byte // mmap'd region, both slots
	closed bool

	gen        uint64
	activeSlot int

	fsid       uuid.UUID
	deviceID   uint32
	bucketSize uint32
	seq        uint64
	clean      bool
	buckets    []uint64
}

// Create writes a fresh superblock at path. Fails if the file exists.
func Create(path string, fsid uuid.UUID, deviceID uint32, bucketSizeSectors uint32, buckets []uint64) (*Superblock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create superblock: %w", err)
	}
	if err := f.Truncate(fileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate superblock: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, fileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap superblock: %w", err)
	}

	s := &Superblock{
		path:       path,
		file:       f,
		data:       data,
		activeSlot: 1, // first write lands in slot 0
		fsid:       fsid,
		deviceID:   deviceID,
		bucketSize: bucketSizeSectors,
		buckets:    append([]uint64(nil), buckets...),
	}
	if err := s.writeSlotLocked(); err != nil {
		s.closeLocked()
		return nil, err
	}
	return s, nil
}

// Open maps an existing superblock and validates it, preferring the valid
// slot with the highest generation.
func Open(path string) (*Superblock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open superblock: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat superblock: %w", err)
	}
	if info.Size() < fileSize {
		f.Close()
		return nil, ErrCorrupted
	}

	data, err := unix.Mmap(int(f.Fd()), 0, fileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap superblock: %w", err)
	}

	s := &Superblock{path: path, file: f, data: data, activeSlot: -1}
	for slot := 0; slot < 2; slot++ {
		if err := s.readSlot(slot); err != nil {
			continue
		}
		// readSlot keeps the decode only when newer than what we have.
	}
	if s.activeSlot < 0 {
		s.closeLocked()
		return nil, ErrCorrupted
	}
	return s, nil
}

// FSID returns the filesystem UUID.
func (s *Superblock) FSID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsid
}

// DeviceID returns the device member index.
func (s *Superblock) DeviceID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// BucketSize returns the bucket size in 512-byte sectors.
func (s *Superblock) BucketSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketSize
}

// Seq returns the journal seq recorded at the last clean shutdown.
func (s *Superblock) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Clean reports whether the device was shut down cleanly.
func (s *Superblock) Clean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

// JournalBuckets returns a copy of the journal bucket list.
func (s *Superblock) JournalBuckets() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.buckets...)
}

// SetJournalBuckets replaces the journal bucket list and commits.
func (s *Superblock) SetJournalBuckets(buckets []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old := s.buckets
	s.buckets = append([]uint64(nil), buckets...)
	if err := s.writeSlotLocked(); err != nil {
		s.buckets = old
		return err
	}
	return nil
}

// SetShutdown records the journal clock and the clean flag, committing
// immediately. Mount clears the flag; a clean unmount sets it.
func (s *Superblock) SetShutdown(seq uint64, clean bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	oldSeq, oldClean := s.seq, s.clean
	s.seq = seq
	s.clean = clean
	if err := s.writeSlotLocked(); err != nil {
		s.seq, s.clean = oldSeq, oldClean
		return err
	}
	return nil
}

// Close syncs and unmaps the superblock.
func (s *Superblock) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Superblock) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.data != nil {
		_ = unix.Msync(s.data, unix.MS_SYNC)
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("munmap superblock: %w", err)
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close superblock: %w", err)
		}
		s.file = nil
	}
	return nil
}

// writeSlotLocked encodes the current state into the inactive slot, syncs
// it durably, then flips the active slot. Caller must hold s.mu.
func (s *Superblock) writeSlotLocked() error {
	slot := 1 - s.activeSlot
	buf := s.data[slot*slotSize : (slot+1)*slotSize]

	payload, version := encodeBuckets(s.buckets)
	if headerSize+len(payload) > slotSize {
		return fmt.Errorf("superblock: %d journal buckets exceed slot size", len(s.buckets))
	}

	gen := s.gen + 1
	var flags uint16
	if s.clean {
		flags |= flagClean
	}

	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], version)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint64(buf[8:16], gen)
	copy(buf[16:32], s.fsid[:])
	binary.LittleEndian.PutUint32(buf[32:36], s.deviceID)
	binary.LittleEndian.PutUint32(buf[36:40], s.bucketSize)
	binary.LittleEndian.PutUint64(buf[40:48], s.seq)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[52:56], 0)
	copy(buf[headerSize:], payload)

	h := xxhash.New()
	h.Write(buf[0:56])
	h.Write(payload)
	binary.LittleEndian.PutUint64(buf[56:64], h.Sum64())

	if err := unix.Msync(s.data[slot*slotSize:(slot+1)*slotSize], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync superblock: %w", err)
	}

	s.gen = gen
	s.activeSlot = slot
	return nil
}

// readSlot decodes one slot and adopts it if valid and newer than the
// currently adopted one.
func (s *Superblock) readSlot(slot int) error {
	buf := s.data[slot*slotSize : (slot+1)*slotSize]

	if string(buf[0:4]) != magic {
		return ErrCorrupted
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != versionFlat && version != versionRanges {
		return ErrVersionMismatch
	}
	payloadLen := binary.LittleEndian.Uint32(buf[48:52])
	if headerSize+int(payloadLen) > slotSize {
		return ErrCorrupted
	}
	payload := buf[headerSize : headerSize+int(payloadLen)]

	h := xxhash.New()
	h.Write(buf[0:56])
	h.Write(payload)
	if h.Sum64() != binary.LittleEndian.Uint64(buf[56:64]) {
		return ErrCorrupted
	}

	gen := binary.LittleEndian.Uint64(buf[8:16])
	if s.activeSlot >= 0 && gen <= s.gen {
		return nil
	}

	buckets, err := decodeBuckets(version, payload)
	if err != nil {
		return err
	}

	s.gen = gen
	s.activeSlot = slot
	copy(s.fsid[:], buf[16:32])
	s.deviceID = binary.LittleEndian.Uint32(buf[32:36])
	s.bucketSize = binary.LittleEndian.Uint32(buf[36:40])
	s.seq = binary.LittleEndian.Uint64(buf[40:48])
	s.clean = binary.LittleEndian.Uint16(buf[6:8])&flagClean != 0
	s.buckets = buckets
	return nil
}

// encodeBuckets picks the smaller of the flat and range encodings.
func encodeBuckets(buckets []uint64) ([]byte, uint16) {
	ranges := toRanges(buckets)
	flatSize := 4 + 8*len(buckets)
	rangeSize := 4 + 12*len(ranges)

	if rangeSize < flatSize {
		out := make([]byte, rangeSize)
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(ranges)))
		off := 4
		for _, r := range ranges {
			binary.LittleEndian.PutUint64(out[off:], r.start)
			binary.LittleEndian.PutUint32(out[off+8:], r.length)
			off += 12
		}
		return out, versionRanges
	}

	out := make([]byte, flatSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(buckets)))
	for i, b := range buckets {
		binary.LittleEndian.PutUint64(out[4+8*i:], b)
	}
	return out, versionFlat
}

func decodeBuckets(version uint16, payload []byte) ([]uint64, error) {
	if len(payload) < 4 {
		return nil, ErrCorrupted
	}
	n := binary.LittleEndian.Uint32(payload[0:4])

	switch version {
	case versionFlat:
		if len(payload) < 4+8*int(n) {
			return nil, ErrCorrupted
		}
		buckets := make([]uint64, n)
		for i := range buckets {
			buckets[i] = binary.LittleEndian.Uint64(payload[4+8*i:])
		}
		return buckets, nil

	case versionRanges:
		if len(payload) < 4+12*int(n) {
			return nil, ErrCorrupted
		}
		var buckets []uint64
		off := 4
		for i := uint32(0); i < n; i++ {
			start := binary.LittleEndian.Uint64(payload[off:])
			length := binary.LittleEndian.Uint32(payload[off+8:])
			off += 12
			for k := uint32(0); k < length; k++ {
				buckets = append(buckets, start+uint64(k))
			}
		}
		return buckets, nil
	}
	return nil, ErrVersionMismatch
}

type bucketRange struct {
	start  uint64
	length uint32
}

func toRanges(buckets []uint64) []bucketRange {
	var ranges []bucketRange
	for _, b := range buckets {
		if n := len(ranges); n > 0 &&
			ranges[n-1].start+uint64(ranges[n-1].length) == b {
			ranges[n-1].length++
			continue
		}
		ranges = append(ranges, bucketRange{start: b, length: 1})
	}
	return ranges
}
