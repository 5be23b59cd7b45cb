// Package device gives the journal real storage: file-backed member
// devices, the on-disk journal entry codec, bucket allocation and the
// mount-time entry scan.
//
// A device is a flat file divided into fixed-size buckets. The journal
// owns a rotating subset of them (recorded in the device superblock) and
// appends entries back to back within each bucket.
//
// Entry Format (little-endian):
//
//	Header (64 bytes):
//	  - Magic: "CRSJ" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Flags: uint16 (2 bytes) - bit 0: noflush write
//	  - Payload length: uint32 (4 bytes, in u64s)
//	  - Seq: uint64 (8 bytes)
//	  - LastSeq: uint64 (8 bytes, zero on noflush entries)
//	  - Filesystem UUID: 16 bytes
//	  - Reserved: 12 bytes
//	  - Checksum: uint64 (8 bytes, xxhash64 of header[0:56] + payload)
//
//	Payload: u64s, padded with zeros to a whole number of 512-byte
//	sectors.
package device

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/crestfs/crestfs/pkg/journal"
)

const (
	entryMagic      = "CRSJ"
	entryVersion    = uint16(1)
	entryHeaderSize = 64

	flagNoFlush = uint16(1 << 0)
)

var (
	// ErrBadEntry is returned when a decoded entry fails validation.
	// During the mount scan it marks end-of-bucket rather than failure.
	ErrBadEntry = errors.New("invalid journal entry")

	// ErrChecksum is returned when an entry's checksum does not match.
	ErrChecksum = errors.New("journal entry checksum mismatch")
)

// Entry is one decoded on-disk journal entry.
type Entry struct {
	Seq     uint64
	LastSeq uint64
	NoFlush bool
	Payload []uint64

	// Devices lists the members a copy was found on, filled by the scan.
	Devices []uint32
}

// Sectors returns the entry's on-disk footprint.
func (e *Entry) Sectors() int {
	return entrySectors(len(e.Payload))
}

func entrySectors(payloadU64s int) int {
	bytes := entryHeaderSize + 8*payloadU64s
	return (bytes + journal.SectorSize - 1) / journal.SectorSize
}

// encodeEntry serializes a write request into sector-padded bytes.
func encodeEntry(fsid uuid.UUID, req *journal.WriteRequest) []byte {
	sectors := entrySectors(len(req.Payload))
	buf := make([]byte, sectors*journal.SectorSize)

	var flags uint16
	if !req.Flush {
		flags |= flagNoFlush
	}

	copy(buf[0:4], entryMagic)
	binary.LittleEndian.PutUint16(buf[4:6], entryVersion)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(req.Payload)))
	binary.LittleEndian.PutUint64(buf[12:20], req.Seq)
	binary.LittleEndian.PutUint64(buf[20:28], req.LastSeq)
	copy(buf[28:44], fsid[:])

	for i, w := range req.Payload {
		binary.LittleEndian.PutUint64(buf[entryHeaderSize+8*i:], w)
	}

	h := xxhash.New()
	h.Write(buf[0:56])
	h.Write(buf[entryHeaderSize : entryHeaderSize+8*len(req.Payload)])
	binary.LittleEndian.PutUint64(buf[56:64], h.Sum64())

	return buf
}

// decodeEntry parses one entry at the start of buf, returning the entry and
// its size in bytes.
func decodeEntry(fsid uuid.UUID, buf []byte) (*Entry, int, error) {
	if len(buf) < entryHeaderSize {
		return nil, 0, ErrBadEntry
	}
	if string(buf[0:4]) != entryMagic {
		return nil, 0, ErrBadEntry
	}
	if binary.LittleEndian.Uint16(buf[4:6]) != entryVersion {
		return nil, 0, fmt.Errorf("%w: unknown version %d", ErrBadEntry,
			binary.LittleEndian.Uint16(buf[4:6]))
	}
	var id uuid.UUID
	copy(id[:], buf[28:44])
	if id != fsid {
		return nil, 0, fmt.Errorf("%w: foreign filesystem %s", ErrBadEntry, id)
	}

	u64s := int(binary.LittleEndian.Uint32(buf[8:12]))
	size := entrySectors(u64s) * journal.SectorSize
	if size > len(buf) {
		return nil, 0, ErrBadEntry
	}

	h := xxhash.New()
	h.Write(buf[0:56])
	h.Write(buf[entryHeaderSize : entryHeaderSize+8*u64s])
	if h.Sum64() != binary.LittleEndian.Uint64(buf[56:64]) {
		return nil, 0, ErrChecksum
	}

	e := &Entry{
		Seq:     binary.LittleEndian.Uint64(buf[12:20]),
		LastSeq: binary.LittleEndian.Uint64(buf[20:28]),
		NoFlush: binary.LittleEndian.Uint16(buf[6:8])&flagNoFlush != 0,
	}
	if u64s > 0 {
		e.Payload = make([]uint64, u64s)
		for i := range e.Payload {
			e.Payload[i] = binary.LittleEndian.Uint64(buf[entryHeaderSize+8*i:])
		}
	}
	return e, size, nil
}
