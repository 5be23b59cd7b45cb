package device

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/crestfs/crestfs/internal/logger"
	"github.com/crestfs/crestfs/pkg/journal"
	"github.com/crestfs/crestfs/pkg/superblock"
)

// Device is one file-backed filesystem member: a data file addressed in
// fixed-size buckets, plus its superblock (stored alongside as <path>.sb).
type Device struct {
	mu sync.Mutex

	id            uint32
	path          string
	file          *os.File
	sb            *superblock.Superblock
	bucketSectors int
	nrBuckets     uint64

	// Buckets handed out by the allocator, including the journal's,
	// keyed by bucket number.
	used map[uint64]bool

	closed bool
}

// ErrDeviceClosed is returned for operations on a closed device.
var ErrDeviceClosed = errors.New("device closed")

// Format creates a new member device at path: a zeroed data file of
// sizeBytes and a superblock granting the journal the first
// journalBuckets buckets.
func Format(path string, sizeBytes int64, bucketSizeSectors int, fsid uuid.UUID, id uint32, journalBuckets int) (*Device, error) {
	bucketBytes := int64(bucketSizeSectors) * journal.SectorSize
	nrBuckets := sizeBytes / bucketBytes
	if int64(journalBuckets) > nrBuckets {
		return nil, fmt.Errorf("format %s: %d journal buckets exceed device capacity of %d",
			path, journalBuckets, nrBuckets)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("format device: %w", err)
	}
	if err := f.Truncate(nrBuckets * bucketBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("format device: %w", err)
	}

	buckets := make([]uint64, journalBuckets)
	for i := range buckets {
		buckets[i] = uint64(i)
	}

	sb, err := superblock.Create(path+".sb", fsid, id, uint32(bucketSizeSectors), buckets)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	d := &Device{
		id:            id,
		path:          path,
		file:          f,
		sb:            sb,
		bucketSectors: bucketSizeSectors,
		nrBuckets:     uint64(nrBuckets),
		used:          make(map[uint64]bool),
	}
	for _, b := range buckets {
		d.used[b] = true
	}

	logger.Info("device formatted",
		logger.KeyPath, path,
		logger.KeyDevice, id,
		logger.KeyBuckets, nrBuckets,
		logger.KeyBucketSize, bucketSizeSectors)
	return d, nil
}

// Open opens an existing member device and its superblock.
func Open(path string) (*Device, error) {
	sb, err := superblock.Open(path + ".sb")
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		sb.Close()
		return nil, fmt.Errorf("open device: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		sb.Close()
		return nil, fmt.Errorf("stat device: %w", err)
	}

	bucketBytes := int64(sb.BucketSize()) * journal.SectorSize
	d := &Device{
		id:            sb.DeviceID(),
		path:          path,
		file:          f,
		sb:            sb,
		bucketSectors: int(sb.BucketSize()),
		nrBuckets:     uint64(info.Size() / bucketBytes),
		used:          make(map[uint64]bool),
	}
	for _, b := range sb.JournalBuckets() {
		d.used[b] = true
	}
	return d, nil
}

// ID returns the device member index.
func (d *Device) ID() uint32 { return d.id }

// Path returns the data file path.
func (d *Device) Path() string { return d.path }

// BucketSize returns the bucket size in 512-byte sectors.
func (d *Device) BucketSize() int { return d.bucketSectors }

// NrBuckets returns the device capacity in buckets.
func (d *Device) NrBuckets() uint64 { return d.nrBuckets }

// Superblock returns the device's superblock.
func (d *Device) Superblock() *superblock.Superblock { return d.sb }

func (d *Device) bucketOffset(bucket uint64, sector int64) int64 {
	return (int64(bucket)*int64(d.bucketSectors) + sector) * journal.SectorSize
}

// writeAt writes data at a (bucket, sector) position.
func (d *Device) writeAt(bucket uint64, sector int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}

	off := d.bucketOffset(bucket, sector)
	for len(data) > 0 {
		n, err := unix.Pwrite(int(d.file.Fd()), data, off)
		if err != nil {
			return fmt.Errorf("write device %d bucket %d: %w", d.id, bucket, err)
		}
		data = data[n:]
		off += int64(n)
	}
	return nil
}

// readBucket reads one whole bucket.
func (d *Device) readBucket(bucket uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}

	buf := make([]byte, d.bucketSectors*journal.SectorSize)
	off := d.bucketOffset(bucket, 0)
	read := 0
	for read < len(buf) {
		n, err := unix.Pread(int(d.file.Fd()), buf[read:], off+int64(read))
		if err != nil {
			return nil, fmt.Errorf("read device %d bucket %d: %w", d.id, bucket, err)
		}
		if n == 0 {
			break
		}
		read += n
	}
	return buf[:read], nil
}

// sync flushes the device write cache.
func (d *Device) sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if err := unix.Fdatasync(int(d.file.Fd())); err != nil {
		return fmt.Errorf("fdatasync device %d: %w", d.id, err)
	}
	return nil
}

// Discard releases a bucket's blocks back to the underlying storage by
// punching a hole. Discard is advisory; filesystems without hole punching
// are fine.
func (d *Device) Discard(bucket uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}

	err := unix.Fallocate(int(d.file.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		d.bucketOffset(bucket, 0),
		int64(d.bucketSectors)*journal.SectorSize)
	if errors.Is(err, unix.EOPNOTSUPP) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("discard device %d bucket %d: %w", d.id, bucket, err)
	}
	return nil
}

// AllocBucket hands out the lowest unused bucket on the device.
func (d *Device) AllocBucket() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}

	for b := uint64(0); b < d.nrBuckets; b++ {
		if !d.used[b] {
			d.used[b] = true
			return b, nil
		}
	}
	return 0, journal.ErrNoSpace
}

// FreeBucket returns an allocated bucket to the free pool.
func (d *Device) FreeBucket(bucket uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.used, bucket)
}

// Close syncs and closes the data file and superblock.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	_ = unix.Fdatasync(int(d.file.Fd()))
	err := d.file.Close()
	d.mu.Unlock()

	if sbErr := d.sb.Close(); err == nil {
		err = sbErr
	}
	return err
}
