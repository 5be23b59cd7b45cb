package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/crestfs/crestfs/internal/logger"
	"github.com/crestfs/crestfs/pkg/journal"
)

// Set is the open member devices of one filesystem. It is the journal's
// entry writer, bucket allocator and discard hook.
type Set struct {
	mu   sync.Mutex
	fsid uuid.UUID
	devs map[uint32]*Device
}

// NewSet creates a device set for the given filesystem UUID.
func NewSet(fsid uuid.UUID) *Set {
	return &Set{fsid: fsid, devs: make(map[uint32]*Device)}
}

// Add registers an open device. Fails if the device belongs to another
// filesystem or the member index is already taken.
func (s *Set) Add(d *Device) error {
	if got := d.Superblock().FSID(); got != s.fsid {
		return fmt.Errorf("device %s: filesystem %s, want %s", d.Path(), got, s.fsid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devs[d.ID()]; ok {
		return fmt.Errorf("device %s: member %d already present", d.Path(), d.ID())
	}
	s.devs[d.ID()] = d
	return nil
}

// Get returns a member device.
func (s *Set) Get(id uint32) (*Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devs[id]
	return d, ok
}

// Devices returns the member devices sorted by ID.
func (s *Set) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Device, 0, len(s.devs))
	for _, d := range s.devs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// JournalDevices builds the journal's view of the members from their
// superblocks.
func (s *Set) JournalDevices() []*journal.Device {
	devs := s.Devices()
	out := make([]*journal.Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, journal.NewDevice(d.ID(), d.BucketSize(), d.Superblock().JournalBuckets()))
	}
	return out
}

// WriteEntry writes one journal entry to every target, then flushes the
// touched device caches when the entry requires it. The journal serializes
// calls in seq order.
func (s *Set) WriteEntry(ctx context.Context, req *journal.WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(req.Targets) == 0 {
		return fmt.Errorf("journal entry seq %d has no targets", req.Seq)
	}

	buf := encodeEntry(s.fsid, req)

	touched := make([]*Device, 0, len(req.Targets))
	for _, t := range req.Targets {
		d, ok := s.Get(t.Device)
		if !ok {
			return fmt.Errorf("journal entry seq %d targets unknown device %d", req.Seq, t.Device)
		}
		if err := d.writeAt(t.Bucket, t.Sector, buf); err != nil {
			return err
		}
		touched = append(touched, d)
	}

	if req.Flush {
		for _, d := range touched {
			if err := d.sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// AllocBucket satisfies journal.BucketAllocator.
func (s *Set) AllocBucket(device uint32) (uint64, error) {
	d, ok := s.Get(device)
	if !ok {
		return 0, fmt.Errorf("alloc bucket: unknown device %d", device)
	}
	return d.AllocBucket()
}

// FreeBucket satisfies journal.BucketAllocator.
func (s *Set) FreeBucket(device uint32, bucket uint64) {
	if d, ok := s.Get(device); ok {
		d.FreeBucket(bucket)
	}
}

// Discard is the journal's discard hook.
func (s *Set) Discard(device uint32, bucket uint64) error {
	d, ok := s.Get(device)
	if !ok {
		return fmt.Errorf("discard: unknown device %d", device)
	}
	return d.Discard(bucket)
}

// Close closes every member. The first error wins but all are closed.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, d := range s.devs {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.devs = make(map[uint32]*Device)
	return firstErr
}

// ScanResult is the outcome of the mount-time journal scan.
type ScanResult struct {
	// Entries are the valid decoded entries inside the replay window,
	// sorted by seq, deduplicated across devices.
	Entries []*Entry

	// CurSeq is one past the newest seq found, or one past the
	// superblock clock on an empty journal.
	CurSeq uint64

	// LastSeq is the replay window start: the newest flush entry's bound,
	// or the oldest entry present when only noflush entries survive.
	LastSeq uint64

	// Clean reports a clean shutdown: the newest entry is an empty
	// flush entry.
	Clean bool
}

// Scan walks every journal bucket on every member, decodes the entries and
// assembles the replay window. Entries outside the window are ignored;
// missing seqs inside it are an error, because replaying over a gap would
// silently lose updates.
func (s *Set) Scan() (*ScanResult, error) {
	bySeq := make(map[uint64]*Entry)

	for _, d := range s.Devices() {
		for _, bucket := range d.Superblock().JournalBuckets() {
			if err := s.scanBucket(d, bucket, bySeq); err != nil {
				return nil, err
			}
		}
	}

	res := &ScanResult{}
	if len(bySeq) == 0 {
		var maxSeq uint64
		for _, d := range s.Devices() {
			if sbSeq := d.Superblock().Seq(); sbSeq > maxSeq {
				maxSeq = sbSeq
			}
		}
		res.CurSeq = maxSeq + 1
		res.LastSeq = res.CurSeq
		res.Clean = true
		return res, nil
	}

	all := make([]*Entry, 0, len(bySeq))
	for _, e := range bySeq {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	maxSeq := all[len(all)-1].Seq
	res.CurSeq = maxSeq + 1

	// The window start comes from the newest flush entry; noflush entries
	// carry a zero last_seq on disk. A crash inside the noflush window can
	// leave only noflush entries behind, and every one of them is still
	// needed, so the window falls back to the oldest entry present.
	res.LastSeq = res.CurSeq
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].NoFlush {
			res.LastSeq = all[i].LastSeq
			break
		}
	}
	if res.LastSeq == res.CurSeq {
		res.LastSeq = all[0].Seq
	}

	for _, e := range all {
		if e.Seq < res.LastSeq {
			continue
		}
		res.Entries = append(res.Entries, e)
	}

	// The window must be contiguous.
	want := res.LastSeq
	for _, e := range res.Entries {
		if e.Seq != want {
			return nil, fmt.Errorf("journal entries missing: have seq %d, want %d (window %d..%d)",
				e.Seq, want, res.LastSeq, maxSeq)
		}
		want++
	}

	newest := all[len(all)-1]
	res.Clean = len(newest.Payload) == 0 && !newest.NoFlush

	logger.Info("journal scan complete",
		logger.KeySeq, maxSeq,
		logger.KeyLastSeq, res.LastSeq,
		"entries", len(res.Entries),
		"clean", res.Clean)
	return res, nil
}

// scanBucket walks one bucket, merging valid entries into bySeq. Decode
// failures end the bucket walk; buckets are rewritten in place so trailing
// stale data is expected.
func (s *Set) scanBucket(d *Device, bucket uint64, bySeq map[uint64]*Entry) error {
	buf, err := d.readBucket(bucket)
	if err != nil {
		return err
	}

	off := 0
	for off+entryHeaderSize <= len(buf) {
		e, size, err := decodeEntry(s.fsid, buf[off:])
		if err != nil {
			break
		}
		off += size

		if prev, ok := bySeq[e.Seq]; ok {
			prev.Devices = append(prev.Devices, d.ID())
			continue
		}
		e.Devices = []uint32{d.ID()}
		bySeq[e.Seq] = e
	}
	return nil
}

// ToReplay converts scanned entries into the journal's replay form.
func (r *ScanResult) ToReplay() []journal.ReplayEntry {
	out := make([]journal.ReplayEntry, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, journal.ReplayEntry{
			Seq:     e.Seq,
			LastSeq: e.LastSeq,
			Flush:   !e.NoFlush,
			Devices: e.Devices,
			Empty:   len(e.Payload) == 0,
		})
	}
	return out
}
