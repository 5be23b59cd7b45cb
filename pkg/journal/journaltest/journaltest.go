// Package journaltest provides in-memory implementations of the journal's
// collaborator interfaces for tests: an entry writer that records every
// write, a bucket allocator with injectable failures, a superblock writer
// and a pin target.
package journaltest

import (
	"context"
	"sync"

	"github.com/crestfs/crestfs/pkg/journal"
)

// Writer records every journal entry write. Fail, when set, is returned
// from the next WriteEntry calls.
type Writer struct {
	mu      sync.Mutex
	writes  []Write
	Fail    error
	OnWrite func(*journal.WriteRequest) // called before recording, if set
}

// Write is one recorded entry write.
type Write struct {
	Seq     uint64
	LastSeq uint64
	Flush   bool
	Payload []uint64
	Targets []journal.WriteTarget
}

// NewWriter creates an empty recording writer.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteEntry satisfies journal.EntryWriter.
func (w *Writer) WriteEntry(_ context.Context, req *journal.WriteRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.OnWrite != nil {
		w.OnWrite(req)
	}
	if w.Fail != nil {
		return w.Fail
	}
	w.writes = append(w.writes, Write{
		Seq:     req.Seq,
		LastSeq: req.LastSeq,
		Flush:   req.Flush,
		Payload: append([]uint64(nil), req.Payload...),
		Targets: append([]journal.WriteTarget(nil), req.Targets...),
	})
	return nil
}

// Writes returns a copy of the recorded writes in completion order.
func (w *Writer) Writes() []Write {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Write(nil), w.writes...)
}

// Last returns the most recent write, or nil.
func (w *Writer) Last() *Write {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.writes) == 0 {
		return nil
	}
	wr := w.writes[len(w.writes)-1]
	return &wr
}

// Allocator hands out sequential bucket numbers per device. FailAfter, when
// non-negative, makes allocation fail with journal.ErrNoSpace once that
// many buckets have been handed out.
type Allocator struct {
	mu        sync.Mutex
	next      map[uint32]uint64
	allocated int
	freed     []uint64
	FailAfter int
}

// NewAllocator creates an allocator that never fails.
func NewAllocator() *Allocator {
	return &Allocator{next: make(map[uint32]uint64), FailAfter: -1}
}

// AllocBucket satisfies journal.BucketAllocator.
func (a *Allocator) AllocBucket(device uint32) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.FailAfter >= 0 && a.allocated >= a.FailAfter {
		return 0, journal.ErrNoSpace
	}
	a.allocated++
	b := a.next[device]
	a.next[device] = b + 1000 // spread out so inserts are recognizable
	return b + 1000, nil
}

// FreeBucket satisfies journal.BucketAllocator.
func (a *Allocator) FreeBucket(_ uint32, bucket uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freed = append(a.freed, bucket)
}

// Freed returns the buckets returned via FreeBucket.
func (a *Allocator) Freed() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.freed...)
}

// Superblock records persisted journal bucket lists per device. Fail, when
// set, is returned from PersistJournalBuckets.
type Superblock struct {
	mu    sync.Mutex
	lists map[uint32][]uint64
	Fail  error
}

// NewSuperblock creates an empty recording superblock writer.
func NewSuperblock() *Superblock {
	return &Superblock{lists: make(map[uint32][]uint64)}
}

// PersistJournalBuckets satisfies journal.SuperblockWriter.
func (s *Superblock) PersistJournalBuckets(device uint32, buckets []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail != nil {
		return s.Fail
	}
	s.lists[device] = append([]uint64(nil), buckets...)
	return nil
}

// Buckets returns the last persisted list for a device.
func (s *Superblock) Buckets(device uint32) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.lists[device]...)
}

// PinTarget is a journal.PinTarget whose flush behavior is scriptable.
type PinTarget struct {
	Kind journal.PinKind

	mu      sync.Mutex
	flushes []uint64
	FlushFn func(seq uint64) error
}

// PinKind satisfies journal.PinTarget.
func (p *PinTarget) PinKind() journal.PinKind { return p.Kind }

// FlushPin satisfies journal.PinTarget.
func (p *PinTarget) FlushPin(seq uint64) error {
	p.mu.Lock()
	p.flushes = append(p.flushes, seq)
	fn := p.FlushFn
	p.mu.Unlock()

	if fn != nil {
		return fn(seq)
	}
	return nil
}

// Flushes returns the seqs FlushPin was called with.
func (p *PinTarget) Flushes() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.flushes...)
}

var (
	_ journal.EntryWriter      = (*Writer)(nil)
	_ journal.BucketAllocator  = (*Allocator)(nil)
	_ journal.SuperblockWriter = (*Superblock)(nil)
	_ journal.PinTarget        = (*PinTarget)(nil)
)
