package superblock

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownDevice is returned for operations on a device the store does
// not hold a superblock for.
var ErrUnknownDevice = errors.New("unknown device")

// Store holds the open superblocks of every member device and fans
// filesystem-wide updates out to them. It satisfies the journal's
// SuperblockWriter dependency.
type Store struct {
	mu   sync.Mutex
	devs map[uint32]*Superblock
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{devs: make(map[uint32]*Superblock)}
}

// Add registers an open superblock under its device ID.
func (st *Store) Add(sb *Superblock) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.devs[sb.DeviceID()] = sb
}

// Get returns the superblock for a device.
func (st *Store) Get(device uint32) (*Superblock, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sb, ok := st.devs[device]
	return sb, ok
}

// Devices returns the registered device IDs.
func (st *Store) Devices() []uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]uint32, 0, len(st.devs))
	for id := range st.devs {
		ids = append(ids, id)
	}
	return ids
}

// PersistJournalBuckets durably replaces one device's journal bucket list.
func (st *Store) PersistJournalBuckets(device uint32, buckets []uint64) error {
	st.mu.Lock()
	sb, ok := st.devs[device]
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("persist journal buckets: device %d: %w", device, ErrUnknownDevice)
	}
	return sb.SetJournalBuckets(buckets)
}

// SetShutdownAll stamps the journal clock and clean flag on every device.
func (st *Store) SetShutdownAll(seq uint64, clean bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sb := range st.devs {
		if err := sb.SetShutdown(seq, clean); err != nil {
			return fmt.Errorf("device %d: %w", id, err)
		}
	}
	return nil
}

// Close closes every superblock. The first error wins but all are closed.
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	var firstErr error
	for _, sb := range st.devs {
		if err := sb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	st.devs = make(map[uint32]*Superblock)
	return firstErr
}
