package journal

// Pre-reservation: a second budget dimension layered over reservations. A
// multi-step operation (an interior btree update, say) pre-reserves its
// worst-case journal usage before starting, so that once underway it can
// never wedge waiting for journal space it helped consume. The ceiling
// (Config.PreResU64s) is sized against total journal capacity; reclaim
// treats outstanding pre-reservations beyond it as demand to service.
//
// Reclaim-priority callers may exceed the ceiling: refusing them would
// deadlock reclaim against the very space it is trying to free.

// preResState packs the pre-reservation accounting into one atomic word:
// bits 0..31 hold reserved (u64s handed out and still outstanding), bits
// 32..63 hold remaining (the configured ceiling).
type preResState uint64

func (s preResState) reserved() uint32  { return uint32(s) }
func (s preResState) remaining() uint32 { return uint32(s >> 32) }

func (s preResState) withReserved(v uint32) preResState {
	return s&^preResState(^uint32(0)) | preResState(v)
}

func (s preResState) withRemaining(v uint32) preResState {
	return s&(1<<32-1) | preResState(v)<<32
}

// PreRes is a held pre-reservation of U64s u64s. The zero value holds
// nothing; PreResGet resizes it and PreResPut releases it. Not safe for
// concurrent use by multiple goroutines.
type PreRes struct {
	U64s uint32
}

// PreResPut releases a pre-reservation. Safe to call on an empty PreRes.
func (j *Journal) PreResPut(p *PreRes) {
	if p.U64s == 0 {
		return
	}
	u64s := p.U64s
	p.U64s = 0

	for {
		s := preResState(j.prereserved.Load())
		next := s.withReserved(s.reserved() - u64s)
		if j.prereserved.CompareAndSwap(uint64(s), uint64(next)) {
			if j.preResWaiters.Load() > 0 {
				j.mu.Lock()
				j.preResWait.Broadcast()
				j.mu.Unlock()
			}
			return
		}
	}
}

func (j *Journal) preResGetFast(p *PreRes, newU64s uint32, wm Watermark) bool {
	if newU64s <= p.U64s {
		p.U64s = newU64s
		return true
	}
	d := newU64s - p.U64s
	for {
		s := preResState(j.prereserved.Load())
		next := s.withReserved(s.reserved() + d)
		if wm < WatermarkReclaim && next.reserved() > next.remaining() {
			return false
		}
		if j.prereserved.CompareAndSwap(uint64(s), uint64(next)) {
			p.U64s = newU64s
			return true
		}
	}
}

// PreResGet grows (or shrinks) p to cover newU64s u64s of worst-case
// journal usage. Reclaim-priority watermarks always succeed. Without
// ResNonblock the call waits for outstanding pre-reservations to be
// returned; with it, ErrFull is returned when over budget.
func (j *Journal) PreResGet(p *PreRes, newU64s uint32, wm Watermark, flags ResFlags) error {
	if j.preResGetFast(p, newU64s, wm) {
		return nil
	}
	if flags&ResNonblock != 0 {
		return ErrFull
	}

	j.preResWaiters.Add(1)
	defer j.preResWaiters.Add(-1)

	j.mu.Lock()
	defer j.mu.Unlock()
	for {
		if j.journalError() {
			if err := j.fatalErr; err != nil {
				return err
			}
			return ErrShutdown
		}
		if j.preResGetFast(p, newU64s, wm) {
			return nil
		}
		j.preResWait.Wait()
	}
}

// preResReserved returns the outstanding pre-reserved u64s, which the
// space manager counts as already spent.
func (j *Journal) preResReserved() uint32 {
	return preResState(j.prereserved.Load()).reserved()
}
