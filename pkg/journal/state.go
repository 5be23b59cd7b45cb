package journal

// resState is the packed reservation state word, the only journal state
// mutated without the lock. Layout:
//
//	bits  0..19  offset of the next reservation in the open entry, in
//	             u64s, or a sentinel (entryClosedVal, entryErrorVal)
//	bits 20..21  index of the current entry buffer
//	bits 22..61  per-buffer live reference counts, 10 bits each
//
// A buffer whose offset field is below entryClosedVal is open and accepting
// writers. All transitions go through compare-and-swap so concurrent
// openers, closers and reservers never lose an update.
type resState uint64

const (
	offsetBits = 20
	idxBits    = 2
	countBits  = 10

	offsetMask = 1<<offsetBits - 1
	countMask  = 1<<countBits - 1

	// entryClosedVal in the offset field means no entry is open.
	// entryErrorVal means the journal hit a fatal error; terminal.
	entryClosedVal = offsetMask
	entryErrorVal  = offsetMask - 1

	// entryOffsetMax is the largest real offset, and therefore the upper
	// bound on u64s per entry.
	entryOffsetMax = entryErrorVal - 1
)

func (s resState) offset() uint32 {
	return uint32(s & offsetMask)
}

func (s resState) idx() uint32 {
	return uint32(s>>offsetBits) & bufMask
}

func (s resState) count(idx uint32) uint32 {
	return uint32(s>>(offsetBits+idxBits+countBits*idx)) & countMask
}

// open reports whether the state word describes an open entry.
func (s resState) open() bool {
	return s.offset() < entryErrorVal
}

func (s resState) withOffset(off uint32) resState {
	return s&^offsetMask | resState(off)
}

func (s resState) withIdx(idx uint32) resState {
	return s&^(resState(bufMask)<<offsetBits) | resState(idx)<<offsetBits
}

func (s resState) incCount(idx uint32) resState {
	return s + 1<<(offsetBits+idxBits+countBits*idx)
}

func (s resState) decCount(idx uint32) resState {
	return s - 1<<(offsetBits+idxBits+countBits*idx)
}
