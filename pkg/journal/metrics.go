package journal

// Metrics receives journal observations. The journal calls these on hot
// paths, so implementations must be cheap and must not block; a Prometheus
// implementation lives in pkg/metrics/prometheus. A nil Metrics in
// Resources disables collection entirely.
type Metrics interface {
	// SlowPath counts a reservation that missed the lock-free fast path.
	SlowPath()

	// EntryClosed counts an entry close by trigger ("full", "timer",
	// "flush", "watermark", "error").
	EntryClosed(reason string)

	// WriteDone records a completed entry write-out.
	WriteDone(flush bool, sectors int)

	// ReclaimRun records one reclaim pass and the pins it flushed.
	ReclaimRun(direct bool, pinsFlushed int)

	// SpaceUpdate publishes the space figures, in sectors.
	SpaceUpdate(discarded, cleanOndisk, clean, total int64)

	// SetPinCount publishes the number of live pins.
	SetPinCount(count int)

	// SetWatermark publishes the current admission watermark.
	SetWatermark(level int)
}
