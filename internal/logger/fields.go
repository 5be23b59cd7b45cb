package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation
// and querying.
const (
	// ========================================================================
	// Journal Clock
	// ========================================================================
	KeySeq        = "seq"         // journal sequence number
	KeyLastSeq    = "last_seq"    // oldest seq the filesystem still depends on
	KeySeqOndisk  = "seq_ondisk"  // newest seq durably written
	KeyFlushedSeq = "flushed_seq" // newest seq durable through a cache flush

	// ========================================================================
	// Devices & Buckets
	// ========================================================================
	KeyDevice     = "device"     // device member index
	KeyBucket     = "bucket"     // bucket number on a device
	KeyBuckets    = "buckets"    // bucket count
	KeySectors    = "sectors"    // size or offset in 512-byte sectors
	KeyBucketSize = "bucket_size"

	// ========================================================================
	// Space & Reclaim
	// ========================================================================
	KeyWatermark = "watermark" // admission watermark level
	KeyClean     = "clean"     // clean sectors
	KeyTotal     = "total"     // total sectors
	KeyDiscarded = "discarded" // discarded sectors
	KeyPins      = "pins"      // live pin count

	// ========================================================================
	// I/O
	// ========================================================================
	KeyPath   = "path"   // file or device path
	KeyOffset = "offset" // byte offset
	KeySize   = "size"   // size in bytes
	KeyFlush  = "flush"  // cache-flush write indicator

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyOperation  = "operation"   // sub-operation type for complex operations
)

// ============================================================================
// Field constructors for type safety
// These functions provide type-safe construction of slog.Attr values.
// ============================================================================

// Seq returns a slog.Attr for a journal sequence number
func Seq(seq uint64) slog.Attr {
	return slog.Uint64(KeySeq, seq)
}

// LastSeq returns a slog.Attr for the reclaim bound
func LastSeq(seq uint64) slog.Attr {
	return slog.Uint64(KeyLastSeq, seq)
}

// SeqOndisk returns a slog.Attr for the newest durably written seq
func SeqOndisk(seq uint64) slog.Attr {
	return slog.Uint64(KeySeqOndisk, seq)
}

// Device returns a slog.Attr for a device member index
func Device(id uint32) slog.Attr {
	return slog.Any(KeyDevice, id)
}

// Bucket returns a slog.Attr for a bucket number
func Bucket(b uint64) slog.Attr {
	return slog.Uint64(KeyBucket, b)
}

// Buckets returns a slog.Attr for a bucket count
func Buckets(n int) slog.Attr {
	return slog.Int(KeyBuckets, n)
}

// Sectors returns a slog.Attr for a sector count
func Sectors(n int) slog.Attr {
	return slog.Int(KeySectors, n)
}

// Watermark returns a slog.Attr for the admission watermark
func Watermark(w string) slog.Attr {
	return slog.String(KeyWatermark, w)
}

// Pins returns a slog.Attr for a live pin count
func Pins(n int) slog.Attr {
	return slog.Int(KeyPins, n)
}

// Path returns a slog.Attr for a file or device path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Offset returns a slog.Attr for a byte offset
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Size returns a slog.Attr for a size in bytes
func Size(s uint64) slog.Attr {
	return slog.Uint64(KeySize, s)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Operation returns a slog.Attr for a sub-operation type
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}
