// Package bytesize parses and formats human-readable byte quantities.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes. Configuration fields use it so values can be
// written as "512Ki" or "1.5GiB" as well as plain byte counts.
type ByteSize uint64

// Size constants. The two-letter forms are decimal (powers of 1000), the
// i-suffixed forms binary (powers of 1024).
const (
	B  ByteSize = 1
	KB ByteSize = 1000 * B
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
	TiB ByteSize = 1 << 40
)

// unitFor resolves a lowercased suffix. A trailing "b" is already stripped,
// so "mib", "mi" and "m" arrive as "mi", "mi" and "m".
func unitFor(suffix string) (ByteSize, bool) {
	switch suffix {
	case "":
		return B, true
	case "k":
		return KB, true
	case "m":
		return MB, true
	case "g":
		return GB, true
	case "t":
		return TB, true
	case "ki":
		return KiB, true
	case "mi":
		return MiB, true
	case "gi":
		return GiB, true
	case "ti":
		return TiB, true
	}
	return 0, false
}

// ParseByteSize parses strings like "1024", "100MB", "1Gi" or "1.5MiB".
// Unit matching is case-insensitive; fractional values are allowed.
func ParseByteSize(s string) (ByteSize, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	// Split the numeric prefix from the unit suffix.
	split := len(t)
	for i, r := range t {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	numStr := t[:split]
	suffix := strings.TrimSpace(t[split:])
	suffix = strings.TrimSuffix(suffix, "b")

	unit, ok := unitFor(suffix)
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit in %q", s)
	}

	if strings.Contains(numStr, ".") {
		f, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q", s)
		}
		return ByteSize(f * float64(unit)), nil
	}

	n, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return ByteSize(n) * unit, nil
}

// UnmarshalText lets ByteSize fields decode directly from config files.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// String formats the size with the largest binary unit that fits.
func (b ByteSize) String() string {
	switch {
	case b >= TiB:
		return fmt.Sprintf("%.2fTiB", float64(b)/float64(TiB))
	case b >= GiB:
		return fmt.Sprintf("%.2fGiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.2fMiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.2fKiB", float64(b)/float64(KiB))
	}
	return fmt.Sprintf("%dB", uint64(b))
}
