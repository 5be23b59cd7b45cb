package bytesize

import "testing"

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input string
		want  ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"512B", 512},
		{"512b", 512},

		{"1Ki", KiB},
		{"1KiB", KiB},
		{"100Mi", 100 * MiB},
		{"100MiB", 100 * MiB},
		{"1Gi", GiB},
		{"2TiB", 2 * TiB},

		{"1K", KB},
		{"1KB", KB},
		{"100MB", 100 * MB},
		{"1G", GB},
		{"1TB", TB},

		{"1gi", GiB},
		{"1GI", GiB},
		{"  1Gi ", GiB},
		{"1 Gi", GiB},

		{"1.5KiB", 1536},
		{"0.5Mi", 512 * KiB},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.input)
		if err != nil {
			t.Errorf("ParseByteSize(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseByteSizeErrors(t *testing.T) {
	for _, input := range []string{"", "   ", "Gi", "1X", "1KiBB", "abc", "-5"} {
		if _, err := ParseByteSize(input); err == nil {
			t.Errorf("ParseByteSize(%q) succeeded, want error", input)
		}
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalText([]byte("256Mi")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if b != 256*MiB {
		t.Errorf("UnmarshalText() = %d, want %d", b, 256*MiB)
	}
	if err := b.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) succeeded, want error")
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		in   ByteSize
		want string
	}{
		{512, "512B"},
		{KiB, "1.00KiB"},
		{1536, "1.50KiB"},
		{MiB, "1.00MiB"},
		{3 * GiB / 2, "1.50GiB"},
		{2 * TiB, "2.00TiB"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", uint64(tt.in), got, tt.want)
		}
	}
}
