package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture points the package logger at a buffer and restores the defaults
// when the test finishes. Logger state is process-global, so none of these
// tests run in parallel.
func capture(t *testing.T, level, format string) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	InitWithWriter(buf, level, format, false)
	t.Cleanup(func() {
		InitWithWriter(os.Stdout, "INFO", "text", false)
	})
	return buf
}

// ============================================================================
// Level Filtering
// ============================================================================

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, "WARN", "text")

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "error message")
}

func TestSetLevelRuntimeChange(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Debug("before")
	SetLevel("DEBUG")
	Debug("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}

func TestSetLevelIgnoresUnknown(t *testing.T) {
	buf := capture(t, "INFO", "text")

	SetLevel("VERBOSE")
	Info("still info")

	assert.Contains(t, buf.String(), "still info")
	Debug("still filtered")
	assert.NotContains(t, buf.String(), "still filtered")
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

// ============================================================================
// Text Format
// ============================================================================

func TestTextOutputShape(t *testing.T) {
	buf := capture(t, "DEBUG", "text")

	Info("journal started", Seq(42), Device(3))

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "journal started")
	assert.Contains(t, out, "seq=42")
	assert.Contains(t, out, "device=3")
	assert.True(t, strings.HasSuffix(out, "\n"), "record should end with newline")
}

func TestTextOutputLevelNames(t *testing.T) {
	buf := capture(t, "DEBUG", "text")

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")

	out := buf.String()
	assert.Contains(t, out, "[DEBUG]")
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "[ERROR]")
}

func TestTextOutputColor(t *testing.T) {
	buf := new(bytes.Buffer)
	InitWithWriter(buf, "INFO", "text", true)
	t.Cleanup(func() { InitWithWriter(os.Stdout, "INFO", "text", false) })

	Info("colored")
	assert.Contains(t, buf.String(), ansiGreen, "info level should be green")
	assert.Contains(t, buf.String(), ansiReset)

	buf.Reset()
	Error("red")
	assert.Contains(t, buf.String(), ansiRed)
}

func TestTextOutputNoColorWhenDisabled(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Info("plain", Seq(1))
	assert.NotContains(t, buf.String(), "\033[")
}

// ============================================================================
// JSON Format
// ============================================================================

func TestJSONOutput(t *testing.T) {
	buf := capture(t, "INFO", "json")

	Info("write complete", Seq(7), LastSeq(3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "output should be valid JSON: %s", buf.String())
	assert.Equal(t, "write complete", rec["msg"])
	assert.Equal(t, float64(7), rec[KeySeq])
	assert.Equal(t, float64(3), rec[KeyLastSeq])
	assert.Equal(t, "INFO", rec["level"])
}

func TestSetFormatRuntimeSwitch(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Info("as text")
	SetFormat("json")
	Info("as json")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[INFO]")
	assert.True(t, strings.HasPrefix(lines[1], "{"), "second record should be JSON: %s", lines[1])
}

func TestSetFormatIgnoresUnknown(t *testing.T) {
	buf := capture(t, "INFO", "text")

	SetFormat("xml")
	Info("still text")
	assert.Contains(t, buf.String(), "[INFO]")
}

// ============================================================================
// Field Constructors
// ============================================================================

func TestFieldConstructors(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Info("attrs",
		Seq(1),
		LastSeq(2),
		SeqOndisk(3),
		Device(4),
		Bucket(5),
		Buckets(6),
		Sectors(7),
		Watermark("reserved"),
		Pins(8),
		Path("/dev/sda"),
		Offset(9),
		Size(10),
		DurationMs(1.25),
		Operation("grow"),
	)

	out := buf.String()
	for _, want := range []string{
		"seq=1", "last_seq=2", "seq_ondisk=3", "device=4", "bucket=5",
		"buckets=6", "sectors=7", "watermark=reserved", "pins=8",
		"path=/dev/sda", "offset=9", "size=10", "duration_ms=1.250",
		"operation=grow",
	} {
		assert.Contains(t, out, want)
	}
}

func TestErrAttr(t *testing.T) {
	buf := capture(t, "INFO", "text")

	Error("operation failed", Err(errors.New("disk gone")))
	assert.Contains(t, buf.String(), "error=disk gone")

	buf.Reset()
	Error("no cause", Err(nil))
	assert.NotContains(t, buf.String(), "error=", "nil error should produce no attr")
}

// ============================================================================
// Derived Loggers
// ============================================================================

func TestWithBindsAttrs(t *testing.T) {
	buf := capture(t, "INFO", "text")

	l := With(Device(9))
	l.Info("bound")

	assert.Contains(t, buf.String(), "device=9")
}

// ============================================================================
// Init
// ============================================================================

func TestInitFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crestfs.log")
	require.NoError(t, Init(Config{Level: "INFO", Format: "text", Output: path}))
	t.Cleanup(func() { InitWithWriter(os.Stdout, "INFO", "text", false) })

	Info("to file", Seq(1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Contains(t, string(data), "seq=1")
	assert.NotContains(t, string(data), "\033[", "file output should not be colorized")
}

func TestInitBadFilePath(t *testing.T) {
	err := Init(Config{Output: filepath.Join(t.TempDir(), "no", "such", "dir", "x.log")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open log file")
}
