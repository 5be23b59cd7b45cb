package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// ColorTextHandler is a slog.Handler producing single-line human-readable
// records, optionally colorized for terminals.
//
// Attrs bound via WithAttrs are formatted once, up front, and replayed as
// raw bytes on every record.
type ColorTextHandler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	bound []byte
	color bool
}

// NewColorTextHandler creates a handler writing to w. A nil opts means
// level info and up.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) *ColorTextHandler {
	h := &ColorTextHandler{
		out:   w,
		mu:    new(sync.Mutex),
		level: slog.LevelInfo,
		color: useColor,
	}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *ColorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	line := make([]byte, 0, 128+len(h.bound))
	line = append(line, '[')
	line = r.Time.AppendFormat(line, "2006-01-02 15:04:05")
	line = append(line, "] ["...)
	line = h.formatLevel(line, r.Level)
	line = append(line, "] "...)
	line = append(line, r.Message...)
	line = append(line, h.bound...)
	r.Attrs(func(a slog.Attr) bool {
		line = h.formatAttr(line, a)
		return true
	})
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(line)
	return err
}

func (h *ColorTextHandler) formatLevel(line []byte, level slog.Level) []byte {
	name, color := "ERROR", ansiRed
	switch {
	case level < slog.LevelInfo:
		name, color = "DEBUG", ansiGray
	case level < slog.LevelWarn:
		name, color = "INFO", ansiGreen
	case level < slog.LevelError:
		name, color = "WARN", ansiYellow
	}
	if !h.color {
		return append(line, name...)
	}
	line = append(line, color...)
	line = append(line, name...)
	return append(line, ansiReset...)
}

// formatAttr appends " key=value". Empty attrs, as produced by Err(nil),
// are skipped.
func (h *ColorTextHandler) formatAttr(line []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return line
	}
	a.Value = a.Value.Resolve()

	line = append(line, ' ')
	if h.color {
		line = append(line, ansiCyan...)
		line = append(line, a.Key...)
		line = append(line, ansiReset...)
	} else {
		line = append(line, a.Key...)
	}
	line = append(line, '=')

	v := a.Value
	switch v.Kind() {
	case slog.KindString:
		return append(line, v.String()...)
	case slog.KindInt64:
		return strconv.AppendInt(line, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(line, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(line, v.Float64(), 'f', 3, 64)
	case slog.KindBool:
		return strconv.AppendBool(line, v.Bool())
	case slog.KindDuration:
		return append(line, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(line, time.RFC3339)
	}
	return fmt.Appendf(line, "%v", v.Any())
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	// Clip capacity so appends below never scribble on the parent's slice.
	c.bound = h.bound[:len(h.bound):len(h.bound)]
	for _, a := range attrs {
		c.bound = c.formatAttr(c.bound, a)
	}
	return &c
}

// WithGroup is accepted but flattened; attrs print ungrouped.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return h
}
