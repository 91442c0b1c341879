// Package diaglog writes the relay's diagnostic log: an append-only text
// file with one "<local timestamp>: <event>" line per record. The log is
// best-effort. A failed write is counted and dropped, never returned to
// the component that logged.
package diaglog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/routine/routine-host/internal/clock"
)

// TimestampFormat is the layout of the line prefix.
const TimestampFormat = "2006-01-02 15:04:05.000000 -07:00"

// Handler is a slog.Handler producing diagnostic log lines.
type Handler struct {
	out    *output
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// output is shared by every Handler derived from the same root.
type output struct {
	mu      sync.Mutex
	w       io.Writer
	clock   clock.Clock
	dropped atomic.Int64
}

// Options configures a Handler.
type Options struct {
	// Level is the minimum level written. Defaults to slog.LevelDebug so
	// per-message events reach the file.
	Level slog.Leveler
	// Clock supplies timestamps. Defaults to clock.Real().
	Clock clock.Clock
}

// NewHandler returns a Handler writing lines to w.
func NewHandler(w io.Writer, opts *Options) *Handler {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Level == nil {
		o.Level = slog.LevelDebug
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	return &Handler{
		out:   &output{w: w, clock: o.Clock},
		level: o.Level,
	}
}

// Open opens (creating if needed) the log file at path in append mode.
// The returned close function releases the file.
func Open(path string, opts *Options) (*Handler, func() error, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open diagnostic log: %w", err)
	}
	return NewHandler(file, opts), file.Close, nil
}

// Dropped returns the number of lines that could not be written.
func (h *Handler) Dropped() int64 {
	return h.out.dropped.Load()
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	var line bytes.Buffer
	line.WriteString(h.out.clock.Now().Format(TimestampFormat))
	line.WriteString(": ")
	if record.Level >= slog.LevelWarn {
		line.WriteString(record.Level.String())
		line.WriteByte(' ')
	}
	line.WriteString(record.Message)

	prefix := groupPrefix(h.groups)
	for _, attr := range h.attrs {
		appendAttr(&line, "", attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&line, prefix, attr)
		return true
	})
	line.WriteByte('\n')

	h.out.mu.Lock()
	_, err := h.out.w.Write(line.Bytes())
	h.out.mu.Unlock()
	if err != nil {
		h.out.dropped.Add(1)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	prefix := groupPrefix(h.groups)
	derived := h.clone()
	for _, attr := range attrs {
		attr.Key = prefix + attr.Key
		derived.attrs = append(derived.attrs, attr)
	}
	return derived
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	derived := h.clone()
	derived.groups = append(derived.groups, name)
	return derived
}

func (h *Handler) clone() *Handler {
	return &Handler{
		out:    h.out,
		level:  h.level,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

func groupPrefix(groups []string) string {
	var prefix string
	for _, group := range groups {
		prefix += group + "."
	}
	return prefix
}

func appendAttr(line *bytes.Buffer, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		nested := prefix
		if attr.Key != "" {
			nested += attr.Key + "."
		}
		for _, member := range attr.Value.Group() {
			appendAttr(line, nested, member)
		}
		return
	}
	line.WriteByte(' ')
	line.WriteString(prefix)
	line.WriteString(attr.Key)
	line.WriteByte('=')
	line.WriteString(attr.Value.String())
}

// Fanout sends each record to every handler that has it enabled.
type Fanout []slog.Handler

func (handlers Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers Fanout) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range handlers {
		if handler.Enabled(ctx, record.Level) {
			_ = handler.Handle(ctx, record.Clone())
		}
	}
	return nil
}

func (handlers Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(Fanout, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithAttrs(attrs)
	}
	return derived
}

func (handlers Fanout) WithGroup(name string) slog.Handler {
	derived := make(Fanout, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithGroup(name)
	}
	return derived
}
