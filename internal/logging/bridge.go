package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// LogSink receives structured log records mirrored from the process logger.
// Implementations must never block the caller.
type LogSink interface {
	EmitLog(level, message, correlationID string, fields map[string]any)
}

// BridgeHandler wraps an slog.Handler and mirrors every record into a
// LogSink. The sink can be attached after construction, which lets the
// logger exist before the telemetry emitter does.
type BridgeHandler struct {
	inner slog.Handler
	sink  atomic.Pointer[sinkBox]
	attrs []slog.Attr
}

type sinkBox struct{ s LogSink }

// NewBridgeHandler creates a handler that forwards to inner and mirrors
// records into a later-attached sink.
func NewBridgeHandler(inner slog.Handler) *BridgeHandler {
	return &BridgeHandler{inner: inner}
}

// SetSink attaches the mirror sink. Passing nil detaches it.
func (h *BridgeHandler) SetSink(s LogSink) {
	if s == nil {
		h.sink.Store(nil)
		return
	}
	h.sink.Store(&sinkBox{s: s})
}

func (h *BridgeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *BridgeHandler) Handle(ctx context.Context, rec slog.Record) error {
	if box := h.sink.Load(); box != nil {
		fields := make(map[string]any, rec.NumAttrs()+len(h.attrs))
		for _, a := range h.attrs {
			fields[a.Key] = a.Value.Any()
		}
		rec.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value.Any()
			return true
		})
		box.s.EmitLog(levelName(rec.Level), rec.Message, CorrelationID(ctx), fields)
	}
	return h.inner.Handle(ctx, rec)
}

func (h *BridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &BridgeHandler{inner: h.inner.WithAttrs(attrs)}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	if box := h.sink.Load(); box != nil {
		nh.sink.Store(box)
	}
	return nh
}

func (h *BridgeHandler) WithGroup(name string) slog.Handler {
	nh := &BridgeHandler{inner: h.inner.WithGroup(name), attrs: h.attrs}
	if box := h.sink.Load(); box != nil {
		nh.sink.Store(box)
	}
	return nh
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
