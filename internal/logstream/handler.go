package logstream

import (
	"bytes"
	"context"
	"log/slog"
)

// Handler formats records as text lines and publishes them to a Hub. Records
// are only formatted while at least one subscriber is connected.
type Handler struct {
	hub   *Hub
	inner slog.Handler
}

// NewHandler returns a handler publishing records at or above level to hub.
func NewHandler(hub *Hub, level slog.Leveler) *Handler {
	return &Handler{
		hub:   hub,
		inner: slog.NewTextHandler(hubWriter{hub: hub}, &slog.HandlerOptions{Level: level}),
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.hub.Len() > 0 && h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{hub: h.hub, inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{hub: h.hub, inner: h.inner.WithGroup(name)}
}

// hubWriter receives exactly one formatted record per Write.
type hubWriter struct {
	hub *Hub
}

func (w hubWriter) Write(p []byte) (int, error) {
	w.hub.Publish(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
