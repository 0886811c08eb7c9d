// Package logging installs the process-wide slog handler.
//
// Log level is Info by default. The LOGGER_LEVELS environment variable names
// categories that log at Debug instead, comma-separated ("queue,llm"), with
// "*" enabling Debug everywhere. Components obtain a category-scoped logger
// via Category; ad-hoc attrs on individual records do not affect filtering.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// CategoryKey is the attribute key the handler inspects for debug elevation.
const CategoryKey = "category"

// Setup builds the handler and installs it as the slog default.
// levels is the raw LOGGER_LEVELS value; empty means Info everywhere.
func Setup(w io.Writer, levels string) {
	slog.SetDefault(slog.New(NewHandler(w, levels)))
}

// NewHandler returns a text handler that logs Info and above for all
// categories, plus Debug for the categories named in levels.
func NewHandler(w io.Writer, levels string) slog.Handler {
	debug := make(map[string]bool)
	for _, c := range strings.Split(levels, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			debug[c] = true
		}
	}
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	return &categoryHandler{inner: inner, debug: debug}
}

// Category returns a logger bound to a named category. Records logged
// through it carry category=<name> and follow that category's level.
func Category(name string) *slog.Logger {
	return slog.With(CategoryKey, name)
}

type categoryHandler struct {
	inner    slog.Handler
	debug    map[string]bool
	category string
}

func (h *categoryHandler) Enabled(_ context.Context, level slog.Level) bool {
	if level >= slog.LevelInfo {
		return true
	}
	if h.debug["*"] {
		return true
	}
	return h.debug[h.category]
}

func (h *categoryHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *categoryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == CategoryKey {
			next.category = strings.ToLower(a.Value.String())
		}
	}
	return &next
}

func (h *categoryHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}
