// Package logging keeps recent log records in memory so the API can list
// and stream them.
package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Camera    string         `json:"camera,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries; zero fields match everything
type Filter struct {
	Component string
	Camera    string
	MinLevel  slog.Level
}

// Match reports whether e passes the filter
func (f Filter) Match(e Entry) bool {
	if f.Component != "" && f.Component != e.Component {
		return false
	}
	if f.Camera != "" && f.Camera != e.Camera {
		return false
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(e.Level)); err == nil && lvl < f.MinLevel {
		return false
	}
	return true
}

// Buffer is a fixed-size ring of the most recent entries with live
// subscribers
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int

	subMu       sync.RWMutex
	subscribers map[chan Entry]struct{}
}

// NewBuffer creates a buffer holding up to size entries
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{
		entries:     make([]Entry, size),
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add stores an entry and fans it out to subscribers
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	b.entries[b.head] = e
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	b.mu.Unlock()

	b.subMu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// Slow subscriber
		}
	}
	b.subMu.RUnlock()
}

// Recent returns up to n of the newest entries matching f, oldest first
func (b *Buffer) Recent(n int, f Filter) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := len(b.entries)
	start := (b.head - b.count + size) % size
	out := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%size]
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Subscribe returns a channel receiving new entries
func (b *Buffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	b.subMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (b *Buffer) Unsubscribe(ch chan Entry) {
	b.subMu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.subMu.Unlock()
}

// Handler is a slog.Handler that records into a Buffer and forwards to
// another handler
type Handler struct {
	buffer *Buffer
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

// NewHandler wraps next so every handled record is also buffered
func NewHandler(buffer *Buffer, next slog.Handler) *Handler {
	return &Handler{buffer: buffer, next: next}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]any),
	}
	for _, a := range h.attrs {
		e.add(a)
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		a.Key = prefix + a.Key
		e.add(a)
		return true
	})
	if len(e.Attrs) == 0 {
		e.Attrs = nil
	}

	h.buffer.Add(e)
	return h.next.Handle(ctx, r)
}

// add records a; keys are already group-qualified
func (e *Entry) add(a slog.Attr) {
	switch a.Key {
	case "component":
		e.Component = a.Value.String()
	case "camera":
		e.Camera = a.Value.String()
	default:
		e.Attrs[a.Key] = a.Value.Resolve().Any()
	}
}

func (h *Handler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.prefix()
	merged := append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		merged = append(merged, a)
	}
	return &Handler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  merged,
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		groups: append(append([]string(nil), h.groups...), name),
	}
}
