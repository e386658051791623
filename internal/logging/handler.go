// Package logging builds the leveled, per-component slog handler used
// across the service.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Handler formats records as "time level component key=value ...",
// one line per record, guarded by a mutex so concurrent components can
// share a single writer.
type Handler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	component string
	attrs     []slog.Attr
}

// NewHandler returns a Handler bound to component that writes lines at
// or above level to w.
func NewHandler(w io.Writer, level slog.Leveler, component string) *Handler {
	return &Handler{
		mu:        &sync.Mutex{},
		w:         w,
		level:     level,
		component: component,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	buf.WriteString(r.Time.Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(r.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(h.component)
	buf.WriteByte(' ')
	buf.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func writeAttr(buf *bytes.Buffer, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	buf.WriteByte(' ')
	buf.WriteString(a.Key)
	buf.WriteByte('=')
	fmt.Fprintf(buf, "%v", a.Value.Any())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *Handler) WithGroup(_ string) slog.Handler {
	// Groups are not modelled; the component tag already scopes attrs.
	return h
}

// New returns a *slog.Logger for component writing to w at level.
func New(w io.Writer, level slog.Leveler, component string) *slog.Logger {
	return slog.New(NewHandler(w, level, component))
}
