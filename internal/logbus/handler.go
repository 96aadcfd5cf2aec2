package logbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// JobIDKey is the slog attribute that attributes a log line to a job.
const JobIDKey = "job_id"

// Handler is a slog.Handler that publishes records onto a Bus. Attributes
// are rendered as key=value after the message, prefixed by the groups open
// when they were added. A top-level job_id is lifted onto the entry itself.
type Handler struct {
	bus    *Bus
	level  slog.Leveler
	attrs  []scopedAttr
	groups []string
}

// scopedAttr is an attribute added by WithAttrs together with its group
// prefix at that time.
type scopedAttr struct {
	prefix string
	attr   slog.Attr
}

// NewHandler creates a handler publishing records at or above level.
func NewHandler(bus *Bus, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{bus: bus, level: level}
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)

	jobID := ""
	var write func(prefix string, a slog.Attr)
	write = func(prefix string, a slog.Attr) {
		a.Value = a.Value.Resolve()
		if a.Equal(slog.Attr{}) {
			return
		}
		if a.Key == JobIDKey && prefix == "" {
			jobID = a.Value.String()
			return
		}
		if a.Value.Kind() == slog.KindGroup {
			inner := prefix
			if a.Key != "" {
				inner = join(prefix, a.Key)
			}
			for _, ga := range a.Value.Group() {
				write(inner, ga)
			}
			return
		}
		fmt.Fprintf(&sb, " %s=%s", join(prefix, a.Key), formatValue(a.Value))
	}

	for _, sa := range h.attrs {
		write(sa.prefix, sa.attr)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		write(prefix, a)
		return true
	})

	h.bus.PublishJob(jobID, r.Level.String(), sb.String())
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	nh := *h
	nh.attrs = make([]scopedAttr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, scopedAttr{prefix: prefix, attr: a})
	}
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string{}, h.groups...), name)
	return &nh
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func formatValue(v slog.Value) string {
	s := v.String()
	if strings.ContainsAny(s, " \t\n\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
