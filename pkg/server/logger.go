package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogWriter persists one job log record
type LogWriter interface {
	WriteLog(ctx context.Context, jobID uuid.UUID, at time.Time, level, message string, metadata []byte) error
}

// DBLogHandler is a slog.Handler that writes job records to research_logs and
// optionally forwards them to a console handler.
type DBLogHandler struct {
	DB    LogWriter
	JobID uuid.UUID
	Next  slog.Handler

	attrs  []slog.Attr
	groups []string
}

func NewDBLogHandler(db LogWriter, jobID uuid.UUID, next slog.Handler) *DBLogHandler {
	return &DBLogHandler{
		DB:    db,
		JobID: jobID,
		Next:  next,
	}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.Next != nil && h.Next.Enabled(ctx, r.Level) {
		_ = h.Next.Handle(ctx, r.Clone())
	}

	if h.DB == nil {
		return nil
	}
	metaJSON, err := json.Marshal(h.metadata(r))
	if err != nil {
		metaJSON = []byte("{}")
	}
	// Job logs outlive the request or job context that produced them
	return h.DB.WriteLog(context.Background(), h.JobID, r.Time, r.Level.String(), r.Message, metaJSON)
}

// metadata flattens handler and record attributes, prefixing group names
func (h *DBLogHandler) metadata(r slog.Record) map[string]interface{} {
	out := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	for _, a := range h.attrs {
		addAttr(out, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(out, prefix, a)
		return true
	})
	return out
}

func addAttr(out map[string]interface{}, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	switch a.Value.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			addAttr(out, p, ga)
		}
	case slog.KindDuration:
		out[prefix+a.Key] = a.Value.Duration().String()
	case slog.KindTime:
		out[prefix+a.Key] = a.Value.Time()
	default:
		v := a.Value.Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out[prefix+a.Key] = v
	}
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	prefix := ""
	for _, g := range h.groups {
		prefix += g + "."
	}
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		clone.attrs = append(clone.attrs, a)
	}
	if h.Next != nil {
		clone.Next = h.Next.WithAttrs(attrs)
	}
	return &clone
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	if h.Next != nil {
		clone.Next = h.Next.WithGroup(name)
	}
	return &clone
}
