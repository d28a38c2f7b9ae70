package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogEntry is one line of the json format. Room and event identity sit next
// to component so lines can be filtered per room or per event directly.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	RoomID    string         `json:"room_id,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	SenderID  string         `json:"sender_id,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// topLevel maps attribute keys to the LogEntry field they fill. Only
// ungrouped string attributes are lifted.
var topLevel = map[string]func(*LogEntry, string){
	"component": func(e *LogEntry, v string) { e.Component = v },
	"room_id":   func(e *LogEntry, v string) { e.RoomID = v },
	"event_id":  func(e *LogEntry, v string) { e.EventID = v },
	"sender_id": func(e *LogEntry, v string) { e.SenderID = v },
	"priority":  func(e *LogEntry, v string) { e.Priority = v },
}

// entryHandler writes LogEntry lines. Attributes bound through WithAttrs are
// folded into base once instead of on every record.
type entryHandler struct {
	level     slog.Level
	addSource bool
	writer    io.Writer
	mu        *sync.Mutex

	base   LogEntry
	fields map[string]any
	prefix string
}

func newEntryHandler(writer io.Writer, level slog.Level, addSource bool) *entryHandler {
	return &entryHandler{
		level:     level,
		addSource: addSource,
		writer:    writer,
		mu:        &sync.Mutex{},
		fields:    map[string]any{},
	}
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	entry := h.base
	entry.Level = strings.ToLower(record.Level.String())
	entry.Message = record.Message

	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry.Timestamp = at.UTC().Format(time.RFC3339Nano)

	fields := make(map[string]any, len(h.fields))
	maps.Copy(fields, h.fields)
	record.Attrs(func(attr slog.Attr) bool {
		h.fold(&entry, fields, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(append(line, '\n'))
	return err
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.fields = make(map[string]any, len(h.fields)+len(attrs))
	maps.Copy(next.fields, h.fields)
	for _, attr := range attrs {
		next.fold(&next.base, next.fields, attr)
	}
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *entryHandler) fold(entry *LogEntry, fields map[string]any, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if h.prefix == "" && attr.Value.Kind() == slog.KindString {
		if set, ok := topLevel[attr.Key]; ok {
			set(entry, attr.Value.String())
			return
		}
	}

	fields[h.prefix+attr.Key] = jsonValue(attr.Value)
}

func jsonValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := value.Group()
		out := make(map[string]any, len(group))
		for _, item := range group {
			out[item.Key] = jsonValue(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}
