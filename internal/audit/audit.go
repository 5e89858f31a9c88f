package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Role      string            `json:"role,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	CourseID  string            `json:"course_id,omitempty"`
	Action    string            `json:"action,omitempty"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Success   bool              `json:"success"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives audit events. Implementations must be safe for use by one
// delivery goroutine at a time; Dispatcher never calls Emit concurrently.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink discards events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink forwards events into a buffered channel, mostly for tests.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan Event, max(buffer, 1))}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event { return s.events }

// JSONWriterSink writes newline-delimited JSON.
type JSONWriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{enc: json.NewEncoder(w)}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.enc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(event)
}

// SlogSink logs each event as one structured record. Failed events are logged
// at Warn, successful ones at Info.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, event Event) {
	attrs := []slog.Attr{
		slog.String("type", event.Type),
		slog.Bool("success", event.Success),
		slog.Time("at", event.Timestamp),
	}
	for _, kv := range [][2]string{
		{"user_id", event.UserID},
		{"role", event.Role},
		{"session_id", event.SessionID},
		{"course_id", event.CourseID},
		{"action", event.Action},
		{"ip", event.IP},
		{"reason", event.Reason},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "courseauth: audit", attrs...)
}
