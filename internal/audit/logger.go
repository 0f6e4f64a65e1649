// Package audit records security events to an append-only store.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/citaguard/internal/storage"
	"github.com/org/citaguard/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StoreError wraps a failure of the underlying event store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("security event store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ClientInfo identifies where a request came from.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// Entry is the input to LogEvent. Severity defaults to the type's default.
type Entry struct {
	Type     models.EventType
	Severity models.Severity
	UserID   string
	Client   ClientInfo
	Success  bool
	Details  map[string]any
}

// Logger writes security events. Logging never fails from the caller's
// point of view: store errors are reported on the operational log.
type Logger struct {
	store storage.EventStore
	now   func() time.Time
	// OnEvent, if set, is called for every event after the insert attempt.
	OnEvent func(event *models.SecurityEvent, stored bool)
}

// NewLogger creates a Logger writing to store.
func NewLogger(store storage.EventStore) *Logger {
	return &Logger{store: store, now: time.Now}
}

// LogEvent records one event and returns its id, or "" if it could not be stored.
func (l *Logger) LogEvent(ctx context.Context, e Entry) string {
	severity := e.Severity
	if !severity.Valid() {
		severity = models.DefaultSeverity(e.Type)
	}
	details := copyDetails(e.Details)
	event := &models.SecurityEvent{
		ID:          uuid.NewString(),
		EventType:   e.Type,
		Severity:    severity,
		Timestamp:   l.now().UTC(),
		ActorUserID: e.UserID,
		IPAddress:   e.Client.IP,
		UserAgent:   e.Client.UserAgent,
		Success:     e.Success,
		Details:     details,
	}

	if severity.Elevated() {
		mirror(event)
	}

	stored := true
	if err := l.store.InsertEvent(ctx, event); err != nil {
		stored = false
		serr := &StoreError{Op: "insert", Err: err}
		log.Error().Err(serr).
			Str("event_type", string(event.EventType)).
			Str("user_id", event.ActorUserID).
			Msg("failed to record security event")
	}
	if l.OnEvent != nil {
		l.OnEvent(event, stored)
	}
	if !stored {
		return ""
	}
	return event.ID
}

// Query returns events matching filter, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.EventFilter) ([]*models.SecurityEvent, error) {
	events, err := l.store.QueryEvents(ctx, filter)
	if err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}
	return events, nil
}

// copyDetails detaches the stored event from the caller's map, including
// nested maps and slices.
func copyDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyDetails(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

// mirror copies an elevated event to the operational log.
func mirror(e *models.SecurityEvent) {
	var ev *zerolog.Event
	if e.Severity == models.SeverityCritical {
		ev = log.Error()
	} else {
		ev = log.Warn()
	}
	ev.Str("severity", string(e.Severity)).
		Str("event_type", string(e.EventType)).
		Str("user_id", e.ActorUserID).
		Str("ip", e.IPAddress).
		Bool("success", e.Success).
		Interface("details", e.Details).
		Msg("security event")
}
