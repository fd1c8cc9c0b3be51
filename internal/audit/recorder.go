package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reflectionguide/reflect/internal/middleware"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

// Recorder accepts audit events. Implementations never fail the caller.
type Recorder interface {
	Record(ctx context.Context, event inats.AuditEvent)
}

type eventPublisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// NATSRecorder publishes audit events to JetStream, falling back to the log.
type NATSRecorder struct {
	pub eventPublisher
}

// NewRecorder returns a JetStream-backed Recorder, or a log-only one when pub is nil.
func NewRecorder(pub eventPublisher) Recorder {
	if pub == nil {
		return LogRecorder{}
	}
	return &NATSRecorder{pub: pub}
}

func (r *NATSRecorder) Record(ctx context.Context, event inats.AuditEvent) {
	event = stamp(ctx, event)
	if err := r.pub.PublishAuditEvent(ctx, event); err != nil {
		slog.Warn("audit: publishing event, logging instead", "error", err, "event_type", event.EventType)
		LogRecorder{}.Record(ctx, event)
	}
}

// LogRecorder writes audit events to the structured log only.
type LogRecorder struct{}

func (LogRecorder) Record(ctx context.Context, event inats.AuditEvent) {
	event = stamp(ctx, event)

	level := slog.LevelInfo
	switch event.Severity {
	case inats.SeverityWarn:
		level = slog.LevelWarn
	case inats.SeverityError:
		level = slog.LevelError
	}

	slog.Log(ctx, level, "audit event",
		"event_type", event.EventType,
		"profile", event.ProfileID,
		"resource_type", event.ResourceType,
		"resource_id", event.ResourceID,
		"details", event.Details,
		"request_id", event.RequestID,
	)
}

func stamp(ctx context.Context, event inats.AuditEvent) inats.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = inats.SeverityInfo
	}
	if event.RequestID == "" {
		event.RequestID = middleware.GetRequestID(ctx)
	}
	return event
}
