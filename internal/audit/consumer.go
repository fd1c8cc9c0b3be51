package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/reflectionguide/reflect/internal/nats"
)

type inserter interface {
	Insert(ctx context.Context, log *AuditLog) error
}

// Consumer listens on the audit event NATS subject and persists entries to the database.
type Consumer struct {
	repo        inserter
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new audit event Consumer.
func NewConsumer(repo *Repository, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, "audit-persister", inats.SubjectAuditEvent)
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", "audit-persister")

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event inats.AuditEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// A malformed payload will never parse; drop it instead of redelivering.
		slog.Error("audit consumer: unmarshaling event", "error", err)
		_ = msg.Term()
		return
	}

	if event.ID == "" {
		event.ID = idFromMetadata(msg)
	}

	log := EventToLog(event)
	if err := c.repo.Insert(ctx, log); err != nil {
		slog.Error("audit consumer: persisting audit log", "error", err, "event_type", event.EventType)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("audit consumer: persisted event",
		"event_type", event.EventType,
		"profile", event.ProfileID,
		"resource_id", event.ResourceID,
	)
}

// idFromMetadata derives a stable row id from the stream position for events
// published without one. It is empty when the metadata is unavailable.
func idFromMetadata(msg jetstream.Msg) string {
	md, err := msg.Metadata()
	if err != nil {
		return ""
	}
	name := fmt.Sprintf("%s/%d", md.Stream, md.Sequence.Stream)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// EventToLog converts a published AuditEvent into its database row. The row
// id is the event ID, so inserting a redelivered event is a no-op.
// Details are stored as JSONB {"message": "..."}.
func EventToLog(event inats.AuditEvent) *AuditLog {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		id = uuid.New()
	}
	log := &AuditLog{
		ID:           id,
		ProfileID:    event.ProfileID,
		EventType:    event.EventType,
		Severity:     event.Severity,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		RequestID:    event.RequestID,
		CreatedAt:    event.Timestamp,
	}

	if log.Severity == "" {
		log.Severity = inats.SeverityInfo
	}

	detailsMap := map[string]string{"message": event.Details}
	if data, err := json.Marshal(detailsMap); err == nil {
		log.Details = data
	}

	return log
}
