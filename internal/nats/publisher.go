package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishAuditEvent publishes an audit event. A set event ID doubles as the
// JetStream message ID, so retried publishes are deduplicated.
func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	var opts []jetstream.PublishOpt
	if event.ID != "" {
		opts = append(opts, jetstream.WithMsgID(event.ID))
	}
	return p.publish(ctx, SubjectAuditEvent, event, opts...)
}

// PublishVoiceUsage publishes a counted voice message.
func (p *Publisher) PublishVoiceUsage(ctx context.Context, event VoiceUsageEvent) error {
	return p.publish(ctx, SubjectVoiceUsage, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any, opts ...jetstream.PublishOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload, opts...)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
