package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/reflectionguide/reflect/internal/nats"
)

type fakePublisher struct {
	events []inats.AuditEvent
	err    error
}

func (f *fakePublisher) PublishAuditEvent(_ context.Context, event inats.AuditEvent) error {
	f.events = append(f.events, event)
	return f.err
}

func TestNATSRecorder_StampsAndPublishes(t *testing.T) {
	pub := &fakePublisher{}
	rec := NewRecorder(pub)

	rec.Record(context.Background(), inats.AuditEvent{ProfileID: "Patient/1", EventType: inats.EventThreadCreated})

	require.Len(t, pub.events, 1)
	assert.False(t, pub.events[0].Timestamp.IsZero())
	assert.Equal(t, inats.SeverityInfo, pub.events[0].Severity)
	assert.NotEmpty(t, pub.events[0].ID)

	rec.Record(context.Background(), inats.AuditEvent{ID: "kept", EventType: inats.EventThreadCreated})
	assert.Equal(t, "kept", pub.events[1].ID)
}

func TestNATSRecorder_PublishErrorDoesNotPanic(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats down")}
	rec := NewRecorder(pub)

	assert.NotPanics(t, func() {
		rec.Record(context.Background(), inats.AuditEvent{EventType: inats.EventRemoteCallFailed, Severity: inats.SeverityError})
	})
	assert.Len(t, pub.events, 1)
}

func TestNewRecorder_NilPublisherLogsOnly(t *testing.T) {
	rec := NewRecorder(nil)
	_, ok := rec.(LogRecorder)
	assert.True(t, ok)
}
