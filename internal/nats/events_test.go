package nats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditEvent_JSONShape(t *testing.T) {
	event := AuditEvent{
		ProfileID:    "Patient/123",
		EventType:    "voice_limit_reached",
		Severity:     SeverityWarn,
		ResourceType: "Patient",
		ResourceID:   "123",
		Details:      "daily limit 10 reached",
		Timestamp:    time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Patient/123", raw["profile_id"])
	assert.Equal(t, "warn", raw["severity"])
	_, hasRequestID := raw["request_id"]
	assert.False(t, hasRequestID, "empty request id is omitted")
}

func TestSubjectsBelongToEventStream(t *testing.T) {
	for _, subject := range []string{SubjectAuditEvent, SubjectVoiceUsage} {
		assert.Regexp(t, `^reflect\.events\.`, subject)
	}
}
