package nats

import (
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents = "REFLECT_EVENTS"
)

// Subject constants.
const (
	SubjectAuditEvent = "reflect.events.audit"
	SubjectVoiceUsage = "reflect.events.voice"
)

// Audit event types emitted across the service.
const (
	EventVoiceLimitReached      = "voice_limit_reached"
	EventVoiceCheckFailedOpen   = "voice_check_failed_open"
	EventVoiceCheckFailedClosed = "voice_check_failed_closed"
	EventVoiceCountIncremented  = "voice_count_incremented"
	EventVoiceNoProfile         = "voice_no_profile"
	EventBillingConfigured      = "billing_configured"
	EventBillingConfigureFail   = "billing_configure_failed"
	EventBillingLogin           = "billing_login"
	EventBillingLoginFailed     = "billing_login_failed"
	EventPurchaseCompleted      = "purchase_completed"
	EventPurchaseCancelled      = "purchase_cancelled"
	EventPurchaseFailed         = "purchase_failed"
	EventPurchasesRestored      = "purchases_restored"
	EventCustomerInfoChanged    = "customer_info_changed"
	EventProfileCreated         = "profile_created"
	EventThreadCreated          = "thread_created"
	EventMessageSent            = "message_sent"
	EventRemoteCallFailed       = "remote_call_failed"
)

// Severity levels used on audit events.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// AuditEvent is the diagnostic record written around collaborator calls and
// entitlement decisions. ProfileID is the FHIR profile the event concerns.
// ID is set once by the recorder and survives redelivery.
type AuditEvent struct {
	ID           string    `json:"id,omitempty"`
	ProfileID    string    `json:"profile_id"`
	EventType    string    `json:"event_type"`
	Severity     string    `json:"severity"` // info, warn, error
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details"`
	RequestID    string    `json:"request_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// VoiceUsageEvent is published after a voice message was counted.
type VoiceUsageEvent struct {
	ProfileID    string    `json:"profile_id"`
	DailyCount   int       `json:"daily_count"`
	MonthlyCount int       `json:"monthly_count"`
	Timestamp    time.Time `json:"timestamp"`
}
