package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reflectionguide/reflect/internal/audit"
	"github.com/reflectionguide/reflect/internal/config"
	"github.com/reflectionguide/reflect/internal/metrics"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

// ErrNoProfile is returned when the caller has no profile to count against.
var ErrNoProfile = errors.New("usage: no profile for current user")

// Store persists usage records. Load returns a zero Record for a profile
// that has none.
type Store interface {
	Load(ctx context.Context, userID string) (Record, error)
	Save(ctx context.Context, userID string, rec Record) error
}

// EntitlementChecker answers whether a user holds the premium entitlement.
type EntitlementChecker interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

type usagePublisher interface {
	PublishVoiceUsage(ctx context.Context, event inats.VoiceUsageEvent) error
}

// Decision reasons.
const (
	ReasonPremium          = "premium"
	ReasonUnderLimit       = "under_limit"
	ReasonLimitReached     = "limit_reached"
	ReasonFailOpen         = "fail_open"
	ReasonUsageUnavailable = "usage_unavailable"
	ReasonNoProfile        = "no_profile"
)

// Decision is the outcome of a recording permission check.
type Decision struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	DailyCount int    `json:"daily_count"`
	DailyLimit int    `json:"daily_limit"`
	Premium    bool   `json:"premium"`
}

// Remaining is the number of free messages left today; -1 means unlimited.
func (d Decision) Remaining() int {
	if d.Premium {
		return -1
	}
	return max(d.DailyLimit-d.DailyCount, 0)
}

// Gate decides whether a voice recording may start and counts messages
// once they are sent.
type Gate struct {
	store        Store
	entitlements EntitlementChecker
	limit        int
	failOpen     bool
	development  bool
	loc          *time.Location
	audit        audit.Recorder
	publisher    usagePublisher
	now          func() time.Time
}

// NewGate builds a Gate. entitlements may be nil, in which case every user
// is on the free tier. pub may be nil.
func NewGate(store Store, entitlements EntitlementChecker, cfg config.VoiceConfig, development bool, rec audit.Recorder, pub usagePublisher) (*Gate, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading voice timezone %q: %w", cfg.Timezone, err)
	}
	limit := cfg.DailyLimit
	if limit <= 0 {
		limit = FreeDailyVoiceMessageLimit
	}
	return &Gate{
		store:        store,
		entitlements: entitlements,
		limit:        limit,
		failOpen:     cfg.FailOpen,
		development:  development,
		loc:          loc,
		audit:        rec,
		publisher:    pub,
		now:          time.Now,
	}, nil
}

func (g *Gate) DailyLimit() int {
	return g.limit
}

// CheckRecordingPermission decides whether userID may record a voice message
// now. It never writes the usage record. The only error is ErrNoProfile;
// every collaborator failure resolves to a Decision.
func (g *Gate) CheckRecordingPermission(ctx context.Context, userID string) (Decision, error) {
	d := Decision{DailyLimit: g.limit}

	if userID == "" {
		d.Reason = ReasonNoProfile
		g.observe(d)
		g.audit.Record(ctx, inats.AuditEvent{
			EventType: inats.EventVoiceNoProfile,
			Severity:  inats.SeverityWarn,
			Details:   "recording permission requested without a profile",
		})
		return d, ErrNoProfile
	}

	rec, err := g.store.Load(ctx, userID)
	if err != nil {
		return g.loadFailed(ctx, userID, err), nil
	}
	rec = rec.Reset(g.now(), g.loc)
	d.DailyCount = rec.DailyCount

	if g.isPremium(ctx, userID) {
		d.Allowed, d.Reason, d.Premium = true, ReasonPremium, true
		g.observe(d)
		return d, nil
	}

	if rec.DailyCount >= g.limit {
		d.Reason = ReasonLimitReached
		g.observe(d)
		g.audit.Record(ctx, inats.AuditEvent{
			ProfileID: userID,
			EventType: inats.EventVoiceLimitReached,
			Details:   fmt.Sprintf("daily count %d of %d", rec.DailyCount, g.limit),
		})
		return d, nil
	}

	d.Allowed, d.Reason = true, ReasonUnderLimit
	g.observe(d)
	return d, nil
}

// loadFailed applies the configured policy for an unreadable usage record.
// When failing closed, premium users are still let through.
func (g *Gate) loadFailed(ctx context.Context, userID string, loadErr error) Decision {
	d := Decision{DailyLimit: g.limit}
	policy, eventType := "open", inats.EventVoiceCheckFailedOpen
	switch {
	case g.failOpen:
		d.Allowed, d.Reason = true, ReasonFailOpen
	case g.isPremium(ctx, userID):
		d.Allowed, d.Reason, d.Premium = true, ReasonPremium, true
		policy, eventType = "closed", inats.EventVoiceCheckFailedClosed
	default:
		d.Reason = ReasonUsageUnavailable
		policy, eventType = "closed", inats.EventVoiceCheckFailedClosed
	}

	slog.Warn("loading voice usage record failed", "error", loadErr, "profile", userID, "policy", policy, "allowed", d.Allowed)
	g.audit.Record(ctx, inats.AuditEvent{
		ProfileID: userID,
		EventType: eventType,
		Severity:  inats.SeverityWarn,
		Details:   fmt.Sprintf("usage record unavailable, failing %s: %v", policy, loadErr),
	})
	g.observe(d)
	return d
}

// isPremium resolves lookup failures to the free tier in production and to
// premium in development builds.
func (g *Gate) isPremium(ctx context.Context, userID string) bool {
	if g.entitlements == nil {
		return false
	}
	premium, err := g.entitlements.IsPremium(ctx, userID)
	if err != nil {
		slog.Warn("premium lookup failed, using default", "error", err, "profile", userID, "assume_premium", g.development)
		return g.development
	}
	return premium
}

func (g *Gate) observe(d Decision) {
	metrics.VoiceChecksTotal.WithLabelValues(d.Reason).Inc()
}

// IncrementVoiceCount counts one sent voice message for userID. Concurrent
// increments for the same profile are last-writer-wins.
func (g *Gate) IncrementVoiceCount(ctx context.Context, userID string) (Record, error) {
	if userID == "" {
		return Record{}, ErrNoProfile
	}

	rec, err := g.loadForWrite(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	now := g.now()
	rec = rec.Increment(now, g.loc)
	if err := g.store.Save(ctx, userID, rec); err != nil {
		return Record{}, fmt.Errorf("saving voice usage: %w", err)
	}

	metrics.VoiceIncrementsTotal.Inc()
	g.audit.Record(ctx, inats.AuditEvent{
		ProfileID: userID,
		EventType: inats.EventVoiceCountIncremented,
		Details:   fmt.Sprintf("daily %d monthly %d", rec.DailyCount, rec.MonthlyCount),
	})
	if g.publisher != nil {
		event := inats.VoiceUsageEvent{
			ProfileID:    userID,
			DailyCount:   rec.DailyCount,
			MonthlyCount: rec.MonthlyCount,
			Timestamp:    now.UTC(),
		}
		if err := g.publisher.PublishVoiceUsage(ctx, event); err != nil {
			slog.Warn("publishing voice usage", "error", err, "profile", userID)
		}
	}
	return rec, nil
}

// loadForWrite treats a malformed record as reset so the next save
// overwrites it.
func (g *Gate) loadForWrite(ctx context.Context, userID string) (Record, error) {
	rec, err := g.store.Load(ctx, userID)
	switch {
	case errors.Is(err, ErrMalformedRecord):
		slog.Warn("resetting malformed voice usage record", "error", err, "profile", userID)
		return Record{}, nil
	case err != nil:
		return Record{}, fmt.Errorf("loading voice usage: %w", err)
	}
	return rec, nil
}

// Usage returns userID's record as of now, with rolled-over windows zeroed.
func (g *Gate) Usage(ctx context.Context, userID string) (Record, error) {
	if userID == "" {
		return Record{}, ErrNoProfile
	}
	rec, err := g.store.Load(ctx, userID)
	if err != nil {
		return Record{}, fmt.Errorf("loading voice usage: %w", err)
	}
	return rec.Reset(g.now(), g.loc), nil
}

// Prompt returns the limit-reached prompt for this gate's limit.
func (g *Gate) Prompt() Prompt {
	return LimitReachedPrompt(g.limit)
}
