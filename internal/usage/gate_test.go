package usage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflectionguide/reflect/internal/config"
	inats "github.com/reflectionguide/reflect/internal/nats"
)

const profile = "Patient/1"

func TestCheck_UnderLimitAllowed(t *testing.T) {
	for count := 0; count < FreeDailyVoiceMessageLimit; count++ {
		t.Run(fmt.Sprintf("daily_%d", count), func(t *testing.T) {
			f := newGateFixture(t, nil)
			f.store.records[profile] = Record{DailyCount: count, MonthlyCount: count, LastResetDate: gateNow.Add(-time.Hour)}

			d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, ReasonUnderLimit, d.Reason)
			assert.Equal(t, FreeDailyVoiceMessageLimit-count, d.Remaining())
		})
	}
}

func TestCheck_AtOrOverLimitDenied(t *testing.T) {
	for _, count := range []int{10, 11, 25} {
		t.Run(fmt.Sprintf("daily_%d", count), func(t *testing.T) {
			f := newGateFixture(t, nil)
			f.store.records[profile] = Record{DailyCount: count, MonthlyCount: count, LastResetDate: gateNow.Add(-time.Hour)}

			d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonLimitReached, d.Reason)
			assert.Equal(t, 0, d.Remaining())
			assert.True(t, f.audit.has(inats.EventVoiceLimitReached))
		})
	}
}

func TestCheck_PremiumOverridesCounter(t *testing.T) {
	for _, count := range []int{0, 9, 10, 500} {
		t.Run(fmt.Sprintf("daily_%d", count), func(t *testing.T) {
			f := newGateFixture(t, nil)
			f.ents.premium[profile] = true
			f.store.records[profile] = Record{DailyCount: count, MonthlyCount: count, LastResetDate: gateNow.Add(-time.Hour)}

			d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.True(t, d.Premium)
			assert.Equal(t, ReasonPremium, d.Reason)
			assert.Equal(t, -1, d.Remaining())
		})
	}
}

func TestCheck_StaleCountFromYesterdayDoesNotDeny(t *testing.T) {
	f := newGateFixture(t, nil)
	f.store.records[profile] = Record{DailyCount: 10, MonthlyCount: 10, LastResetDate: gateNow.Add(-24 * time.Hour)}

	d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.DailyCount)
}

func TestCheck_IsReadOnly(t *testing.T) {
	f := newGateFixture(t, nil)
	f.store.records[profile] = Record{DailyCount: 10, LastResetDate: gateNow.Add(-48 * time.Hour)}

	_, err := f.gate.CheckRecordingPermission(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, 0, f.store.saves)
	assert.Equal(t, 10, f.store.records[profile].DailyCount)
}

func TestCheck_NoProfileFailsClosed(t *testing.T) {
	f := newGateFixture(t, nil)

	d, err := f.gate.CheckRecordingPermission(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoProfile)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoProfile, d.Reason)
	assert.True(t, f.audit.has(inats.EventVoiceNoProfile))
}

func TestCheck_LoadErrorFailsOpen(t *testing.T) {
	f := newGateFixture(t, nil)
	f.store.loadErr = errStoreDown

	d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonFailOpen, d.Reason)
	assert.True(t, f.audit.has(inats.EventVoiceCheckFailedOpen))
}

func TestCheck_LoadErrorFailsClosedWhenConfigured(t *testing.T) {
	f := newGateFixture(t, func(cfg *config.VoiceConfig) { cfg.FailOpen = false })
	f.store.loadErr = errStoreDown

	d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUsageUnavailable, d.Reason)
	assert.True(t, f.audit.has(inats.EventVoiceCheckFailedClosed))
	assert.False(t, f.audit.has(inats.EventVoiceCheckFailedOpen))

	f.ents.premium[profile] = true
	d, err = f.gate.CheckRecordingPermission(context.Background(), profile)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "premium users are not blocked by an unreadable record")
	assert.Equal(t, ReasonPremium, d.Reason)
}

func TestCheck_PremiumLookupFailureDefaults(t *testing.T) {
	tests := []struct {
		name        string
		development bool
		allowed     bool
	}{
		{"production assumes free tier", false, false},
		{"development assumes premium", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t, nil)
			f.gate.development = tt.development
			f.ents.err = errors.New("billing not ready")
			f.store.records[profile] = Record{DailyCount: 10, MonthlyCount: 10, LastResetDate: gateNow}

			d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
		})
	}
}

func TestCheck_NilEntitlementsMeansFreeTier(t *testing.T) {
	store := newMemStore()
	store.records[profile] = Record{DailyCount: 10, LastResetDate: gateNow}
	g, err := NewGate(store, nil, config.VoiceConfig{DailyLimit: 10, Timezone: "UTC"}, true, &captureRecorder{}, nil)
	require.NoError(t, err)
	g.now = func() time.Time { return gateNow }

	d, err := g.CheckRecordingPermission(context.Background(), profile)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestScenario_NinthMessageThenDenied(t *testing.T) {
	f := newGateFixture(t, nil)
	f.store.records[profile] = Record{DailyCount: 9, MonthlyCount: 9, LastResetDate: gateNow.Add(-time.Hour)}
	ctx := context.Background()

	d, err := f.gate.CheckRecordingPermission(ctx, profile)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	rec, err := f.gate.IncrementVoiceCount(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.DailyCount)

	d, err = f.gate.CheckRecordingPermission(ctx, profile)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestScenario_PremiumAtTen(t *testing.T) {
	f := newGateFixture(t, nil)
	f.ents.premium[profile] = true
	f.store.records[profile] = Record{DailyCount: 10, MonthlyCount: 10, LastResetDate: gateNow}

	d, err := f.gate.CheckRecordingPermission(context.Background(), profile)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestIncrement_PersistsAndPublishes(t *testing.T) {
	f := newGateFixture(t, nil)
	pub := &capturePublisher{}
	f.gate.publisher = pub
	f.store.records[profile] = Record{DailyCount: 4, MonthlyCount: 30, LastResetDate: gateNow.Add(-25 * time.Hour)}

	rec, err := f.gate.IncrementVoiceCount(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, Record{DailyCount: 1, MonthlyCount: 31, LastResetDate: gateNow}, rec)
	assert.Equal(t, rec, f.store.records[profile])
	assert.True(t, f.audit.has(inats.EventVoiceCountIncremented))

	require.Len(t, pub.events, 1)
	assert.Equal(t, profile, pub.events[0].ProfileID)
	assert.Equal(t, 1, pub.events[0].DailyCount)
}

func TestIncrement_Errors(t *testing.T) {
	f := newGateFixture(t, nil)

	_, err := f.gate.IncrementVoiceCount(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoProfile)

	f.store.loadErr = errStoreDown
	_, err = f.gate.IncrementVoiceCount(context.Background(), profile)
	assert.ErrorIs(t, err, errStoreDown)

	f.store.loadErr = nil
	f.store.saveErr = errStoreDown
	_, err = f.gate.IncrementVoiceCount(context.Background(), profile)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestUsage_ReturnsResetView(t *testing.T) {
	f := newGateFixture(t, nil)
	f.store.records[profile] = Record{DailyCount: 8, MonthlyCount: 20, LastResetDate: gateNow.Add(-24 * time.Hour)}

	rec, err := f.gate.Usage(context.Background(), profile)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.DailyCount)
	assert.Equal(t, 20, rec.MonthlyCount)
}

func TestNewGate_DefaultsAndTimezone(t *testing.T) {
	g, err := NewGate(newMemStore(), nil, config.VoiceConfig{Timezone: "UTC"}, false, &captureRecorder{}, nil)
	require.NoError(t, err)
	assert.Equal(t, FreeDailyVoiceMessageLimit, g.DailyLimit())

	_, err = NewGate(newMemStore(), nil, config.VoiceConfig{Timezone: "Nowhere/Special"}, false, &captureRecorder{}, nil)
	assert.Error(t, err)
}

func TestLimitReachedPrompt(t *testing.T) {
	p := LimitReachedPrompt(10)
	assert.Contains(t, p.Message, "10 voice messages")
	require.Len(t, p.Options, 2)
	assert.Equal(t, ChoiceUpgrade, p.Options[0].Choice)
	assert.Equal(t, ChoiceContinue, p.Options[1].Choice)
	assert.False(t, Choice("later").Valid())
}
