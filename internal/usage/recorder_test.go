package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inats "github.com/reflectionguide/reflect/internal/nats"
)

type recorderFixture struct {
	*gateFixture
	recorder *Recorder
}

func newRecorderFixture(t *testing.T) *recorderFixture {
	t.Helper()
	f := newGateFixture(t, nil)
	_, client := newTestRedis(t)
	r := NewRecorder(f.gate, NewAttemptStore(client, time.Minute), f.audit)
	r.now = func() time.Time { return gateNow }
	return &recorderFixture{gateFixture: f, recorder: r}
}

func TestRecorder_AllowedFlowCountsOnce(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()

	a, d, err := f.recorder.Begin(ctx, profile)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, StateAllowed, a.State)

	a, err = f.recorder.StartRecording(ctx, profile, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRecording, a.State)

	a, rec, err := f.recorder.Complete(ctx, profile, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.DailyCount)

	// A finished attempt cannot be completed twice.
	_, _, err = f.recorder.Complete(ctx, profile, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.store.records[profile].DailyCount)
}

func TestRecorder_DeniedFlowShowsPrompt(t *testing.T) {
	f := newRecorderFixture(t)
	f.store.records[profile] = Record{DailyCount: 10, MonthlyCount: 10, LastResetDate: gateNow}
	ctx := context.Background()

	a, d, err := f.recorder.Begin(ctx, profile)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, StatePromptShown, a.State)
	assert.Equal(t, ReasonLimitReached, a.Reason)

	_, err = f.recorder.StartRecording(ctx, profile, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "a denied attempt cannot record")

	a, err = f.recorder.Choose(ctx, profile, a.ID, ChoiceUpgrade)
	require.NoError(t, err)
	assert.Equal(t, StateNavigateToUpgrade, a.State)
}

func TestRecorder_ContinueReturnsToIdle(t *testing.T) {
	f := newRecorderFixture(t)
	f.store.records[profile] = Record{DailyCount: 12, LastResetDate: gateNow}
	ctx := context.Background()

	a, _, err := f.recorder.Begin(ctx, profile)
	require.NoError(t, err)

	_, err = f.recorder.Choose(ctx, profile, a.ID, Choice("maybe"))
	assert.ErrorIs(t, err, ErrInvalidChoice)

	a, err = f.recorder.Choose(ctx, profile, a.ID, ChoiceContinue)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State)
}

func TestRecorder_CancelDoesNotCount(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()

	a, _, err := f.recorder.Begin(ctx, profile)
	require.NoError(t, err)
	_, err = f.recorder.StartRecording(ctx, profile, a.ID)
	require.NoError(t, err)

	a, err = f.recorder.Cancel(ctx, profile, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State)
	assert.Equal(t, 0, f.store.saves)

	_, err = f.recorder.Cancel(ctx, profile, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecorder_FinishWithoutMessage(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()

	a, _, err := f.recorder.Begin(ctx, profile)
	require.NoError(t, err)
	_, err = f.recorder.StartRecording(ctx, profile, a.ID)
	require.NoError(t, err)
	_, err = f.recorder.Claim(ctx, profile, a.ID)
	require.NoError(t, err)

	a, rec, err := f.recorder.Finish(ctx, profile, a.ID, false)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, StateIdle, a.State)
	assert.Equal(t, 0, f.store.saves)
}

func TestRecorder_CountFailureStillClosesAttempt(t *testing.T) {
	f := newRecorderFixture(t)
	ctx := context.Background()

	a, _, err := f.recorder.Begin(ctx, profile)
	require.NoError(t, err)
	_, err = f.recorder.StartRecording(ctx, profile, a.ID)
	require.NoError(t, err)

	f.store.saveErr = errStoreDown
	a, rec, err := f.recorder.Complete(ctx, profile, a.ID)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Nil(t, rec)
	require.NotNil(t, a)
	assert.Equal(t, StateIdle, a.State)
	assert.True(t, f.audit.has(inats.EventRemoteCallFailed))
}

func TestRecorder_NoProfile(t *testing.T) {
	f := newRecorderFixture(t)

	_, _, err := f.recorder.Begin(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoProfile)
	_, err = f.recorder.StartRecording(context.Background(), "", "any")
	assert.ErrorIs(t, err, ErrNoProfile)
}
