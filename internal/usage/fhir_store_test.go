package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflectionguide/reflect/internal/fhir"
)

// fakeProfiles stores resources as JSON, the way the FHIR server would.
type fakeProfiles struct {
	docs    map[string][]byte
	updates int
}

func (f *fakeProfiles) Read(_ context.Context, resourceType, id string, out any) error {
	doc, ok := f.docs[resourceType+"/"+id]
	if !ok {
		return &fhir.Error{Status: 404}
	}
	return json.Unmarshal(doc, out)
}

func (f *fakeProfiles) Update(_ context.Context, resourceType, id string, body, _ any) error {
	doc, err := json.Marshal(body)
	if err != nil {
		return err
	}
	f.updates++
	f.docs[resourceType+"/"+id] = doc
	return nil
}

func TestFHIRStore_LoadMissingExtensionsIsZero(t *testing.T) {
	client := &fakeProfiles{docs: map[string][]byte{
		"Patient/1": []byte(`{"resourceType":"Patient","id":"1","name":[{"given":["Ada"]}]}`),
	}}
	rec, err := NewFHIRStore(client, nil).Load(context.Background(), "Patient/1")
	require.NoError(t, err)
	assert.Equal(t, Record{}, rec)
}

func TestFHIRStore_SaveKeepsOtherFieldsAndExtensions(t *testing.T) {
	client := &fakeProfiles{docs: map[string][]byte{
		"Practitioner/7": []byte(`{"resourceType":"Practitioner","id":"7","active":true,
			"extension":[
				{"url":"https://example.com/other","valueString":"keep me"},
				{"url":"` + ExtensionDailyCount + `","valueInteger":2}
			]}`),
	}}
	store := NewFHIRStore(client, nil)
	ctx := context.Background()
	reset := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, "Practitioner/7", Record{DailyCount: 3, MonthlyCount: 9, LastResetDate: reset}))
	assert.Equal(t, 1, client.updates)

	rec, err := store.Load(ctx, "Practitioner/7")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.DailyCount)
	assert.Equal(t, 9, rec.MonthlyCount)
	assert.True(t, rec.LastResetDate.Equal(reset))

	var saved fhir.Resource
	require.NoError(t, json.Unmarshal(client.docs["Practitioner/7"], &saved))
	assert.Equal(t, true, saved["active"])
	exts := saved.Extensions()
	require.Len(t, exts, 4)
	assert.Equal(t, "https://example.com/other", exts[0].URL)
	assert.Equal(t, "keep me", exts[0].ValueString)
}

func TestFHIRStore_Errors(t *testing.T) {
	client := &fakeProfiles{docs: map[string][]byte{
		"Patient/bad": []byte(`{"resourceType":"Patient","id":"bad",
			"extension":[{"url":"` + ExtensionLastResetDate + `","valueDateTime":"yesterday"}]}`),
		"Patient/neg": []byte(fmt.Sprintf(`{"resourceType":"Patient","id":"neg",
			"extension":[{"url":%q,"valueInteger":-1}]}`, ExtensionMonthlyCount)),
	}}
	store := NewFHIRStore(client, nil)
	ctx := context.Background()

	_, err := store.Load(ctx, "Patient/missing")
	assert.ErrorIs(t, err, fhir.ErrNotFound)

	_, err = store.Load(ctx, "not-a-reference")
	assert.Error(t, err)

	_, err = store.Load(ctx, "Patient/bad")
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = store.Load(ctx, "Patient/neg")
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestFHIRStore_LoadPartialDates(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		value string
		want  time.Time
	}{
		{"2026-10-18T09:15:00-04:00", time.Date(2026, 10, 18, 13, 15, 0, 0, time.UTC)},
		{"2026-10-18T13:15:00.250Z", time.Date(2026, 10, 18, 13, 15, 0, 250_000_000, time.UTC)},
		{"2026-10-18", time.Date(2026, 10, 18, 0, 0, 0, 0, ny)},
		{"2026-10", time.Date(2026, 10, 1, 0, 0, 0, 0, ny)},
		{"2026", time.Date(2026, 1, 1, 0, 0, 0, 0, ny)},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			client := &fakeProfiles{docs: map[string][]byte{
				"Patient/1": []byte(fmt.Sprintf(`{"resourceType":"Patient","id":"1","extension":[
					{"url":%q,"valueInteger":10},
					{"url":%q,"valueDateTime":%q}]}`, ExtensionDailyCount, ExtensionLastResetDate, tt.value)),
			}}
			rec, err := NewFHIRStore(client, ny).Load(context.Background(), "Patient/1")
			require.NoError(t, err)
			assert.Equal(t, 10, rec.DailyCount)
			assert.True(t, rec.LastResetDate.Equal(tt.want), "got %s", rec.LastResetDate)
		})
	}
}

func TestFHIRStore_DateOnlyCountsAgainstThatDay(t *testing.T) {
	client := &fakeProfiles{docs: map[string][]byte{
		"Patient/1": []byte(fmt.Sprintf(`{"resourceType":"Patient","id":"1","extension":[
			{"url":%q,"valueInteger":10},
			{"url":%q,"valueInteger":10},
			{"url":%q,"valueDateTime":%q}]}`,
			ExtensionDailyCount, ExtensionMonthlyCount, ExtensionLastResetDate, gateNow.Format("2006-01-02"))),
	}}
	f := newGateFixture(t, nil)
	f.gate.store = NewFHIRStore(client, nil)

	d, err := f.gate.CheckRecordingPermission(context.Background(), "Patient/1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonLimitReached, d.Reason)
}

func TestFHIRStore_MalformedRecordHealsOnIncrement(t *testing.T) {
	client := &fakeProfiles{docs: map[string][]byte{
		"Patient/1": []byte(fmt.Sprintf(`{"resourceType":"Patient","id":"1","extension":[
			{"url":%q,"valueInteger":4},
			{"url":%q,"valueDateTime":"last tuesday"}]}`, ExtensionDailyCount, ExtensionLastResetDate)),
	}}
	f := newGateFixture(t, nil)
	f.gate.store = NewFHIRStore(client, nil)
	ctx := context.Background()

	rec, err := f.gate.IncrementVoiceCount(ctx, "Patient/1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DailyCount)
	assert.Equal(t, 1, client.updates)

	stored, err := f.gate.store.Load(ctx, "Patient/1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DailyCount)
	assert.True(t, stored.LastResetDate.Equal(gateNow))
}

func TestFHIRStore_UnreadableProfileFailsOpenThroughGate(t *testing.T) {
	client := &fakeProfiles{docs: map[string][]byte{}}
	f := newGateFixture(t, nil)
	f.gate.store = NewFHIRStore(client, nil)

	d, err := f.gate.CheckRecordingPermission(context.Background(), "Patient/404")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonFailOpen, d.Reason)
}
