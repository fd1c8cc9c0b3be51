package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reflectionguide/reflect/internal/fhir"
)

// Extension URLs carrying the usage record on a Patient or Practitioner.
const (
	ExtensionDailyCount    = "https://reflectionguide.app/fhir/StructureDefinition/voice-daily-count"
	ExtensionMonthlyCount  = "https://reflectionguide.app/fhir/StructureDefinition/voice-monthly-count"
	ExtensionLastResetDate = "https://reflectionguide.app/fhir/StructureDefinition/voice-last-reset-date"
)

// ErrMalformedRecord marks usage extensions that exist but cannot be read.
var ErrMalformedRecord = errors.New("usage: malformed usage record")

// FHIR dateTime precisions, finest first.
var dateTimeLayouts = []string{time.RFC3339, "2006-01-02", "2006-01", "2006"}

type profileClient interface {
	Read(ctx context.Context, resourceType, id string, out any) error
	Update(ctx context.Context, resourceType, id string, body, out any) error
}

// FHIRStore keeps usage records as extensions on the profile resource. The
// userID is the profile reference, e.g. "Patient/123".
type FHIRStore struct {
	client profileClient
	loc    *time.Location
}

// NewFHIRStore reads dates without a time zone in loc (UTC when nil).
func NewFHIRStore(client profileClient, loc *time.Location) *FHIRStore {
	if loc == nil {
		loc = time.UTC
	}
	return &FHIRStore{client: client, loc: loc}
}

func (s *FHIRStore) Load(ctx context.Context, userID string) (Record, error) {
	profile, err := s.readProfile(ctx, userID)
	if err != nil {
		return Record{}, err
	}
	return recordFromExtensions(profile.Extensions(), s.loc)
}

// Save writes rec onto the profile with a read-modify-write. There is no
// version check: the last writer wins.
func (s *FHIRStore) Save(ctx context.Context, userID string, rec Record) error {
	profile, err := s.readProfile(ctx, userID)
	if err != nil {
		return err
	}

	exts := profile.Extensions()
	kept := exts[:0]
	for _, e := range exts {
		switch e.URL {
		case ExtensionDailyCount, ExtensionMonthlyCount, ExtensionLastResetDate:
		default:
			kept = append(kept, e)
		}
	}
	profile.SetExtensions(append(kept, recordExtensions(rec)...))

	if err := s.client.Update(ctx, profile.ResourceType(), profile.ID(), profile, nil); err != nil {
		return fmt.Errorf("updating profile %s: %w", userID, err)
	}
	return nil
}

func (s *FHIRStore) readProfile(ctx context.Context, userID string) (fhir.Resource, error) {
	resourceType, id, err := fhir.SplitReference(userID)
	if err != nil {
		return nil, err
	}
	var profile fhir.Resource
	if err := s.client.Read(ctx, resourceType, id, &profile); err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", userID, err)
	}
	return profile, nil
}

func recordFromExtensions(exts []fhir.Extension, loc *time.Location) (Record, error) {
	var rec Record
	for _, e := range exts {
		switch e.URL {
		case ExtensionDailyCount:
			n, err := counter(e)
			if err != nil {
				return Record{}, err
			}
			rec.DailyCount = n
		case ExtensionMonthlyCount:
			n, err := counter(e)
			if err != nil {
				return Record{}, err
			}
			rec.MonthlyCount = n
		case ExtensionLastResetDate:
			t, err := parseDateTime(e.ValueDateTime, loc)
			if err != nil {
				return Record{}, fmt.Errorf("%w: %s: %w", ErrMalformedRecord, e.URL, err)
			}
			rec.LastResetDate = t
		}
	}
	return rec, nil
}

// parseDateTime accepts any FHIR dateTime precision. A partial date is the
// start of that period in loc.
func parseDateTime(v string, loc *time.Location) (time.Time, error) {
	var lastErr error
	for _, layout := range dateTimeLayouts {
		t, err := time.ParseInLocation(layout, v, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("parsing dateTime %q: %w", v, lastErr)
}

func counter(e fhir.Extension) (int, error) {
	if e.ValueInteger == nil {
		return 0, fmt.Errorf("%w: extension %s has no valueInteger", ErrMalformedRecord, e.URL)
	}
	if *e.ValueInteger < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrMalformedRecord, e.URL)
	}
	return *e.ValueInteger, nil
}

func recordExtensions(rec Record) []fhir.Extension {
	daily, monthly := rec.DailyCount, rec.MonthlyCount
	exts := []fhir.Extension{
		{URL: ExtensionDailyCount, ValueInteger: &daily},
		{URL: ExtensionMonthlyCount, ValueInteger: &monthly},
	}
	if !rec.LastResetDate.IsZero() {
		exts = append(exts, fhir.Extension{
			URL:           ExtensionLastResetDate,
			ValueDateTime: rec.LastResetDate.UTC().Format(time.RFC3339),
		})
	}
	return exts
}
