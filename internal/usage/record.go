// Package usage implements the free-tier voice message gate: a per-profile
// daily and monthly counter, a premium override, and the per-attempt
// recording state machine.
package usage

import "time"

// FreeDailyVoiceMessageLimit is the default number of voice messages a
// free-tier profile may send per calendar day.
const FreeDailyVoiceMessageLimit = 10

// Record is the voice message usage stored on a profile.
type Record struct {
	DailyCount    int       `json:"daily_count"`
	MonthlyCount  int       `json:"monthly_count"`
	LastResetDate time.Time `json:"last_reset_date"`
}

// Reset zeroes the counters whose window has rolled over between
// LastResetDate and now. Calendar boundaries are taken in loc.
func (r Record) Reset(now time.Time, loc *time.Location) Record {
	if r.LastResetDate.IsZero() {
		return Record{}
	}
	if !sameDay(r.LastResetDate, now, loc) {
		r.DailyCount = 0
	}
	if !sameMonth(r.LastResetDate, now, loc) {
		r.MonthlyCount = 0
	}
	return r
}

// Increment counts one voice message sent at now.
func (r Record) Increment(now time.Time, loc *time.Location) Record {
	r = r.Reset(now, loc)
	r.DailyCount++
	r.MonthlyCount++
	r.LastResetDate = now
	return r
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.Month() == b.Month()
}
