package subscription

import "time"

// Record is the per-user subscription state. UserID is the primary key.
type Record struct {
	UserID             string
	Status             Status
	UsageCount         int64
	UsageLimit         int64
	BillingPeriodStart *time.Time // nil until the first paid billing period
	BillingPeriodEnd   *time.Time // quota reset and expiry boundary when set
	LastEventID        string     // newest applied webhook event
	LastEventAt        *time.Time // provider timestamp of LastEventID
	LastPeriodStart    *time.Time // latest billing period start any event reported
	UpdatedAt          time.Time
}

// NewRecord returns the free tier defaults seeded at account signup.
func NewRecord(userID string) Record {
	return Record{
		UserID:     userID,
		Status:     StatusInactive,
		UsageCount: 0,
		UsageLimit: FreeUsageLimit,
		UpdatedAt:  time.Now().UTC(),
	}
}

// IsActive returns true if the record is on the paid tier.
func (r Record) IsActive() bool {
	return r.Status == StatusActive
}

// Period returns the stored billing window, or nil when none is set.
func (r Record) Period() *Period {
	if r.BillingPeriodStart == nil || r.BillingPeriodEnd == nil {
		return nil
	}
	return &Period{Start: *r.BillingPeriodStart, End: *r.BillingPeriodEnd}
}

// normalize restores the record invariants: a non-negative counter,
// a known status and the usage limit dictated by that status.
func (r Record) normalize() Record {
	r.Status = ParseStatus(string(r.Status))
	r.UsageLimit = r.Status.UsageLimit()
	if r.UsageCount < 0 {
		r.UsageCount = 0
	}
	return r
}

// withPeriod replaces both billing timestamps. A nil period clears nothing.
func (r Record) withPeriod(p *Period) Record {
	if p == nil {
		return r
	}
	start, end := p.Start.UTC(), p.End.UTC()
	r.BillingPeriodStart = &start
	r.BillingPeriodEnd = &end
	return r
}

// Period is a provider-reported billing window.
type Period struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the window is non-empty and ordered.
func (p Period) Valid() bool {
	return !p.Start.IsZero() && !p.End.IsZero() && !p.End.Before(p.Start)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
