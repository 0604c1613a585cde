package workshift

import (
	"time"

	"github.com/google/uuid"
)

const (
	// MinDuration is the shortest shift, in minutes.
	MinDuration = 60
	// DefaultDuration applies when a create request omits duration.
	DefaultDuration = 480
	// WeeklyLimitMinutes caps a doctor's scheduled minutes per ISO week.
	WeeklyLimitMinutes = 40 * 60
)

// Workshift is a half-open interval [StartDate, EndDate) during which a
// doctor is assigned to a clinic. EndDate is always derived from StartDate
// and Duration; callers never supply it.
type Workshift struct {
	ID        uuid.UUID `json:"_id"`
	DoctorID  uuid.UUID `json:"doctorId"`
	ClinicID  uuid.UUID `json:"clinicId"`
	StartDate time.Time `json:"startDate"`
	Duration  int       `json:"duration"`
	EndDate   time.Time `json:"endDate"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EndOf returns start + minutes.
func EndOf(start time.Time, minutes int) time.Time {
	return start.Add(time.Duration(minutes) * time.Minute)
}

// ComputeEnd recomputes EndDate. Every path that sets StartDate or Duration
// must call it before the record reaches a repository.
func (w *Workshift) ComputeEnd() {
	w.EndDate = EndOf(w.StartDate, w.Duration)
}

// Interval returns the shift's [start, end) bounds.
func (w *Workshift) Interval() Interval {
	return Interval{Start: w.StartDate, End: EndOf(w.StartDate, w.Duration)}
}

// Interval is a half-open time range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval builds [start, start+minutes).
func NewInterval(start time.Time, minutes int) Interval {
	return Interval{Start: start, End: EndOf(start, minutes)}
}

// Overlaps reports whether candidate c conflicts with the stored interval s:
// c starts inside s, c ends inside s, or c covers s. Intervals that only
// touch at a boundary do not overlap.
func Overlaps(s, c Interval) bool {
	startsInside := !s.Start.After(c.Start) && c.Start.Before(s.End)
	endsInside := s.Start.Before(c.End) && !c.End.After(s.End)
	covers := !c.Start.After(s.Start) && !c.End.Before(s.End)
	return startsInside || endsInside || covers
}

// CreateRequest is the payload of a single-shift creation.
type CreateRequest struct {
	DoctorID  string `json:"doctorId" validate:"required,uuid"`
	ClinicID  string `json:"clinicId" validate:"required,uuid"`
	StartDate string `json:"startDate" validate:"required"`
	Duration  *int   `json:"duration" validate:"omitempty,min=60"`
}

// BulkRequest is the payload of a period (weekly) creation. Each calendar day
// between the two dates gets one shift starting at PeriodStartDate's time of day.
type BulkRequest struct {
	DoctorID        string `json:"doctorId" validate:"required,uuid"`
	ClinicID        string `json:"clinicId" validate:"required,uuid"`
	Duration        *int   `json:"duration" validate:"omitempty,min=60"`
	PeriodStartDate string `json:"periodStartDate" validate:"required"`
	PeriodEndDate   string `json:"periodEndDate" validate:"required"`
}

// UpdateRequest replaces the schedule of an existing shift. StartDate and
// Duration are mandatory; the identifiers keep their stored values when omitted.
type UpdateRequest struct {
	DoctorID  *string `json:"doctorId" validate:"omitempty,uuid"`
	ClinicID  *string `json:"clinicId" validate:"omitempty,uuid"`
	StartDate string  `json:"startDate"`
	Duration  *int    `json:"duration" validate:"omitempty,min=60"`
}

// Availability answers whether a clinic has doctors starting a shift within
// the 30-minute window that begins at the requested instant.
type Availability struct {
	Available bool        `json:"available"`
	DoctorID  *uuid.UUID  `json:"doctorId,omitempty"`
	DoctorIDs []uuid.UUID `json:"doctorIds,omitempty"`
}

// AvailabilityWindow is the slot length Availability looks at.
const AvailabilityWindow = 30 * time.Minute
