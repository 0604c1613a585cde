package workshift

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// period is a validated bulk request.
type period struct {
	doctorID uuid.UUID
	clinicID uuid.UUID
	duration int
	start    time.Time
	end      time.Time
}

func (s *Service) parsePeriod(req BulkRequest) (*period, error) {
	if req.DoctorID == "" || req.ClinicID == "" || req.PeriodStartDate == "" || req.PeriodEndDate == "" {
		return nil, invalid(ReasonField, msgBulkRequired)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	p := &period{duration: DefaultDuration}
	var err error
	if p.doctorID, err = parseID("doctorId", req.DoctorID); err != nil {
		return nil, err
	}
	if p.clinicID, err = parseID("clinicId", req.ClinicID); err != nil {
		return nil, err
	}
	if req.Duration != nil {
		p.duration = *req.Duration
	}
	if p.start, err = parseTime("periodStartDate", req.PeriodStartDate, s.loc); err != nil {
		return nil, err
	}
	periodEnd, err := parseTime("periodEndDate", req.PeriodEndDate, s.loc)
	if err != nil {
		return nil, err
	}

	// The last shift starts on periodEnd's date at the first shift's time of day.
	p.end = withTimeOfDay(periodEnd, p.start, s.loc)
	if p.end.Before(p.start) && !sameDay(p.end, p.start, s.loc) {
		return nil, invalid(ReasonPeriod, msgSpanDay)
	}
	if !sameWeek(p.start, p.end, s.loc) {
		return nil, invalid(ReasonPeriod, msgSameWeek)
	}
	return p, nil
}

// PlanPeriod expands req into one shift per calendar day and validates the
// whole batch against storage without writing anything. Each day is checked
// for overlap against stored shifts and the days already planned, and a
// running weekly total seeded from storage enforces the quota.
func (s *Service) PlanPeriod(ctx context.Context, req BulkRequest) ([]*Workshift, error) {
	p, err := s.parsePeriod(req)
	if err != nil {
		return nil, err
	}
	return s.plan(ctx, p)
}

func (s *Service) plan(ctx context.Context, p *period) ([]*Workshift, error) {
	running, err := s.WeeklyMinutes(ctx, p.doctorID, p.start)
	if err != nil {
		return nil, fmt.Errorf("sum weekly minutes: %w", err)
	}

	first := p.start.In(s.loc)
	var planned []*Workshift
	for i := 0; ; i++ {
		day := time.Date(first.Year(), first.Month(), first.Day()+i,
			first.Hour(), first.Minute(), first.Second(), first.Nanosecond(), s.loc)
		if day.After(p.end) {
			break
		}

		w := &Workshift{DoctorID: p.doctorID, ClinicID: p.clinicID, StartDate: day.UTC(), Duration: p.duration}
		w.ComputeEnd()

		candidate := w.Interval()
		for _, prev := range planned {
			if Overlaps(prev.Interval(), candidate) {
				return nil, overlapError()
			}
		}
		overlap, err := s.HasOverlap(ctx, p.doctorID, w.StartDate, w.Duration)
		if err != nil {
			return nil, fmt.Errorf("check overlap on %s: %w", dayLabel(day, s.loc), err)
		}
		if overlap {
			return nil, overlapError()
		}

		if err := CheckQuota(running, w.Duration); err != nil {
			return nil, err
		}
		running += w.Duration
		planned = append(planned, w)
	}
	return planned, nil
}
