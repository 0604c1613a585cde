package workshift

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func firstID(ids []uuid.UUID) uuid.UUID {
	if len(ids) == 0 {
		return uuid.Nil
	}
	return ids[0]
}

// HasOverlap reports whether the doctor already holds a shift conflicting
// with [start, start+minutes). An optional id is left out of the comparison.
func (s *Service) HasOverlap(ctx context.Context, doctorID uuid.UUID, start time.Time, minutes int, exclude ...uuid.UUID) (bool, error) {
	found, err := s.repo.FindOverlapping(ctx, doctorID, start, EndOf(start, minutes), firstID(exclude))
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// WeeklyMinutes sums the durations of the doctor's shifts starting in the ISO
// week that contains ref.
func (s *Service) WeeklyMinutes(ctx context.Context, doctorID uuid.UUID, ref time.Time, exclude ...uuid.UUID) (int, error) {
	from, to := WeekBounds(ref, s.loc)
	return s.repo.SumDuration(ctx, Filter{
		DoctorID:  doctorID,
		StartFrom: from,
		StartTo:   to,
		Exclude:   firstID(exclude),
	})
}

// CheckQuota rejects a candidate that would take the week past the limit.
func CheckQuota(existingMinutes, candidateMinutes int) error {
	if existingMinutes+candidateMinutes > WeeklyLimitMinutes {
		return quotaError(existingMinutes)
	}
	return nil
}

// checkSchedule runs the overlap and quota rules for a single shift.
func (s *Service) checkSchedule(ctx context.Context, w *Workshift, exclude uuid.UUID) error {
	overlap, err := s.HasOverlap(ctx, w.DoctorID, w.StartDate, w.Duration, exclude)
	if err != nil {
		return fmt.Errorf("check overlap: %w", err)
	}
	if overlap {
		return overlapError()
	}

	existing, err := s.WeeklyMinutes(ctx, w.DoctorID, w.StartDate, exclude)
	if err != nil {
		return fmt.Errorf("sum weekly minutes: %w", err)
	}
	return CheckQuota(existing, w.Duration)
}
