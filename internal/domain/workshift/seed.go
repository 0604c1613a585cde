package workshift

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Sample doctors and clinics written by Seed.
var (
	SampleDoctorCardiology = uuid.MustParse("27163ac7-4f4d-4669-a0c1-4b8538405475")
	SampleDoctorNeurology  = uuid.MustParse("a1ac971e-7188-4eaa-859c-7b2249e3c46b")
	SampleClinicCentral    = uuid.MustParse("0f1c7d52-6a3e-4b8e-9d2a-3c5e7f9a1b24")
	SampleClinicNorth      = uuid.MustParse("5b431574-d2ab-41d3-b1dd-84b06f2bd1a0")
)

type sampleShift struct {
	doctor  uuid.UUID
	clinic  uuid.UUID
	weekday int // days after Monday
	hour    int
	minutes int
}

var sampleShifts = []sampleShift{
	{SampleDoctorNeurology, SampleClinicCentral, 0, 8, 120},
	{SampleDoctorCardiology, SampleClinicCentral, 0, 18, 120},
	{SampleDoctorNeurology, SampleClinicNorth, 1, 9, 240},
	{SampleDoctorCardiology, SampleClinicCentral, 3, 10, 240},
	{SampleDoctorNeurology, SampleClinicNorth, 3, 12, 120},
}

// SeedResult counts what Seed wrote and what was already in place.
type SeedResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Seed fills the week containing ref with a sample schedule for two doctors.
// Every shift goes through the regular create paths, so overlap and quota
// rules apply; shifts that collide with existing ones are skipped, which makes
// a second run a no-op.
func (s *Service) Seed(ctx context.Context, ref time.Time) (*SeedResult, error) {
	monday, _ := WeekBounds(ref, s.loc)
	at := func(day, hour int) string {
		return time.Date(monday.Year(), monday.Month(), monday.Day()+day, hour, 0, 0, 0, s.loc).Format(time.RFC3339)
	}

	res := &SeedResult{}
	for _, sh := range sampleShifts {
		minutes := sh.minutes
		_, err := s.Create(ctx, CreateRequest{
			DoctorID:  sh.doctor.String(),
			ClinicID:  sh.clinic.String(),
			StartDate: at(sh.weekday, sh.hour),
			Duration:  &minutes,
		})
		if err := seedOutcome(res, 1, err); err != nil {
			return res, err
		}
	}

	// Wednesday and Thursday mornings for the cardiologist as one period.
	minutes := 180
	_, err := s.CreateBulk(ctx, BulkRequest{
		DoctorID:        SampleDoctorCardiology.String(),
		ClinicID:        SampleClinicCentral.String(),
		Duration:        &minutes,
		PeriodStartDate: at(2, 6),
		PeriodEndDate:   at(3, 6),
	})
	if err := seedOutcome(res, 2, err); err != nil {
		return res, err
	}

	s.logger.Info().Int("created", res.Created).Int("skipped", res.Skipped).Msg("sample schedule seeded")
	return res, nil
}

// seedOutcome counts n records as created or skipped. Rejections other than
// overlap abort the run.
func seedOutcome(res *SeedResult, n int, err error) error {
	switch {
	case err == nil:
		res.Created += n
	case IsReason(err, ReasonOverlap):
		res.Skipped += n
	default:
		return err
	}
	return nil
}
