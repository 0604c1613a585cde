package workshift

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo     Repository
	notifier Notifier
	loc      *time.Location
	logger   zerolog.Logger
}

// NewService wires the scheduling rules to a repository. A nil notifier
// discards events and a nil location means UTC.
func NewService(repo Repository, notifier Notifier, loc *time.Location, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		loc:      loc,
		logger:   logger.With().Str("component", "workshift").Logger(),
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest applies the struct tags and reports the first failure as a
// ValidationError naming the JSON field.
func validateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validate request: %w", err)
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return invalid(ReasonField, "%s is required", fe.Field())
	case "uuid":
		return invalid(ReasonField, "%s must be a valid UUID", fe.Field())
	case "min":
		return invalid(ReasonField, "%s must be at least %s minutes", fe.Field(), fe.Param())
	default:
		return invalid(ReasonField, "%s is invalid", fe.Field())
	}
}

func parseID(field, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, invalid(ReasonField, "%s must be a valid UUID", field)
	}
	return id, nil
}

func (s *Service) publish(e Event) {
	m, err := e.Message()
	if err != nil {
		s.logger.Error().Err(err).Msg("encode event")
		return
	}
	if !s.notifier.Notify(m) {
		s.logger.Warn().Str("event", m.Kind).Msg("event not propagated")
	}
}

// Create validates and stores a single shift.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Workshift, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	doctorID, err := parseID("doctorId", req.DoctorID)
	if err != nil {
		return nil, err
	}
	clinicID, err := parseID("clinicId", req.ClinicID)
	if err != nil {
		return nil, err
	}
	start, err := parseTime("startDate", req.StartDate, s.loc)
	if err != nil {
		return nil, err
	}

	w := &Workshift{DoctorID: doctorID, ClinicID: clinicID, StartDate: start.UTC(), Duration: DefaultDuration}
	if req.Duration != nil {
		w.Duration = *req.Duration
	}
	w.ComputeEnd()

	err = s.repo.WithDoctorLock(ctx, []uuid.UUID{doctorID}, func(ctx context.Context) error {
		if err := s.checkSchedule(ctx, w, uuid.Nil); err != nil {
			return err
		}
		return s.repo.Create(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("workshift_id", w.ID.String()).Str("doctor_id", doctorID.String()).Msg("workshift created")
	s.publish(Event{Kind: EventCreated, Workshift: w})
	return w, nil
}

// CreateBulk plans a period and stores every day in one write. Nothing is
// stored when any day is rejected.
func (s *Service) CreateBulk(ctx context.Context, req BulkRequest) ([]*Workshift, error) {
	p, err := s.parsePeriod(req)
	if err != nil {
		return nil, err
	}

	var planned []*Workshift
	err = s.repo.WithDoctorLock(ctx, []uuid.UUID{p.doctorID}, func(ctx context.Context) error {
		var err error
		if planned, err = s.plan(ctx, p); err != nil {
			return err
		}
		return s.repo.CreateMany(ctx, planned)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("count", len(planned)).
		Str("doctor_id", p.doctorID.String()).
		Str("clinic_id", p.clinicID.String()).
		Msg("workshifts created")
	s.publish(Event{Kind: EventBulkCreated, Workshifts: planned})
	return planned, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Workshift, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns a page of all shifts and the total count. limit <= 0 returns
// everything from offset on.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Workshift, int, error) {
	if offset < 0 {
		offset = 0
	}
	items, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	s.logger.Debug().Int("count", len(items)).Msg("listing workshifts")
	return items, total, nil
}

// ListByDoctor returns the doctor's shifts ordered by start. A doctor without
// shifts yields ErrNotFound.
func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Workshift, error) {
	items, err := s.repo.Find(ctx, Filter{DoctorID: doctorID})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, nil
}

// Update reschedules an existing shift. The overlap and quota rules run
// again with the shift itself left out, and EndDate is recomputed.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (*Workshift, error) {
	if req.StartDate == "" || req.Duration == nil {
		return nil, invalid(ReasonField, msgUpdateFields)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	start, err := parseTime("startDate", req.StartDate, s.loc)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *current
	updated.StartDate = start.UTC()
	updated.Duration = *req.Duration
	if req.DoctorID != nil {
		if updated.DoctorID, err = parseID("doctorId", *req.DoctorID); err != nil {
			return nil, err
		}
	}
	if req.ClinicID != nil {
		if updated.ClinicID, err = parseID("clinicId", *req.ClinicID); err != nil {
			return nil, err
		}
	}
	updated.ComputeEnd()

	err = s.repo.WithDoctorLock(ctx, []uuid.UUID{current.DoctorID, updated.DoctorID}, func(ctx context.Context) error {
		if err := s.checkSchedule(ctx, &updated, id); err != nil {
			return err
		}
		return s.repo.Update(ctx, &updated)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("workshift_id", id.String()).Msg("workshift updated")
	s.publish(Event{Kind: EventUpdated, Workshift: &updated})
	return &updated, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.logger.Info().Str("workshift_id", id.String()).Msg("workshift deleted")
	s.publish(Event{Kind: EventDeleted, Workshift: deleted})
	return nil
}

// Availability lists the doctors of a clinic whose shift starts within
// AvailabilityWindow of date.
func (s *Service) Availability(ctx context.Context, clinicID, date string) (*Availability, error) {
	if clinicID == "" || date == "" {
		return nil, invalid(ReasonField, "clinicId and date are required")
	}
	clinic, err := parseID("clinicId", clinicID)
	if err != nil {
		return nil, err
	}
	at, err := parseTime("date", date, s.loc)
	if err != nil {
		return nil, err
	}

	shifts, err := s.repo.Find(ctx, Filter{ClinicID: clinic, StartFrom: at, StartTo: at.Add(AvailabilityWindow)})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("clinic_id", clinicID).Int("matches", len(shifts)).Msg("availability checked")
	switch len(shifts) {
	case 0:
		return &Availability{Available: false}, nil
	case 1:
		id := shifts[0].DoctorID
		return &Availability{Available: true, DoctorID: &id}, nil
	default:
		ids := make([]uuid.UUID, 0, len(shifts))
		for _, w := range shifts {
			ids = append(ids, w.DoctorID)
		}
		return &Availability{Available: true, DoctorIDs: ids}, nil
	}
}
