package workshift

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter selects workshifts by predicate. Zero-valued fields do not constrain
// the result. StartFrom is inclusive and StartTo exclusive.
type Filter struct {
	DoctorID  uuid.UUID
	ClinicID  uuid.UUID
	StartFrom time.Time
	StartTo   time.Time
	Exclude   uuid.UUID
}

func (f Filter) matches(w *Workshift) bool {
	if f.DoctorID != uuid.Nil && w.DoctorID != f.DoctorID {
		return false
	}
	if f.ClinicID != uuid.Nil && w.ClinicID != f.ClinicID {
		return false
	}
	if !f.StartFrom.IsZero() && w.StartDate.Before(f.StartFrom) {
		return false
	}
	if !f.StartTo.IsZero() && !w.StartDate.Before(f.StartTo) {
		return false
	}
	return f.Exclude == uuid.Nil || w.ID != f.Exclude
}

type Repository interface {
	// Create assigns ID and timestamps and stores w.
	Create(ctx context.Context, w *Workshift) error
	// CreateMany stores all records atomically.
	CreateMany(ctx context.Context, ws []*Workshift) error
	GetByID(ctx context.Context, id uuid.UUID) (*Workshift, error)
	// List returns a page ordered by start date; limit <= 0 means no limit.
	List(ctx context.Context, limit, offset int) ([]*Workshift, int, error)
	Find(ctx context.Context, f Filter) ([]*Workshift, error)
	// FindOverlapping returns the doctor's shifts that conflict with [start, end).
	FindOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]*Workshift, error)
	// SumDuration totals the minutes of the shifts selected by f.
	SumDuration(ctx context.Context, f Filter) (int, error)
	// Update persists StartDate, Duration, EndDate, DoctorID and ClinicID and
	// refreshes UpdatedAt.
	Update(ctx context.Context, w *Workshift) error
	// Delete removes and returns the record.
	Delete(ctx context.Context, id uuid.UUID) (*Workshift, error)
	// WithDoctorLock runs fn while no other writer holds any of doctorIDs.
	// Repository calls made with the ctx passed to fn join the same unit of work.
	WithDoctorLock(ctx context.Context, doctorIDs []uuid.UUID, fn func(ctx context.Context) error) error
}
