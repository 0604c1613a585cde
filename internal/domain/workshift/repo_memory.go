package workshift

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRepo struct {
	mu     sync.RWMutex
	shifts map[uuid.UUID]*Workshift
	locks  *keyedMutex
	now    func() time.Time
}

// NewRepoMemory returns a process-local repository used by STORAGE_DRIVER=memory
// and by tests.
func NewRepoMemory() Repository {
	return &memoryRepo{
		shifts: make(map[uuid.UUID]*Workshift),
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC().Truncate(TimePrecision) },
	}
}

func clone(w *Workshift) *Workshift {
	c := *w
	return &c
}

func (r *memoryRepo) stamp(w *Workshift) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := r.now()
	w.CreatedAt = now
	w.UpdatedAt = now
}

func (r *memoryRepo) Create(_ context.Context, w *Workshift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stamp(w)
	r.shifts[w.ID] = clone(w)
	return nil
}

func (r *memoryRepo) CreateMany(_ context.Context, ws []*Workshift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range ws {
		r.stamp(w)
	}
	for _, w := range ws {
		r.shifts[w.ID] = clone(w)
	}
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Workshift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.shifts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(w), nil
}

func (r *memoryRepo) sorted(f Filter) []*Workshift {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Workshift
	for _, w := range r.shifts {
		if f.matches(w) {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out
}

func (r *memoryRepo) List(_ context.Context, limit, offset int) ([]*Workshift, int, error) {
	all := r.sorted(Filter{})
	total := len(all)
	if offset >= total {
		return []*Workshift{}, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *memoryRepo) Find(_ context.Context, f Filter) ([]*Workshift, error) {
	return r.sorted(f), nil
}

func (r *memoryRepo) FindOverlapping(_ context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]*Workshift, error) {
	candidate := Interval{Start: start, End: end}
	var out []*Workshift
	for _, w := range r.sorted(Filter{DoctorID: doctorID, Exclude: exclude}) {
		if Overlaps(Interval{Start: w.StartDate, End: w.EndDate}, candidate) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *memoryRepo) SumDuration(_ context.Context, f Filter) (int, error) {
	total := 0
	for _, w := range r.sorted(f) {
		total += w.Duration
	}
	return total, nil
}

func (r *memoryRepo) Update(_ context.Context, w *Workshift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.shifts[w.ID]
	if !ok {
		return ErrNotFound
	}
	w.CreatedAt = stored.CreatedAt
	w.UpdatedAt = r.now()
	r.shifts[w.ID] = clone(w)
	return nil
}

func (r *memoryRepo) Delete(_ context.Context, id uuid.UUID) (*Workshift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.shifts[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.shifts, id)
	return w, nil
}

func (r *memoryRepo) WithDoctorLock(ctx context.Context, doctorIDs []uuid.UUID, fn func(ctx context.Context) error) error {
	unlock := r.locks.lock(doctorIDs)
	defer unlock()
	return fn(ctx)
}
