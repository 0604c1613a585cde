package workshift

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/workshift/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const (
	pgExclusionViolation = "23P01"
	pgCheckViolation     = "23514"
)

type workshiftRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &workshiftRepoPG{pool: pool} }

func (r *workshiftRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const workshiftCols = `id, doctor_id, clinic_id, start_date, duration, end_date, created_at, updated_at`

func (r *workshiftRepoPG) scanWorkshift(row pgx.Row) (*Workshift, error) {
	var w Workshift
	err := row.Scan(&w.ID, &w.DoctorID, &w.ClinicID, &w.StartDate, &w.Duration, &w.EndDate,
		&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.StartDate, w.EndDate = w.StartDate.UTC(), w.EndDate.UTC()
	return &w, nil
}

func (r *workshiftRepoPG) scanAll(rows pgx.Rows) ([]*Workshift, error) {
	defer rows.Close()
	items := []*Workshift{}
	for rows.Next() {
		w, err := r.scanWorkshift(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// translate maps constraint violations onto the domain's rejections so a
// race lost at the database reads the same as one caught by the service.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgExclusionViolation:
		return overlapError()
	case pgCheckViolation:
		return invalid(ReasonField, "duration must be at least %d minutes", MinDuration)
	}
	return err
}

const insertWorkshift = `
	INSERT INTO workshifts (id, doctor_id, clinic_id, start_date, duration, end_date)
	VALUES ($1,$2,$3,$4,$5,$6)
	RETURNING created_at, updated_at`

func (r *workshiftRepoPG) Create(ctx context.Context, w *Workshift) error {
	w.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, insertWorkshift,
		w.ID, w.DoctorID, w.ClinicID, w.StartDate, w.Duration, w.EndDate,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	stampUTC(w)
	return translate(err)
}

func stampUTC(w *Workshift) {
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
}

func (r *workshiftRepoPG) CreateMany(ctx context.Context, ws []*Workshift) error {
	if len(ws) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, w := range ws {
			w.ID = uuid.New()
			batch.Queue(insertWorkshift, w.ID, w.DoctorID, w.ClinicID, w.StartDate, w.Duration, w.EndDate)
		}
		br := r.conn(ctx).SendBatch(ctx, batch)
		for _, w := range ws {
			if err := br.QueryRow().Scan(&w.CreatedAt, &w.UpdatedAt); err != nil {
				br.Close()
				return translate(err)
			}
			stampUTC(w)
		}
		return br.Close()
	})
}

func (r *workshiftRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Workshift, error) {
	return r.scanWorkshift(r.conn(ctx).QueryRow(ctx, `SELECT `+workshiftCols+` FROM workshifts WHERE id = $1`, id))
}

func (r *workshiftRepoPG) List(ctx context.Context, limit, offset int) ([]*Workshift, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM workshifts`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + workshiftCols + ` FROM workshifts ORDER BY start_date ASC, created_at ASC`
	args := []interface{}{offset}
	query += ` OFFSET $1`
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanAll(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// where renders f as a WHERE clause starting at placeholder $1.
func (f Filter) where() (string, []interface{}) {
	clause := ` WHERE 1=1`
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(` AND `+cond, len(args))
	}
	if f.DoctorID != uuid.Nil {
		add(`doctor_id = $%d`, f.DoctorID)
	}
	if f.ClinicID != uuid.Nil {
		add(`clinic_id = $%d`, f.ClinicID)
	}
	if !f.StartFrom.IsZero() {
		add(`start_date >= $%d`, f.StartFrom)
	}
	if !f.StartTo.IsZero() {
		add(`start_date < $%d`, f.StartTo)
	}
	if f.Exclude != uuid.Nil {
		add(`id <> $%d`, f.Exclude)
	}
	return clause, args
}

func (r *workshiftRepoPG) Find(ctx context.Context, f Filter) ([]*Workshift, error) {
	clause, args := f.where()
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+workshiftCols+` FROM workshifts`+clause+` ORDER BY start_date ASC, created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func (r *workshiftRepoPG) FindOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]*Workshift, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+workshiftCols+` FROM workshifts
		WHERE doctor_id = $1
		  AND ($4::uuid IS NULL OR id <> $4)
		  AND ((start_date <= $2 AND end_date > $2)
		    OR (start_date < $3 AND end_date >= $3)
		    OR (start_date >= $2 AND end_date <= $3))
		ORDER BY start_date ASC`,
		doctorID, start, end, nullableID(exclude))
	if err != nil {
		return nil, err
	}
	return r.scanAll(rows)
}

func nullableID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (r *workshiftRepoPG) SumDuration(ctx context.Context, f Filter) (int, error) {
	clause, args := f.where()
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(SUM(duration), 0) FROM workshifts`+clause, args...).Scan(&total)
	return total, err
}

func (r *workshiftRepoPG) Update(ctx context.Context, w *Workshift) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE workshifts SET doctor_id=$2, clinic_id=$3, start_date=$4, duration=$5, end_date=$6,
			updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		w.ID, w.DoctorID, w.ClinicID, w.StartDate, w.Duration, w.EndDate,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	stampUTC(w)
	return translate(err)
}

func (r *workshiftRepoPG) Delete(ctx context.Context, id uuid.UUID) (*Workshift, error) {
	return r.scanWorkshift(r.conn(ctx).QueryRow(ctx,
		`DELETE FROM workshifts WHERE id = $1 RETURNING `+workshiftCols, id))
}

// WithDoctorLock opens a transaction and takes a transaction-scoped advisory
// lock per doctor. Locks are acquired in sorted order and released on commit
// or rollback.
func (r *workshiftRepoPG) WithDoctorLock(ctx context.Context, doctorIDs []uuid.UUID, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		for _, id := range sortedUnique(doctorIDs) {
			if _, err := r.conn(ctx).Exec(ctx,
				`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, id.String()); err != nil {
				return fmt.Errorf("lock doctor %s: %w", id, err)
			}
		}
		return fn(ctx)
	})
}
