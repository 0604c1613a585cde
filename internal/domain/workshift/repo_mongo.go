package workshift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the document-store collection holding workshifts.
const CollectionName = "workshifts"

type workshiftDoc struct {
	ID        string    `bson:"_id"`
	DoctorID  string    `bson:"doctorId"`
	ClinicID  string    `bson:"clinicId"`
	StartDate time.Time `bson:"startDate"`
	Duration  int       `bson:"duration"`
	EndDate   time.Time `bson:"endDate"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func toDoc(w *Workshift) workshiftDoc {
	return workshiftDoc{
		ID:        w.ID.String(),
		DoctorID:  w.DoctorID.String(),
		ClinicID:  w.ClinicID.String(),
		StartDate: w.StartDate.UTC(),
		Duration:  w.Duration,
		EndDate:   w.EndDate.UTC(),
		CreatedAt: w.CreatedAt.UTC(),
		UpdatedAt: w.UpdatedAt.UTC(),
	}
}

func (d workshiftDoc) model() (*Workshift, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decode _id %q: %w", d.ID, err)
	}
	doctorID, err := uuid.Parse(d.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("decode doctorId %q: %w", d.DoctorID, err)
	}
	clinicID, err := uuid.Parse(d.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("decode clinicId %q: %w", d.ClinicID, err)
	}
	return &Workshift{
		ID:        id,
		DoctorID:  doctorID,
		ClinicID:  clinicID,
		StartDate: d.StartDate.UTC(),
		Duration:  d.Duration,
		EndDate:   d.EndDate.UTC(),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

type workshiftRepoMongo struct {
	coll  *mongo.Collection
	locks *keyedMutex
	// noTx is set once the deployment has refused a transaction.
	noTx atomic.Bool
}

// NewRepoMongo stores workshifts as documents keyed by their UUID string.
// Doctor locks are process-local, so a deployment on this driver must run a
// single writer instance. CreateMany runs in a transaction on replica sets and
// sharded clusters; on a standalone server a failed batch is deleted again,
// which is all-or-nothing only under that single-writer assumption.
func NewRepoMongo(database *mongo.Database) Repository {
	return &workshiftRepoMongo{coll: database.Collection(CollectionName), locks: newKeyedMutex()}
}

// EnsureIndexes creates the lookup indexes used by the overlap, quota and
// availability queries.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection(CollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "doctorId", Value: 1}, {Key: "startDate", Value: 1}}},
		{Keys: bson.D{{Key: "clinicId", Value: 1}, {Key: "startDate", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create workshift indexes: %w", err)
	}
	return nil
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]*Workshift, error) {
	defer cur.Close(ctx)
	items := []*Workshift{}
	for cur.Next(ctx) {
		var d workshiftDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		w, err := d.model()
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, cur.Err()
}

func decodeOne(res *mongo.SingleResult) (*Workshift, error) {
	var d workshiftDoc
	if err := res.Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d.model()
}

func stampNew(w *Workshift, now time.Time) {
	w.ID = uuid.New()
	w.CreatedAt = now
	w.UpdatedAt = now
}

// mongoNow is the current time at the precision BSON dates keep.
func mongoNow() time.Time {
	return time.Now().UTC().Truncate(TimePrecision)
}

func (r *workshiftRepoMongo) Create(ctx context.Context, w *Workshift) error {
	stampNew(w, mongoNow())
	_, err := r.coll.InsertOne(ctx, toDoc(w))
	return err
}

func (r *workshiftRepoMongo) CreateMany(ctx context.Context, ws []*Workshift) error {
	if len(ws) == 0 {
		return nil
	}
	now := mongoNow()
	docs := make([]interface{}, 0, len(ws))
	ids := make([]string, 0, len(ws))
	for _, w := range ws {
		stampNew(w, now)
		docs = append(docs, toDoc(w))
		ids = append(ids, w.ID.String())
	}

	if !r.noTx.Load() {
		err := r.insertManyTx(ctx, docs)
		if !transactionsUnsupported(err) {
			return err
		}
		r.noTx.Store(true)
	}
	return r.insertManyCompensated(ctx, docs, ids)
}

func (r *workshiftRepoMongo) insertManyTx(ctx context.Context, docs []interface{}) error {
	sess, err := r.coll.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return r.coll.InsertMany(sc, docs)
	})
	return err
}

// insertManyCompensated inserts in order and removes the batch again when any
// document fails.
func (r *workshiftRepoMongo) insertManyCompensated(ctx context.Context, docs []interface{}, ids []string) error {
	_, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err == nil {
		return nil
	}
	if _, derr := r.coll.DeleteMany(context.WithoutCancel(ctx), bson.M{"_id": bson.M{"$in": ids}}); derr != nil {
		return fmt.Errorf("insert workshifts: %w (rollback failed: %v)", err, derr)
	}
	return fmt.Errorf("insert workshifts: %w", err)
}

// transactionsUnsupported recognises the error a standalone server returns
// for transactional writes.
func transactionsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 20 {
		return true
	}
	return strings.Contains(err.Error(), "Transaction numbers are only allowed")
}

func (r *workshiftRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Workshift, error) {
	return decodeOne(r.coll.FindOne(ctx, bson.M{"_id": id.String()}))
}

var byStart = bson.D{{Key: "startDate", Value: 1}, {Key: "createdAt", Value: 1}}

func (r *workshiftRepoMongo) List(ctx context.Context, limit, offset int) ([]*Workshift, int, error) {
	total, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().SetSort(byStart).SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, 0, err
	}
	items, err := decodeAll(ctx, cur)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (f Filter) bson() bson.M {
	q := bson.M{}
	if f.DoctorID != uuid.Nil {
		q["doctorId"] = f.DoctorID.String()
	}
	if f.ClinicID != uuid.Nil {
		q["clinicId"] = f.ClinicID.String()
	}
	start := bson.M{}
	if !f.StartFrom.IsZero() {
		start["$gte"] = f.StartFrom.UTC()
	}
	if !f.StartTo.IsZero() {
		start["$lt"] = f.StartTo.UTC()
	}
	if len(start) > 0 {
		q["startDate"] = start
	}
	if f.Exclude != uuid.Nil {
		q["_id"] = bson.M{"$ne": f.Exclude.String()}
	}
	return q
}

func (r *workshiftRepoMongo) Find(ctx context.Context, f Filter) ([]*Workshift, error) {
	cur, err := r.coll.Find(ctx, f.bson(), options.Find().SetSort(byStart))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur)
}

func (r *workshiftRepoMongo) FindOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude uuid.UUID) ([]*Workshift, error) {
	start, end = start.UTC(), end.UTC()
	q := Filter{DoctorID: doctorID, Exclude: exclude}.bson()
	q["$or"] = []bson.M{
		{"startDate": bson.M{"$lte": start}, "endDate": bson.M{"$gt": start}},
		{"startDate": bson.M{"$lt": end}, "endDate": bson.M{"$gte": end}},
		{"startDate": bson.M{"$gte": start}, "endDate": bson.M{"$lte": end}},
	}
	cur, err := r.coll.Find(ctx, q, options.Find().SetSort(byStart))
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cur)
}

func (r *workshiftRepoMongo) SumDuration(ctx context.Context, f Filter) (int, error) {
	cur, err := r.coll.Aggregate(ctx, []bson.M{
		{"$match": f.bson()},
		{"$group": bson.M{"_id": nil, "total": bson.M{"$sum": "$duration"}}},
	})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	var out struct {
		Total int `bson:"total"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&out); err != nil {
			return 0, err
		}
	}
	return out.Total, cur.Err()
}

func (r *workshiftRepoMongo) Update(ctx context.Context, w *Workshift) error {
	res := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": w.ID.String()},
		bson.M{"$set": bson.M{
			"doctorId":  w.DoctorID.String(),
			"clinicId":  w.ClinicID.String(),
			"startDate": w.StartDate.UTC(),
			"duration":  w.Duration,
			"endDate":   w.EndDate.UTC(),
			"updatedAt": mongoNow(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	updated, err := decodeOne(res)
	if err != nil {
		return err
	}
	*w = *updated
	return nil
}

func (r *workshiftRepoMongo) Delete(ctx context.Context, id uuid.UUID) (*Workshift, error) {
	return decodeOne(r.coll.FindOneAndDelete(ctx, bson.M{"_id": id.String()}))
}

func (r *workshiftRepoMongo) WithDoctorLock(ctx context.Context, doctorIDs []uuid.UUID, fn func(ctx context.Context) error) error {
	unlock := r.locks.lock(doctorIDs)
	defer unlock()
	return fn(ctx)
}
