package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tasksched/internal/job"
	logx "tasksched/pkg/logx"
)

type mongoStore struct {
	client *mongo.Client
	col    *mongo.Collection
	log    logx.Logger

	mu   sync.Mutex
	last int64
}

// jobDoc is the persisted document shape. Payload is kept as a JSON string
// so it stays opaque to the store. Created is unix nanoseconds: BSON dates
// stop at milliseconds, which would tie jobs inserted together.
type jobDoc struct {
	ID            string     `bson:"_id"`
	Kind          string     `bson:"kind"`
	Data          string     `bson:"data,omitempty"`
	Status        int        `bson:"status"`
	ScheduledAt   *time.Time `bson:"scheduled_at,omitempty"`
	Recurrence    string     `bson:"recurrence,omitempty"`
	Retry         int        `bson:"retry"`
	RetryMax      int        `bson:"retry_max"`
	RetryInterval int64      `bson:"retry_interval"`
	Timeout       int64      `bson:"timeout"`
	Created       int64      `bson:"created"`
	Started       *time.Time `bson:"started,omitempty"`
	Ended         *time.Time `bson:"ended,omitempty"`
	Deadline      *time.Time `bson:"deadline,omitempty"`
	Worker        string     `bson:"worker,omitempty"`
	Error         string     `bson:"error,omitempty"`
	Previous      string     `bson:"previous,omitempty"`
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.DSN)
	if uri == "" {
		return nil, errors.New("mongo dsn is required")
	}
	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = "tasksched"
	}
	colName := strings.TrimSpace(cfg.Collection)
	if colName == "" {
		colName = "jobs"
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout(cfg))
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, job.Unavailable(fmt.Errorf("mongo connect: %w", err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, job.Unavailable(fmt.Errorf("mongo ping: %w", err))
	}

	col := client.Database(dbName).Collection(colName)
	_, err = col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_at", Value: 1}}},
		{Keys: bson.D{{Key: "created", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "deadline", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, mongoWrap("create indexes", err)
	}
	log.Info("mongo store opened", logx.String("database", dbName), logx.String("collection", colName))
	return &mongoStore{client: client, col: col, log: log}, nil
}

// stamp returns a creation time strictly after every earlier one from this
// store.
func (s *mongoStore) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := time.Now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return time.Unix(0, n).UTC()
}

func (s *mongoStore) Insert(ctx context.Context, j *job.Job) error {
	if err := prepareInsert(j, s.stamp()); err != nil {
		return err
	}
	_, err := s.col.InsertOne(ctx, toDoc(j))
	return insertErr(j.ID, err)
}

func insertErr(id string, err error) error {
	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s", job.ErrDuplicateID, id)
	default:
		return mongoWrap("insert", err)
	}
}

func (s *mongoStore) ConditionalUpdate(ctx context.Context, id string, expected, next job.Status, f Fields) (*job.Job, error) {
	var d jobDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": int(expected)},
		mongoUpdate(next, f),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, perr := s.currentStatus(ctx, id)
		if perr != nil {
			return nil, perr
		}
		return nil, staleErr(id, cur, expected)
	}
	if err != nil {
		return nil, mongoWrap("conditional update", err)
	}
	return fromDoc(&d), nil
}

// mongoUpdate builds the update document for a transition. A zero time in
// f clears the field.
func mongoUpdate(next job.Status, f Fields) bson.M {
	set := bson.M{"status": int(next)}
	unset := bson.M{}
	if f.Worker != nil {
		set["worker"] = *f.Worker
	}
	if f.Error != nil {
		set["error"] = *f.Error
	}
	for key, t := range map[string]*time.Time{
		"started":      f.Started,
		"ended":        f.Ended,
		"deadline":     f.Deadline,
		"scheduled_at": f.ScheduledAt,
	} {
		if t == nil {
			continue
		}
		if t.IsZero() {
			unset[key] = ""
			continue
		}
		set[key] = t.UTC()
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

func (s *mongoStore) UpdateData(ctx context.Context, id string, data json.RawMessage, allowed ...job.Status) error {
	codes := make([]int, 0, len(allowed))
	for _, st := range allowed {
		codes = append(codes, int(st))
	}
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": codes}},
		bson.M{"$set": bson.M{"data": string(data)}},
	)
	if err != nil {
		return mongoWrap("update data", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	cur, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", job.ErrInvalidState, id, cur)
}

func (s *mongoStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var d jobDoc
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, mongoWrap("get", err)
	}
	return fromDoc(&d), nil
}

func (s *mongoStore) Find(ctx context.Context, f Filter) iter.Seq2[*job.Job, error] {
	return func(yield func(*job.Job, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "created", Value: 1}, {Key: "_id", Value: 1}})
		if f.Limit > 0 {
			opts.SetLimit(int64(f.Limit))
		}
		cur, err := s.col.Find(ctx, mongoFilter(f), opts)
		if err != nil {
			yield(nil, mongoWrap("find", err))
			return
		}
		defer func() { _ = cur.Close(context.Background()) }()
		for cur.Next(ctx) {
			var d jobDoc
			if err := cur.Decode(&d); err != nil {
				yield(nil, fmt.Errorf("mongo find decode: %w", err))
				return
			}
			if !yield(fromDoc(&d), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, mongoWrap("find", err))
		}
	}
}

func mongoFilter(f Filter) bson.M {
	m := bson.M{}
	if len(f.Statuses) > 0 {
		codes := make([]int, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			codes = append(codes, int(st))
		}
		m["status"] = bson.M{"$in": codes}
	}
	if !f.DueBy.IsZero() {
		m["$or"] = bson.A{
			bson.M{"scheduled_at": nil},
			bson.M{"scheduled_at": bson.M{"$lte": f.DueBy.UTC()}},
		}
	}
	if !f.DeadlineBefore.IsZero() {
		m["deadline"] = bson.M{"$ne": nil, "$lt": f.DeadlineBefore.UTC()}
	}
	if f.Worker != "" {
		m["worker"] = f.Worker
	}
	return m
}

type changeEvent struct {
	OperationType string  `bson:"operationType"`
	FullDocument  *jobDoc `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

func (s *mongoStore) Watch(ctx context.Context) (<-chan Event, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}}}}},
	}
	cs, err := s.col.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, mongoWrap("watch", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer func() { _ = cs.Close(context.Background()) }()
		for cs.Next(ctx) {
			ev, err := decodeChange(cs.Current)
			if err != nil {
				s.log.Debug("mongo change decode failed", logx.Err(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			s.log.Warn("mongo change stream ended", logx.Err(err))
		}
	}()
	return out, nil
}

func decodeChange(raw bson.Raw) (Event, error) {
	var ce changeEvent
	if err := bson.Unmarshal(raw, &ce); err != nil {
		return Event{}, err
	}
	ev := Event{Op: OpUpdate, ID: ce.DocumentKey.ID}
	if ce.OperationType == "insert" {
		ev.Op = OpInsert
	}
	if ce.FullDocument != nil {
		ev.Job = fromDoc(ce.FullDocument)
		ev.Status = ev.Job.Status
	}
	return ev, nil
}

func (s *mongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return job.Unavailable(fmt.Errorf("mongo ping: %w", err))
	}
	return nil
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) currentStatus(ctx context.Context, id string) (job.Status, error) {
	var d struct {
		Status int `bson:"status"`
	}
	err := s.col.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"status": 1})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return 0, mongoWrap("status lookup", err)
	}
	return job.Status(d.Status), nil
}

func mongoWrap(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("mongo %s: %w", op, err)
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return job.Unavailable(wrapped)
	}
	return wrapped
}

func toDoc(j *job.Job) jobDoc {
	return jobDoc{
		ID:            j.ID,
		Kind:          j.Kind,
		Data:          string(j.Payload),
		Status:        int(j.Status),
		ScheduledAt:   timePtr(j.ScheduledAt),
		Recurrence:    j.Interval,
		Retry:         j.Retry,
		RetryMax:      j.RetryMax,
		RetryInterval: int64(j.RetryInterval),
		Timeout:       int64(j.Timeout),
		Created:       j.Created.UnixNano(),
		Started:       timePtr(j.Started),
		Ended:         timePtr(j.Ended),
		Deadline:      timePtr(j.Deadline),
		Worker:        j.Worker,
		Error:         j.Error,
		Previous:      j.Previous,
	}
}

func fromDoc(d *jobDoc) *job.Job {
	j := &job.Job{
		ID:            d.ID,
		Kind:          d.Kind,
		Status:        job.Status(d.Status),
		ScheduledAt:   timeVal(d.ScheduledAt),
		Interval:      d.Recurrence,
		Retry:         d.Retry,
		RetryMax:      d.RetryMax,
		RetryInterval: time.Duration(d.RetryInterval),
		Timeout:       time.Duration(d.Timeout),
		Created:       time.Unix(0, d.Created).UTC(),
		Started:       timeVal(d.Started),
		Ended:         timeVal(d.Ended),
		Deadline:      timeVal(d.Deadline),
		Worker:        d.Worker,
		Error:         d.Error,
		Previous:      d.Previous,
	}
	if d.Data != "" {
		j.Payload = json.RawMessage(d.Data)
	}
	return j
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
