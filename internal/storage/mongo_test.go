package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"tasksched/internal/job"
)

func TestMongoFilter(t *testing.T) {
	due := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name string
		in   Filter
		want bson.M
	}{
		{"empty", Filter{}, bson.M{}},
		{"statuses", Filter{Statuses: []job.Status{job.Waiting, job.Postponed}},
			bson.M{"status": bson.M{"$in": []int{int(job.Waiting), int(job.Postponed)}}}},
		{"due by", Filter{DueBy: due},
			bson.M{"$or": bson.A{bson.M{"scheduled_at": nil}, bson.M{"scheduled_at": bson.M{"$lte": due}}}}},
		{"deadline before", Filter{DeadlineBefore: due},
			bson.M{"deadline": bson.M{"$ne": nil, "$lt": due}}},
		{"worker", Filter{Worker: "w1", Limit: 3}, bson.M{"worker": "w1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mongoFilter(tc.in))
		})
	}
}

func TestMongoUpdate(t *testing.T) {
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.FixedZone("x", 3600))
	worker, errText := "w1", "boom"
	var zero time.Time

	claim := mongoUpdate(job.Processing, Fields{Worker: &worker, Started: &now, Deadline: &now})
	assert.Equal(t, bson.M{"$set": bson.M{
		"status":   int(job.Processing),
		"worker":   "w1",
		"started":  now.UTC(),
		"deadline": now.UTC(),
	}}, claim)

	resume := mongoUpdate(job.Waiting, Fields{ScheduledAt: &zero})
	assert.Equal(t, bson.M{
		"$set":   bson.M{"status": int(job.Waiting)},
		"$unset": bson.M{"scheduled_at": ""},
	}, resume)

	fail := mongoUpdate(job.Failed, Fields{Ended: &now, Error: &errText})
	assert.Equal(t, bson.M{"$set": bson.M{"status": int(job.Failed), "ended": now.UTC(), "error": "boom"}}, fail)
}

func TestMongoDocRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	j := &job.Job{
		ID:            "j1",
		Kind:          "sleep",
		Payload:       json.RawMessage(`{"b": 1,  "a": 2}`),
		Status:        job.Processing,
		ScheduledAt:   created.Add(time.Minute),
		Interval:      "15m",
		Retry:         1,
		RetryMax:      3,
		RetryInterval: 5 * time.Second,
		Timeout:       time.Minute,
		Created:       created,
		Started:       created.Add(2 * time.Minute),
		Deadline:      created.Add(3 * time.Minute),
		Worker:        "w1",
		Error:         "prev",
		Previous:      "j0",
	}
	raw, err := bson.Marshal(toDoc(j))
	require.NoError(t, err)
	var d jobDoc
	require.NoError(t, bson.Unmarshal(raw, &d))
	got := fromDoc(&d)

	// created keeps full precision; BSON dates keep milliseconds.
	assert.True(t, got.Created.Equal(created), "created = %s", got.Created)
	assert.Equal(t, string(j.Payload), string(got.Payload))
	assert.True(t, got.Started.Equal(j.Started.Truncate(time.Millisecond)))
	assert.True(t, got.Ended.IsZero())
	assert.Equal(t, j.RetryInterval, got.RetryInterval)
	assert.Equal(t, j.Timeout, got.Timeout)
	assert.Equal(t, j.Status, got.Status)
	assert.Equal(t, j.Interval, got.Interval)
	assert.Equal(t, j.Previous, got.Previous)

	var fields bson.M
	require.NoError(t, bson.Unmarshal(raw, &fields))
	assert.NotContains(t, fields, "ended")
	assert.IsType(t, int64(0), fields["created"])
}

func TestMongoStampStrictlyIncreases(t *testing.T) {
	s := &mongoStore{}
	prev := s.stamp()
	for range 1000 {
		next := s.stamp()
		require.True(t, next.After(prev), "%s not after %s", next, prev)
		prev = next
	}
}

func TestMongoInsertErr(t *testing.T) {
	assert.NoError(t, insertErr("a", nil))

	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key"}}}
	assert.ErrorIs(t, insertErr("a", dup), job.ErrDuplicateID)

	other := insertErr("a", errors.New("boom"))
	assert.NotErrorIs(t, other, job.ErrDuplicateID)
	assert.False(t, job.IsUnavailable(other))

	assert.True(t, job.IsUnavailable(insertErr("a", mongo.ErrClientDisconnected)))
}

func TestMongoDecodeChange(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 1, time.UTC)
	doc := toDoc(&job.Job{ID: "j1", Kind: "noop", Status: job.Done, Created: created})
	raw, err := bson.Marshal(bson.M{
		"operationType": "insert",
		"documentKey":   bson.M{"_id": "j1"},
		"fullDocument":  doc,
	})
	require.NoError(t, err)
	ev, err := decodeChange(raw)
	require.NoError(t, err)
	assert.Equal(t, OpInsert, ev.Op)
	assert.Equal(t, "j1", ev.ID)
	assert.Equal(t, job.Done, ev.Status)
	require.NotNil(t, ev.Job)
	assert.True(t, ev.Job.Created.Equal(created))

	raw, err = bson.Marshal(bson.M{"operationType": "update", "documentKey": bson.M{"_id": "j2"}})
	require.NoError(t, err)
	ev, err = decodeChange(raw)
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, ev.Op)
	assert.Equal(t, "j2", ev.ID)
	assert.Nil(t, ev.Job)
}
