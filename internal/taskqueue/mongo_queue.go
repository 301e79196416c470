package taskqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of a MongoDB collection.
//
// Document schema:
//
//	{
//	  _id:              string, // job ID
//	  type:             string,
//	  task_id:          string,
//	  payload:          []byte, // gob-encoded Job
//	  created_at:       time.Time,
//	  not_before:       int64,  // unix nanos
//	  attempts:         int,
//	  leased_by:        string,
//	  lease_expires_at: int64,  // unix nanos
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "dagflow", collName to "jobs".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "dagflow"
	}
	if collName == "" {
		collName = "jobs"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: DefaultPollInterval,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoJobDoc struct {
	ID             string    `bson:"_id"`
	Type           string    `bson:"type"`
	TaskID         string    `bson:"task_id"`
	Payload        []byte    `bson:"payload"`
	CreatedAt      time.Time `bson:"created_at"`
	NotBefore      int64     `bson:"not_before"`
	Attempts       int       `bson:"attempts"`
	LeasedBy       string    `bson:"leased_by"`
	LeaseExpiresAt int64     `bson:"lease_expires_at"`
}

// EnsureIndexes creates the index used to find due jobs.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

// Enqueue inserts a document for the given Job.
func (q *MongoQueue) Enqueue(ctx context.Context, job Job) error {
	job = prepare(job, time.Now())
	data, err := EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoJobDoc{
		ID:        job.ID,
		Type:      string(job.Type),
		TaskID:    job.TaskID,
		Payload:   data,
		CreatedAt: job.EnqueuedAt.UTC(),
		NotBefore: job.NotBefore.UnixNano(),
		Attempts:  job.Attempts,
	})
	return err
}

// Dequeue blocks (via polling) until a due job is leased or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	leaseTTL = leaseTTLOrDefault(leaseTTL)
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		nowNanos := now.UnixNano()
		filter := bson.M{
			"not_before": bson.M{"$lte": nowNanos},
			"$or": []bson.M{
				{"leased_by": ""},
				{"lease_expires_at": bson.M{"$lte": nowNanos}},
			},
		}
		update := bson.M{"$set": bson.M{
			"leased_by":        owner,
			"lease_expires_at": now.Add(leaseTTL).UnixNano(),
		}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoJobDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			if err := wait(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		job, err := DecodeJob(doc.Payload)
		if err != nil {
			return nil, err
		}
		job.ID = doc.ID
		job.Attempts = doc.Attempts
		job.NotBefore = time.Unix(0, doc.NotBefore)
		return job, nil
	}
}

func (q *MongoQueue) Ack(ctx context.Context, jobID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": jobID, "leased_by": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, jobID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": jobID, "leased_by": owner},
		bson.M{"$set": bson.M{
			"leased_by":        "",
			"lease_expires_at": int64(0),
			"not_before":       notBefore.UnixNano(),
			"attempts":         attempts,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns an approximate number of queued jobs.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		log.Printf("MongoQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}

// SetPollInterval changes how often an idle Dequeue re-checks for due jobs.
// Non-positive values are ignored.
func (q *MongoQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}
