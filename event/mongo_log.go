package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

type mongoEvent struct {
	TaskID    string    `bson:"task_id"`
	Seq       int64     `bson:"seq"`
	Type      string    `bson:"type"`
	Timestamp time.Time `bson:"timestamp"`
	Data      []byte    `bson:"data"`
}

// MongoLog stores events in a collection with a unique (task_id, seq) index;
// a duplicate key on insert is a sequence conflict.
type MongoLog struct {
	coll *mongo.Collection
}

// NewMongoLog creates a log on db using the "task_events" collection.
func NewMongoLog(db *mongo.Database) *MongoLog {
	wc := options.Collection().SetWriteConcern(writeconcern.Majority())
	return &MongoLog{coll: db.Collection("task_events", wc)}
}

// EnsureIndexes creates the unique (task_id, seq) index.
func (l *MongoLog) EnsureIndexes(ctx context.Context) error {
	_, err := l.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create event index: %w", err)
	}
	return nil
}

func (l *MongoLog) Append(ctx context.Context, ev Event) error {
	last, err := l.LastSeq(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	if ev.Seq != last+1 {
		return ErrSequenceConflict
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = l.coll.InsertOne(ctx, mongoEvent{
		TaskID:    ev.TaskID,
		Seq:       ev.Seq,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Data:      data,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrSequenceConflict
	}
	return err
}

func (l *MongoLog) Range(ctx context.Context, taskID string, from int64, limit int) ([]Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := l.coll.Find(ctx, bson.M{"task_id": taskID, "seq": bson.M{"$gte": from}}, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoEvent
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(docs))
	for _, d := range docs {
		var ev Event
		if err := json.Unmarshal(d.Data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event %s/%d: %w", d.TaskID, d.Seq, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *MongoLog) LastSeq(ctx context.Context, taskID string) (int64, error) {
	var doc mongoEvent
	err := l.coll.FindOne(ctx,
		bson.M{"task_id": taskID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(bson.M{"seq": 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

var _ Log = (*MongoLog)(nil)
