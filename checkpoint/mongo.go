package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
	"go.uber.org/zap"
)

type mongoCheckpoint struct {
	ThreadID     string    `bson:"thread_id"`
	CheckpointID int64     `bson:"checkpoint_id"`
	State        []byte    `bson:"state"`
	CreatedAt    time.Time `bson:"created_at"`
}

type mongoCounter struct {
	Seq int64 `bson:"seq"`
}

// MongoStore keeps checkpoints in a MongoDB collection. Ids come from an
// atomic $inc on a per-thread counter document; writes use majority write
// concern so Save returns only after replication.
type MongoStore struct {
	checkpoints *mongo.Collection
	counters    *mongo.Collection
	logger      *zap.Logger
}

// NewMongoStore creates a store on db using the "checkpoints" and
// "checkpoint_counters" collections.
func NewMongoStore(db *mongo.Database, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	wc := options.Collection().SetWriteConcern(writeconcern.Majority())
	return &MongoStore{
		checkpoints: db.Collection("checkpoints", wc),
		counters:    db.Collection("checkpoint_counters", wc),
		logger:      logger.With(zap.String("store", "mongo_checkpoint")),
	}
}

// EnsureIndexes creates the unique (thread_id, checkpoint_id) index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.checkpoints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "checkpoint_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create checkpoint index: %w", err)
	}
	return nil
}

// Save appends a checkpoint.
func (s *MongoStore) Save(ctx context.Context, threadID string, state []byte) (int64, error) {
	if err := validateThread(threadID); err != nil {
		return 0, err
	}

	var counter mongoCounter
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": threadID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate checkpoint id: %w", err)
	}

	doc := mongoCheckpoint{
		ThreadID:     threadID,
		CheckpointID: counter.Seq,
		State:        state,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.checkpoints.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	return counter.Seq, nil
}

// LoadLatest returns the newest checkpoint of a thread.
func (s *MongoStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})
	return s.findOne(ctx, bson.M{"thread_id": threadID}, opts)
}

// Load returns a checkpoint by id.
func (s *MongoStore) Load(ctx context.Context, threadID string, id int64) (*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	return s.findOne(ctx, bson.M{"thread_id": threadID, "checkpoint_id": id}, options.FindOne())
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptionsBuilder) (*Checkpoint, error) {
	var doc mongoCheckpoint
	if err := s.checkpoints.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return doc.toCheckpoint(), nil
}

// List returns all checkpoints of a thread in id order.
func (s *MongoStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	cur, err := s.checkpoints.Find(ctx,
		bson.M{"thread_id": threadID},
		options.Find().SetSort(bson.D{{Key: "checkpoint_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var docs []mongoCheckpoint
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toCheckpoint())
	}
	return out, nil
}

// Ping checks the server connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.checkpoints.Database().Client().Ping(ctx, nil)
}

// Close is a no-op; the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

func (d *mongoCheckpoint) toCheckpoint() *Checkpoint {
	return &Checkpoint{ThreadID: d.ThreadID, ID: d.CheckpointID, State: d.State, CreatedAt: d.CreatedAt}
}

var _ Store = (*MongoStore)(nil)
