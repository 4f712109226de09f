package journal

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultMongoCollection 默认集合名
const DefaultMongoCollection = "journal_events"

type eventDocument struct {
	ID         string    `bson:"_id"`
	Type       string    `bson:"type"`
	Source     string    `bson:"source,omitempty"`
	Payload    string    `bson:"payload,omitempty"`
	OccurredAt time.Time `bson:"occurred_at"`
	RecordedAt time.Time `bson:"recorded_at"`
}

// MongoStore 基于 MongoDB 的事件日志
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a mongo-backed journal. The caller owns the client.
func NewMongoStore(coll *mongo.Collection) (*MongoStore, error) {
	if coll == nil {
		return nil, fmt.Errorf("%w: mongo collection is nil", ErrInvalidInput)
	}
	return &MongoStore{coll: coll}, nil
}

// EnsureIndexes creates the (type, occurred_at) index used by List.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "type", Value: 1}, {Key: "occurred_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("journal/mongo: create index: %w", err)
	}
	return nil
}

func (s *MongoStore) Append(ctx context.Context, rec Record) error {
	doc := eventDocument{
		ID:         rec.ID,
		Type:       rec.Type,
		Source:     rec.Source,
		Payload:    string(rec.Payload),
		OccurredAt: rec.Timestamp.UTC(),
		RecordedAt: rec.RecordedAt.UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("journal/mongo: append: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, q Query) ([]Record, error) {
	filter := bson.M{}
	if q.Type != "" {
		filter["type"] = q.Type
	}
	if !q.Since.IsZero() {
		filter["occurred_at"] = bson.M{"$gte": q.Since.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "occurred_at", Value: -1}, {Key: "recorded_at", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("journal/mongo: list: %w", err)
	}
	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("journal/mongo: decode: %w", err)
	}
	slices.Reverse(docs)

	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec := Record{
			ID:         doc.ID,
			Type:       doc.Type,
			Source:     doc.Source,
			Timestamp:  doc.OccurredAt,
			RecordedAt: doc.RecordedAt,
		}
		if doc.Payload != "" {
			rec.Payload = []byte(doc.Payload)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close is a no-op; the client belongs to the caller.
func (s *MongoStore) Close() error { return nil }
