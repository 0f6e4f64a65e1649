package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/citaguard/pkg/models"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoBackend stores events and documents in MongoDB. Document ids are
// kept in _id and exposed as "id".
type MongoBackend struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoBackend connects to uri and selects database.
func NewMongoBackend(ctx context.Context, uri, database string) (*MongoBackend, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	b := &MongoBackend{client: client, db: client.Database(database)}
	if err := b.ensureIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("creating mongo indexes failed")
	}
	return b, nil
}

func (b *MongoBackend) ensureIndexes(ctx context.Context) error {
	_, err := b.db.Collection(CollectionSecurityLogs).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = b.db.Collection(CollectionEmergencyPhones).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	return err
}

func (b *MongoBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, nil)
}

func (b *MongoBackend) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("disconnecting from mongo")
	}
}

// --- Events ---

func (b *MongoBackend) InsertEvent(ctx context.Context, event *models.SecurityEvent) error {
	if _, err := b.db.Collection(CollectionSecurityLogs).InsertOne(ctx, event); err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

func (b *MongoBackend) QueryEvents(ctx context.Context, filter EventFilter) ([]*models.SecurityEvent, error) {
	q := bson.M{}
	ts := bson.M{}
	if filter.Since != nil {
		ts["$gte"] = *filter.Since
	}
	if filter.Until != nil {
		ts["$lte"] = *filter.Until
	}
	if len(ts) > 0 {
		q["timestamp"] = ts
	}
	if filter.UserID != "" {
		q["user_id"] = filter.UserID
	}
	if filter.EventType != "" {
		q["event_type"] = filter.EventType
	}
	if filter.Severity != "" {
		q["severity"] = filter.Severity
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(filter.limit())).
		SetSkip(int64(filter.Offset))

	cursor, err := b.db.Collection(CollectionSecurityLogs).Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	events := []*models.SecurityEvent{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decoding security events: %w", err)
	}
	for _, e := range events {
		e.Details = normalizeMap(e.Details)
	}
	return events, nil
}

// --- Documents ---

func (b *MongoBackend) InsertDocument(ctx context.Context, collection string, doc models.Document) (string, error) {
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	record := bson.M{"_id": id}
	for k, v := range doc {
		if k == "id" {
			continue
		}
		record[k] = v
	}
	if _, err := b.db.Collection(collection).InsertOne(ctx, record); err != nil {
		return "", fmt.Errorf("inserting into %s: %w", collection, err)
	}
	return id, nil
}

func (b *MongoBackend) GetDocument(ctx context.Context, collection, id string) (models.Document, error) {
	var raw bson.M
	err := b.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	return fromBSON(raw), nil
}

func (b *MongoBackend) FindDocuments(ctx context.Context, collection, field string, value any) ([]models.Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := b.db.Collection(collection).Find(ctx, bson.M{field: value}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", collection, err)
	}
	out := make([]models.Document, 0, len(raws))
	for _, raw := range raws {
		out = append(out, fromBSON(raw))
	}
	return out, nil
}

func (b *MongoBackend) UpdateDocument(ctx context.Context, collection, id string, fields models.Document) error {
	set := bson.M{}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		set[k] = v
	}
	res, err := b.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *MongoBackend) DeleteDocument(ctx context.Context, collection, id string) error {
	res, err := b.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", collection, id, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// fromBSON turns a decoded record into a Document with plain Go values.
func fromBSON(raw bson.M) models.Document {
	doc := models.Document(normalizeMap(raw))
	if id, ok := doc["_id"]; ok {
		doc["id"] = fmt.Sprint(id)
		delete(doc, "_id")
	}
	return doc
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case bson.DateTime:
		return t.Time().UTC()
	case bson.ObjectID:
		return t.Hex()
	}
	return v
}
