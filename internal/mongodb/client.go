// Package mongodb reads content documents from MongoDB collections.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/davidschrooten/open-search-facade/config"
)

// Client wraps MongoDB client with additional functionality
type Client struct {
	client    *mongo.Client
	database  string
	timeout   time.Duration
	batchSize int32
}

// NewClient connects to MongoDB and verifies the connection
func NewClient(ctx context.Context, cfg config.MongoDBConfig, batchSize int) (*Client, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.GetMongoURI()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	if batchSize <= 0 {
		batchSize = 1000
	}

	return &Client{
		client:    client,
		database:  cfg.Database,
		timeout:   timeout,
		batchSize: int32(batchSize),
	}, nil
}

// Disconnect closes the MongoDB connection
func (c *Client) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// Collection returns a collection, using the configured database when
// database is empty
func (c *Client) Collection(database, name string) *mongo.Collection {
	if database == "" {
		database = c.database
	}
	return c.client.Database(database).Collection(name)
}

// Each streams the documents of a collection to fn in timestamp order. A
// zero since streams every document; otherwise only documents whose
// timestampField is newer than since are visited.
func (c *Client) Each(ctx context.Context, database, collection, timestampField string, since time.Time, fn func(bson.M) error) error {
	field := sortField(timestampField)

	filter := bson.M{}
	if !since.IsZero() {
		if field == "_id" {
			filter = bson.M{"_id": bson.M{"$gt": primitive.NewObjectIDFromTimestamp(since)}}
		} else {
			filter = bson.M{field: bson.M{"$gt": since}}
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: field, Value: 1}}).
		SetBatchSize(c.batchSize).
		SetNoCursorTimeout(true)

	cursor, err := c.Collection(database, collection).Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("failed to find documents in %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}

	if err := cursor.Err(); err != nil {
		return fmt.Errorf("cursor error on %s: %w", collection, err)
	}
	return nil
}

// LastTimestamp returns the timestamp of the most recent document, or the
// zero time for an empty collection
func (c *Client) LastTimestamp(ctx context.Context, database, collection, timestampField string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	field := sortField(timestampField)
	opts := options.FindOne().SetSort(bson.D{{Key: field, Value: -1}})

	var result bson.M
	err := c.Collection(database, collection).FindOne(ctx, bson.M{}, opts).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last document: %w", err)
	}

	ts, ok := DocumentTimestamp(result, timestampField)
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp field %s not found in document", field)
	}
	return ts, nil
}

func sortField(timestampField string) string {
	if timestampField == "" {
		return "_id"
	}
	return timestampField
}
