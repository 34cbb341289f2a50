// Package mongo provides a MongoDB-backed implementation of the storage.Store interface.
//
// Users and groups live in their own collections. A group is a single
// document holding its member list and action map, so every conditional
// membership write is one atomic update on that document.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmynk/groupchat/internal/storage"
)

// Ensure MongoStore implements storage.Store
var _ storage.Store = (*MongoStore)(nil)

const (
	usersCollection  = "users"
	groupsCollection = "groups"
)

// MongoStore implements storage.Store using MongoDB.
type MongoStore struct {
	client *mongo.Client
	users  *mongo.Collection
	groups *mongo.Collection
}

// New connects to the MongoDB deployment at uri, verifies the connection
// and ensures the indexes of database dbName exist.
func New(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client: client,
		users:  db.Collection(usersCollection),
		groups: db.Collection(groupsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.groups.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "members.username", Value: 1}}},
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
