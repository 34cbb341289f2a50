package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmynk/groupchat/internal/models"
)

type userDoc struct {
	Username     string `bson:"_id"`
	PasswordHash string `bson:"password_hash"`
	CreatedAt    int64  `bson:"created_at"`
}

// CreateUser inserts a new user document keyed by username.
func (s *MongoStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.users.InsertOne(ctx, userDoc{
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return models.ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by username. Groups is derived from the member
// lists of the groups collection.
func (s *MongoStore) GetUser(ctx context.Context, username string) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.M{"_id": username}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.groups.Find(ctx, bson.M{"members.username": username}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get user groups: %w", err)
	}
	defer cursor.Close(ctx)

	user := &models.User{
		Username:     doc.Username,
		PasswordHash: doc.PasswordHash,
		CreatedAt:    doc.CreatedAt,
	}
	for cursor.Next(ctx) {
		var ref struct {
			ID int64 `bson:"_id"`
		}
		if err := cursor.Decode(&ref); err != nil {
			return nil, fmt.Errorf("failed to decode group id: %w", err)
		}
		user.Groups = append(user.Groups, ref.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user groups: %w", err)
	}
	return user, nil
}
