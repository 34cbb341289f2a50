package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mmynk/groupchat/internal/models"
)

type groupDoc struct {
	ID         int64             `bson:"_id"`
	Name       string            `bson:"name"`
	Theme      string            `bson:"theme"`
	MaxMembers int               `bson:"max_members"`
	Members    []models.Member   `bson:"members"`
	Actions    map[string]string `bson:"actions"`
	CreatedAt  int64             `bson:"created_at"`
}

func toDoc(g *models.Group) groupDoc {
	doc := groupDoc{
		ID:         g.ID,
		Name:       g.Name,
		Theme:      g.Theme,
		MaxMembers: g.MaxMembers,
		Members:    g.Members,
		Actions:    g.Actions,
		CreatedAt:  g.CreatedAt,
	}
	// $size in the append filter needs an array, never null
	if doc.Members == nil {
		doc.Members = []models.Member{}
	}
	if doc.Actions == nil {
		doc.Actions = map[string]string{}
	}
	return doc
}

func (d groupDoc) toModel() *models.Group {
	g := &models.Group{
		ID:         d.ID,
		Name:       d.Name,
		Theme:      d.Theme,
		MaxMembers: d.MaxMembers,
		Members:    d.Members,
		Actions:    d.Actions,
		CreatedAt:  d.CreatedAt,
	}
	if g.Actions == nil {
		g.Actions = make(map[string]string)
	}
	return g
}

// InsertGroup stores a new group document.
func (s *MongoStore) InsertGroup(ctx context.Context, group *models.Group) error {
	if group.CreatedAt == 0 {
		group.CreatedAt = time.Now().Unix()
	}
	_, err := s.groups.InsertOne(ctx, toDoc(group))
	if mongo.IsDuplicateKeyError(err) {
		return models.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

// GetGroup retrieves a group by ID.
func (s *MongoStore) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// FindGroupByName returns the oldest group with the given name.
func (s *MongoStore) FindGroupByName(ctx context.Context, name string) (*models.Group, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return s.findOne(ctx, bson.M{"name": name}, opts)
}

// AppendMember pushes member with a single filtered update. The filter
// carries the uniqueness and capacity conditions, so the document is only
// modified when both hold at write time.
func (s *MongoStore) AppendMember(ctx context.Context, id int64, member models.Member) (*models.Group, error) {
	filter := bson.M{
		"_id":              id,
		"members.username": bson.M{"$ne": member.Username},
		"$expr": bson.M{
			"$lt": bson.A{bson.M{"$size": "$members"}, "$max_members"},
		},
	}
	update := bson.M{"$push": bson.M{"members": member}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc groupDoc
	err := s.groups.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return doc.toModel(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to append member: %w", err)
	}

	// Nothing matched; find out which condition failed.
	group, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if group.HasMember(member.Username) {
		return nil, models.ErrAlreadyMember
	}
	return nil, models.ErrGroupFull
}

// DeleteGroup removes the group document if requester is in its member list.
func (s *MongoStore) DeleteGroup(ctx context.Context, id int64, requester string) error {
	res, err := s.groups.DeleteOne(ctx, bson.M{"_id": id, "members.username": requester})
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if res.DeletedCount > 0 {
		return nil
	}

	count, err := s.groups.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to check group: %w", err)
	}
	if count == 0 {
		return models.ErrGroupNotFound
	}
	return models.ErrNotMember
}

// SetAction sets actions.<username> on the group document.
// Usernames never contain '.' or start with '$', so they are safe field names.
func (s *MongoStore) SetAction(ctx context.Context, id int64, username, action string) error {
	res, err := s.groups.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"actions." + username: action}},
	)
	if err != nil {
		return fmt.Errorf("failed to set action: %w", err)
	}
	if res.MatchedCount == 0 {
		return models.ErrGroupNotFound
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*models.Group, error) {
	var doc groupDoc
	err := s.groups.FindOne(ctx, filter, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return doc.toModel(), nil
}
