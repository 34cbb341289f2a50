// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"

	"github.com/mmynk/groupchat/internal/models"
)

// UserStore persists user accounts.
type UserStore interface {
	// CreateUser inserts a new user.
	// Returns models.ErrUsernameTaken if the username exists.
	CreateUser(ctx context.Context, user *models.User) error

	// GetUser retrieves a user by username with Groups derived from group
	// membership. Returns models.ErrUserNotFound if absent.
	GetUser(ctx context.Context, username string) (*models.User, error)
}

// GroupStore persists groups. Every mutating method is a single atomic
// operation against the stored group record.
type GroupStore interface {
	// InsertGroup stores a new group under group.ID.
	// Returns models.ErrDuplicateID if the ID is taken.
	InsertGroup(ctx context.Context, group *models.Group) error

	// GetGroup retrieves a group by ID.
	// Returns models.ErrGroupNotFound if absent.
	GetGroup(ctx context.Context, id int64) (*models.Group, error)

	// FindGroupByName returns the oldest group with the given name.
	// Returns models.ErrGroupNotFound if none exists.
	FindGroupByName(ctx context.Context, name string) (*models.Group, error)

	// AppendMember adds member to the end of the member list if, at the
	// moment of the write, the group exists, the username is absent and the
	// group is below capacity. On failure it reports which condition did not
	// hold: models.ErrGroupNotFound, models.ErrAlreadyMember or
	// models.ErrGroupFull. Returns the group as stored after the write.
	AppendMember(ctx context.Context, id int64, member models.Member) (*models.Group, error)

	// DeleteGroup removes the group if requester is one of its members.
	// Returns models.ErrGroupNotFound or models.ErrNotMember.
	DeleteGroup(ctx context.Context, id int64, requester string) error

	// SetAction records action as the latest action of username in the group.
	// Returns models.ErrGroupNotFound if the group does not exist.
	SetAction(ctx context.Context, id int64, username, action string) error
}

// Store defines the full storage backend.
// This abstraction allows swapping storage backends (SQLite, MongoDB)
// without changing the service layer.
type Store interface {
	UserStore
	GroupStore

	// Close releases any resources held by the store.
	Close() error
}
