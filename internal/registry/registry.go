// Package registry owns group creation and lookup on top of a storage.GroupStore.
//
// Group IDs are random 7-digit numbers. A collision with an existing group is
// detected by the store on insert and retried here, so callers never see
// models.ErrDuplicateID.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/storage"
)

const (
	MinGroupID int64 = 1000000
	MaxGroupID int64 = 9999999
)

// IDSource yields candidate group IDs. Candidates may repeat.
type IDSource interface {
	Next() int64
}

// RandomIDs draws uniformly from [Min, Max].
type RandomIDs struct {
	Min, Max int64
}

// DefaultIDs covers every 7-digit ID.
var DefaultIDs = RandomIDs{Min: MinGroupID, Max: MaxGroupID}

// Next returns a random ID in [Min, Max].
func (r RandomIDs) Next() int64 {
	return r.Min + rand.Int63n(r.Max-r.Min+1)
}

// Registry creates, reads and deletes groups.
type Registry struct {
	store      storage.GroupStore
	ids        IDSource
	defaultMax int
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDSource replaces the ID generator.
func WithIDSource(ids IDSource) Option {
	return func(r *Registry) { r.ids = ids }
}

// WithDefaultMaxMembers sets the capacity used when CreateGroup gets none.
func WithDefaultMaxMembers(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.defaultMax = n
		}
	}
}

// New creates a Registry backed by store.
func New(store storage.GroupStore, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		ids:        DefaultIDs,
		defaultMax: models.DefaultMaxMembers,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateGroup stores a new group under a fresh ID. A non-empty creator
// becomes the sole active member. maxMembers <= 0 selects the default.
//
// Candidate IDs are drawn until one is free. The loop only ends early when
// ctx is done.
func (r *Registry) CreateGroup(ctx context.Context, name, theme string, maxMembers int, creator string) (*models.Group, error) {
	if maxMembers <= 0 {
		maxMembers = r.defaultMax
	}
	group := &models.Group{
		Name:       name,
		Theme:      theme,
		MaxMembers: maxMembers,
		Actions:    make(map[string]string),
	}
	if creator != "" {
		group.Members = []models.Member{{Username: creator, Status: models.StatusActive}}
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("failed to allocate group id after %d attempts: %w", attempt-1, err)
		}

		group.ID = r.ids.Next()
		err := r.store.InsertGroup(ctx, group)
		if err == nil {
			return group, nil
		}
		if !errors.Is(err, models.ErrDuplicateID) {
			// drivers report an interrupted statement in their own terms
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("failed to allocate group id: %w", ctxErr)
			}
			return nil, err
		}
		slog.Debug("Group id collision, retrying", "group_id", group.ID, "attempt", attempt)
	}
}

// GetGroup returns the group with the given ID.
func (r *Registry) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	return r.store.GetGroup(ctx, id)
}

// FindGroupByName returns the oldest group with the given name.
func (r *Registry) FindGroupByName(ctx context.Context, name string) (*models.Group, error) {
	return r.store.FindGroupByName(ctx, name)
}

// DeleteGroup removes the group if requester is a member.
func (r *Registry) DeleteGroup(ctx context.Context, id int64, requester string) error {
	return r.store.DeleteGroup(ctx, id, requester)
}

// AddMember appends username to the group with the given status, subject
// to the store's atomic capacity and uniqueness checks.
func (r *Registry) AddMember(ctx context.Context, id int64, username string, status models.MemberStatus) (*models.Group, error) {
	return r.store.AppendMember(ctx, id, models.Member{Username: username, Status: status})
}

// SetAction records the latest action of username in the group.
func (r *Registry) SetAction(ctx context.Context, id int64, username, action string) error {
	return r.store.SetAction(ctx, id, username, action)
}
