package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/mmynk/groupchat/internal/auth"
	"github.com/mmynk/groupchat/internal/metrics"
	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/realtime"
	"github.com/mmynk/groupchat/internal/registry"
	"github.com/mmynk/groupchat/internal/storage"
)

const (
	MaxNameLength   = 64
	MaxThemeLength  = 256
	MaxActionLength = 256
	MaxGroupSize    = models.MaxGroupSize
)

// Operation names used in logs and metrics.
const (
	opCreate       = "create"
	opGet          = "get"
	opJoin         = "join"
	opCreateOrJoin = "create_or_join"
	opDelete       = "delete"
	opAction       = "action"
)

// CreateGroupInput describes a new group.
type CreateGroupInput struct {
	Name       string
	Theme      string
	MaxMembers int // 0 selects the default
}

// Validate checks field lengths and capacity.
func (in CreateGroupInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return models.Invalidf("name is required")
	}
	if utf8.RuneCountInString(in.Name) > MaxNameLength {
		return models.Invalidf("name must be at most %d characters", MaxNameLength)
	}
	if utf8.RuneCountInString(in.Theme) > MaxThemeLength {
		return models.Invalidf("theme must be at most %d characters", MaxThemeLength)
	}
	if in.MaxMembers < 0 || in.MaxMembers > MaxGroupSize {
		return models.Invalidf("max_members must be between 1 and %d", MaxGroupSize)
	}
	return nil
}

// CreateOrJoinInput names a group to join, or to create if none has that name.
type CreateOrJoinInput struct {
	CreateGroupInput
	Username string // empty means the session user
}

// MembershipService enforces the group membership rules and emits realtime
// events for every change.
type MembershipService struct {
	registry  *registry.Registry
	users     storage.UserStore
	publisher realtime.Publisher
	metrics   *metrics.Metrics
}

// NewMembershipService creates a MembershipService. m may be nil.
func NewMembershipService(reg *registry.Registry, users storage.UserStore, publisher realtime.Publisher, m *metrics.Metrics) *MembershipService {
	return &MembershipService{
		registry:  reg,
		users:     users,
		publisher: publisher,
		metrics:   m,
	}
}

// CreateGroup always creates a new group with the session user as its only
// active member.
func (s *MembershipService) CreateGroup(ctx context.Context, sess auth.Session, in CreateGroupInput) (group *models.Group, err error) {
	defer func() { s.observe(opCreate, err) }()

	slog.Info("CreateGroup request received", "name", in.Name, "max_members", in.MaxMembers, "username", sess.Username)
	if !sess.LoggedIn() {
		return nil, models.ErrUnauthenticated
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	group, err = s.registry.CreateGroup(ctx, in.Name, in.Theme, in.MaxMembers, sess.Username)
	if err != nil {
		slog.Error("CreateGroup failed", "name", in.Name, "error", err)
		return nil, err
	}

	slog.Info("Group created", "group_id", group.ID, "name", group.Name)
	return group, nil
}

// GetGroup returns a snapshot of the group.
func (s *MembershipService) GetGroup(ctx context.Context, id int64) (group *models.Group, err error) {
	defer func() { s.observe(opGet, err) }()

	slog.Debug("GetGroup request received", "group_id", id)
	group, err = s.registry.GetGroup(ctx, id)
	if err != nil {
		slog.Debug("GetGroup failed", "group_id", id, "error", err)
		return nil, err
	}
	return group, nil
}

// JoinGroup adds username, or the session user if empty, to the group as a
// pending member. Joining a group twice is an error.
func (s *MembershipService) JoinGroup(ctx context.Context, sess auth.Session, id int64, username string) (group *models.Group, err error) {
	defer func() { s.observe(opJoin, err) }()

	if username == "" {
		username = sess.Username
	}
	slog.Info("JoinGroup request received", "group_id", id, "username", username)
	if !sess.LoggedIn() {
		return nil, models.ErrUnauthenticated
	}

	if _, err := s.users.GetUser(ctx, username); err != nil {
		slog.Warn("JoinGroup failed", "group_id", id, "username", username, "error", err)
		return nil, err
	}

	group, err = s.registry.AddMember(ctx, id, username, models.StatusPending)
	if err != nil {
		slog.Warn("JoinGroup failed", "group_id", id, "username", username, "error", err)
		return nil, err
	}

	slog.Info("JoinGroup successful", "group_id", id, "username", username, "members", len(group.Members))
	s.publish(ctx, id, models.EventUserJoined, models.UserJoinedPayload{UserName: username})
	return group, nil
}

// CreateOrJoin adds the user to the oldest group with the given name, or
// creates that group if none exists. A user already in the group is left
// as is, so repeating the call changes nothing.
func (s *MembershipService) CreateOrJoin(ctx context.Context, sess auth.Session, in CreateOrJoinInput) (group *models.Group, err error) {
	defer func() { s.observe(opCreateOrJoin, err) }()

	username := in.Username
	if username == "" {
		username = sess.Username
	}
	slog.Info("CreateOrJoin request received", "name", in.Name, "username", username)
	if !sess.LoggedIn() {
		return nil, models.ErrUnauthenticated
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.users.GetUser(ctx, username); err != nil {
		return nil, err
	}

	existing, err := s.registry.FindGroupByName(ctx, in.Name)
	if errors.Is(err, models.ErrGroupNotFound) {
		group, err = s.registry.CreateGroup(ctx, in.Name, in.Theme, in.MaxMembers, username)
		if err != nil {
			slog.Error("CreateOrJoin failed", "name", in.Name, "error", err)
			return nil, err
		}
		slog.Info("Group created", "group_id", group.ID, "name", group.Name)
		return group, nil
	}
	if err != nil {
		return nil, err
	}

	if existing.HasMember(username) {
		slog.Info("CreateOrJoin no-op, already a member", "group_id", existing.ID, "username", username)
		return existing, nil
	}
	if existing.IsFull() {
		slog.Warn("CreateOrJoin failed", "group_id", existing.ID, "username", username, "error", models.ErrGroupFull)
		return nil, models.ErrGroupFull
	}

	group, err = s.registry.AddMember(ctx, existing.ID, username, models.StatusPending)
	if errors.Is(err, models.ErrAlreadyMember) {
		// joined concurrently by another request
		return s.registry.GetGroup(ctx, existing.ID)
	}
	if err != nil {
		slog.Warn("CreateOrJoin failed", "group_id", existing.ID, "username", username, "error", err)
		return nil, err
	}

	slog.Info("CreateOrJoin joined group", "group_id", group.ID, "username", username, "members", len(group.Members))
	s.publish(ctx, group.ID, models.EventUserJoined, models.UserJoinedPayload{UserName: username})
	return group, nil
}

// DeleteGroup removes the group. Only a current member may delete it.
func (s *MembershipService) DeleteGroup(ctx context.Context, sess auth.Session, id int64) (err error) {
	defer func() { s.observe(opDelete, err) }()

	slog.Info("DeleteGroup request received", "group_id", id, "username", sess.Username)
	if !sess.LoggedIn() {
		return models.ErrUnauthenticated
	}

	if err := s.registry.DeleteGroup(ctx, id, sess.Username); err != nil {
		slog.Warn("DeleteGroup failed", "group_id", id, "username", sess.Username, "error", err)
		return err
	}

	slog.Info("Group deleted", "group_id", id)
	s.publish(ctx, id, models.EventGroupDeleted, models.GroupDeletedPayload{GroupID: id})
	return nil
}

// RecordAction stores action as the session user's latest action in the
// group and broadcasts it. Membership is not required.
func (s *MembershipService) RecordAction(ctx context.Context, sess auth.Session, id int64, action string) (err error) {
	defer func() { s.observe(opAction, err) }()

	slog.Debug("RecordAction request received", "group_id", id, "username", sess.Username)
	if !sess.LoggedIn() {
		return models.ErrUnauthenticated
	}
	if action == "" {
		return models.Invalidf("action is required")
	}
	if utf8.RuneCountInString(action) > MaxActionLength {
		return models.Invalidf("action must be at most %d characters", MaxActionLength)
	}

	if err := s.registry.SetAction(ctx, id, sess.Username, action); err != nil {
		slog.Warn("RecordAction failed", "group_id", id, "username", sess.Username, "error", err)
		return err
	}

	s.publish(ctx, id, models.EventActionUpdated, models.ActionUpdatedPayload{
		UserName:   sess.Username,
		YourAction: action,
	})
	return nil
}

// publish is best-effort: the state change already happened, so a failed
// broadcast is logged and not returned.
func (s *MembershipService) publish(ctx context.Context, groupID int64, event string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, groupID, event, payload); err != nil {
		slog.Warn("Failed to publish event", "event", event, "group_id", groupID, "error", err)
		return
	}
	s.metrics.ObserveEvent(event)
}

func (s *MembershipService) observe(op string, err error) {
	s.metrics.ObserveOp(op, err)
}
