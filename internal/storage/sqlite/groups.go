package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmynk/groupchat/internal/models"
)

// InsertGroup persists a new group with its initial members and actions.
func (s *SQLiteStore) InsertGroup(ctx context.Context, group *models.Group) error {
	if group.CreatedAt == 0 {
		group.CreatedAt = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO groups (id, name, theme, max_members, created_at) VALUES (?, ?, ?, ?, ?)",
		group.ID, group.Name, group.Theme, group.MaxMembers, group.CreatedAt,
	)
	if isUniqueViolation(err) {
		return models.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}

	for _, m := range group.Members {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO group_members (group_id, username, status) VALUES (?, ?, ?)",
			group.ID, m.Username, string(m.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to insert member: %w", err)
		}
	}

	for username, action := range group.Actions {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO group_actions (group_id, username, action) VALUES (?, ?, ?)",
			group.ID, username, action,
		)
		if err != nil {
			return fmt.Errorf("failed to insert action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetGroup retrieves a group by ID, including members and actions.
func (s *SQLiteStore) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	return loadGroup(ctx, s.db, id)
}

// FindGroupByName returns the oldest group with the given name.
func (s *SQLiteStore) FindGroupByName(ctx context.Context, name string) (*models.Group, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM groups WHERE name = ? ORDER BY created_at, id LIMIT 1",
		name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find group by name: %w", err)
	}
	return loadGroup(ctx, s.db, id)
}

// AppendMember adds a member with one conditional INSERT. The capacity and
// uniqueness checks are part of the statement, so no separate read decides
// whether the write happens.
func (s *SQLiteStore) AppendMember(ctx context.Context, id int64, member models.Member) (*models.Group, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO group_members (group_id, username, status)
		SELECT g.id, ?, ? FROM groups g
		WHERE g.id = ?
		  AND NOT EXISTS (SELECT 1 FROM group_members WHERE group_id = g.id AND username = ?)
		  AND (SELECT COUNT(*) FROM group_members WHERE group_id = g.id) < g.max_members`,
		member.Username, string(member.Status), id, member.Username,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	group, err := loadGroup(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if group.HasMember(member.Username) {
			return nil, models.ErrAlreadyMember
		}
		return nil, models.ErrGroupFull
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return group, nil
}

// DeleteGroup removes the group if requester is a member. Members and
// actions go with it.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, id int64, requester string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists, isMember bool
	err = tx.QueryRowContext(ctx, `
		SELECT
		  EXISTS (SELECT 1 FROM groups WHERE id = ?),
		  EXISTS (SELECT 1 FROM group_members WHERE group_id = ? AND username = ?)`,
		id, id, requester,
	).Scan(&exists, &isMember)
	if err != nil {
		return fmt.Errorf("failed to check group membership: %w", err)
	}
	if !exists {
		return models.ErrGroupNotFound
	}
	if !isMember {
		return models.ErrNotMember
	}

	for _, stmt := range []string{
		"DELETE FROM group_actions WHERE group_id = ?",
		"DELETE FROM group_members WHERE group_id = ?",
		"DELETE FROM groups WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete group: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SetAction upserts the latest action of username in the group.
func (s *SQLiteStore) SetAction(ctx context.Context, id int64, username, action string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO group_actions (group_id, username, action)
		SELECT id, ?, ? FROM groups WHERE id = ?
		ON CONFLICT (group_id, username) DO UPDATE SET action = excluded.action`,
		username, action, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrGroupNotFound
	}
	return nil
}

// loadGroup reads a group and its members and actions through q, which may
// be the database or an open transaction. Each result set is closed before
// the next query starts, since the pool holds a single connection.
func loadGroup(ctx context.Context, q querier, id int64) (*models.Group, error) {
	group := &models.Group{}
	err := q.QueryRowContext(ctx,
		"SELECT id, name, theme, max_members, created_at FROM groups WHERE id = ?",
		id,
	).Scan(&group.ID, &group.Name, &group.Theme, &group.MaxMembers, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	if group.Members, err = loadMembers(ctx, q, id); err != nil {
		return nil, err
	}
	if group.Actions, err = loadActions(ctx, q, id); err != nil {
		return nil, err
	}
	return group, nil
}

func loadMembers(ctx context.Context, q querier, id int64) ([]models.Member, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT username, status FROM group_members WHERE group_id = ? ORDER BY seq",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		var status string
		if err := rows.Scan(&m.Username, &status); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Status = models.MemberStatus(status)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

func loadActions(ctx context.Context, q querier, id int64) (map[string]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT username, action FROM group_actions WHERE group_id = ?",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get actions: %w", err)
	}
	defer rows.Close()

	actions := make(map[string]string)
	for rows.Next() {
		var username, action string
		if err := rows.Scan(&username, &action); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions[username] = action
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return actions, nil
}
