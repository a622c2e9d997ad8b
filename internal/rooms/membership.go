// Package rooms resolves durable group membership into transport-level room
// subscriptions. Membership itself is owned by a collaborator; this package
// only reads it, and caches nothing beyond the lifetime of a connection.
package rooms

import (
	"context"
	"database/sql"
	"fmt"
)

// Membership is the group-membership collaborator surface.
type Membership interface {
	ListActiveGroupIDs(ctx context.Context, userID string) ([]string, error)
	IsActiveMember(ctx context.Context, userID, groupID string) (bool, error)
}

// PostgresMembership reads membership from the platform's group tables.
// Rows exist in group_members while a membership is active.
type PostgresMembership struct {
	db *sql.DB
}

func NewPostgresMembership(db *sql.DB) *PostgresMembership {
	return &PostgresMembership{db: db}
}

func (m *PostgresMembership) ListActiveGroupIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT group_id FROM group_members WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("query group_members: %w", err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var groupID string
		if err := rows.Scan(&groupID); err != nil {
			return nil, fmt.Errorf("scan group_members: %w", err)
		}
		groups = append(groups, groupID)
	}
	return groups, rows.Err()
}

func (m *PostgresMembership) IsActiveMember(ctx context.Context, userID, groupID string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM group_members WHERE group_id = $1 AND user_id = $2",
		groupID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query group_members: %w", err)
	}
	return count > 0, nil
}

// StaticMembership is a fixed userID → groupIDs table for tests and
// deployments without a membership collaborator.
type StaticMembership map[string][]string

func (m StaticMembership) ListActiveGroupIDs(_ context.Context, userID string) ([]string, error) {
	return m[userID], nil
}

func (m StaticMembership) IsActiveMember(_ context.Context, userID, groupID string) (bool, error) {
	for _, g := range m[userID] {
		if g == groupID {
			return true, nil
		}
	}
	return false, nil
}
