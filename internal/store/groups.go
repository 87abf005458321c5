// Package store provides read access to the relational records the
// verification core depends on: tenant groups, their required channels,
// admin exemptions, and the recently-active user set the warmer sweeps.
// Writes to these tables belong to the management surface, not to us.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"membergate/internal/common/logger"
)

// ErrGroupNotFound is returned when the requested group does not exist.
var ErrGroupNotFound = errors.New("store: group not found")

// ChannelLink is one channel a group requires its members to join.
type ChannelLink struct {
	ChannelID  int64
	Title      string
	InviteLink string
}

// Group is a managed community with its enforcement configuration.
// Disabling a group suspends enforcement; its channel links are kept.
type Group struct {
	ID               int64
	Enabled          bool
	OwnerID          int64
	Settings         Settings
	RequiredChannels []ChannelLink
}

// GroupReader is the read surface the verification and warming services
// consume.
type GroupReader interface {
	GetGroup(ctx context.Context, groupID int64) (*Group, error)
	IsAdmin(ctx context.Context, groupID, userID int64) (bool, error)
	ListActiveUsers(ctx context.Context, groupID int64, limit int) ([]int64, error)
	ListEnabledGroups(ctx context.Context) ([]int64, error)
}

// SQLGroupReader implements GroupReader over Postgres.
type SQLGroupReader struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSQLGroupReader(db *sql.DB, log logger.Logger) *SQLGroupReader {
	return &SQLGroupReader{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "group-store"}),
	}
}

// GetGroup loads a group with its settings and required channels.
// A malformed settings blob does not fail the load: the group falls back
// to defaults so enforcement keeps running.
func (r *SQLGroupReader) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	var (
		g           Group
		rawSettings sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, enabled, owner_id, settings
		FROM groups
		WHERE id = $1`, groupID).Scan(&g.ID, &g.Enabled, &g.OwnerID, &rawSettings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}

	settings, err := ParseSettings([]byte(rawSettings.String))
	if err != nil {
		r.logger.Warn("invalid group settings, using defaults", map[string]interface{}{
			"groupId": groupID,
			"error":   err.Error(),
		})
		settings = DefaultSettings()
	}
	g.Settings = settings

	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.title, COALESCE(c.invite_link, '')
		FROM group_channels gc
		JOIN channels c ON c.id = gc.channel_id
		WHERE gc.group_id = $1
		ORDER BY c.id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var link ChannelLink
		if err := rows.Scan(&link.ChannelID, &link.Title, &link.InviteLink); err != nil {
			return nil, err
		}
		g.RequiredChannels = append(g.RequiredChannels, link)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &g, nil
}

// IsAdmin reports whether the user is exempt from enforcement in the group.
// The owner is always an admin.
func (r *SQLGroupReader) IsAdmin(ctx context.Context, groupID, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM groups WHERE id = $1 AND owner_id = $2
			UNION
			SELECT 1 FROM group_admins WHERE group_id = $1 AND user_id = $2
		)`, groupID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ListActiveUsers returns users seen in the group within the activity
// window, most recent first, capped at limit.
func (r *SQLGroupReader) ListActiveUsers(ctx context.Context, groupID int64, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id
		FROM group_activity
		WHERE group_id = $1 AND last_seen_at > $2
		ORDER BY last_seen_at DESC
		LIMIT $3`, groupID, time.Now().Add(-30*24*time.Hour), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ListEnabledGroups returns the IDs of all groups with enforcement on.
func (r *SQLGroupReader) ListEnabledGroups(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM groups WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
