package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/healerd/internal/logging"
)

const sessionColumns = `id, parent_session_id, is_group_session, description,
	avatar_id, ic_id, request_id, destination_avatar_id,
	avatar_group_id, ic_group_id, request_group_id,
	session_type, start_time, end_time, status, worker_pid, last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var isGroup int
	var desc sql.NullString
	var start, updated string
	var end sql.NullString
	var pid sql.NullInt64
	var kind, status string

	err := row.Scan(&sess.ID, &sess.ParentID, &isGroup, &desc,
		&sess.AvatarID, &sess.ICID, &sess.RequestID, &sess.DestinationAvatarID,
		&sess.AvatarGroupID, &sess.ICGroupID, &sess.RequestGroupID,
		&kind, &start, &end, &status, &pid, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.IsGroup = isGroup != 0
	sess.Description = desc.String
	sess.Kind = SessionKind(kind)
	sess.Status = SessionStatus(status)
	sess.StartTime = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		sess.EndTime = &t
	}
	if pid.Valid {
		p := int(pid.Int64)
		sess.WorkerPID = &p
	}
	sess.LastUpdated = parseTime(updated)
	return &sess, nil
}

func (s *Store) querySessions(query string, args ...any) ([]*Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// InsertSession persists a new session and fills in its id
func (s *Store) InsertSession(sess *Session) error {
	now := time.Now()
	sess.LastUpdated = now
	isGroup := 0
	if sess.IsGroup {
		isGroup = 1
	}
	res, err := s.db.Exec(`INSERT INTO sessions (
		parent_session_id, is_group_session, description,
		avatar_id, ic_id, request_id, destination_avatar_id,
		avatar_group_id, ic_group_id, request_group_id,
		session_type, start_time, end_time, status, worker_pid, last_updated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ParentID, isGroup, sess.Description,
		sess.AvatarID, sess.ICID, sess.RequestID, sess.DestinationAvatarID,
		sess.AvatarGroupID, sess.ICGroupID, sess.RequestGroupID,
		string(sess.Kind), fmtTime(sess.StartTime), fmtTimePtr(sess.EndTime),
		string(sess.Status), sess.WorkerPID, fmtTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	sess.ID = id
	L_debug("store: created session", "id", id, "type", sess.Kind, "group", sess.IsGroup)
	return nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(id int64) (*Session, error) {
	return scanSession(s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// SetSessionRunning marks the session RUNNING with the worker's pid
func (s *Store) SetSessionRunning(id int64, pid int) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, worker_pid = ?, last_updated = ? WHERE id = ?`,
		string(StatusRunning), pid, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set session running: %w", err)
	}
	return nil
}

// SetSessionStatus sets the status and clears the worker pid. Used for all
// non-RUNNING transitions; worker_pid is only ever non-null while RUNNING.
func (s *Store) SetSessionStatus(id int64, status SessionStatus) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, worker_pid = NULL, last_updated = ? WHERE id = ?`,
		string(status), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

// ChildSessions returns all children of a parent session
func (s *Store) ChildSessions(parentID int64) ([]*Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE parent_session_id = ? ORDER BY id`,
		parentID)
}

// SessionsByStatus returns all sessions in the given status
func (s *Store) SessionsByStatus(status SessionStatus) ([]*Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY id`,
		string(status))
}

// ListSessions returns the most recent sessions, newest first
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions ORDER BY id DESC LIMIT ?`, limit)
}

// RunningSessionsOnAvatar returns RUNNING sessions where the avatar is the
// source or the destination.
func (s *Store) RunningSessionsOnAvatar(avatarID int64) ([]*Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND (avatar_id = ? OR destination_avatar_id = ?) ORDER BY id`,
		string(StatusRunning), avatarID, avatarID)
}

// RunningSessionsOnIC returns RUNNING sessions referencing the IC
func (s *Store) RunningSessionsOnIC(icID int64) ([]*Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND ic_id = ? ORDER BY id`,
		string(StatusRunning), icID)
}

// RunningSessionsOnRequest returns RUNNING sessions referencing the request
func (s *Store) RunningSessionsOnRequest(requestID int64) ([]*Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND request_id = ? ORDER BY id`,
		string(StatusRunning), requestID)
}

// group reference columns on the sessions table, per group kind
func sessionGroupColumn(kind GroupKind) string {
	switch kind {
	case GroupAvatar:
		return "avatar_group_id"
	case GroupIC:
		return "ic_group_id"
	case GroupRequest:
		return "request_group_id"
	}
	return ""
}

// leaf reference columns on the sessions table, per group kind
func sessionMemberColumn(kind GroupKind) string {
	switch kind {
	case GroupAvatar:
		return "avatar_id"
	case GroupIC:
		return "ic_id"
	case GroupRequest:
		return "request_id"
	}
	return ""
}

// RunningParentsByGroup returns RUNNING parent sessions whose group
// reference of the given kind matches groupID.
func (s *Store) RunningParentsByGroup(kind GroupKind, groupID int64) ([]*Session, error) {
	col := sessionGroupColumn(kind)
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE is_group_session = 1 AND status = ? AND `+col+` = ? ORDER BY id`,
		string(StatusRunning), groupID)
}

// ParentsByAvatarGroup returns all parent sessions bound to the avatar
// group, regardless of status.
func (s *Store) ParentsByAvatarGroup(groupID int64) ([]*Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE avatar_group_id = ? ORDER BY id`,
		groupID)
}

// RunningChildrenOfParents returns RUNNING children of any of the parents
func (s *Store) RunningChildrenOfParents(parentIDs []int64) ([]*Session, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(parentIDs)), ",")
	args := make([]any, 0, len(parentIDs)+1)
	args = append(args, string(StatusRunning))
	for _, id := range parentIDs {
		args = append(args, id)
	}
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND parent_session_id IN (`+placeholders+`) ORDER BY id`,
		args...)
}

// RunningLeavesByGroupMember returns RUNNING leaves whose parent is a
// RUNNING group session bound to groupID (of kind) and whose own reference
// of that kind equals memberID. Used when a member leaves a group.
func (s *Store) RunningLeavesByGroupMember(kind GroupKind, groupID, memberID int64) ([]*Session, error) {
	groupCol := sessionGroupColumn(kind)
	memberCol := sessionMemberColumn(kind)
	return s.querySessions(
		`SELECT `+qualify(sessionColumns, "c")+` FROM sessions c
		 JOIN sessions p ON c.parent_session_id = p.id
		 WHERE p.is_group_session = 1 AND p.status = ? AND p.`+groupCol+` = ?
		   AND c.`+memberCol+` = ? ORDER BY c.id`,
		string(StatusRunning), groupID, memberID)
}

// RunningLeavesOnAvatar returns RUNNING leaf sessions tied to the avatar:
// directly as source or destination, or through a parent bound to one of
// the avatar's groups.
func (s *Store) RunningLeavesOnAvatar(avatarID int64, groupIDs []int64) ([]*Session, error) {
	groupClause := "0"
	args := []any{string(StatusRunning), avatarID, avatarID}
	if len(groupIDs) > 0 {
		groupClause = `c.parent_session_id IN (
			SELECT id FROM sessions WHERE avatar_group_id IN (` +
			strings.TrimRight(strings.Repeat("?,", len(groupIDs)), ",") + `))`
		for _, id := range groupIDs {
			args = append(args, id)
		}
	}
	return s.querySessions(
		`SELECT `+qualify(sessionColumns, "c")+` FROM sessions c
		 WHERE c.status = ? AND c.is_group_session = 0
		   AND (c.avatar_id = ? OR c.destination_avatar_id = ? OR `+groupClause+`)
		 ORDER BY c.id`,
		args...)
}

// MarkRunningFailed flips every RUNNING session to FAILED. Runs once at
// daemon startup: a RUNNING row with no live daemon is an orphan.
func (s *Store) MarkRunningFailed() (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, worker_pid = NULL, last_updated = ? WHERE status = ?`,
		string(StatusFailed), fmtTime(time.Now()), string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("mark running failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_warn("store: marked orphaned running sessions failed", "count", n)
	}
	return n, nil
}

// qualify prefixes each column in a comma-separated list with an alias
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
