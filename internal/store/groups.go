package store

import (
	"database/sql"
	"fmt"

	. "github.com/roelfdiedericks/healerd/internal/logging"
)

// per-kind table and column names, so the group operations stay generic
func groupTables(kind GroupKind) (groupTable, memberTable, memberColumn, entityTable string) {
	switch kind {
	case GroupAvatar:
		return "avatar_groups", "avatar_group_members", "avatar_id", "avatars"
	case GroupIC:
		return "ic_groups", "ic_group_members", "ic_id", "information_copies"
	case GroupRequest:
		return "request_groups", "request_group_members", "request_id", "requests"
	}
	return "", "", "", ""
}

// CreateGroup creates a named group of the given kind
func (s *Store) CreateGroup(kind GroupKind, name string) (*Group, error) {
	groupTable, _, _, _ := groupTables(kind)
	if groupTable == "" {
		return nil, fmt.Errorf("unknown group kind %q", kind)
	}
	res, err := s.db.Exec(`INSERT INTO `+groupTable+` (name) VALUES (?)`, name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s group %q: %w", kind, name, ErrNameTaken)
		}
		return nil, fmt.Errorf("insert %s group: %w", kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	L_debug("store: created group", "kind", kind, "id", id, "name", name)
	return &Group{ID: id, Name: name}, nil
}

// GetGroupByName looks up a group of the given kind by its unique name
func (s *Store) GetGroupByName(kind GroupKind, name string) (*Group, error) {
	groupTable, _, _, _ := groupTables(kind)
	if groupTable == "" {
		return nil, fmt.Errorf("unknown group kind %q", kind)
	}
	var g Group
	err := s.db.QueryRow(`SELECT id, name FROM `+groupTable+` WHERE name = ?`, name).
		Scan(&g.ID, &g.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s group: %w", kind, err)
	}
	return &g, nil
}

// ListGroups returns all groups of a kind
func (s *Store) ListGroups(kind GroupKind) ([]*Group, error) {
	groupTable, _, _, _ := groupTables(kind)
	if groupTable == "" {
		return nil, fmt.Errorf("unknown group kind %q", kind)
	}
	rows, err := s.db.Query(`SELECT id, name FROM ` + groupTable + ` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list %s groups: %w", kind, err)
	}
	defer rows.Close()

	var out []*Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("scan %s group: %w", kind, err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// RemoveGroup deletes a group; memberships go via the schema's cascade.
// Returns ErrNotFound when no such group exists.
func (s *Store) RemoveGroup(kind GroupKind, id int64) error {
	groupTable, _, _, _ := groupTables(kind)
	if groupTable == "" {
		return fmt.Errorf("unknown group kind %q", kind)
	}
	res, err := s.db.Exec(`DELETE FROM `+groupTable+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s group: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	L_debug("store: removed group", "kind", kind, "id", id)
	return nil
}

// MemberExists reports whether the entity belongs to the group
func (s *Store) MemberExists(kind GroupKind, groupID, memberID int64) (bool, error) {
	_, memberTable, memberColumn, _ := groupTables(kind)
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM `+memberTable+` WHERE group_id = ? AND `+memberColumn+` = ?`,
		groupID, memberID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// EntityExists reports whether an entity of the group's kind exists
func (s *Store) EntityExists(kind GroupKind, id int64) (bool, error) {
	_, _, _, entityTable := groupTables(kind)
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM `+entityTable+` WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check entity: %w", err)
	}
	return true, nil
}

// AddMember adds an entity to a group. Adding an existing member is a
// no-op; the return value reports whether a row was actually inserted.
func (s *Store) AddMember(kind GroupKind, groupID, memberID int64) (bool, error) {
	_, memberTable, memberColumn, _ := groupTables(kind)
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO `+memberTable+` (group_id, `+memberColumn+`) VALUES (?, ?)`,
		groupID, memberID)
	if err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_debug("store: added member", "kind", kind, "group", groupID, "member", memberID)
	}
	return n > 0, nil
}

// RemoveMember removes an entity from a group. Removing an absent member
// is a no-op; the return value reports whether a row was deleted.
func (s *Store) RemoveMember(kind GroupKind, groupID, memberID int64) (bool, error) {
	_, memberTable, memberColumn, _ := groupTables(kind)
	res, err := s.db.Exec(
		`DELETE FROM `+memberTable+` WHERE group_id = ? AND `+memberColumn+` = ?`,
		groupID, memberID)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_debug("store: removed member", "kind", kind, "group", groupID, "member", memberID)
	}
	return n > 0, nil
}

// MemberIDs returns the current member ids of a group, by current
// membership at call time.
func (s *Store) MemberIDs(kind GroupKind, groupID int64) ([]int64, error) {
	_, memberTable, memberColumn, _ := groupTables(kind)
	rows, err := s.db.Query(
		`SELECT `+memberColumn+` FROM `+memberTable+` WHERE group_id = ? ORDER BY `+memberColumn,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GroupsContainingAvatar returns ids of avatar groups the avatar belongs to
func (s *Store) GroupsContainingAvatar(avatarID int64) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT group_id FROM avatar_group_members WHERE avatar_id = ?`, avatarID)
	if err != nil {
		return nil, fmt.Errorf("list avatar groups: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
