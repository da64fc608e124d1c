package store

import (
	"database/sql"
	"fmt"
	"time"

	. "github.com/roelfdiedericks/healerd/internal/logging"
)

// CreateAvatar inserts a new avatar. Names are unique across avatars.
func (s *Store) CreateAvatar(name string, photo []byte, info string) (*Avatar, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO avatars (name, photo_data, info_data, created_at) VALUES (?, ?, ?, ?)`,
		name, photo, info, fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("avatar %q: %w", name, ErrNameTaken)
		}
		return nil, fmt.Errorf("insert avatar: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	L_debug("store: created avatar", "id", id, "name", name)
	return &Avatar{ID: id, Name: name, PhotoData: photo, InfoData: info, CreatedAt: now}, nil
}

// GetAvatar retrieves an avatar by id
func (s *Store) GetAvatar(id int64) (*Avatar, error) {
	return s.scanAvatar(s.db.QueryRow(
		`SELECT id, name, photo_data, info_data, created_at FROM avatars WHERE id = ?`, id))
}

// GetAvatarByName retrieves an avatar by its unique name
func (s *Store) GetAvatarByName(name string) (*Avatar, error) {
	return s.scanAvatar(s.db.QueryRow(
		`SELECT id, name, photo_data, info_data, created_at FROM avatars WHERE name = ?`, name))
}

func (s *Store) scanAvatar(row *sql.Row) (*Avatar, error) {
	var a Avatar
	var created string
	err := row.Scan(&a.ID, &a.Name, &a.PhotoData, &a.InfoData, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan avatar: %w", err)
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// ListAvatars returns all avatars without their photo payloads
func (s *Store) ListAvatars() ([]*Avatar, error) {
	rows, err := s.db.Query(`SELECT id, name, info_data, created_at FROM avatars ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list avatars: %w", err)
	}
	defer rows.Close()

	var out []*Avatar
	for rows.Next() {
		var a Avatar
		var created string
		if err := rows.Scan(&a.ID, &a.Name, &a.InfoData, &created); err != nil {
			return nil, fmt.Errorf("scan avatar: %w", err)
		}
		a.CreatedAt = parseTime(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpdateAvatar applies a partial update. Nil fields are left untouched.
func (s *Store) UpdateAvatar(id int64, name *string, photo []byte, info *string) (*Avatar, error) {
	if _, err := s.GetAvatar(id); err != nil {
		return nil, err
	}
	if name != nil {
		if _, err := s.db.Exec(`UPDATE avatars SET name = ? WHERE id = ?`, *name, id); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("avatar %q: %w", *name, ErrNameTaken)
			}
			return nil, fmt.Errorf("update avatar name: %w", err)
		}
	}
	if photo != nil {
		if _, err := s.db.Exec(`UPDATE avatars SET photo_data = ? WHERE id = ?`, photo, id); err != nil {
			return nil, fmt.Errorf("update avatar photo: %w", err)
		}
	}
	if info != nil {
		if _, err := s.db.Exec(`UPDATE avatars SET info_data = ? WHERE id = ?`, *info, id); err != nil {
			return nil, fmt.Errorf("update avatar info: %w", err)
		}
	}
	L_debug("store: updated avatar", "id", id)
	return s.GetAvatar(id)
}

// RemoveAvatar deletes an avatar. Sessions referencing it go with it via
// the schema's cascade; callers must stop their workers first.
func (s *Store) RemoveAvatar(id int64) error {
	res, err := s.db.Exec(`DELETE FROM avatars WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete avatar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	L_debug("store: removed avatar", "id", id)
	return nil
}

// CreateIC inserts a new information copy
func (s *Store) CreateIC(name string, wav []byte) (*InformationCopy, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO information_copies (name, wav_data, created_at) VALUES (?, ?, ?)`,
		name, wav, fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("ic %q: %w", name, ErrNameTaken)
		}
		return nil, fmt.Errorf("insert ic: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	L_debug("store: created ic", "id", id, "name", name)
	return &InformationCopy{ID: id, Name: name, WavData: wav, CreatedAt: now}, nil
}

// GetIC retrieves an information copy by id
func (s *Store) GetIC(id int64) (*InformationCopy, error) {
	var ic InformationCopy
	var created string
	err := s.db.QueryRow(
		`SELECT id, name, wav_data, created_at FROM information_copies WHERE id = ?`, id).
		Scan(&ic.ID, &ic.Name, &ic.WavData, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ic: %w", err)
	}
	ic.CreatedAt = parseTime(created)
	return &ic, nil
}

// ListICs returns all information copies without payloads
func (s *Store) ListICs() ([]*InformationCopy, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at FROM information_copies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list ics: %w", err)
	}
	defer rows.Close()

	var out []*InformationCopy
	for rows.Next() {
		var ic InformationCopy
		var created string
		if err := rows.Scan(&ic.ID, &ic.Name, &created); err != nil {
			return nil, fmt.Errorf("scan ic: %w", err)
		}
		ic.CreatedAt = parseTime(created)
		out = append(out, &ic)
	}
	return out, rows.Err()
}

// RemoveIC deletes an information copy and, via cascade, its sessions
func (s *Store) RemoveIC(id int64) error {
	res, err := s.db.Exec(`DELETE FROM information_copies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete ic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	L_debug("store: removed ic", "id", id)
	return nil
}

// CreateRequest inserts a new request
func (s *Store) CreateRequest(name, text string) (*Request, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT INTO requests (name, request_data, created_at) VALUES (?, ?, ?)`,
		name, text, fmtTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("request %q: %w", name, ErrNameTaken)
		}
		return nil, fmt.Errorf("insert request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	L_debug("store: created request", "id", id, "name", name)
	return &Request{ID: id, Name: name, RequestData: text, CreatedAt: now}, nil
}

// GetRequest retrieves a request by id
func (s *Store) GetRequest(id int64) (*Request, error) {
	var r Request
	var created string
	err := s.db.QueryRow(
		`SELECT id, name, request_data, created_at FROM requests WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.RequestData, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// ListRequests returns all requests
func (s *Store) ListRequests() ([]*Request, error) {
	rows, err := s.db.Query(`SELECT id, name, request_data, created_at FROM requests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		var r Request
		var created string
		if err := rows.Scan(&r.ID, &r.Name, &r.RequestData, &created); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpdateRequest applies a partial update to a request
func (s *Store) UpdateRequest(id int64, name, text *string) (*Request, error) {
	if _, err := s.GetRequest(id); err != nil {
		return nil, err
	}
	if name != nil {
		if _, err := s.db.Exec(`UPDATE requests SET name = ? WHERE id = ?`, *name, id); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("request %q: %w", *name, ErrNameTaken)
			}
			return nil, fmt.Errorf("update request name: %w", err)
		}
	}
	if text != nil {
		if _, err := s.db.Exec(`UPDATE requests SET request_data = ? WHERE id = ?`, *text, id); err != nil {
			return nil, fmt.Errorf("update request data: %w", err)
		}
	}
	L_debug("store: updated request", "id", id)
	return s.GetRequest(id)
}

// RemoveRequest deletes a request and, via cascade, its sessions
func (s *Store) RemoveRequest(id int64) error {
	res, err := s.db.Exec(`DELETE FROM requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	L_debug("store: removed request", "id", id)
	return nil
}
