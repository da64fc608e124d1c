package store

import "time"

// SessionKind identifies what a session does
type SessionKind string

const (
	KindICSession      SessionKind = "ic_session"
	KindRequestSession SessionKind = "request_session"
	KindAvatarLink     SessionKind = "avatar_link"
	KindGroupICSession SessionKind = "group_ic_session"
)

// SessionStatus is the session lifecycle state
type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusStopped   SessionStatus = "stopped"
	StatusFailed    SessionStatus = "failed"
	StatusRestarted SessionStatus = "restarted"
)

// Terminal reports whether the status is final. Terminal sessions are never
// transitioned out of, except FAILED -> RESTARTED during redo.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed, StatusRestarted:
		return true
	}
	return false
}

// GroupKind identifies which entity kind a group holds
type GroupKind string

const (
	GroupAvatar  GroupKind = "avatar"
	GroupIC      GroupKind = "ic"
	GroupRequest GroupKind = "request"
)

// Avatar is a named profile: a photo blob plus free-form info text
type Avatar struct {
	ID        int64
	Name      string
	PhotoData []byte
	InfoData  string
	CreatedAt time.Time
}

// InformationCopy is a named binary payload
type InformationCopy struct {
	ID        int64
	Name      string
	WavData   []byte
	CreatedAt time.Time
}

// Request is a named text payload
type Request struct {
	ID          int64
	Name        string
	RequestData string
	CreatedAt   time.Time
}

// Group is a named set of entity ids of one kind
type Group struct {
	ID   int64
	Name string
}

// Session is a persisted unit of work. A parent session (IsGroup true)
// records a group operation; a leaf session maps one-to-one to a worker
// process. The tree is two levels deep at most: parents never have parents.
type Session struct {
	ID          int64
	ParentID    *int64
	IsGroup     bool
	Description string

	AvatarID            *int64
	ICID                *int64
	RequestID           *int64
	DestinationAvatarID *int64
	AvatarGroupID       *int64
	ICGroupID           *int64
	RequestGroupID      *int64

	Kind        SessionKind
	StartTime   time.Time
	EndTime     *time.Time
	Status      SessionStatus
	WorkerPID   *int
	LastUpdated time.Time
}

// DurationMinutes returns the session's duration in whole minutes, or nil
// for an infinite session.
func (s *Session) DurationMinutes() *int {
	if s.EndTime == nil {
		return nil
	}
	m := int(s.EndTime.Sub(s.StartTime).Minutes())
	return &m
}
