// Package expand resolves start-command arguments (single ids or group
// names) into a persisted session tree: an optional parent row plus the
// cartesian product of leaves, ready for the supervisor to spawn.
package expand

import (
	"errors"
	"fmt"
	"time"

	"github.com/roelfdiedericks/healerd/internal/store"
)

// Argument and resolution errors
var (
	ErrBadArguments = errors.New("bad arguments")
	ErrEmptyGroup   = errors.New("group is empty")
)

// Result is a persisted session tree. Parent is nil when no argument was
// group-valued. Leaves are SCHEDULED; the caller spawns them.
type Result struct {
	Parent *store.Session
	Leaves []*store.Session
}

// Target is one resolved side of a start command
type Target struct {
	IDs   []int64
	Group *store.Group // non-nil when the argument named a group
}

// ResolveAvatars resolves an avatar id or an avatar group name to a target.
// Exactly one of the two must be given.
func ResolveAvatars(st *store.Store, id *int64, groupName string) (*Target, error) {
	if id != nil && groupName != "" {
		return nil, fmt.Errorf("%w: both avatar id and avatar group given", ErrBadArguments)
	}
	if id != nil {
		if _, err := st.GetAvatar(*id); err != nil {
			return nil, fmt.Errorf("avatar %d: %w", *id, err)
		}
		return &Target{IDs: []int64{*id}}, nil
	}
	if groupName != "" {
		group, err := st.GetGroupByName(store.GroupAvatar, groupName)
		if err != nil {
			return nil, fmt.Errorf("avatar group %q: %w", groupName, err)
		}
		ids, err := st.MemberIDs(store.GroupAvatar, group.ID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("avatar group %q: %w", groupName, ErrEmptyGroup)
		}
		return &Target{IDs: ids, Group: group}, nil
	}
	return nil, fmt.Errorf("%w: no avatar or avatar group given", ErrBadArguments)
}

// ResolveRequests resolves a request id or a request group name to a target
func ResolveRequests(st *store.Store, id *int64, groupName string) (*Target, error) {
	if id != nil && groupName != "" {
		return nil, fmt.Errorf("%w: both request id and request group given", ErrBadArguments)
	}
	if id != nil {
		if _, err := st.GetRequest(*id); err != nil {
			return nil, fmt.Errorf("request %d: %w", *id, err)
		}
		return &Target{IDs: []int64{*id}}, nil
	}
	if groupName != "" {
		group, err := st.GetGroupByName(store.GroupRequest, groupName)
		if err != nil {
			return nil, fmt.Errorf("request group %q: %w", groupName, err)
		}
		ids, err := st.MemberIDs(store.GroupRequest, group.ID)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("request group %q: %w", groupName, ErrEmptyGroup)
		}
		return &Target{IDs: ids, Group: group}, nil
	}
	return nil, fmt.Errorf("%w: no request or request group given", ErrBadArguments)
}

// window computes the command's session timing. A nil duration means an
// infinite session.
func window(duration *int) (time.Time, *time.Time) {
	start := time.Now().UTC()
	if duration == nil {
		return start, nil
	}
	end := start.Add(time.Duration(*duration) * time.Minute)
	return start, &end
}

// Leaf builds an unsaved SCHEDULED leaf under parent (which may be nil),
// inheriting the parent's timing when present.
func Leaf(parent *store.Session, kind store.SessionKind, desc string, start time.Time, end *time.Time) *store.Session {
	leaf := &store.Session{
		Description: desc,
		Kind:        kind,
		StartTime:   start,
		EndTime:     end,
		Status:      store.StatusScheduled,
	}
	if parent != nil {
		leaf.ParentID = &parent.ID
		leaf.StartTime = parent.StartTime
		leaf.EndTime = parent.EndTime
	}
	return leaf
}

// StartIC expands a start_ic command: one IC applied to an avatar or to
// every member of an avatar group.
func StartIC(st *store.Store, avatars *Target, icID int64, duration *int) (*Result, error) {
	ic, err := st.GetIC(icID)
	if err != nil {
		return nil, fmt.Errorf("ic %d: %w", icID, err)
	}

	start, end := window(duration)
	res := &Result{}

	if avatars.Group != nil {
		parent := &store.Session{
			IsGroup:       true,
			Description:   fmt.Sprintf("IC '%s' on Avatar Group '%s'", ic.Name, avatars.Group.Name),
			AvatarGroupID: &avatars.Group.ID,
			ICID:          &ic.ID,
			Kind:          store.KindICSession,
			StartTime:     start,
			EndTime:       end,
			Status:        store.StatusRunning,
		}
		if err := st.InsertSession(parent); err != nil {
			return nil, err
		}
		res.Parent = parent
	}

	for _, avatarID := range avatars.IDs {
		avatar, err := st.GetAvatar(avatarID)
		if err != nil {
			return nil, fmt.Errorf("avatar %d: %w", avatarID, err)
		}
		desc := fmt.Sprintf("'%s' <=> '%s'", avatar.Name, ic.Name)
		if res.Parent != nil {
			desc += fmt.Sprintf(" (from Group Op #%d)", res.Parent.ID)
		}
		leaf := Leaf(res.Parent, store.KindICSession, desc, start, end)
		leaf.AvatarID = &avatar.ID
		leaf.ICID = &ic.ID
		if err := st.InsertSession(leaf); err != nil {
			return nil, err
		}
		res.Leaves = append(res.Leaves, leaf)
	}
	return res, nil
}

// StartRequest expands a start_request command: the cartesian product of
// the avatar side and the request side.
func StartRequest(st *store.Store, avatars, requests *Target, duration *int) (*Result, error) {
	start, end := window(duration)
	res := &Result{}

	switch {
	case avatars.Group != nil && requests.Group != nil:
		res.Parent = &store.Session{
			IsGroup: true,
			Description: fmt.Sprintf("Request Group '%s' on Avatar Group '%s'",
				requests.Group.Name, avatars.Group.Name),
			AvatarGroupID:  &avatars.Group.ID,
			RequestGroupID: &requests.Group.ID,
		}
	case avatars.Group != nil:
		req, err := st.GetRequest(requests.IDs[0])
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", requests.IDs[0], err)
		}
		res.Parent = &store.Session{
			IsGroup: true,
			Description: fmt.Sprintf("Request '%s' on Avatar Group '%s'",
				req.Name, avatars.Group.Name),
			AvatarGroupID: &avatars.Group.ID,
			RequestID:     &req.ID,
		}
	case requests.Group != nil:
		avatar, err := st.GetAvatar(avatars.IDs[0])
		if err != nil {
			return nil, fmt.Errorf("avatar %d: %w", avatars.IDs[0], err)
		}
		res.Parent = &store.Session{
			IsGroup: true,
			Description: fmt.Sprintf("Request Group '%s' on Avatar '%s'",
				requests.Group.Name, avatar.Name),
			RequestGroupID: &requests.Group.ID,
			AvatarID:       &avatar.ID,
		}
	}

	if res.Parent != nil {
		res.Parent.Kind = store.KindRequestSession
		res.Parent.StartTime = start
		res.Parent.EndTime = end
		res.Parent.Status = store.StatusRunning
		if err := st.InsertSession(res.Parent); err != nil {
			return nil, err
		}
	}

	for _, avatarID := range avatars.IDs {
		avatar, err := st.GetAvatar(avatarID)
		if err != nil {
			return nil, fmt.Errorf("avatar %d: %w", avatarID, err)
		}
		for _, requestID := range requests.IDs {
			req, err := st.GetRequest(requestID)
			if err != nil {
				return nil, fmt.Errorf("request %d: %w", requestID, err)
			}
			desc := fmt.Sprintf("'%s' <=> '%s'", avatar.Name, req.Name)
			if res.Parent != nil {
				desc += fmt.Sprintf(" (from Group Op #%d)", res.Parent.ID)
			}
			leaf := Leaf(res.Parent, store.KindRequestSession, desc, start, end)
			leaf.AvatarID = &avatar.ID
			leaf.RequestID = &req.ID
			if err := st.InsertSession(leaf); err != nil {
				return nil, err
			}
			res.Leaves = append(res.Leaves, leaf)
		}
	}
	return res, nil
}

// StartLink expands a start_link command: one source avatar linked to a
// destination avatar or to every member of a destination group. Pairs
// where source equals destination are skipped.
func StartLink(st *store.Store, sourceID int64, dests *Target, duration *int) (*Result, error) {
	source, err := st.GetAvatar(sourceID)
	if err != nil {
		return nil, fmt.Errorf("source avatar %d: %w", sourceID, err)
	}

	start, end := window(duration)
	res := &Result{}

	if dests.Group != nil {
		parent := &store.Session{
			IsGroup: true,
			Description: fmt.Sprintf("Link from '%s' to Avatar Group '%s'",
				source.Name, dests.Group.Name),
			AvatarID:      &source.ID,
			AvatarGroupID: &dests.Group.ID,
			Kind:          store.KindAvatarLink,
			StartTime:     start,
			EndTime:       end,
			Status:        store.StatusRunning,
		}
		if err := st.InsertSession(parent); err != nil {
			return nil, err
		}
		res.Parent = parent
	}

	for _, destID := range dests.IDs {
		if destID == sourceID {
			continue
		}
		dest, err := st.GetAvatar(destID)
		if err != nil {
			return nil, fmt.Errorf("destination avatar %d: %w", destID, err)
		}
		desc := fmt.Sprintf("Link: '%s' -> '%s'", source.Name, dest.Name)
		if res.Parent != nil {
			desc += fmt.Sprintf(" (from Group Op #%d)", res.Parent.ID)
		}
		leaf := Leaf(res.Parent, store.KindAvatarLink, desc, start, end)
		leaf.AvatarID = &source.ID
		leaf.DestinationAvatarID = &dest.ID
		if err := st.InsertSession(leaf); err != nil {
			return nil, err
		}
		res.Leaves = append(res.Leaves, leaf)
	}
	return res, nil
}

// StartGroup expands a start_group command: every member of an IC group
// applied to every member of an avatar group. Always creates a parent,
// even when both groups hold a single member.
func StartGroup(st *store.Store, avatarGroupName, icGroupName string, duration *int) (*Result, error) {
	avatarGroup, err := st.GetGroupByName(store.GroupAvatar, avatarGroupName)
	if err != nil {
		return nil, fmt.Errorf("avatar group %q: %w", avatarGroupName, err)
	}
	icGroup, err := st.GetGroupByName(store.GroupIC, icGroupName)
	if err != nil {
		return nil, fmt.Errorf("ic group %q: %w", icGroupName, err)
	}

	avatarIDs, err := st.MemberIDs(store.GroupAvatar, avatarGroup.ID)
	if err != nil {
		return nil, err
	}
	icIDs, err := st.MemberIDs(store.GroupIC, icGroup.ID)
	if err != nil {
		return nil, err
	}
	if len(avatarIDs) == 0 || len(icIDs) == 0 {
		return nil, fmt.Errorf("%w: both avatar and IC groups must be non-empty", ErrEmptyGroup)
	}

	start, end := window(duration)
	parent := &store.Session{
		IsGroup: true,
		Description: fmt.Sprintf("IC Group '%s' on Avatar Group '%s'",
			icGroup.Name, avatarGroup.Name),
		AvatarGroupID: &avatarGroup.ID,
		ICGroupID:     &icGroup.ID,
		Kind:          store.KindGroupICSession,
		StartTime:     start,
		EndTime:       end,
		Status:        store.StatusRunning,
	}
	if err := st.InsertSession(parent); err != nil {
		return nil, err
	}

	res := &Result{Parent: parent}
	for _, avatarID := range avatarIDs {
		avatar, err := st.GetAvatar(avatarID)
		if err != nil {
			return nil, fmt.Errorf("avatar %d: %w", avatarID, err)
		}
		for _, icID := range icIDs {
			ic, err := st.GetIC(icID)
			if err != nil {
				return nil, fmt.Errorf("ic %d: %w", icID, err)
			}
			desc := fmt.Sprintf("'%s' <=> '%s' (from Group Session #%d)",
				avatar.Name, ic.Name, parent.ID)
			leaf := Leaf(parent, store.KindICSession, desc, start, end)
			leaf.AvatarID = &avatar.ID
			leaf.ICID = &ic.ID
			if err := st.InsertSession(leaf); err != nil {
				return nil, err
			}
			res.Leaves = append(res.Leaves, leaf)
		}
	}
	return res, nil
}
