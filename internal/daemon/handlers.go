package daemon

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/roelfdiedericks/healerd/internal/expand"
	. "github.com/roelfdiedericks/healerd/internal/logging"
	"github.com/roelfdiedericks/healerd/internal/store"
)

// groupKindOf maps a protocol group_type to the store kind
func groupKindOf(s string) (store.GroupKind, bool) {
	switch s {
	case "avatar":
		return store.GroupAvatar, true
	case "ic":
		return store.GroupIC, true
	case "request":
		return store.GroupRequest, true
	}
	return "", false
}

// memberLabel is the protocol's human name for a group member kind
func memberLabel(kind store.GroupKind) string {
	switch kind {
	case store.GroupAvatar:
		return "Avatar"
	case store.GroupIC:
		return "IC"
	case store.GroupRequest:
		return "Request"
	}
	return string(kind)
}

// spawnLeaves spawns a worker per leaf. Spawn failures mark the session
// FAILED inside the supervisor and do not abort the remaining leaves.
func (d *Daemon) spawnLeaves(leaves []*store.Session) {
	for _, leaf := range leaves {
		if err := d.sup.Spawn(leaf); err != nil {
			L_error("daemon: spawn failed", "session", leaf.ID, "error", err)
		}
	}
}

// --- start commands ---

func (d *Daemon) handleStartIC(raw json.RawMessage) Reply {
	var data struct {
		AvatarID    *int64 `json:"avatar_id"`
		AvatarGroup string `json:"avatar_group"`
		ICID        *int64 `json:"ic_id"`
		Duration    *int   `json:"duration"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	if data.ICID == nil {
		return failure("no ic_id specified")
	}

	avatars, err := expand.ResolveAvatars(d.st, data.AvatarID, data.AvatarGroup)
	if err != nil {
		return failErr(err)
	}
	res, err := expand.StartIC(d.st, avatars, *data.ICID, data.Duration)
	if err != nil {
		return failErr(err)
	}
	d.spawnLeaves(res.Leaves)
	return success("Started %d session(s).", len(res.Leaves))
}

func (d *Daemon) handleStartRequest(raw json.RawMessage) Reply {
	var data struct {
		AvatarID     *int64 `json:"avatar_id"`
		AvatarGroup  string `json:"avatar_group"`
		RequestID    *int64 `json:"request_id"`
		RequestGroup string `json:"request_group"`
		Duration     *int   `json:"duration"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	avatars, err := expand.ResolveAvatars(d.st, data.AvatarID, data.AvatarGroup)
	if err != nil {
		return failErr(err)
	}
	requests, err := expand.ResolveRequests(d.st, data.RequestID, data.RequestGroup)
	if err != nil {
		return failErr(err)
	}
	res, err := expand.StartRequest(d.st, avatars, requests, data.Duration)
	if err != nil {
		return failErr(err)
	}
	d.spawnLeaves(res.Leaves)
	return success("Started %d request session(s).", len(res.Leaves))
}

func (d *Daemon) handleStartLink(raw json.RawMessage) Reply {
	var data struct {
		SourceID  *int64 `json:"source_id"`
		DestID    *int64 `json:"dest_id"`
		DestGroup string `json:"dest_group"`
		Duration  *int   `json:"duration"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	if data.SourceID == nil {
		return failure("no source_id specified")
	}

	dests, err := expand.ResolveAvatars(d.st, data.DestID, data.DestGroup)
	if err != nil {
		return failErr(err)
	}
	res, err := expand.StartLink(d.st, *data.SourceID, dests, data.Duration)
	if err != nil {
		return failErr(err)
	}
	d.spawnLeaves(res.Leaves)
	return success("Started %d link session(s).", len(res.Leaves))
}

func (d *Daemon) handleStartGroup(raw json.RawMessage) Reply {
	var data struct {
		AvatarGroup string `json:"avatar_group"`
		ICGroup     string `json:"ic_group"`
		Duration    *int   `json:"duration"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	res, err := expand.StartGroup(d.st, data.AvatarGroup, data.ICGroup, data.Duration)
	if err != nil {
		return failErr(err)
	}
	d.spawnLeaves(res.Leaves)
	return success("Started group session %d with %d workers.", res.Parent.ID, len(res.Leaves))
}

// --- session lifecycle ---

func (d *Daemon) handleStopSession(raw json.RawMessage) Reply {
	var data struct {
		SessionID int64 `json:"session_id"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	sess, err := d.st.GetSession(data.SessionID)
	if err == store.ErrNotFound {
		return failure("Session %d not found.", data.SessionID)
	}
	if err != nil {
		return failErr(err)
	}
	if sess.Status.Terminal() {
		return success("Session %d already %s.", sess.ID, sess.Status)
	}

	toStop := []*store.Session{sess}
	if sess.IsGroup {
		children, err := d.st.ChildSessions(sess.ID)
		if err != nil {
			return failErr(err)
		}
		toStop = append(toStop, children...)
	}

	stopped := 0
	for _, s := range toStop {
		if s.Status != store.StatusRunning {
			continue
		}
		ok, err := d.sup.Stop(s.ID)
		if err != nil {
			return failErr(err)
		}
		if ok {
			stopped++
		}
	}

	// A SCHEDULED session has no worker of its own; record the stop
	// directly.
	if sess.Status != store.StatusRunning {
		if err := d.st.SetSessionStatus(sess.ID, store.StatusStopped); err != nil {
			return failErr(err)
		}
	}
	return success("Stopped %d session(s).", stopped)
}

func (d *Daemon) handleUpdateEntity(raw json.RawMessage) Reply {
	var data struct {
		EntityType   string  `json:"entity_type"`
		ID           int64   `json:"id"`
		Name         *string `json:"name"`
		PhotoDataB64 *string `json:"photo_data_b64"`
		InfoData     *string `json:"info_data"`
		RequestData  *string `json:"request_data"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	var affected []*store.Session
	switch data.EntityType {
	case "avatar":
		var photo []byte
		if data.PhotoDataB64 != nil {
			decoded, err := base64.StdEncoding.DecodeString(*data.PhotoDataB64)
			if err != nil {
				return failure("invalid photo data: %v", err)
			}
			photo = decoded
		}
		if _, err := d.st.UpdateAvatar(data.ID, data.Name, photo, data.InfoData); err != nil {
			return failErr(err)
		}
		d.cache.EvictAvatar(data.ID)
		sessions, err := d.st.RunningSessionsOnAvatar(data.ID)
		if err != nil {
			return failErr(err)
		}
		affected = sessions
	case "request":
		if _, err := d.st.UpdateRequest(data.ID, data.Name, data.RequestData); err != nil {
			return failErr(err)
		}
		d.cache.EvictRequest(data.ID)
		sessions, err := d.st.RunningSessionsOnRequest(data.ID)
		if err != nil {
			return failErr(err)
		}
		affected = sessions
	default:
		return failure("Entity type '%s' not supported for updates.", data.EntityType)
	}

	// Restart each affected worker so it picks up the new payload. The
	// session row is reused: RUNNING -> STOPPED -> RUNNING with a new pid.
	restarted := 0
	for _, sess := range affected {
		ok, err := d.sup.Stop(sess.ID)
		if err != nil {
			return failErr(err)
		}
		if !ok {
			continue
		}
		if err := d.sup.Spawn(sess); err != nil {
			L_error("daemon: respawn after update failed", "session", sess.ID, "error", err)
			continue
		}
		restarted++
	}
	return success("Entity updated. Restarted %d active session(s).", restarted)
}

func (d *Daemon) handleRemoveEntity(raw json.RawMessage) Reply {
	var data struct {
		EntityType string `json:"entity_type"`
		ID         int64  `json:"id"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	var running []*store.Session
	var remove func() error
	switch data.EntityType {
	case "avatar":
		if _, err := d.st.GetAvatar(data.ID); err == store.ErrNotFound {
			return success("%s %d already deleted.", data.EntityType, data.ID)
		} else if err != nil {
			return failErr(err)
		}
		sessions, err := d.st.RunningSessionsOnAvatar(data.ID)
		if err != nil {
			return failErr(err)
		}
		running = sessions
		remove = func() error { return d.st.RemoveAvatar(data.ID) }
		defer d.cache.EvictAvatar(data.ID)
	case "ic":
		if _, err := d.st.GetIC(data.ID); err == store.ErrNotFound {
			return success("%s %d already deleted.", data.EntityType, data.ID)
		} else if err != nil {
			return failErr(err)
		}
		sessions, err := d.st.RunningSessionsOnIC(data.ID)
		if err != nil {
			return failErr(err)
		}
		running = sessions
		remove = func() error { return d.st.RemoveIC(data.ID) }
		defer d.cache.EvictIC(data.ID)
	case "request":
		if _, err := d.st.GetRequest(data.ID); err == store.ErrNotFound {
			return success("%s %d already deleted.", data.EntityType, data.ID)
		} else if err != nil {
			return failErr(err)
		}
		sessions, err := d.st.RunningSessionsOnRequest(data.ID)
		if err != nil {
			return failErr(err)
		}
		running = sessions
		remove = func() error { return d.st.RemoveRequest(data.ID) }
		defer d.cache.EvictRequest(data.ID)
	default:
		return failure("Removal for this entity type not implemented.")
	}

	stopped := 0
	for _, sess := range running {
		ok, err := d.sup.Stop(sess.ID)
		if err != nil {
			return failErr(err)
		}
		if ok {
			stopped++
		}
	}
	if err := remove(); err != nil {
		return failErr(err)
	}
	return success("Stopped %d session(s) and removed %s %d.", stopped, data.EntityType, data.ID)
}

// --- group membership ---

func (d *Daemon) handleAddMemberToGroup(raw json.RawMessage) Reply {
	var data struct {
		GroupType string `json:"group_type"`
		GroupName string `json:"group_name"`
		MemberID  int64  `json:"member_id"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	kind, ok := groupKindOf(data.GroupType)
	if !ok {
		return failure("Unknown group type '%s'", data.GroupType)
	}
	label := memberLabel(kind)

	group, err := d.st.GetGroupByName(kind, data.GroupName)
	if err == store.ErrNotFound {
		return failure("%s group '%s' not found.", label, data.GroupName)
	}
	if err != nil {
		return failErr(err)
	}
	if exists, err := d.st.EntityExists(kind, data.MemberID); err != nil {
		return failErr(err)
	} else if !exists {
		return failure("%s %d not found.", label, data.MemberID)
	}

	added, err := d.st.AddMember(kind, group.ID, data.MemberID)
	if err != nil {
		return failErr(err)
	}
	if !added {
		return success("%s %d is already in group '%s'.", label, data.MemberID, data.GroupName)
	}

	switch kind {
	case store.GroupAvatar:
		started, err := d.expandForNewAvatar(group.ID, data.MemberID)
		if err != nil {
			return failErr(err)
		}
		return success("Added Avatar %d to group '%s'. Started %d new live session(s).",
			data.MemberID, data.GroupName, started)
	case store.GroupIC:
		started, err := d.expandForNewIC(group.ID, data.MemberID)
		if err != nil {
			return failErr(err)
		}
		return success("Added IC %d to group '%s'. Started %d new live session(s).",
			data.MemberID, data.GroupName, started)
	default:
		// Request groups never expand retroactively.
		return success("Added Request %d to group '%s'. No new sessions started.",
			data.MemberID, data.GroupName)
	}
}

// expandForNewAvatar extends every RUNNING parent bound to the avatar
// group with leaves for the new member.
func (d *Daemon) expandForNewAvatar(groupID, avatarID int64) (int, error) {
	avatar, err := d.st.GetAvatar(avatarID)
	if err != nil {
		return 0, err
	}
	parents, err := d.st.RunningParentsByGroup(store.GroupAvatar, groupID)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, parent := range parents {
		switch {
		case parent.Kind == store.KindGroupICSession && parent.ICGroupID != nil:
			icIDs, err := d.st.MemberIDs(store.GroupIC, *parent.ICGroupID)
			if err != nil {
				return started, err
			}
			for _, icID := range icIDs {
				ic, err := d.st.GetIC(icID)
				if err != nil {
					return started, err
				}
				desc := fmt.Sprintf("'%s' <=> '%s' (from Group Session #%d)",
					avatar.Name, ic.Name, parent.ID)
				leaf := expand.Leaf(parent, store.KindICSession, desc, parent.StartTime, parent.EndTime)
				leaf.AvatarID = &avatar.ID
				leaf.ICID = &ic.ID
				if err := d.insertAndSpawn(leaf); err != nil {
					return started, err
				}
				started++
			}

		case parent.Kind == store.KindICSession && parent.ICID != nil:
			ic, err := d.st.GetIC(*parent.ICID)
			if err != nil {
				return started, err
			}
			desc := fmt.Sprintf("'%s' <=> '%s' (from Group Op #%d)", avatar.Name, ic.Name, parent.ID)
			leaf := expand.Leaf(parent, store.KindICSession, desc, parent.StartTime, parent.EndTime)
			leaf.AvatarID = &avatar.ID
			leaf.ICID = parent.ICID
			if err := d.insertAndSpawn(leaf); err != nil {
				return started, err
			}
			started++

		case parent.Kind == store.KindRequestSession && parent.RequestID != nil:
			req, err := d.st.GetRequest(*parent.RequestID)
			if err != nil {
				return started, err
			}
			desc := fmt.Sprintf("'%s' <=> '%s' (from Group Op #%d)", avatar.Name, req.Name, parent.ID)
			leaf := expand.Leaf(parent, store.KindRequestSession, desc, parent.StartTime, parent.EndTime)
			leaf.AvatarID = &avatar.ID
			leaf.RequestID = parent.RequestID
			if err := d.insertAndSpawn(leaf); err != nil {
				return started, err
			}
			started++

		case parent.Kind == store.KindAvatarLink && parent.AvatarID != nil:
			source, err := d.st.GetAvatar(*parent.AvatarID)
			if err != nil {
				return started, err
			}
			if source.ID == avatar.ID {
				continue
			}
			desc := fmt.Sprintf("Link: '%s' -> '%s' (from Group Op #%d)",
				source.Name, avatar.Name, parent.ID)
			leaf := expand.Leaf(parent, store.KindAvatarLink, desc, parent.StartTime, parent.EndTime)
			leaf.AvatarID = parent.AvatarID
			leaf.DestinationAvatarID = &avatar.ID
			if err := d.insertAndSpawn(leaf); err != nil {
				return started, err
			}
			started++

		default:
			L_debug("daemon: no expansion for parent", "session", parent.ID, "type", parent.Kind)
		}
	}
	return started, nil
}

// expandForNewIC extends every RUNNING group-to-group parent bound to the
// IC group: one new leaf per current avatar member.
func (d *Daemon) expandForNewIC(groupID, icID int64) (int, error) {
	ic, err := d.st.GetIC(icID)
	if err != nil {
		return 0, err
	}
	parents, err := d.st.RunningParentsByGroup(store.GroupIC, groupID)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, parent := range parents {
		if parent.Kind != store.KindGroupICSession || parent.AvatarGroupID == nil {
			continue
		}
		avatarIDs, err := d.st.MemberIDs(store.GroupAvatar, *parent.AvatarGroupID)
		if err != nil {
			return started, err
		}
		for _, avatarID := range avatarIDs {
			avatar, err := d.st.GetAvatar(avatarID)
			if err != nil {
				return started, err
			}
			desc := fmt.Sprintf("'%s' <=> '%s' (from Group Session #%d)",
				avatar.Name, ic.Name, parent.ID)
			leaf := expand.Leaf(parent, store.KindICSession, desc, parent.StartTime, parent.EndTime)
			leaf.AvatarID = &avatar.ID
			leaf.ICID = &ic.ID
			if err := d.insertAndSpawn(leaf); err != nil {
				return started, err
			}
			started++
		}
	}
	return started, nil
}

func (d *Daemon) insertAndSpawn(leaf *store.Session) error {
	if err := d.st.InsertSession(leaf); err != nil {
		return err
	}
	if err := d.sup.Spawn(leaf); err != nil {
		L_error("daemon: spawn failed", "session", leaf.ID, "error", err)
	}
	return nil
}

func (d *Daemon) handleRemoveMemberFromGroup(raw json.RawMessage) Reply {
	var data struct {
		GroupType string `json:"group_type"`
		GroupName string `json:"group_name"`
		MemberID  int64  `json:"member_id"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	kind, ok := groupKindOf(data.GroupType)
	if !ok {
		return failure("Unknown group type '%s'", data.GroupType)
	}
	label := memberLabel(kind)

	group, err := d.st.GetGroupByName(kind, data.GroupName)
	if err == store.ErrNotFound {
		return failure("%s group '%s' not found.", label, data.GroupName)
	}
	if err != nil {
		return failErr(err)
	}
	if exists, err := d.st.MemberExists(kind, group.ID, data.MemberID); err != nil {
		return failErr(err)
	} else if !exists {
		return success("%s %d was not in group '%s'.", label, data.MemberID, data.GroupName)
	}

	// Stop every live leaf the departing member owns under this group's
	// running parents, then drop the membership row.
	leaves, err := d.st.RunningLeavesByGroupMember(kind, group.ID, data.MemberID)
	if err != nil {
		return failErr(err)
	}
	stopped := 0
	for _, leaf := range leaves {
		ok, err := d.sup.Stop(leaf.ID)
		if err != nil {
			return failErr(err)
		}
		if ok {
			stopped++
		}
	}

	if _, err := d.st.RemoveMember(kind, group.ID, data.MemberID); err != nil {
		return failErr(err)
	}
	return success("Removed %s %d from group '%s'. Stopped %d live session(s).",
		label, data.MemberID, data.GroupName, stopped)
}

func (d *Daemon) handleRemoveGroup(raw json.RawMessage) Reply {
	var data struct {
		GroupType string `json:"group_type"`
		GroupName string `json:"group_name"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	kind, ok := groupKindOf(data.GroupType)
	if !ok {
		return failure("Unknown group type '%s'", data.GroupType)
	}

	group, err := d.st.GetGroupByName(kind, data.GroupName)
	if err == store.ErrNotFound {
		return success("Group '%s' not found or already deleted.", data.GroupName)
	}
	if err != nil {
		return failErr(err)
	}

	// Stop the live leaves of every running parent bound to this group,
	// and the parents themselves, before the delete.
	parents, err := d.st.RunningParentsByGroup(kind, group.ID)
	if err != nil {
		return failErr(err)
	}
	for _, parent := range parents {
		children, err := d.st.RunningChildrenOfParents([]int64{parent.ID})
		if err != nil {
			return failErr(err)
		}
		for _, child := range children {
			if _, err := d.sup.Stop(child.ID); err != nil {
				return failErr(err)
			}
		}
		if _, err := d.sup.Stop(parent.ID); err != nil {
			return failErr(err)
		}
	}

	if err := d.st.RemoveGroup(kind, group.ID); err != nil {
		return failErr(err)
	}
	return success("Group '%s' and all its memberships have been deleted.", data.GroupName)
}

// --- failure management ---

func (d *Daemon) handleFailSessionsOnTarget(raw json.RawMessage) Reply {
	var data struct {
		AvatarID    *int64 `json:"avatar_id"`
		AvatarGroup string `json:"avatar_group"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	identifier := ""
	toFail := make(map[int64]bool)

	if data.AvatarGroup != "" {
		identifier = fmt.Sprintf("group '%s'", data.AvatarGroup)
		group, err := d.st.GetGroupByName(store.GroupAvatar, data.AvatarGroup)
		if err == store.ErrNotFound {
			return failure("Avatar group '%s' not found.", data.AvatarGroup)
		}
		if err != nil {
			return failErr(err)
		}

		parents, err := d.st.ParentsByAvatarGroup(group.ID)
		if err != nil {
			return failErr(err)
		}
		parentIDs := make([]int64, 0, len(parents))
		for _, p := range parents {
			parentIDs = append(parentIDs, p.ID)
		}
		children, err := d.st.RunningChildrenOfParents(parentIDs)
		if err != nil {
			return failErr(err)
		}
		for _, c := range children {
			toFail[c.ID] = true
		}

		// The parent rows for this group go FAILED too (terminal parents
		// stay as they are).
		for _, p := range parents {
			if p.Status.Terminal() {
				continue
			}
			if p.Status == store.StatusRunning {
				toFail[p.ID] = true
				continue
			}
			if err := d.st.SetSessionStatus(p.ID, store.StatusFailed); err != nil {
				return failErr(err)
			}
		}
	}

	if data.AvatarID != nil {
		identifier = fmt.Sprintf("avatar ID %d", *data.AvatarID)
		direct, err := d.st.RunningSessionsOnAvatar(*data.AvatarID)
		if err != nil {
			return failErr(err)
		}
		for _, s := range direct {
			toFail[s.ID] = true
		}
	}

	if identifier == "" {
		return failure("no avatar_id or avatar_group specified")
	}
	if len(toFail) == 0 {
		return success("No running sessions found for %s.", identifier)
	}

	failed := 0
	for id := range toFail {
		ok, err := d.sup.Fail(id)
		if err != nil {
			return failErr(err)
		}
		if ok {
			failed++
		}
	}
	return success("Set %d running session(s) for %s to FAILED.", failed, identifier)
}

func (d *Daemon) handleFailAllRunning(raw json.RawMessage) Reply {
	running, err := d.st.SessionsByStatus(store.StatusRunning)
	if err != nil {
		return failErr(err)
	}
	if len(running) == 0 {
		return success("No running sessions to fail.")
	}

	failed := 0
	for _, sess := range running {
		ok, err := d.sup.Fail(sess.ID)
		if err != nil {
			return failErr(err)
		}
		if ok {
			failed++
		}
	}
	return success("Successfully failed %d running session(s).", failed)
}

func (d *Daemon) handleRedoFailed(raw json.RawMessage) Reply {
	failedSessions, err := d.st.SessionsByStatus(store.StatusFailed)
	if err != nil {
		return failErr(err)
	}
	if len(failedSessions) == 0 {
		return success("No failed sessions found to restart.")
	}

	restarted := 0
	for _, old := range failedSessions {
		// Parent rows are bookkeeping; their children are the restart
		// unit.
		if old.IsGroup {
			if err := d.st.SetSessionStatus(old.ID, store.StatusRestarted); err != nil {
				return failErr(err)
			}
			continue
		}

		fresh := &store.Session{
			ParentID:            old.ParentID,
			Description:         "[REDO] " + old.Description,
			AvatarID:            old.AvatarID,
			ICID:                old.ICID,
			RequestID:           old.RequestID,
			DestinationAvatarID: old.DestinationAvatarID,
			AvatarGroupID:       old.AvatarGroupID,
			ICGroupID:           old.ICGroupID,
			RequestGroupID:      old.RequestGroupID,
			Kind:                old.Kind,
			StartTime:           time.Now().UTC(),
			EndTime:             old.EndTime,
			Status:              store.StatusScheduled,
		}
		if err := d.st.InsertSession(fresh); err != nil {
			return failErr(err)
		}
		if err := d.sup.Spawn(fresh); err != nil {
			L_error("daemon: redo spawn failed", "session", fresh.ID, "error", err)
		}
		if err := d.st.SetSessionStatus(old.ID, store.StatusRestarted); err != nil {
			return failErr(err)
		}
		restarted++
	}
	return success("Successfully restarted %d failed session(s).", restarted)
}

// --- queries ---

func (d *Daemon) handleViewRunningOn(raw json.RawMessage) Reply {
	var data struct {
		AvatarIdentifier string `json:"avatar_identifier"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	// Drop stale handles so the status view matches reality.
	d.sup.Reap()

	var avatar *store.Avatar
	var err error
	if id, convErr := strconv.ParseInt(data.AvatarIdentifier, 10, 64); convErr == nil {
		avatar, err = d.st.GetAvatar(id)
	} else {
		avatar, err = d.st.GetAvatarByName(data.AvatarIdentifier)
	}
	if err == store.ErrNotFound {
		return failure("Avatar '%s' not found.", data.AvatarIdentifier)
	}
	if err != nil {
		return failErr(err)
	}

	groupIDs, err := d.st.GroupsContainingAvatar(avatar.ID)
	if err != nil {
		return failErr(err)
	}
	sessions, err := d.st.RunningLeavesOnAvatar(avatar.ID, groupIDs)
	if err != nil {
		return failErr(err)
	}

	rows := make([]Reply, 0, len(sessions))
	for _, sess := range sessions {
		target := sess.Description
		if sess.ParentID != nil {
			parent, err := d.st.GetSession(*sess.ParentID)
			if err == nil && parent.IsGroup {
				target = fmt.Sprintf("Part of Group Session #%d: %s", parent.ID, parent.Description)
			}
		}
		rows = append(rows, Reply{
			"session_id":       sess.ID,
			"type":             string(sess.Kind),
			"target":           target,
			"duration_minutes": sess.DurationMinutes(),
		})
	}

	return Reply{
		"status":      "success",
		"message":     fmt.Sprintf("%d running session(s).", len(rows)),
		"avatar_name": avatar.Name,
		"avatar_id":   avatar.ID,
		"data":        rows,
	}
}

func (d *Daemon) handleListSessions(raw json.RawMessage) Reply {
	var data struct {
		Limit int `json:"limit"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	if data.Limit <= 0 {
		data.Limit = 20
	}

	d.sup.Reap()

	sessions, err := d.st.ListSessions(data.Limit)
	if err != nil {
		return failErr(err)
	}
	rows := make([]Reply, 0, len(sessions))
	for _, sess := range sessions {
		row := Reply{
			"session_id":  sess.ID,
			"type":        string(sess.Kind),
			"status":      string(sess.Status),
			"is_group":    sess.IsGroup,
			"description": sess.Description,
			"start_time":  sess.StartTime.Format(time.RFC3339),
		}
		if sess.EndTime != nil {
			row["end_time"] = sess.EndTime.Format(time.RFC3339)
		}
		if sess.ParentID != nil {
			row["parent_id"] = *sess.ParentID
		}
		rows = append(rows, row)
	}
	return Reply{"status": "success", "message": fmt.Sprintf("%d session(s).", len(rows)), "data": rows}
}

// --- entity catalog ---

func (d *Daemon) handleCreateEntity(raw json.RawMessage) Reply {
	var data struct {
		EntityType   string `json:"entity_type"`
		Name         string `json:"name"`
		PhotoDataB64 string `json:"photo_data_b64"`
		InfoData     string `json:"info_data"`
		WavDataB64   string `json:"wav_data_b64"`
		RequestData  string `json:"request_data"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	if data.Name == "" {
		return failure("no name specified")
	}

	switch data.EntityType {
	case "avatar":
		photo, err := base64.StdEncoding.DecodeString(data.PhotoDataB64)
		if err != nil {
			return failure("invalid photo data: %v", err)
		}
		avatar, err := d.st.CreateAvatar(data.Name, photo, data.InfoData)
		if err != nil {
			return failErr(err)
		}
		return Reply{"status": "success", "message": fmt.Sprintf("Avatar '%s' created.", avatar.Name), "id": avatar.ID}
	case "ic":
		wav, err := base64.StdEncoding.DecodeString(data.WavDataB64)
		if err != nil {
			return failure("invalid wav data: %v", err)
		}
		ic, err := d.st.CreateIC(data.Name, wav)
		if err != nil {
			return failErr(err)
		}
		return Reply{"status": "success", "message": fmt.Sprintf("IC '%s' created.", ic.Name), "id": ic.ID}
	case "request":
		req, err := d.st.CreateRequest(data.Name, data.RequestData)
		if err != nil {
			return failErr(err)
		}
		return Reply{"status": "success", "message": fmt.Sprintf("Request '%s' created.", req.Name), "id": req.ID}
	default:
		return failure("Unknown entity type '%s'", data.EntityType)
	}
}

func (d *Daemon) handleGetEntity(raw json.RawMessage) Reply {
	var data struct {
		EntityType string `json:"entity_type"`
		ID         int64  `json:"id"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	switch data.EntityType {
	case "avatar":
		avatar, err := d.st.GetAvatar(data.ID)
		if err == store.ErrNotFound {
			return failure("Avatar %d not found.", data.ID)
		}
		if err != nil {
			return failErr(err)
		}
		return Reply{"status": "success", "message": avatar.Name, "id": avatar.ID,
			"name": avatar.Name, "info_data": avatar.InfoData, "photo_bytes": len(avatar.PhotoData),
			"created_at": avatar.CreatedAt.Format(time.RFC3339)}
	case "ic":
		ic, err := d.st.GetIC(data.ID)
		if err == store.ErrNotFound {
			return failure("IC %d not found.", data.ID)
		}
		if err != nil {
			return failErr(err)
		}
		return Reply{"status": "success", "message": ic.Name, "id": ic.ID,
			"name": ic.Name, "wav_bytes": len(ic.WavData),
			"created_at": ic.CreatedAt.Format(time.RFC3339)}
	case "request":
		req, err := d.st.GetRequest(data.ID)
		if err == store.ErrNotFound {
			return failure("Request %d not found.", data.ID)
		}
		if err != nil {
			return failErr(err)
		}
		return Reply{"status": "success", "message": req.Name, "id": req.ID,
			"name": req.Name, "request_data": req.RequestData,
			"created_at": req.CreatedAt.Format(time.RFC3339)}
	default:
		return failure("Unknown entity type '%s'", data.EntityType)
	}
}

func (d *Daemon) handleListEntities(raw json.RawMessage) Reply {
	var data struct {
		EntityType string `json:"entity_type"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}

	rows := []Reply{}
	switch data.EntityType {
	case "avatar":
		avatars, err := d.st.ListAvatars()
		if err != nil {
			return failErr(err)
		}
		for _, a := range avatars {
			rows = append(rows, Reply{"id": a.ID, "name": a.Name, "info_data": a.InfoData})
		}
	case "ic":
		ics, err := d.st.ListICs()
		if err != nil {
			return failErr(err)
		}
		for _, ic := range ics {
			rows = append(rows, Reply{"id": ic.ID, "name": ic.Name})
		}
	case "request":
		requests, err := d.st.ListRequests()
		if err != nil {
			return failErr(err)
		}
		for _, r := range requests {
			rows = append(rows, Reply{"id": r.ID, "name": r.Name, "request_data": r.RequestData})
		}
	default:
		return failure("Unknown entity type '%s'", data.EntityType)
	}
	return Reply{"status": "success", "message": fmt.Sprintf("%d %s(s).", len(rows), data.EntityType), "data": rows}
}

func (d *Daemon) handleCreateGroup(raw json.RawMessage) Reply {
	var data struct {
		GroupType string `json:"group_type"`
		Name      string `json:"name"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	kind, ok := groupKindOf(data.GroupType)
	if !ok {
		return failure("Unknown group type '%s'", data.GroupType)
	}
	if data.Name == "" {
		return failure("no name specified")
	}

	group, err := d.st.CreateGroup(kind, data.Name)
	if err != nil {
		return failErr(err)
	}
	return Reply{"status": "success",
		"message": fmt.Sprintf("%s group '%s' created.", memberLabel(kind), group.Name),
		"id":      group.ID}
}

func (d *Daemon) handleListGroups(raw json.RawMessage) Reply {
	var data struct {
		GroupType string `json:"group_type"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	kind, ok := groupKindOf(data.GroupType)
	if !ok {
		return failure("Unknown group type '%s'", data.GroupType)
	}

	groups, err := d.st.ListGroups(kind)
	if err != nil {
		return failErr(err)
	}
	rows := make([]Reply, 0, len(groups))
	for _, g := range groups {
		members, err := d.st.MemberIDs(kind, g.ID)
		if err != nil {
			return failErr(err)
		}
		rows = append(rows, Reply{"id": g.ID, "name": g.Name, "member_count": len(members)})
	}
	return Reply{"status": "success", "message": fmt.Sprintf("%d group(s).", len(rows)), "data": rows}
}

func (d *Daemon) handleShowGroup(raw json.RawMessage) Reply {
	var data struct {
		GroupType string `json:"group_type"`
		GroupName string `json:"group_name"`
	}
	if err := decodeData(raw, &data); err != nil {
		return failErr(err)
	}
	kind, ok := groupKindOf(data.GroupType)
	if !ok {
		return failure("Unknown group type '%s'", data.GroupType)
	}

	group, err := d.st.GetGroupByName(kind, data.GroupName)
	if err == store.ErrNotFound {
		return failure("%s group '%s' not found.", memberLabel(kind), data.GroupName)
	}
	if err != nil {
		return failErr(err)
	}
	members, err := d.st.MemberIDs(kind, group.ID)
	if err != nil {
		return failErr(err)
	}
	return Reply{"status": "success",
		"message": fmt.Sprintf("Group '%s' has %d member(s).", group.Name, len(members)),
		"id":      group.ID, "name": group.Name, "members": members}
}
