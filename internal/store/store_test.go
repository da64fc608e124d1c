package store

import (
	"errors"
	"os"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "healerd_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	st, err := Open(dbPath)
	if err != nil {
		os.Remove(dbPath)
		t.Fatalf("failed to open store: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.Remove(dbPath)
	}
	return st, cleanup
}

func TestCreateAndGetAvatar(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	avatar, err := st.CreateAvatar("alice", []byte{0x01, 0x02}, "likes tea")
	if err != nil {
		t.Fatalf("CreateAvatar failed: %v", err)
	}
	if avatar.ID == 0 {
		t.Error("expected ID to be set")
	}

	got, err := st.GetAvatar(avatar.ID)
	if err != nil {
		t.Fatalf("GetAvatar failed: %v", err)
	}
	if got.Name != "alice" {
		t.Errorf("name mismatch: got %q, want %q", got.Name, "alice")
	}
	if string(got.PhotoData) != string([]byte{0x01, 0x02}) {
		t.Errorf("photo mismatch: got %v", got.PhotoData)
	}
	if got.InfoData != "likes tea" {
		t.Errorf("info mismatch: got %q", got.InfoData)
	}

	byName, err := st.GetAvatarByName("alice")
	if err != nil {
		t.Fatalf("GetAvatarByName failed: %v", err)
	}
	if byName.ID != avatar.ID {
		t.Errorf("id mismatch: got %d, want %d", byName.ID, avatar.ID)
	}
}

func TestAvatarNameUnique(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := st.CreateAvatar("alice", []byte{1}, "a"); err != nil {
		t.Fatalf("CreateAvatar failed: %v", err)
	}
	_, err := st.CreateAvatar("alice", []byte{2}, "b")
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("expected ErrNameTaken, got %v", err)
	}
}

func TestUpdateAvatarPartial(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	avatar, err := st.CreateAvatar("alice", []byte{1}, "old info")
	if err != nil {
		t.Fatalf("CreateAvatar failed: %v", err)
	}

	info := "new info"
	updated, err := st.UpdateAvatar(avatar.ID, nil, nil, &info)
	if err != nil {
		t.Fatalf("UpdateAvatar failed: %v", err)
	}
	if updated.InfoData != "new info" {
		t.Errorf("info not updated: got %q", updated.InfoData)
	}
	if updated.Name != "alice" {
		t.Errorf("name should be untouched: got %q", updated.Name)
	}
	if string(updated.PhotoData) != string([]byte{1}) {
		t.Errorf("photo should be untouched: got %v", updated.PhotoData)
	}
}

func TestGetAvatarNotFound(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := st.GetAvatar(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGroupMembershipIdempotence(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	avatar, _ := st.CreateAvatar("alice", []byte{1}, "a")
	group, err := st.CreateGroup(GroupAvatar, "team")
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	added, err := st.AddMember(GroupAvatar, group.ID, avatar.ID)
	if err != nil {
		t.Fatalf("AddMember failed: %v", err)
	}
	if !added {
		t.Error("first add should insert")
	}

	added, err = st.AddMember(GroupAvatar, group.ID, avatar.ID)
	if err != nil {
		t.Fatalf("duplicate AddMember failed: %v", err)
	}
	if added {
		t.Error("duplicate add should be a no-op")
	}

	removed, err := st.RemoveMember(GroupAvatar, group.ID, avatar.ID)
	if err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	if !removed {
		t.Error("remove should delete the row")
	}

	removed, err = st.RemoveMember(GroupAvatar, group.ID, avatar.ID)
	if err != nil {
		t.Fatalf("absent RemoveMember failed: %v", err)
	}
	if removed {
		t.Error("removing an absent member should be a no-op")
	}
}

func TestRemoveGroupCascadesMemberships(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	ic, _ := st.CreateIC("wave", []byte{9})
	group, _ := st.CreateGroup(GroupIC, "sounds")
	st.AddMember(GroupIC, group.ID, ic.ID)

	if err := st.RemoveGroup(GroupIC, group.ID); err != nil {
		t.Fatalf("RemoveGroup failed: %v", err)
	}
	if _, err := st.GetGroupByName(GroupIC, "sounds"); !errors.Is(err, ErrNotFound) {
		t.Errorf("group should be gone, got %v", err)
	}

	var count int
	if err := st.db.QueryRow(`SELECT COUNT(*) FROM ic_group_members`).Scan(&count); err != nil {
		t.Fatalf("count memberships: %v", err)
	}
	if count != 0 {
		t.Errorf("memberships should cascade: got %d rows", count)
	}
}

func insertLeaf(t *testing.T, st *Store, avatarID, icID int64, status SessionStatus, parentID *int64) *Session {
	t.Helper()
	sess := &Session{
		ParentID:  parentID,
		AvatarID:  &avatarID,
		ICID:      &icID,
		Kind:      KindICSession,
		StartTime: time.Now().UTC(),
		Status:    status,
	}
	if err := st.InsertSession(sess); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	return sess
}

func TestSessionStatusTransitions(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	avatar, _ := st.CreateAvatar("alice", []byte{1}, "a")
	ic, _ := st.CreateIC("wave", []byte{9})
	sess := insertLeaf(t, st, avatar.ID, ic.ID, StatusScheduled, nil)

	if err := st.SetSessionRunning(sess.ID, 4242); err != nil {
		t.Fatalf("SetSessionRunning failed: %v", err)
	}
	got, _ := st.GetSession(sess.ID)
	if got.Status != StatusRunning {
		t.Errorf("status: got %s, want running", got.Status)
	}
	if got.WorkerPID == nil || *got.WorkerPID != 4242 {
		t.Errorf("worker pid: got %v, want 4242", got.WorkerPID)
	}

	if err := st.SetSessionStatus(sess.ID, StatusStopped); err != nil {
		t.Fatalf("SetSessionStatus failed: %v", err)
	}
	got, _ = st.GetSession(sess.ID)
	if got.Status != StatusStopped {
		t.Errorf("status: got %s, want stopped", got.Status)
	}
	if got.WorkerPID != nil {
		t.Errorf("worker pid should be cleared, got %v", *got.WorkerPID)
	}
}

func TestMarkRunningFailed(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	avatar, _ := st.CreateAvatar("alice", []byte{1}, "a")
	ic, _ := st.CreateIC("wave", []byte{9})

	running := insertLeaf(t, st, avatar.ID, ic.ID, StatusScheduled, nil)
	st.SetSessionRunning(running.ID, 100)
	done := insertLeaf(t, st, avatar.ID, ic.ID, StatusCompleted, nil)

	n, err := st.MarkRunningFailed()
	if err != nil {
		t.Fatalf("MarkRunningFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 orphan, got %d", n)
	}

	got, _ := st.GetSession(running.ID)
	if got.Status != StatusFailed {
		t.Errorf("orphan status: got %s, want failed", got.Status)
	}
	if got.WorkerPID != nil {
		t.Error("orphan pid should be cleared")
	}
	got, _ = st.GetSession(done.ID)
	if got.Status != StatusCompleted {
		t.Errorf("terminal session touched: got %s", got.Status)
	}
}

func TestRemoveAvatarCascadesSessions(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	avatar, _ := st.CreateAvatar("alice", []byte{1}, "a")
	ic, _ := st.CreateIC("wave", []byte{9})
	sess := insertLeaf(t, st, avatar.ID, ic.ID, StatusStopped, nil)

	if err := st.RemoveAvatar(avatar.ID); err != nil {
		t.Fatalf("RemoveAvatar failed: %v", err)
	}
	if _, err := st.GetSession(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("session should cascade with avatar, got %v", err)
	}

	if err := st.RemoveAvatar(avatar.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove should report not found, got %v", err)
	}
}

func TestRunningLeavesByGroupMember(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	a1, _ := st.CreateAvatar("a1", []byte{1}, "x")
	a2, _ := st.CreateAvatar("a2", []byte{2}, "y")
	ic, _ := st.CreateIC("wave", []byte{9})
	group, _ := st.CreateGroup(GroupAvatar, "team")
	st.AddMember(GroupAvatar, group.ID, a1.ID)
	st.AddMember(GroupAvatar, group.ID, a2.ID)

	parent := &Session{
		IsGroup:       true,
		AvatarGroupID: &group.ID,
		ICID:          &ic.ID,
		Kind:          KindICSession,
		StartTime:     time.Now().UTC(),
		Status:        StatusRunning,
	}
	if err := st.InsertSession(parent); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	leaf1 := insertLeaf(t, st, a1.ID, ic.ID, StatusScheduled, &parent.ID)
	leaf2 := insertLeaf(t, st, a2.ID, ic.ID, StatusScheduled, &parent.ID)
	st.SetSessionRunning(leaf1.ID, 1)
	st.SetSessionRunning(leaf2.ID, 2)

	leaves, err := st.RunningLeavesByGroupMember(GroupAvatar, group.ID, a1.ID)
	if err != nil {
		t.Fatalf("RunningLeavesByGroupMember failed: %v", err)
	}
	if len(leaves) != 1 {
		t.Fatalf("expected 1 leaf, got %d", len(leaves))
	}
	if leaves[0].ID != leaf1.ID {
		t.Errorf("wrong leaf: got %d, want %d", leaves[0].ID, leaf1.ID)
	}
}

func TestRunningLeavesOnAvatar(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	a1, _ := st.CreateAvatar("a1", []byte{1}, "x")
	a2, _ := st.CreateAvatar("a2", []byte{2}, "y")
	ic, _ := st.CreateIC("wave", []byte{9})
	group, _ := st.CreateGroup(GroupAvatar, "team")
	st.AddMember(GroupAvatar, group.ID, a1.ID)

	// Direct session on a1
	direct := insertLeaf(t, st, a1.ID, ic.ID, StatusScheduled, nil)
	st.SetSessionRunning(direct.ID, 1)

	// Group session whose leaf belongs to a2, reachable from a1 only via
	// the group parent
	parent := &Session{
		IsGroup:       true,
		AvatarGroupID: &group.ID,
		ICID:          &ic.ID,
		Kind:          KindICSession,
		StartTime:     time.Now().UTC(),
		Status:        StatusRunning,
	}
	st.InsertSession(parent)
	groupLeaf := insertLeaf(t, st, a2.ID, ic.ID, StatusScheduled, &parent.ID)
	st.SetSessionRunning(groupLeaf.ID, 2)

	groupIDs, _ := st.GroupsContainingAvatar(a1.ID)
	leaves, err := st.RunningLeavesOnAvatar(a1.ID, groupIDs)
	if err != nil {
		t.Fatalf("RunningLeavesOnAvatar failed: %v", err)
	}
	if len(leaves) != 2 {
		t.Fatalf("expected direct + group leaf, got %d", len(leaves))
	}

	// The parent itself must never appear: it is not a leaf
	for _, l := range leaves {
		if l.IsGroup {
			t.Error("group parent returned as a leaf")
		}
	}
}
