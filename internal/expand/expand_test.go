package expand

import (
	"errors"
	"os"
	"testing"

	"github.com/roelfdiedericks/healerd/internal/store"
)

func setupTest(t *testing.T) (*store.Store, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "healerd_expand_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	st, err := store.Open(dbPath)
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

func mkAvatars(t *testing.T, st *store.Store, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		a, err := st.CreateAvatar(name, []byte{1}, "info")
		if err != nil {
			t.Fatalf("CreateAvatar %s failed: %v", name, err)
		}
		ids = append(ids, a.ID)
	}
	return ids
}

func TestResolveAvatarsArgumentShape(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	ids := mkAvatars(t, st, "alice")
	st.CreateGroup(store.GroupAvatar, "team")

	if _, err := ResolveAvatars(st, &ids[0], "team"); !errors.Is(err, ErrBadArguments) {
		t.Errorf("both id and group should fail, got %v", err)
	}
	if _, err := ResolveAvatars(st, nil, ""); !errors.Is(err, ErrBadArguments) {
		t.Errorf("neither id nor group should fail, got %v", err)
	}
	if _, err := ResolveAvatars(st, nil, "team"); !errors.Is(err, ErrEmptyGroup) {
		t.Errorf("empty group should fail, got %v", err)
	}
}

func TestStartICSingletonHasNoParent(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	ids := mkAvatars(t, st, "alice")
	ic, _ := st.CreateIC("wave", []byte{9})

	avatars, err := ResolveAvatars(st, &ids[0], "")
	if err != nil {
		t.Fatalf("ResolveAvatars failed: %v", err)
	}
	res, err := StartIC(st, avatars, ic.ID, nil)
	if err != nil {
		t.Fatalf("StartIC failed: %v", err)
	}
	if res.Parent != nil {
		t.Error("singleton start must not create a parent")
	}
	if len(res.Leaves) != 1 {
		t.Fatalf("expected 1 leaf, got %d", len(res.Leaves))
	}
	leaf := res.Leaves[0]
	if leaf.ParentID != nil {
		t.Error("leaf should have no parent id")
	}
	if leaf.EndTime != nil {
		t.Error("nil duration should mean infinite end time")
	}
	if leaf.Status != store.StatusScheduled {
		t.Errorf("leaf status: got %s, want scheduled", leaf.Status)
	}
	if leaf.Description != "'alice' <=> 'wave'" {
		t.Errorf("description: got %q", leaf.Description)
	}
}

func TestStartICGroupCreatesParentAndInheritsTiming(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	ids := mkAvatars(t, st, "a1", "a2", "a3")
	ic, _ := st.CreateIC("wave", []byte{9})
	group, _ := st.CreateGroup(store.GroupAvatar, "team")
	for _, id := range ids {
		st.AddMember(store.GroupAvatar, group.ID, id)
	}

	duration := 30
	avatars, err := ResolveAvatars(st, nil, "team")
	if err != nil {
		t.Fatalf("ResolveAvatars failed: %v", err)
	}
	res, err := StartIC(st, avatars, ic.ID, &duration)
	if err != nil {
		t.Fatalf("StartIC failed: %v", err)
	}

	if res.Parent == nil {
		t.Fatal("group start must create a parent")
	}
	if !res.Parent.IsGroup {
		t.Error("parent must be a group session")
	}
	if res.Parent.ParentID != nil {
		t.Error("a parent never has a parent of its own")
	}
	if res.Parent.Status != store.StatusRunning {
		t.Errorf("parent status: got %s, want running", res.Parent.Status)
	}
	if res.Parent.Description != "IC 'wave' on Avatar Group 'team'" {
		t.Errorf("parent description: got %q", res.Parent.Description)
	}
	if len(res.Leaves) != 3 {
		t.Fatalf("expected 3 leaves, got %d", len(res.Leaves))
	}

	for _, leaf := range res.Leaves {
		if leaf.ParentID == nil || *leaf.ParentID != res.Parent.ID {
			t.Error("leaf must point at the parent")
		}
		if !leaf.StartTime.Equal(res.Parent.StartTime) {
			t.Error("leaf start time must equal the parent's")
		}
		if leaf.EndTime == nil || !leaf.EndTime.Equal(*res.Parent.EndTime) {
			t.Error("leaf end time must equal the parent's")
		}
		if got := leaf.EndTime.Sub(leaf.StartTime).Minutes(); got != 30 {
			t.Errorf("duration: got %v minutes, want 30", got)
		}
	}
}

func TestStartLinkSkipsSelfPair(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	ids := mkAvatars(t, st, "src", "d1", "d2")
	group, _ := st.CreateGroup(store.GroupAvatar, "dests")
	for _, id := range ids { // source is in the destination group too
		st.AddMember(store.GroupAvatar, group.ID, id)
	}

	dests, err := ResolveAvatars(st, nil, "dests")
	if err != nil {
		t.Fatalf("ResolveAvatars failed: %v", err)
	}
	res, err := StartLink(st, ids[0], dests, nil)
	if err != nil {
		t.Fatalf("StartLink failed: %v", err)
	}
	if len(res.Leaves) != 2 {
		t.Fatalf("self pair must be skipped: got %d leaves", len(res.Leaves))
	}
	for _, leaf := range res.Leaves {
		if *leaf.DestinationAvatarID == ids[0] {
			t.Error("source must never be its own destination")
		}
	}
}

func TestStartGroupCartesianProduct(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	avatarIDs := mkAvatars(t, st, "a1", "a2")
	ag, _ := st.CreateGroup(store.GroupAvatar, "team")
	for _, id := range avatarIDs {
		st.AddMember(store.GroupAvatar, ag.ID, id)
	}

	ig, _ := st.CreateGroup(store.GroupIC, "sounds")
	for _, name := range []string{"i1", "i2", "i3"} {
		ic, _ := st.CreateIC(name, []byte{9})
		st.AddMember(store.GroupIC, ig.ID, ic.ID)
	}

	res, err := StartGroup(st, "team", "sounds", nil)
	if err != nil {
		t.Fatalf("StartGroup failed: %v", err)
	}
	if res.Parent == nil || res.Parent.Kind != store.KindGroupICSession {
		t.Fatal("expected a group_ic_session parent")
	}
	if len(res.Leaves) != 6 {
		t.Fatalf("cartesian product: got %d leaves, want 6", len(res.Leaves))
	}
	for _, leaf := range res.Leaves {
		if leaf.Kind != store.KindICSession {
			t.Errorf("leaf kind: got %s, want ic_session", leaf.Kind)
		}
	}
}

func TestStartGroupSingleMembersStillCreatesParent(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	avatarIDs := mkAvatars(t, st, "a1")
	ag, _ := st.CreateGroup(store.GroupAvatar, "team")
	st.AddMember(store.GroupAvatar, ag.ID, avatarIDs[0])

	ic, _ := st.CreateIC("i1", []byte{9})
	ig, _ := st.CreateGroup(store.GroupIC, "sounds")
	st.AddMember(store.GroupIC, ig.ID, ic.ID)

	res, err := StartGroup(st, "team", "sounds", nil)
	if err != nil {
		t.Fatalf("StartGroup failed: %v", err)
	}
	if res.Parent == nil {
		t.Fatal("start_group must always create a parent")
	}
	if len(res.Leaves) != 1 {
		t.Fatalf("expected 1 leaf, got %d", len(res.Leaves))
	}
}

func TestStartGroupEmptyGroup(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	avatarIDs := mkAvatars(t, st, "a1")
	ag, _ := st.CreateGroup(store.GroupAvatar, "team")
	st.AddMember(store.GroupAvatar, ag.ID, avatarIDs[0])
	st.CreateGroup(store.GroupIC, "empty")

	if _, err := StartGroup(st, "team", "empty", nil); !errors.Is(err, ErrEmptyGroup) {
		t.Errorf("expected ErrEmptyGroup, got %v", err)
	}
}

func TestStartRequestGroupByGroup(t *testing.T) {
	st, cleanup := setupTest(t)
	defer cleanup()

	avatarIDs := mkAvatars(t, st, "a1", "a2")
	ag, _ := st.CreateGroup(store.GroupAvatar, "team")
	for _, id := range avatarIDs {
		st.AddMember(store.GroupAvatar, ag.ID, id)
	}

	rg, _ := st.CreateGroup(store.GroupRequest, "asks")
	for _, name := range []string{"r1", "r2"} {
		r, _ := st.CreateRequest(name, "text")
		st.AddMember(store.GroupRequest, rg.ID, r.ID)
	}

	avatars, _ := ResolveAvatars(st, nil, "team")
	requests, _ := ResolveRequests(st, nil, "asks")
	res, err := StartRequest(st, avatars, requests, nil)
	if err != nil {
		t.Fatalf("StartRequest failed: %v", err)
	}
	if res.Parent == nil {
		t.Fatal("group-by-group request must create a parent")
	}
	if res.Parent.Description != "Request Group 'asks' on Avatar Group 'team'" {
		t.Errorf("parent description: got %q", res.Parent.Description)
	}
	if len(res.Leaves) != 4 {
		t.Fatalf("cartesian product: got %d leaves, want 4", len(res.Leaves))
	}
}
