package supervisor

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/roelfdiedericks/healerd/internal/cache"
	"github.com/roelfdiedericks/healerd/internal/store"
)

// fakeProc simulates a worker process that exits on SIGTERM
type fakeProc struct {
	pid  int
	done chan struct{}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.exit()
	}
	return nil
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProc) exit() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

type fakeLauncher struct {
	nextPID int
	procs   map[int64]*fakeProc
	failing bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, procs: make(map[int64]*fakeProc)}
}

func (l *fakeLauncher) launch(sess *store.Session, blob1, blob2 []byte) (Proc, error) {
	if l.failing {
		return nil, errors.New("spawn refused")
	}
	l.nextPID++
	p := &fakeProc{pid: l.nextPID, done: make(chan struct{})}
	l.procs[sess.ID] = p
	return p, nil
}

func setupTest(t *testing.T) (*store.Store, *Supervisor, *fakeLauncher, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "healerd_sup_test_*.db")
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

	launcher := newFakeLauncher()
	sup := New(st, cache.New(st), launcher.launch)
	cleanup := func() {
		st.Close()
		os.Remove(dbPath)
	}
	return st, sup, launcher, cleanup
}

var leafSeq int

func mkLeaf(t *testing.T, st *store.Store) *store.Session {
	t.Helper()
	leafSeq++
	avatar, err := st.CreateAvatar(fmt.Sprintf("alice-%d", leafSeq), []byte{1}, "x")
	if err != nil {
		t.Fatalf("CreateAvatar failed: %v", err)
	}
	ic, err := st.CreateIC(fmt.Sprintf("wave-%d", leafSeq), []byte{9})
	if err != nil {
		t.Fatalf("CreateIC failed: %v", err)
	}
	sess := &store.Session{
		AvatarID:  &avatar.ID,
		ICID:      &ic.ID,
		Kind:      store.KindICSession,
		StartTime: time.Now().UTC(),
		Status:    store.StatusScheduled,
	}
	if err := st.InsertSession(sess); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	return sess
}

func TestSpawnSetsRunningAndHandle(t *testing.T) {
	st, sup, _, cleanup := setupTest(t)
	defer cleanup()

	sess := mkLeaf(t, st)
	if err := sup.Spawn(sess); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	got, _ := st.GetSession(sess.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("status: got %s, want running", got.Status)
	}
	if got.WorkerPID == nil {
		t.Fatal("worker pid not recorded")
	}
	if !sup.HasHandle(sess.ID) {
		t.Error("handle map missing the session")
	}
	if sup.HandleCount() != 1 {
		t.Errorf("handle count: got %d, want 1", sup.HandleCount())
	}
}

func TestSpawnTwiceIsNoOp(t *testing.T) {
	st, sup, launcher, cleanup := setupTest(t)
	defer cleanup()

	sess := mkLeaf(t, st)
	sup.Spawn(sess)
	firstPID := launcher.procs[sess.ID].pid

	if err := sup.Spawn(sess); err != nil {
		t.Fatalf("second Spawn should not error: %v", err)
	}
	if launcher.procs[sess.ID].pid != firstPID {
		t.Error("second spawn must not replace the worker")
	}
	if sup.HandleCount() != 1 {
		t.Errorf("handle count: got %d, want 1", sup.HandleCount())
	}
}

func TestSpawnFailureMarksFailed(t *testing.T) {
	st, sup, launcher, cleanup := setupTest(t)
	defer cleanup()

	launcher.failing = true
	sess := mkLeaf(t, st)
	if err := sup.Spawn(sess); err == nil {
		t.Fatal("expected spawn error")
	}

	got, _ := st.GetSession(sess.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status: got %s, want failed", got.Status)
	}
	if sup.HasHandle(sess.ID) {
		t.Error("failed spawn must not leave a handle")
	}
}

func TestStopTerminatesAndRecords(t *testing.T) {
	st, sup, _, cleanup := setupTest(t)
	defer cleanup()

	sess := mkLeaf(t, st)
	sup.Spawn(sess)

	ok, err := sup.Stop(sess.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !ok {
		t.Error("stop of a running session should report true")
	}

	got, _ := st.GetSession(sess.ID)
	if got.Status != store.StatusStopped {
		t.Errorf("status: got %s, want stopped", got.Status)
	}
	if got.WorkerPID != nil {
		t.Error("worker pid must be cleared")
	}
	if sup.HasHandle(sess.ID) {
		t.Error("handle must be removed")
	}
}

func TestStopNonRunningIsNoOp(t *testing.T) {
	st, sup, _, cleanup := setupTest(t)
	defer cleanup()

	sess := mkLeaf(t, st) // still SCHEDULED
	ok, err := sup.Stop(sess.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if ok {
		t.Error("stop of a non-running session should report false")
	}

	ok, err = sup.Stop(999999)
	if err != nil || ok {
		t.Errorf("stop of a missing session should be a silent no-op, got ok=%v err=%v", ok, err)
	}
}

func TestFailTerminatesAndRecords(t *testing.T) {
	st, sup, _, cleanup := setupTest(t)
	defer cleanup()

	sess := mkLeaf(t, st)
	sup.Spawn(sess)

	ok, err := sup.Fail(sess.ID)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if !ok {
		t.Error("fail of a running session should report true")
	}
	got, _ := st.GetSession(sess.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("status: got %s, want failed", got.Status)
	}
}

func TestReapEvictsExitedWorkers(t *testing.T) {
	st, sup, launcher, cleanup := setupTest(t)
	defer cleanup()

	sess := mkLeaf(t, st)
	sup.Spawn(sess)

	// Worker exits on its own (deadline reached); it wrote its status
	// itself, the supervisor only drops the handle.
	launcher.procs[sess.ID].exit()
	st.SetSessionStatus(sess.ID, store.StatusCompleted)

	sup.Reap()
	if sup.HasHandle(sess.ID) {
		t.Error("reap must evict the exited worker's handle")
	}

	got, _ := st.GetSession(sess.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("reap must not touch the worker's own status, got %s", got.Status)
	}
}

func TestShutdownTerminatesAll(t *testing.T) {
	st, sup, _, cleanup := setupTest(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		sup.Spawn(mkLeaf(t, st))
	}
	if sup.HandleCount() != 3 {
		t.Fatalf("expected 3 handles, got %d", sup.HandleCount())
	}

	sup.Shutdown()
	if sup.HandleCount() != 0 {
		t.Errorf("shutdown must drain the handle map, got %d", sup.HandleCount())
	}
}
