// Package supervisor owns the mapping from leaf sessions to live worker
// processes: spawn, terminate, and reap, keeping the persisted session
// status in step with the handle map.
package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/roelfdiedericks/healerd/internal/cache"
	. "github.com/roelfdiedericks/healerd/internal/logging"
	"github.com/roelfdiedericks/healerd/internal/store"
	"github.com/roelfdiedericks/healerd/internal/worker"
)

// terminateTimeout bounds the join after SIGTERM before escalating to kill
const terminateTimeout = 5 * time.Second

// Proc is a live worker process handle
type Proc interface {
	Pid() int
	Signal(sig os.Signal) error
	Done() <-chan struct{}
	Kill() error
}

// LaunchFunc starts a worker process for a leaf session
type LaunchFunc func(sess *store.Session, blob1, blob2 []byte) (Proc, error)

// Supervisor tracks one worker process per RUNNING leaf session. All
// methods must be called from the daemon's serialized command loop.
type Supervisor struct {
	st     *store.Store
	cache  *cache.Cache
	launch LaunchFunc
	procs  map[int64]Proc
}

// New creates a supervisor. launch may be nil in tests that never spawn.
func New(st *store.Store, c *cache.Cache, launch LaunchFunc) *Supervisor {
	return &Supervisor{
		st:     st,
		cache:  c,
		launch: launch,
		procs:  make(map[int64]Proc),
	}
}

// Spawn fetches the session's payloads, launches a worker, records the pid
// and flips the session to RUNNING. On launch failure the session goes
// FAILED and the error is returned.
func (s *Supervisor) Spawn(sess *store.Session) error {
	if sess == nil || sess.ID == 0 {
		return fmt.Errorf("spawn: invalid session")
	}
	if _, exists := s.procs[sess.ID]; exists {
		L_warn("supervisor: worker already exists, skipping spawn", "session", sess.ID)
		return nil
	}

	blob1, blob2, err := s.cache.PayloadsFor(sess)
	if err != nil {
		s.st.SetSessionStatus(sess.ID, store.StatusFailed)
		return fmt.Errorf("spawn session %d: %w", sess.ID, err)
	}

	proc, err := s.launch(sess, blob1, blob2)
	if err != nil {
		s.st.SetSessionStatus(sess.ID, store.StatusFailed)
		return fmt.Errorf("spawn session %d: %w", sess.ID, err)
	}

	if err := s.st.SetSessionRunning(sess.ID, proc.Pid()); err != nil {
		proc.Signal(syscall.SIGTERM)
		return err
	}
	sess.Status = store.StatusRunning
	pid := proc.Pid()
	sess.WorkerPID = &pid

	s.procs[sess.ID] = proc
	L_info("supervisor: started worker", "session", sess.ID, "pid", pid)
	return nil
}

// Stop terminates the session's worker and marks it STOPPED. Returns true
// only if the session was RUNNING; anything else is a no-op.
func (s *Supervisor) Stop(sessionID int64) (bool, error) {
	return s.terminate(sessionID, store.StatusStopped)
}

// Fail terminates the session's worker and marks it FAILED
func (s *Supervisor) Fail(sessionID int64) (bool, error) {
	return s.terminate(sessionID, store.StatusFailed)
}

func (s *Supervisor) terminate(sessionID int64, status store.SessionStatus) (bool, error) {
	sess, err := s.st.GetSession(sessionID)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sess.Status != store.StatusRunning {
		return false, nil
	}

	if proc, ok := s.procs[sessionID]; ok {
		delete(s.procs, sessionID)
		s.terminateProc(sessionID, proc)
	}

	if err := s.st.SetSessionStatus(sessionID, status); err != nil {
		return false, err
	}
	L_info("supervisor: worker terminated", "session", sessionID, "status", status)
	return true, nil
}

// terminateProc sends SIGTERM and joins, escalating to SIGKILL if the
// worker does not exit within the timeout.
func (s *Supervisor) terminateProc(sessionID int64, proc Proc) {
	select {
	case <-proc.Done():
		return // already exited
	default:
	}

	proc.Signal(syscall.SIGTERM)
	select {
	case <-proc.Done():
	case <-time.After(terminateTimeout):
		L_warn("supervisor: worker ignored SIGTERM, killing", "session", sessionID)
		proc.Kill()
		<-proc.Done()
	}
}

// Reap evicts handles whose process exited on its own. The worker wrote
// its own terminal status before exiting, so only the handle goes.
func (s *Supervisor) Reap() {
	for id, proc := range s.procs {
		select {
		case <-proc.Done():
			delete(s.procs, id)
			L_debug("supervisor: reaped exited worker", "session", id)
		default:
		}
	}
}

// HandleCount returns the number of live worker handles
func (s *Supervisor) HandleCount() int {
	return len(s.procs)
}

// HasHandle reports whether the session has a live worker handle
func (s *Supervisor) HasHandle(sessionID int64) bool {
	_, ok := s.procs[sessionID]
	return ok
}

// Shutdown terminates every live worker. The supervisor writes no status
// here: a worker that handles SIGTERM records STOPPED itself, and any row
// still RUNNING is reclassified as FAILED at the next daemon start.
func (s *Supervisor) Shutdown() {
	for id, proc := range s.procs {
		delete(s.procs, id)
		s.terminateProc(id, proc)
	}
}

// ExecLauncher returns the production LaunchFunc: it self-spawns this
// binary's worker subcommand, feeding both payloads over stdin.
func ExecLauncher(dbPath string) LaunchFunc {
	binary, _ := os.Executable()

	return func(sess *store.Session, blob1, blob2 []byte) (Proc, error) {
		args := []string{
			"worker",
			"--session", strconv.FormatInt(sess.ID, 10),
			"--db", dbPath,
			"--desc", sess.Description,
		}
		if sess.EndTime != nil {
			args = append(args, "--deadline", sess.EndTime.UTC().Format(time.RFC3339))
		}

		cmd := exec.Command(binary, args...) //nolint:gosec // G204: binary is from os.Executable() - self-spawning
		var stdin bytes.Buffer
		if err := worker.EncodePayloads(&stdin, blob1, blob2); err != nil {
			return nil, fmt.Errorf("encode payloads: %w", err)
		}
		cmd.Stdin = &stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}

		p := &execProc{cmd: cmd, done: make(chan struct{})}
		go func() {
			cmd.Wait()
			close(p.done)
		}()
		return p, nil
	}
}

// execProc wraps a started exec.Cmd
type execProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProc) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProc) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProc) Done() <-chan struct{} {
	return p.done
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}
