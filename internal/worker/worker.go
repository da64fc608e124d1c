// Package worker is the child-process runtime for a leaf session: it
// hashes both payloads in a loop until its deadline or a termination
// signal, then writes its own terminal status to the session row.
package worker

import (
	"crypto/sha256"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	. "github.com/roelfdiedericks/healerd/internal/logging"
	"github.com/roelfdiedericks/healerd/internal/store"
)

// Options configures a worker run
type Options struct {
	SessionID   int64
	DBPath      string
	Description string
	Deadline    *time.Time // nil runs forever
}

// Worker runs one session's hash loop
type Worker struct {
	opts  Options
	st    *store.Store
	blob1 []byte
	blob2 []byte
}

// New opens the worker's own store connection and reads both payloads
// from r (the daemon feeds them over stdin).
func New(opts Options, r io.Reader) (*Worker, error) {
	blob1, blob2, err := DecodePayloads(r)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(opts.DBPath)
	if err != nil {
		return nil, err
	}
	return &Worker{opts: opts, st: st, blob1: blob1, blob2: blob2}, nil
}

// Run executes the work loop until the deadline or a termination signal.
// The exit status is written to the session row before returning; the
// daemon never hears from the worker any other way.
func (w *Worker) Run() int {
	defer w.st.Close()

	pid := os.Getpid()
	L_info("worker: starting session", "session", w.opts.SessionID, "pid", pid, "desc", w.opts.Description)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	status := w.loop(sigCh)
	w.writeStatus(status)

	switch status {
	case store.StatusCompleted:
		L_info("worker: session completed", "session", w.opts.SessionID)
		return 0
	case store.StatusStopped:
		L_info("worker: session stopped", "session", w.opts.SessionID)
		return 0
	default:
		L_error("worker: session failed", "session", w.opts.SessionID)
		return 1
	}
}

// loop hashes both payloads once per second until done
func (w *Worker) loop(sigCh <-chan os.Signal) (status store.SessionStatus) {
	defer func() {
		if r := recover(); r != nil {
			L_error("worker: panic in work cycle", "session", w.opts.SessionID, "panic", r)
			status = store.StatusFailed
		}
	}()

	if w.opts.Deadline == nil {
		L_debug("worker: running indefinitely", "session", w.opts.SessionID)
	} else {
		L_debug("worker: running until deadline", "session", w.opts.SessionID, "deadline", *w.opts.Deadline)
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		if w.opts.Deadline != nil && !time.Now().UTC().Before(*w.opts.Deadline) {
			return store.StatusCompleted
		}

		// The hash output is discarded; the work is the CPU spend.
		sha256.Sum256(w.blob1)
		sha256.Sum256(w.blob2)

		select {
		case <-sigCh:
			return store.StatusStopped
		case <-ticker.C:
		}
	}
}

// writeStatus records the terminal status with a single-row update,
// clearing worker_pid. This is the worker's only write.
func (w *Worker) writeStatus(status store.SessionStatus) {
	if err := w.st.SetSessionStatus(w.opts.SessionID, status); err != nil {
		L_error("worker: failed to update session status", "session", w.opts.SessionID, "error", err)
	}
}
