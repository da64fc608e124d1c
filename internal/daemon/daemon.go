// Package daemon is the healerd control server: a TCP listener framing one
// JSON command per connection, dispatched to handlers over the entity
// catalog, the session graph and the worker supervisor.
package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/healerd/internal/cache"
	"github.com/roelfdiedericks/healerd/internal/config"
	. "github.com/roelfdiedericks/healerd/internal/logging"
	"github.com/roelfdiedericks/healerd/internal/store"
	"github.com/roelfdiedericks/healerd/internal/supervisor"
)

const (
	// maxCommandBytes bounds a single command read
	maxCommandBytes = 16 * 1024

	// connTimeout bounds the whole read-dispatch-write exchange
	connTimeout = 30 * time.Second
)

// Daemon ties the store, cache and supervisor together behind the control
// socket. Commands are processed strictly in arrival order; mu serializes
// the handlers against the periodic reaper.
type Daemon struct {
	cfg   *config.Config
	st    *store.Store
	cache *cache.Cache
	sup   *supervisor.Supervisor

	mu sync.Mutex
}

// New creates a daemon over an opened store
func New(cfg *config.Config, st *store.Store, c *cache.Cache, sup *supervisor.Supervisor) *Daemon {
	return &Daemon{cfg: cfg, st: st, cache: c, sup: sup}
}

// Run recovers orphaned sessions, starts the reaper schedule and serves
// the control socket until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	// Any session still RUNNING on disk predates this process; its worker
	// is gone.
	if n, err := d.st.MarkRunningFailed(); err != nil {
		return err
	} else if n > 0 {
		L_info("daemon: failed orphaned sessions from previous run", "count", n)
	}

	cr := cron.New()
	cr.AddFunc("@every 30s", func() {
		d.mu.Lock()
		d.sup.Reap()
		d.mu.Unlock()
	})
	cr.Start()
	defer cr.Stop()

	ln, err := net.Listen("tcp", d.cfg.Daemon.Listen)
	if err != nil {
		return err
	}
	L_info("daemon: listening", "addr", d.cfg.Daemon.Listen)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				L_info("daemon: shutting down")
				d.mu.Lock()
				d.sup.Shutdown()
				d.mu.Unlock()
				return nil
			}
			L_error("daemon: accept failed", "error", err)
			continue
		}
		d.handleConn(conn)
	}
}

// handleConn reads one command, dispatches it and writes one reply. A
// client disconnecting mid-command does not abort the handler.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	var cmd Command
	dec := json.NewDecoder(io.LimitReader(conn, maxCommandBytes))
	if err := dec.Decode(&cmd); err != nil {
		L_warn("daemon: bad command framing", "error", err)
		json.NewEncoder(conn).Encode(failure("invalid command: %v", err))
		return
	}

	d.mu.Lock()
	reply := d.dispatch(&cmd)
	d.mu.Unlock()

	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		L_warn("daemon: failed to write reply", "error", err)
	}
}

// dispatch routes one command to its handler. Handler panics are caught
// and surface as a structured error.
func (d *Daemon) dispatch(cmd *Command) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			L_error("daemon: handler panic", "action", cmd.Action, "panic", r)
			reply = failure("internal error handling %s: %v", cmd.Action, r)
		}
	}()

	L_debug("daemon: dispatching", "action", cmd.Action)

	switch cmd.Action {
	case "ping":
		return success("pong")
	case "start_ic":
		return d.handleStartIC(cmd.Data)
	case "start_request":
		return d.handleStartRequest(cmd.Data)
	case "start_link":
		return d.handleStartLink(cmd.Data)
	case "start_group":
		return d.handleStartGroup(cmd.Data)
	case "stop_session":
		return d.handleStopSession(cmd.Data)
	case "update_entity":
		return d.handleUpdateEntity(cmd.Data)
	case "remove_entity":
		return d.handleRemoveEntity(cmd.Data)
	case "add_member_to_group":
		return d.handleAddMemberToGroup(cmd.Data)
	case "remove_member_from_group":
		return d.handleRemoveMemberFromGroup(cmd.Data)
	case "remove_group":
		return d.handleRemoveGroup(cmd.Data)
	case "fail_sessions_on_target":
		return d.handleFailSessionsOnTarget(cmd.Data)
	case "fail_all_running":
		return d.handleFailAllRunning(cmd.Data)
	case "redo_failed":
		return d.handleRedoFailed(cmd.Data)
	case "view_running_on":
		return d.handleViewRunningOn(cmd.Data)
	case "create_entity":
		return d.handleCreateEntity(cmd.Data)
	case "get_entity":
		return d.handleGetEntity(cmd.Data)
	case "list_entities":
		return d.handleListEntities(cmd.Data)
	case "create_group":
		return d.handleCreateGroup(cmd.Data)
	case "list_groups":
		return d.handleListGroups(cmd.Data)
	case "show_group":
		return d.handleShowGroup(cmd.Data)
	case "list_sessions":
		return d.handleListSessions(cmd.Data)
	default:
		return failure("Unknown command: %s", cmd.Action)
	}
}
