// Package server runs the stepscand command loop: it polls the shared store's
// command queue, executes scan commands one at a time through the engine, and
// keeps a heartbeat fresh so clients can tell the daemon is alive. All remote
// control flows through the store; the server owns no sockets of its own.
package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	stepscan "github.com/stepscan-labs/stepscan/pkg/stepscan/v1"
	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
	scanlog "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/log"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
)

// Commands the server understands. Scan commands carry the stored definition
// name in their arguments.
const (
	CommandScan     = "scan"
	CommandSlewScan = "slewscan"
	CommandShutdown = "shutdown"
)

// Server drains the store's command queue. One server per store; commands
// execute strictly in queue order, one at a time.
type Server struct {
	store             scandb.Store
	engine            stepscan.EngineV1
	log               scanlog.Logger
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

// NewServer creates a command-queue server.
func NewServer(store scandb.Store, engine stepscan.EngineV1, log scanlog.Logger,
	pollInterval, heartbeatInterval time.Duration) (*Server, error) {
	if store == nil {
		return nil, scanerrors.NewConfigError("server requires a scan store", nil)
	}
	if engine == nil {
		return nil, scanerrors.NewConfigError("server requires an engine", nil)
	}
	if log == nil {
		return nil, scanerrors.NewConfigError("server requires a logger", nil)
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &Server{
		store:             store,
		engine:            engine,
		log:               log,
		pollInterval:      pollInterval,
		heartbeatInterval: heartbeatInterval,
	}, nil
}

// Run blocks until the context is cancelled, a shutdown is requested through
// the store, or a shutdown command is dequeued. It always returns nil on a
// clean shutdown path so the daemon exits 0.
func (s *Server) Run(ctx context.Context) error {
	s.log.Infof("Command server started (poll %v, heartbeat %v)", s.pollInterval, s.heartbeatInterval)
	s.beat()

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Infof("Command server stopping: %v", ctx.Err())
			return nil
		case <-heartbeat.C:
			s.beat()
		case <-poll.C:
			if s.store.GetInfoBool(scandb.InfoRequestShutdown) {
				s.log.Infof("Shutdown requested through store, command server stopping")
				return nil
			}
			done, err := s.step(ctx)
			if err != nil {
				s.log.Errorf("Command processing error: %v", err)
			}
			if done {
				return nil
			}
		}
	}
}

// step handles at most one pending command. It returns true when a shutdown
// command was processed.
func (s *Server) step(ctx context.Context) (bool, error) {
	pending, err := s.store.PendingCommands()
	if err != nil {
		return false, fmt.Errorf("reading command queue: %w", err)
	}
	if len(pending) == 0 {
		return false, nil
	}

	// A standing abort flag with no scan running means the operator wants
	// the queue stopped, not just the current scan: cancel everything
	// pending, then clear the flag so new commands run.
	if s.store.GetInfoBool(scandb.InfoRequestAbort) {
		s.log.Warnf("Abort flag set with no scan running, canceling %d pending command(s)", len(pending))
		for _, cmd := range pending {
			if err := s.store.SetCommandStatus(cmd.ID, scandb.CommandCanceled); err != nil {
				s.log.Warnf("Failed to cancel command %s: %v", cmd.ID, err)
			}
		}
		if err := s.store.SetInfo(scandb.InfoRequestAbort, "0"); err != nil {
			s.log.Warnf("Failed to clear abort flag: %v", err)
		}
		return false, nil
	}

	cmd := pending[0]
	if err := s.store.SetCommandStatus(cmd.ID, scandb.CommandStarting); err != nil {
		return false, fmt.Errorf("marking command %s starting: %w", cmd.ID, err)
	}

	switch cmd.Name {
	case CommandShutdown:
		s.finish(cmd.ID, scandb.CommandFinished)
		s.log.Infof("Shutdown command processed, command server stopping")
		return true, nil
	case CommandScan, CommandSlewScan:
		s.runScanCommand(ctx, cmd)
		return false, nil
	default:
		s.log.Warnf("Unknown command '%s' (id %s), canceling", cmd.Name, cmd.ID)
		s.finish(cmd.ID, scandb.CommandCanceled)
		return false, nil
	}
}

// runScanCommand executes one scan command synchronously. The engine blocks
// until the scan reaches a terminal status, so the queue drains in order.
func (s *Server) runScanCommand(ctx context.Context, cmd scandb.Command) {
	name := cmd.Arguments
	if name == "" {
		s.log.Errorf("Command %s has no scan name, canceling", cmd.ID)
		s.finish(cmd.ID, scandb.CommandCanceled)
		return
	}

	if err := s.store.SetCommandStatus(cmd.ID, scandb.CommandRunning); err != nil {
		s.log.Warnf("Failed to mark command %s running: %v", cmd.ID, err)
	}
	s.log.Infof("Running scan '%s' (command %s)", name, cmd.ID)

	report, err := s.engine.RunScanByName(ctx, name)
	switch {
	case err == nil:
		s.finish(cmd.ID, scandb.CommandFinished)
		s.log.Infof("Scan '%s' finished: %d/%d points, data in %s",
			name, report.CompletedPoints, report.TotalPoints, report.DataFile)
	case scanerrors.IsAbort(err):
		s.finish(cmd.ID, scandb.CommandAborted)
	default:
		s.finish(cmd.ID, scandb.CommandAborted)
		s.log.Errorf("Scan '%s' failed: %v", name, err)
	}
}

func (s *Server) finish(id uuid.UUID, status scandb.CommandStatus) {
	if err := s.store.SetCommandStatus(id, status); err != nil {
		s.log.Warnf("Failed to set command %s status to %s: %v", id, status, err)
	}
}

// beat stamps the heartbeat key with the current Unix time, letting clients
// detect a dead daemon by staleness.
func (s *Server) beat() {
	if err := s.store.SetInfo(scandb.InfoHeartbeat, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		s.log.Warnf("Failed to write heartbeat: %v", err)
	}
}
