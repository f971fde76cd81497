// Copyright CCProxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package preflight clears the ground before the proxy starts: pid-file
// liveness, orphaned-process cleanup, and required-port checks.
package preflight

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// termWait is how long a terminated process gets before SIGKILL.
const termWait = 2 * time.Second

// Check runs the three preflight phases. Fingerprints identify processes this
// program manages; a command line containing any fingerprint is ours to kill.
type Check struct {
	logger       *slog.Logger
	fingerprints []string
	pidFiles     []string
	ports        []int
}

// New creates a Check.
func New(logger *slog.Logger, fingerprints []string, pidFiles []string, ports []int) *Check {
	return &Check{
		logger:       logger,
		fingerprints: fingerprints,
		pidFiles:     pidFiles,
		ports:        ports,
	}
}

// Run executes all phases in order and returns the first hard failure.
func (c *Check) Run(ctx context.Context) error {
	if err := c.checkPidFiles(ctx); err != nil {
		return err
	}
	if err := c.killOrphans(ctx); err != nil {
		return err
	}
	return c.checkPorts(ctx)
}

// checkPidFiles fails when a recorded instance is still alive and removes
// stale files whose pid is dead.
func (c *Check) checkPidFiles(ctx context.Context) error {
	for _, path := range c.pidFiles {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read pid file %s: %w", path, err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			c.logger.Warn("removing malformed pid file", slog.String("path", path))
			_ = os.Remove(path)
			continue
		}
		alive, _ := process.PidExistsWithContext(ctx, int32(pid)) // #nosec G115 -- PID fits in int32
		if alive {
			return fmt.Errorf("already running: pid %d recorded in %s is alive", pid, path)
		}
		c.logger.Info("removing stale pid file",
			slog.String("path", path), slog.Int("pid", pid))
		_ = os.Remove(path)
	}
	return nil
}

// killOrphans terminates every fingerprinted process other than self and
// parent.
func (c *Check) killOrphans(ctx context.Context) error {
	if len(c.fingerprints) == 0 {
		return nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("enumerate processes: %w", err)
	}
	self := int32(os.Getpid())    // #nosec G115
	parent := int32(os.Getppid()) // #nosec G115
	for _, p := range procs {
		if p.Pid == self || p.Pid == parent {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !c.matchesFingerprint(cmdline) {
			continue
		}
		c.logger.Info("terminating orphaned process",
			slog.Int("pid", int(p.Pid)), slog.String("cmdline", cmdline))
		c.terminate(ctx, p)
	}
	return nil
}

// checkPorts verifies every required port is free, killing stale
// fingerprinted holders and failing on foreign ones.
func (c *Check) checkPorts(ctx context.Context) error {
	for _, port := range c.ports {
		pid, err := portHolder(ctx, port)
		if err != nil {
			return err
		}
		if pid > 0 {
			p, perr := process.NewProcessWithContext(ctx, pid)
			cmdline := ""
			if perr == nil {
				cmdline, _ = p.CmdlineWithContext(ctx)
			}
			if perr == nil && c.matchesFingerprint(cmdline) {
				c.logger.Info("killing stale holder of required port",
					slog.Int("port", port), slog.Int("pid", int(pid)))
				c.terminate(ctx, p)
				if again, _ := portHolder(ctx, port); again > 0 {
					return fmt.Errorf("port %d still held by pid %d after cleanup", port, again)
				}
				continue
			}
			return fmt.Errorf("port %d is held by foreign process %d", port, pid)
		}
		// No identifiable holder: a bind probe settles whether the port is
		// actually free.
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("port %d is bound but no holder could be identified", port)
		}
		_ = ln.Close()
	}
	return nil
}

func (c *Check) matchesFingerprint(cmdline string) bool {
	if cmdline == "" {
		return false
	}
	for _, fp := range c.fingerprints {
		if fp != "" && strings.Contains(cmdline, fp) {
			return true
		}
	}
	return false
}

// terminate sends SIGTERM, waits briefly, then SIGKILLs a survivor.
func (c *Check) terminate(ctx context.Context, p *process.Process) {
	if err := p.TerminateWithContext(ctx); err != nil {
		c.logger.Warn("terminate failed", slog.Int("pid", int(p.Pid)), slog.String("error", err.Error()))
	}
	deadline := time.Now().Add(termWait)
	for time.Now().Before(deadline) {
		if running, _ := p.IsRunningWithContext(ctx); !running {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if running, _ := p.IsRunningWithContext(ctx); running {
		c.logger.Warn("process survived SIGTERM, killing", slog.Int("pid", int(p.Pid)))
		_ = p.KillWithContext(ctx)
	}
}

// portHolder returns the pid listening on the port, 0 when the port is free
// or the holder cannot be determined.
func portHolder(ctx context.Context, port int) (int32, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		// Connection enumeration is best-effort; the bind probe is the
		// fallback.
		return 0, nil //nolint:nilerr
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) { // #nosec G115
			return conn.Pid, nil
		}
	}
	return 0, nil
}

// WritePidFile records the current pid at path.
func WritePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePidFile deletes the pid file, ignoring a missing one.
func RemovePidFile(path string) {
	_ = os.Remove(path)
}
