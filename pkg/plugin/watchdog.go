package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// WatchParent polls the parent process's liveness and calls onGone
// when it disappears, so an isolated plugin never outlives the server
// that spawned it. Runs until ctx is cancelled.
func WatchParent(ctx context.Context, parentPID int32, interval time.Duration, onGone func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := process.PidExistsWithContext(ctx, parentPID)
			if err == nil && !alive {
				onGone()
				return
			}
		}
	}
}

// Supervised is a spawned child process with explicit liveness checks
// and a terminate-and-join teardown.
type Supervised struct {
	cmd  *exec.Cmd
	done chan error
}

// Spawn starts a child process with the given argv and environment
// additions. Child stdout/stderr pass through to the server's.
func Spawn(ctx context.Context, name string, args []string, extraEnv []string) (*Supervised, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), extraEnv...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("plugin: starting %s: %w", name, err)
	}
	s := &Supervised{cmd: cmd, done: make(chan error, 1)}
	go func() { s.done <- cmd.Wait() }()
	return s, nil
}

// PID returns the child's process id.
func (s *Supervised) PID() int { return s.cmd.Process.Pid }

// Alive reports whether the child is still running.
func (s *Supervised) Alive() bool {
	select {
	case err := <-s.done:
		// Preserve the exit result for a later Terminate call.
		s.done <- err
		return false
	default:
		return true
	}
}

// Wait blocks until the child exits.
func (s *Supervised) Wait() error {
	err := <-s.done
	s.done <- err
	return err
}

// Terminate asks the child to exit, escalating to a kill after the
// grace period, and joins it.
func (s *Supervised) Terminate(grace time.Duration) error {
	if !s.Alive() {
		return nil
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case err := <-s.done:
		s.done <- err
		return nil
	case <-time.After(grace):
	}
	_ = s.cmd.Process.Kill()
	err := <-s.done
	s.done <- err
	return err
}
