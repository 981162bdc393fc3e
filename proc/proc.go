// Package proc launches child processes detached into their own process
// group and tears the whole group down on request. Detaching keeps signals
// aimed at the child tree from reaching the orchestrator, and lets teardown
// reap helper processes the child may have spawned.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// killWait bounds how long Terminate waits for the group to disappear after
// escalating to a forceful kill.
const killWait = 5 * time.Second

// TermResult describes which path Terminate took.
type TermResult int

const (
	// TermNotRunning means the process had already exited before Terminate ran.
	TermNotRunning TermResult = iota
	// TermGraceful means the process exited within the grace period after the stop signal.
	TermGraceful
	// TermForced means the process group had to be killed.
	TermForced
)

func (r TermResult) String() string {
	switch r {
	case TermNotRunning:
		return "not-running"
	case TermGraceful:
		return "graceful"
	case TermForced:
		return "forced"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Handle tracks one launched process. Exit state is observed through the
// handle's own Wait goroutine, so Alive and ExitCode never race the reaper.
type Handle struct {
	log log.Logger
	cmd *exec.Cmd

	done    chan struct{}
	waitErr error // valid once done is closed

	mu sync.Mutex // serializes Terminate
}

// Launch starts command in dir with the given environment, detached into a
// new process group. stdout and stderr are redirected to the supplied sinks
// (typically open log files), never inherited from the parent.
func Launch(logger log.Logger, command []string, dir string, env []string, stdout, stderr io.Writer) (*Handle, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", command[0], err)
	}

	h := &Handle{
		log:  logger,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	logger.Debug("Process started", "pid", h.Pid(), "command", command[0])
	return h, nil
}

// Pid returns the child's process ID, or 0 if it never started.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit status once it has exited. ok is false
// while the process is still running or when no numeric status is available
// (e.g. signal death on platforms without wait status introspection).
func (h *Handle) ExitCode() (code int, ok bool) {
	select {
	case <-h.done:
	default:
		return 0, false
	}
	if h.waitErr == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		if c, ok := exitCodeFromError(exitErr); ok {
			return c, true
		}
		if c := exitErr.ExitCode(); c >= 0 {
			return c, true
		}
	}
	return 0, false
}

// Done returns a channel closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Terminate stops the whole process group: first the platform's stop signal,
// then, if the group is still running after grace, a forceful kill.
// Idempotent: calling it on an already-exited handle returns TermNotRunning
// without error, and it never hangs past grace plus a bounded kill wait.
func (h *Handle) Terminate(grace time.Duration) (TermResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return TermNotRunning, nil
	default:
	}

	h.log.Debug("Stopping process group", "pid", h.Pid())
	if err := signalProcessGroup(h.cmd, stopSignal()); err != nil {
		// The group may have vanished between the liveness check and the
		// signal; the grace wait below settles it either way.
		h.log.Debug("Stop signal not delivered", "pid", h.Pid(), "err", err)
	}

	select {
	case <-h.done:
		return TermGraceful, nil
	case <-time.After(grace):
	}

	h.log.Warn("Process did not stop within grace period, killing process group", "pid", h.Pid(), "grace", grace)
	if err := killProcessGroup(h.cmd); err != nil {
		return TermForced, fmt.Errorf("failed to kill process group %d: %w", h.Pid(), err)
	}

	select {
	case <-h.done:
		return TermForced, nil
	case <-time.After(killWait):
		return TermForced, fmt.Errorf("process group %d survived kill", h.Pid())
	}
}
