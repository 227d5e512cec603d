package proctool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Handle is a spawned child process. Exit is observed exactly once by an
// internal goroutine; Done is closed after the child is reaped.
type Handle struct {
	pid  int
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
	exited  bool

	outW, errW io.WriteCloser
}

// Spawn starts command with args in its own process group so signals reach
// the whole tree. stdout/stderr may be nil, in which case output goes to
// /dev/null.
func Spawn(command string, args, env []string, workDir string, stdout, stderr io.WriteCloser) (*Handle, error) {
	// #nosec G204 -- command comes from validated operator configuration
	cmd := exec.Command(command, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}
	h := &Handle{pid: cmd.Process.Pid, cmd: cmd, done: make(chan struct{}), outW: stdout, errW: stderr}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.exited = true
	h.mu.Unlock()
	if h.outW != nil {
		_ = h.outW.Close()
	}
	if h.errW != nil {
		_ = h.errW.Close()
	}
	close(h.done)
}

// PID of the child.
func (h *Handle) PID() int { return h.pid }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitErr returns the error from Wait, valid after Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// ExitCode returns the child's exit code, or -1 when it was signaled or
// has not exited.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.exited {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Alive reports whether the child is still running. A zombie counts as
// dead: it no longer serves traffic even though the pid exists.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return false
	}
	if isZombie(h.pid) {
		return false
	}
	return syscall.Kill(h.pid, 0) == nil
}

// Terminate signals the process group with SIGTERM, waits up to grace, and
// escalates to SIGKILL. It returns once the child is reaped (or shortly
// after the kill when reaping stalls).
func (h *Handle) Terminate(grace time.Duration) error {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil
	}
	_ = syscall.Kill(-h.pid, syscall.SIGTERM)
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	_ = syscall.Kill(-h.pid, syscall.SIGKILL)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		// best-effort; reaper owns the Wait
	}
	return nil
}

// Kill sends SIGKILL to the process group immediately.
func (h *Handle) Kill() {
	_ = syscall.Kill(-h.pid, syscall.SIGKILL)
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
	}
}
