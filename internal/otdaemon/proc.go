package otdaemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// Process is a running mesh daemon process.
type Process struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	stopped bool

	// Exited is closed when the process has exited; ExitErr is valid after.
	exited  chan struct{}
	exitErr error
}

// Launcher spawns mesh daemon processes. Implementations other than the
// default exist only in tests.
type Launcher interface {
	// Start launches the daemon serving its control protocol on socketPath.
	Start(ctx context.Context, socketPath string) (*Process, error)
}

// BinaryLauncher launches the daemon binary from disk.
type BinaryLauncher struct {
	// Path is the daemon binary location.
	Path string
}

// Start launches the daemon process and begins watching for its exit.
func (l *BinaryLauncher) Start(ctx context.Context, socketPath string) (*Process, error) {
	if _, err := os.Stat(l.Path); err != nil {
		return nil, fmt.Errorf("daemon binary: %w", err)
	}
	// A stale socket from a previous run would make the new daemon fail
	// to bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale daemon socket: %w", err)
	}

	cmd := exec.Command(l.Path, "--socket", socketPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)

		logger := log.L.WithField("pid", cmd.Process.Pid)
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			logger.Info("otdaemon: daemon stopped by request")
		} else {
			logger.WithField("exit", exitCode(p.exitErr)).Warn("otdaemon: daemon exited")
		}
	}()

	log.G(ctx).WithFields(log.Fields{
		"pid":    cmd.Process.Pid,
		"socket": socketPath,
	}).Info("otdaemon: daemon started")
	return p, nil
}

// Pid returns the daemon's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited returns a channel closed when the process has exited.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Stop sends SIGTERM. The exit is observed via Exited; callers that need a
// hard guarantee escalate with Kill after a grace period.
func (p *Process) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if err := p.cmd.Process.Signal(unix.SIGTERM); err != nil {
		log.L.WithError(err).Debug("otdaemon: SIGTERM failed")
	}
}

// Kill sends SIGKILL.
func (p *Process) Kill() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if err := p.cmd.Process.Kill(); err != nil {
		log.L.WithError(err).Debug("otdaemon: SIGKILL failed")
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}
