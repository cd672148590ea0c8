package otdaemon

import (
	"context"
	"time"
)

// Handle is the process side of a running daemon. *Process implements it;
// tests substitute a controllable fake.
type Handle interface {
	Pid() int
	// Exited is closed when the process has exited.
	Exited() <-chan struct{}
	// Stop requests a graceful exit.
	Stop()
	// Kill terminates immediately.
	Kill()
}

// Spawner produces a connected daemon: process plus control-protocol client.
type Spawner interface {
	Spawn(ctx context.Context, callbacks Callbacks) (*Client, Handle, error)
}

// BinarySpawner launches the daemon binary and dials its control socket.
type BinarySpawner struct {
	Launcher    Launcher
	SocketPath  string
	DialTimeout time.Duration
}

func (s *BinarySpawner) Spawn(ctx context.Context, callbacks Callbacks) (*Client, Handle, error) {
	proc, err := s.Launcher.Start(ctx, s.SocketPath)
	if err != nil {
		return nil, nil, err
	}
	client, err := Dial(ctx, s.SocketPath, s.DialTimeout, callbacks)
	if err != nil {
		// The process is useless without a control connection.
		proc.Kill()
		return nil, nil, err
	}
	return client, proc, nil
}
