// Package otdaemontest provides an in-memory fake of the mesh daemon for
// client and service tests: a programmable responder on one end of a
// net.Pipe, plus a controllable process handle.
package otdaemontest

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/spin-stack/meshbox/internal/otdaemon"
)

// Request is one decoded protocol request received by the fake.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type reply struct {
	code   int32
	msg    string
	result any
}

// Daemon is the server side of the control protocol.
type Daemon struct {
	conn net.Conn

	encMu sync.Mutex
	enc   *json.Encoder

	requests chan Request

	mu        sync.Mutex
	auto      map[string]reply
	closeOnce sync.Once
}

// New returns a fake daemon and the client side of its connection.
func New(t *testing.T) (*Daemon, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	d := NewOnConn(server)
	t.Cleanup(d.Close)
	return d, client
}

// NewOnConn wraps an existing server-side connection.
func NewOnConn(conn net.Conn) *Daemon {
	d := &Daemon{
		conn:     conn,
		enc:      json.NewEncoder(conn),
		requests: make(chan Request, 64),
		auto:     make(map[string]reply),
	}
	go d.readLoop()
	return d
}

func (d *Daemon) readLoop() {
	dec := json.NewDecoder(d.conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			close(d.requests)
			return
		}
		d.mu.Lock()
		r, ok := d.auto[req.Method]
		d.mu.Unlock()
		if ok {
			d.Respond(req, r.code, r.msg, r.result)
			continue
		}
		d.requests <- req
	}
}

// AutoRespondOK answers the given methods with success without involving
// the test body.
func (d *Daemon) AutoRespondOK(methods ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range methods {
		d.auto[m] = reply{}
	}
}

// AutoRespondError answers the method with the given daemon error code.
func (d *Daemon) AutoRespondError(method string, code int32, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auto[method] = reply{code: code, msg: msg}
}

// AutoRespondResult answers the method with success and the given result.
func (d *Daemon) AutoRespondResult(method string, result any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auto[method] = reply{result: result}
}

// Expect receives the next request not covered by an auto-responder,
// failing the test if none arrives in time.
func (d *Daemon) Expect(t *testing.T, method string) Request {
	t.Helper()
	select {
	case req, ok := <-d.requests:
		if !ok {
			t.Fatalf("connection closed while waiting for %q", method)
		}
		if req.Method != method {
			t.Fatalf("expected request %q, got %q", method, req.Method)
		}
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for request %q", method)
		return Request{}
	}
}

// Respond sends the response to a received request.
func (d *Daemon) Respond(req Request, code int32, msg string, result any) {
	line := map[string]any{
		"id":         req.ID,
		"error_code": code,
	}
	if msg != "" {
		line["message"] = msg
	}
	if result != nil {
		line["result"] = result
	}
	d.write(line)
}

// SendEvent emits an asynchronous event line.
func (d *Daemon) SendEvent(event string, data any, listenerID int64) {
	d.write(map[string]any{
		"event":       event,
		"data":        data,
		"listener_id": listenerID,
	})
}

func (d *Daemon) write(line map[string]any) {
	d.encMu.Lock()
	defer d.encMu.Unlock()
	_ = d.enc.Encode(line)
}

// Close severs the connection, as a daemon crash would.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() { _ = d.conn.Close() })
}

// Process is a controllable daemon process handle.
type Process struct {
	pid    int
	daemon *Daemon

	mu        sync.Mutex
	stopCount int
	killCount int
	exitOnce  sync.Once
	exited    chan struct{}

	// ExitOnStop makes Stop behave like a daemon honoring SIGTERM.
	ExitOnStop bool
}

func (p *Process) Pid() int                { return p.pid }
func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) Stop() {
	p.mu.Lock()
	p.stopCount++
	exit := p.ExitOnStop
	p.mu.Unlock()
	if exit {
		p.Exit()
	}
}

func (p *Process) Kill() {
	p.mu.Lock()
	p.killCount++
	p.mu.Unlock()
	p.Exit()
}

// Exit simulates process death: the exit channel closes and the control
// connection drops.
func (p *Process) Exit() {
	p.exitOnce.Do(func() {
		close(p.exited)
		if p.daemon != nil {
			p.daemon.Close()
		}
	})
}

// StopCount reports how many graceful stops were requested.
func (p *Process) StopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCount
}

// Spawner hands out fake daemons. Each Spawn produces a fresh
// daemon/process pair, retained in order for inspection.
type Spawner struct {
	mu      sync.Mutex
	daemons []*Daemon
	procs   []*Process

	// Configure, when set, runs against each new daemon before the client
	// connects, typically to install auto-responders.
	Configure func(*Daemon)
	// SpawnErr, when set, fails the next Spawn.
	SpawnErr error
}

func (s *Spawner) Spawn(ctx context.Context, callbacks otdaemon.Callbacks) (*otdaemon.Client, otdaemon.Handle, error) {
	s.mu.Lock()
	if err := s.SpawnErr; err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	server, clientConn := net.Pipe()
	d := NewOnConn(server)
	if s.Configure != nil {
		s.Configure(d)
	}
	p := &Process{
		pid:    1000 + len(s.procs),
		daemon: d,
		exited: make(chan struct{}),
	}
	s.daemons = append(s.daemons, d)
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	return otdaemon.NewClient(clientConn, callbacks), p, nil
}

// Daemon returns the i-th spawned daemon.
func (s *Spawner) Daemon(i int) *Daemon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemons[i]
}

// Process returns the i-th spawned process.
func (s *Spawner) Process(i int) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

// SpawnCount reports how many daemons were spawned.
func (s *Spawner) SpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.daemons)
}
