package ctl

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/meshbox/internal/mesherr"
	"github.com/spin-stack/meshbox/internal/otdaemon"
)

// DefaultOperationTimeout bounds how long the server waits for an operation
// before answering with a timeout. The underlying operation stays pending;
// only the CLI's wait is bounded.
const DefaultOperationTimeout = 2 * time.Second

// Controller is the service surface the server drives. *service.Service
// implements it.
type Controller interface {
	SetEnabled(ctx context.Context, enabled bool, done func(error))
	Join(ctx context.Context, activeDataset []byte, done func(error))
	Leave(ctx context.Context, done func(error))
	ScheduleMigration(ctx context.Context, pendingDataset []byte, delay time.Duration, done func(error))
	ForceStopDaemon(ctx context.Context, stop bool, done func(error))
	ForceCountryCode(ctx context.Context, enabled bool, code string) error
	GetCountryCode(ctx context.Context) (code string, overridden bool, err error)
	GetChannelMasks(ctx context.Context) (otdaemon.ChannelMasks, error)
}

// Server serves the control protocol on a unix socket.
type Server struct {
	ctrl     Controller
	listener net.Listener
	timeout  time.Duration

	wg     sync.WaitGroup
	closed sync.Once
}

// NewServer listens on socketPath, replacing any stale socket.
func NewServer(socketPath string, ctrl Controller) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale control socket: %w", err)
	}
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}
	return &Server{ctrl: ctrl, listener: l, timeout: DefaultOperationTimeout}, nil
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() {
	s.closed.Do(func() { _ = s.listener.Close() })
	s.wg.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.L.WithError(err).Warn("ctl: malformed request line")
			return
		}
		resp := s.handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			log.L.WithError(err).Debug("ctl: write response")
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	result, err := s.dispatch(ctx, req)
	resp := Response{ID: req.ID}
	if err != nil {
		resp.Code = mesherr.CodeFor(err)
		resp.Message = err.Error()
		return resp
	}
	if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Code = mesherr.CodeFor(mesherr.ErrInternal)
			resp.Message = merr.Error()
			return resp
		}
		resp.Result = raw
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Verb {
	case VerbEnable:
		return nil, s.await(func(done func(error)) { s.ctrl.SetEnabled(ctx, true, done) })
	case VerbDisable:
		return nil, s.await(func(done func(error)) { s.ctrl.SetEnabled(ctx, false, done) })
	case VerbJoin:
		dataset, err := decodeDataset(req.DatasetHex)
		if err != nil {
			return nil, err
		}
		return nil, s.await(func(done func(error)) { s.ctrl.Join(ctx, dataset, done) })
	case VerbLeave:
		return nil, s.await(func(done func(error)) { s.ctrl.Leave(ctx, done) })
	case VerbMigrate:
		dataset, err := decodeDataset(req.DatasetHex)
		if err != nil {
			return nil, err
		}
		delay := time.Duration(req.DelaySeconds) * time.Second
		return nil, s.await(func(done func(error)) { s.ctrl.ScheduleMigration(ctx, dataset, delay, done) })
	case VerbForceStopDaemon:
		return nil, s.await(func(done func(error)) { s.ctrl.ForceStopDaemon(ctx, req.Enabled, done) })
	case VerbForceCountryCode:
		return nil, s.ctrl.ForceCountryCode(ctx, req.Enabled, req.CountryCode)
	case VerbGetCountryCode:
		code, overridden, err := s.ctrl.GetCountryCode(ctx)
		if err != nil {
			return nil, err
		}
		return CountryCodeResult{CountryCode: code, Overridden: overridden}, nil
	case VerbGetChannelMasks:
		masks, err := s.ctrl.GetChannelMasks(ctx)
		if err != nil {
			return nil, err
		}
		return ChannelMasksResult{SupportedMask: masks.SupportedMask, PreferredMask: masks.PreferredMask}, nil
	default:
		return nil, fmt.Errorf("unknown verb %q: %w", req.Verb, mesherr.ErrUnsupportedOperation)
	}
}

// await converts a callback operation into a bounded wait. On timeout the
// operation keeps running; only this wait gives up.
func (s *Server) await(start func(done func(error))) error {
	done := make(chan error, 1)
	start(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(s.timeout):
		return fmt.Errorf("no reply after %s: %w", s.timeout, mesherr.ErrTimeout)
	}
}

func decodeDataset(hexTlvs string) ([]byte, error) {
	if hexTlvs == "" {
		return nil, fmt.Errorf("missing dataset: %w", mesherr.ErrFailedPrecondition)
	}
	dataset, err := hex.DecodeString(hexTlvs)
	if err != nil {
		return nil, fmt.Errorf("dataset is not valid hex: %w", mesherr.ErrResponseBadFormat)
	}
	return dataset, nil
}
