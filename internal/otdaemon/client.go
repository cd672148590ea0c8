package otdaemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/meshbox/internal/mesherr"
)

// maxLineSize bounds a single protocol line. Datasets are at most a few
// hundred bytes, so this is generous.
const maxLineSize = 1 << 20

// Client is a connection to the mesh daemon's control socket.
//
// Requests are JSON lines correlated by numeric ID. Fire-and-forget
// operations resolve a completion callback when the daemon's response
// arrives, or with Unavailable when the connection dies first. Events
// (lines without an ID) are dispatched to the Callbacks set at dial time
// from a single read-loop goroutine.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner

	encMu   sync.Mutex
	encoder *json.Encoder

	callbacks Callbacks

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]func(*response)

	closed         atomic.Bool
	disconnectOnce sync.Once
}

type request struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID        uint64          `json:"id,omitempty"`
	ErrorCode int32           `json:"error_code"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// Event fields; an event line has Event set and no ID.
	Event      string          `json:"event,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ListenerID int64           `json:"listener_id,omitempty"`
}

// Dial connects to the daemon control socket, waiting up to dialTimeout for
// the socket to appear and accept (the daemon process may still be coming
// up when this is called).
func Dial(ctx context.Context, socketPath string, dialTimeout time.Duration, callbacks Callbacks) (*Client, error) {
	deadline := time.Now().Add(dialTimeout)
	var conn net.Conn
	for {
		var err error
		conn, err = net.DialTimeout("unix", socketPath, time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial daemon socket %s: %w", socketPath, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	log.G(ctx).WithField("socket", socketPath).Debug("otdaemon: connected")
	return NewClient(conn, callbacks), nil
}

// NewClient wraps an established connection. Used directly by tests; most
// callers go through Dial.
func NewClient(conn net.Conn, callbacks Callbacks) *Client {
	c := &Client{
		conn:      conn,
		scanner:   bufio.NewScanner(conn),
		encoder:   json.NewEncoder(conn),
		callbacks: callbacks,
		pending:   make(map[uint64]func(*response)),
	}
	c.scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	go c.readLoop()
	return c
}

// Initialize pushes the initial configuration. Must be the first call on a
// new connection.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) error {
	return c.call(ctx, "initialize", req, nil)
}

// RegisterStateListener registers the caller as a state callback sink.
// Subsequent state-changed events answering this registration echo the
// given listener ID; WildcardListenerID subscribes to broadcasts only.
func (c *Client) RegisterStateListener(ctx context.Context, listenerID int64) error {
	return c.call(ctx, "register_state_listener", map[string]int64{"listener_id": listenerID}, nil)
}

// GetChannelMasks queries the supported and preferred channel masks.
func (c *Client) GetChannelMasks(ctx context.Context) (ChannelMasks, error) {
	var masks ChannelMasks
	err := c.call(ctx, "get_channel_masks", nil, &masks)
	return masks, err
}

// SetThreadEnabled asks the daemon to bring the mesh protocol up or down.
func (c *Client) SetThreadEnabled(enabled bool, done func(error)) {
	c.send("set_thread_enabled", map[string]bool{"enabled": enabled}, done)
}

// Join attaches to the network described by the given active dataset.
func (c *Client) Join(activeDatasetTlvs []byte, done func(error)) {
	c.send("join", map[string][]byte{"active_dataset": activeDatasetTlvs}, done)
}

// ScheduleMigration schedules a move to the given pending dataset.
func (c *Client) ScheduleMigration(pendingDatasetTlvs []byte, done func(error)) {
	c.send("schedule_migration", map[string][]byte{"pending_dataset": pendingDatasetTlvs}, done)
}

// Leave detaches from the current network and wipes its dataset.
func (c *Client) Leave(done func(error)) {
	c.send("leave", nil, done)
}

// SetCountryCode updates the daemon's regulatory region.
func (c *Client) SetCountryCode(code string, done func(error)) {
	c.send("set_country_code", map[string]string{"country_code": code}, done)
}

// ConfigureBorderRouter pushes border routing configuration.
func (c *Client) ConfigureBorderRouter(cfg BorderRouterConfig, done func(error)) {
	c.send("configure_border_router", cfg, done)
}

// SetChannelMaxPowers sets per-channel transmit power limits.
func (c *Client) SetChannelMaxPowers(powers []ChannelMaxPower, done func(error)) {
	c.send("set_channel_max_powers", map[string]any{"channel_max_powers": powers}, done)
}

// Terminate asks the daemon process to exit. Fire-and-forget: success is
// observed through the disconnect signal, not a response.
func (c *Client) Terminate() {
	raw, _ := json.Marshal(request{Method: "terminate"})
	c.encMu.Lock()
	defer c.encMu.Unlock()
	if _, err := c.conn.Write(append(raw, '\n')); err != nil {
		log.L.WithError(err).Debug("otdaemon: terminate write failed")
	}
}

// call issues a synchronous request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	respCh := make(chan *response, 1)
	if err := c.enqueue(method, params, func(r *response) { respCh <- r }); err != nil {
		return err
	}
	select {
	case r := <-respCh:
		if r == nil {
			return fmt.Errorf("%s: connection lost: %w", method, mesherr.ErrUnavailable)
		}
		if err := mesherr.FromCode(r.ErrorCode, r.Message); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if out != nil && r.Result != nil {
			if err := json.Unmarshal(r.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, mesherr.ErrResponseBadFormat)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send issues an asynchronous request; done fires from the read-loop
// goroutine with the mapped error (nil for success), or Unavailable if the
// connection dies before a response arrives.
func (c *Client) send(method string, params any, done func(error)) {
	err := c.enqueue(method, params, func(r *response) {
		if done == nil {
			return
		}
		if r == nil {
			done(fmt.Errorf("%s: connection lost: %w", method, mesherr.ErrUnavailable))
			return
		}
		done(mesherr.FromCode(r.ErrorCode, r.Message))
	})
	if err != nil && done != nil {
		done(err)
	}
}

func (c *Client) enqueue(method string, params any, resolve func(*response)) error {
	if c.closed.Load() {
		return fmt.Errorf("%s: client closed: %w", method, mesherr.ErrUnavailable)
	}

	req := request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: client closed: %w", method, mesherr.ErrUnavailable)
	}
	c.pending[req.ID] = resolve
	c.mu.Unlock()

	c.encMu.Lock()
	err := c.encoder.Encode(req)
	c.encMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w: %w", method, mesherr.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) readLoop() {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.L.WithError(err).Warn("otdaemon: malformed protocol line")
			continue
		}

		if resp.Event != "" {
			c.dispatchEvent(&resp)
			continue
		}

		c.mu.Lock()
		resolve, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			resolve(&resp)
		} else {
			log.L.WithField("id", resp.ID).Debug("otdaemon: response for unknown request")
		}
	}
	if err := c.scanner.Err(); err != nil {
		log.L.WithError(err).Debug("otdaemon: read loop ended")
	}
	c.teardown()
}

func (c *Client) dispatchEvent(resp *response) {
	switch resp.Event {
	case "state_changed":
		var state DeviceState
		if err := json.Unmarshal(resp.Data, &state); err != nil {
			log.L.WithError(err).Warn("otdaemon: bad state_changed event")
			return
		}
		if c.callbacks.OnStateChanged != nil {
			c.callbacks.OnStateChanged(state, resp.ListenerID)
		}
	case "address_changed":
		var addrs []AddressInfo
		if err := json.Unmarshal(resp.Data, &addrs); err != nil {
			log.L.WithError(err).Warn("otdaemon: bad address_changed event")
			return
		}
		if c.callbacks.OnAddressChanged != nil {
			c.callbacks.OnAddressChanged(addrs)
		}
	case "backbone_router_state_changed":
		var state BackboneRouterState
		if err := json.Unmarshal(resp.Data, &state); err != nil {
			log.L.WithError(err).Warn("otdaemon: bad backbone_router_state_changed event")
			return
		}
		if c.callbacks.OnBackboneRouterStateChanged != nil {
			c.callbacks.OnBackboneRouterStateChanged(state)
		}
	case "service_registered":
		var reg ServiceRegistration
		if err := json.Unmarshal(resp.Data, &reg); err != nil {
			log.L.WithError(err).Warn("otdaemon: bad service_registered event")
			return
		}
		if c.callbacks.OnServiceRegistered != nil {
			c.callbacks.OnServiceRegistered(reg)
		}
	case "service_unregistered":
		var data struct {
			InstanceName string `json:"instance_name"`
		}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			log.L.WithError(err).Warn("otdaemon: bad service_unregistered event")
			return
		}
		if c.callbacks.OnServiceUnregistered != nil {
			c.callbacks.OnServiceUnregistered(data.InstanceName)
		}
	case "thread_enabled_changed":
		var data struct {
			State EnabledState `json:"state"`
		}
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			log.L.WithError(err).Warn("otdaemon: bad thread_enabled_changed event")
			return
		}
		if c.callbacks.OnThreadEnabledChanged != nil {
			c.callbacks.OnThreadEnabledChanged(data.State)
		}
	default:
		log.L.WithField("event", resp.Event).Debug("otdaemon: ignoring unknown event")
	}
}

// teardown resolves every pending request with a lost connection and fires
// the disconnect callback exactly once.
func (c *Client) teardown() {
	c.closed.Store(true)
	// When the daemon side closes first our half of the socket is still
	// open; release it here so a crash does not leak the fd.
	_ = c.conn.Close()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, resolve := range pending {
		resolve(nil)
	}

	c.disconnectOnce.Do(func() {
		if c.callbacks.OnDisconnected != nil {
			c.callbacks.OnDisconnected()
		}
	})
}

// Close tears down the connection. Pending operations resolve with
// Unavailable via the read loop.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	if err != nil && !os.IsNotExist(err) {
		log.L.WithError(err).Debug("otdaemon: close")
	}
	return err
}
