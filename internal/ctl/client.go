package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spin-stack/meshbox/internal/mesherr"
)

// Client is a connection to the meshboxd control socket.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
	nextID  uint64
}

// DialClient connects to the control socket.
func DialClient(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s (is meshboxd running?): %w", socketPath, err)
	}
	return &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		scanner: bufio.NewScanner(conn),
	}, nil
}

// Call sends one request and waits for its response. A non-zero response
// code is surfaced as the mapped taxonomy error.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	c.nextID++
	req.ID = c.nextID

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("send %s: %w", req.Verb, err)
	}
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return Response{}, fmt.Errorf("%s: malformed response: %w", req.Verb, mesherr.ErrResponseBadFormat)
		}
		if resp.ID != req.ID {
			continue
		}
		if base := mesherr.BaseForCode(resp.Code); base != nil {
			if resp.Message != "" {
				return resp, fmt.Errorf("%s: %s: %w", req.Verb, resp.Message, base)
			}
			return resp, fmt.Errorf("%s: %w", req.Verb, base)
		}
		return resp, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("%s: %w", req.Verb, err)
	}
	return Response{}, fmt.Errorf("%s: connection closed: %w", req.Verb, mesherr.ErrUnavailable)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
