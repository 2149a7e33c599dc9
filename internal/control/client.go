package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds a round trip to the watcher.
const DefaultTimeout = 10 * time.Second

// Client sends control commands to a running watcher
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    DefaultTimeout,
	}
}

// SetTimeout sets the client timeout for commands
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Send delivers cmd and waits for the response
func (c *Client) Send(cmd Command) (*Response, error) {
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to watcher (is it running?): %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Call sends cmd and decodes a successful result into out. A command the
// watcher rejected is returned as an error.
func (c *Client) Call(cmd Command, out any) error {
	resp, err := c.Send(cmd)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
