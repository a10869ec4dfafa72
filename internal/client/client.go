package client

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/victorarias/tether/internal/protocol"
)

// Client talks to the controller's local command socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New creates a client. timeout bounds the whole exchange; zero means none,
// which callers waiting on a capture rely on.
func New(socketPath string, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, timeout: timeout}
}

// send sends a message and receives a response
func (c *Client) send(msg protocol.Message) (*protocol.Response, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to controller: %w", err)
	}
	defer conn.Close()
	if c.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	data, err := protocol.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("receive response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("controller error: %s", resp.Error)
	}
	return &resp, nil
}

// Capture opens url and waits for the platform's probe to report a payload
// whose URL matches waitPattern.
func (c *Client) Capture(url, platform, waitPattern string) (*protocol.CapturePayload, error) {
	resp, err := c.send(&protocol.NavigateAndCapture{URL: url, Platform: platform, WaitPattern: waitPattern})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Intercept reports a payload observed by a page probe.
func (c *Client) Intercept(platform string, payload protocol.CapturePayload) error {
	_, err := c.send(&protocol.InterceptedData{Platform: platform, Payload: payload})
	return err
}

func (c *Client) ArmRestart() error {
	_, err := c.send(&protocol.ArmRestart{})
	return err
}

func (c *Client) Restart(manual bool) error {
	_, err := c.send(&protocol.RestartWorker{Manual: manual})
	return err
}

func (c *Client) SetConfig(serverURL, token string) error {
	_, err := c.send(&protocol.SetConfig{ServerURL: serverURL, Token: token})
	return err
}

func (c *Client) Status() (*protocol.Snapshot, error) {
	resp, err := c.send(&protocol.GetStatus{})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// CachedCapture returns the last payload that arrived with no request waiting.
func (c *Client) CachedCapture(platform string) (*protocol.CapturePayload, error) {
	resp, err := c.send(&protocol.GetCapture{Platform: platform})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// IsRunning checks if the controller is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
