package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/victorarias/tether/internal/launcher"
	"github.com/victorarias/tether/internal/protocol"
)

const (
	channelWriteTimeout = 2 * time.Second
	maxChannelFrame     = 16 << 20
)

// workerChannel is the controller end of a worker's unix socket.
type workerChannel struct {
	conn    net.Conn
	scanner *bufio.Scanner
	helloAt time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// dialWorker connects and authenticates. The worker acknowledges a valid
// HELLO with OFFSCREEN_ALIVE and closes the socket otherwise.
func dialWorker(ctx context.Context, h *launcher.Handle, timeout time.Duration) (*workerChannel, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", h.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("dial worker: %w", err)
	}
	ch := &workerChannel{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		done:    make(chan struct{}),
	}
	ch.scanner.Buffer(make([]byte, 64*1024), maxChannelFrame)

	if err := ch.Send(&protocol.Hello{Token: h.ControlToken, ProtocolVersion: protocol.ProtocolVersion}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if !ch.scanner.Scan() {
		_ = conn.Close()
		if err := ch.scanner.Err(); err != nil {
			return nil, fmt.Errorf("await hello ack: %w", err)
		}
		return nil, errors.New("worker rejected hello")
	}
	_, msg, err := protocol.ParseMessage(ch.scanner.Bytes())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("parse hello ack: %w", err)
	}
	if _, ok := msg.(*protocol.WorkerAlive); !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected hello ack %s", msg.Kind())
	}
	_ = conn.SetReadDeadline(time.Time{})
	ch.helloAt = time.Now()
	return ch, nil
}

func (ch *workerChannel) Send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	if _, err := ch.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", msg.Kind(), err)
	}
	return nil
}

// readLoop hands every frame to route until the socket closes.
func (ch *workerChannel) readLoop(route func(protocol.Message)) {
	defer ch.Close()
	for ch.scanner.Scan() {
		_, msg, err := protocol.ParseMessage(ch.scanner.Bytes())
		if err != nil {
			continue
		}
		route(msg)
	}
}

func (ch *workerChannel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.done)
		_ = ch.conn.Close()
	})
}

func (ch *workerChannel) Closed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}
