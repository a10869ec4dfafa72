package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/victorarias/tether/internal/protocol"
)

const (
	maxCommandBytes    = 16 << 20
	commandReadTimeout = 10 * time.Second
)

func (c *Controller) serve(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.logf("accept error: %v", err)
			continue
		}
		go c.handleConnection(ctx, conn)
	}
}

// handleConnection reads one command and writes one response.
func (c *Controller) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(commandReadTimeout))
	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readLine(reader, maxCommandBytes)
	if err != nil {
		c.sendError(conn, fmt.Sprintf("read command: %v", err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	_, msg, err := protocol.ParseMessage(line)
	if err != nil {
		c.sendError(conn, err.Error())
		return
	}
	resp := c.Route(ctx, msg)
	_ = json.NewEncoder(conn).Encode(resp)
}

func (c *Controller) sendError(conn net.Conn, errMsg string) {
	resp := protocol.Response{OK: false, Error: errMsg}
	_ = json.NewEncoder(conn).Encode(resp)
}

func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, fmt.Errorf("command exceeds %d bytes", limit)
		}
		if !isPrefix {
			return line, nil
		}
	}
}
