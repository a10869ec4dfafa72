package worker

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/victorarias/tether/internal/protocol"
)

const (
	connSendQueueSize       = 256
	connWriteTimeout        = 2 * time.Second
	connResponseSendTimeout = 500 * time.Millisecond
	connHelloTimeout        = 5 * time.Second
	maxFrameBytes           = 16 << 20
)

// connCtx is one controller channel: newline-delimited JSON frames, HELLO
// first, then events out and commands in.
type connCtx struct {
	runtime  *Runtime
	conn     net.Conn
	sendMu   sync.RWMutex
	sendQ    chan []byte
	sendDone chan struct{}
	sendOnce sync.Once
	closed   bool
	connID   string
	authed   bool
}

func (r *Runtime) handleConn(conn net.Conn) {
	c := &connCtx{
		runtime:  r,
		conn:     conn,
		sendQ:    make(chan []byte, connSendQueueSize),
		sendDone: make(chan struct{}),
		connID:   strconv.FormatUint(r.connSeq.Add(1), 10),
	}
	go c.writeLoop()
	defer func() {
		if c.authed {
			r.removeWatcher(c)
			r.logf("controller conn closed: conn=%s", c.connID)
		}
		c.closeSend()
		<-c.sendDone
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for {
		readTimeout, useDeadline := c.nextReadTimeout()
		if useDeadline {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		} else {
			// Authenticated channels are mostly worker-push and may stay
			// idle; keep them open until peer close.
			_ = conn.SetReadDeadline(time.Time{})
		}
		if !scanner.Scan() {
			err := scanner.Err()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				r.logf("controller conn read timeout: conn=%s authed=%v", c.connID, c.authed)
			} else if err != nil {
				r.logf("controller conn read error: conn=%s err=%v", c.connID, err)
			}
			return
		}
		_, msg, err := protocol.ParseMessage(scanner.Bytes())
		if err != nil {
			r.logf("controller conn bad frame: conn=%s err=%v", c.connID, err)
			if !c.authed {
				return
			}
			continue
		}
		if !c.handleFrame(msg) {
			return
		}
	}
}

func (c *connCtx) nextReadTimeout() (time.Duration, bool) {
	if !c.authed {
		return connHelloTimeout, true
	}
	return 0, false
}

// handleFrame processes one controller frame; false closes the channel.
func (c *connCtx) handleFrame(msg protocol.Message) bool {
	r := c.runtime
	if hello, ok := msg.(*protocol.Hello); ok {
		if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(r.cfg.ControlToken)) != 1 {
			r.logf("controller conn hello unauthorized: conn=%s", c.connID)
			return false
		}
		if !c.authed {
			c.authed = true
			r.logf("controller conn authed: conn=%s", c.connID)
			r.addWatcher(c)
		}
		return true
	}
	if !c.authed {
		r.logf("controller conn frame before hello: conn=%s kind=%s", c.connID, msg.Kind())
		return false
	}

	switch msg.(type) {
	case *protocol.Reconnect:
		r.emitLog(protocol.LevelInfo, "reconnect requested by controller")
		r.manager.Reconnect()
	case *protocol.Disconnect:
		r.emitLog(protocol.LevelInfo, "disconnect requested by controller")
		r.manager.Disconnect()
	default:
		r.logf("controller conn unexpected frame: conn=%s kind=%s", c.connID, msg.Kind())
	}
	return true
}

func (c *connCtx) writeLoop() {
	defer close(c.sendDone)
	for frame := range c.sendQ {
		_ = c.conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
		if _, err := c.conn.Write(frame); err != nil {
			c.runtime.logf("controller conn write error: conn=%s err=%v", c.connID, err)
			c.closeSend()
			// Unblock the reader so the channel is torn down.
			_ = c.conn.Close()
			drainQueue(c.sendQ)
			return
		}
	}
}

func drainQueue(q chan []byte) {
	for range q {
	}
}

func (c *connCtx) closeSend() {
	c.sendOnce.Do(func() {
		c.sendMu.Lock()
		c.closed = true
		close(c.sendQ)
		c.sendMu.Unlock()
	})
}

func (c *connCtx) enqueue(frame []byte, wait time.Duration) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return false
	}
	if wait <= 0 {
		select {
		case c.sendQ <- frame:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.sendQ <- frame:
		return true
	case <-timer.C:
		return false
	}
}

// encodeFrame is the channel's wire format: one JSON object per line. Frames
// are encoded once by the producer and shared between channels.
func encodeFrame(msg protocol.Message) ([]byte, error) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
