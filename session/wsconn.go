package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn adapts a WebSocket connection to net.Conn so the same session
// protocol runs unchanged over both transports. Bytes travel as binary
// messages; an empty binary message signals a write-side half close, which
// the reading peer surfaces as io.EOF. That keeps the detach-then-raw
// attestation exchange working where TCP would use CloseWrite.
type WSConn struct {
	ws *websocket.Conn

	readMu   sync.Mutex
	reader   io.Reader
	msgBytes int
	readEOF  bool

	writeMu     sync.Mutex
	writeClosed bool
}

// NewWSConn wraps an established WebSocket connection
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Read implements net.Conn
func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.readEOF {
			return 0, io.EOF
		}
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					c.readEOF = true
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
			c.msgBytes = 0
		}
		n, err := c.reader.Read(p)
		c.msgBytes += n
		if err == io.EOF {
			// Only a message that delivered zero bytes in total is the
			// half-close marker; a drained message just ends.
			empty := c.msgBytes == 0
			c.reader = nil
			if empty {
				c.readEOF = true
				return 0, io.EOF
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		if n == 0 && err == nil {
			continue
		}
		return n, err
	}
}

// Write implements net.Conn
func (c *WSConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed {
		return 0, net.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite half-closes the write side by sending the empty marker
// message. Reads remain usable.
func (c *WSConn) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeClosed {
		return nil
	}
	c.writeClosed = true
	return c.ws.WriteMessage(websocket.BinaryMessage, []byte{})
}

// Close implements net.Conn
func (c *WSConn) Close() error {
	return c.ws.Close()
}

// LocalAddr implements net.Conn
func (c *WSConn) LocalAddr() net.Addr { return c.ws.LocalAddr() }

// RemoteAddr implements net.Conn
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// SetDeadline implements net.Conn
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn
func (c *WSConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

// SetWriteDeadline implements net.Conn
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
