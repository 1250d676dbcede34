// Package session implements the framed duplex channel between a prover
// and a notary. A Session splits into a Driver, the wire pump that must
// run for the whole protocol, and a Handle used to exchange protocol
// frames. Closing the handle detaches the driver and surrenders the raw
// socket for the attestation exchange.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"tlsn-mpc/shared"
)

// Frame types carried by the session mux.
const (
	FrameHello        uint8 = 1
	FrameHelloAck     uint8 = 2
	FrameCommitConfig uint8 = 3
	FrameCommitAck    uint8 = 4
	FrameTraffic      uint8 = 5
	FrameError        uint8 = 6
	FrameDetach       uint8 = 7
)

// maxFramePayload bounds a single frame. Protocol frames are small;
// anything larger indicates a corrupted stream.
const maxFramePayload = 1 << 20

// ErrSessionClosed is returned by handle operations after the driver has
// stopped (local close or peer detach).
var ErrSessionClosed = errors.New("session closed")

// Frame is one unit on the session wire: a type byte plus a CBOR payload.
type Frame struct {
	Type    uint8
	Payload []byte
}

// Session is a framed duplex channel over a single connection
type Session struct {
	conn net.Conn
	log  *shared.Logger
}

// New wraps an established connection. The logger may be nil.
func New(conn net.Conn, log *shared.Logger) *Session {
	if log == nil {
		log = shared.NewNopLogger()
	}
	return &Session{conn: conn, log: log}
}

// Split returns the driver and handle halves. Each may be used by a
// different goroutine; the driver must be running for handle operations
// to make progress.
func (s *Session) Split() (*Driver, *Handle) {
	d := &Driver{
		conn:     s.conn,
		log:      s.log,
		outbox:   make(chan Frame, 16),
		inbox:    make(chan Frame, 64),
		closeReq: make(chan struct{}),
		stopRead: make(chan struct{}),
		done:     make(chan struct{}),
	}
	return d, &Handle{d: d}
}

// Driver pumps frames between the connection and the handle. Run returns
// when the handle is closed (after flushing and sending a detach frame)
// or when the peer detaches; the connection then carries raw bytes and is
// recovered with Detach.
type Driver struct {
	conn net.Conn
	log  *shared.Logger

	outbox   chan Frame
	inbox    chan Frame
	closeReq chan struct{}
	stopRead chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	runErr    error
}

// Run pumps the session until close or peer detach. It must run
// concurrently with all handle operations; a stalled driver stalls the
// protocol.
func (d *Driver) Run(ctx context.Context) error {
	err := d.run(ctx)
	d.runErr = err
	close(d.done)
	return err
}

func (d *Driver) run(ctx context.Context) error {
	readCh := make(chan Frame)
	readErrCh := make(chan error, 1)
	readDone := make(chan struct{})

	go func() {
		defer close(readDone)
		for {
			f, err := ReadFrame(d.conn)
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case readCh <- f:
				if f.Type == FrameDetach {
					return
				}
			case <-d.stopRead:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = d.conn.Close()
			<-readDone
			return ctx.Err()

		case f := <-d.outbox:
			if err := WriteFrame(d.conn, f); err != nil {
				_ = d.conn.Close()
				<-readDone
				return fmt.Errorf("session write: %w", err)
			}

		case <-d.closeReq:
			// Flush everything queued before the close, then announce
			// the detach so the peer stops framing too.
			for {
				select {
				case f := <-d.outbox:
					if err := WriteFrame(d.conn, f); err != nil {
						_ = d.conn.Close()
						<-readDone
						return fmt.Errorf("session flush: %w", err)
					}
					continue
				default:
				}
				break
			}
			if err := WriteFrame(d.conn, Frame{Type: FrameDetach}); err != nil {
				_ = d.conn.Close()
				<-readDone
				return fmt.Errorf("session detach: %w", err)
			}
			close(d.stopRead)
			_ = d.conn.SetReadDeadline(time.Now())
			<-readDone
			_ = d.conn.SetReadDeadline(time.Time{})
			d.log.Debug("session driver detached")
			return nil

		case f := <-readCh:
			if f.Type == FrameDetach {
				d.log.Debug("peer detached session")
				return nil
			}
			d.log.Debug("frame received", f.LogFields()...)
			select {
			case d.inbox <- f:
			case <-ctx.Done():
				_ = d.conn.Close()
				<-readDone
				return ctx.Err()
			}

		case err := <-readErrCh:
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("session closed by peer: %w", err)
			}
			return fmt.Errorf("session read: %w", err)
		}
	}
}

// Detach returns the underlying connection once the driver has stopped.
// The caller owns the socket afterwards.
func (d *Driver) Detach() (net.Conn, error) {
	<-d.done
	if d.runErr != nil {
		return nil, d.runErr
	}
	return d.conn, nil
}

// Handle is the foreground side of a session
type Handle struct {
	d         *Driver
	closeOnce sync.Once
}

// Send queues a frame for the driver to write
func (h *Handle) Send(ctx context.Context, f Frame) error {
	select {
	case <-h.d.done:
		return ErrSessionClosed
	default:
	}
	select {
	case h.d.outbox <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.d.done:
		return ErrSessionClosed
	}
}

// Recv returns the next inbound frame. Error frames from the peer are
// surfaced as errors. Frames buffered before a peer detach are still
// delivered; afterwards Recv reports ErrSessionClosed.
func (h *Handle) Recv(ctx context.Context) (Frame, error) {
	select {
	case f := <-h.d.inbox:
		return h.deliver(f)
	default:
	}
	select {
	case f := <-h.d.inbox:
		return h.deliver(f)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-h.d.done:
		select {
		case f := <-h.d.inbox:
			return h.deliver(f)
		default:
			return Frame{}, ErrSessionClosed
		}
	}
}

func (h *Handle) deliver(f Frame) (Frame, error) {
	if f.Type == FrameError {
		msg, err := DecodeErrorMsg(f.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("peer error (undecodable): %w", err)
		}
		return Frame{}, fmt.Errorf("peer error %s: %s", msg.Code, msg.Message)
	}
	return f, nil
}

// Close signals the driver to flush, send the detach frame and stop.
// Safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.d.closeReq)
	})
	return nil
}

// WriteFrame writes one frame: 4-byte big-endian length, type byte,
// payload, as a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxFramePayload {
		return fmt.Errorf("frame payload %d exceeds limit", len(f.Payload))
	}
	buf := make([]byte, 4+1+len(f.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(f.Payload)))
	buf[4] = f.Type
	copy(buf[5:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 1 || n > maxFramePayload+1 {
		return Frame{}, fmt.Errorf("invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, err
	}
	return Frame{Type: buf[0], Payload: buf[1:]}, nil
}

// LogFields returns standard zap fields for a frame
func (f Frame) LogFields() []zap.Field {
	return []zap.Field{
		zap.Uint8("frame_type", f.Type),
		zap.Int("payload_len", len(f.Payload)),
	}
}
