package mpctls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"tlsn-mpc/session"
	"tlsn-mpc/shared"
	"tlsn-mpc/transcript"
)

// chunk is the accounting record of one application-data move.
type chunk struct {
	dir    transcript.Direction
	length uint32
	digest [sha256.Size]byte
}

// Conn is the bound TLS stream. Every byte of application plaintext is
// captured into the transcript and accounted to the notary through the
// drive task before the operation returns.
type Conn struct {
	tls  *tls.Conn
	caps CommitConfig

	mu      sync.Mutex
	sent    []byte
	recv    []byte
	closed  bool
	pending sync.WaitGroup

	chunks    chan chunk
	driveDone chan struct{}
	closeOnce sync.Once
}

func newConn(tlsConn *tls.Conn, caps CommitConfig) *Conn {
	return &Conn{
		tls:       tlsConn,
		caps:      caps,
		chunks:    make(chan chunk, 64),
		driveDone: make(chan struct{}),
	}
}

// Write sends application data to the target. It fails without sending
// when the write would push the sent transcript past its committed cap.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	if len(c.sent)+len(b) > int(c.caps.MaxSentData) {
		c.mu.Unlock()
		return 0, shared.NewProtocolError("traffic",
			fmt.Sprintf("sent transcript would exceed the committed cap of %d bytes", c.caps.MaxSentData), nil)
	}
	c.mu.Unlock()

	n, err := c.tls.Write(b)
	if n > 0 {
		if recErr := c.record(transcript.DirectionSent, b[:n]); recErr != nil && err == nil {
			err = recErr
		}
	}
	return n, err
}

// Read receives application data from the target. Received bytes beyond
// the committed cap fail the read.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.tls.Read(b)
	if n > 0 {
		if recErr := c.record(transcript.DirectionReceived, b[:n]); recErr != nil {
			return 0, recErr
		}
	}
	return n, err
}

// record captures a moved chunk into the transcript and hands it to the
// drive task. Blocks until the chunk is queued so no byte is ever used
// by the application before the notary could account it.
func (c *Conn) record(dir transcript.Direction, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	buf, limit := &c.sent, int(c.caps.MaxSentData)
	if dir == transcript.DirectionReceived {
		buf, limit = &c.recv, int(c.caps.MaxRecvData)
	}
	if len(*buf)+len(data) > limit {
		c.mu.Unlock()
		return shared.NewProtocolError("traffic",
			fmt.Sprintf("%s transcript exceeds the committed cap of %d bytes", dir, limit), nil)
	}
	*buf = append(*buf, data...)
	c.pending.Add(1)
	c.mu.Unlock()
	defer c.pending.Done()

	select {
	case c.chunks <- chunk{dir: dir, length: uint32(len(data)), digest: sha256.Sum256(data)}:
		return nil
	case <-c.driveDone:
		return shared.NewProtocolError("traffic", "drive task stopped before the chunk was accounted", nil)
	}
}

// Close closes the TLS connection and ends traffic accounting. The drive
// task drains what was already recorded and then finishes.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.tls.Close()
		c.pending.Wait()
		close(c.chunks)
	})
	return err
}

// Transcript snapshots the captured streams
func (c *Conn) Transcript() *transcript.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return transcript.New(c.sent, c.recv)
}

func (c *Conn) LocalAddr() net.Addr                { return c.tls.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.tls.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.tls.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.tls.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.tls.SetWriteDeadline(t) }

// Drive pumps traffic accounting frames to the notary for one bound
// connection. It must run concurrently with the application traffic:
// reads and writes on the Conn block until their chunks are queued here.
type Drive struct {
	handle *session.Handle
	conn   *Conn
	log    *shared.Logger

	sentChain []byte
	recvChain []byte
}

// Run consumes accounting chunks until the connection closes. The final
// digest chain heads are readable once Run has returned.
func (d *Drive) Run(ctx context.Context) error {
	defer close(d.conn.driveDone)
	d.sentChain = session.InitialTrafficChain()
	d.recvChain = session.InitialTrafficChain()

	for ch := range d.conn.chunks {
		payload, err := session.EncodeMsg(session.TrafficMsg{
			Direction: uint8(ch.dir),
			Length:    ch.length,
			Digest:    ch.digest[:],
		})
		if err != nil {
			return shared.NewProtocolError("traffic", "encode traffic message", err)
		}
		if err := d.handle.Send(ctx, session.Frame{Type: session.FrameTraffic, Payload: payload}); err != nil {
			return shared.NewProtocolError("traffic", "account chunk to notary", err)
		}
		if ch.dir == transcript.DirectionSent {
			d.sentChain = session.FoldTrafficChain(d.sentChain, ch.digest[:])
		} else {
			d.recvChain = session.FoldTrafficChain(d.recvChain, ch.digest[:])
		}
		d.log.Debug("accounted traffic chunk",
			zap.String("direction", ch.dir.String()),
			zap.Uint32("length", ch.length))
	}
	return nil
}

// Chains returns the folded digest chain heads. Only meaningful after
// Run has returned without error.
func (d *Drive) Chains() (sent, recv []byte) {
	return d.sentChain, d.recvChain
}
