// Package network implements the client side TCP connections to the login,
// char and map servers.
package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// ConnStats counts traffic on one connection.
type ConnStats struct {
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	PacketsOut uint64 `json:"packets_out"`
}

// Connection wraps the TCP connection of one protocol phase.
// Reads come from a single goroutine (the phase's framer); writes may come
// from any goroutine and are serialized.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	phase  protocol.Phase
	logger zerolog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	connectedAt  time.Time
	lastActivity atomic.Int64

	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	packetsOut atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial opens a connection to addr for the given phase.
func Dial(ctx context.Context, phase protocol.Phase, addr string, timeout time.Duration) (*Connection, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &protocol.IOError{Op: fmt.Sprintf("connect %s server at %s", phase, addr), Err: err}
	}
	return NewConnection(conn, phase), nil
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, phase protocol.Phase) *Connection {
	now := time.Now()
	c := &Connection{
		conn:         conn,
		phase:        phase,
		connectedAt:  now,
		writeTimeout: defaultWriteTimeout,
		logger: log.With().
			Str("component", "connection").
			Stringer("phase", phase).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// SetReadTimeout sets the idle limit applied to every read. Zero disables it.
func (c *Connection) SetReadTimeout(d time.Duration) {
	c.readTimeout = d
}

// SetWriteTimeout sets the deadline applied to every write.
func (c *Connection) SetWriteTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeTimeout = d
}

// Read implements io.Reader for the framer.
func (c *Connection) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	n, err := c.conn.Read(p)
	if n > 0 {
		c.bytesIn.Add(uint64(n))
		c.lastActivity.Store(time.Now().UnixNano())
	}
	return n, err
}

// ReadFull reads exactly n raw bytes outside of any framing.
func (c *Connection) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil, &protocol.IOError{Op: "read raw", Err: err}
	}
	return buf, nil
}

// WritePacket sends an encoded packet.
func (c *Connection) WritePacket(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return &protocol.IOError{Op: "write", Err: net.ErrClosed}
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.conn.Write(data)
	c.bytesOut.Add(uint64(n))
	if err != nil {
		return &protocol.IOError{Op: "write", Err: err}
	}

	c.packetsOut.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
	c.logger.Trace().Int("bytes", n).Hex("data", data).Msg("packet sent")
	return nil
}

// Send writes the result of a packet builder, so call sites can pass the
// builder call directly: conn.Send(protocol.BuildAckMap()).
func (c *Connection) Send(data []byte, buildErr error) error {
	if buildErr != nil {
		return fmt.Errorf("failed to build packet: %w", buildErr)
	}
	return c.WritePacket(data)
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.logger.Debug().Msg("connection closed")
	})
	return err
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Phase returns the protocol phase this connection serves.
func (c *Connection) Phase() protocol.Phase {
	return c.phase
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Stats returns the traffic counters.
func (c *Connection) Stats() ConnStats {
	return ConnStats{
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		PacketsOut: c.packetsOut.Load(),
	}
}
