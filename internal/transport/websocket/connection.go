package websocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/replication/internal/transport"
)

var ErrUnexpectedFrame = errors.New("unexpected websocket frame")

var _ transport.Conn = (*Conn)(nil)

// Config holds per-connection limits. Zero values disable the limit.
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
}

// Conn carries encoded replication frames as binary websocket messages.
// Send may be called from several goroutines; Receive from one.
type Conn struct {
	id     string
	conn   *websocket.Conn
	config Config
	closed int32

	bytesSent     uint64
	bytesReceived uint64

	writeMu sync.Mutex
}

func newConn(conn *websocket.Conn, config Config) *Conn {
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	return &Conn{
		id:     uuid.New().String(),
		conn:   conn,
		config: config,
	}
}

// Dial connects to a replication endpoint such as ws://host:port/replication.
func Dial(ctx context.Context, url string, config Config) (*Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   config.BufferSize,
		WriteBufferSize:  config.BufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return newConn(conn, config), nil
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Send writes one frame.
func (c *Conn) Send(frame []byte) error {
	if c.IsClosed() {
		return transport.ErrClosed
	}
	if c.config.MaxMessageSize > 0 && int64(len(frame)) > c.config.MaxMessageSize {
		return errors.Wrapf(transport.ErrFrameTooLarge, "%d bytes", len(frame))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	atomic.AddUint64(&c.bytesSent, uint64(len(frame)))
	return nil
}

// Receive reads the next frame.
func (c *Conn) Receive() ([]byte, error) {
	if c.IsClosed() {
		return nil, transport.ErrClosed
	}
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, errors.Wrap(transport.ErrPeerClosed, err.Error())
		}
		return nil, errors.Wrap(err, "failed to read frame")
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.Wrapf(ErrUnexpectedFrame, "message type %d", messageType)
	}
	atomic.AddUint64(&c.bytesReceived, uint64(len(data)))
	return data, nil
}

// BytesSent and BytesReceived count frame payload bytes.
func (c *Conn) BytesSent() uint64 {
	return atomic.LoadUint64(&c.bytesSent)
}

func (c *Conn) BytesReceived() uint64 {
	return atomic.LoadUint64(&c.bytesReceived)
}

func (c *Conn) Close() error {
	return c.CloseWithReason("connection closed")
}

// CloseWithReason sends a close frame and closes the socket. Closing twice is a no-op.
func (c *Conn) CloseWithReason(reason string) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.writeMu.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}
