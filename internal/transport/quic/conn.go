package quic

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/replication/internal/transport"
)

var _ transport.Conn = (*Conn)(nil)

const closeCode quic.ApplicationErrorCode = 0

// Config holds per-connection limits. Zero values disable the limit or keep
// the quic-go default.
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	IdleTimeout    time.Duration
	KeepAlive      time.Duration
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  c.IdleTimeout,
		KeepAlivePeriod: c.KeepAlive,
	}
}

// Conn carries length-prefixed frames on a single bidirectional stream opened
// by the server.
type Conn struct {
	id     string
	conn   *quic.Conn
	stream *quic.Stream
	config Config
	closed int32

	bytesSent     uint64
	bytesReceived uint64

	writeMu sync.Mutex
	header  [4]byte
}

func newConn(conn *quic.Conn, stream *quic.Stream, config Config) *Conn {
	return &Conn{
		id:     uuid.New().String(),
		conn:   conn,
		stream: stream,
		config: config,
	}
}

// Dial connects to a replicon QUIC listener. It returns once the server has
// opened the frame stream, which happens with its first frame.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, config Config) (*Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeCode, "no stream")
		return nil, errors.Wrap(err, "accept stream")
	}
	return newConn(conn, stream, config), nil
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
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	binary.BigEndian.PutUint32(c.header[:], uint32(len(frame)))
	if _, err := c.stream.Write(c.header[:]); err != nil {
		return c.wrap(err, "failed to write frame")
	}
	if _, err := c.stream.Write(frame); err != nil {
		return c.wrap(err, "failed to write frame")
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
		_ = c.stream.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}

	var header [4]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		return nil, c.wrap(err, "failed to read frame")
	}
	size := binary.BigEndian.Uint32(header[:])
	if c.config.MaxMessageSize > 0 && int64(size) > c.config.MaxMessageSize {
		return nil, errors.Wrapf(transport.ErrFrameTooLarge, "%d bytes", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(c.stream, frame); err != nil {
		return nil, c.wrap(err, "failed to read frame")
	}
	atomic.AddUint64(&c.bytesReceived, uint64(size))
	return frame, nil
}

func (c *Conn) wrap(err error, msg string) error {
	var appErr *quic.ApplicationError
	if errors.Is(err, io.EOF) || (errors.As(err, &appErr) && appErr.ErrorCode == closeCode) {
		return errors.Wrap(transport.ErrPeerClosed, err.Error())
	}
	return errors.Wrap(err, msg)
}

func (c *Conn) BytesSent() uint64 {
	return atomic.LoadUint64(&c.bytesSent)
}

func (c *Conn) BytesReceived() uint64 {
	return atomic.LoadUint64(&c.bytesReceived)
}

// Close finishes the stream and closes the connection. Closing twice is a no-op.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.stream.Close()
	c.writeMu.Unlock()
	return c.conn.CloseWithError(closeCode, "connection closed")
}
