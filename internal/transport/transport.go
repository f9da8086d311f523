// Package transport defines the frame carrier the replication session runs on.
package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrClosed        = errors.New("connection is closed")
	ErrPeerClosed    = errors.New("peer closed the connection")
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrBadHandshake  = errors.New("malformed protocol hash frame")
)

// Conn carries encoded replication frames reliably and in order. Send may be
// called concurrently; Receive from a single goroutine.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Receive() ([]byte, error)
	BytesReceived() uint64
	Close() error
}

// SendHash writes the registry fingerprint. A server sends it before its
// first batch so the client can refuse an incompatible registration order.
func SendHash(conn Conn, hash uint64) error {
	return conn.Send(binary.BigEndian.AppendUint64(nil, hash))
}

// ReceiveHash reads the frame written by SendHash.
func ReceiveHash(conn Conn) (uint64, error) {
	frame, err := conn.Receive()
	if err != nil {
		return 0, err
	}
	if len(frame) != 8 {
		return 0, errors.Wrapf(ErrBadHandshake, "%d bytes", len(frame))
	}
	return binary.BigEndian.Uint64(frame), nil
}
