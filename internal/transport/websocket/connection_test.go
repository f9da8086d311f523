package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replication/internal/transport"
)

func serve(t *testing.T, config Config, fn func(*Conn)) (*Handler, string) {
	t.Helper()
	handler := NewHandler(config, nil, fn)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return handler, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendReceive(t *testing.T) {
	config := Config{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	handler, url := serve(t, config, func(conn *Conn) {
		if err := transport.SendHash(conn, 0xfeedface); err != nil {
			return
		}
		for {
			frame, err := conn.Receive()
			if err != nil {
				return
			}
			if err = conn.Send(append(frame, 0xff)); err != nil {
				return
			}
		}
	})

	conn, err := Dial(context.Background(), url, config)
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID())

	hash, err := transport.ReceiveHash(conn)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfeedface), hash)

	require.NoError(t, conn.Send([]byte{1, 2, 3}))
	frame, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0xff}, frame)
	assert.Equal(t, uint64(3), conn.BytesSent())
	assert.Equal(t, uint64(12), conn.BytesReceived())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send([]byte{1}), transport.ErrClosed)
	_, err = conn.Receive()
	assert.ErrorIs(t, err, transport.ErrClosed)

	handler.Wait()
}

func TestFrameLimit(t *testing.T) {
	config := Config{MaxMessageSize: 4}
	_, url := serve(t, config, func(conn *Conn) {
		_, _ = conn.Receive()
	})

	conn, err := Dial(context.Background(), url, config)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, conn.Send([]byte{1, 2, 3, 4, 5}), transport.ErrFrameTooLarge)
}

func TestReceiveHashRejectsOtherFrames(t *testing.T) {
	_, url := serve(t, Config{}, func(conn *Conn) {
		_ = conn.Send([]byte{1, 2})
		_, _ = conn.Receive()
	})

	conn, err := Dial(context.Background(), url, Config{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = transport.ReceiveHash(conn)
	assert.ErrorIs(t, err, transport.ErrBadHandshake)
}

func TestPeerClose(t *testing.T) {
	_, url := serve(t, Config{}, func(conn *Conn) {
		_ = conn.Close()
	})

	conn, err := Dial(context.Background(), url, Config{})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Receive()
	assert.ErrorIs(t, err, transport.ErrPeerClosed)
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/replication", Config{})
	assert.Error(t, err)
}
