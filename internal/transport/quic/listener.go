package quic

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/replication/internal/core/observability/log"
)

// Listener accepts replicon QUIC connections.
type Listener struct {
	listener *quic.Listener
	config   Config
	logger   log.Log
	closed   atomic.Bool

	wg sync.WaitGroup
}

func Listen(addr string, tlsConf *tls.Config, config Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Nop()
	}
	listener, err := quic.ListenAddr(addr, tlsConf, config.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &Listener{
		listener: listener,
		config:   config,
		logger:   logger.With(log.String("transport", "quic")),
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve hands every accepted connection to serve on its own goroutine and
// closes it when serve returns. It stops when ctx ends or the listener closes.
func (l *Listener) Serve(ctx context.Context, serve func(*Conn)) error {
	for {
		qc, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || l.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			conn, err := l.open(ctx, qc)
			if err != nil {
				l.logger.Warn("Client dropped before streaming", log.Stringer("remote", qc.RemoteAddr()), log.Error(err))
				return
			}
			l.logger.Info("Client connected", log.String("client_id", conn.ID()), log.Stringer("remote", conn.RemoteAddr()))
			defer func() {
				_ = conn.Close()
				l.logger.Info("Client disconnected", log.String("client_id", conn.ID()))
			}()
			serve(conn)
		}()
	}
}

// open creates the frame stream. The peer sees it with the first frame.
func (l *Listener) open(ctx context.Context, qc *quic.Conn) (*Conn, error) {
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(closeCode, "no stream")
		return nil, errors.Wrap(err, "open stream")
	}
	return newConn(qc, stream, l.config), nil
}

// Wait blocks until every connection handed to serve has been released.
func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) Close() error {
	l.closed.Store(true)
	return l.listener.Close()
}
