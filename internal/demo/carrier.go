package demo

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/replication/internal/config"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/transport"
	"github.com/zeusync/replication/internal/transport/quic"
	"github.com/zeusync/replication/internal/transport/websocket"
)

const (
	replicationPath = "/replication"
	metricsPath     = "/metrics"
)

// endpoint is a running server side of one carrier.
type endpoint interface {
	Addr() string
	Dial(ctx context.Context) (transport.Conn, error)
	// Close stops accepting and waits for every served connection to return.
	Close()
}

// WebSocketConfig converts the transport section into websocket limits.
func WebSocketConfig(cfg *config.Config) websocket.Config {
	return websocket.Config{
		ReadTimeout:    cfg.Transport.ReadTimeout,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
	}
}

// QUICConfig converts the transport section into quic limits.
func QUICConfig(cfg *config.Config) quic.Config {
	return quic.Config{
		ReadTimeout:    cfg.Transport.ReadTimeout,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
		IdleTimeout:    cfg.Transport.IdleTimeout,
		KeepAlive:      cfg.Transport.KeepAlive,
	}
}

func listen(ctx context.Context, cfg *config.Config, serve func(transport.Conn), logger log.Log) (endpoint, error) {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		return listenWebSocket(cfg, serve, logger)
	case config.TransportQUIC:
		return listenQUIC(ctx, cfg, serve, logger)
	default:
		return nil, errors.Wrapf(config.ErrInvalidConfig, "unknown transport %q", cfg.Transport.Kind)
	}
}

// webSocketEndpoint serves replication and metrics on one http listener.
type webSocketEndpoint struct {
	addr    string
	config  websocket.Config
	server  *http.Server
	handler *websocket.Handler
	logger  log.Log
}

func listenWebSocket(cfg *config.Config, serve func(transport.Conn), logger log.Log) (*webSocketEndpoint, error) {
	ln, err := net.Listen("tcp", cfg.Transport.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	e := &webSocketEndpoint{
		addr:   ln.Addr().String(),
		config: WebSocketConfig(cfg),
		logger: logger,
	}
	e.handler = websocket.NewHandler(e.config, logger, func(conn *websocket.Conn) {
		serve(conn)
	})

	mux := http.NewServeMux()
	mux.Handle(replicationPath, e.handler)
	mux.Handle(metricsPath, promhttp.Handler())
	e.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", log.Error(err))
		}
	}()
	return e, nil
}

func (e *webSocketEndpoint) Addr() string {
	return e.addr
}

func (e *webSocketEndpoint) Dial(ctx context.Context) (transport.Conn, error) {
	conn, err := websocket.Dial(ctx, "ws://"+e.addr+replicationPath, e.config)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (e *webSocketEndpoint) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Warn("http server shutdown", log.Error(err))
	}
	e.handler.Wait()
}

// quicEndpoint serves replication over quic with a throwaway certificate
// that only the matching client trusts.
type quicEndpoint struct {
	listener  *quic.Listener
	config    quic.Config
	clientTLS *tls.Config
	cancel    context.CancelFunc
	served    chan error
	logger    log.Log
}

func listenQUIC(ctx context.Context, cfg *config.Config, serve func(transport.Conn), logger log.Log) (*quicEndpoint, error) {
	serverTLS, clientTLS, err := quic.SelfSigned()
	if err != nil {
		return nil, err
	}
	limits := QUICConfig(cfg)
	l, err := quic.Listen(cfg.Transport.Addr, serverTLS, limits, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &quicEndpoint{
		listener:  l,
		config:    limits,
		clientTLS: clientTLS,
		cancel:    cancel,
		served:    make(chan error, 1),
		logger:    logger,
	}
	go func() {
		e.served <- l.Serve(ctx, func(conn *quic.Conn) {
			serve(conn)
		})
	}()
	return e, nil
}

func (e *quicEndpoint) Addr() string {
	return e.listener.Addr().String()
}

func (e *quicEndpoint) Dial(ctx context.Context) (transport.Conn, error) {
	conn, err := quic.Dial(ctx, e.Addr(), e.clientTLS, e.config)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (e *quicEndpoint) Close() {
	e.cancel()
	_ = e.listener.Close()
	if err := <-e.served; err != nil {
		e.logger.Warn("quic listener stopped", log.Error(err))
	}
	e.listener.Wait()
}
