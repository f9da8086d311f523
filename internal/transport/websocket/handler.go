package websocket

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zeusync/replication/internal/core/observability/log"
)

// Handler upgrades requests and hands each connection to serve, which owns
// it until it returns. The connection is closed afterwards.
type Handler struct {
	upgrader websocket.Upgrader
	config   Config
	serve    func(*Conn)
	logger   log.Log

	wg sync.WaitGroup
}

func NewHandler(config Config, logger log.Log, serve func(*Conn)) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.BufferSize,
			WriteBufferSize: config.BufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		config: config,
		serve:  serve,
		logger: logger.With(log.String("transport", "websocket")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}

	conn := newConn(ws, h.config)
	h.wg.Add(1)
	defer h.wg.Done()

	h.logger.Info("Client connected", log.String("client_id", conn.ID()), log.Stringer("remote", conn.RemoteAddr()))
	defer func() {
		_ = conn.Close()
		h.logger.Info("Client disconnected", log.String("client_id", conn.ID()))
	}()
	h.serve(conn)
}

// Wait blocks until every connection handed to serve has been released.
func (h *Handler) Wait() {
	h.wg.Wait()
}
