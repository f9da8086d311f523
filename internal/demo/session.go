package demo

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/replication/internal/config"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/core/observability/metrics"
	"github.com/zeusync/replication/internal/core/replication/client"
	"github.com/zeusync/replication/internal/core/replication/message"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/server"
	"github.com/zeusync/replication/internal/transport"
)

// Serve streams the state of source to one client until ctx ends or a send
// fails. Every connection gets its own collector, so a new client starts from
// a full snapshot.
func Serve(
	ctx context.Context,
	conn transport.Conn,
	source server.Source,
	reg *registry.Registry,
	cfg *config.Config,
	m *metrics.Replication,
	logger log.Log,
) error {
	collector := server.NewCollector(source, reg,
		server.WithWorkers(cfg.Server.Workers),
		server.WithMetrics(m),
		server.WithLogger(logger),
	)
	if err := transport.SendHash(conn, reg.ProtocolHash()); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.Server.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		batch, err := collector.Collect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if batch.IsEmpty() {
			continue
		}
		if err = conn.Send(message.Encode(batch, cfg.Message.CompressThreshold)); err != nil {
			return err
		}
	}
}

// Follow applies frames from conn to receiver until the connection ends.
// applied, when set, runs after every frame on the calling goroutine.
// The receiver is reset before Follow returns.
func Follow(ctx context.Context, conn transport.Conn, receiver *client.Receiver, logger log.Log, applied func()) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	defer receiver.Reset()

	hash, err := transport.ReceiveHash(conn)
	if err != nil {
		return err
	}
	if err = receiver.CheckProtocol(hash); err != nil {
		return err
	}

	for {
		frame, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrPeerClosed) {
				return nil
			}
			return err
		}
		if err = receiver.Receive(frame); err != nil {
			logger.Warn("batch applied with rejected entities", log.Error(err))
		}
		if applied != nil {
			applied()
		}
	}
}
