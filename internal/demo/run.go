package demo

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/replication/internal/config"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/core/observability/metrics"
	"github.com/zeusync/replication/internal/core/replication/client"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/tick"
	"github.com/zeusync/replication/internal/core/world"
	"github.com/zeusync/replication/internal/transport"
)

// Report summarizes a Run.
type Report struct {
	Transport      string
	Addr           string
	Steps          int
	ClientTick     tick.RepliconTick
	ServerEntities int
	ClientEntities int
	BytesReceived  uint64
	InSync         bool
}

type syncPoint struct {
	state State
	tick  tick.RepliconTick
}

// Run plays steps simulation ticks on a server world, replicates them to a
// client world over the configured transport on cfg.Transport.Addr, then waits
// for the client to catch up.
func Run(ctx context.Context, cfg *config.Config, steps int, m *metrics.Replication, logger log.Log) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverWorld := world.New(nil)
	serverRegistry := registry.New(serverWorld.Components(), logger)
	Register(serverRegistry, nil)

	var guard *tick.Guard
	if cfg.Client.LastWriteWins {
		guard = tick.NewGuard()
	}
	clientWorld := world.New(nil)
	clientRegistry := registry.New(clientWorld.Components(), logger)
	Register(clientRegistry, guard)
	receiver := client.NewReceiver(clientWorld, clientRegistry,
		client.WithGuard(guard),
		client.WithMetrics(m),
		client.WithLogger(logger),
	)

	ep, err := listen(ctx, cfg, func(conn transport.Conn) {
		if err := Serve(ctx, conn, serverWorld, serverRegistry, cfg, m, logger); err != nil {
			logger.Warn("replication stream ended", log.String("client_id", conn.ID()), log.Error(err))
		}
	}, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		cancel()
		ep.Close()
	}()

	addr := ep.Addr()
	conn, err := ep.Dial(ctx)
	if err != nil {
		return nil, err
	}

	points := make(chan syncPoint, 1)
	followed := make(chan error, 1)
	go func() {
		followed <- Follow(ctx, conn, receiver, logger, func() {
			point := syncPoint{state: ClientState(clientWorld, receiver.EntityMap())}
			point.tick, _ = receiver.LastTick()
			select {
			case <-points:
			default:
			}
			points <- point
		})
	}()

	sim := NewSimulation(serverWorld, 2)
	ticker := time.NewTicker(cfg.Server.TickInterval)
	for sim.Steps() < steps {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return nil, ctx.Err()
		case err = <-followed:
			ticker.Stop()
			return nil, stoppedEarly(err)
		case <-ticker.C:
			sim.Step()
		}
	}
	ticker.Stop()

	want := ServerState(serverWorld, serverWorld.Entities())
	report := &Report{Transport: cfg.Transport.Kind, Addr: addr, Steps: steps, ServerEntities: len(want)}
	deadline := time.NewTimer(max(50*cfg.Server.TickInterval, time.Second))
	defer deadline.Stop()

wait:
	for {
		select {
		case point := <-points:
			report.ClientTick = point.tick
			report.ClientEntities = len(point.state)
			if point.state.Equal(want) {
				report.InSync = true
				break wait
			}
		case err = <-followed:
			return nil, stoppedEarly(err)
		case <-deadline.C:
			break wait
		}
	}

	cancel()
	if err = <-followed; err != nil {
		return nil, err
	}
	report.BytesReceived = conn.BytesReceived()
	logger.Info("demo finished",
		log.String("transport", report.Transport),
		log.Int("steps", steps),
		log.Stringer("client_tick", report.ClientTick),
		log.Int("entities", report.ServerEntities),
		log.Bool("in_sync", report.InSync),
	)
	return report, nil
}

func stoppedEarly(err error) error {
	if err == nil {
		return errors.New("client disconnected before the demo finished")
	}
	return errors.Wrap(err, "client stopped early")
}
