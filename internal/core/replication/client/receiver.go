package client

import (
	"errors"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/core/observability/metrics"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/entitymap"
	"github.com/zeusync/replication/internal/core/replication/message"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/tick"
)

var ErrProtocolMismatch = errors.New("server and client replication registrations differ")

// Receiver applies replication batches from one server connection to the
// local host storage. It is not safe for concurrent use.
type Receiver struct {
	id        uuid.UUID
	host      models.Storage
	registry  *registry.Registry
	entityMap *entitymap.ServerEntityMap
	guard     *tick.Guard
	metrics   *metrics.Replication
	logger    log.Log

	lastTick tick.RepliconTick
	received bool
}

type Option func(*Receiver)

// WithGuard shares the tick guard used by last-write-wins command functions,
// so the receiver can forget despawned entities and report stale drops.
func WithGuard(guard *tick.Guard) Option {
	return func(r *Receiver) { r.guard = guard }
}

func WithMetrics(m *metrics.Replication) Option {
	return func(r *Receiver) { r.metrics = m }
}

func WithLogger(logger log.Log) Option {
	return func(r *Receiver) { r.logger = logger }
}

func NewReceiver(host models.Storage, reg *registry.Registry, opts ...Option) *Receiver {
	r := &Receiver{
		id:        uuid.New(),
		host:      host,
		registry:  reg,
		entityMap: entitymap.New(),
		metrics:   metrics.New(),
		logger:    log.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(log.String("session", r.id.String()))
	return r
}

func (r *Receiver) ID() uuid.UUID {
	return r.id
}

func (r *Receiver) EntityMap() *entitymap.ServerEntityMap {
	return r.entityMap
}

// LastTick returns the newest batch tick applied so far.
func (r *Receiver) LastTick() (tick.RepliconTick, bool) {
	return r.lastTick, r.received
}

// CheckProtocol compares the server's registry fingerprint with ours.
func (r *Receiver) CheckProtocol(serverHash uint64) error {
	if local := r.registry.ProtocolHash(); local != serverHash {
		return pkgerrors.Wrapf(ErrProtocolMismatch, "server %#x, client %#x", serverHash, local)
	}
	return nil
}

// Receive decodes a frame and applies it.
func (r *Receiver) Receive(frame []byte) error {
	r.metrics.BatchBytes.Observe(float64(len(frame)))
	batch, err := message.Decode(frame)
	if err != nil {
		r.metrics.RejectedEntities.WithLabelValues("malformed_batch").Inc()
		r.logger.Warn("dropping malformed replication batch", log.Int("bytes", len(frame)), log.Error(err))
		return err
	}
	return r.Apply(batch)
}

// Apply runs despawns, removals and changes of batch in that order. An entity
// whose update fails is rejected and reported; the rest of the batch is still
// applied. The returned error combines every rejection.
func (r *Receiver) Apply(batch *message.Batch) error {
	var staleBefore uint64
	if r.guard != nil {
		staleBefore = r.guard.Rejected()
	}

	r.applyDespawns(batch)
	errs := multierr.Append(r.applyRemovals(batch), r.applyChanges(batch))

	if r.guard != nil {
		r.metrics.StaleRejections.Add(float64(r.guard.Rejected() - staleBefore))
	}
	if !r.received || batch.Tick.IsNewerThan(r.lastTick) {
		r.lastTick = batch.Tick
		r.received = true
	}
	return errs
}

func (r *Receiver) applyDespawns(batch *message.Batch) {
	for _, server := range batch.Despawns {
		client, ok := r.entityMap.GetByServer(server)
		if !ok {
			continue
		}
		r.registry.Despawn(applyctx.NewDespawnCtx(r.host, r.entityMap, batch.Tick), client)
		if r.guard != nil {
			r.guard.Forget(client)
		}
		r.metrics.Despawns.Inc()
	}
}

func (r *Receiver) applyRemovals(batch *message.Batch) error {
	var errs error
	for _, removals := range batch.Removals {
		client, ok := r.entityMap.GetByServer(removals.Entity)
		if !ok {
			continue
		}
		for _, info := range removals.Components {
			ctx := applyctx.NewRemoveCtx(r.host, batch.Tick)
			entityMarkers := r.registry.ReadMarkers(r.host, client)
			if err := r.registry.ApplyRemove(ctx, info, entityMarkers, client); err != nil {
				errs = multierr.Append(errs, r.reject(batch.Tick, removals.Entity, info, err))
				break
			}
			r.metrics.Removals.Inc()
		}
	}
	return errs
}

func (r *Receiver) applyChanges(batch *message.Batch) error {
	var errs error
	for _, changes := range batch.Changes {
		client := r.entityMap.GetByServerOrInsert(changes.Entity, r.host.Spawn)
		for _, component := range changes.Components {
			ctx := applyctx.NewWriteCtx(r.host, r.entityMap, batch.Tick)
			entityMarkers := r.registry.ReadMarkers(r.host, client)
			err := r.registry.ApplyWrite(ctx, component.Info, entityMarkers, client, component.Data)
			r.metrics.PlaceholderSpawns.Add(float64(ctx.Spawned()))
			if err != nil {
				r.metrics.Writes.WithLabelValues("rejected").Inc()
				errs = multierr.Append(errs, r.reject(batch.Tick, changes.Entity, component.Info, err))
				break
			}
			r.metrics.Writes.WithLabelValues("applied").Inc()
		}
	}
	return errs
}

func (r *Receiver) reject(messageTick tick.RepliconTick, server models.EntityID, info registry.FnsInfo, err error) error {
	reason := rejectReason(err)
	r.metrics.RejectedEntities.WithLabelValues(reason).Inc()
	fields := []log.Field{
		log.Uint64("server_entity", uint64(server)),
		log.Uint32("fns_id", uint32(info.FnsID)),
		log.Stringer("tick", messageTick),
		log.String("reason", reason),
		log.Error(err),
	}
	if local, lookupErr := r.registry.Info(info.FnsID); lookupErr == nil {
		fields = append(fields, log.String("schema", r.registry.Components().Name(local.SchemaID)))
	}
	r.logger.Warn("rejected entity update", fields...)
	return pkgerrors.Wrapf(err, "server entity %d", server)
}

func rejectReason(err error) string {
	var decodeErr *registry.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.Is(err, registry.ErrInvalidFnsID):
		return "unknown_fns"
	case errors.Is(err, models.ErrEntityNotFound), errors.Is(err, models.ErrComponentType):
		return "host"
	default:
		return "other"
	}
}

// Reset forgets everything learned from the server. Call it when the
// connection ends; local entities are left to the host.
func (r *Receiver) Reset() {
	r.entityMap.Clear()
	if r.guard != nil {
		r.guard.Clear()
	}
	r.lastTick = 0
	r.received = false
}
