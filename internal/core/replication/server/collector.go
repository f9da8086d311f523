package server

import (
	"bytes"
	"context"
	"maps"
	"runtime"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/core/observability/metrics"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/message"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/tick"
	"github.com/zeusync/replication/pkg/concurrent"
	"github.com/zeusync/replication/pkg/generic"
)

var buffers = generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

// Source is the server storage the collector reads. Implementations must be
// safe for concurrent reads.
type Source interface {
	Entities() []models.EntityID
	ListComponents(entity models.EntityID) []models.ComponentID
	GetComponent(entity models.EntityID, component models.ComponentID) (any, bool)
}

type sentComponent struct {
	info registry.FnsInfo
	hash uint64
}

type serialized struct {
	info registry.FnsInfo
	data []byte
}

// snapshot is one entity as serialized for the current tick.
type snapshot struct {
	components []serialized
	// marked reports the models.Replicated marker.
	marked bool
}

// Collector turns the current state of a Source into batches holding only
// what changed since the previous batch.
type Collector struct {
	source     Source
	registry   *registry.Registry
	replicated models.ComponentID
	workers    int
	metrics    *metrics.Replication
	logger     log.Log

	tick tick.RepliconTick
	sent map[models.EntityID]map[models.ComponentID]sentComponent
}

type Option func(*Collector)

// WithWorkers bounds the number of entities serialized in parallel.
func WithWorkers(workers int) Option {
	return func(c *Collector) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

func WithMetrics(m *metrics.Replication) Option {
	return func(c *Collector) { c.metrics = m }
}

func WithLogger(logger log.Log) Option {
	return func(c *Collector) { c.logger = logger }
}

func NewCollector(source Source, reg *registry.Registry, opts ...Option) *Collector {
	c := &Collector{
		source:     source,
		registry:   reg,
		replicated: models.ComponentOf[models.Replicated](reg.Components()),
		workers:    runtime.GOMAXPROCS(0),
		metrics:    metrics.New(),
		logger:     log.Nop(),
		sent:       make(map[models.EntityID]map[models.ComponentID]sentComponent),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(log.String("component", "replication_collector"))
	return c
}

// Tick returns the tick of the last collected batch.
func (c *Collector) Tick() tick.RepliconTick {
	return c.tick
}

// Collect advances the server tick and returns the difference between the
// source and what earlier batches already carried. The batch may be empty.
func (c *Collector) Collect(ctx context.Context) (*message.Batch, error) {
	c.tick.Increment()
	entities := c.source.Entities()

	results, err := concurrent.ParallelMap(ctx, entities, c.workers, c.serializeEntity)
	if err != nil {
		return nil, errors.Wrapf(err, "collect tick %s", c.tick)
	}

	batch := &message.Batch{Tick: c.tick}
	alive := make(map[models.EntityID]struct{}, len(entities))
	for i, entity := range entities {
		alive[entity] = struct{}{}
		c.diffEntity(batch, entity, results[i])
	}
	for _, entity := range c.sortedSent() {
		if _, ok := alive[entity]; !ok {
			batch.Despawns = append(batch.Despawns, entity)
			delete(c.sent, entity)
		}
	}

	c.metrics.SerializedEntities.Add(float64(len(batch.Changes)))
	if !batch.IsEmpty() {
		c.logger.Debug("collected replication batch",
			log.Stringer("tick", c.tick),
			log.Int("changes", len(batch.Changes)),
			log.Int("removals", len(batch.Removals)),
			log.Int("despawns", len(batch.Despawns)),
		)
	}
	return batch, nil
}

func (c *Collector) serializeEntity(_ context.Context, entity models.EntityID) (snapshot, error) {
	buf := buffers.Get()
	defer buffers.Put(buf)

	var snap snapshot
	for _, schema := range c.source.ListComponents(entity) {
		if schema == c.replicated {
			snap.marked = true
			continue
		}
		info, ok := c.registry.DefaultFns(schema)
		if !ok {
			continue
		}
		value, ok := c.source.GetComponent(entity, schema)
		if !ok {
			continue
		}
		buf.Reset()
		ctx := &applyctx.SerializeCtx{ServerTick: c.tick, SchemaID: schema}
		if err := c.registry.Serialize(ctx, info.FnsID, value, buf); err != nil {
			return snapshot{}, errors.Wrapf(err, "entity %d: serialize %s", entity, info)
		}
		snap.components = append(snap.components, serialized{info: info, data: bytes.Clone(buf.Bytes())})
	}
	return snap, nil
}

// diffEntity records entity in batch. Entities seen for the first time are
// always listed in Changes so the client spawns them, even with no components.
func (c *Collector) diffEntity(batch *message.Batch, entity models.EntityID, snap snapshot) {
	previous, known := c.sent[entity]
	if !known && len(snap.components) == 0 && !snap.marked {
		return
	}

	current := make(map[models.ComponentID]sentComponent, len(snap.components))
	var changed []message.ComponentData
	for _, component := range snap.components {
		sent := sentComponent{info: component.info, hash: xxhash.Sum64(component.data)}
		current[component.info.SchemaID] = sent
		if old, ok := previous[component.info.SchemaID]; ok && old == sent {
			continue
		}
		changed = append(changed, message.ComponentData{Info: component.info, Data: component.data})
	}

	var removed []registry.FnsInfo
	for _, schema := range sortedSchemas(previous) {
		if _, ok := current[schema]; !ok {
			removed = append(removed, previous[schema].info)
		}
	}

	if len(removed) > 0 {
		batch.Removals = append(batch.Removals, message.EntityRemovals{Entity: entity, Components: removed})
	}
	if len(changed) > 0 || !known {
		batch.Changes = append(batch.Changes, message.EntityChanges{Entity: entity, Components: changed})
	}
	c.sent[entity] = current
}

// Reset forgets what was sent so the next batch is a full snapshot.
func (c *Collector) Reset() {
	clear(c.sent)
}

func (c *Collector) sortedSent() []models.EntityID {
	return slices.Sorted(maps.Keys(c.sent))
}

func sortedSchemas(components map[models.ComponentID]sentComponent) []models.ComponentID {
	return slices.Sorted(maps.Keys(components))
}
