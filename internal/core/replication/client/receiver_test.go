package client

import (
	"errors"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/observability/metrics"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/message"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/rulefns"
	"github.com/zeusync/replication/internal/core/replication/tick"
	"github.com/zeusync/replication/internal/core/world"
)

type position struct {
	X, Y int
}

type owner struct {
	Entity models.EntityID
}

func (o *owner) MapEntities(mapper applyctx.EntityMapper) {
	o.Entity = mapper.MapEntity(o.Entity)
}

type fixture struct {
	world    *world.World
	registry *registry.Registry
	position registry.FnsInfo
	owner    registry.FnsInfo
	metrics  *metrics.Replication
	receiver *Receiver
}

func newFixture(opts ...Option) *fixture {
	w := world.New(nil)
	reg := registry.New(w.Components(), nil)
	f := &fixture{
		world:    w,
		registry: reg,
		position: registry.Replicate[position](reg),
		owner:    registry.Replicate[owner](reg),
		metrics:  metrics.New(),
	}
	f.receiver = NewReceiver(w, reg, append([]Option{WithMetrics(f.metrics)}, opts...)...)
	return f
}

func (f *fixture) data(info registry.FnsInfo, value any) message.ComponentData {
	return message.ComponentData{
		Info: info,
		Data: f.registry.SerializeBytes(&applyctx.SerializeCtx{SchemaID: info.SchemaID}, info, value),
	}
}

func (f *fixture) changes(server models.EntityID, components ...message.ComponentData) message.EntityChanges {
	return message.EntityChanges{Entity: server, Components: components}
}

func (f *fixture) client(t *testing.T, server models.EntityID) models.EntityID {
	t.Helper()
	client, ok := f.receiver.EntityMap().GetByServer(server)
	require.True(t, ok, "server entity %d is not mapped", server)
	return client
}

func TestApplySpawnsAndUpdates(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick:    1,
		Changes: []message.EntityChanges{f.changes(100, f.data(f.position, position{X: 1, Y: 2}))},
	}))
	client := f.client(t, 100)
	got, ok := models.Get[position](f.world, client)
	require.True(t, ok)
	assert.Equal(t, position{X: 1, Y: 2}, got)

	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick:    2,
		Changes: []message.EntityChanges{f.changes(100, f.data(f.position, position{X: 5}))},
	}))
	assert.Equal(t, client, f.client(t, 100))
	got, _ = models.Get[position](f.world, client)
	assert.Equal(t, position{X: 5}, got)
	assert.Equal(t, 1, f.world.Len())

	last, ok := f.receiver.LastTick()
	assert.True(t, ok)
	assert.Equal(t, tick.RepliconTick(2), last)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Writes.WithLabelValues("applied")))
}

func TestApplyMapsReferencedEntities(t *testing.T) {
	f := newFixture()

	// The referenced entity arrives after the reference.
	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick: 1,
		Changes: []message.EntityChanges{
			f.changes(1, f.data(f.owner, owner{Entity: 2})),
			f.changes(2, f.data(f.position, position{X: 9})),
		},
	}))

	holder := f.client(t, 1)
	target := f.client(t, 2)
	got, ok := models.Get[owner](f.world, holder)
	require.True(t, ok)
	assert.Equal(t, target, got.Entity)
	assert.True(t, models.Has[position](f.world, target))
	assert.Equal(t, 2, f.world.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PlaceholderSpawns))
}

func TestApplyRejectsBadEntityAndContinues(t *testing.T) {
	f := newFixture()

	err := f.receiver.Apply(&message.Batch{
		Tick: 1,
		Changes: []message.EntityChanges{
			f.changes(1, message.ComponentData{Info: f.position, Data: []byte("{")}),
			f.changes(2, message.ComponentData{Info: registry.FnsInfo{SchemaID: f.position.SchemaID, FnsID: 42}, Data: []byte("{}")}),
			f.changes(3, message.ComponentData{Info: f.position, Data: []byte(`{"X":3}}garbage`)}),
			f.changes(4, f.data(f.position, position{X: 4})),
		},
	})
	require.Error(t, err)

	var decodeErr *registry.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
	assert.ErrorIs(t, err, registry.ErrInvalidFnsID)

	assert.False(t, models.Has[position](f.world, f.client(t, 1)))
	assert.False(t, models.Has[position](f.world, f.client(t, 3)))
	got, ok := models.Get[position](f.world, f.client(t, 4))
	require.True(t, ok)
	assert.Equal(t, 4, got.X)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RejectedEntities.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectedEntities.WithLabelValues("unknown_fns")))
}

func TestApplyReportsHostFailures(t *testing.T) {
	f := newFixture()
	registry.SetCommandFns(f.registry, registry.NewCommandFns[position](
		func(ctx *applyctx.WriteCtx, fns rulefns.RuleFns[position], _ models.EntityID, r io.Reader) error {
			value, err := fns.Deserialize(ctx, r)
			if err != nil {
				return err
			}
			return ctx.Host().AddComponent(models.InvalidEntity, ctx.SchemaID, value)
		},
		registry.DefaultRemove,
	))

	err := f.receiver.Apply(&message.Batch{
		Tick:    1,
		Changes: []message.EntityChanges{f.changes(1, f.data(f.position, position{X: 1}))},
	})
	require.ErrorIs(t, err, models.ErrEntityNotFound)
	var decodeErr *registry.DecodeError
	assert.False(t, errors.As(err, &decodeErr))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectedEntities.WithLabelValues("host")))
	assert.Zero(t, testutil.ToFloat64(f.metrics.RejectedEntities.WithLabelValues("decode")))
}

func TestApplyAcrossDifferentSchemaIDs(t *testing.T) {
	server := world.New(nil)
	serverRegistry := registry.New(server.Components(), nil)
	serverPosition := registry.Replicate[position](serverRegistry)
	serverChildOf := registry.Replicate[models.ChildOf](serverRegistry)

	// The client sees an unrelated type first, shifting every schema id.
	w := world.New(nil)
	models.ComponentOf[owner](w.Components())
	reg := registry.New(w.Components(), nil)
	clientPosition := registry.Replicate[position](reg)
	registry.Replicate[models.ChildOf](reg)
	require.NotEqual(t, serverPosition.SchemaID, clientPosition.SchemaID)
	receiver := NewReceiver(w, reg)
	require.NoError(t, receiver.CheckProtocol(serverRegistry.ProtocolHash()))

	data := func(info registry.FnsInfo, value any) message.ComponentData {
		return message.ComponentData{
			Info: info,
			Data: serverRegistry.SerializeBytes(&applyctx.SerializeCtx{}, info, value),
		}
	}
	require.NoError(t, receiver.Apply(&message.Batch{
		Tick: 1,
		Changes: []message.EntityChanges{
			{Entity: 1, Components: []message.ComponentData{data(serverPosition, position{X: 7})}},
			{Entity: 2, Components: []message.ComponentData{data(serverChildOf, models.ChildOf{Parent: 1})}},
		},
	}))
	parent, _ := receiver.EntityMap().GetByServer(1)
	child, _ := receiver.EntityMap().GetByServer(2)
	got, ok := models.Get[position](w, parent)
	require.True(t, ok)
	assert.Equal(t, 7, got.X)
	link, ok := models.Get[models.ChildOf](w, child)
	require.True(t, ok)
	assert.Equal(t, parent, link.Parent)

	require.NoError(t, receiver.Apply(&message.Batch{
		Tick:     2,
		Removals: []message.EntityRemovals{{Entity: 1, Components: []registry.FnsInfo{serverPosition}}},
	}))
	assert.False(t, models.Has[position](w, parent))
}

func TestApplyDespawnWithHierarchy(t *testing.T) {
	f := newFixture()
	childOf := registry.Replicate[models.ChildOf](f.registry)

	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick: 1,
		Changes: []message.EntityChanges{
			f.changes(1, f.data(f.position, position{})),
			f.changes(2, f.data(childOf, models.ChildOf{Parent: 1})),
			f.changes(3, f.data(childOf, models.ChildOf{Parent: 2})),
		},
	}))
	require.Equal(t, 3, f.world.Len())

	// Children despawned on the server are listed too; they are already gone here.
	require.NoError(t, f.receiver.Apply(&message.Batch{Tick: 2, Despawns: []models.EntityID{1, 2, 3}}))
	assert.Zero(t, f.world.Len())
	assert.Zero(t, f.receiver.EntityMap().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Despawns))
}

func TestApplySpawnsEmptyEntities(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick:    1,
		Changes: []message.EntityChanges{f.changes(5), f.changes(6)},
	}))
	assert.Equal(t, 2, f.world.Len())
	assert.Empty(t, f.world.ListComponents(f.client(t, 5)))
	assert.NotEqual(t, f.client(t, 5), f.client(t, 6))
}

func TestApplyRemovalsAndDespawns(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick: 1,
		Changes: []message.EntityChanges{
			f.changes(1, f.data(f.position, position{}), f.data(f.owner, owner{})),
			f.changes(2, f.data(f.position, position{})),
		},
	}))
	first := f.client(t, 1)

	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick:     2,
		Despawns: []models.EntityID{2, 77},
		Removals: []message.EntityRemovals{
			{Entity: 1, Components: []registry.FnsInfo{f.position}},
			{Entity: 55, Components: []registry.FnsInfo{f.position}},
		},
	}))

	assert.False(t, models.Has[position](f.world, first))
	assert.True(t, models.Has[owner](f.world, first))
	_, ok := f.receiver.EntityMap().GetByServer(2)
	assert.False(t, ok)
	assert.Equal(t, 1, f.world.Len())
	assert.Equal(t, 1, f.receiver.EntityMap().Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Despawns))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Removals))
}

func TestApplyLastWriteWins(t *testing.T) {
	guard := tick.NewGuard()
	f := newFixture(WithGuard(guard))
	registry.SetCommandFns(f.registry, registry.LastWriteWinsCommandFns(guard, registry.DefaultCommandFns[position]()))

	apply := func(messageTick tick.RepliconTick, x int) {
		require.NoError(t, f.receiver.Apply(&message.Batch{
			Tick:    messageTick,
			Changes: []message.EntityChanges{f.changes(1, f.data(f.position, position{X: x}))},
		}))
	}

	apply(10, 10)
	apply(7, 7)
	got, _ := models.Get[position](f.world, f.client(t, 1))
	assert.Equal(t, 10, got.X)

	apply(12, 12)
	got, _ = models.Get[position](f.world, f.client(t, 1))
	assert.Equal(t, 12, got.X)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleRejections))
	last, _ := f.receiver.LastTick()
	assert.Equal(t, tick.RepliconTick(12), last)

	// A despawn forgets the entity's ticks.
	client := f.client(t, 1)
	require.NoError(t, f.receiver.Apply(&message.Batch{Tick: 13, Despawns: []models.EntityID{1}}))
	_, ok := guard.Last(client, f.position.SchemaID)
	assert.False(t, ok)
}

func TestReceiveFrames(t *testing.T) {
	f := newFixture()

	frame := message.Encode(&message.Batch{
		Tick:    3,
		Changes: []message.EntityChanges{f.changes(8, f.data(f.position, position{Y: 8}))},
	}, 1)
	require.NoError(t, f.receiver.Receive(frame))
	got, _ := models.Get[position](f.world, f.client(t, 8))
	assert.Equal(t, 8, got.Y)

	err := f.receiver.Receive([]byte{0x80})
	assert.ErrorIs(t, err, message.ErrMalformedBatch)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectedEntities.WithLabelValues("malformed_batch")))
}

func TestCheckProtocol(t *testing.T) {
	f := newFixture()
	assert.NoError(t, f.receiver.CheckProtocol(f.registry.ProtocolHash()))
	assert.ErrorIs(t, f.receiver.CheckProtocol(f.registry.ProtocolHash()+1), ErrProtocolMismatch)
}

func TestReset(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.receiver.Apply(&message.Batch{
		Tick:    1,
		Changes: []message.EntityChanges{f.changes(1, f.data(f.position, position{}))},
	}))

	f.receiver.Reset()
	assert.Zero(t, f.receiver.EntityMap().Len())
	_, ok := f.receiver.LastTick()
	assert.False(t, ok)
	assert.Equal(t, 1, f.world.Len())
}
