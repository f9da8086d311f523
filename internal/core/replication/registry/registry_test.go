package registry

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/entitymap"
	"github.com/zeusync/replication/internal/core/replication/markers"
	"github.com/zeusync/replication/internal/core/replication/rulefns"
	"github.com/zeusync/replication/internal/core/replication/tick"
	"github.com/zeusync/replication/internal/core/world"
)

type value struct {
	V int
}

type mapped struct {
	Entity models.EntityID
}

func (m *mapped) MapEntities(mapper applyctx.EntityMapper) {
	m.Entity = mapper.MapEntity(m.Entity)
}

type original struct{}

type replaced struct{}

type replaceMarker struct{}

type lowMarker struct{}

type highMarker struct{}

type fixture struct {
	world     *world.World
	registry  *Registry
	entityMap *entitymap.ServerEntityMap
}

func newFixture() *fixture {
	w := world.New(nil)
	return &fixture{
		world:     w,
		registry:  New(w.Components(), nil),
		entityMap: entitymap.New(),
	}
}

func (f *fixture) serialize(info FnsInfo, component any) []byte {
	return f.registry.SerializeBytes(&applyctx.SerializeCtx{ServerTick: 1}, info, component)
}

func (f *fixture) write(info FnsInfo, entity models.EntityID, payload []byte, messageTick tick.RepliconTick) error {
	ctx := applyctx.NewWriteCtx(f.world, f.entityMap, messageTick)
	return f.registry.ApplyWrite(ctx, info, f.registry.ReadMarkers(f.world, entity), entity, payload)
}

func (f *fixture) remove(info FnsInfo, entity models.EntityID, messageTick tick.RepliconTick) error {
	ctx := applyctx.NewRemoveCtx(f.world, messageTick)
	return f.registry.ApplyRemove(ctx, info, f.registry.ReadMarkers(f.world, entity), entity)
}

func (f *fixture) despawn(entity models.EntityID, messageTick tick.RepliconTick) {
	f.registry.Despawn(applyctx.NewDespawnCtx(f.world, f.entityMap, messageTick), entity)
}

// replace decodes an original component but inserts replaced instead.
func replace(ctx *applyctx.WriteCtx, fns rulefns.RuleFns[original], entity models.EntityID, r io.Reader) error {
	if _, err := fns.Deserialize(ctx, r); err != nil {
		return err
	}
	return models.Insert(ctx.Host(), entity, replaced{})
}

func TestWriteRemoveDespawn(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)

	source := f.world.Spawn()
	require.NoError(t, models.Insert(f.world, source, value{V: 3}))
	component, _ := f.world.GetComponent(source, info.SchemaID)
	data := f.serialize(info, component)
	models.Remove[value](f.world, source)

	require.NoError(t, f.write(info, source, data, 1))
	got, ok := models.Get[value](f.world, source)
	require.True(t, ok)
	assert.Equal(t, value{V: 3}, got)

	require.NoError(t, f.remove(info, source, 1))
	assert.False(t, models.Has[value](f.world, source))

	f.despawn(source, 1)
	assert.Zero(t, f.world.Len())
}

func TestRoundTrip(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	entity := f.world.Spawn()

	for _, v := range []int{0, 1, -1, 1 << 50, -(1 << 50)} {
		require.NoError(t, f.write(info, entity, f.serialize(info, value{V: v}), 1))
		got, _ := models.Get[value](f.world, entity)
		assert.Equal(t, v, got.V)
	}
}

func TestGetInvalidFnsIDPanics(t *testing.T) {
	f := newFixture()
	Replicate[value](f.registry)

	assert.NotPanics(t, func() { f.registry.Get(0) })
	assert.PanicsWithError(t, "id 1: invalid replication function id", func() { f.registry.Get(1) })

	_, _, err := f.registry.Lookup(7)
	assert.ErrorIs(t, err, ErrInvalidFnsID)
}

func TestReRegistrationKeepsOldIDs(t *testing.T) {
	f := newFixture()
	first := Replicate[value](f.registry)
	second := RegisterRuleFns(f.registry, rulefns.New(
		func(_ *applyctx.SerializeCtx, c *value, w io.Writer) error {
			return binary.Write(w, binary.BigEndian, int64(c.V))
		},
		func(_ *applyctx.WriteCtx, r io.Reader) (value, error) {
			var v int64
			err := binary.Read(r, binary.BigEndian, &v)
			return value{V: int(v)}, err
		},
	))

	assert.Equal(t, first.SchemaID, second.SchemaID)
	assert.NotEqual(t, first.FnsID, second.FnsID)
	assert.Equal(t, []FnsInfo{first, second}, f.registry.Rules())

	def, ok := f.registry.DefaultFns(first.SchemaID)
	require.True(t, ok)
	assert.Equal(t, second, def)

	entity := f.world.Spawn()
	require.NoError(t, f.write(first, entity, f.serialize(first, value{V: 4}), 1))
	got, _ := models.Get[value](f.world, entity)
	assert.Equal(t, 4, got.V)

	binaryData := f.serialize(second, value{V: 9})
	assert.Len(t, binaryData, 8)
	require.NoError(t, f.write(second, entity, binaryData, 2))
	got, _ = models.Get[value](f.world, entity)
	assert.Equal(t, 9, got.V)
}

func TestMappedExistingEntity(t *testing.T) {
	f := newFixture()
	info := Replicate[mapped](f.registry)

	clientTarget := f.world.Spawn()
	f.entityMap.Insert(100, clientTarget)
	entity := f.world.Spawn()

	require.NoError(t, f.write(info, entity, f.serialize(info, mapped{Entity: 100}), 1))
	got, _ := models.Get[mapped](f.world, entity)
	assert.Equal(t, clientTarget, got.Entity)
	assert.Equal(t, 2, f.world.Len())
}

func TestMappedNewEntityCreatedOnce(t *testing.T) {
	f := newFixture()
	info := Replicate[mapped](f.registry)
	first := f.world.Spawn()
	second := f.world.Spawn()
	data := f.serialize(info, mapped{Entity: 100})

	require.NoError(t, f.write(info, first, data, 1))
	require.NoError(t, f.write(info, second, data, 1))

	a, _ := models.Get[mapped](f.world, first)
	b, _ := models.Get[mapped](f.world, second)
	assert.Equal(t, a.Entity, b.Entity)
	assert.True(t, f.world.Contains(a.Entity))
	assert.Equal(t, 3, f.world.Len())

	server, ok := f.entityMap.GetByClient(a.Entity)
	require.True(t, ok)
	assert.Equal(t, models.EntityID(100), server)
}

func TestMalformedPayloadLeavesEntityUntouched(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	entity := f.world.Spawn()
	require.NoError(t, models.Insert(f.world, entity, value{V: 1}))

	err := f.write(info, entity, []byte(`{"V":`), 2)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, info, decodeErr.Info)
	assert.Equal(t, entity, decodeErr.Entity)

	got, _ := models.Get[value](f.world, entity)
	assert.Equal(t, value{V: 1}, got)

	for _, payload := range []string{`{"V":5}}garbage`, `{"V":5}{"V":6}`} {
		err = f.write(info, entity, []byte(payload), 3)
		require.ErrorAs(t, err, &decodeErr, "payload %q", payload)
		assert.ErrorIs(t, err, rulefns.ErrMalformed)
	}
	got, _ = models.Get[value](f.world, entity)
	assert.Equal(t, value{V: 1}, got)
}

func TestHostFailureIsNotDecodeError(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	gone := f.world.Spawn()
	f.world.Despawn(gone)

	err := f.write(info, gone, f.serialize(info, value{V: 1}), 1)
	require.ErrorIs(t, err, models.ErrEntityNotFound)
	var decodeErr *DecodeError
	assert.False(t, errors.As(err, &decodeErr))
}

func TestSchemaIDsArePerProcess(t *testing.T) {
	server := newFixture()
	serverInfo := Replicate[value](server.registry)

	client := newFixture()
	models.ComponentOf[original](client.world.Components())
	clientInfo := Replicate[value](client.registry)
	require.NotEqual(t, serverInfo.SchemaID, clientInfo.SchemaID)
	require.Equal(t, server.registry.ProtocolHash(), client.registry.ProtocolHash())

	entity := client.world.Spawn()
	require.NoError(t, client.write(serverInfo, entity, server.serialize(serverInfo, value{V: 9}), 1))
	got, ok := models.Get[value](client.world, entity)
	require.True(t, ok)
	assert.Equal(t, value{V: 9}, got)

	require.NoError(t, client.remove(serverInfo, entity, 2))
	assert.False(t, models.Has[value](client.world, entity))

	local, err := client.registry.Info(serverInfo.FnsID)
	require.NoError(t, err)
	assert.Equal(t, clientInfo, local)
}

func TestDespawnWithHierarchy(t *testing.T) {
	f := newFixture()
	Replicate[models.ChildOf](f.registry)

	parent := f.world.Spawn()
	child := f.world.Spawn()
	grandchild := f.world.Spawn()
	require.NoError(t, models.Insert(f.world, child, models.ChildOf{Parent: parent}))
	require.NoError(t, models.Insert(f.world, grandchild, models.ChildOf{Parent: child}))
	f.entityMap.Insert(10, parent)
	f.entityMap.Insert(11, child)
	f.entityMap.Insert(12, grandchild)

	f.despawn(parent, 1)
	assert.Zero(t, f.world.Len())
	assert.Zero(t, f.entityMap.Len())
	assert.Empty(t, f.entityMap.ToClient())
	assert.Empty(t, f.entityMap.ToServer())
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	entity := f.world.Spawn()

	err := f.write(FnsInfo{SchemaID: info.SchemaID, FnsID: 42}, entity, nil, 1)
	assert.ErrorIs(t, err, ErrInvalidFnsID)

	err = f.remove(FnsInfo{SchemaID: info.SchemaID, FnsID: 42}, entity, 1)
	assert.ErrorIs(t, err, ErrInvalidFnsID)

	_, err = f.registry.Resolve(999, nil)
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestRemoveAndDespawnAreIdempotent(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	entity := f.world.Spawn()
	f.entityMap.Insert(50, entity)

	require.NoError(t, f.remove(info, entity, 1))
	require.NoError(t, f.remove(info, entity, 2))

	f.despawn(entity, 3)
	f.despawn(entity, 4)
	assert.Zero(t, f.world.Len())
	assert.Zero(t, f.entityMap.Len())
	assert.Empty(t, f.entityMap.ToServer())
}

func TestCustomDespawnFn(t *testing.T) {
	f := newFixture()
	var despawned []models.EntityID
	f.registry.SetDespawnFn(func(ctx *applyctx.DespawnCtx, entity models.EntityID) {
		despawned = append(despawned, entity)
		DefaultDespawn(ctx, entity)
	})

	entity := f.world.Spawn()
	f.despawn(entity, 1)
	f.despawn(entity, 2)
	assert.Equal(t, []models.EntityID{entity}, despawned)
}

func TestCommandFnsReplaceComponent(t *testing.T) {
	f := newFixture()
	info := Replicate[original](f.registry)
	SetCommandFns(f.registry, NewCommandFns(replace, RemoveComponent[replaced]()))
	entity := f.world.Spawn()

	require.NoError(t, f.write(info, entity, f.serialize(info, original{}), 1))
	assert.True(t, models.Has[replaced](f.world, entity))
	assert.False(t, models.Has[original](f.world, entity))

	require.NoError(t, f.remove(info, entity, 2))
	assert.False(t, models.Has[replaced](f.world, entity))
}

func TestMarkerOverride(t *testing.T) {
	f := newFixture()
	RegisterMarker[replaceMarker](f.registry, 0)
	info := Replicate[original](f.registry)
	SetMarkerFns[replaceMarker](f.registry, NewCommandFns(replace, RemoveComponent[replaced]()))

	plain := f.world.Spawn()
	marked := f.world.Spawn()
	require.NoError(t, models.Insert(f.world, marked, replaceMarker{}))

	data := f.serialize(info, original{})
	require.NoError(t, f.write(info, plain, data, 1))
	require.NoError(t, f.write(info, marked, data, 1))

	assert.True(t, models.Has[original](f.world, plain))
	assert.False(t, models.Has[replaced](f.world, plain))
	assert.False(t, models.Has[original](f.world, marked))
	assert.True(t, models.Has[replaced](f.world, marked))
}

func TestMarkerPriority(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	RegisterMarker[lowMarker](f.registry, 1)
	RegisterMarker[highMarker](f.registry, 2)

	SetMarkerFns[lowMarker](f.registry, NewCommandFns(
		func(ctx *applyctx.WriteCtx, fns rulefns.RuleFns[value], _ models.EntityID, r io.Reader) error {
			_, err := fns.Deserialize(ctx, r)
			return err
		},
		DefaultRemove,
	))
	SetMarkerFns[highMarker](f.registry, NewCommandFns(
		func(ctx *applyctx.WriteCtx, fns rulefns.RuleFns[value], entity models.EntityID, r io.Reader) error {
			v, err := fns.Deserialize(ctx, r)
			if err != nil {
				return err
			}
			v.V *= 2
			return models.Insert(ctx.Host(), entity, v)
		},
		DefaultRemove,
	))

	a := f.world.Spawn()
	require.NoError(t, models.Insert(f.world, a, lowMarker{}))
	b := f.world.Spawn()
	require.NoError(t, models.Insert(f.world, b, lowMarker{}))
	require.NoError(t, models.Insert(f.world, b, highMarker{}))

	data := f.serialize(info, value{V: 5})
	require.NoError(t, f.write(info, a, data, 1))
	require.NoError(t, f.write(info, b, data, 1))

	assert.False(t, models.Has[value](f.world, a))
	got, ok := models.Get[value](f.world, b)
	require.True(t, ok)
	assert.Equal(t, 10, got.V)
}

func TestResolveIsDeterministic(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	RegisterMarker[lowMarker](f.registry, 1)
	RegisterMarker[highMarker](f.registry, 2)
	SetMarkerFns[lowMarker](f.registry, DefaultCommandFns[value]())

	cases := []*markers.EntityMarkers{
		markers.FromPresence(false, false),
		markers.FromPresence(false, true),
		markers.FromPresence(true, true),
		markers.FromPresence(true, false),
	}
	first := make([]*UntypedCommandFns, len(cases))
	for i, c := range cases {
		fns, err := f.registry.Resolve(info.SchemaID, c)
		require.NoError(t, err)
		first[i] = fns
	}
	for i := len(cases) - 1; i >= 0; i-- {
		fns, err := f.registry.Resolve(info.SchemaID, cases[i])
		require.NoError(t, err)
		assert.Same(t, first[i], fns)
	}

	// High marker has no override for value, so it falls through to low.
	assert.Same(t, first[1], first[2])
	assert.NotSame(t, first[0], first[1])
	assert.Same(t, first[0], first[3])

	write, err := f.registry.ResolveWrite(info.SchemaID, cases[0])
	require.NoError(t, err)
	assert.NotNil(t, write)
	remove, err := f.registry.ResolveRemove(info.SchemaID, cases[0])
	require.NoError(t, err)
	assert.NotNil(t, remove)
}

func TestMarkerRegisteredAfterComponent(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	RegisterMarker[highMarker](f.registry, 10)
	RegisterMarker[lowMarker](f.registry, 1)
	SetMarkerFns[lowMarker](f.registry, NewCommandFns(
		func(*applyctx.WriteCtx, rulefns.RuleFns[value], models.EntityID, io.Reader) error { return nil },
		DefaultRemove,
	))

	entity := f.world.Spawn()
	require.NoError(t, models.Insert(f.world, entity, lowMarker{}))
	require.NoError(t, f.write(info, entity, f.serialize(info, value{V: 1}), 1))
	assert.False(t, models.Has[value](f.world, entity))
}

func TestConfigurationErrorsPanic(t *testing.T) {
	f := newFixture()
	Replicate[value](f.registry)
	RegisterMarker[lowMarker](f.registry, 1)

	assert.Panics(t, func() { RegisterMarker[lowMarker](f.registry, 5) })
	assert.Panics(t, func() { RegisterMarker[highMarker](f.registry, 1) })
	assert.Panics(t, func() { SetMarkerFns[replaceMarker](f.registry, DefaultCommandFns[value]()) })

	SetMarkerFns[lowMarker](f.registry, DefaultCommandFns[value]())
	assert.Panics(t, func() { SetMarkerFns[lowMarker](f.registry, DefaultCommandFns[value]()) })
	assert.Panics(t, func() { SetCommandFns(f.registry, CommandFns[value]{}) })
}

func TestSerializeWrongValuePanics(t *testing.T) {
	f := newFixture()
	info := Replicate[value](f.registry)
	assert.Panics(t, func() { f.serialize(info, original{}) })
	assert.NotPanics(t, func() { f.serialize(info, &value{V: 1}) })
}

func TestLastWriteWins(t *testing.T) {
	f := newFixture()
	guard := tick.NewGuard()
	info := Replicate[value](f.registry)
	SetCommandFns(f.registry, LastWriteWinsCommandFns(guard, DefaultCommandFns[value]()))
	entity := f.world.Spawn()

	require.NoError(t, f.write(info, entity, f.serialize(info, value{V: 10}), 10))
	require.NoError(t, f.write(info, entity, f.serialize(info, value{V: 7}), 7))
	got, _ := models.Get[value](f.world, entity)
	assert.Equal(t, 10, got.V)

	require.NoError(t, f.write(info, entity, f.serialize(info, value{V: 12}), 12))
	got, _ = models.Get[value](f.world, entity)
	assert.Equal(t, 12, got.V)
	last, ok := guard.Last(entity, info.SchemaID)
	require.True(t, ok)
	assert.Equal(t, tick.RepliconTick(12), last)

	// A stale removal does not strip the newer value.
	require.NoError(t, f.remove(info, entity, 11))
	assert.True(t, models.Has[value](f.world, entity))
	require.NoError(t, f.remove(info, entity, 13))
	assert.False(t, models.Has[value](f.world, entity))
	assert.Equal(t, uint64(2), guard.Rejected())
}

func TestLastWriteWinsFailedDecodeKeepsTick(t *testing.T) {
	f := newFixture()
	guard := tick.NewGuard()
	info := Replicate[value](f.registry)
	SetCommandFns(f.registry, LastWriteWinsCommandFns(guard, DefaultCommandFns[value]()))
	entity := f.world.Spawn()

	assert.Error(t, f.write(info, entity, []byte("garbage"), 5))
	_, ok := guard.Last(entity, info.SchemaID)
	assert.False(t, ok)
}

func TestProtocolHash(t *testing.T) {
	build := func(markerFirst bool) uint64 {
		f := newFixture()
		if markerFirst {
			RegisterMarker[lowMarker](f.registry, 1)
		}
		Replicate[value](f.registry)
		Replicate[mapped](f.registry)
		if !markerFirst {
			RegisterMarker[lowMarker](f.registry, 1)
		}
		return f.registry.ProtocolHash()
	}
	assert.Equal(t, build(true), build(false))

	f := newFixture()
	Replicate[mapped](f.registry)
	Replicate[value](f.registry)
	RegisterMarker[lowMarker](f.registry, 1)
	assert.NotEqual(t, build(true), f.registry.ProtocolHash())
}
