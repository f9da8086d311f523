package registry

import (
	"bytes"
	"fmt"
	"io"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/observability/log"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/markers"
	"github.com/zeusync/replication/internal/core/replication/rulefns"
)

// FnsID indexes the registry's rule table.
type FnsID uint32

// FnsInfo travels with serialized data so the receiver knows the schema and
// the functions that produced the bytes. SchemaID is assigned per process, so
// a receiver resolves its own schema from FnsID; ProtocolHash guarantees that
// FnsIDs agree.
type FnsInfo struct {
	SchemaID models.ComponentID
	FnsID    FnsID
}

func (i FnsInfo) String() string {
	return fmt.Sprintf("fns(%d, schema %d)", i.FnsID, i.SchemaID)
}

type ruleEntry struct {
	rule      rulefns.Untyped
	component int
}

// Registry binds every replicated schema to its codec and appliers.
// Registration happens at startup; afterwards the registry is read-only and
// safe for concurrent serialization.
type Registry struct {
	components *models.Components
	entries    []*ComponentFns
	bySchema   map[models.ComponentID]int
	rules      []ruleEntry
	defaults   map[models.ComponentID]FnsID
	markers    *markers.CommandMarkers
	despawn    DespawnFn
	logger     log.Log
}

func New(components *models.Components, logger log.Log) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		components: components,
		bySchema:   make(map[models.ComponentID]int),
		defaults:   make(map[models.ComponentID]FnsID),
		markers:    markers.New(),
		despawn:    DefaultDespawn,
		logger:     logger.With(log.String("component", "replication_registry")),
	}
}

// RegisterRuleFns stores fns for component C and returns the new FnsInfo.
// Registering C again adds another id and makes it the schema's default;
// earlier ids stay valid.
func RegisterRuleFns[C any](r *Registry, fns rulefns.RuleFns[C]) FnsInfo {
	schema, index := initComponentFns[C](r)
	id := FnsID(len(r.rules))
	r.rules = append(r.rules, ruleEntry{rule: fns.Erase(), component: index})
	r.defaults[schema] = id

	r.logger.Debug("registered replication rule",
		log.String("schema", r.components.Name(schema)),
		log.Uint32("schema_id", uint32(schema)),
		log.Uint32("fns_id", uint32(id)),
	)
	return FnsInfo{SchemaID: schema, FnsID: id}
}

// Replicate registers the default codec for C.
func Replicate[C any](r *Registry) FnsInfo {
	return RegisterRuleFns(r, rulefns.Default[C]())
}

// SetCommandFns replaces the default write/remove pair of C.
func SetCommandFns[C any](r *Registry, fns CommandFns[C]) {
	_, index := initComponentFns[C](r)
	r.entries[index].setCommandFns(eraseCommandFns(fns))
}

// RegisterMarker registers marker M with an explicit priority. Higher
// priorities are consulted first.
func RegisterMarker[M any](r *Registry, priority int) {
	r.RegisterMarker(models.ComponentOf[M](r.components), priority)
}

// SetMarkerFns makes entities carrying marker M use fns for component C.
func SetMarkerFns[M, C any](r *Registry, fns CommandFns[C]) {
	marker := models.ComponentOf[M](r.components)
	markerIndex, ok := r.markers.Index(marker)
	if !ok {
		panic(fmt.Sprintf("marker %s must be registered before setting its functions", reflect.TypeFor[M]()))
	}
	_, index := initComponentFns[C](r)
	r.entries[index].setMarkerFns(markerIndex, eraseCommandFns(fns))
}

func initComponentFns[C any](r *Registry) (models.ComponentID, int) {
	schema := models.ComponentOf[C](r.components)
	if index, ok := r.bySchema[schema]; ok {
		return schema, index
	}
	index := len(r.entries)
	r.entries = append(r.entries, newComponentFns[C](schema, r.markers.Len()))
	r.bySchema[schema] = index
	return schema, index
}

// RegisterMarker registers the marker component id with priority.
func (r *Registry) RegisterMarker(marker models.ComponentID, priority int) {
	index := r.markers.Insert(markers.Marker{ID: marker, Priority: priority})
	for _, entry := range r.entries {
		entry.addMarkerSlot(index)
	}
	r.logger.Debug("registered command marker",
		log.String("marker", r.components.Name(marker)),
		log.Int("priority", priority),
	)
}

// SetDespawnFn replaces the despawn applier.
func (r *Registry) SetDespawnFn(fn DespawnFn) {
	r.despawn = fn
}

func (r *Registry) Markers() *markers.CommandMarkers {
	return r.markers
}

func (r *Registry) Components() *models.Components {
	return r.components
}

// ReadMarkers computes the current marker set of entity.
func (r *Registry) ReadMarkers(host models.Storage, entity models.EntityID) *markers.EntityMarkers {
	return markers.Of(r.markers, host, entity)
}

// Get returns the functions behind id. An id this registry never issued is a
// programmer error and panics.
func (r *Registry) Get(id FnsID) (*ComponentFns, rulefns.Untyped) {
	fns, rule, err := r.Lookup(id)
	if err != nil {
		panic(err)
	}
	return fns, rule
}

// Lookup is Get for ids that came from the network.
func (r *Registry) Lookup(id FnsID) (*ComponentFns, rulefns.Untyped, error) {
	if int(id) >= len(r.rules) {
		return nil, rulefns.Untyped{}, errors.Wrapf(ErrInvalidFnsID, "id %d", id)
	}
	entry := r.rules[id]
	return r.entries[entry.component], entry.rule, nil
}

// Info returns the FnsInfo of id with this process's schema id.
func (r *Registry) Info(id FnsID) (FnsInfo, error) {
	fns, _, err := r.Lookup(id)
	if err != nil {
		return FnsInfo{}, err
	}
	return FnsInfo{SchemaID: fns.schema, FnsID: id}, nil
}

// DefaultFns returns the last registration for schema.
func (r *Registry) DefaultFns(schema models.ComponentID) (FnsInfo, bool) {
	id, ok := r.defaults[schema]
	return FnsInfo{SchemaID: schema, FnsID: id}, ok
}

// Rules returns every issued FnsInfo in id order.
func (r *Registry) Rules() []FnsInfo {
	infos := make([]FnsInfo, len(r.rules))
	for id, entry := range r.rules {
		infos[id] = FnsInfo{SchemaID: r.entries[entry.component].schema, FnsID: FnsID(id)}
	}
	return infos
}

// Serialize writes value through the codec behind id.
func (r *Registry) Serialize(ctx *applyctx.SerializeCtx, id FnsID, value any, w io.Writer) error {
	fns, rule := r.Get(id)
	return fns.Serialize(ctx, rule, value, w)
}

// SerializeBytes serializes into memory. A failure there is a codec bug and panics.
func (r *Registry) SerializeBytes(ctx *applyctx.SerializeCtx, info FnsInfo, value any) []byte {
	var buf bytes.Buffer
	if err := r.Serialize(ctx, info.FnsID, value, &buf); err != nil {
		panic(errors.Wrapf(err, "serialization of %s into memory should never fail", info))
	}
	return buf.Bytes()
}

// Resolve returns the command functions that apply to schema for an entity
// with the given markers.
func (r *Registry) Resolve(schema models.ComponentID, entityMarkers *markers.EntityMarkers) (*UntypedCommandFns, error) {
	index, ok := r.bySchema[schema]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSchema, "schema %d", schema)
	}
	return r.entries[index].Resolve(entityMarkers), nil
}

// ResolveWrite returns the write applier for schema under entityMarkers.
func (r *Registry) ResolveWrite(
	schema models.ComponentID,
	entityMarkers *markers.EntityMarkers,
) (WriteApplier, error) {
	fns, err := r.Resolve(schema, entityMarkers)
	if err != nil {
		return nil, err
	}
	return fns.Write, nil
}

// ResolveRemove returns the remove applier for schema under entityMarkers.
func (r *Registry) ResolveRemove(schema models.ComponentID, entityMarkers *markers.EntityMarkers) (RemoveFn, error) {
	fns, err := r.Resolve(schema, entityMarkers)
	if err != nil {
		return nil, err
	}
	return fns.Remove, nil
}

// ApplyWrite decodes payload and writes it into entity with the applier
// selected by entityMarkers. Errors are protocol errors: the caller rejects
// this entity and carries on.
func (r *Registry) ApplyWrite(
	ctx *applyctx.WriteCtx,
	info FnsInfo,
	entityMarkers *markers.EntityMarkers,
	entity models.EntityID,
	payload []byte,
) error {
	fns, rule, err := r.Lookup(info.FnsID)
	if err != nil {
		return err
	}
	local := FnsInfo{SchemaID: fns.schema, FnsID: info.FnsID}
	if err = fns.Write(ctx, rule, entityMarkers, entity, bytes.NewReader(payload)); err != nil {
		if errors.Is(err, rulefns.ErrMalformed) {
			return &DecodeError{Info: local, Entity: entity, Err: err}
		}
		return errors.Wrapf(err, "apply %s to entity %d", local, entity)
	}
	return nil
}

// ApplyRemove strips the schema behind info.FnsID from entity. Removing an
// absent component is a no-op.
func (r *Registry) ApplyRemove(ctx *applyctx.RemoveCtx, info FnsInfo, entityMarkers *markers.EntityMarkers, entity models.EntityID) error {
	fns, _, err := r.Lookup(info.FnsID)
	if err != nil {
		return err
	}
	fns.Remove(ctx, entityMarkers, entity)
	return nil
}

// Despawn drops the entity's mapping in both directions and runs the despawn
// applier. Despawning an absent entity is a no-op.
func (r *Registry) Despawn(ctx *applyctx.DespawnCtx, entity models.EntityID) {
	if entityMap := ctx.EntityMap(); entityMap != nil {
		entityMap.RemoveByClient(entity)
	}
	if !ctx.Host().Contains(entity) {
		return
	}
	r.despawn(ctx, entity)
}

// ProtocolHash fingerprints the registration order of rules and markers by
// type, not by schema id. Client and server must agree on it for FnsIDs to
// mean the same thing.
func (r *Registry) ProtocolHash() uint64 {
	digest := xxhash.New()
	for id, entry := range r.rules {
		_, _ = fmt.Fprintf(digest, "rule:%d:%s\x00", id, entry.rule.Type())
	}
	for _, marker := range r.markers.All() {
		_, _ = fmt.Fprintf(digest, "marker:%s:%d\x00", r.components.Name(marker.ID), marker.Priority)
	}
	return digest.Sum64()
}
