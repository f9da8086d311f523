package registry

import (
	"fmt"
	"io"
	"slices"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/markers"
	"github.com/zeusync/replication/internal/core/replication/rulefns"
)

// ComponentFns holds the appliers of one schema: the default command
// functions and per-marker overrides indexed like CommandMarkers.
type ComponentFns struct {
	schema    models.ComponentID
	commands  *UntypedCommandFns
	markerFns []*UntypedCommandFns
}

func newComponentFns[C any](schema models.ComponentID, markerSlots int) *ComponentFns {
	return &ComponentFns{
		schema:    schema,
		commands:  eraseCommandFns(DefaultCommandFns[C]()),
		markerFns: make([]*UntypedCommandFns, markerSlots),
	}
}

func (f *ComponentFns) Schema() models.ComponentID {
	return f.schema
}

// Resolve returns the override of the highest-priority marker present in
// entityMarkers, or the default command functions when none applies.
func (f *ComponentFns) Resolve(entityMarkers *markers.EntityMarkers) *UntypedCommandFns {
	for index, fns := range f.markerFns {
		if fns != nil && entityMarkers.Has(index) {
			return fns
		}
	}
	return f.commands
}

// Serialize writes value with rule.
func (f *ComponentFns) Serialize(ctx *applyctx.SerializeCtx, rule rulefns.Untyped, value any, w io.Writer) error {
	ctx.SchemaID = f.schema
	return rule.Serialize(ctx, value, w)
}

// Write resolves the applier for entityMarkers and runs it.
func (f *ComponentFns) Write(
	ctx *applyctx.WriteCtx,
	rule rulefns.Untyped,
	entityMarkers *markers.EntityMarkers,
	entity models.EntityID,
	r io.Reader,
) error {
	ctx.SchemaID = f.schema
	return f.Resolve(entityMarkers).Write(ctx, rule, entity, r)
}

// Remove resolves the applier for entityMarkers and runs it.
func (f *ComponentFns) Remove(ctx *applyctx.RemoveCtx, entityMarkers *markers.EntityMarkers, entity models.EntityID) {
	ctx.SchemaID = f.schema
	f.Resolve(entityMarkers).Remove(ctx, entity)
}

func (f *ComponentFns) setCommandFns(fns *UntypedCommandFns) {
	f.checkType(fns)
	f.commands = fns
}

func (f *ComponentFns) addMarkerSlot(index int) {
	f.markerFns = slices.Insert(f.markerFns, index, nil)
}

func (f *ComponentFns) setMarkerFns(index int, fns *UntypedCommandFns) {
	f.checkType(fns)
	if f.markerFns[index] != nil {
		panic(fmt.Sprintf("marker at index %d already overrides schema %d", index, f.schema))
	}
	f.markerFns[index] = fns
}

func (f *ComponentFns) checkType(fns *UntypedCommandFns) {
	if fns.typ != f.commands.typ {
		panic(fmt.Sprintf("command functions for %s cannot serve schema of %s", fns.typ, f.commands.typ))
	}
}
