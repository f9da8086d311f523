package registry

import (
	"fmt"
	"io"
	"reflect"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/rulefns"
)

// WriteFn decodes a component of type C from r and writes it into entity.
// A failed decode must leave entity untouched.
type WriteFn[C any] func(ctx *applyctx.WriteCtx, fns rulefns.RuleFns[C], entity models.EntityID, r io.Reader) error

// RemoveFn strips the schema named by ctx from entity.
type RemoveFn func(ctx *applyctx.RemoveCtx, entity models.EntityID)

// DespawnFn removes entity from the host.
type DespawnFn func(ctx *applyctx.DespawnCtx, entity models.EntityID)

// CommandFns is a write/remove pair for component C.
type CommandFns[C any] struct {
	Write  WriteFn[C]
	Remove RemoveFn
}

func NewCommandFns[C any](write WriteFn[C], remove RemoveFn) CommandFns[C] {
	return CommandFns[C]{Write: write, Remove: remove}
}

func DefaultCommandFns[C any]() CommandFns[C] {
	return NewCommandFns(DefaultWrite[C], DefaultRemove)
}

// DefaultWrite decodes the component and inserts it, replacing any previous value.
func DefaultWrite[C any](ctx *applyctx.WriteCtx, fns rulefns.RuleFns[C], entity models.EntityID, r io.Reader) error {
	component, err := fns.Deserialize(ctx, r)
	if err != nil {
		return err
	}
	return ctx.Host().AddComponent(entity, ctx.SchemaID, component)
}

// DefaultRemove removes the replicated schema itself.
func DefaultRemove(ctx *applyctx.RemoveCtx, entity models.EntityID) {
	ctx.Host().RemoveComponent(entity, ctx.SchemaID)
}

// RemoveComponent returns a RemoveFn stripping component C regardless of the
// schema being replicated, for overrides that write a different component.
func RemoveComponent[C any]() RemoveFn {
	return func(ctx *applyctx.RemoveCtx, entity models.EntityID) {
		models.Remove[C](ctx.Host(), entity)
	}
}

// DefaultDespawn removes the entity from the host. When the host tracks a
// hierarchy, the mappings of all descendants are dropped first, since the
// host despawns them with their parent.
func DefaultDespawn(ctx *applyctx.DespawnCtx, entity models.EntityID) {
	hierarchy, ok := ctx.Host().(models.Hierarchy)
	if entityMap := ctx.EntityMap(); ok && entityMap != nil {
		for _, child := range models.Descendants(hierarchy, entity) {
			entityMap.RemoveByClient(child)
		}
	}
	ctx.Host().Despawn(entity)
}

// WriteApplier is a write function with its component type erased.
type WriteApplier func(ctx *applyctx.WriteCtx, rule rulefns.Untyped, entity models.EntityID, r io.Reader) error

// UntypedCommandFns is a CommandFns with its component type erased.
type UntypedCommandFns struct {
	typ    reflect.Type
	write  WriteApplier
	remove RemoveFn
}

func eraseCommandFns[C any](fns CommandFns[C]) *UntypedCommandFns {
	if fns.Write == nil || fns.Remove == nil {
		panic(fmt.Sprintf("command functions for %s must both be set", reflect.TypeFor[C]()))
	}
	return &UntypedCommandFns{
		typ: reflect.TypeFor[C](),
		write: func(ctx *applyctx.WriteCtx, rule rulefns.Untyped, entity models.EntityID, r io.Reader) error {
			return fns.Write(ctx, rulefns.Typed[C](rule), entity, r)
		},
		remove: fns.Remove,
	}
}

func (c *UntypedCommandFns) Type() reflect.Type {
	return c.typ
}

// Write runs the erased write function. rule must be erased from RuleFns of the same type.
func (c *UntypedCommandFns) Write(ctx *applyctx.WriteCtx, rule rulefns.Untyped, entity models.EntityID, r io.Reader) error {
	return c.write(ctx, rule, entity, r)
}

func (c *UntypedCommandFns) Remove(ctx *applyctx.RemoveCtx, entity models.EntityID) {
	c.remove(ctx, entity)
}
