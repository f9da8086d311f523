package registry

import (
	"io"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/rulefns"
	"github.com/zeusync/replication/internal/core/replication/tick"
)

// LastWriteWins wraps write so that a payload stamped with a tick that is not
// newer than the last applied one for the same entity and schema is dropped.
// The stored tick only advances after write succeeds.
func LastWriteWins[C any](guard *tick.Guard, write WriteFn[C]) WriteFn[C] {
	return func(ctx *applyctx.WriteCtx, fns rulefns.RuleFns[C], entity models.EntityID, r io.Reader) error {
		if !guard.ShouldApply(entity, ctx.SchemaID, ctx.MessageTick) {
			return nil
		}
		if err := write(ctx, fns, entity, r); err != nil {
			return err
		}
		guard.Record(entity, ctx.SchemaID, ctx.MessageTick)
		return nil
	}
}

// LastWriteWinsRemove is LastWriteWins for removals.
func LastWriteWinsRemove(guard *tick.Guard, remove RemoveFn) RemoveFn {
	return func(ctx *applyctx.RemoveCtx, entity models.EntityID) {
		if !guard.ShouldApply(entity, ctx.SchemaID, ctx.MessageTick) {
			return
		}
		remove(ctx, entity)
		guard.Record(entity, ctx.SchemaID, ctx.MessageTick)
	}
}

// LastWriteWinsCommandFns guards both functions of fns.
func LastWriteWinsCommandFns[C any](guard *tick.Guard, fns CommandFns[C]) CommandFns[C] {
	return NewCommandFns(LastWriteWins(guard, fns.Write), LastWriteWinsRemove(guard, fns.Remove))
}
