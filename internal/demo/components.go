// Package demo holds a small replicated game used by the replicon command and
// the end-to-end tests.
package demo

import (
	"io"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/applyctx"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/rulefns"
	"github.com/zeusync/replication/internal/core/replication/tick"
)

type Position struct {
	X, Y float64
}

type Health struct {
	Current, Max int
}

// Owner points at the entity controlling this one.
type Owner struct {
	Entity models.EntityID
}

func (o *Owner) MapEntities(mapper applyctx.EntityMapper) {
	o.Entity = mapper.MapEntity(o.Entity)
}

// Predicted marks client entities whose Position is simulated locally. The
// server's Position goes to ConfirmedPosition instead.
type Predicted struct{}

type ConfirmedPosition struct {
	Position
	Tick tick.RepliconTick
}

const PredictedPriority = 100

// Register declares the demo schemas. Every process talking to another must
// call it the same way. A non-nil guard makes client writes last-write-wins.
func Register(reg *registry.Registry, guard *tick.Guard) {
	registry.Replicate[Position](reg)
	registry.Replicate[Health](reg)
	registry.Replicate[Owner](reg)
	registry.RegisterMarker[Predicted](reg, PredictedPriority)

	confirmed := registry.NewCommandFns(writeConfirmed, registry.RemoveComponent[ConfirmedPosition]())
	if guard != nil {
		registry.SetCommandFns(reg, registry.LastWriteWinsCommandFns(guard, registry.DefaultCommandFns[Position]()))
		registry.SetCommandFns(reg, registry.LastWriteWinsCommandFns(guard, registry.DefaultCommandFns[Health]()))
		registry.SetCommandFns(reg, registry.LastWriteWinsCommandFns(guard, registry.DefaultCommandFns[Owner]()))
		confirmed = registry.LastWriteWinsCommandFns(guard, confirmed)
	}
	registry.SetMarkerFns[Predicted](reg, confirmed)
}

func writeConfirmed(ctx *applyctx.WriteCtx, fns rulefns.RuleFns[Position], entity models.EntityID, r io.Reader) error {
	position, err := fns.Deserialize(ctx, r)
	if err != nil {
		return err
	}
	return models.Insert(ctx.Host(), entity, ConfirmedPosition{Position: position, Tick: ctx.MessageTick})
}
