package message

import (
	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/registry"
	"github.com/zeusync/replication/internal/core/replication/tick"
)

// ComponentData is one serialized component of an entity.
type ComponentData struct {
	Info registry.FnsInfo
	Data []byte
}

// EntityChanges carries the changed components of one server entity.
type EntityChanges struct {
	Entity     models.EntityID
	Components []ComponentData
}

// EntityRemovals lists the schemas removed from one server entity.
type EntityRemovals struct {
	Entity     models.EntityID
	Components []registry.FnsInfo
}

// Batch is everything the server replicated in one tick. Entity ids are
// server ids. The receiver applies despawns, then removals, then changes.
type Batch struct {
	Tick     tick.RepliconTick
	Despawns []models.EntityID
	Removals []EntityRemovals
	Changes  []EntityChanges
}

func (b *Batch) IsEmpty() bool {
	return len(b.Despawns) == 0 && len(b.Removals) == 0 && len(b.Changes) == 0
}

// ComponentCount returns how many component payloads the batch carries.
func (b *Batch) ComponentCount() int {
	count := 0
	for _, changes := range b.Changes {
		count += len(changes.Components)
	}
	return count
}
