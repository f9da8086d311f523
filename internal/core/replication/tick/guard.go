package tick

import "github.com/zeusync/replication/internal/core/models"

type guardKey struct {
	entity models.EntityID
	schema models.ComponentID
}

// Guard remembers the last applied tick per entity and schema for appliers
// that want last-write-wins semantics. The zero value is not usable; use NewGuard.
type Guard struct {
	applied  map[guardKey]RepliconTick
	rejected uint64
}

func NewGuard() *Guard {
	return &Guard{applied: make(map[guardKey]RepliconTick)}
}

// ShouldApply reports whether a mutation stamped with message may be applied.
// A stale or duplicate tick is counted as rejected.
func (g *Guard) ShouldApply(entity models.EntityID, schema models.ComponentID, message RepliconTick) bool {
	last, ok := g.applied[guardKey{entity, schema}]
	if !ok || message.IsNewerThan(last) {
		return true
	}
	g.rejected++
	return false
}

// Record stores message as the last applied tick.
func (g *Guard) Record(entity models.EntityID, schema models.ComponentID, message RepliconTick) {
	g.applied[guardKey{entity, schema}] = message
}

// Last returns the last applied tick for the pair.
func (g *Guard) Last(entity models.EntityID, schema models.ComponentID) (RepliconTick, bool) {
	last, ok := g.applied[guardKey{entity, schema}]
	return last, ok
}

// Forget drops every entry of entity, called when it is despawned.
func (g *Guard) Forget(entity models.EntityID) {
	for key := range g.applied {
		if key.entity == entity {
			delete(g.applied, key)
		}
	}
}

// Rejected returns how many mutations ShouldApply refused.
func (g *Guard) Rejected() uint64 {
	return g.rejected
}

func (g *Guard) Clear() {
	clear(g.applied)
}
