package models

import "errors"

// EntityID identifies an entity inside one process. Server and client ids live
// in different id spaces and are translated by the entity map.
type EntityID uint64

// ComponentID identifies a component type (a replicated schema).
type ComponentID uint32

// InvalidEntity is never returned by Spawn.
const InvalidEntity EntityID = 0

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrComponentType  = errors.New("component value has unexpected type")
)

// Storage is the host entity-component store the replication layer mutates.
// Implementations are accessed by one apply call at a time.
type Storage interface {
	Spawn() EntityID
	// Despawn reports whether the entity existed.
	Despawn(EntityID) bool
	Contains(EntityID) bool

	AddComponent(EntityID, ComponentID, any) error
	// RemoveComponent reports whether the component was present.
	RemoveComponent(EntityID, ComponentID) bool
	GetComponent(EntityID, ComponentID) (any, bool)
	HasComponent(EntityID, ComponentID) bool

	Components() *Components
}

// Insert stores value as component C on entity.
func Insert[C any](s Storage, entity EntityID, value C) error {
	return s.AddComponent(entity, ComponentOf[C](s.Components()), value)
}

// Get returns component C of entity.
func Get[C any](s Storage, entity EntityID) (C, bool) {
	var zero C
	raw, ok := s.GetComponent(entity, ComponentOf[C](s.Components()))
	if !ok {
		return zero, false
	}
	value, ok := raw.(C)
	return value, ok
}

// Has reports whether entity carries component C.
func Has[C any](s Storage, entity EntityID) bool {
	return s.HasComponent(entity, ComponentOf[C](s.Components()))
}

// Remove strips component C from entity.
func Remove[C any](s Storage, entity EntityID) bool {
	return s.RemoveComponent(entity, ComponentOf[C](s.Components()))
}
