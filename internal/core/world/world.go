package world

import (
	"reflect"
	"slices"
	"sync"

	"github.com/zeusync/replication/internal/core/models"
)

var (
	_ models.Storage   = (*World)(nil)
	_ models.Hierarchy = (*World)(nil)
)

// World is an in-memory entity-component store.
// Reads may run concurrently; writes are exclusive.
type World struct {
	mu         sync.RWMutex
	next       models.EntityID
	entities   map[models.EntityID]map[models.ComponentID]any
	components *models.Components
}

// New creates an empty World. A nil components table gets a fresh one.
func New(components *models.Components) *World {
	if components == nil {
		components = models.NewComponents()
	}
	return &World{
		entities:   make(map[models.EntityID]map[models.ComponentID]any),
		components: components,
	}
}

func (w *World) Components() *models.Components {
	return w.components
}

func (w *World) Spawn() models.EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	w.entities[w.next] = make(map[models.ComponentID]any)
	return w.next
}

// SpawnWith creates an entity holding the given components.
func (w *World) SpawnWith(components map[models.ComponentID]any) models.EntityID {
	id := w.Spawn()
	w.mu.Lock()
	defer w.mu.Unlock()
	for component, value := range components {
		w.entities[id][component] = value
	}
	return id
}

// Despawn removes entity and, through models.ChildOf, all of its descendants.
func (w *World) Despawn(entity models.EntityID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.despawn(entity)
}

func (w *World) despawn(entity models.EntityID) bool {
	if _, ok := w.entities[entity]; !ok {
		return false
	}
	delete(w.entities, entity)
	for _, child := range w.children(entity) {
		w.despawn(child)
	}
	return true
}

// Children returns the entities whose models.ChildOf points at parent, in ascending order.
func (w *World) Children(parent models.EntityID) []models.EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.children(parent)
}

func (w *World) children(parent models.EntityID) []models.EntityID {
	childOf, ok := w.components.Lookup(reflect.TypeFor[models.ChildOf]())
	if !ok {
		return nil
	}
	var ids []models.EntityID
	for id, components := range w.entities {
		if link, ok := components[childOf].(models.ChildOf); ok && link.Parent == parent {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (w *World) Contains(entity models.EntityID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entities[entity]
	return ok
}

func (w *World) AddComponent(entity models.EntityID, component models.ComponentID, value any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	components, ok := w.entities[entity]
	if !ok {
		return models.ErrEntityNotFound
	}
	components[component] = value
	return nil
}

func (w *World) RemoveComponent(entity models.EntityID, component models.ComponentID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	components, ok := w.entities[entity]
	if !ok {
		return false
	}
	if _, ok = components[component]; !ok {
		return false
	}
	delete(components, component)
	return true
}

func (w *World) GetComponent(entity models.EntityID, component models.ComponentID) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	value, ok := w.entities[entity][component]
	return value, ok
}

func (w *World) HasComponent(entity models.EntityID, component models.ComponentID) bool {
	_, ok := w.GetComponent(entity, component)
	return ok
}

// ListComponents returns the component ids of entity in ascending order.
func (w *World) ListComponents(entity models.EntityID) []models.ComponentID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]models.ComponentID, 0, len(w.entities[entity]))
	for id := range w.entities[entity] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Entities returns a snapshot of live entity ids in ascending order.
func (w *World) Entities() []models.EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]models.EntityID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}
