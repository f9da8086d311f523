package markers

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/zeusync/replication/internal/core/models"
)

// Marker is a registered command marker: a component type whose presence on
// an entity redirects replication to override functions.
type Marker struct {
	ID       models.ComponentID
	Priority int
}

// CommandMarkers keeps registered markers ordered by descending priority.
type CommandMarkers struct {
	markers []Marker
}

func New() *CommandMarkers {
	return &CommandMarkers{}
}

// Insert registers marker and returns its index in priority order.
// Registering the same marker twice, or two markers with the same priority,
// is a configuration error and panics.
func (c *CommandMarkers) Insert(marker Marker) int {
	for _, existing := range c.markers {
		if existing.ID == marker.ID {
			panic(fmt.Sprintf("marker %d is already registered", marker.ID))
		}
		if existing.Priority == marker.Priority {
			panic(fmt.Sprintf("markers %d and %d share priority %d", existing.ID, marker.ID, marker.Priority))
		}
	}

	index, _ := slices.BinarySearchFunc(c.markers, marker, func(existing, target Marker) int {
		// Descending by priority.
		return cmp.Compare(target.Priority, existing.Priority)
	})
	c.markers = slices.Insert(c.markers, index, marker)
	return index
}

// Index returns the position of the marker with the given id.
func (c *CommandMarkers) Index(id models.ComponentID) (int, bool) {
	for i, marker := range c.markers {
		if marker.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (c *CommandMarkers) Len() int {
	return len(c.markers)
}

// All returns the markers in priority order.
func (c *CommandMarkers) All() []Marker {
	return slices.Clone(c.markers)
}

// EntityMarkers records which registered markers an entity carries.
// Index i corresponds to CommandMarkers index i.
type EntityMarkers struct {
	present []bool
}

// Read recomputes the marker set of entity. Membership can change between
// frames, so this must run before every write or remove.
func (e *EntityMarkers) Read(markers *CommandMarkers, host models.Storage, entity models.EntityID) {
	e.present = e.present[:0]
	for _, marker := range markers.markers {
		e.present = append(e.present, host.HasComponent(entity, marker.ID))
	}
}

// Of is a convenience for a fresh Read.
func Of(markers *CommandMarkers, host models.Storage, entity models.EntityID) *EntityMarkers {
	var e EntityMarkers
	e.Read(markers, host, entity)
	return &e
}

// FromPresence builds EntityMarkers from explicit flags in priority order.
func FromPresence(present ...bool) *EntityMarkers {
	return &EntityMarkers{present: slices.Clone(present)}
}

// Has reports whether the marker at index is present.
func (e *EntityMarkers) Has(index int) bool {
	return e != nil && index < len(e.present) && e.present[index]
}

func (e *EntityMarkers) Len() int {
	if e == nil {
		return 0
	}
	return len(e.present)
}
