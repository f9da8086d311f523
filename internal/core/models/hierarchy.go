package models

// EntityMapper translates an entity id found inside a payload into the local id space.
type EntityMapper interface {
	MapEntity(server EntityID) EntityID
}

// Replicated marks an entity for replication even when it carries no
// replicated component, so it still exists on clients.
type Replicated struct{}

// ChildOf links an entity to its parent. Despawning the parent despawns the child.
type ChildOf struct {
	Parent EntityID
}

func (c *ChildOf) MapEntities(mapper EntityMapper) {
	c.Parent = mapper.MapEntity(c.Parent)
}

// Hierarchy is implemented by storages that track ChildOf relations. Their
// Despawn removes descendants along with the parent.
type Hierarchy interface {
	Children(parent EntityID) []EntityID
}

// Descendants returns every entity below root, parents before children.
// ChildOf cycles are visited once.
func Descendants(h Hierarchy, root EntityID) []EntityID {
	var out []EntityID
	seen := map[EntityID]struct{}{root: {}}
	queue := []EntityID{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, child := range h.Children(parent) {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}
