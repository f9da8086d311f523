// Package applyctx holds the short-lived parameter bundles handed to
// replication functions. A context is built for a single call and must not be
// retained after it returns.
package applyctx

import (
	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/entitymap"
	"github.com/zeusync/replication/internal/core/replication/tick"
)

// EntityMapper translates an entity id found inside a payload into the local id space.
type EntityMapper = models.EntityMapper

// SerializeCtx is passed to codecs on the producer side.
type SerializeCtx struct {
	ServerTick tick.RepliconTick
	SchemaID   models.ComponentID
}

// WriteCtx is passed to write appliers and decoders on the consumer side.
type WriteCtx struct {
	MessageTick tick.RepliconTick
	SchemaID    models.ComponentID
	// IgnoreMapping makes MapEntity return ids unchanged, for payloads that
	// already carry client ids.
	IgnoreMapping bool

	host      models.Storage
	entityMap *entitymap.ServerEntityMap
	spawned   int
}

var _ EntityMapper = (*WriteCtx)(nil)

func NewWriteCtx(host models.Storage, entityMap *entitymap.ServerEntityMap, messageTick tick.RepliconTick) *WriteCtx {
	return &WriteCtx{
		MessageTick: messageTick,
		host:        host,
		entityMap:   entityMap,
	}
}

func (c *WriteCtx) Host() models.Storage {
	return c.host
}

func (c *WriteCtx) EntityMap() *entitymap.ServerEntityMap {
	return c.entityMap
}

// MapEntity returns the client entity for a server entity, spawning an empty
// placeholder on first sight. Repeated calls with the same id return the same entity.
func (c *WriteCtx) MapEntity(server models.EntityID) models.EntityID {
	if c.IgnoreMapping {
		return server
	}
	return c.entityMap.GetByServerOrInsert(server, func() models.EntityID {
		c.spawned++
		return c.host.Spawn()
	})
}

// Spawned returns how many placeholder entities MapEntity created.
func (c *WriteCtx) Spawned() int {
	return c.spawned
}

// RemoveCtx is passed to remove appliers.
type RemoveCtx struct {
	MessageTick tick.RepliconTick
	SchemaID    models.ComponentID

	host models.Storage
}

func NewRemoveCtx(host models.Storage, messageTick tick.RepliconTick) *RemoveCtx {
	return &RemoveCtx{MessageTick: messageTick, host: host}
}

func (c *RemoveCtx) Host() models.Storage {
	return c.host
}

// DespawnCtx is passed to the despawn applier.
type DespawnCtx struct {
	MessageTick tick.RepliconTick

	host      models.Storage
	entityMap *entitymap.ServerEntityMap
}

func NewDespawnCtx(host models.Storage, entityMap *entitymap.ServerEntityMap, messageTick tick.RepliconTick) *DespawnCtx {
	return &DespawnCtx{MessageTick: messageTick, host: host, entityMap: entityMap}
}

func (c *DespawnCtx) Host() models.Storage {
	return c.host
}

func (c *DespawnCtx) EntityMap() *entitymap.ServerEntityMap {
	return c.entityMap
}
