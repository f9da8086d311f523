package demo

import (
	"maps"

	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/replication/entitymap"
)

const (
	hasPosition uint8 = 1 << iota
	hasHealth
	hasOwner
)

// EntityState is the replicated part of one entity. Owner is a server id.
type EntityState struct {
	Has      uint8
	Position Position
	Health   Health
	Owner    models.EntityID
}

// State maps server entities to their replicated components.
type State map[models.EntityID]EntityState

func (s State) Equal(other State) bool {
	return maps.Equal(s, other)
}

// ServerState reads the authoritative state.
func ServerState(host models.Storage, entities []models.EntityID) State {
	state := make(State)
	for _, entity := range entities {
		if es, ok := readEntity(host, entity, func(e models.EntityID) models.EntityID { return e }); ok {
			state[entity] = es
		}
	}
	return state
}

// ClientState reads the replicated copy and translates ids back to server ids.
func ClientState(host models.Storage, entityMap *entitymap.ServerEntityMap) State {
	toServer := func(client models.EntityID) models.EntityID {
		server, _ := entityMap.GetByClient(client)
		return server
	}
	state := make(State)
	for client, server := range entityMap.ToServer() {
		if es, ok := readEntity(host, client, toServer); ok {
			state[server] = es
		}
	}
	return state
}

func readEntity(host models.Storage, entity models.EntityID, toServer func(models.EntityID) models.EntityID) (EntityState, bool) {
	var es EntityState
	if position, ok := models.Get[Position](host, entity); ok {
		es.Has |= hasPosition
		es.Position = position
	}
	if health, ok := models.Get[Health](host, entity); ok {
		es.Has |= hasHealth
		es.Health = health
	}
	if owner, ok := models.Get[Owner](host, entity); ok {
		es.Has |= hasOwner
		es.Owner = toServer(owner.Entity)
	}
	return es, es.Has != 0
}
