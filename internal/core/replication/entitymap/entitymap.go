package entitymap

import (
	"maps"

	"github.com/zeusync/replication/internal/core/models"
)

// ServerEntityMap translates server entity ids into client entity ids and back.
// Both directions always hold the same set of pairs.
type ServerEntityMap struct {
	serverToClient map[models.EntityID]models.EntityID
	clientToServer map[models.EntityID]models.EntityID
}

func New() *ServerEntityMap {
	return &ServerEntityMap{
		serverToClient: make(map[models.EntityID]models.EntityID),
		clientToServer: make(map[models.EntityID]models.EntityID),
	}
}

// Insert maps server to client. Any previous pair involving either id is
// dropped first so the map stays a bijection.
func (m *ServerEntityMap) Insert(server, client models.EntityID) {
	m.RemoveByServer(server)
	m.RemoveByClient(client)
	m.serverToClient[server] = client
	m.clientToServer[client] = server
}

// GetByServerOrInsert returns the client entity for server, calling spawn and
// recording the pair when no mapping exists yet.
func (m *ServerEntityMap) GetByServerOrInsert(server models.EntityID, spawn func() models.EntityID) models.EntityID {
	if client, ok := m.serverToClient[server]; ok {
		return client
	}
	client := spawn()
	m.serverToClient[server] = client
	m.clientToServer[client] = server
	return client
}

func (m *ServerEntityMap) GetByServer(server models.EntityID) (models.EntityID, bool) {
	client, ok := m.serverToClient[server]
	return client, ok
}

func (m *ServerEntityMap) GetByClient(client models.EntityID) (models.EntityID, bool) {
	server, ok := m.clientToServer[client]
	return server, ok
}

// RemoveByServer deletes the pair containing server and returns its client id.
func (m *ServerEntityMap) RemoveByServer(server models.EntityID) (models.EntityID, bool) {
	client, ok := m.serverToClient[server]
	if !ok {
		return models.InvalidEntity, false
	}
	delete(m.serverToClient, server)
	delete(m.clientToServer, client)
	return client, true
}

// RemoveByClient deletes the pair containing client and returns its server id.
func (m *ServerEntityMap) RemoveByClient(client models.EntityID) (models.EntityID, bool) {
	server, ok := m.clientToServer[client]
	if !ok {
		return models.InvalidEntity, false
	}
	delete(m.clientToServer, client)
	delete(m.serverToClient, server)
	return server, true
}

func (m *ServerEntityMap) Len() int {
	return len(m.serverToClient)
}

// ToClient returns a copy of the server to client direction.
func (m *ServerEntityMap) ToClient() map[models.EntityID]models.EntityID {
	return maps.Clone(m.serverToClient)
}

// ToServer returns a copy of the client to server direction.
func (m *ServerEntityMap) ToServer() map[models.EntityID]models.EntityID {
	return maps.Clone(m.clientToServer)
}

// Clear drops every mapping. Called when the connection to the server ends.
func (m *ServerEntityMap) Clear() {
	clear(m.serverToClient)
	clear(m.clientToServer)
}
