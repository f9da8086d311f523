package demo

import (
	"github.com/zeusync/replication/internal/core/models"
	"github.com/zeusync/replication/internal/core/world"
)

const (
	startHealth = 100
	hitDamage   = 25
	hitEvery    = 4
)

type squad struct {
	player models.EntityID
	pet    models.EntityID
}

// Simulation drives the server world: players walk, take damage and respawn
// when they die, each followed by a pet that references its owner.
type Simulation struct {
	world *world.World
	steps int
	squad []squad
}

func NewSimulation(w *world.World, players int) *Simulation {
	s := &Simulation{world: w}
	for i := 0; i < players; i++ {
		s.squad = append(s.squad, s.spawn(float64(i*10)))
	}
	return s
}

func (s *Simulation) spawn(x float64) squad {
	player := s.world.Spawn()
	_ = models.Insert(s.world, player, Position{X: x})
	_ = models.Insert(s.world, player, Health{Current: startHealth, Max: startHealth})

	pet := s.world.Spawn()
	_ = models.Insert(s.world, pet, Position{X: x, Y: -1})
	_ = models.Insert(s.world, pet, Owner{Entity: player})
	return squad{player: player, pet: pet}
}

// Step advances the world by one simulation tick.
func (s *Simulation) Step() {
	s.steps++
	for i, sq := range s.squad {
		s.move(sq.player, 1, 0.5)
		s.move(sq.pet, 1, 0.5)

		if (s.steps+i)%hitEvery != 0 {
			continue
		}
		health, ok := models.Get[Health](s.world, sq.player)
		if !ok {
			continue
		}
		health.Current -= hitDamage
		if health.Current > 0 {
			_ = models.Insert(s.world, sq.player, health)
			continue
		}

		position, _ := models.Get[Position](s.world, sq.player)
		s.world.Despawn(sq.pet)
		s.world.Despawn(sq.player)
		s.squad[i] = s.spawn(position.X)
	}
}

func (s *Simulation) Steps() int {
	return s.steps
}

func (s *Simulation) move(entity models.EntityID, dx, dy float64) {
	position, ok := models.Get[Position](s.world, entity)
	if !ok {
		return
	}
	position.X += dx
	position.Y += dy
	_ = models.Insert(s.world, entity, position)
}
