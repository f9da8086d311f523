package models

import (
	"reflect"
	"sync"
)

// Components assigns a ComponentID to every Go type used as a component.
// Ids start at 1 and are never reused.
type Components struct {
	mu     sync.RWMutex
	byType map[reflect.Type]ComponentID
	types  []reflect.Type
}

func NewComponents() *Components {
	return &Components{
		byType: make(map[reflect.Type]ComponentID),
		types:  []reflect.Type{nil},
	}
}

// ComponentOf returns the id of C, assigning one on first use.
func ComponentOf[C any](c *Components) ComponentID {
	return c.ID(reflect.TypeFor[C]())
}

// ID returns the id of typ, assigning one on first use.
func (c *Components) ID(typ reflect.Type) ComponentID {
	c.mu.RLock()
	id, ok := c.byType[typ]
	c.mu.RUnlock()
	if ok {
		return id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok = c.byType[typ]; ok {
		return id
	}
	id = ComponentID(len(c.types))
	c.byType[typ] = id
	c.types = append(c.types, typ)
	return id
}

// Lookup returns the id of typ without assigning one.
func (c *Components) Lookup(typ reflect.Type) (ComponentID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byType[typ]
	return id, ok
}

// Type returns the Go type behind id.
func (c *Components) Type(id ComponentID) (reflect.Type, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == 0 || int(id) >= len(c.types) {
		return nil, false
	}
	return c.types[id], true
}

// Name returns a printable name for id.
func (c *Components) Name(id ComponentID) string {
	if typ, ok := c.Type(id); ok {
		return typ.String()
	}
	return "<unknown>"
}

func (c *Components) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) - 1
}
