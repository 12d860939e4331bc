package table

import (
	"fmt"
	"sync"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
)

// Registry holds every table known to the node
type Registry struct {
	mu     sync.RWMutex
	tables map[model.TableID]*Table
	order  []model.TableID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tables: make(map[model.TableID]*Table),
	}
}

// Add registers a table
func (r *Registry) Add(t *Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[t.ID()]; exists {
		return fmt.Errorf("table %s already registered", t.ID())
	}
	r.tables[t.ID()] = t
	r.order = append(r.order, t.ID())
	return nil
}

// Get looks up a table by id
func (r *Registry) Get(id model.TableID) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tables[id]
	return t, ok
}

// All returns the tables in registration order
func (r *Registry) All() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tables := make([]*Table, 0, len(r.order))
	for _, id := range r.order {
		tables = append(tables, r.tables[id])
	}
	return tables
}
