package app

import (
	"fmt"
	"sync"

	"github.com/jkaberg/ev-charging-manager/internal/engine"
)

// Registry holds one controller per charging point, keyed by id, in the
// order they were added.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*engine.Controller
	order       []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]*engine.Controller)}
}

// Add registers c. Ids must be unique.
func (r *Registry) Add(c *engine.Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.controllers[c.ID()]; ok {
		return fmt.Errorf("charger %s registered twice", c.ID())
	}
	r.controllers[c.ID()] = c
	r.order = append(r.order, c.ID())
	return nil
}

// Get returns the controller of chargerID.
func (r *Registry) Get(chargerID string) (*engine.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[chargerID]
	return c, ok
}

// Controllers returns all controllers.
func (r *Registry) Controllers() []*engine.Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Controller, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.controllers[id])
	}
	return out
}

// Statuses returns the running state of every charger.
func (r *Registry) Statuses() []engine.Status {
	ctrls := r.Controllers()
	out := make([]engine.Status, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Status())
	}
	return out
}

// Status returns the running state of one charger.
func (r *Registry) Status(chargerID string) (engine.Status, bool) {
	c, ok := r.Get(chargerID)
	if !ok {
		return engine.Status{}, false
	}
	return c.Status(), true
}

// Watches reports whether any controller watches entityID.
func (r *Registry) Watches(entityID string) bool {
	for _, c := range r.Controllers() {
		if c.Watches(entityID) {
			return true
		}
	}
	return false
}

// Notify forwards a change to every controller watching entityID.
func (r *Registry) Notify(entityID string) {
	for _, c := range r.Controllers() {
		c.Notify(entityID)
	}
}

// Entities returns every entity watched by any controller.
func (r *Registry) Entities() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range r.Controllers() {
		for _, e := range c.Config().WatchedEntities() {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
