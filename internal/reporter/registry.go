package reporter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateSubsystem is returned when two reporters share a subsystem.
var ErrDuplicateSubsystem = errors.New("failsink: subsystem already registered")

// Registry holds the reporters built by the composition root, keyed by subsystem.
type Registry struct {
	mu        sync.RWMutex
	reporters map[string]*Reporter
}

func NewRegistry() *Registry {
	return &Registry{reporters: make(map[string]*Reporter)}
}

// Add registers r under its subsystem.
func (g *Registry) Add(r *Reporter) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.reporters[r.subsystem]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSubsystem, r.subsystem)
	}
	g.reporters[r.subsystem] = r
	return nil
}

func (g *Registry) Get(subsystem string) (*Reporter, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.reporters[subsystem]
	return r, ok
}

// Subsystems returns registered subsystems in sorted order.
func (g *Registry) Subsystems() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.reporters))
	for name := range g.reporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot maps each subsystem to its pending failure; nil means none.
func (g *Registry) Snapshot() map[string]*View {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*View, len(g.reporters))
	for name, r := range g.reporters {
		out[name] = r.View()
	}
	return out
}

// Close closes every reporter and joins their errors.
func (g *Registry) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var errs []error
	for _, r := range g.reporters {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
