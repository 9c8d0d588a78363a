package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler is the unit of user code hosted by a stage: it consumes an event
// object and returns a JSON-serializable value.
type Handler func(ctx context.Context, event map[string]any) (any, error)

var (
	// ErrUnknownStage is returned when a route lookup misses.
	ErrUnknownStage = errors.New("workflow: unknown stage")
	// ErrFrozen is returned when registering into a frozen table.
	ErrFrozen = errors.New("workflow: route table is frozen")
)

// RouteTable maps stage names to handlers. It is populated during setup and
// frozen before any workflow execution begins.
type RouteTable struct {
	mu     sync.RWMutex
	frozen bool
	routes map[string]Handler
}

// NewRouteTable returns an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: map[string]Handler{}}
}

// Register binds a stage name to its handler. Names are unique.
func (t *RouteTable) Register(name string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frozen {
		return fmt.Errorf("%w: register %s", ErrFrozen, name)
	}
	if _, ok := t.routes[name]; ok {
		return fmt.Errorf("workflow: stage %s already registered", name)
	}
	t.routes[name] = h
	return nil
}

// Route resolves a stage name to its handler.
func (t *RouteTable) Route(name string) (Handler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.routes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	return h, nil
}

// Freeze forbids further registration.
func (t *RouteTable) Freeze() {
	t.mu.Lock()
	t.frozen = true
	t.mu.Unlock()
}

// Names lists the registered stages in sorted order.
func (t *RouteTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.routes))
	for name := range t.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
