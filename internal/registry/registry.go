// Package registry records which services exist, which event types each
// one accepts, and which named actions each one exposes. Registration
// happens once during startup composition; after Seal the registry is
// read-only for the life of the process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/nugget/chorus/internal/events"
)

// Action performs an outbound effect for an event.
type Action func(ctx context.Context, ev events.Event) error

// Descriptor declares a service's capabilities.
type Descriptor struct {
	// Name must be unique across the registry.
	Name string
	// EventTypes lists the event types the service accepts.
	EventTypes []events.Type
	// Actions maps action names to implementations. Action names are
	// global: two services may not register the same name.
	Actions map[string]Action
}

// Provides reports whether d accepts t.
func (d Descriptor) Provides(t events.Type) bool {
	return slices.Contains(d.EventTypes, t)
}

// ActionNames returns the descriptor's action names, sorted.
func (d Descriptor) ActionNames() []string {
	names := make([]string, 0, len(d.Actions))
	for n := range d.Actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConflictError is returned when a service name or action name is
// registered twice.
type ConflictError struct {
	// Kind is "service" or "action".
	Kind string
	// Name is the conflicting name.
	Name string
	// Owner is the service that registered Name first.
	Owner string
}

func (e *ConflictError) Error() string {
	if e.Kind == "action" {
		return fmt.Sprintf("action %q already registered by service %q", e.Name, e.Owner)
	}
	return fmt.Sprintf("service %q already registered", e.Name)
}

var (
	// ErrActionNotFound is returned by ResolveAction for unknown names.
	ErrActionNotFound = errors.New("action not found")
	// ErrSealed is returned by Register after Seal.
	ErrSealed = errors.New("registry sealed")
)

// Registry holds the registered service descriptors.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Descriptor
	byType   map[events.Type][]string
	actions  map[string]string // action name → owning service
	sealed   bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		services: make(map[string]Descriptor),
		byType:   make(map[events.Type][]string),
		actions:  make(map[string]string),
	}
}

// Register stores d. It fails with a *ConflictError if d.Name or any of
// its action names is already taken, and with ErrSealed once startup
// composition has finished. A failed registration leaves the registry
// unchanged.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("register: service name is required")
	}
	for _, t := range d.EventTypes {
		if !t.Valid() {
			return fmt.Errorf("register %s: unknown event type %q", d.Name, t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %s: %w", d.Name, ErrSealed)
	}
	if _, ok := r.services[d.Name]; ok {
		return &ConflictError{Kind: "service", Name: d.Name, Owner: d.Name}
	}
	for name := range d.Actions {
		if owner, ok := r.actions[name]; ok {
			return &ConflictError{Kind: "action", Name: name, Owner: owner}
		}
	}

	d.EventTypes = slices.Clone(d.EventTypes)
	r.services[d.Name] = d
	for _, t := range d.EventTypes {
		if !slices.Contains(r.byType[t], d.Name) {
			r.byType[t] = append(r.byType[t], d.Name)
		}
	}
	for name := range d.Actions {
		r.actions[name] = d.Name
	}
	return nil
}

// Seal ends the registration phase.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// IsEventProvided reports whether any registered service accepts t.
func (r *Registry) IsEventProvided(t events.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[t]) > 0
}

// Providers returns the names of services accepting t, in registration
// order.
func (r *Registry) Providers(t events.Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byType[t])
}

// ResolveAction returns the action registered under name.
func (r *Registry) ResolveAction(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.actions[name]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrActionNotFound)
	}
	return r.services[owner].Actions[name], nil
}

// Descriptors returns every registered descriptor sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
