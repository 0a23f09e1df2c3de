// ABOUTME: Method registry mapping method names to handlers with auth requirements
// ABOUTME: Populated once at startup and read-only afterwards

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/2389/hearth-gateway/internal/auth"
)

// Handler executes a method call. A returned *Error becomes the response
// error envelope; any other error is surfaced as INTERNAL_ERROR with its
// message as diagnostic data.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call is the request context a handler receives.
type Call struct {
	// Params is the raw parameter payload from the request envelope.
	Params json.RawMessage
	// Caller identifies the connection that issued the request.
	Caller Caller
}

// Caller is the dispatcher's view of the issuing connection. Implemented
// by gateway connections and by lightweight fakes in tests.
type Caller interface {
	ID() string
	AuthContext() *auth.Context
}

// Descriptor declares one callable method.
type Descriptor struct {
	Name         string
	Handler      Handler
	RequiresAuth bool
	Permissions  []string
}

// Registry maps method names to descriptors. Register is only legal
// before Freeze; afterwards the registry is read-only and lock-free.
type Registry struct {
	methods map[string]Descriptor
	frozen  bool
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Descriptor)}
}

// Register adds a method descriptor. Registering a duplicate name or
// registering after Freeze is a programming error and startup-fatal for
// the caller.
func (r *Registry) Register(d Descriptor) error {
	if r.frozen {
		return fmt.Errorf("registry frozen: cannot register %q", d.Name)
	}
	if d.Name == "" {
		return fmt.Errorf("method name must not be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("method %q has no handler", d.Name)
	}
	if _, exists := r.methods[d.Name]; exists {
		return fmt.Errorf("method %q already registered", d.Name)
	}
	r.methods[d.Name] = d
	return nil
}

// Freeze marks the registry immutable. All registration happens during
// gateway construction, before any connection is accepted, so reads after
// Freeze need no locking.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Get returns the descriptor for a method name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.methods[name]
	return d, ok
}

// Methods returns all registered method names, sorted.
func (r *Registry) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
