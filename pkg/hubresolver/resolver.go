// Package hubresolver turns a hub identifier into the connection metadata the
// telemetry driver needs. The source of truth (the hub's management plane) is
// an injected Resolver; cache layers sit in front of it so repeated CLI
// invocations skip the metadata round-trip.
package hubresolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-iot-hub/pkg/devicesim"
)

// Resolver resolves a hub name to the connection target for one device.
// Implementations are supplied by the surrounding CLI layer.
type Resolver interface {
	Resolve(ctx context.Context, hubName string) (devicesim.ConnectionTarget, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, hubName string) (devicesim.ConnectionTarget, error)

// Resolve invokes the function.
func (f ResolverFunc) Resolve(ctx context.Context, hubName string) (devicesim.ConnectionTarget, error) {
	return f(ctx, hubName)
}

// InMemoryResolver is a thread-safe resolver over a fixed table of targets,
// used as the innermost cache layer and as a test double.
type InMemoryResolver struct {
	mu      sync.RWMutex
	targets map[string]devicesim.ConnectionTarget
}

// NewInMemoryResolver creates an empty in-memory resolver.
func NewInMemoryResolver() *InMemoryResolver {
	return &InMemoryResolver{targets: make(map[string]devicesim.ConnectionTarget)}
}

// Resolve looks the hub up in the table.
func (r *InMemoryResolver) Resolve(_ context.Context, hubName string) (devicesim.ConnectionTarget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	target, ok := r.targets[hubName]
	if !ok {
		return devicesim.ConnectionTarget{}, fmt.Errorf("hub %q not found", hubName)
	}
	return target, nil
}

// Store adds or replaces a target.
func (r *InMemoryResolver) Store(hubName string, target devicesim.ConnectionTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[hubName] = target
}
