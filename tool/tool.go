// Package tool defines the narrow contracts the engine uses to talk
// to downstream tool servers. The orchestration logic depends only on
// these interfaces, never on a discovery or health framework.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrToolUnhealthy indicates the target tool failed its health check.
	ErrToolUnhealthy = errors.New("tool is unhealthy")
	// ErrToolUnknown indicates no endpoint is registered for the tool.
	ErrToolUnknown = errors.New("tool not registered")
)

// HealthChecker answers whether a downstream target is currently usable.
type HealthChecker interface {
	IsHealthy(id string) bool
}

// Discovery resolves a tool id to a reachable endpoint.
type Discovery interface {
	EndpointFor(id string) (string, error)
}

// Executor invokes a downstream tool. Implementations must honor ctx
// so an in-flight call stays cancellable from the workflow loop.
type Executor interface {
	Execute(ctx context.Context, toolID string, params map[string]any) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, toolID string, params map[string]any) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, toolID string, params map[string]any) (any, error) {
	return f(ctx, toolID, params)
}

// StaticDiscovery is a fixed id→endpoint table, doubling as a
// HealthChecker that reports every known tool healthy. Intended for
// tests and examples.
type StaticDiscovery struct {
	endpoints map[string]string
	mu        sync.RWMutex
}

// NewStaticDiscovery creates a StaticDiscovery over the given table.
func NewStaticDiscovery(endpoints map[string]string) *StaticDiscovery {
	if endpoints == nil {
		endpoints = make(map[string]string)
	}
	return &StaticDiscovery{endpoints: endpoints}
}

// Register adds or replaces an endpoint.
func (d *StaticDiscovery) Register(id, endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[id] = endpoint
}

// EndpointFor implements Discovery.
func (d *StaticDiscovery) EndpointFor(id string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.endpoints[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolUnknown, id)
	}
	return ep, nil
}

// IsHealthy implements HealthChecker.
func (d *StaticDiscovery) IsHealthy(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.endpoints[id]
	return ok
}

// GuardedExecutor wraps an Executor with a health check so unhealthy
// targets fail fast instead of timing out downstream.
type GuardedExecutor struct {
	Health HealthChecker
	Next   Executor
}

// Execute checks health, then delegates.
func (g *GuardedExecutor) Execute(ctx context.Context, toolID string, params map[string]any) (any, error) {
	if g.Health != nil && !g.Health.IsHealthy(toolID) {
		return nil, fmt.Errorf("%w: %s", ErrToolUnhealthy, toolID)
	}
	return g.Next.Execute(ctx, toolID, params)
}
