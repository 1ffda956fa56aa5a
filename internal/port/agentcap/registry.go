package agentcap

import (
	"fmt"
	"sync"
)

// Factory is a constructor function that creates a new Capability instance.
type Factory func(params map[string]string) (Capability, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a capability factory available by kind.
// It is typically called from an adapter's Register function at startup.
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("agentcap: duplicate registration for %q", kind))
	}
	factories[kind] = factory
}

// New creates a new Capability by kind using the registered factory.
func New(kind string, params map[string]string) (Capability, error) {
	mu.RLock()
	factory, ok := factories[kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agentcap: unknown kind %q", kind)
	}
	return factory(params)
}

// Available returns the kinds of all registered capabilities.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Reset removes all registered factories. Test use only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	factories = make(map[string]Factory)
}
