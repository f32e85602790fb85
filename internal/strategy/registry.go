package strategy

import (
	"sync"

	"github.com/quantfold/tradebot/pkg/errors"
)

// Factory builds a configured strategy instance from its config parameters.
type Factory func(params map[string]any) (Strategy, error)

// Registry resolves strategy names to factories. Bots look their strategy up
// once at construction; unknown names are a configuration error.
type Registry interface {
	Register(name string, factory Factory) error
	Resolve(name string, params map[string]any) (Strategy, error)
	List() []string
}

// RegistryV1 is the default in-memory registry.
type RegistryV1 struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry pre-populated with the built-in strategies.
func NewRegistry() Registry {
	r := &RegistryV1{
		factories: make(map[string]Factory),
	}

	// Built-ins never collide on a fresh map.
	_ = r.Register(BollingerReversionName, NewBollingerReversion)
	_ = r.Register(MACrossoverName, NewMACrossover)

	return r
}

// Register adds a strategy factory under the given name.
func (r *RegistryV1) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.Newf(errors.ErrCodeStrategyAlreadyExists, "strategy %q already registered", name)
	}

	r.factories[name] = factory

	return nil
}

// Resolve builds a strategy instance by name with the given parameters.
func (r *RegistryV1) Resolve(name string, params map[string]any) (Strategy, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrCodeStrategyNotFound, "strategy %q not registered", name)
	}

	return factory(params)
}

// List returns the names of all registered strategies.
func (r *RegistryV1) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// PolicyRegistry resolves cancellation policy names. Policies carry no config
// parameters, so registration stores instances directly.
type PolicyRegistry struct {
	policies map[string]CancellationPolicy
	mu       sync.RWMutex
}

// NewPolicyRegistry creates a policy registry pre-populated with the built-in
// stale-pending policy.
func NewPolicyRegistry() *PolicyRegistry {
	r := &PolicyRegistry{
		policies: make(map[string]CancellationPolicy),
	}

	_ = r.Register(NewStalePendingPolicy())

	return r
}

// Register adds a cancellation policy under its own name.
func (r *PolicyRegistry) Register(policy CancellationPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := policy.Name()
	if _, exists := r.policies[name]; exists {
		return errors.Newf(errors.ErrCodeStrategyAlreadyExists, "cancellation policy %q already registered", name)
	}

	r.policies[name] = policy

	return nil
}

// Resolve returns the policy registered under name.
func (r *PolicyRegistry) Resolve(name string) (CancellationPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policy, exists := r.policies[name]
	if !exists {
		return nil, errors.Newf(errors.ErrCodePolicyNotFound, "cancellation policy %q not registered", name)
	}

	return policy, nil
}
