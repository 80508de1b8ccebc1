// Package registry holds the global catalog of source and destination
// connectors. Connector packages register a factory from init(), so a
// blank import of pkg/connector/sources or pkg/connector/destinations
// makes every built-in connector constructible by name.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/logger"
)

// SourceFactory builds an unopened source connector. The pipeline calls
// Open with the source configuration afterwards.
type SourceFactory func() core.SourceConnector

// DestinationFactory builds an unopened destination client.
type DestinationFactory func() core.DestinationClient

// Info describes a registered connector for catalog listings.
type Info struct {
	Name        string
	Description string
}

// Registry maps connector names to factories.
type Registry struct {
	mu           sync.RWMutex
	sources      map[string]SourceFactory
	destinations map[string]DestinationFactory
	info         map[string]Info
	log          *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:      make(map[string]SourceFactory),
		destinations: make(map[string]DestinationFactory),
		info:         make(map[string]Info),
		log:          logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// RegisterSource adds a source factory under a unique name.
func (r *Registry) RegisterSource(info Info, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[info.Name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "source connector %s already registered", info.Name)
	}
	r.sources[info.Name] = factory
	r.info["source:"+info.Name] = info
	return nil
}

// RegisterDestination adds a destination factory under a unique name.
func (r *Registry) RegisterDestination(info Info, factory DestinationFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.destinations[info.Name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "destination connector %s already registered", info.Name)
	}
	r.destinations[info.Name] = factory
	r.info["destination:"+info.Name] = info
	return nil
}

// CreateSource builds the named source connector, unopened.
func (r *Registry) CreateSource(name string) (core.SourceConnector, error) {
	r.mu.RLock()
	factory, exists := r.sources[name]
	r.mu.RUnlock()
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"unknown source connector %q (known: %v)", name, r.ListSources())
	}
	return factory(), nil
}

// CreateDestination builds the named destination client, unopened.
func (r *Registry) CreateDestination(name string) (core.DestinationClient, error) {
	r.mu.RLock()
	factory, exists := r.destinations[name]
	r.mu.RUnlock()
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"unknown destination %q (known: %v)", name, r.ListDestinations())
	}
	return factory(), nil
}

// ListSources returns registered source names, sorted.
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListDestinations returns registered destination names, sorted.
func (r *Registry) ListDestinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.destinations))
	for name := range r.destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SourceInfo returns catalog entries for every registered source, sorted
// by name.
func (r *Registry) SourceInfo() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, r.info["source:"+name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DestinationInfo returns catalog entries for every registered
// destination, sorted by name.
func (r *Registry) DestinationInfo() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.destinations))
	for name := range r.destinations {
		out = append(out, r.info["destination:"+name])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasSource reports whether a source name is registered.
func (r *Registry) HasSource(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[name]
	return exists
}

// HasDestination reports whether a destination name is registered.
func (r *Registry) HasDestination(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.destinations[name]
	return exists
}

// Global registry functions.

// RegisterSource registers a source in the global registry.
func RegisterSource(info Info, factory SourceFactory) error {
	return globalRegistry.RegisterSource(info, factory)
}

// RegisterDestination registers a destination in the global registry.
func RegisterDestination(info Info, factory DestinationFactory) error {
	return globalRegistry.RegisterDestination(info, factory)
}

// CreateSource builds a source from the global registry.
func CreateSource(name string) (core.SourceConnector, error) {
	return globalRegistry.CreateSource(name)
}

// CreateDestination builds a destination from the global registry.
func CreateDestination(name string) (core.DestinationClient, error) {
	return globalRegistry.CreateDestination(name)
}

// ListSources returns the global registry's source names.
func ListSources() []string { return globalRegistry.ListSources() }

// ListDestinations returns the global registry's destination names.
func ListDestinations() []string { return globalRegistry.ListDestinations() }

// SourceInfo returns the global registry's source catalog.
func SourceInfo() []Info { return globalRegistry.SourceInfo() }

// DestinationInfo returns the global registry's destination catalog.
func DestinationInfo() []Info { return globalRegistry.DestinationInfo() }

// HasSource reports whether the global registry knows a source.
func HasSource(name string) bool { return globalRegistry.HasSource(name) }

// HasDestination reports whether the global registry knows a destination.
func HasDestination(name string) bool { return globalRegistry.HasDestination(name) }
