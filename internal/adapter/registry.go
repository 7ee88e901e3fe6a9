package adapter

import (
	"fmt"
	"sort"
)

// Connector enumerates the supported source connectors. Dispatch is by
// this typed enum, never by free-form provider/broker strings; unknown
// connectors fail at configuration time, not at first use.
type Connector string

const (
	// ConnectorFixture replays JSON fixture pages from a directory.
	// Development and test use only.
	ConnectorFixture Connector = "FIXTURE"
	// ConnectorOFXOffline reads OFX/QFX exports from a data directory.
	ConnectorOFXOffline Connector = "OFX_OFFLINE"
)

// Factory constructs an adapter for one connection. Factories must be
// cheap; all heavy work happens in the adapter calls themselves.
type Factory func() Adapter

// Registry maps connectors to adapter factories.
type Registry struct {
	factories map[Connector]Factory
}

// NewRegistry returns a registry with all built-in connectors.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Connector]Factory)}
	r.Register(ConnectorFixture, func() Adapter { return NewFixtureAdapter() })
	r.Register(ConnectorOFXOffline, func() Adapter { return NewOFXDirAdapter() })
	return r
}

// Register adds a custom connector (for extensibility and tests).
func (r *Registry) Register(c Connector, f Factory) {
	r.factories[c] = f
}

// Resolve returns the adapter for the connector, or an error for
// unknown connectors.
func (r *Registry) Resolve(c Connector) (Adapter, error) {
	f, ok := r.factories[c]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for connector %q (known: %v)", c, r.Connectors())
	}
	return f(), nil
}

// Known reports whether the connector is registered.
func (r *Registry) Known(c Connector) bool {
	_, ok := r.factories[c]
	return ok
}

// Connectors lists registered connector names, sorted.
func (r *Registry) Connectors() []string {
	names := make([]string, 0, len(r.factories))
	for c := range r.factories {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
