// Package connector pulls raw documents from the Florida source portals.
//
// Each connector knows one source family's transport and pagination quirks
// and emits immutable raw documents; everything downstream of the emit
// callback is source-agnostic.
package connector

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/claimguardian/ingest-cli/internal/model"
)

// EmitFunc receives each raw document as it is produced. Returning an error
// aborts the run; connectors never buffer a whole source in memory.
type EmitFunc func(doc model.RawDocument) error

// Connector defines the interface each source family implements.
type Connector interface {
	// SourceID returns the unique identifier for this source
	// (e.g. "oir-bulletins", "dor-parcels-dade").
	SourceID() string

	// Family returns the source family this connector serves.
	Family() model.Family

	// Kind returns the record kind its documents normalize to.
	Kind() model.RecordKind

	// Fetch produces the source's documents. Runs are finite and restartable
	// from scratch only; no resumable cursor is guaranteed. On timeout or
	// transport failure the run is abandoned and the error reported, leaving
	// source state to the scheduler's failure bookkeeping.
	Fetch(ctx context.Context, src model.SourceDescriptor, emit EmitFunc) error
}

// pageTimeout bounds any single page or file transfer so a wedged portal
// cannot hold a scheduler slot forever.
const pageTimeout = 5 * time.Minute

// Registry maps source IDs to their connectors.
type Registry struct {
	connectors map[string]Connector
	order      []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector to the registry.
func (r *Registry) Register(c Connector) {
	id := c.SourceID()
	r.connectors[id] = c
	r.order = append(r.order, id)
}

// Get returns a connector by source ID.
func (r *Registry) Get(sourceID string) (Connector, error) {
	c, ok := r.connectors[sourceID]
	if !ok {
		return nil, eris.Errorf("connector: unknown source %q", sourceID)
	}
	return c, nil
}

// ByFamily returns all connectors in the given family, in registration order.
func (r *Registry) ByFamily(f model.Family) []Connector {
	var result []Connector
	for _, id := range r.order {
		if r.connectors[id].Family() == f {
			result = append(result, r.connectors[id])
		}
	}
	return result
}

// All returns all connectors in registration order.
func (r *Registry) All() []Connector {
	result := make([]Connector, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.connectors[id])
	}
	return result
}

// AllIDs returns all registered source IDs in registration order.
func (r *Registry) AllIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
