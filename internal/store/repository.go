// Package store persists stream configuration, renditions, stats samples and
// the destination catalog.
package store

import (
	"context"

	"live-orchestrator/internal/stream"
)

// DefaultStatsLimit is the number of stats records returned when the caller
// does not ask for a specific limit.
const DefaultStatsLimit = 100

// OutputsFunc derives the renditions of a newly created stream once its ID
// is known.
type OutputsFunc func(id stream.ID) []stream.OutputSpec

// Repository is the persistence contract used by the lifecycle manager and
// the ingest gateway. Implementations must be safe for concurrent use.
// Reads of a missing stream return stream.ErrStreamNotFound.
type Repository interface {
	// CreateStream assigns an ID to s and stores it together with the
	// renditions returned by outputs, atomically.
	CreateStream(ctx context.Context, s *stream.Stream, outputs OutputsFunc) (*stream.Stream, error)
	GetStream(ctx context.Context, id stream.ID) (*stream.Stream, error)
	// FindStreamByInput returns the oldest stream reading from inputURL.
	FindStreamByInput(ctx context.Context, inputURL string) (*stream.Stream, error)
	ListStreams(ctx context.Context) ([]*stream.Stream, error)
	// UpdateStream replaces the editable configuration of s (name, input,
	// latency, encode parameters, persistence flag).
	UpdateStream(ctx context.Context, s *stream.Stream) error
	SetStatus(ctx context.Context, id stream.ID, status stream.Status) error
	SetDestinations(ctx context.Context, id stream.ID, dests []stream.Destination) error
	// CountByStatus returns the number of streams with the given status.
	CountByStatus(ctx context.Context, status stream.Status) (int, error)

	// ListOutputs returns the renditions of id in creation order.
	ListOutputs(ctx context.Context, id stream.ID) ([]stream.OutputSpec, error)

	AppendStats(ctx context.Context, st stream.Stats) error
	// ListStats returns at most limit records of id, newest first.
	ListStats(ctx context.Context, id stream.ID, limit int) ([]stream.Stats, error)

	SaveCatalogDestination(ctx context.Context, d *stream.CatalogDestination) (*stream.CatalogDestination, error)
	GetCatalogDestination(ctx context.Context, id int64) (*stream.CatalogDestination, error)
	ListCatalogDestinations(ctx context.Context) ([]stream.CatalogDestination, error)
	DeleteCatalogDestination(ctx context.Context, id int64) error
}
