package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"live-orchestrator/internal/stream"
)

// DefaultStatsRetention is how many stats records the in-memory repository
// keeps per stream; older records slide out of the window.
const DefaultStatsRetention = 1000

// InMemoryRepository is a concurrency-safe in-memory implementation of
// Repository. Values are copied on the way in and out so callers never share
// state with the repository.
type InMemoryRepository struct {
	mu        sync.RWMutex
	now       func() time.Time
	retention int

	nextStreamID  stream.ID
	nextOutputID  int64
	nextCatalogID int64

	streams map[stream.ID]*stream.Stream
	outputs map[stream.ID][]stream.OutputSpec
	stats   map[stream.ID][]stream.Stats
	catalog map[int64]*stream.CatalogDestination
}

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		now:       func() time.Time { return time.Now().UTC() },
		retention: DefaultStatsRetention,
		streams:   make(map[stream.ID]*stream.Stream),
		outputs:   make(map[stream.ID][]stream.OutputSpec),
		stats:     make(map[stream.ID][]stream.Stats),
		catalog:   make(map[int64]*stream.CatalogDestination),
	}
}

// CreateStream implements Repository.CreateStream.
func (r *InMemoryRepository) CreateStream(_ context.Context, s *stream.Stream, outputs OutputsFunc) (*stream.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextStreamID++
	created := s.Clone()
	created.ID = r.nextStreamID
	now := r.now()
	created.CreatedAt, created.UpdatedAt = now, now
	if created.Status == "" {
		created.Status = stream.StatusStopped
	}
	r.streams[created.ID] = created

	if outputs != nil {
		for _, o := range outputs(created.ID) {
			r.nextOutputID++
			o.ID = r.nextOutputID
			o.StreamID = created.ID
			o.CreatedAt = now
			r.outputs[created.ID] = append(r.outputs[created.ID], o)
		}
	}
	return created.Clone(), nil
}

// GetStream implements Repository.GetStream.
func (r *InMemoryRepository) GetStream(_ context.Context, id stream.ID) (*stream.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// FindStreamByInput implements Repository.FindStreamByInput.
func (r *InMemoryRepository) FindStreamByInput(_ context.Context, inputURL string) (*stream.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.sortedIDsLocked() {
		if s := r.streams[id]; s.InputURL == inputURL {
			return s.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: input %s", stream.ErrStreamNotFound, inputURL)
}

// ListStreams implements Repository.ListStreams.
func (r *InMemoryRepository) ListStreams(_ context.Context) ([]*stream.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*stream.Stream, 0, len(r.streams))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.streams[id].Clone())
	}
	return out, nil
}

// UpdateStream implements Repository.UpdateStream.
func (r *InMemoryRepository) UpdateStream(_ context.Context, s *stream.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.getLocked(s.ID)
	if err != nil {
		return err
	}
	cur.Name = s.Name
	cur.InputURL = s.InputURL
	cur.InputType = s.InputType
	cur.Latency = s.Latency
	cur.Encode = s.Encode
	cur.Persist = s.Persist
	cur.UpdatedAt = r.now()
	return nil
}

// SetStatus implements Repository.SetStatus.
func (r *InMemoryRepository) SetStatus(_ context.Context, id stream.ID, status stream.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.getLocked(id)
	if err != nil {
		return err
	}
	cur.Status = status
	cur.UpdatedAt = r.now()
	return nil
}

// SetDestinations implements Repository.SetDestinations.
func (r *InMemoryRepository) SetDestinations(_ context.Context, id stream.ID, dests []stream.Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.getLocked(id)
	if err != nil {
		return err
	}
	cur.Destinations = append([]stream.Destination(nil), dests...)
	cur.UpdatedAt = r.now()
	return nil
}

// CountByStatus implements Repository.CountByStatus.
func (r *InMemoryRepository) CountByStatus(_ context.Context, status stream.Status) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.streams {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

// ListOutputs implements Repository.ListOutputs.
func (r *InMemoryRepository) ListOutputs(_ context.Context, id stream.ID) ([]stream.OutputSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, err := r.getLocked(id); err != nil {
		return nil, err
	}
	return append([]stream.OutputSpec(nil), r.outputs[id]...), nil
}

// AppendStats implements Repository.AppendStats. Only the newest retention
// records per stream are kept.
func (r *InMemoryRepository) AppendStats(_ context.Context, st stream.Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getLocked(st.StreamID); err != nil {
		return err
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = r.now()
	}
	window := append(r.stats[st.StreamID], st)
	if len(window) > r.retention {
		window = window[len(window)-r.retention:]
	}
	r.stats[st.StreamID] = window
	return nil
}

// ListStats implements Repository.ListStats.
func (r *InMemoryRepository) ListStats(_ context.Context, id stream.ID, limit int) ([]stream.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, err := r.getLocked(id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultStatsLimit
	}
	records := r.stats[id]
	out := make([]stream.Stats, 0, min(limit, len(records)))
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

// SaveCatalogDestination implements Repository.SaveCatalogDestination. A zero
// ID inserts, any other ID updates.
func (r *InMemoryRepository) SaveCatalogDestination(_ context.Context, d *stream.CatalogDestination) (*stream.CatalogDestination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	saved := *d
	if saved.ID == 0 {
		r.nextCatalogID++
		saved.ID = r.nextCatalogID
		saved.CreatedAt = r.now()
	} else {
		cur, ok := r.catalog[saved.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", stream.ErrDestinationNotFound, saved.ID)
		}
		saved.CreatedAt = cur.CreatedAt
	}
	r.catalog[saved.ID] = &saved
	out := saved
	return &out, nil
}

// GetCatalogDestination implements Repository.GetCatalogDestination.
func (r *InMemoryRepository) GetCatalogDestination(_ context.Context, id int64) (*stream.CatalogDestination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.catalog[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", stream.ErrDestinationNotFound, id)
	}
	out := *d
	return &out, nil
}

// ListCatalogDestinations implements Repository.ListCatalogDestinations.
func (r *InMemoryRepository) ListCatalogDestinations(_ context.Context) ([]stream.CatalogDestination, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]stream.CatalogDestination, 0, len(r.catalog))
	for _, d := range r.catalog {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteCatalogDestination implements Repository.DeleteCatalogDestination.
func (r *InMemoryRepository) DeleteCatalogDestination(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.catalog[id]; !ok {
		return fmt.Errorf("%w: %d", stream.ErrDestinationNotFound, id)
	}
	delete(r.catalog, id)
	return nil
}

// getLocked returns the stored stream without copying it.
// Caller must hold r.mu.
func (r *InMemoryRepository) getLocked(id stream.ID) (*stream.Stream, error) {
	s, ok := r.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", stream.ErrStreamNotFound, id)
	}
	return s, nil
}

// sortedIDsLocked returns stream IDs in creation order.
// Caller must hold r.mu.
func (r *InMemoryRepository) sortedIDsLocked() []stream.ID {
	ids := make([]stream.ID, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
