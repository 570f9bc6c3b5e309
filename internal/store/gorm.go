package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"live-orchestrator/internal/stream"

	"gorm.io/gorm"
)

type streamRecord struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	Name             string `gorm:"size:255"`
	InputURL         string `gorm:"size:1024;index"`
	InputType        string `gorm:"size:16"`
	Latency          string `gorm:"size:32"`
	VideoCodec       string `gorm:"size:32"`
	AudioCodec       string `gorm:"size:32"`
	BitrateMode      string `gorm:"size:8"`
	KeyframeInterval int
	Persist          bool
	Status           string               `gorm:"size:16;index"`
	Destinations     []stream.Destination `gorm:"serializer:json"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (streamRecord) TableName() string { return "streams" }

func (r *streamRecord) toStream() *stream.Stream {
	return &stream.Stream{
		ID:        stream.ID(r.ID),
		Name:      r.Name,
		InputURL:  r.InputURL,
		InputType: stream.InputType(r.InputType),
		Latency:   stream.LatencyProfile(r.Latency),
		Encode: stream.EncodeParams{
			VideoCodec:       r.VideoCodec,
			AudioCodec:       r.AudioCodec,
			BitrateMode:      stream.BitrateMode(r.BitrateMode),
			KeyframeInterval: r.KeyframeInterval,
		},
		Persist:      r.Persist,
		Status:       stream.Status(r.Status),
		Destinations: append([]stream.Destination(nil), r.Destinations...),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (r *streamRecord) applyConfig(s *stream.Stream) {
	r.Name = s.Name
	r.InputURL = s.InputURL
	r.InputType = string(s.InputType)
	r.Latency = string(s.Latency)
	r.VideoCodec = s.Encode.VideoCodec
	r.AudioCodec = s.Encode.AudioCodec
	r.BitrateMode = string(s.Encode.BitrateMode)
	r.KeyframeInterval = s.Encode.KeyframeInterval
	r.Persist = s.Persist
}

type outputRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	StreamID  int64  `gorm:"index;not null"`
	Format    string `gorm:"size:8"`
	Quality   string `gorm:"size:16"`
	Bitrate   int
	Location  string `gorm:"size:1024"`
	CreatedAt time.Time
}

func (outputRecord) TableName() string { return "stream_outputs" }

type statsRecord struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	StreamID   int64     `gorm:"index:idx_stats_stream_time;not null"`
	Timestamp  time.Time `gorm:"index:idx_stats_stream_time"`
	Viewers    int
	Bitrate    float64
	FrameRate  float64
	PacketLoss float64
	Speed      float64
	Frame      int64
	CPUPercent float64
	RSSBytes   uint64
}

func (statsRecord) TableName() string { return "stream_stats" }

type catalogRecord struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:255"`
	Platform  string `gorm:"size:64"`
	URL       string `gorm:"size:1024"`
	StreamKey string `gorm:"size:512"`
	Enabled   bool
	CreatedAt time.Time
}

func (catalogRecord) TableName() string { return "destinations" }

func (c *catalogRecord) toCatalog() *stream.CatalogDestination {
	return &stream.CatalogDestination{
		ID:        c.ID,
		Name:      c.Name,
		Platform:  c.Platform,
		URL:       c.URL,
		StreamKey: c.StreamKey,
		Enabled:   c.Enabled,
		CreatedAt: c.CreatedAt,
	}
}

// GormRepository implements Repository on a SQL database through GORM.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository returns a repository backed by db. The schema must have
// been migrated, see Open and Migrate.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// CreateStream implements Repository.CreateStream.
func (r *GormRepository) CreateStream(ctx context.Context, s *stream.Stream, outputs OutputsFunc) (*stream.Stream, error) {
	rec := &streamRecord{Status: string(s.Status), Destinations: s.Destinations}
	rec.applyConfig(s)
	if rec.Status == "" {
		rec.Status = string(stream.StatusStopped)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if outputs == nil {
			return nil
		}
		specs := outputs(stream.ID(rec.ID))
		if len(specs) == 0 {
			return nil
		}
		recs := make([]outputRecord, 0, len(specs))
		for _, o := range specs {
			recs = append(recs, outputRecord{
				StreamID: rec.ID,
				Format:   string(o.Format),
				Quality:  o.Quality,
				Bitrate:  o.Bitrate,
				Location: o.Location,
			})
		}
		return tx.Create(&recs).Error
	})
	if err != nil {
		return nil, fmt.Errorf("creating stream: %w", err)
	}
	return rec.toStream(), nil
}

// GetStream implements Repository.GetStream.
func (r *GormRepository) GetStream(ctx context.Context, id stream.ID) (*stream.Stream, error) {
	rec, err := r.load(r.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return rec.toStream(), nil
}

// FindStreamByInput implements Repository.FindStreamByInput.
func (r *GormRepository) FindStreamByInput(ctx context.Context, inputURL string) (*stream.Stream, error) {
	var rec streamRecord
	err := r.db.WithContext(ctx).Where("input_url = ?", inputURL).Order("id").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: input %s", stream.ErrStreamNotFound, inputURL)
	}
	if err != nil {
		return nil, fmt.Errorf("finding stream by input: %w", err)
	}
	return rec.toStream(), nil
}

// ListStreams implements Repository.ListStreams.
func (r *GormRepository) ListStreams(ctx context.Context) ([]*stream.Stream, error) {
	var recs []streamRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing streams: %w", err)
	}
	out := make([]*stream.Stream, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toStream())
	}
	return out, nil
}

// UpdateStream implements Repository.UpdateStream.
func (r *GormRepository) UpdateStream(ctx context.Context, s *stream.Stream) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := r.load(tx, s.ID)
		if err != nil {
			return err
		}
		rec.applyConfig(s)
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("updating stream: %w", err)
		}
		return nil
	})
}

// SetStatus implements Repository.SetStatus.
func (r *GormRepository) SetStatus(ctx context.Context, id stream.ID, status stream.Status) error {
	res := r.db.WithContext(ctx).Model(&streamRecord{}).Where("id = ?", int64(id)).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("setting stream status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", stream.ErrStreamNotFound, id)
	}
	return nil
}

// SetDestinations implements Repository.SetDestinations.
func (r *GormRepository) SetDestinations(ctx context.Context, id stream.ID, dests []stream.Destination) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := r.load(tx, id)
		if err != nil {
			return err
		}
		rec.Destinations = append([]stream.Destination(nil), dests...)
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("saving destinations: %w", err)
		}
		return nil
	})
}

// CountByStatus implements Repository.CountByStatus.
func (r *GormRepository) CountByStatus(ctx context.Context, status stream.Status) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&streamRecord{}).Where("status = ?", string(status)).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting streams: %w", err)
	}
	return int(n), nil
}

// ListOutputs implements Repository.ListOutputs.
func (r *GormRepository) ListOutputs(ctx context.Context, id stream.ID) ([]stream.OutputSpec, error) {
	db := r.db.WithContext(ctx)
	if _, err := r.load(db, id); err != nil {
		return nil, err
	}
	var recs []outputRecord
	if err := db.Where("stream_id = ?", int64(id)).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}
	out := make([]stream.OutputSpec, 0, len(recs))
	for _, o := range recs {
		out = append(out, stream.OutputSpec{
			ID:        o.ID,
			StreamID:  stream.ID(o.StreamID),
			Format:    stream.Format(o.Format),
			Quality:   o.Quality,
			Bitrate:   o.Bitrate,
			Location:  o.Location,
			CreatedAt: o.CreatedAt,
		})
	}
	return out, nil
}

// AppendStats implements Repository.AppendStats.
func (r *GormRepository) AppendStats(ctx context.Context, st stream.Stats) error {
	db := r.db.WithContext(ctx)
	if _, err := r.load(db, st.StreamID); err != nil {
		return err
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now().UTC()
	}
	rec := statsRecord{
		StreamID:   int64(st.StreamID),
		Timestamp:  st.Timestamp,
		Viewers:    st.Viewers,
		Bitrate:    st.Bitrate,
		FrameRate:  st.FrameRate,
		PacketLoss: st.PacketLoss,
		Speed:      st.Speed,
		Frame:      st.Frame,
		CPUPercent: st.CPUPercent,
		RSSBytes:   st.RSSBytes,
	}
	if err := db.Create(&rec).Error; err != nil {
		return fmt.Errorf("appending stats: %w", err)
	}
	return nil
}

// ListStats implements Repository.ListStats.
func (r *GormRepository) ListStats(ctx context.Context, id stream.ID, limit int) ([]stream.Stats, error) {
	db := r.db.WithContext(ctx)
	if _, err := r.load(db, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultStatsLimit
	}
	var recs []statsRecord
	err := db.Where("stream_id = ?", int64(id)).
		Order("timestamp DESC").Order("id DESC").
		Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing stats: %w", err)
	}
	out := make([]stream.Stats, 0, len(recs))
	for _, s := range recs {
		out = append(out, stream.Stats{
			StreamID:   stream.ID(s.StreamID),
			Timestamp:  s.Timestamp,
			Viewers:    s.Viewers,
			Bitrate:    s.Bitrate,
			FrameRate:  s.FrameRate,
			PacketLoss: s.PacketLoss,
			Speed:      s.Speed,
			Frame:      s.Frame,
			CPUPercent: s.CPUPercent,
			RSSBytes:   s.RSSBytes,
		})
	}
	return out, nil
}

// SaveCatalogDestination implements Repository.SaveCatalogDestination.
func (r *GormRepository) SaveCatalogDestination(ctx context.Context, d *stream.CatalogDestination) (*stream.CatalogDestination, error) {
	rec := catalogRecord{
		ID:        d.ID,
		Name:      d.Name,
		Platform:  d.Platform,
		URL:       d.URL,
		StreamKey: d.StreamKey,
		Enabled:   d.Enabled,
	}
	db := r.db.WithContext(ctx)
	if rec.ID == 0 {
		if err := db.Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("creating destination: %w", err)
		}
		return rec.toCatalog(), nil
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		var cur catalogRecord
		if err := tx.First(&cur, rec.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", stream.ErrDestinationNotFound, rec.ID)
			}
			return err
		}
		rec.CreatedAt = cur.CreatedAt
		return tx.Save(&rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("updating destination: %w", err)
	}
	return rec.toCatalog(), nil
}

// GetCatalogDestination implements Repository.GetCatalogDestination.
func (r *GormRepository) GetCatalogDestination(ctx context.Context, id int64) (*stream.CatalogDestination, error) {
	var rec catalogRecord
	err := r.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", stream.ErrDestinationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading destination: %w", err)
	}
	return rec.toCatalog(), nil
}

// ListCatalogDestinations implements Repository.ListCatalogDestinations.
func (r *GormRepository) ListCatalogDestinations(ctx context.Context) ([]stream.CatalogDestination, error) {
	var recs []catalogRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing destinations: %w", err)
	}
	out := make([]stream.CatalogDestination, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].toCatalog())
	}
	return out, nil
}

// DeleteCatalogDestination implements Repository.DeleteCatalogDestination.
func (r *GormRepository) DeleteCatalogDestination(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&catalogRecord{}, id)
	if res.Error != nil {
		return fmt.Errorf("deleting destination: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", stream.ErrDestinationNotFound, id)
	}
	return nil
}

func (r *GormRepository) load(db *gorm.DB, id stream.ID) (*streamRecord, error) {
	var rec streamRecord
	err := db.First(&rec, int64(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", stream.ErrStreamNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading stream: %w", err)
	}
	return &rec, nil
}
