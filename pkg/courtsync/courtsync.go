// Package courtsync keeps court_coordinates in step with the court registry.
package courtsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/pkg/fingerprint"
	"github.com/3leaps/courtsync/pkg/maps"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/store"
)

const (
	DefaultCountry    = "Colombia"
	DefaultCourtDelay = 100 * time.Millisecond
)

// Config configures a Synchronizer.
type Config struct {
	// Country is appended to every court address before geocoding.
	Country string

	// CourtDelay is slept after each geocoded court. Negative disables it.
	CourtDelay time.Duration

	Logger *zap.Logger
}

// SyncSummary counts what one Sync changed.
type SyncSummary struct {
	SoftDeleted     int64 `json:"soft_deleted"`
	Revived         int64 `json:"revived"`
	OrphansDeleted  int64 `json:"orphans_deleted"`
	Regeocoded      int   `json:"regeocoded"`
	Geocoded        int   `json:"geocoded"`
	Unchanged       int   `json:"unchanged"`
	Errors          int   `json:"errors"`
	NamesPropagated int64 `json:"names_propagated"`
}

// ExternalCalls is the number of geocode requests Sync attempted.
func (s SyncSummary) ExternalCalls() int {
	return s.Regeocoded + s.Geocoded + s.Errors
}

// Synchronizer reconciles court coordinates for one database at a time.
type Synchronizer struct {
	geocoder maps.Geocoder
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a Synchronizer that geocodes through geocoder.
func New(geocoder maps.Geocoder, cfg Config) *Synchronizer {
	if cfg.Country == "" {
		cfg.Country = DefaultCountry
	}
	if cfg.CourtDelay == 0 {
		cfg.CourtDelay = DefaultCourtDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{geocoder: geocoder, cfg: cfg, logger: logger, now: time.Now}
}

// Sync runs the reconciliation steps against db in order. A quota error
// stops Sync immediately and is returned unwrapped; the summary holds the
// work done so far.
func (s *Synchronizer) Sync(ctx context.Context, dbName string, db *sqlx.DB) (SyncSummary, error) {
	var sum SyncSummary
	log := s.logger.With(zap.String("db", dbName))
	log.Info("Court sync started")

	marked, revived, err := store.PropagateCourtDeletions(ctx, db, s.now())
	if err != nil {
		return sum, err
	}
	sum.SoftDeleted, sum.Revived = marked, revived
	log.Info("Soft deletes propagated", zap.Int64("marked_deleted", marked), zap.Int64("revived", revived))

	orphans, err := store.DeleteOrphanCoordinates(ctx, db)
	if err != nil {
		return sum, err
	}
	sum.OrphansDeleted = orphans
	log.Info("Orphan coordinates removed", zap.Int64("deleted", orphans))

	if err := s.regeocodeChanged(ctx, log, db, &sum); err != nil {
		return sum, err
	}
	if err := s.geocodeNew(ctx, log, db, &sum); err != nil {
		return sum, err
	}

	names, err := store.PropagateCourtNames(ctx, db, s.now())
	if err != nil {
		return sum, err
	}
	sum.NamesPropagated = names
	log.Info("Court names propagated", zap.Int64("updated", names))

	log.Info("Court sync finished",
		zap.Int("regeocoded", sum.Regeocoded),
		zap.Int("geocoded", sum.Geocoded),
		zap.Int("unchanged", sum.Unchanged),
		zap.Int("errors", sum.Errors))
	return sum, nil
}

func (s *Synchronizer) regeocodeChanged(ctx context.Context, log *zap.Logger, db *sqlx.DB, sum *SyncSummary) error {
	tracked, err := store.ListTrackedCourts(ctx, db)
	if err != nil {
		return err
	}

	var changed []store.TrackedCourt
	for _, c := range tracked {
		if fingerprint.Court(c.ID, c.Address, c.City) == c.ContentHash {
			sum.Unchanged++
			continue
		}
		changed = append(changed, c)
	}
	if len(changed) > 0 {
		log.Warn("Courts with changed address", zap.Int("count", len(changed)))
	}

	for _, c := range changed {
		ok, err := s.geocodeCourt(ctx, log, db, c.CourtRecord)
		if err != nil {
			return err
		}
		if ok {
			sum.Regeocoded++
		} else {
			sum.Errors++
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) geocodeNew(ctx context.Context, log *zap.Logger, db *sqlx.DB, sum *SyncSummary) error {
	fresh, err := store.ListUntrackedCourts(ctx, db)
	if err != nil {
		return err
	}
	if len(fresh) > 0 {
		log.Info("New courts to geocode", zap.Int("count", len(fresh)))
	}

	for _, c := range fresh {
		ok, err := s.geocodeCourt(ctx, log, db, c)
		if err != nil {
			return err
		}
		if ok {
			sum.Geocoded++
		} else {
			sum.Errors++
		}
		if err := s.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// geocodeCourt geocodes c and upserts its coordinate. It reports false for a
// per-court failure and returns an error only for quota exhaustion, gate
// failures or store failures.
func (s *Synchronizer) geocodeCourt(ctx context.Context, log *zap.Logger, db *sqlx.DB, c store.CourtRecord) (bool, error) {
	res, err := s.geocoder.Geocode(ctx, maps.JoinAddress(c.Address, c.City, s.cfg.Country))
	if err != nil {
		if quota.IsProviderQuotaError(err) || maps.IsGateError(err) {
			return false, err
		}
		log.Warn("Court geocoding failed", zap.Int64("court_id", c.ID), zap.String("name", c.Name), zap.Error(err))
		return false, nil
	}

	err = store.UpsertCoordinate(ctx, db, store.CourtCoordinate{
		CourtID:         c.ID,
		Latitude:        res.Lat,
		Longitude:       res.Lng,
		GeocodedAddress: maps.JoinAddress(c.Address, c.City),
		ContentHash:     fingerprint.Court(c.ID, c.Address, c.City),
		UpdatedAt:       s.now(),
	})
	if err != nil {
		return false, fmt.Errorf("court %d: %w", c.ID, err)
	}
	log.Debug("Court geocoded", zap.Int64("court_id", c.ID), zap.Float64("lat", res.Lat), zap.Float64("lng", res.Lng))
	return true, nil
}

func (s *Synchronizer) pause(ctx context.Context) error {
	if s.cfg.CourtDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.CourtDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
