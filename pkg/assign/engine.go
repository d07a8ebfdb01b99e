package assign

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/pkg/fingerprint"
	"github.com/3leaps/courtsync/pkg/maps"
	"github.com/3leaps/courtsync/pkg/store"
)

// DefaultClaimDelay is slept after every evaluated claim.
const DefaultClaimDelay = 100 * time.Millisecond

// Config configures an Engine.
type Config struct {
	// ClaimDelay throttles the loop. Negative disables it.
	ClaimDelay    time.Duration
	Country       string
	MaxCandidates int
	Logger        *zap.Logger
}

// Options bound one Run.
type Options struct {
	// Limit caps the claims read per database. Zero reads all.
	Limit int
}

// Engine runs the assignment pass over one database at a time.
type Engine struct {
	geocoder maps.Geocoder
	router   maps.Router
	cities   CityMatcher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine returns an engine using the given collaborators.
func NewEngine(geocoder maps.Geocoder, router maps.Router, cities CityMatcher, cfg Config) *Engine {
	if cfg.ClaimDelay == 0 {
		cfg.ClaimDelay = DefaultClaimDelay
	}
	if cfg.Country == "" {
		cfg.Country = DefaultCountry
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		geocoder: geocoder,
		router:   router,
		cities:   cities,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run evaluates every pending claim in db. Each claim is committed on its
// own, so an error leaves earlier claims in place. The returned error is
// quota exhaustion, a store failure or context cancellation.
func (e *Engine) Run(ctx context.Context, dbName string, db *sqlx.DB, opts Options) (Stats, error) {
	var stats Stats
	log := e.logger.With(zap.String("db", dbName))

	claims, err := store.ListPendingClaims(ctx, db, opts.Limit)
	if err != nil {
		return stats, err
	}
	stats.Total = len(claims)
	if len(claims) == 0 {
		log.Info("No pending claims")
		return stats, nil
	}
	log.Info("Assigning claims", zap.Int("claims", len(claims)))

	deps := Deps{
		Geocoder:      e.geocoder,
		Router:        e.router,
		Cities:        e.cities,
		Courts:        StoreCourts{DB: db},
		Country:       e.cfg.Country,
		MaxCandidates: e.cfg.MaxCandidates,
	}

	for _, c := range claims {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		clog := log.With(zap.Int64("claim_id", c.ClaimID), zap.Int64("client_id", c.ClientID))

		hash := fingerprint.Claim(fingerprint.ClaimInput{
			ClaimID:      c.ClaimID,
			Address:      c.Address,
			Neighborhood: c.Neighborhood,
			City:         c.City,
			Department:   c.Department,
			Tier:         c.Tier,
		})

		existing, err := store.GetAssignment(ctx, db, c.ClientID)
		if err != nil {
			return stats, err
		}

		skip, zeroCapacity, err := e.shouldSkip(ctx, deps, c, existing, hash)
		if err != nil {
			return stats, err
		}
		if skip {
			stats.Skipped++
			if zeroCapacity {
				stats.ZeroCapacitySaved += 2
				clog.Debug("Still no court in city, skipped", zap.String("city", c.City))
			} else {
				clog.Debug("Unchanged, skipped")
			}
			continue
		}

		outcome, err := Evaluate(ctx, deps, c)
		if err != nil {
			return stats, err
		}

		row := outcome.Assignment(c, hash)
		row.UpdatedAt = e.now()
		if err := store.UpsertAssignment(ctx, db, row); err != nil {
			return stats, fmt.Errorf("claim %d: %w", c.ClaimID, err)
		}
		if existing == nil {
			stats.Inserted++
		} else {
			stats.Updated++
		}
		stats.count(outcome.Kind)

		fields := []zap.Field{zap.String("outcome", string(outcome.Kind))}
		if outcome.Resolved() {
			fields = append(fields,
				zap.Int64("court_id", outcome.Court.ID),
				zap.Float64("distance_km", *outcome.DistanceKM),
				zap.Bool("routed", outcome.Routed))
			clog.Info("Court assigned", fields...)
		} else {
			fields = append(fields, zap.String("reason", outcome.Reason))
			clog.Info("Claim unresolved", fields...)
		}

		if err := e.pause(ctx); err != nil {
			return stats, err
		}
	}

	log.Info("Assignment pass finished",
		zap.Int("total", stats.Total),
		zap.Int("assigned", stats.Success),
		zap.Int("skipped", stats.Skipped),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("no_address", stats.NoAddress),
		zap.Int("wrong_city", stats.WrongCity),
		zap.Int("no_court_in_city", stats.NoCourtInCity),
		zap.Int("errors", stats.Error),
		zap.Int("calls_saved", stats.CallsSaved()))
	return stats, nil
}

// shouldSkip applies the skip policy. A claim is skipped when its hash is
// unchanged and it either has a real court or is still in a city with no
// court of its tier.
func (e *Engine) shouldSkip(ctx context.Context, deps Deps, c store.PendingClaim, existing *store.Assignment, hash string) (skip bool, zeroCapacity bool, err error) {
	if existing == nil || existing.ContentHash != hash {
		return false, false, nil
	}

	switch existing.Outcome {
	case store.OutcomeAssigned:
		return existing.CourtName != nil && *existing.CourtName != "", false, nil
	case store.OutcomeNoCourtInCity:
		if c.Address == "" || c.City == "" {
			return true, false, nil
		}
		courts, err := deps.Courts.Candidates(ctx, c.Tier, deps.Cities.SearchVariants(ctx, c.City))
		if err != nil {
			return false, false, fmt.Errorf("count candidate courts: %w", err)
		}
		if len(courts) == 0 {
			return true, true, nil
		}
		e.logger.Info("Courts now available in city, retrying claim",
			zap.Int64("claim_id", c.ClaimID),
			zap.String("city", c.City),
			zap.Int("courts", len(courts)))
		return false, false, nil
	default:
		return false, false, nil
	}
}

func (e *Engine) pause(ctx context.Context) error {
	if e.cfg.ClaimDelay <= 0 {
		return nil
	}
	t := time.NewTimer(e.cfg.ClaimDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
