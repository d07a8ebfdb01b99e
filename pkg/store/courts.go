package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CourtStatusActive is the registry status of courts eligible for assignment.
const CourtStatusActive = "Activo"

// CourtRecord is a court as the registry describes it.
type CourtRecord struct {
	ID        int64   `db:"id"`
	Name      string  `db:"name"`
	Address   string  `db:"address"`
	City      string  `db:"city"`
	Tier      string  `db:"tier"`
	Status    string  `db:"status"`
	DeletedAt *string `db:"deleted_at"`
}

// TrackedCourt is an active court that already has a coordinate row.
type TrackedCourt struct {
	CourtRecord
	ContentHash string `db:"content_hash"`
}

// CourtCoordinate is the geocoded position of one court.
type CourtCoordinate struct {
	CourtID         int64
	Latitude        float64
	Longitude       float64
	GeocodedAddress string
	ContentHash     string
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CandidateCourt is an active, geocoded court usable for assignment.
type CandidateCourt struct {
	ID        int64   `db:"id"`
	Name      string  `db:"name"`
	City      string  `db:"city"`
	Tier      string  `db:"tier"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
}

type coordinateRow struct {
	CourtID         int64   `db:"court_id"`
	Latitude        float64 `db:"latitude"`
	Longitude       float64 `db:"longitude"`
	GeocodedAddress *string `db:"geocoded_address"`
	ContentHash     string  `db:"content_hash"`
	DeletedAt       *string `db:"deleted_at"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

// PropagateCourtDeletions copies each court's soft-delete marker onto its
// coordinate row wherever the two disagree. It returns how many coordinates
// were marked deleted and how many were revived.
func PropagateCourtDeletions(ctx context.Context, db *sqlx.DB, now time.Time) (marked int64, revived int64, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx, db.Rebind(
		`UPDATE court_coordinates
		 SET deleted_at = (SELECT CAST(c.deleted_at AS TEXT) FROM courts c WHERE c.id = court_coordinates.court_id),
		     updated_at = ?
		 WHERE deleted_at IS NULL
		   AND EXISTS (SELECT 1 FROM courts c WHERE c.id = court_coordinates.court_id AND c.deleted_at IS NOT NULL)`),
		FormatTime(now))
	if err != nil {
		return 0, 0, fmt.Errorf("mark coordinates deleted: %w", err)
	}
	if marked, err = res.RowsAffected(); err != nil {
		return 0, 0, fmt.Errorf("rows affected: %w", err)
	}

	res, err = db.ExecContext(ctx, db.Rebind(
		`UPDATE court_coordinates
		 SET deleted_at = NULL,
		     updated_at = ?
		 WHERE deleted_at IS NOT NULL
		   AND EXISTS (SELECT 1 FROM courts c WHERE c.id = court_coordinates.court_id AND c.deleted_at IS NULL)`),
		FormatTime(now))
	if err != nil {
		return marked, 0, fmt.Errorf("revive coordinates: %w", err)
	}
	if revived, err = res.RowsAffected(); err != nil {
		return marked, 0, fmt.Errorf("rows affected: %w", err)
	}

	return marked, revived, nil
}

// DeleteOrphanCoordinates hard-deletes coordinates whose court no longer exists.
func DeleteOrphanCoordinates(ctx context.Context, db *sqlx.DB) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx,
		`DELETE FROM court_coordinates
		 WHERE NOT EXISTS (SELECT 1 FROM courts c WHERE c.id = court_coordinates.court_id)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan coordinates: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// ListTrackedCourts returns active, non-deleted courts that have a live
// coordinate row, together with the hash that row was computed from.
func ListTrackedCourts(ctx context.Context, db *sqlx.DB) ([]TrackedCourt, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var out []TrackedCourt
	err := db.SelectContext(ctx, &out, db.Rebind(
		`SELECT c.id, c.name, COALESCE(c.address, '') AS address, COALESCE(c.city, '') AS city,
		        COALESCE(c.tier, '') AS tier, c.status, CAST(c.deleted_at AS TEXT) AS deleted_at,
		        cc.content_hash
		 FROM courts c
		 INNER JOIN court_coordinates cc ON cc.court_id = c.id
		 WHERE c.status = ?
		   AND c.deleted_at IS NULL
		   AND cc.deleted_at IS NULL
		 ORDER BY c.id`), CourtStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list tracked courts: %w", err)
	}
	return out, nil
}

// ListUntrackedCourts returns active, non-deleted courts with no coordinate row at all.
func ListUntrackedCourts(ctx context.Context, db *sqlx.DB) ([]CourtRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var out []CourtRecord
	err := db.SelectContext(ctx, &out, db.Rebind(
		`SELECT c.id, c.name, COALESCE(c.address, '') AS address, COALESCE(c.city, '') AS city,
		        COALESCE(c.tier, '') AS tier, c.status, CAST(c.deleted_at AS TEXT) AS deleted_at
		 FROM courts c
		 LEFT JOIN court_coordinates cc ON cc.court_id = c.id
		 WHERE c.status = ?
		   AND c.deleted_at IS NULL
		   AND cc.court_id IS NULL
		 ORDER BY c.id`), CourtStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list untracked courts: %w", err)
	}
	return out, nil
}

// UpsertCoordinate inserts a coordinate row or overwrites the position and
// hash of an existing one. created_at is preserved on update.
func UpsertCoordinate(ctx context.Context, db *sqlx.DB, c CourtCoordinate) error {
	if ctx == nil {
		ctx = context.Background()
	}

	now := c.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := db.ExecContext(ctx, db.Rebind(
		`INSERT INTO court_coordinates
		 (court_id, latitude, longitude, geocoded_address, content_hash, deleted_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(court_id) DO UPDATE SET
		   latitude = excluded.latitude,
		   longitude = excluded.longitude,
		   geocoded_address = excluded.geocoded_address,
		   content_hash = excluded.content_hash,
		   updated_at = excluded.updated_at`),
		c.CourtID, c.Latitude, c.Longitude, c.GeocodedAddress, c.ContentHash,
		FormatTime(created), FormatTime(now))
	if err != nil {
		return fmt.Errorf("upsert court coordinate: %w", err)
	}
	return nil
}

// GetCoordinate returns the coordinate row for courtID, or nil if none exists.
func GetCoordinate(ctx context.Context, db *sqlx.DB, courtID int64) (*CourtCoordinate, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []coordinateRow
	err := db.SelectContext(ctx, &rows, db.Rebind(
		`SELECT court_id, latitude, longitude, geocoded_address, content_hash, deleted_at, created_at, updated_at
		 FROM court_coordinates WHERE court_id = ?`), courtID)
	if err != nil {
		return nil, fmt.Errorf("get court coordinate: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toCoordinate(), nil
}

func (r coordinateRow) toCoordinate() *CourtCoordinate {
	c := &CourtCoordinate{
		CourtID:     r.CourtID,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		ContentHash: r.ContentHash,
	}
	if r.GeocodedAddress != nil {
		c.GeocodedAddress = *r.GeocodedAddress
	}
	if r.DeletedAt != nil {
		if t, err := ParseTime(*r.DeletedAt); err == nil {
			c.DeletedAt = &t
		} else {
			// Registry markers that are not timestamps still mean "deleted".
			zero := time.Time{}
			c.DeletedAt = &zero
		}
	}
	c.CreatedAt, _ = ParseTime(r.CreatedAt)
	c.UpdatedAt, _ = ParseTime(r.UpdatedAt)
	return c
}

// PropagateCourtNames rewrites court_name on assignments whose court has been renamed.
func PropagateCourtNames(ctx context.Context, db *sqlx.DB, now time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := db.ExecContext(ctx, db.Rebind(
		`UPDATE court_assignments
		 SET court_name = (SELECT c.name FROM courts c WHERE c.id = court_assignments.court_id),
		     updated_at = ?
		 WHERE court_id IS NOT NULL
		   AND EXISTS (
		     SELECT 1 FROM courts c
		     WHERE c.id = court_assignments.court_id
		       AND (court_assignments.court_name IS NULL OR c.name <> court_assignments.court_name)
		   )`), FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("propagate court names: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

// ListCandidateCourts returns active, non-deleted, geocoded courts of the given tier.
// City filtering happens in the caller, on normalized names.
func ListCandidateCourts(ctx context.Context, db *sqlx.DB, tier string) ([]CandidateCourt, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var out []CandidateCourt
	err := db.SelectContext(ctx, &out, db.Rebind(
		`SELECT c.id, c.name, COALESCE(c.city, '') AS city, COALESCE(c.tier, '') AS tier,
		        cc.latitude, cc.longitude
		 FROM courts c
		 INNER JOIN court_coordinates cc ON cc.court_id = c.id
		 WHERE c.status = ?
		   AND c.deleted_at IS NULL
		   AND cc.deleted_at IS NULL
		   AND c.tier = ?
		 ORDER BY c.id`), CourtStatusActive, tier)
	if err != nil {
		return nil, fmt.Errorf("list candidate courts: %w", err)
	}
	return out, nil
}

// CourtCounts summarizes registry coverage.
type CourtCounts struct {
	Active   int64 `json:"active"`
	Geocoded int64 `json:"geocoded"`
}

// CountCourts returns how many active courts exist and how many of them are geocoded.
func CountCourts(ctx context.Context, db *sqlx.DB) (CourtCounts, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var counts CourtCounts
	if err := db.GetContext(ctx, &counts.Active, db.Rebind(
		`SELECT COUNT(*) FROM courts WHERE status = ? AND deleted_at IS NULL`), CourtStatusActive); err != nil {
		return counts, fmt.Errorf("count active courts: %w", err)
	}
	if err := db.GetContext(ctx, &counts.Geocoded, db.Rebind(
		`SELECT COUNT(*)
		 FROM court_coordinates cc
		 INNER JOIN courts c ON cc.court_id = c.id
		 WHERE c.status = ? AND c.deleted_at IS NULL AND cc.deleted_at IS NULL`), CourtStatusActive); err != nil {
		return counts, fmt.Errorf("count geocoded courts: %w", err)
	}
	return counts, nil
}
