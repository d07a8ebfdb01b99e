package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// OutcomeKind is the persisted discriminant of an assignment row.
type OutcomeKind string

const (
	OutcomeAssigned      OutcomeKind = "assigned"
	OutcomeNoAddress     OutcomeKind = "no_address"
	OutcomeGeocodeError  OutcomeKind = "geocode_error"
	OutcomeWrongCity     OutcomeKind = "wrong_city"
	OutcomeNoCourtInCity OutcomeKind = "no_court_in_city"
)

// Legacy court_name values for unresolved outcomes. Downstream readers of
// court_assignments still key off these exact strings.
const (
	SentinelNoAddress     = "Sin dirección"
	SentinelGeocodeError  = "Error en geocodificación"
	SentinelWrongCity     = "Dirección incorrecta o en otra ciudad"
	SentinelNoCourtInCity = "No se encuentra juzgado en ciudad"
)

// Sentinel returns the legacy court_name text for an unresolved kind, or ""
// for OutcomeAssigned.
func (k OutcomeKind) Sentinel() string {
	switch k {
	case OutcomeNoAddress:
		return SentinelNoAddress
	case OutcomeGeocodeError:
		return SentinelGeocodeError
	case OutcomeWrongCity:
		return SentinelWrongCity
	case OutcomeNoCourtInCity:
		return SentinelNoCourtInCity
	default:
		return ""
	}
}

// Valid reports whether k is a known kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeAssigned, OutcomeNoAddress, OutcomeGeocodeError, OutcomeWrongCity, OutcomeNoCourtInCity:
		return true
	}
	return false
}

// OutcomeFromSentinel maps a court_name value onto its kind. Any other
// non-empty value is a real court name.
func OutcomeFromSentinel(courtName string) OutcomeKind {
	switch courtName {
	case SentinelNoAddress:
		return OutcomeNoAddress
	case SentinelGeocodeError:
		return OutcomeGeocodeError
	case SentinelWrongCity:
		return OutcomeWrongCity
	case SentinelNoCourtInCity:
		return OutcomeNoCourtInCity
	default:
		return OutcomeAssigned
	}
}

// Assignment is one row of court_assignments, keyed by client id.
type Assignment struct {
	ClientID             int64       `json:"client_id"`
	ClaimID              int64       `json:"claim_id"`
	ClientIdentification string      `json:"client_identification"`
	ClientAddress        string      `json:"client_address"`
	ClientCity           string      `json:"client_city"`
	CourtID              *int64      `json:"court_id,omitempty"`
	CourtName            *string     `json:"court_name,omitempty"`
	Outcome              OutcomeKind `json:"outcome"`
	DistanceKM           *float64    `json:"distance_km,omitempty"`
	Tier                 string      `json:"tier"`
	ContentHash          string      `json:"content_hash"`
	AssignedAt           time.Time   `json:"assigned_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

type assignmentRow struct {
	ClientID             int64    `db:"client_id"`
	ClaimID              int64    `db:"claim_id"`
	ClientIdentification *string  `db:"client_identification"`
	ClientAddress        *string  `db:"client_address"`
	ClientCity           *string  `db:"client_city"`
	CourtID              *int64   `db:"court_id"`
	CourtName            *string  `db:"court_name"`
	Outcome              string   `db:"outcome"`
	DistanceKM           *float64 `db:"distance_km"`
	Tier                 *string  `db:"tier"`
	ContentHash          string   `db:"content_hash"`
	AssignedAt           string   `db:"assigned_at"`
	UpdatedAt            string   `db:"updated_at"`
}

const assignmentColumns = `client_id, claim_id, client_identification, client_address, client_city,
	court_id, court_name, outcome, distance_km, tier, content_hash, assigned_at, updated_at`

func (r assignmentRow) toAssignment() Assignment {
	a := Assignment{
		ClientID:    r.ClientID,
		ClaimID:     r.ClaimID,
		CourtID:     r.CourtID,
		CourtName:   r.CourtName,
		Outcome:     OutcomeKind(r.Outcome),
		DistanceKM:  r.DistanceKM,
		ContentHash: r.ContentHash,
	}
	if r.ClientIdentification != nil {
		a.ClientIdentification = *r.ClientIdentification
	}
	if r.ClientAddress != nil {
		a.ClientAddress = *r.ClientAddress
	}
	if r.ClientCity != nil {
		a.ClientCity = *r.ClientCity
	}
	if r.Tier != nil {
		a.Tier = *r.Tier
	}
	if !a.Outcome.Valid() && r.CourtName != nil {
		a.Outcome = OutcomeFromSentinel(*r.CourtName)
	}
	a.AssignedAt, _ = ParseTime(r.AssignedAt)
	a.UpdatedAt, _ = ParseTime(r.UpdatedAt)
	return a
}

// GetAssignment returns the assignment for clientID, or nil if none exists.
func GetAssignment(ctx context.Context, db *sqlx.DB, clientID int64) (*Assignment, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []assignmentRow
	err := db.SelectContext(ctx, &rows, db.Rebind(
		`SELECT `+assignmentColumns+` FROM court_assignments WHERE client_id = ?`), clientID)
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	a := rows[0].toAssignment()
	return &a, nil
}

// UpsertAssignment writes a, inserting a new row or replacing the row with
// the same client id. assigned_at is kept from the first insert.
func UpsertAssignment(ctx context.Context, db *sqlx.DB, a Assignment) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !a.Outcome.Valid() {
		return fmt.Errorf("upsert assignment: invalid outcome %q", a.Outcome)
	}

	now := a.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	assignedAt := a.AssignedAt
	if assignedAt.IsZero() {
		assignedAt = now
	}

	_, err := db.ExecContext(ctx, db.Rebind(
		`INSERT INTO court_assignments (`+assignmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET
		   claim_id = excluded.claim_id,
		   client_identification = excluded.client_identification,
		   client_address = excluded.client_address,
		   client_city = excluded.client_city,
		   court_id = excluded.court_id,
		   court_name = excluded.court_name,
		   outcome = excluded.outcome,
		   distance_km = excluded.distance_km,
		   tier = excluded.tier,
		   content_hash = excluded.content_hash,
		   updated_at = excluded.updated_at`),
		a.ClientID, a.ClaimID, a.ClientIdentification, a.ClientAddress, a.ClientCity,
		a.CourtID, a.CourtName, string(a.Outcome), a.DistanceKM, a.Tier, a.ContentHash,
		FormatTime(assignedAt), FormatTime(now))
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// AssignmentFilter narrows ListAssignments.
type AssignmentFilter struct {
	// Status is "assigned", "unresolved" or empty for all rows.
	Status string
	Limit  int
	Offset int
}

// ListAssignments returns assignment rows, newest first.
func ListAssignments(ctx context.Context, db *sqlx.DB, f AssignmentFilter) ([]Assignment, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT ` + assignmentColumns + ` FROM court_assignments WHERE 1=1`
	var args []any
	switch f.Status {
	case "":
	case "assigned":
		query += ` AND outcome = ?`
		args = append(args, string(OutcomeAssigned))
	case "unresolved":
		query += ` AND outcome <> ?`
		args = append(args, string(OutcomeAssigned))
	default:
		return nil, fmt.Errorf("unknown assignment status filter %q", f.Status)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += ` ORDER BY assigned_at DESC, client_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []assignmentRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}

	out := make([]Assignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAssignment())
	}
	return out, nil
}

// AssignmentCounts summarizes court_assignments.
type AssignmentCounts struct {
	Total      int64 `json:"total" db:"total"`
	Assigned   int64 `json:"assigned" db:"assigned"`
	Unresolved int64 `json:"unresolved" db:"unresolved"`
}

// CountAssignments returns total, assigned and unresolved row counts.
func CountAssignments(ctx context.Context, db *sqlx.DB) (AssignmentCounts, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var counts AssignmentCounts
	err := db.GetContext(ctx, &counts, db.Rebind(
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS assigned,
		        COALESCE(SUM(CASE WHEN outcome <> ? THEN 1 ELSE 0 END), 0) AS unresolved
		 FROM court_assignments`), string(OutcomeAssigned), string(OutcomeAssigned))
	if err != nil {
		return counts, fmt.Errorf("count assignments: %w", err)
	}
	return counts, nil
}
