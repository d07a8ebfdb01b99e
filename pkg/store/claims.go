package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ClaimStatusPending is the only claim status the engine consumes.
const ClaimStatusPending = "Pendiente"

// PendingClaim is a pending claim joined to its client's first active
// address. Address fields are empty when the client has no address.
type PendingClaim struct {
	ClaimID        int64  `db:"claim_id"`
	ClientID       int64  `db:"client_id"`
	Identification string `db:"identification"`
	Tier           string `db:"tier"`
	Address        string `db:"address"`
	Neighborhood   string `db:"neighborhood"`
	City           string `db:"city"`
	Department     string `db:"department"`
}

// ListPendingClaims returns pending claims of non-deleted clients, ordered
// by claim id. A limit <= 0 returns all of them.
func ListPendingClaims(ctx context.Context, db *sqlx.DB, limit int) ([]PendingClaim, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := `SELECT l.id AS claim_id,
		        l.client_id,
		        COALESCE(c.identification, '') AS identification,
		        COALESCE(l.tier, '') AS tier,
		        COALESCE(a.address, '') AS address,
		        COALESCE(a.neighborhood, '') AS neighborhood,
		        COALESCE(ci.city_name, '') AS city,
		        COALESCE(ci.department, '') AS department
		 FROM claims l
		 INNER JOIN clients c ON l.client_id = c.id
		 LEFT JOIN client_addresses a ON a.client_id = c.id
		   AND a.deleted_at IS NULL
		   AND a.is_active = 1
		   AND a.id = (
		     SELECT MIN(a2.id) FROM client_addresses a2
		     WHERE a2.client_id = c.id
		       AND a2.deleted_at IS NULL
		       AND a2.is_active = 1
		   )
		 LEFT JOIN cities ci ON a.city_id = ci.id
		 WHERE l.status = ?
		   AND l.deleted_at IS NULL
		   AND c.deleted_at IS NULL
		 ORDER BY l.id`
	args := []any{ClaimStatusPending}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []PendingClaim
	if err := db.SelectContext(ctx, &out, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list pending claims: %w", err)
	}
	return out, nil
}
