// Package registrytest seeds in-memory registry databases for tests.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    db := registrytest.Open(t)
//	    registrytest.AddCourt(t, db, registrytest.Court{ID: 1, Name: "Juzgado 1", City: "Cali", Tier: "MINIMA"})
//	    registrytest.AddClaim(t, db, registrytest.Claim{ID: 10, ClientID: 100, Tier: "MINIMA"})
//	}
package registrytest

import (
	"context"
	"strconv"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/courtsync/pkg/store"
)

// Open returns a migrated in-memory database that is closed when the test ends.
func Open(t *testing.T) *sqlx.DB {
	t.Helper()
	return open(t, ":memory:")
}

// OpenFile is Open for an on-disk database, for code under test that opens
// its own connection by path.
func OpenFile(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	return open(t, path)
}

func open(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.MigrateRegistry(ctx, db))
	require.NoError(t, store.Migrate(ctx, db))
	return db
}

// Court describes a registry court row. Status defaults to active.
type Court struct {
	ID        int64
	Name      string
	Address   string
	City      string
	Tier      string
	Status    string
	DeletedAt string
}

// AddCourt inserts a court row.
func AddCourt(t *testing.T, db *sqlx.DB, c Court) {
	t.Helper()
	if c.Status == "" {
		c.Status = store.CourtStatusActive
	}
	_, err := db.Exec(db.Rebind(`INSERT INTO courts (id, name, address, city, tier, status, deleted_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Name, c.Address, c.City, c.Tier, c.Status, nullable(c.DeletedAt))
	require.NoError(t, err)
}

// Exec runs an ad-hoc statement, for mutations tests need mid-scenario.
func Exec(t *testing.T, db *sqlx.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(db.Rebind(query), args...)
	require.NoError(t, err)
}

// Claim describes a pending claim plus its client and optional address.
type Claim struct {
	ID             int64
	ClientID       int64
	Identification string
	Tier           string
	Status         string

	// Address fields; an empty Address means the client has no address row.
	AddressID    int64
	Address      string
	Neighborhood string
	CityID       int64
	City         string
	Department   string
}

// AddClaim inserts the client (if new), the city (if new), the address (if
// set) and the claim row.
func AddClaim(t *testing.T, db *sqlx.DB, c Claim) {
	t.Helper()
	if c.Status == "" {
		c.Status = store.ClaimStatusPending
	}
	if c.Identification == "" {
		c.Identification = "CC-" + strconv.FormatInt(c.ClientID, 10)
	}

	_, err := db.Exec(db.Rebind(`INSERT INTO clients (id, identification) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`),
		c.ClientID, c.Identification)
	require.NoError(t, err)

	if c.Address != "" || c.City != "" {
		cityID := c.CityID
		if cityID == 0 {
			cityID = c.ClientID
		}
		_, err = db.Exec(db.Rebind(`INSERT INTO cities (id, city_name, department) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`),
			cityID, c.City, c.Department)
		require.NoError(t, err)

		addrID := c.AddressID
		if addrID == 0 {
			addrID = c.ClientID
		}
		_, err = db.Exec(db.Rebind(`INSERT INTO client_addresses (id, client_id, address, neighborhood, city_id, is_active) VALUES (?, ?, ?, ?, ?, 1)`),
			addrID, c.ClientID, nullable(c.Address), nullable(c.Neighborhood), cityID)
		require.NoError(t, err)
	}

	_, err = db.Exec(db.Rebind(`INSERT INTO claims (id, client_id, tier, status) VALUES (?, ?, ?, ?)`),
		c.ID, c.ClientID, c.Tier, c.Status)
	require.NoError(t, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
