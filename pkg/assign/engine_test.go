package assign

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/courtsync/pkg/geo"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/store"
	"github.com/3leaps/courtsync/test/mapstest"
	"github.com/3leaps/courtsync/test/registrytest"
)

func addGeocodedCourt(t *testing.T, db *sqlx.DB, c registrytest.Court, p geo.Point) {
	t.Helper()
	registrytest.AddCourt(t, db, c)
	require.NoError(t, store.UpsertCoordinate(context.Background(), db, store.CourtCoordinate{
		CourtID: c.ID, Latitude: p.Lat, Longitude: p.Lng, ContentHash: "h",
	}))
}

func newEngine(fake *mapstest.Fake) *Engine {
	return NewEngine(fake, fake, testResolver(), Config{ClaimDelay: -1})
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := registrytest.Open(t)
	fake := mapstest.New()

	addGeocodedCourt(t, db, registrytest.Court{ID: 1, Name: "Juzgado 1", City: "CALI", Tier: "MINIMA"}, geo.Point{Lat: 3.01, Lng: -76.0})
	registrytest.AddClaim(t, db, registrytest.Claim{ID: 10, ClientID: 100, Tier: "MINIMA", Address: "Calle 5", City: "Cali", Department: "Valle"})
	registrytest.AddClaim(t, db, registrytest.Claim{ID: 11, ClientID: 101, Tier: "MINIMA", Address: "Calle 6", City: "Cali", Department: "Valle"})
	fake.AddResult("Calle 5, Cali, Valle, Colombia", origin, "Cali")
	fake.AddResult("Calle 6, Cali, Valle, Colombia", origin, "Santiago de Cali")
	fake.Routes[1] = 1.8

	e := newEngine(fake)
	first, err := e.Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Total)
	assert.Equal(t, 2, first.Success)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 4, fake.Calls())

	fake.Reset()
	second, err := e.Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Equal(t, second.Total, second.Skipped)
	assert.Zero(t, second.Inserted+second.Updated)
	assert.Zero(t, fake.Calls())
	assert.Equal(t, 4, second.CallsSaved())

	a, err := store.GetAssignment(ctx, db, 100)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, store.OutcomeAssigned, a.Outcome)
	assert.Equal(t, int64(1), *a.CourtID)
	assert.Equal(t, 1.8, *a.DistanceKM)
	assert.Equal(t, "MINIMA", a.Tier)
}

func TestRunNoAddressWritesSentinelWithoutCalls(t *testing.T) {
	ctx := context.Background()
	db := registrytest.Open(t)
	fake := mapstest.New()

	registrytest.AddClaim(t, db, registrytest.Claim{ID: 10, ClientID: 100, Tier: "MINIMA"})

	stats, err := newEngine(fake).Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NoAddress)
	assert.Equal(t, 1, stats.Inserted)
	assert.Zero(t, fake.Calls())

	a, err := store.GetAssignment(ctx, db, 100)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, store.OutcomeNoAddress, a.Outcome)
	assert.Equal(t, store.SentinelNoAddress, *a.CourtName)
	assert.Equal(t, store.SentinelNoAddress, a.ClientAddress)
	assert.Equal(t, "N/A", a.ClientCity)
	assert.Nil(t, a.CourtID)
	assert.Nil(t, a.DistanceKM)

	// Unresolved rows are re-evaluated, which for no-address costs nothing.
	stats, err = newEngine(fake).Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, fake.Calls())
}

func TestRunZeroCapacityRetry(t *testing.T) {
	ctx := context.Background()
	db := registrytest.Open(t)
	fake := mapstest.New()

	registrytest.AddClaim(t, db, registrytest.Claim{ID: 10, ClientID: 100, Tier: "MINIMA", Address: "Cra 1", City: "Bogotá D.C.", Department: "Cundinamarca"})
	fake.AddResult("Cra 1, Bogotá D.C., Cundinamarca, Colombia", geo.Point{Lat: 4.6, Lng: -74.08}, "Bogotá")

	e := newEngine(fake)
	first, err := e.Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.NoCourtInCity)
	assert.Equal(t, 1, fake.Calls(), "geocode only, nothing to route")

	// Unchanged claim, city still without courts: skipped, no calls.
	fake.Reset()
	second, err := e.Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 2, second.ZeroCapacitySaved)
	assert.Equal(t, 4, second.CallsSaved())
	assert.Zero(t, fake.Calls())

	// A court appears under another spelling of the same city.
	addGeocodedCourt(t, db, registrytest.Court{ID: 1, Name: "Juzgado Bogotá", City: "SANTA FE DE BOGOTA", Tier: "MINIMA"}, geo.Point{Lat: 4.61, Lng: -74.07})
	fake.Routes[1] = 2.5

	third, err := e.Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Zero(t, third.Skipped)
	assert.Equal(t, 1, third.Success)
	assert.Equal(t, 1, third.Updated)
	assert.Equal(t, 2, fake.Calls())

	a, err := store.GetAssignment(ctx, db, 100)
	require.NoError(t, err)
	assert.Equal(t, "Juzgado Bogotá", *a.CourtName)
}

func TestRunReevaluatesChangedClaims(t *testing.T) {
	ctx := context.Background()
	db := registrytest.Open(t)
	fake := mapstest.New()

	addGeocodedCourt(t, db, registrytest.Court{ID: 1, Name: "Juzgado 1", City: "Cali", Tier: "MINIMA"}, geo.Point{Lat: 3.01, Lng: -76.0})
	registrytest.AddClaim(t, db, registrytest.Claim{ID: 10, ClientID: 100, Tier: "MINIMA", Address: "Calle 5", City: "Cali"})
	fake.AddResult("Calle 5, Cali, Colombia", origin, "Cali")
	fake.AddResult("Calle 9, Cali, Colombia", origin, "Cali")

	e := newEngine(fake)
	_, err := e.Run(ctx, "db1", db, Options{})
	require.NoError(t, err)

	registrytest.Exec(t, db, `UPDATE client_addresses SET address = 'Calle 9' WHERE client_id = 100`)
	fake.Reset()

	stats, err := e.Run(ctx, "db1", db, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Skipped)
	assert.Equal(t, []string{"Calle 9, Cali, Colombia"}, fake.Geocoded)
}

func TestRunStopsOnQuotaKeepingEarlierRows(t *testing.T) {
	ctx := context.Background()
	db := registrytest.Open(t)
	fake := mapstest.New()
	fake.GeocodeErr = &quota.QuotaExceededError{Scope: quota.ScopeDaily, Used: 700, Limit: 700}

	registrytest.AddClaim(t, db, registrytest.Claim{ID: 10, ClientID: 100, Tier: "MINIMA"})
	registrytest.AddClaim(t, db, registrytest.Claim{ID: 11, ClientID: 101, Tier: "MINIMA", Address: "Calle 5", City: "Cali"})
	registrytest.AddClaim(t, db, registrytest.Claim{ID: 12, ClientID: 102, Tier: "MINIMA"})

	stats, err := newEngine(fake).Run(ctx, "db1", db, Options{})
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, 1, stats.NoAddress)

	first, err := store.GetAssignment(ctx, db, 100)
	require.NoError(t, err)
	assert.NotNil(t, first, "claims before the quota error stay committed")

	later, err := store.GetAssignment(ctx, db, 102)
	require.NoError(t, err)
	assert.Nil(t, later)
}

func TestRunHonorsLimit(t *testing.T) {
	ctx := context.Background()
	db := registrytest.Open(t)
	fake := mapstest.New()

	for i := int64(1); i <= 3; i++ {
		registrytest.AddClaim(t, db, registrytest.Claim{ID: i, ClientID: 100 + i, Tier: "MINIMA"})
	}

	stats, err := newEngine(fake).Run(ctx, "db1", db, Options{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)

	counts, err := store.CountAssignments(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Total)
}

func TestRunCancelled(t *testing.T) {
	db := registrytest.Open(t)
	registrytest.AddClaim(t, db, registrytest.Claim{ID: 1, ClientID: 1, Tier: "MINIMA"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(mapstest.New()).Run(ctx, "db1", db, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
