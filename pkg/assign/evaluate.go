package assign

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/3leaps/courtsync/pkg/cityname"
	"github.com/3leaps/courtsync/pkg/geo"
	"github.com/3leaps/courtsync/pkg/maps"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/store"
)

const (
	DefaultMaxCandidates = 5
	DefaultCountry       = "Colombia"

	// wrongCityAddress is persisted as client_address for wrong-city outcomes.
	wrongCityAddress = "Dirección en %s, no en %s"
	unknownCity      = "N/A"
)

// CityMatcher is the subset of cityname.Resolver that Evaluate needs.
type CityMatcher interface {
	Match(ctx context.Context, a, b string) bool
	SearchVariants(ctx context.Context, name string) []string
}

var _ CityMatcher = (*cityname.Resolver)(nil)

// CourtSource lists assignable courts of one tier in any of the given
// normalized city names.
type CourtSource interface {
	Candidates(ctx context.Context, tier string, cities []string) ([]store.CandidateCourt, error)
}

// StoreCourts reads candidates from a database. City names are compared
// after cityname.Normalize, so accents and case never block a match.
type StoreCourts struct {
	DB *sqlx.DB
}

func (s StoreCourts) Candidates(ctx context.Context, tier string, cities []string) ([]store.CandidateCourt, error) {
	all, err := store.ListCandidateCourts(ctx, s.DB, tier)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(cities))
	for _, c := range cities {
		wanted[c] = struct{}{}
	}

	var out []store.CandidateCourt
	for _, c := range all {
		norm, ok := cityname.Normalize(c.City)
		if !ok {
			continue
		}
		if _, hit := wanted[norm]; hit {
			out = append(out, c)
		}
	}
	return out, nil
}

// Deps are the collaborators of Evaluate.
type Deps struct {
	Geocoder maps.Geocoder
	Router   maps.Router
	Cities   CityMatcher
	Courts   CourtSource

	// Country is appended to every geocoded address.
	Country string

	// MaxCandidates caps how many straight-line nearest courts are routed.
	MaxCandidates int
}

// Evaluate decides the outcome for one claim. Per-claim failures become
// outcomes; only quota exhaustion and store failures are returned as errors.
func Evaluate(ctx context.Context, deps Deps, c store.PendingClaim) (Outcome, error) {
	if c.Address == "" || c.City == "" {
		city := c.City
		if city == "" {
			city = unknownCity
		}
		return Outcome{
			Kind:          store.OutcomeNoAddress,
			Reason:        "claim has no address or city",
			ClientAddress: store.SentinelNoAddress,
			ClientCity:    city,
		}, nil
	}

	country := deps.Country
	if country == "" {
		country = DefaultCountry
	}
	display := maps.JoinAddress(c.Address, c.Neighborhood, c.City)

	res, err := deps.Geocoder.Geocode(ctx, maps.JoinAddress(c.Address, c.Neighborhood, c.City, c.Department, country))
	if err == nil && res.Lat == 0 && res.Lng == 0 {
		err = fmt.Errorf("geocode returned no coordinates")
	}
	if err != nil {
		if quota.IsProviderQuotaError(err) || maps.IsGateError(err) {
			return Outcome{}, err
		}
		return Outcome{
			Kind:          store.OutcomeGeocodeError,
			Reason:        err.Error(),
			ClientAddress: display,
			ClientCity:    c.City,
		}, nil
	}

	if res.Locality != "" && !deps.Cities.Match(ctx, res.Locality, c.City) {
		return Outcome{
			Kind:          store.OutcomeWrongCity,
			Reason:        fmt.Sprintf("address resolved to %s", res.Locality),
			ClientAddress: fmt.Sprintf(wrongCityAddress, res.Locality, c.City),
			ClientCity:    c.City,
		}, nil
	}

	candidates, err := deps.Courts.Candidates(ctx, c.Tier, deps.Cities.SearchVariants(ctx, c.City))
	if err != nil {
		return Outcome{}, fmt.Errorf("candidate courts: %w", err)
	}
	if len(candidates) == 0 {
		return Outcome{
			Kind:          store.OutcomeNoCourtInCity,
			Reason:        fmt.Sprintf("no %s court in %s", c.Tier, c.City),
			ClientAddress: display,
			ClientCity:    c.City,
			Tier:          c.Tier,
		}, nil
	}

	court, km, routed, err := selectNearest(ctx, deps.Router, res.Point, candidates, deps.MaxCandidates)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Kind:          store.OutcomeAssigned,
		Court:         &court,
		DistanceKM:    &km,
		Routed:        routed,
		ClientAddress: display,
		ClientCity:    c.City,
		Tier:          c.Tier,
	}, nil
}

type ranked struct {
	court    store.CandidateCourt
	straight float64
}

// selectNearest ranks candidates by great-circle distance, routes the
// closest limit of them in one call and picks the shortest routed distance.
// If routing fails or resolves nothing the straight-line nearest wins.
func selectNearest(ctx context.Context, router maps.Router, origin geo.Point, candidates []store.CandidateCourt, limit int) (CourtRef, float64, bool, error) {
	if limit <= 0 {
		limit = DefaultMaxCandidates
	}

	ranks := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		ranks = append(ranks, ranked{
			court:    c,
			straight: geo.Haversine(origin, geo.Point{Lat: c.Latitude, Lng: c.Longitude}),
		})
	}
	sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].straight < ranks[j].straight })
	if len(ranks) > limit {
		ranks = ranks[:limit]
	}

	fallback := ranks[0]
	dests := make([]maps.Destination, 0, len(ranks))
	byID := make(map[int64]ranked, len(ranks))
	for _, r := range ranks {
		dests = append(dests, maps.Destination{ID: r.court.ID, Point: geo.Point{Lat: r.court.Latitude, Lng: r.court.Longitude}})
		byID[r.court.ID] = r
	}

	routes, err := router.RouteDistances(ctx, origin, dests)
	if err != nil {
		if quota.IsProviderQuotaError(err) || maps.IsGateError(err) {
			return CourtRef{}, 0, false, err
		}
		routes = nil
	}

	best := -1
	for i, rd := range routes {
		if _, ok := byID[rd.ID]; !ok {
			continue
		}
		if best < 0 || rd.DistanceKM < routes[best].DistanceKM {
			best = i
		}
	}
	if best < 0 {
		return CourtRef{ID: fallback.court.ID, Name: fallback.court.Name}, fallback.straight, false, nil
	}

	winner := byID[routes[best].ID]
	return CourtRef{ID: winner.court.ID, Name: winner.court.Name}, routes[best].DistanceKM, true, nil
}
