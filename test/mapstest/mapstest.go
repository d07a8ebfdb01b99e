// Package mapstest provides an in-memory maps provider for tests.
package mapstest

import (
	"context"
	"errors"
	"sync"

	"github.com/3leaps/courtsync/pkg/geo"
	"github.com/3leaps/courtsync/pkg/maps"
)

// ErrUnknownAddress is returned for addresses with no configured result.
var ErrUnknownAddress = &maps.APIError{Op: "geocode", Status: "ZERO_RESULTS", Err: maps.ErrNoResults}

// Fake implements maps.Geocoder and maps.Router from fixed tables.
// Every call, successful or not, passes through Gate when one is set.
type Fake struct {
	mu sync.Mutex

	Gate maps.Gate

	// Results maps a full address to its geocode result.
	Results map[string]maps.GeocodeResult

	// GeocodeErr, when set, is returned for every geocode.
	GeocodeErr error

	// Routes maps a destination id to its driving distance. Ids missing
	// from the table are unresolved.
	Routes map[int64]float64

	// RouteErr, when set, fails every routing call.
	RouteErr error

	Geocoded []string
	Routed   [][]int64
}

var (
	_ maps.Geocoder = (*Fake)(nil)
	_ maps.Router   = (*Fake)(nil)
)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Results: map[string]maps.GeocodeResult{},
		Routes:  map[int64]float64{},
	}
}

// AddResult registers a geocode result for address.
func (f *Fake) AddResult(address string, p geo.Point, locality string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[address] = maps.GeocodeResult{Point: p, Locality: locality, FormattedAddress: address}
}

func (f *Fake) Geocode(ctx context.Context, address string) (maps.GeocodeResult, error) {
	if f.Gate != nil {
		if err := f.Gate.BeforeExternalCall(ctx); err != nil {
			return maps.GeocodeResult{}, &maps.GateError{Op: "geocode", Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Geocoded = append(f.Geocoded, address)
	if f.GeocodeErr != nil {
		return maps.GeocodeResult{}, f.GeocodeErr
	}
	res, ok := f.Results[address]
	if !ok {
		return maps.GeocodeResult{}, ErrUnknownAddress
	}
	return res, nil
}

func (f *Fake) RouteDistances(ctx context.Context, origin geo.Point, dests []maps.Destination) ([]maps.RouteDistance, error) {
	if len(dests) == 0 {
		return nil, nil
	}
	if f.Gate != nil {
		if err := f.Gate.BeforeExternalCall(ctx); err != nil {
			return nil, &maps.GateError{Op: "distancematrix", Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(dests))
	for _, d := range dests {
		ids = append(ids, d.ID)
	}
	f.Routed = append(f.Routed, ids)
	if f.RouteErr != nil {
		return nil, f.RouteErr
	}

	var out []maps.RouteDistance
	for _, d := range dests {
		if km, ok := f.Routes[d.ID]; ok {
			out = append(out, maps.RouteDistance{ID: d.ID, DistanceKM: km})
		}
	}
	return out, nil
}

// Calls returns the number of geocode plus routing calls made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Geocoded) + len(f.Routed)
}

// Reset clears recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Geocoded = nil
	f.Routed = nil
}

// ErrRouting is a convenience non-quota routing failure.
var ErrRouting = errors.New("distancematrix: status UNKNOWN_ERROR")
