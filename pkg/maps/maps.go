// Package maps geocodes addresses and measures driving distances through a
// metered provider.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/courtsync/pkg/geo"
)

// GeocodeResult is the first match for an address.
type GeocodeResult struct {
	geo.Point
	FormattedAddress string `json:"formatted_address"`
	// Locality is the resolved municipality, empty when the provider has none.
	Locality string `json:"locality"`
}

// Destination is one routing target.
type Destination struct {
	ID int64
	geo.Point
}

// RouteDistance is a resolved driving distance to a destination.
type RouteDistance struct {
	ID         int64   `json:"id"`
	DistanceKM float64 `json:"distance_km"`
}

// Geocoder resolves an address into coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (GeocodeResult, error)
}

// Router measures driving distances from one origin to many destinations.
// Only destinations the provider resolved are returned.
type Router interface {
	RouteDistances(ctx context.Context, origin geo.Point, dests []Destination) ([]RouteDistance, error)
}

// Gate is consulted before every provider request. A non-nil error cancels the request.
type Gate interface {
	BeforeExternalCall(ctx context.Context) error
}

// Sentinel errors for provider responses.
var (
	// ErrProviderQuota means the provider refused the request for quota or billing reasons.
	ErrProviderQuota = errors.New("provider quota exhausted (OVER_QUERY_LIMIT)")

	// ErrNoResults means the provider found nothing for the request.
	ErrNoResults = errors.New("no results")
)

// APIError is a non-OK provider status.
type APIError struct {
	// Op is "geocode" or "distancematrix".
	Op string

	// Status is the provider status string, e.g. ZERO_RESULTS.
	Status string

	// Message is the provider's error_message, if any.
	Message string

	// Err is ErrProviderQuota, ErrNoResults or nil.
	Err error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: status %s", e.Op, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if errors.Is(e.Err, ErrProviderQuota) && e.Status != "OVER_QUERY_LIMIT" {
		msg += " (OVER_QUERY_LIMIT)"
	}
	return msg
}

// ProviderText is the provider-reported part of the error.
func (e *APIError) ProviderText() string {
	return e.Error()
}

// Unwrap returns the classified sentinel for errors.Is support.
func (e *APIError) Unwrap() error {
	return e.Err
}

// GateError is a failure of the Gate before any request was sent. A local
// limit breach unwraps to the governor's error; anything else is a local
// failure, such as an unreadable state store, and no per-record outcome.
type GateError struct {
	Op  string
	Err error
}

func (e *GateError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *GateError) Unwrap() error {
	return e.Err
}

// IsGateError reports whether err came from the Gate.
func IsGateError(err error) bool {
	var ge *GateError
	return errors.As(err, &ge)
}

// IsProviderQuota reports whether err is provider-side quota exhaustion.
func IsProviderQuota(err error) bool {
	return errors.Is(err, ErrProviderQuota)
}

// IsNoResults reports whether err means the provider found nothing.
func IsNoResults(err error) bool {
	return errors.Is(err, ErrNoResults)
}

// JoinAddress joins the non-empty parts with ", ".
func JoinAddress(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
