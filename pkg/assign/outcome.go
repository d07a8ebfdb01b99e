// Package assign decides which court serves each pending claim and records
// the decision in court_assignments.
package assign

import (
	"github.com/3leaps/courtsync/pkg/store"
)

// CourtRef identifies the court an outcome assigns.
type CourtRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Outcome is the result of evaluating one claim. Court and DistanceKM are
// set only for store.OutcomeAssigned.
type Outcome struct {
	Kind       store.OutcomeKind `json:"kind"`
	Court      *CourtRef         `json:"court,omitempty"`
	DistanceKM *float64          `json:"distance_km,omitempty"`

	// Routed is false when the distance is the straight-line fallback.
	Routed bool `json:"routed"`

	// Reason explains unresolved outcomes for logs and reports.
	Reason string `json:"reason,omitempty"`

	// ClientAddress and ClientCity are the descriptive values persisted with the row.
	ClientAddress string `json:"client_address"`
	ClientCity    string `json:"client_city"`

	// Tier is persisted only once the claim got as far as the court lookup.
	Tier string `json:"tier,omitempty"`
}

// Resolved reports whether the outcome names a court.
func (o Outcome) Resolved() bool {
	return o.Kind == store.OutcomeAssigned && o.Court != nil
}

// Assignment builds the row persisted for claim c.
func (o Outcome) Assignment(c store.PendingClaim, contentHash string) store.Assignment {
	a := store.Assignment{
		ClientID:             c.ClientID,
		ClaimID:              c.ClaimID,
		ClientIdentification: c.Identification,
		ClientAddress:        o.ClientAddress,
		ClientCity:           o.ClientCity,
		Outcome:              o.Kind,
		DistanceKM:           o.DistanceKM,
		Tier:                 o.Tier,
		ContentHash:          contentHash,
	}
	if o.Resolved() {
		id, name := o.Court.ID, o.Court.Name
		a.CourtID = &id
		a.CourtName = &name
		return a
	}
	sentinel := o.Kind.Sentinel()
	a.CourtName = &sentinel
	a.DistanceKM = nil
	return a
}

// Stats aggregates one database's assignment pass.
type Stats struct {
	Total         int `json:"total"`
	Success       int `json:"success"`
	NoAddress     int `json:"no_address"`
	WrongCity     int `json:"wrong_city"`
	NoCourtInCity int `json:"no_court_in_city"`
	Error         int `json:"error"`
	Inserted      int `json:"inserted"`
	Updated       int `json:"updated"`
	Skipped       int `json:"skipped"`

	// ZeroCapacitySaved is two per claim skipped because its city still has no court.
	ZeroCapacitySaved int `json:"zero_capacity_saved"`
}

// CallsSaved estimates external calls avoided by skipping. Zero-capacity
// skips are counted in Skipped too, so they weigh in twice.
func (s Stats) CallsSaved() int {
	return s.Skipped*2 + s.ZeroCapacitySaved
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Total += o.Total
	s.Success += o.Success
	s.NoAddress += o.NoAddress
	s.WrongCity += o.WrongCity
	s.NoCourtInCity += o.NoCourtInCity
	s.Error += o.Error
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.ZeroCapacitySaved += o.ZeroCapacitySaved
}

func (s *Stats) count(kind store.OutcomeKind) {
	switch kind {
	case store.OutcomeAssigned:
		s.Success++
	case store.OutcomeNoAddress:
		s.NoAddress++
	case store.OutcomeGeocodeError:
		s.Error++
	case store.OutcomeWrongCity:
		s.WrongCity++
	case store.OutcomeNoCourtInCity:
		s.NoCourtInCity++
	}
}
