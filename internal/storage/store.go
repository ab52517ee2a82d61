package storage

import (
	"github.com/example/ambulance-dispatch/internal/models"
)

// TripFilter narrows ListTrips. Zero values mean "any".
type TripFilter struct {
	Status      models.TripStatus
	ProviderID  string
	RequesterID string
}

// Store is the persistence contract shared by the registry and the ledger.
// Apply commits every record in one atomic step so cross-entity mutations
// (accept, terminal transitions, force-complete) are never observable
// half-written.
type Store interface {
	PutAmbulance(a *models.Ambulance) error
	GetAmbulance(id string) (*models.Ambulance, error)
	ListAmbulances(providerID string) ([]models.Ambulance, error)

	PutTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)
	ListTrips(f TripFilter) ([]models.Trip, error)
	// ActiveTripsForAmbulance returns every non-terminal trip bound to the
	// ambulance, ordered by id.
	ActiveTripsForAmbulance(ambulanceID string) ([]models.Trip, error)

	Apply(ambulances []*models.Ambulance, trips []*models.Trip) error
}
