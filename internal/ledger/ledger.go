// Package ledger owns trip records and their lifecycle. Transitions follow
// the linear happy path REQUESTED -> ACCEPTED -> ARRIVED -> PICKED_UP ->
// AT_HOSPITAL -> COMPLETED, with CANCELLED as the side exit from any
// non-terminal status. A trip becomes immutable once terminal.
package ledger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/domain"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// Binder is the slice of the ambulance registry the ledger needs. Bind and
// release commit the prepared trip together with the ambulance mutation so
// neither side is ever observable alone.
type Binder interface {
	BindTrip(ambulanceID string, trip *models.Trip) (*models.Ambulance, error)
	ReleaseTrip(ambulanceID string, trip *models.Trip) (*models.Ambulance, error)
	Get(ambulanceID string) (*models.Ambulance, error)
}

type Ledger struct {
	store storage.Store
	reg   Binder
	bus   notify.Publisher
	locks *storage.KeyedMutex
	log   *slog.Logger
}

func New(store storage.Store, reg Binder, bus notify.Publisher, tripLocks *storage.KeyedMutex, log *slog.Logger) *Ledger {
	if bus == nil {
		bus = notify.NopPublisher{}
	}
	return &Ledger{store: store, reg: reg, bus: bus, locks: tripLocks, log: log}
}

// CreateRequest is the input for a new trip.
type CreateRequest struct {
	RequesterID         string
	RequestLocation     models.Point
	DestinationLocation *models.Point
	PatientDetails      []byte
	EmergencyDetails    []byte
}

// Create opens a trip in REQUESTED with requestTime set to now.
func (l *Ledger) Create(req CreateRequest) (*models.Trip, error) {
	if req.RequesterID == "" {
		return nil, &domain.ValidationError{Field: "requester_id", Reason: "required"}
	}
	if !req.RequestLocation.Valid() {
		return nil, &domain.ValidationError{Field: "request_location", Reason: "coordinates out of range"}
	}
	if req.DestinationLocation != nil && !req.DestinationLocation.Valid() {
		return nil, &domain.ValidationError{Field: "destination_location", Reason: "coordinates out of range"}
	}
	t := &models.Trip{
		ID:                  uuid.NewString(),
		RequesterID:         req.RequesterID,
		Status:              models.TripRequested,
		RequestLocation:     req.RequestLocation,
		DestinationLocation: req.DestinationLocation,
		PatientDetails:      req.PatientDetails,
		EmergencyDetails:    req.EmergencyDetails,
		RequestTime:         time.Now(),
	}
	if err := l.store.PutTrip(t); err != nil {
		return nil, err
	}
	observability.TripTransitionsTotal.WithLabelValues(string(models.TripRequested)).Inc()
	l.bus.Publish(notify.Event{Type: notify.EventTripCreated, Trip: t})
	return t, nil
}

func (l *Ledger) Get(id string) (*models.Trip, error) {
	t, err := l.store.GetTrip(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &domain.NotFoundError{Kind: "trip", ID: id}
	}
	return t, nil
}

func (l *Ledger) List(f storage.TripFilter) ([]models.Trip, error) {
	return l.store.ListTrips(f)
}

// Accept moves a REQUESTED trip to ACCEPTED bound to the given ambulance.
// Exactly one of two racing accepts succeeds; the loser gets the binding
// ConflictError and may retry with a different ambulance.
func (l *Ledger) Accept(tripID, ambulanceID string) (*models.Trip, error) {
	if ambulanceID == "" {
		return nil, &domain.ValidationError{Field: "ambulance_id", Reason: "required"}
	}
	return l.Transition(tripID, models.TripAccepted, ambulanceID)
}

// Transition validates and applies one step of the state machine.
// Re-issuing the transition a trip is already in is a no-op success so
// clients can retry safely; timestamps are set exactly once.
func (l *Ledger) Transition(tripID string, to models.TripStatus, ambulanceID string) (*models.Trip, error) {
	if !models.ValidTripStatus(to) {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown status"}
	}
	unlock := l.locks.Lock(tripID)
	defer unlock()

	t, err := l.Get(tripID)
	if err != nil {
		return nil, err
	}
	if t.Status == to {
		// idempotent retry; nothing rewritten. An accept naming a different
		// ambulance is not a retry, it lost the race.
		if to == models.TripAccepted && ambulanceID != "" && ambulanceID != t.AmbulanceID {
			observability.ConflictsTotal.Inc()
			return nil, &domain.ConflictError{
				Reason:        "trip already accepted by another ambulance",
				AmbulanceID:   t.AmbulanceID,
				CurrentStatus: string(t.Status),
				ActiveTripID:  t.ID,
			}
		}
		return t, nil
	}
	if t.Status.Terminal() {
		return nil, &domain.InvalidTransitionError{TripID: tripID, From: string(t.Status), To: string(to)}
	}
	if to != models.TripCancelled && t.Status.Next() != to {
		return nil, &domain.InvalidTransitionError{TripID: tripID, From: string(t.Status), To: string(to)}
	}

	now := time.Now()
	switch to {
	case models.TripAccepted:
		if ambulanceID == "" {
			return nil, &domain.ValidationError{Field: "ambulance_id", Reason: "required for ACCEPTED"}
		}
		amb, err := l.reg.Get(ambulanceID)
		if err != nil {
			return nil, err
		}
		t.Status = models.TripAccepted
		t.AmbulanceID = ambulanceID
		t.ProviderID = amb.ProviderID
		t.AcceptTime = &now
		// the registry commits trip + ambulance atomically; on conflict the
		// trip record is untouched
		if _, err := l.reg.BindTrip(ambulanceID, t); err != nil {
			return nil, err
		}
	case models.TripArrived:
		t.Status = to
		t.ArrivalTime = &now
		if err := l.store.PutTrip(t); err != nil {
			return nil, err
		}
	case models.TripPickedUp:
		t.Status = to
		t.PickupTime = &now
		if err := l.store.PutTrip(t); err != nil {
			return nil, err
		}
	case models.TripAtHospital:
		t.Status = to
		t.HospitalArrivalTime = &now
		if err := l.store.PutTrip(t); err != nil {
			return nil, err
		}
	case models.TripCompleted:
		t.Status = to
		t.CompletionTime = &now
		t.CompletionReason = models.CompletionNormal
		if _, err := l.reg.ReleaseTrip(t.AmbulanceID, t); err != nil {
			return nil, err
		}
	case models.TripCancelled:
		t.Status = to
		t.CancelTime = &now
		if _, err := l.reg.ReleaseTrip(t.AmbulanceID, t); err != nil {
			return nil, err
		}
	}

	observability.TripTransitionsTotal.WithLabelValues(string(to)).Inc()
	l.bus.Publish(notify.Event{Type: notify.EventTripUpdated, Trip: t})
	l.log.Info("trip transition", "trip_id", t.ID, "to", string(to), "ambulance_id", t.AmbulanceID)
	return t, nil
}
