// Package registry owns ambulance identity, status and location. Status only
// ever changes through SetStatus or through trip binding, and every mutation
// for one ambulance is serialized on its per-id lock.
package registry

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/domain"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type Registry struct {
	store storage.Store
	geo   geo.Geo
	bus   notify.Publisher
	log   *slog.Logger

	// tripLocks is shared with the ledger. Lock order everywhere is
	// trip(s) first, then ambulance; see ForceCompleteTrips.
	ambLocks  *storage.KeyedMutex
	tripLocks *storage.KeyedMutex
}

func New(store storage.Store, g geo.Geo, bus notify.Publisher, ambLocks, tripLocks *storage.KeyedMutex, log *slog.Logger) *Registry {
	if bus == nil {
		bus = notify.NopPublisher{}
	}
	return &Registry{store: store, geo: g, bus: bus, log: log, ambLocks: ambLocks, tripLocks: tripLocks}
}

// Register creates a new ambulance for a provider, AVAILABLE by default.
func (r *Registry) Register(providerID string, loc models.Point) (*models.Ambulance, error) {
	if providerID == "" {
		return nil, &domain.ValidationError{Field: "provider_id", Reason: "required"}
	}
	if !loc.Valid() {
		return nil, &domain.ValidationError{Field: "location", Reason: "coordinates out of range"}
	}
	a := &models.Ambulance{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		Status:     models.StatusAvailable,
		Location:   loc,
		UpdatedAt:  time.Now(),
	}
	if err := r.store.PutAmbulance(a); err != nil {
		return nil, err
	}
	r.geo.Upsert(geo.Position{AmbulanceID: a.ID, Loc: loc, Updated: a.UpdatedAt})
	r.publishStatus(a)
	return a, nil
}

func (r *Registry) Get(id string) (*models.Ambulance, error) {
	a, err := r.store.GetAmbulance(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &domain.NotFoundError{Kind: "ambulance", ID: id}
	}
	return a, nil
}

func (r *Registry) List(providerID string) ([]models.Ambulance, error) {
	return r.store.ListAmbulances(providerID)
}

// SetLocation updates the last-known position. It always succeeds for an
// existing ambulance and emits a location-changed event.
func (r *Registry) SetLocation(id string, loc models.Point) (*models.Ambulance, error) {
	if !loc.Valid() {
		return nil, &domain.ValidationError{Field: "location", Reason: "coordinates out of range"}
	}
	unlock := r.ambLocks.Lock(id)
	defer unlock()
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	a.Location = loc
	a.UpdatedAt = time.Now()
	if err := r.store.PutAmbulance(a); err != nil {
		return nil, err
	}
	r.geo.Upsert(geo.Position{AmbulanceID: a.ID, Loc: loc, Updated: a.UpdatedAt})
	r.bus.Publish(notify.Event{Type: notify.EventAmbulanceLocation, Ambulance: a})
	return a, nil
}

// SetStatus applies the status conflict policy. A non-BUSY target while a
// trip is still bound fails with a ConflictError unless force is set; force
// overrides the visible status without touching the bound trip, which stays
// active and must still be resolved (see ForceCompleteTrips).
func (r *Registry) SetStatus(id string, status models.AmbulanceStatus, force bool) (*models.Ambulance, error) {
	if !models.ValidAmbulanceStatus(status) {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown status"}
	}
	unlock := r.ambLocks.Lock(id)
	defer unlock()
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if status != models.StatusBusy && !force {
		actives, err := r.store.ActiveTripsForAmbulance(id)
		if err != nil {
			return nil, err
		}
		if len(actives) > 0 {
			observability.ConflictsTotal.Inc()
			return nil, &domain.ConflictError{
				Reason:        "active trip bound",
				AmbulanceID:   id,
				CurrentStatus: string(a.Status),
				ActiveTripID:  actives[0].ID,
			}
		}
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	if err := r.store.PutAmbulance(a); err != nil {
		return nil, err
	}
	if force {
		r.log.Warn("forced status override, bound trip left unresolved",
			"ambulance_id", id, "status", string(status), "active_trip_id", a.ActiveTripID)
	}
	r.publishStatus(a)
	return a, nil
}

// Retire soft-retires the ambulance: it stays referenced by historical trips
// but is excluded from matching and new bindings.
func (r *Registry) Retire(id string) (*models.Ambulance, error) {
	unlock := r.ambLocks.Lock(id)
	defer unlock()
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	// same conflict source as SetStatus: the trip records are authoritative,
	// not the ActiveTripID field, which a force override may have cleared
	actives, err := r.store.ActiveTripsForAmbulance(id)
	if err != nil {
		return nil, err
	}
	if len(actives) > 0 {
		observability.ConflictsTotal.Inc()
		return nil, &domain.ConflictError{
			Reason:        "active trip bound",
			AmbulanceID:   id,
			CurrentStatus: string(a.Status),
			ActiveTripID:  actives[0].ID,
		}
	}
	a.Retired = true
	a.Status = models.StatusOffline
	a.UpdatedAt = time.Now()
	if err := r.store.PutAmbulance(a); err != nil {
		return nil, err
	}
	r.geo.Remove(id)
	r.publishStatus(a)
	return a, nil
}

// BindTrip commits the ambulance and the prepared trip in one atomic batch.
// Only the ledger calls this. First accept wins: a second bind for a
// different trip observes a ConflictError and nothing is written.
func (r *Registry) BindTrip(ambulanceID string, trip *models.Trip) (*models.Ambulance, error) {
	unlock := r.ambLocks.Lock(ambulanceID)
	defer unlock()
	a, err := r.Get(ambulanceID)
	if err != nil {
		return nil, err
	}
	if a.Retired {
		observability.ConflictsTotal.Inc()
		return nil, &domain.ConflictError{Reason: "ambulance retired", AmbulanceID: ambulanceID, CurrentStatus: string(a.Status)}
	}
	if a.ActiveTripID != "" && a.ActiveTripID != trip.ID {
		observability.ConflictsTotal.Inc()
		return nil, &domain.ConflictError{
			Reason:        "ambulance already committed to another trip",
			AmbulanceID:   ambulanceID,
			CurrentStatus: string(a.Status),
			ActiveTripID:  a.ActiveTripID,
		}
	}
	a.ActiveTripID = trip.ID
	a.Status = models.StatusBusy
	a.UpdatedAt = time.Now()
	if err := r.store.Apply([]*models.Ambulance{a}, []*models.Trip{trip}); err != nil {
		return nil, err
	}
	r.publishStatus(a)
	return a, nil
}

// ReleaseTrip commits a terminal trip and, when the ambulance still points at
// it, clears the binding and restores AVAILABLE in the same batch.
func (r *Registry) ReleaseTrip(ambulanceID string, trip *models.Trip) (*models.Ambulance, error) {
	if ambulanceID == "" {
		// trip was never bound; commit the trip alone
		return nil, r.store.Apply(nil, []*models.Trip{trip})
	}
	unlock := r.ambLocks.Lock(ambulanceID)
	defer unlock()
	a, err := r.store.GetAmbulance(ambulanceID)
	if err != nil {
		return nil, err
	}
	if a == nil || a.ActiveTripID != trip.ID {
		// orphaned binding (force override happened meanwhile); trip still
		// commits
		return a, r.store.Apply(nil, []*models.Trip{trip})
	}
	a.ActiveTripID = ""
	a.Status = models.StatusAvailable
	a.UpdatedAt = time.Now()
	if err := r.store.Apply([]*models.Ambulance{a}, []*models.Trip{trip}); err != nil {
		return nil, err
	}
	r.publishStatus(a)
	return a, nil
}

// ForceCompleteTrips is the remediation path for an ambulance stuck BUSY with
// stale or orphaned trips. Every non-terminal trip bound to the ambulance is
// completed with a force reason, the binding is cleared and the status set to
// target, all in one committed batch. Readers never observe a partial result.
func (r *Registry) ForceCompleteTrips(id string, target models.AmbulanceStatus) (*models.Ambulance, []string, error) {
	if target == "" {
		target = models.StatusAvailable
	}
	if !models.ValidAmbulanceStatus(target) {
		return nil, nil, &domain.ValidationError{Field: "target_status", Reason: "unknown status"}
	}
	// Lock ordering is trips before ambulance, matching the accept path.
	// The active set is re-read under the locks; if it changed we retry.
	for attempt := 0; attempt < 5; attempt++ {
		actives, err := r.store.ActiveTripsForAmbulance(id)
		if err != nil {
			return nil, nil, err
		}
		ids := tripIDs(actives)
		unlockTrips := r.tripLocks.LockAll(ids)
		unlockAmb := r.ambLocks.Lock(id)

		cur, err := r.store.ActiveTripsForAmbulance(id)
		if err != nil {
			unlockAmb()
			unlockTrips()
			return nil, nil, err
		}
		if !sameIDs(ids, tripIDs(cur)) {
			unlockAmb()
			unlockTrips()
			continue
		}

		a, err := r.store.GetAmbulance(id)
		if err != nil || a == nil {
			unlockAmb()
			unlockTrips()
			if err != nil {
				return nil, nil, err
			}
			return nil, nil, &domain.NotFoundError{Kind: "ambulance", ID: id}
		}

		now := time.Now()
		updated := make([]*models.Trip, 0, len(cur))
		for i := range cur {
			t := cur[i]
			t.Status = models.TripCompleted
			t.CompletionTime = &now
			t.CompletionReason = models.CompletionForced
			updated = append(updated, &t)
		}
		a.ActiveTripID = ""
		a.Status = target
		a.UpdatedAt = now

		err = r.store.Apply([]*models.Ambulance{a}, updated)
		if err == nil {
			observability.ForceCompletionsTotal.Inc()
			for _, t := range updated {
				r.bus.Publish(notify.Event{Type: notify.EventTripUpdated, Trip: t})
			}
			r.publishStatus(a)
		}
		unlockAmb()
		unlockTrips()
		if err != nil {
			return nil, nil, err
		}
		r.log.Info("force-completed trips", "ambulance_id", id, "trips", len(updated), "target_status", string(target))
		return a, ids, nil
	}
	observability.ConflictsTotal.Inc()
	return nil, nil, &domain.ConflictError{Reason: "force-complete kept racing with new bindings", AmbulanceID: id}
}

func (r *Registry) publishStatus(a *models.Ambulance) {
	r.bus.Publish(notify.Event{Type: notify.EventAmbulanceStatus, Ambulance: a})
}

func tripIDs(trips []models.Trip) []string {
	ids := make([]string, 0, len(trips))
	for _, t := range trips {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
