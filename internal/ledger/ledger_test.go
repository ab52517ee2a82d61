package ledger

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/domain"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/registry"
	"github.com/example/ambulance-dispatch/internal/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *registry.Registry, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tripLocks := storage.NewKeyedMutex()
	reg := registry.New(store, geo.NewIndex(), nil, storage.NewKeyedMutex(), tripLocks, log)
	led := New(store, reg, nil, tripLocks, log)
	return led, reg, store
}

func mustCreate(t *testing.T, l *Ledger) *models.Trip {
	t.Helper()
	trip, err := l.Create(CreateRequest{
		RequesterID:     "r1",
		RequestLocation: models.Point{Lat: 12.9, Lon: 77.6},
	})
	require.NoError(t, err)
	return trip
}

func TestCreateValidation(t *testing.T) {
	l, _, _ := newTestLedger(t)

	var vErr *domain.ValidationError
	_, err := l.Create(CreateRequest{RequestLocation: models.Point{Lat: 1, Lon: 1}})
	require.ErrorAs(t, err, &vErr)

	_, err = l.Create(CreateRequest{RequesterID: "r1", RequestLocation: models.Point{Lat: 100, Lon: 0}})
	require.ErrorAs(t, err, &vErr)
}

func TestCreateOpensRequested(t *testing.T) {
	l, _, _ := newTestLedger(t)
	trip := mustCreate(t, l)
	require.Equal(t, models.TripRequested, trip.Status)
	require.False(t, trip.RequestTime.IsZero())
	require.Nil(t, trip.AcceptTime)
}

func TestHappyPathLifecycle(t *testing.T) {
	l, reg, _ := newTestLedger(t)
	amb, err := reg.Register("p1", models.Point{Lat: 12.9, Lon: 77.6})
	require.NoError(t, err)
	trip := mustCreate(t, l)

	trip, err = l.Accept(trip.ID, amb.ID)
	require.NoError(t, err)
	require.Equal(t, models.TripAccepted, trip.Status)
	require.Equal(t, amb.ID, trip.AmbulanceID)
	require.Equal(t, "p1", trip.ProviderID)
	require.NotNil(t, trip.AcceptTime)

	cur, err := reg.Get(amb.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusBusy, cur.Status)
	require.Equal(t, trip.ID, cur.ActiveTripID)

	trip, err = l.Transition(trip.ID, models.TripArrived, "")
	require.NoError(t, err)
	require.NotNil(t, trip.ArrivalTime)

	trip, err = l.Transition(trip.ID, models.TripPickedUp, "")
	require.NoError(t, err)
	require.NotNil(t, trip.PickupTime)

	trip, err = l.Transition(trip.ID, models.TripAtHospital, "")
	require.NoError(t, err)
	require.NotNil(t, trip.HospitalArrivalTime)

	trip, err = l.Transition(trip.ID, models.TripCompleted, "")
	require.NoError(t, err)
	require.NotNil(t, trip.CompletionTime)
	require.Equal(t, models.CompletionNormal, trip.CompletionReason)

	cur, err = reg.Get(amb.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAvailable, cur.Status)
	require.Empty(t, cur.ActiveTripID)
}

func TestTransitionSkipRejected(t *testing.T) {
	l, _, _ := newTestLedger(t)
	trip := mustCreate(t, l)

	_, err := l.Transition(trip.ID, models.TripPickedUp, "")
	var inv *domain.InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	require.Equal(t, string(models.TripRequested), inv.From)
}

func TestTransitionTerminalImmutable(t *testing.T) {
	l, _, _ := newTestLedger(t)
	trip := mustCreate(t, l)
	_, err := l.Transition(trip.ID, models.TripCancelled, "")
	require.NoError(t, err)

	_, err = l.Transition(trip.ID, models.TripCompleted, "")
	var inv *domain.InvalidTransitionError
	require.ErrorAs(t, err, &inv)
}

func TestTransitionIdempotentRetry(t *testing.T) {
	l, reg, _ := newTestLedger(t)
	amb, err := reg.Register("p1", models.Point{Lat: 1, Lon: 1})
	require.NoError(t, err)
	trip := mustCreate(t, l)

	first, err := l.Accept(trip.ID, amb.ID)
	require.NoError(t, err)
	firstAccept := *first.AcceptTime

	// same transition again: no-op success, timestamp untouched
	second, err := l.Accept(trip.ID, amb.ID)
	require.NoError(t, err)
	require.Equal(t, firstAccept, *second.AcceptTime)

	arrived, err := l.Transition(trip.ID, models.TripArrived, "")
	require.NoError(t, err)
	firstArrival := *arrived.ArrivalTime
	again, err := l.Transition(trip.ID, models.TripArrived, "")
	require.NoError(t, err)
	require.Equal(t, firstArrival, *again.ArrivalTime)
}

func TestAcceptConflictLeavesTripRequested(t *testing.T) {
	l, reg, store := newTestLedger(t)
	amb, err := reg.Register("p1", models.Point{Lat: 1, Lon: 1})
	require.NoError(t, err)

	tripA := mustCreate(t, l)
	tripB := mustCreate(t, l)

	_, err = l.Accept(tripA.ID, amb.ID)
	require.NoError(t, err)

	_, err = l.Accept(tripB.ID, amb.ID)
	var conf *domain.ConflictError
	require.ErrorAs(t, err, &conf)
	require.Equal(t, tripA.ID, conf.ActiveTripID)

	// the losing trip record was not modified
	cur, err := store.GetTrip(tripB.ID)
	require.NoError(t, err)
	require.Equal(t, models.TripRequested, cur.Status)
	require.Empty(t, cur.AmbulanceID)
	require.Nil(t, cur.AcceptTime)
}

func TestAcceptSameTripTwoAmbulances(t *testing.T) {
	l, reg, _ := newTestLedger(t)
	amb1, err := reg.Register("p1", models.Point{Lat: 1, Lon: 1})
	require.NoError(t, err)
	amb2, err := reg.Register("p1", models.Point{Lat: 1, Lon: 1})
	require.NoError(t, err)
	trip := mustCreate(t, l)

	_, err = l.Accept(trip.ID, amb1.ID)
	require.NoError(t, err)

	_, err = l.Accept(trip.ID, amb2.ID)
	var conf *domain.ConflictError
	require.ErrorAs(t, err, &conf)
	require.Equal(t, amb1.ID, conf.AmbulanceID)

	// the second ambulance never got bound
	cur, err := reg.Get(amb2.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAvailable, cur.Status)
	require.Empty(t, cur.ActiveTripID)
}

func TestConcurrentAcceptsSameTripExactlyOneWins(t *testing.T) {
	l, reg, _ := newTestLedger(t)
	trip := mustCreate(t, l)

	const n = 6
	ambs := make([]*models.Ambulance, n)
	for i := range ambs {
		a, err := reg.Register("p1", models.Point{Lat: 1, Lon: 1})
		require.NoError(t, err)
		ambs[i] = a
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Accept(trip.ID, ambs[i].ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			var conf *domain.ConflictError
			require.ErrorAs(t, err, &conf)
		}
	}
	require.Equal(t, 1, wins)
}

func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	l, reg, _ := newTestLedger(t)
	amb, err := reg.Register("p1", models.Point{Lat: 1, Lon: 1})
	require.NoError(t, err)

	const n = 6
	trips := make([]*models.Trip, n)
	for i := range trips {
		trips[i] = mustCreate(t, l)
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Accept(trips[i].ID, amb.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestCancelFromMidLifecycleReleasesAmbulance(t *testing.T) {
	l, reg, _ := newTestLedger(t)
	amb, err := reg.Register("p1", models.Point{Lat: 1, Lon: 1})
	require.NoError(t, err)
	trip := mustCreate(t, l)

	_, err = l.Accept(trip.ID, amb.ID)
	require.NoError(t, err)
	_, err = l.Transition(trip.ID, models.TripArrived, "")
	require.NoError(t, err)

	cancelled, err := l.Transition(trip.ID, models.TripCancelled, "")
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelTime)

	cur, err := reg.Get(amb.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAvailable, cur.Status)
	require.Empty(t, cur.ActiveTripID)
}

func TestCancelUnassignedTrip(t *testing.T) {
	l, _, _ := newTestLedger(t)
	trip := mustCreate(t, l)

	cancelled, err := l.Transition(trip.ID, models.TripCancelled, "")
	require.NoError(t, err)
	require.Equal(t, models.TripCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelTime)
}

func TestTransitionUnknownTrip(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.Transition("missing", models.TripAccepted, "a1")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}
