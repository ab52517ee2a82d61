package notify

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func TestReconcilerSweep(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutTrip(&models.Trip{ID: "t1", Status: models.TripAccepted}))
	require.NoError(t, store.PutTrip(&models.Trip{ID: "t2", Status: models.TripCompleted}))
	require.NoError(t, store.PutAmbulance(&models.Ambulance{ID: "a1", Status: models.StatusAvailable}))

	pub := &recordingPublisher{}
	r := &Reconciler{
		Bus:   pub,
		Store: store,
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	r.sweep()

	var tripIDs, ambIDs []string
	for _, e := range pub.events {
		switch e.Type {
		case EventTripUpdated:
			tripIDs = append(tripIDs, e.Trip.ID)
		case EventAmbulanceStatus:
			ambIDs = append(ambIDs, e.Ambulance.ID)
		}
	}
	require.Equal(t, []string{"t1"}, tripIDs, "terminal trips are not re-published")
	require.Equal(t, []string{"a1"}, ambIDs)
}
