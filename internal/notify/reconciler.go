package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ambulance-dispatch/internal/storage"
)

// Reconciler periodically re-publishes authoritative snapshots of every
// non-terminal trip and every ambulance. Push delivery may silently fail, so
// this pull loop is what actually guarantees subscribers converge.
type Reconciler struct {
	Bus      Publisher
	Store    storage.Store
	Interval time.Duration
	Log      *slog.Logger
}

func (r *Reconciler) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) sweep() {
	now := time.Now()
	trips, err := r.Store.ListTrips(storage.TripFilter{})
	if err != nil {
		r.Log.Warn("reconcile trip list failed", "error", err)
	} else {
		for i := range trips {
			if trips[i].Status.Terminal() {
				continue
			}
			t := trips[i]
			r.Bus.Publish(Event{Type: EventTripUpdated, At: now, Trip: &t})
		}
	}
	ambs, err := r.Store.ListAmbulances("")
	if err != nil {
		r.Log.Warn("reconcile ambulance list failed", "error", err)
		return
	}
	for i := range ambs {
		a := ambs[i]
		r.Bus.Publish(Event{Type: EventAmbulanceStatus, At: now, Ambulance: &a})
	}
}
