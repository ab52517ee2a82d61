package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
)

type webhookDelivery struct {
	auth string
	evt  notify.Event
}

func TestWebhookDelivery(t *testing.T) {
	got := make(chan webhookDelivery, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt notify.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		got <- webhookDelivery{auth: r.Header.Get("Authorization"), evt: evt}
	}))
	defer srv.Close()

	bus := notify.NewBus()
	defer bus.Close()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	wh := NewWebhookDispatcher(srv.URL, "s3cret", log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		wh.Run(ctx, bus, []string{"p1"})
		close(runDone)
	}()

	// retry until the dispatcher's subscription is live
	var d webhookDelivery
	require.Eventually(t, func() bool {
		bus.Publish(notify.Event{Type: notify.EventTripUpdated, Trip: &models.Trip{ID: "t1", ProviderID: "p1"}})
		select {
		case d = <-got:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, "Bearer s3cret", d.auth)
	require.Equal(t, "t1", d.evt.Trip.ID)
	require.Equal(t, notify.EventTripUpdated, d.evt.Type)

	// an event for a provider outside the configured set is never delivered
	drain(got)
	bus.Publish(notify.Event{Type: notify.EventTripUpdated, Trip: &models.Trip{ID: "t2", ProviderID: "p2"}})
	select {
	case d = <-got:
		t.Fatalf("unexpected delivery for provider %s", d.evt.Trip.ProviderID)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}

func TestWebhookFailureDoesNotStopDispatcher(t *testing.T) {
	// endpoint that is already gone
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	bus := notify.NewBus()
	defer bus.Close()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	wh := NewWebhookDispatcher(srv.URL, "", log)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		wh.Run(ctx, bus, []string{"p1"})
		close(runDone)
	}()

	for i := 0; i < 5; i++ {
		bus.Publish(notify.Event{Type: notify.EventTripUpdated, Trip: &models.Trip{ID: "t1", ProviderID: "p1"}})
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("dispatcher wedged after delivery failures")
	}
}

// drain empties ch, waiting out deliveries still in flight from the retry
// loop above.
func drain(ch chan webhookDelivery) {
	for {
		select {
		case <-ch:
		case <-time.After(150 * time.Millisecond):
			return
		}
	}
}
