package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ambulance-dispatch/internal/notify"
)

// WebhookDispatcher POSTs provider-scoped events to an external endpoint,
// best-effort. A failed delivery is logged and forgotten; the provider's
// polling fallback picks the change up.
type WebhookDispatcher struct {
	Endpoint string
	Key      string // optional bearer token
	Client   *http.Client
	Log      *slog.Logger
}

func NewWebhookDispatcher(endpoint, key string, log *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Log:      log,
	}
}

// Run drains provider topics from the bus until the context is cancelled.
func (w *WebhookDispatcher) Run(ctx context.Context, bus *notify.Bus, providerIDs []string) {
	topics := make([]notify.Topic, 0, len(providerIDs))
	for _, id := range providerIDs {
		topics = append(topics, notify.ProviderTripsTopic(id))
	}
	sub := bus.Subscribe(topics, nil)
	defer sub.Close()
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			w.deliver(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (w *WebhookDispatcher) deliver(ctx context.Context, evt notify.Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		w.Log.Warn("webhook delivery failed", "error", err)
		return
	}
	_ = resp.Body.Close()
}
