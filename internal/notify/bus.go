// Package notify fans domain events out to subscribers without coupling the
// registry or the ledger to any transport. Delivery is best-effort and
// at-most-once: a full subscriber buffer drops the event, and the periodic
// reconciler re-publishes authoritative snapshots as the backstop.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

type EventType string

const (
	EventTripCreated       EventType = "trip_created"
	EventTripUpdated       EventType = "trip_updated"
	EventAmbulanceStatus   EventType = "ambulance_status_changed"
	EventAmbulanceLocation EventType = "ambulance_location_changed"
)

// Event carries the full current entity snapshot, not a diff, so subscribers
// can resynchronize after a missed delivery.
type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Trip      *models.Trip      `json:"trip,omitempty"`
	Ambulance *models.Ambulance `json:"ambulance,omitempty"`
}

// Topics returns every topic the event belongs to.
func (e Event) Topics() []Topic {
	var out []Topic
	if e.Trip != nil {
		out = append(out, TripTopic(e.Trip.ID))
		if e.Trip.ProviderID != "" {
			out = append(out, ProviderTripsTopic(e.Trip.ProviderID))
		}
	}
	if e.Ambulance != nil {
		out = append(out, AmbulanceTopic(e.Ambulance.ID))
	}
	return out
}

type Topic string

func TripTopic(id string) Topic          { return Topic("trip:" + id) }
func ProviderTripsTopic(id string) Topic { return Topic("trips:provider:" + id) }
func AmbulanceTopic(id string) Topic     { return Topic("ambulance:" + id) }

// Filter runs at publish time; a nil filter accepts everything.
type Filter func(Event) bool

// Publisher is the producer-side contract. Publish must never block.
type Publisher interface {
	Publish(Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// Subscription is one subscriber's handle. Close unsubscribes and releases
// the channel.
type Subscription struct {
	id     string
	topics map[Topic]struct{}
	filter Filter
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// C is the delivery channel. It is closed on Close or bus shutdown.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

func (s *Subscription) matches(e Event, topics []Topic) bool {
	hit := false
	for _, t := range topics {
		if _, ok := s.topics[t]; ok {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	return s.filter == nil || s.filter(e)
}

// Bus is the in-process NotificationBus implementation.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber for the given topics. The returned handle
// must be closed when the client goes away.
func (b *Bus) Subscribe(topics []Topic, f Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		topics: make(map[Topic]struct{}, len(topics)),
		filter: f,
		ch:     make(chan Event, 16),
		bus:    b,
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.mu.Lock()
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[sub.id] = sub
		observability.SubscriptionsActive.Inc()
	}
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
// Events for the same entity arrive in the order the mutations committed
// because producers publish while still holding the entity lock.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	topics := e.Topics()
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	observability.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	for _, sub := range b.subs {
		if !sub.matches(e, topics) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			observability.EventsDropped.WithLabelValues(string(e.Type)).Inc()
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	observability.SubscriptionsActive.Dec()
	if !b.closed {
		close(sub.ch)
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
		observability.SubscriptionsActive.Dec()
	}
	b.subs = map[string]*Subscription{}
}
