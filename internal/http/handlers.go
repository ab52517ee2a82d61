package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/ambulance-dispatch/internal/auth"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/domain"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/ledger"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/notify"
	"github.com/example/ambulance-dispatch/internal/registry"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// Deps carries everything the server needs wired in.
type Deps struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Matcher  *matcher.Service
	Bus      *notify.Bus
	WSReg    *dispatch.WSRegistry
	Kafka    *ingest.KafkaProducer // optional
	Auth     auth.Resolver
	Logger   *slog.Logger

	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Matcher  *matcher.Service
	Bus      *notify.Bus
	WSReg    *dispatch.WSRegistry
	Kafka    *ingest.KafkaProducer
	Auth     auth.Resolver

	logger  *slog.Logger
	limiter *ipRateLimiter
	mux     *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		Registry: d.Registry,
		Ledger:   d.Ledger,
		Matcher:  d.Matcher,
		Bus:      d.Bus,
		WSReg:    d.WSReg,
		Kafka:    d.Kafka,
		Auth:     d.Auth,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
	}
	if s.Auth == nil {
		s.Auth = auth.HeaderResolver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if d.RateLimitRPS > 0 {
		s.limiter = newIPRateLimiter(rate.Limit(d.RateLimitRPS), d.RateLimitBurst)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips", s.handleListTrips).Methods("GET")
	api.HandleFunc("/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/accept", s.handleAcceptTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/transition", s.handleTransitionTrip).Methods("POST")
	api.HandleFunc("/ambulances/match", s.handleMatch).Methods("GET")
	api.HandleFunc("/ambulances", s.handleRegisterAmbulance).Methods("POST")
	api.HandleFunc("/ambulances", s.handleListAmbulances).Methods("GET")
	api.HandleFunc("/ambulances/{ambulance_id}/status", s.handleSetStatus).Methods("POST")
	api.HandleFunc("/ambulances/{ambulance_id}/force-complete", s.handleForceComplete).Methods("POST")
	api.HandleFunc("/ambulances/{ambulance_id}/retire", s.handleRetire).Methods("POST")

	s.mux.HandleFunc("/internal/ambulances/locations", s.handleLocationIngest).Methods("POST")
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var in struct {
		RequestLocation     models.Point    `json:"request_location"`
		DestinationLocation *models.Point   `json:"destination_location"`
		PatientDetails      json.RawMessage `json:"patient_details"`
		EmergencyDetails    json.RawMessage `json:"emergency_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	trip, err := s.Ledger.Create(ledger.CreateRequest{
		RequesterID:         actor.ID,
		RequestLocation:     in.RequestLocation,
		DestinationLocation: in.DestinationLocation,
		PatientDetails:      in.PatientDetails,
		EmergencyDetails:    in.EmergencyDetails,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	f := storage.TripFilter{Status: models.TripStatus(r.URL.Query().Get("status"))}
	if f.Status != "" && !models.ValidTripStatus(f.Status) {
		writeError(w, &domain.ValidationError{Field: "status", Reason: "unknown status"})
		return
	}
	switch actor.Role {
	case auth.RoleRequester:
		f.RequesterID = actor.ID
	case auth.RoleProvider:
		f.ProviderID = actor.ProviderID
	}
	trips, err := s.Ledger.List(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	trip, err := s.Ledger.Get(mux.Vars(r)["trip_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !canSeeTrip(actor, trip) {
		writeError(w, &domain.UnauthorizedError{Reason: "trip outside actor scope"})
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleAcceptTrip(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var in struct {
		AmbulanceID string `json:"ambulance_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if in.AmbulanceID == "" {
		writeError(w, &domain.ValidationError{Field: "ambulance_id", Reason: "required"})
		return
	}
	amb, err := s.Registry.Get(in.AmbulanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !actor.CanActOnProvider(amb.ProviderID) {
		writeError(w, &domain.UnauthorizedError{Reason: "ambulance owned by another provider"})
		return
	}
	trip, err := s.Ledger.Accept(mux.Vars(r)["trip_id"], in.AmbulanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleTransitionTrip(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var in struct {
		Status      models.TripStatus `json:"status"`
		AmbulanceID string            `json:"ambulance_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	trip, err := s.Ledger.Get(mux.Vars(r)["trip_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if !canMutateTrip(actor, trip, in.Status) {
		writeError(w, &domain.UnauthorizedError{Reason: "trip outside actor scope"})
		return
	}
	out, err := s.Ledger.Transition(trip.ID, in.Status, in.AmbulanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	loc, err := parsePoint(r.URL.Query().Get("lat"), r.URL.Query().Get("lon"))
	if err != nil {
		writeError(w, err)
		return
	}
	var providers []string
	if actor.Role == auth.RoleProvider {
		providers = []string{actor.ProviderID}
	}
	cands, err := s.Matcher.Match(loc, providers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleRegisterAmbulance(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	var in struct {
		ProviderID string       `json:"provider_id"`
		Location   models.Point `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if in.ProviderID == "" {
		in.ProviderID = actor.ProviderID
	}
	if !actor.CanActOnProvider(in.ProviderID) {
		writeError(w, &domain.UnauthorizedError{Reason: "cannot register for another provider"})
		return
	}
	amb, err := s.Registry.Register(in.ProviderID, in.Location)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, amb)
}

func (s *Server) handleListAmbulances(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	providerID := r.URL.Query().Get("provider_id")
	if actor.Role == auth.RoleProvider {
		providerID = actor.ProviderID
	}
	ambs, err := s.Registry.List(providerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ambs)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	id := mux.Vars(r)["ambulance_id"]
	var in struct {
		Status models.AmbulanceStatus `json:"status"`
		Force  bool                   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if err := s.authorizeAmbulance(actor, id); err != nil {
		writeError(w, err)
		return
	}
	amb, err := s.Registry.SetStatus(id, in.Status, in.Force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amb)
}

func (s *Server) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	id := mux.Vars(r)["ambulance_id"]
	var in struct {
		TargetStatus models.AmbulanceStatus `json:"target_status"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
	}
	if err := s.authorizeAmbulance(actor, id); err != nil {
		writeError(w, err)
		return
	}
	amb, completed, err := s.Registry.ForceCompleteTrips(id, in.TargetStatus)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ambulance":          amb,
		"completed_trip_ids": completed,
	})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	id := mux.Vars(r)["ambulance_id"]
	if err := s.authorizeAmbulance(actor, id); err != nil {
		writeError(w, err)
		return
	}
	amb, err := s.Registry.Retire(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amb)
}

func (s *Server) handleLocationIngest(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if u.AmbulanceID == "" {
		writeError(w, &domain.ValidationError{Field: "ambulance_id", Reason: "required"})
		return
	}
	// publish to kafka if configured; the registry update below is the
	// authoritative path either way
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Warn("kafka publish failed", "error", err, "ambulance_id", u.AmbulanceID)
		}
	}
	if _, err := s.Registry.SetLocation(u.AmbulanceID, u.Location); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, err := s.Auth.Resolve(r)
	if err != nil {
		writeError(w, err)
		return
	}
	clientID := mux.Vars(r)["client_id"]
	raw := strings.Split(r.URL.Query().Get("topics"), ",")
	topics := make([]notify.Topic, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		topic := notify.Topic(t)
		if !s.topicAllowed(actor, topic) {
			writeError(w, &domain.UnauthorizedError{Reason: "topic outside actor scope"})
			return
		}
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		writeError(w, &domain.ValidationError{Field: "topics", Reason: "at least one topic required"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	sess := s.WSReg.Add(clientID, conn)
	sub := s.Bus.Subscribe(topics, nil)
	go func() {
		dispatch.Pump(sub, sess)
		s.WSReg.Remove(clientID, sess)
	}()
}

// topicAllowed scopes subscriptions: admins see everything, providers their
// own fleet and trips, requesters the trips they opened.
func (s *Server) topicAllowed(actor auth.Actor, topic notify.Topic) bool {
	if actor.Admin() {
		return true
	}
	t := string(topic)
	switch {
	case strings.HasPrefix(t, "trips:provider:"):
		return actor.Role == auth.RoleProvider && t == string(notify.ProviderTripsTopic(actor.ProviderID))
	case strings.HasPrefix(t, "trip:"):
		trip, err := s.Ledger.Get(strings.TrimPrefix(t, "trip:"))
		if err != nil {
			return false
		}
		return canSeeTrip(actor, trip)
	case strings.HasPrefix(t, "ambulance:"):
		amb, err := s.Registry.Get(strings.TrimPrefix(t, "ambulance:"))
		if err != nil {
			return false
		}
		return actor.CanActOnProvider(amb.ProviderID)
	}
	return false
}

func (s *Server) authorizeAmbulance(actor auth.Actor, ambulanceID string) error {
	amb, err := s.Registry.Get(ambulanceID)
	if err != nil {
		return err
	}
	if !actor.CanActOnProvider(amb.ProviderID) {
		return &domain.UnauthorizedError{Reason: "ambulance owned by another provider"}
	}
	return nil
}

func canSeeTrip(actor auth.Actor, trip *models.Trip) bool {
	switch actor.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleRequester:
		return trip.RequesterID == actor.ID
	case auth.RoleProvider:
		return trip.ProviderID == actor.ProviderID || trip.ProviderID == ""
	}
	return false
}

// canMutateTrip: providers drive the lifecycle; requesters may only cancel
// their own trip.
func canMutateTrip(actor auth.Actor, trip *models.Trip, to models.TripStatus) bool {
	if actor.Admin() {
		return true
	}
	if actor.Role == auth.RoleRequester {
		return to == models.TripCancelled && trip.RequesterID == actor.ID
	}
	if actor.Role == auth.RoleProvider {
		return trip.ProviderID == actor.ProviderID || trip.ProviderID == ""
	}
	return false
}

func parsePoint(latStr, lonStr string) (models.Point, error) {
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return models.Point{}, &domain.ValidationError{Field: "lat", Reason: "not a number"}
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return models.Point{}, &domain.ValidationError{Field: "lon", Reason: "not a number"}
	}
	p := models.Point{Lat: lat, Lon: lon}
	if !p.Valid() {
		return models.Point{}, &domain.ValidationError{Field: "location", Reason: "coordinates out of range"}
	}
	return p, nil
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
