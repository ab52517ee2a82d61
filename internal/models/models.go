package models

import (
	"encoding/json"
	"math"
	"time"
)

// Point is a geographic coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point carries usable coordinates.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

type AmbulanceStatus string

const (
	StatusAvailable AmbulanceStatus = "AVAILABLE"
	StatusBusy      AmbulanceStatus = "BUSY"
	StatusOffline   AmbulanceStatus = "OFFLINE"
)

// ValidAmbulanceStatus reports whether s is a known status value.
func ValidAmbulanceStatus(s AmbulanceStatus) bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Ambulance is the authoritative record for a single vehicle. Status and
// ActiveTripID move together: BUSY means the vehicle owns the referenced
// non-terminal trip, except during an operator force override.
type Ambulance struct {
	ID           string          `json:"id"`
	ProviderID   string          `json:"provider_id"`
	Status       AmbulanceStatus `json:"status"`
	Location     Point           `json:"location"`
	ActiveTripID string          `json:"active_trip_id,omitempty"`
	Retired      bool            `json:"retired,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type TripStatus string

const (
	TripRequested  TripStatus = "REQUESTED"
	TripAccepted   TripStatus = "ACCEPTED"
	TripArrived    TripStatus = "ARRIVED"
	TripPickedUp   TripStatus = "PICKED_UP"
	TripAtHospital TripStatus = "AT_HOSPITAL"
	TripCompleted  TripStatus = "COMPLETED"
	TripCancelled  TripStatus = "CANCELLED"
)

// tripOrder is the linear happy path. CANCELLED sits outside the ordering and
// is reachable from any non-terminal status.
var tripOrder = []TripStatus{
	TripRequested, TripAccepted, TripArrived, TripPickedUp, TripAtHospital, TripCompleted,
}

// ValidTripStatus reports whether s is a known status value.
func ValidTripStatus(s TripStatus) bool {
	if s == TripCancelled {
		return true
	}
	for _, o := range tripOrder {
		if o == s {
			return true
		}
	}
	return false
}

// Terminal reports whether a trip in this status is immutable.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// Next returns the successor on the happy path, or "" from a terminal status.
func (s TripStatus) Next() TripStatus {
	for i, o := range tripOrder {
		if o == s && i+1 < len(tripOrder) {
			return tripOrder[i+1]
		}
	}
	return ""
}

// Completion reasons recorded on terminal trips.
const (
	CompletionNormal = "normal"
	CompletionForced = "force"
)

// Trip is a single emergency request moving through its lifecycle. Patient and
// emergency details are opaque payloads carried for the clients.
type Trip struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	AmbulanceID string     `json:"ambulance_id,omitempty"`
	ProviderID  string     `json:"provider_id,omitempty"`
	Status      TripStatus `json:"status"`

	RequestLocation     Point  `json:"request_location"`
	DestinationLocation *Point `json:"destination_location,omitempty"`

	PatientDetails   json.RawMessage `json:"patient_details,omitempty"`
	EmergencyDetails json.RawMessage `json:"emergency_details,omitempty"`

	RequestTime         time.Time  `json:"request_time"`
	AcceptTime          *time.Time `json:"accept_time,omitempty"`
	ArrivalTime         *time.Time `json:"arrival_time,omitempty"`
	PickupTime          *time.Time `json:"pickup_time,omitempty"`
	HospitalArrivalTime *time.Time `json:"hospital_arrival_time,omitempty"`
	CompletionTime      *time.Time `json:"completion_time,omitempty"`
	CancelTime          *time.Time `json:"cancel_time,omitempty"`

	CompletionReason string `json:"completion_reason,omitempty"`
}

// Candidate is one ranked entry in a match response.
type Candidate struct {
	AmbulanceID string  `json:"ambulance_id"`
	ETAMinutes  int     `json:"eta_minutes"`
	DistanceM   float64 `json:"distance_m"`
}

// LocationUpdate is the wire shape of an ambulance position report, both on
// the ingest endpoint and on the Kafka topic.
type LocationUpdate struct {
	AmbulanceID string    `json:"ambulance_id"`
	ProviderID  string    `json:"provider_id,omitempty"`
	Location    Point     `json:"location"`
	ReportedAt  time.Time `json:"reported_at,omitempty"`
}
