package storage

import (
	"database/sql"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

// PostgresStore persists ambulances and trips in Postgres. Apply runs inside
// a single transaction so batches commit atomically.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate runs a schema script. The shipped migrations are idempotent
// (CREATE TABLE IF NOT EXISTS) so this is safe to run on every boot.
func (p *PostgresStore) Migrate(schema string) error {
	_, err := p.db.Exec(schema)
	return err
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

const ambulanceUpsert = `INSERT INTO ambulances(id, provider_id, status, lat, lon, active_trip_id, retired, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  status=EXCLUDED.status, lat=EXCLUDED.lat, lon=EXCLUDED.lon,
  active_trip_id=EXCLUDED.active_trip_id, retired=EXCLUDED.retired, updated_at=EXCLUDED.updated_at`

const tripUpsert = `INSERT INTO trips(id, requester_id, ambulance_id, provider_id, status,
  req_lat, req_lon, dest_lat, dest_lon, patient_details, emergency_details,
  request_time, accept_time, arrival_time, pickup_time, hospital_arrival_time,
  completion_time, cancel_time, completion_reason)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (id) DO UPDATE SET
  ambulance_id=EXCLUDED.ambulance_id, provider_id=EXCLUDED.provider_id,
  status=EXCLUDED.status, accept_time=EXCLUDED.accept_time,
  arrival_time=EXCLUDED.arrival_time, pickup_time=EXCLUDED.pickup_time,
  hospital_arrival_time=EXCLUDED.hospital_arrival_time,
  completion_time=EXCLUDED.completion_time, cancel_time=EXCLUDED.cancel_time,
  completion_reason=EXCLUDED.completion_reason`

func (p *PostgresStore) PutAmbulance(a *models.Ambulance) error {
	_, err := p.db.Exec(ambulanceUpsert,
		a.ID, a.ProviderID, string(a.Status), a.Location.Lat, a.Location.Lon,
		nullStr(a.ActiveTripID), a.Retired, a.UpdatedAt)
	return err
}

func (p *PostgresStore) GetAmbulance(id string) (*models.Ambulance, error) {
	row := p.db.QueryRow(`SELECT id, provider_id, status, lat, lon, active_trip_id, retired, updated_at FROM ambulances WHERE id=$1`, id)
	return scanAmbulance(row)
}

func (p *PostgresStore) ListAmbulances(providerID string) ([]models.Ambulance, error) {
	q := `SELECT id, provider_id, status, lat, lon, active_trip_id, retired, updated_at FROM ambulances`
	args := []interface{}{}
	if providerID != "" {
		q += ` WHERE provider_id=$1`
		args = append(args, providerID)
	}
	q += ` ORDER BY id`
	rows, err := p.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ambulance
	for rows.Next() {
		a, err := scanAmbulance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutTrip(t *models.Trip) error {
	_, err := p.db.Exec(tripUpsert, tripArgs(t)...)
	return err
}

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	row := p.db.QueryRow(tripSelect+` WHERE id=$1`, id)
	return scanTrip(row)
}

const tripSelect = `SELECT id, requester_id, ambulance_id, provider_id, status,
  req_lat, req_lon, dest_lat, dest_lon, patient_details, emergency_details,
  request_time, accept_time, arrival_time, pickup_time, hospital_arrival_time,
  completion_time, cancel_time, completion_reason FROM trips`

func (p *PostgresStore) ListTrips(f TripFilter) ([]models.Trip, error) {
	q := tripSelect
	var args []interface{}
	var where []string
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status=$"+strconv.Itoa(len(args)))
	}
	if f.ProviderID != "" {
		args = append(args, f.ProviderID)
		where = append(where, "provider_id=$"+strconv.Itoa(len(args)))
	}
	if f.RequesterID != "" {
		args = append(args, f.RequesterID)
		where = append(where, "requester_id=$"+strconv.Itoa(len(args)))
	}
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	q += " ORDER BY request_time"
	rows, err := p.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrips(rows)
}

func (p *PostgresStore) ActiveTripsForAmbulance(ambulanceID string) ([]models.Trip, error) {
	rows, err := p.db.Query(tripSelect+` WHERE ambulance_id=$1 AND status NOT IN ('COMPLETED','CANCELLED') ORDER BY id`, ambulanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrips(rows)
}

func (p *PostgresStore) Apply(ambulances []*models.Ambulance, trips []*models.Trip) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	for _, a := range ambulances {
		if _, err := tx.Exec(ambulanceUpsert,
			a.ID, a.ProviderID, string(a.Status), a.Location.Lat, a.Location.Lon,
			nullStr(a.ActiveTripID), a.Retired, a.UpdatedAt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, t := range trips {
		if _, err := tx.Exec(tripUpsert, tripArgs(t)...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAmbulance(r rowScanner) (*models.Ambulance, error) {
	var a models.Ambulance
	var status string
	var activeTrip sql.NullString
	err := r.Scan(&a.ID, &a.ProviderID, &status, &a.Location.Lat, &a.Location.Lon, &activeTrip, &a.Retired, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Status = models.AmbulanceStatus(status)
	a.ActiveTripID = activeTrip.String
	return &a, nil
}

func scanTrip(r rowScanner) (*models.Trip, error) {
	var t models.Trip
	var status, reason string
	var ambID, provID sql.NullString
	var destLat, destLon sql.NullFloat64
	var patient, emergency []byte
	var accept, arrival, pickup, hospital, completion, cancel sql.NullTime
	err := r.Scan(&t.ID, &t.RequesterID, &ambID, &provID, &status,
		&t.RequestLocation.Lat, &t.RequestLocation.Lon, &destLat, &destLon,
		&patient, &emergency, &t.RequestTime,
		&accept, &arrival, &pickup, &hospital, &completion, &cancel, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.AmbulanceID = ambID.String
	t.ProviderID = provID.String
	t.Status = models.TripStatus(status)
	t.CompletionReason = reason
	if destLat.Valid && destLon.Valid {
		t.DestinationLocation = &models.Point{Lat: destLat.Float64, Lon: destLon.Float64}
	}
	t.PatientDetails = patient
	t.EmergencyDetails = emergency
	t.AcceptTime = timePtr(accept)
	t.ArrivalTime = timePtr(arrival)
	t.PickupTime = timePtr(pickup)
	t.HospitalArrivalTime = timePtr(hospital)
	t.CompletionTime = timePtr(completion)
	t.CancelTime = timePtr(cancel)
	return &t, nil
}

func collectTrips(rows *sql.Rows) ([]models.Trip, error) {
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func tripArgs(t *models.Trip) []interface{} {
	var destLat, destLon interface{}
	if t.DestinationLocation != nil {
		destLat, destLon = t.DestinationLocation.Lat, t.DestinationLocation.Lon
	}
	return []interface{}{
		t.ID, t.RequesterID, nullStr(t.AmbulanceID), nullStr(t.ProviderID), string(t.Status),
		t.RequestLocation.Lat, t.RequestLocation.Lon, destLat, destLon,
		rawOrNil(t.PatientDetails), rawOrNil(t.EmergencyDetails),
		t.RequestTime, t.AcceptTime, t.ArrivalTime, t.PickupTime,
		t.HospitalArrivalTime, t.CompletionTime, t.CancelTime, t.CompletionReason,
	}
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
