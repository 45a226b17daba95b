package rides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the durable record of rides and offers. Update runs its callback
// while holding the ride row under an exclusive lock, so concurrent
// lifecycle calls, timeout sweeps and sequencer passes on the same ride are
// strictly serialized.
type Store interface {
	// CreateRide inserts a ride unless one already exists for its booking.
	// Returns false when the booking already has a ride.
	CreateRide(ctx context.Context, r *Ride) (bool, error)
	GetRide(ctx context.Context, id string) (*Ride, error)
	GetRideByBooking(ctx context.Context, bookingID string) (*Ride, error)
	// CurrentForDriver returns the ride the driver is currently serving.
	CurrentForDriver(ctx context.Context, driverID string) (*Ride, error)
	// CurrentForUser returns the user's ride that has not yet terminated.
	CurrentForUser(ctx context.Context, userID string) (*Ride, error)
	// Update loads the ride under SELECT ... FOR UPDATE, applies fn to a
	// Mutation and commits every staged write atomically. An error from fn
	// rolls everything back and is returned unchanged.
	Update(ctx context.Context, rideID string, fn func(m *Mutation) error) (*Ride, error)
	// StalledOfferRides lists OFFERING rides needing a sweep pass: the
	// offer deadline passed, or no offer is outstanding at all (a crash
	// between a transition commit and its follow-up offer pass).
	StalledOfferRides(ctx context.Context, now time.Time, limit int) ([]string, error)
	// RetryDueRides lists NO_DRIVER_FOUND rides due for a locator retry.
	RetryDueRides(ctx context.Context, now time.Time, limit int) ([]string, error)
	Offers(ctx context.Context, rideID string) ([]RideOffer, error)
	History(ctx context.Context, rideID string) ([]StatusChange, error)
}

// Mutation stages writes performed atomically with a locked ride update.
// Field changes on Ride are persisted on commit; offer rows and history
// entries are added through the helper methods.
type Mutation struct {
	Ride *Ride

	newOffer   *RideOffer
	offerClose *offerClose
	history    []StatusChange
}

type offerClose struct {
	driverID    string
	status      string
	respondedAt time.Time
}

// InsertOffer stages a new OFFERED row.
func (m *Mutation) InsertOffer(o *RideOffer) { m.newOffer = o }

// CloseOffer stages a terminal transition for the ride's offer to driverID.
// Only a row still in OFFERED is updated, which guards against racing
// terminal paths closing the same offer twice.
func (m *Mutation) CloseOffer(driverID, status string, respondedAt time.Time) {
	m.offerClose = &offerClose{driverID: driverID, status: status, respondedAt: respondedAt}
}

// SetStatus transitions the ride and records the change in its history.
func (m *Mutation) SetStatus(status, reason string) {
	m.Ride.Status = status
	m.history = append(m.history, StatusChange{Status: status, Reason: reason, CreatedAt: time.Now().UTC()})
}

// PGStore implements Store on PostgreSQL via pgx.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a ride store backed by the given pool.
func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{db: db} }

const rideColumns = `id, booking_id, user_id, status, candidates, candidate_index,
	current_offer_driver_id, offer_expires_at, driver_id,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	fare, currency, distance_meters, duration_seconds, vehicle_type,
	retry_count, next_retry_at, created_at, updated_at`

func (s *PGStore) CreateRide(ctx context.Context, r *Ride) (bool, error) {
	cands, err := json.Marshal(r.Candidates)
	if err != nil {
		return false, fmt.Errorf("marshal candidates: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO rides (id, booking_id, user_id, status, candidates, candidate_index,
			current_offer_driver_id, offer_expires_at, driver_id,
			pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
			fare, currency, distance_meters, duration_seconds, vehicle_type,
			retry_count, next_retry_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$23)
		ON CONFLICT (booking_id) DO NOTHING`,
		r.ID, r.BookingID, r.UserID, r.Status, cands, r.CandidateIndex,
		r.CurrentOfferDriverID, r.OfferExpiresAt, r.DriverID,
		r.PickupLat, r.PickupLng, r.PickupAddress, r.DropoffLat, r.DropoffLng, r.DropoffAddress,
		r.Fare, r.Currency, r.DistanceMeters, r.DurationSeconds, r.VehicleType,
		r.RetryCount, r.NextRetryAt, r.CreatedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ride_status_history (ride_id, status, reason) VALUES ($1,$2,$3)`,
		r.ID, r.Status, "match_requested")
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PGStore) GetRide(ctx context.Context, id string) (*Ride, error) {
	return scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (s *PGStore) GetRideByBooking(ctx context.Context, bookingID string) (*Ride, error) {
	return scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE booking_id=$1`, bookingID))
}

func (s *PGStore) CurrentForDriver(ctx context.Context, driverID string) (*Ride, error) {
	return scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE driver_id=$1 AND status IN ($2,$3)
		ORDER BY created_at DESC LIMIT 1`,
		driverID, StatusDriverAssigned, StatusPickedUp))
}

func (s *PGStore) CurrentForUser(ctx context.Context, userID string) (*Ride, error) {
	return scanRide(s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE user_id=$1 AND status IN ($2,$3,$4,$5)
		ORDER BY created_at DESC LIMIT 1`,
		userID, StatusOffering, StatusNoDriverFound, StatusDriverAssigned, StatusPickedUp))
}

func (s *PGStore) Update(ctx context.Context, rideID string, fn func(m *Mutation) error) (*Ride, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	r, err := scanRide(tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, rideID))
	if err != nil {
		return nil, err
	}

	m := &Mutation{Ride: r}
	if err := fn(m); err != nil {
		return nil, err
	}

	cands, err := json.Marshal(r.Candidates)
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}
	r.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `UPDATE rides SET
			status=$2, candidates=$3, candidate_index=$4,
			current_offer_driver_id=$5, offer_expires_at=$6, driver_id=$7,
			retry_count=$8, next_retry_at=$9, updated_at=$10
		WHERE id=$1`,
		r.ID, r.Status, cands, r.CandidateIndex,
		r.CurrentOfferDriverID, r.OfferExpiresAt, r.DriverID,
		r.RetryCount, r.NextRetryAt, r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if o := m.newOffer; o != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO ride_offers (id, ride_id, driver_id, status, offered_at) VALUES ($1,$2,$3,$4,$5)`,
			o.ID, o.RideID, o.DriverID, o.Status, o.OfferedAt)
		if err != nil {
			return nil, err
		}
	}
	if c := m.offerClose; c != nil {
		_, err = tx.Exec(ctx,
			`UPDATE ride_offers SET status=$3, responded_at=$4
			 WHERE ride_id=$1 AND driver_id=$2 AND status=$5`,
			r.ID, c.driverID, c.status, c.respondedAt, OfferOffered)
		if err != nil {
			return nil, err
		}
	}
	for _, h := range m.history {
		_, err = tx.Exec(ctx,
			`INSERT INTO ride_status_history (ride_id, status, reason, created_at) VALUES ($1,$2,$3,$4)`,
			r.ID, h.Status, h.Reason, h.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PGStore) StalledOfferRides(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM rides
		WHERE status=$1 AND (offer_expires_at IS NULL OR offer_expires_at <= $2)
		ORDER BY offer_expires_at LIMIT $3`,
		StatusOffering, now, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (s *PGStore) RetryDueRides(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM rides
		WHERE status=$1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at LIMIT $3`,
		StatusNoDriverFound, now, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (s *PGStore) Offers(ctx context.Context, rideID string) ([]RideOffer, error) {
	rows, err := s.db.Query(ctx, `SELECT id, ride_id, driver_id, status, offered_at, responded_at
		FROM ride_offers WHERE ride_id=$1 ORDER BY offered_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RideOffer
	for rows.Next() {
		var o RideOffer
		if err := rows.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Status, &o.OfferedAt, &o.RespondedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) History(ctx context.Context, rideID string) ([]StatusChange, error) {
	rows, err := s.db.Query(ctx, `SELECT status, reason, created_at
		FROM ride_status_history WHERE ride_id=$1 ORDER BY created_at, id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusChange
	for rows.Next() {
		var h StatusChange
		if err := rows.Scan(&h.Status, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var cands []byte
	err := row.Scan(&r.ID, &r.BookingID, &r.UserID, &r.Status, &cands, &r.CandidateIndex,
		&r.CurrentOfferDriverID, &r.OfferExpiresAt, &r.DriverID,
		&r.PickupLat, &r.PickupLng, &r.PickupAddress, &r.DropoffLat, &r.DropoffLng, &r.DropoffAddress,
		&r.Fare, &r.Currency, &r.DistanceMeters, &r.DurationSeconds, &r.VehicleType,
		&r.RetryCount, &r.NextRetryAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(cands) > 0 {
		if err := json.Unmarshal(cands, &r.Candidates); err != nil {
			return nil, fmt.Errorf("unmarshal candidates: %w", err)
		}
	}
	return &r, nil
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
