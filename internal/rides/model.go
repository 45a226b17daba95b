package rides

import (
	"errors"
	"time"

	"dispatch-service/internal/events"
)

// Ride lifecycle states.
const (
	StatusOffering       = "OFFERING"
	StatusNoDriverFound  = "NO_DRIVER_FOUND"
	StatusDriverAssigned = "DRIVER_ASSIGNED"
	StatusPickedUp       = "PICKED_UP"
	StatusCompleted      = "COMPLETED"
	StatusCancelled      = "CANCELLED"
)

// Offer outcomes. OFFERED is the only non-terminal state; a row moves to
// exactly one of the others and is never reopened.
const (
	OfferOffered  = "OFFERED"
	OfferAccepted = "ACCEPTED"
	OfferRejected = "REJECTED"
	OfferTimedOut = "TIMEOUT"
)

// Sentinel errors returned by the store and lifecycle operations.
var (
	ErrNotFound  = errors.New("ride not found")
	ErrConflict  = errors.New("ride state conflict")
	ErrForbidden = errors.New("caller is not a participant of this ride")
)

// Candidate is one eligible driver for a ride, nearest-first as returned by
// the location service. The list is snapshotted per offering cycle.
type Candidate struct {
	DriverID       string  `json:"driver_id"`
	DistanceMeters float64 `json:"distance_m"`
}

// Ride is the aggregate root of dispatch. An offer exists only while
// OFFERING; DriverID is set from DRIVER_ASSIGNED onward. Exactly one ride
// exists per booking.
type Ride struct {
	ID        string `json:"id"`
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`

	Candidates           []Candidate `json:"candidates,omitempty"`
	CandidateIndex       int         `json:"candidate_index"`
	CurrentOfferDriverID *string     `json:"current_offer_driver_id,omitempty"`
	OfferExpiresAt       *time.Time  `json:"offer_expires_at,omitempty"`
	DriverID             *string     `json:"driver_id,omitempty"`

	PickupLat      float64 `json:"pickup_lat"`
	PickupLng      float64 `json:"pickup_lng"`
	PickupAddress  string  `json:"pickup_address,omitempty"`
	DropoffLat     float64 `json:"dropoff_lat"`
	DropoffLng     float64 `json:"dropoff_lng"`
	DropoffAddress string  `json:"dropoff_address,omitempty"`

	Fare            float64 `json:"fare"`
	Currency        string  `json:"currency"`
	DistanceMeters  int64   `json:"distance_m"`
	DurationSeconds int64   `json:"duration_s"`
	VehicleType     string  `json:"vehicle_type"`

	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pickup returns the pickup point as an event payload place.
func (r *Ride) Pickup() events.Place {
	return events.Place{Lat: r.PickupLat, Lng: r.PickupLng, Address: r.PickupAddress}
}

// Dropoff returns the dropoff point as an event payload place.
func (r *Ride) Dropoff() events.Place {
	return events.Place{Lat: r.DropoffLat, Lng: r.DropoffLng, Address: r.DropoffAddress}
}

// RideOffer is one offer attempt, append-only audit history.
type RideOffer struct {
	ID          string     `json:"id"`
	RideID      string     `json:"ride_id"`
	DriverID    string     `json:"driver_id"`
	Status      string     `json:"status"`
	OfferedAt   time.Time  `json:"offered_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// StatusChange is one entry of a ride's status history.
type StatusChange struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
