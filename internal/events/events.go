package events

// Place is a coordinate with an optional resolved address.
type Place struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Profile is a best-effort user or driver snapshot carried on events so
// downstream consumers don't need a profile lookup of their own.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// BookingMatchRequested is consumed from booking.match_requested.
// EventID deduplicates at-least-once delivery.
type BookingMatchRequested struct {
	EventID         string  `json:"event_id"`
	BookingID       string  `json:"booking_id"`
	UserID          string  `json:"user_id"`
	Pickup          Place   `json:"pickup"`
	Dropoff         Place   `json:"dropoff"`
	VehicleType     string  `json:"vehicle_type"`
	Fare            float64 `json:"fare"`
	Currency        string  `json:"currency"`
	DistanceMeters  int64   `json:"distance_m"`
	DurationSeconds int64   `json:"duration_s"`
}

// BookingCancelled is consumed from booking.cancelled.
type BookingCancelled struct {
	EventID   string `json:"event_id"`
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

// RideOffered is published to ride.offered when a driver is offered a ride.
type RideOffered struct {
	RideID          string  `json:"ride_id"`
	BookingID       string  `json:"booking_id"`
	DriverID        string  `json:"driver_id"`
	ExpiresInSec    int64   `json:"expires_in_sec"`
	Pickup          Place   `json:"pickup"`
	Dropoff         Place   `json:"dropoff"`
	Fare            float64 `json:"fare"`
	Currency        string  `json:"currency"`
	DistanceMeters  int64   `json:"distance_m"`
	DurationSeconds int64   `json:"duration_s"`
	UserProfile     Profile `json:"user_profile"`
}

// RideAccepted is published to ride.accepted.
type RideAccepted struct {
	RideID        string  `json:"ride_id"`
	BookingID     string  `json:"booking_id"`
	UserID        string  `json:"user_id"`
	DriverID      string  `json:"driver_id"`
	DriverProfile Profile `json:"driver_profile"`
}

// PassengerPickedUp is published to ride.pickedup.
type PassengerPickedUp struct {
	RideID    string `json:"ride_id"`
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
	DriverID  string `json:"driver_id"`
}

// RideCompleted is published to ride.completed.
type RideCompleted struct {
	RideID    string `json:"ride_id"`
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
	DriverID  string `json:"driver_id"`
}

// RideCancelled is published to ride.cancelled.
type RideCancelled struct {
	RideID    string `json:"ride_id"`
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
	DriverID  string `json:"driver_id,omitempty"`
	Reason    string `json:"reason"`
}

// RideOfferCancelled is published to ride.offer_cancelled so the affected
// driver's client can clear a pending offer.
type RideOfferCancelled struct {
	RideID    string `json:"ride_id"`
	BookingID string `json:"booking_id"`
	DriverID  string `json:"driver_id"`
	Reason    string `json:"reason"`
}
