package rides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dispatch-service/internal/events"
	"dispatch-service/internal/observability"
	"dispatch-service/pkg/kafka"
)

// Service is the ride lifecycle controller. Every transition runs under the
// ride row lock; events are published only after the transition commits.
type Service struct {
	store    Store
	locks    DriverLocks
	locator  Locator
	presence Presence
	profiles ProfileSource
	pub      Publisher
	seq      *Sequencer
	cfg      Config
	log      *slog.Logger
}

// NewService wires the lifecycle controller.
func NewService(store Store, locks DriverLocks, locator Locator, presence Presence, profiles ProfileSource, pub Publisher, seq *Sequencer, cfg Config, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		locks:    locks,
		locator:  locator,
		presence: presence,
		profiles: profiles,
		pub:      pub,
		seq:      seq,
		cfg:      cfg,
		log:      log,
	}
}

// CreateForBooking turns a match request into a ride and starts the offer
// cycle. Exactly one ride exists per booking; a redelivered request resumes
// the existing ride instead of creating a second one.
func (s *Service) CreateForBooking(ctx context.Context, ev *events.BookingMatchRequested) error {
	// Cheap local lookup first so a redelivery never pays a locator call.
	if existing, err := s.store.GetRideByBooking(ctx, ev.BookingID); err == nil {
		return s.resumeExisting(ctx, ev.BookingID, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	cands, err := s.locator.Nearby(ctx, ev.Pickup.Lat, ev.Pickup.Lng, s.cfg.SearchRadiusKm, ev.VehicleType, s.cfg.CandidateLimit)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	r := &Ride{
		ID:              uuid.NewString(),
		BookingID:       ev.BookingID,
		UserID:          ev.UserID,
		Status:          StatusOffering,
		Candidates:      cands,
		PickupLat:       ev.Pickup.Lat,
		PickupLng:       ev.Pickup.Lng,
		PickupAddress:   ev.Pickup.Address,
		DropoffLat:      ev.Dropoff.Lat,
		DropoffLng:      ev.Dropoff.Lng,
		DropoffAddress:  ev.Dropoff.Address,
		Fare:            ev.Fare,
		Currency:        ev.Currency,
		DistanceMeters:  ev.DistanceMeters,
		DurationSeconds: ev.DurationSeconds,
		VehicleType:     ev.VehicleType,
		CreatedAt:       now,
	}
	if len(cands) == 0 {
		next := now.Add(s.cfg.RetryInterval)
		r.Status = StatusNoDriverFound
		r.NextRetryAt = &next
	}

	created, err := s.store.CreateRide(ctx, r)
	if err != nil {
		return err
	}
	if !created {
		// Lost a concurrent-create race; the winner's ride stands.
		existing, err := s.store.GetRideByBooking(ctx, ev.BookingID)
		if err != nil {
			return err
		}
		return s.resumeExisting(ctx, ev.BookingID, existing)
	}

	s.log.Info("ride created", "ride_id", r.ID, "booking_id", r.BookingID, "candidates", len(cands))
	if r.Status == StatusNoDriverFound {
		observability.NoDriverFound.Inc()
		return nil
	}
	return s.seq.OfferNext(ctx, r.ID)
}

// resumeExisting handles a match request for a booking that already has a
// ride; OfferNext no-ops unless an offer is actually due.
func (s *Service) resumeExisting(ctx context.Context, bookingID string, r *Ride) error {
	s.log.Info("booking already has a ride, resuming", "booking_id", bookingID, "ride_id", r.ID)
	if r.Status == StatusOffering {
		return s.seq.OfferNext(ctx, r.ID)
	}
	return nil
}

// Accept assigns the ride to the driver holding the current offer. The offer
// must still be outstanding and unexpired at commit time or ErrConflict is
// returned, so a late accept racing the timeout sweep loses cleanly.
func (s *Service) Accept(ctx context.Context, rideID, driverID string) (*Ride, error) {
	r, err := s.store.Update(ctx, rideID, func(m *Mutation) error {
		r := m.Ride
		if r.Status != StatusOffering || r.CurrentOfferDriverID == nil || *r.CurrentOfferDriverID != driverID {
			return ErrConflict
		}
		now := time.Now().UTC()
		if r.OfferExpiresAt == nil || !now.Before(*r.OfferExpiresAt) {
			return ErrConflict
		}
		m.CloseOffer(driverID, OfferAccepted, now)
		r.DriverID = &driverID
		r.CurrentOfferDriverID = nil
		r.OfferExpiresAt = nil
		m.SetStatus(StatusDriverAssigned, "driver_accepted")
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.OffersAccepted.Inc()
	s.log.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	s.releaseLock(ctx, rideID, driverID)
	s.setPresence(ctx, driverID, driverBusy)
	s.publish(ctx, kafka.TopicRideAccepted, r.BookingID, &events.RideAccepted{
		RideID:        r.ID,
		BookingID:     r.BookingID,
		UserID:        r.UserID,
		DriverID:      driverID,
		DriverProfile: s.profiles.Driver(ctx, driverID),
	})
	return r, nil
}

// Reject declines the current offer and moves on to the next candidate.
func (s *Service) Reject(ctx context.Context, rideID, driverID string) error {
	_, err := s.store.Update(ctx, rideID, func(m *Mutation) error {
		r := m.Ride
		if r.Status != StatusOffering || r.CurrentOfferDriverID == nil || *r.CurrentOfferDriverID != driverID {
			return ErrConflict
		}
		m.CloseOffer(driverID, OfferRejected, time.Now().UTC())
		r.CurrentOfferDriverID = nil
		r.OfferExpiresAt = nil
		r.CandidateIndex++
		return nil
	})
	if err != nil {
		return err
	}

	observability.OffersRejected.Inc()
	s.log.Info("ride rejected", "ride_id", rideID, "driver_id", driverID)
	s.releaseLock(ctx, rideID, driverID)
	return s.seq.OfferNext(ctx, rideID)
}

// Pickup marks the passenger on board. Idempotent for the assigned driver.
func (s *Service) Pickup(ctx context.Context, rideID, driverID string) (*Ride, error) {
	var already bool
	r, err := s.store.Update(ctx, rideID, func(m *Mutation) error {
		r := m.Ride
		if r.DriverID == nil || *r.DriverID != driverID {
			return ErrForbidden
		}
		if r.Status == StatusPickedUp {
			already = true
			return nil
		}
		if r.Status != StatusDriverAssigned {
			return ErrConflict
		}
		m.SetStatus(StatusPickedUp, "passenger_picked_up")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return r, nil
	}

	s.log.Info("passenger picked up", "ride_id", rideID, "driver_id", driverID)
	s.publish(ctx, kafka.TopicPassengerPickedUp, r.BookingID, &events.PassengerPickedUp{
		RideID:    r.ID,
		BookingID: r.BookingID,
		UserID:    r.UserID,
		DriverID:  driverID,
	})
	return r, nil
}

// Complete finishes the ride and returns the driver to the online pool.
// Idempotent for the assigned driver.
func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*Ride, error) {
	var already bool
	r, err := s.store.Update(ctx, rideID, func(m *Mutation) error {
		r := m.Ride
		if r.DriverID == nil || *r.DriverID != driverID {
			return ErrForbidden
		}
		if r.Status == StatusCompleted {
			already = true
			return nil
		}
		if r.Status != StatusPickedUp {
			return ErrConflict
		}
		m.SetStatus(StatusCompleted, "ride_completed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return r, nil
	}

	s.log.Info("ride completed", "ride_id", rideID, "driver_id", driverID)
	// The lock is normally long gone by now; releasing is harmless if so.
	s.releaseLock(ctx, rideID, driverID)
	s.setPresence(ctx, driverID, driverOnline)
	s.publish(ctx, kafka.TopicRideCompleted, r.BookingID, &events.RideCompleted{
		RideID:    r.ID,
		BookingID: r.BookingID,
		UserID:    r.UserID,
		DriverID:  driverID,
	})
	return r, nil
}

// UserCancel cancels an in-progress ride at the passenger's request.
// Idempotent for the owning user.
func (s *Service) UserCancel(ctx context.Context, rideID, userID, reason string) (*Ride, error) {
	var already bool
	r, err := s.store.Update(ctx, rideID, func(m *Mutation) error {
		r := m.Ride
		if r.UserID != userID {
			return ErrForbidden
		}
		if r.Status == StatusCancelled {
			already = true
			return nil
		}
		if r.Status != StatusDriverAssigned && r.Status != StatusPickedUp {
			return ErrConflict
		}
		m.SetStatus(StatusCancelled, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return r, nil
	}

	s.log.Info("ride cancelled by user", "ride_id", rideID, "user_id", userID, "reason", reason)
	ev := &events.RideCancelled{RideID: r.ID, BookingID: r.BookingID, UserID: r.UserID, Reason: reason}
	if r.DriverID != nil {
		ev.DriverID = *r.DriverID
		s.releaseLock(ctx, rideID, *r.DriverID)
		s.setPresence(ctx, *r.DriverID, driverOnline)
	}
	s.publish(ctx, kafka.TopicRideCancelled, r.BookingID, ev)
	return r, nil
}

// CancelForBooking aborts matching when the upstream booking is cancelled.
// Only rides still looking for a driver are affected; once a driver has
// accepted, cancellation goes through UserCancel instead.
func (s *Service) CancelForBooking(ctx context.Context, ev *events.BookingCancelled) error {
	existing, err := s.store.GetRideByBooking(ctx, ev.BookingID)
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("cancel for unknown booking", "booking_id", ev.BookingID)
		return nil
	}
	if err != nil {
		return err
	}

	var offeredDriver string
	r, err := s.store.Update(ctx, existing.ID, func(m *Mutation) error {
		r := m.Ride
		if r.Status != StatusOffering && r.Status != StatusNoDriverFound {
			return nil
		}
		if r.CurrentOfferDriverID != nil {
			// The outstanding offer row stays OFFERED; the ride-level
			// cancel is the authoritative close.
			offeredDriver = *r.CurrentOfferDriverID
		}
		r.CurrentOfferDriverID = nil
		r.OfferExpiresAt = nil
		r.NextRetryAt = nil
		m.SetStatus(StatusCancelled, "booking_cancelled")
		return nil
	})
	if err != nil {
		return err
	}
	if r.Status != StatusCancelled {
		s.log.Info("booking cancelled after ride settled, ignoring", "booking_id", ev.BookingID, "ride_id", r.ID, "status", r.Status)
		return nil
	}

	s.log.Info("ride cancelled for booking", "ride_id", r.ID, "booking_id", ev.BookingID)
	if offeredDriver != "" {
		s.releaseLock(ctx, r.ID, offeredDriver)
		s.publish(ctx, kafka.TopicRideOfferCancelled, r.BookingID, &events.RideOfferCancelled{
			RideID:    r.ID,
			BookingID: r.BookingID,
			DriverID:  offeredDriver,
			Reason:    "booking_cancelled",
		})
	}
	s.publish(ctx, kafka.TopicRideCancelled, r.BookingID, &events.RideCancelled{
		RideID:    r.ID,
		BookingID: r.BookingID,
		UserID:    r.UserID,
		Reason:    ev.Reason,
	})
	return nil
}

// GetByID loads a single ride.
func (s *Service) GetByID(ctx context.Context, rideID string) (*Ride, error) {
	return s.store.GetRide(ctx, rideID)
}

// CurrentForDriver returns the driver's active ride.
func (s *Service) CurrentForDriver(ctx context.Context, driverID string) (*Ride, error) {
	return s.store.CurrentForDriver(ctx, driverID)
}

// CurrentForUser returns the user's active ride.
func (s *Service) CurrentForUser(ctx context.Context, userID string) (*Ride, error) {
	return s.store.CurrentForUser(ctx, userID)
}

// Offers returns a ride's offer audit trail.
func (s *Service) Offers(ctx context.Context, rideID string) ([]RideOffer, error) {
	return s.store.Offers(ctx, rideID)
}

// History returns a ride's status history.
func (s *Service) History(ctx context.Context, rideID string) ([]StatusChange, error) {
	return s.store.History(ctx, rideID)
}

func (s *Service) releaseLock(ctx context.Context, rideID, driverID string) {
	if err := s.locks.ReleaseDriver(ctx, driverID); err != nil {
		s.log.Error("release driver lock", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

func (s *Service) setPresence(ctx context.Context, driverID, state string) {
	if err := s.presence.SetState(ctx, driverID, state); err != nil {
		// Best effort; presence converges via driver heartbeats.
		s.log.Warn("set driver presence", "driver_id", driverID, "state", state, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, topic, key string, payload any) {
	if err := s.pub.Publish(ctx, topic, key, payload); err != nil {
		observability.PublishErrors.WithLabelValues(topic).Inc()
		s.log.Error("publish event", "topic", topic, "key", key, "error", err)
	}
}
