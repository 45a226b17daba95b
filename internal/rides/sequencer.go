package rides

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dispatch-service/internal/events"
	"dispatch-service/internal/observability"
	"dispatch-service/pkg/kafka"
)

// Sequencer extends offers to candidates one at a time. It is safe to call
// OfferNext concurrently for the same ride from any instance: the ride row
// lock serializes passes and a pass that finds an offer already outstanding
// is a no-op.
type Sequencer struct {
	store    Store
	locks    DriverLocks
	pub      Publisher
	profiles ProfileSource
	cfg      Config
	log      *slog.Logger
}

// NewSequencer wires an offer sequencer.
func NewSequencer(store Store, locks DriverLocks, pub Publisher, profiles ProfileSource, cfg Config, log *slog.Logger) *Sequencer {
	return &Sequencer{store: store, locks: locks, pub: pub, profiles: profiles, cfg: cfg, log: log}
}

// OfferNext offers the ride to the next lockable candidate, or parks the
// ride in NO_DRIVER_FOUND when every remaining candidate is locked
// elsewhere. Stale triggers (ride no longer OFFERING, or an offer already
// outstanding) return nil without touching anything.
func (s *Sequencer) OfferNext(ctx context.Context, rideID string) error {
	var (
		offered      *events.RideOffered
		lockedDriver string
		exhausted    bool
		bookingID    string
		userID       string
	)

	_, err := s.store.Update(ctx, rideID, func(m *Mutation) error {
		r := m.Ride
		if r.Status != StatusOffering || r.CurrentOfferDriverID != nil {
			return nil
		}
		bookingID, userID = r.BookingID, r.UserID

		for i := r.CandidateIndex; i < len(r.Candidates); i++ {
			cand := r.Candidates[i]
			ok, err := s.locks.TryAcquireDriver(ctx, cand.DriverID, s.cfg.LockTTL)
			if err != nil {
				return fmt.Errorf("acquire driver lock: %w", err)
			}
			if !ok {
				// Locked by another ride; skip without persisting the
				// cursor so the candidate stays eligible next pass.
				continue
			}

			now := time.Now().UTC()
			expires := now.Add(s.cfg.OfferTimeout)
			driverID := cand.DriverID

			// The cursor points at the outstanding offer, not past it,
			// so a crashed instance resumes at this same candidate.
			r.CandidateIndex = i
			r.CurrentOfferDriverID = &driverID
			r.OfferExpiresAt = &expires
			m.InsertOffer(&RideOffer{
				ID:        uuid.NewString(),
				RideID:    r.ID,
				DriverID:  driverID,
				Status:    OfferOffered,
				OfferedAt: now,
			})

			lockedDriver = driverID
			offered = &events.RideOffered{
				RideID:          r.ID,
				BookingID:       r.BookingID,
				DriverID:        driverID,
				ExpiresInSec:    int64(s.cfg.OfferTimeout.Seconds()),
				Pickup:          r.Pickup(),
				Dropoff:         r.Dropoff(),
				Fare:            r.Fare,
				Currency:        r.Currency,
				DistanceMeters:  r.DistanceMeters,
				DurationSeconds: r.DurationSeconds,
			}
			return nil
		}

		next := time.Now().UTC().Add(s.cfg.RetryInterval)
		r.CurrentOfferDriverID = nil
		r.OfferExpiresAt = nil
		r.RetryCount = 0
		r.NextRetryAt = &next
		m.SetStatus(StatusNoDriverFound, "candidates_exhausted")
		exhausted = true
		return nil
	})
	if err != nil {
		// A driver locked inside a transaction that failed to commit must
		// not stay stranded until the TTL.
		if lockedDriver != "" {
			if relErr := s.locks.ReleaseDriver(ctx, lockedDriver); relErr != nil {
				s.log.Error("release driver lock after failed offer", "ride_id", rideID, "driver_id", lockedDriver, "error", relErr)
			}
		}
		return err
	}

	switch {
	case offered != nil:
		observability.OffersCreated.Inc()
		offered.UserProfile = s.profiles.User(ctx, userID)
		if err := s.pub.Publish(ctx, kafka.TopicRideOffered, bookingID, offered); err != nil {
			// State is committed; the broker is at-least-once and the
			// timeout monitor re-offers if the driver never hears of it.
			observability.PublishErrors.WithLabelValues(kafka.TopicRideOffered).Inc()
			s.log.Error("publish ride offered", "ride_id", rideID, "driver_id", offered.DriverID, "error", err)
		}
		s.log.Info("ride offered", "ride_id", rideID, "driver_id", offered.DriverID, "expires_in_sec", offered.ExpiresInSec)
	case exhausted:
		observability.NoDriverFound.Inc()
		s.log.Info("no lockable candidates, ride parked", "ride_id", rideID)
	}
	return nil
}
