package rides

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dispatch-service/internal/observability"
)

// TimeoutMonitor sweeps persisted offer deadlines on a short interval and
// re-offers rides whose driver never responded. Deadlines live in the
// database rather than in-process timers so they survive restarts and are
// shared by every instance.
type TimeoutMonitor struct {
	store    Store
	locks    DriverLocks
	seq      *Sequencer
	interval time.Duration
	batch    int
	log      *slog.Logger
}

// NewTimeoutMonitor wires a timeout monitor ticking at interval.
func NewTimeoutMonitor(store Store, locks DriverLocks, seq *Sequencer, interval time.Duration, batch int, log *slog.Logger) *TimeoutMonitor {
	return &TimeoutMonitor{store: store, locks: locks, seq: seq, interval: interval, batch: batch, log: log}
}

// Run blocks until ctx is cancelled, sweeping once per tick.
func (m *TimeoutMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *TimeoutMonitor) sweep(ctx context.Context) {
	ids, err := m.store.StalledOfferRides(ctx, time.Now().UTC(), m.batch)
	if err != nil {
		m.log.Error("list stalled offers", "error", err)
		return
	}
	for _, id := range ids {
		// One ride failing must not stall the rest of the sweep.
		if err := m.expire(ctx, id); err != nil {
			m.log.Error("expire offer", "ride_id", id, "error", err)
		}
	}
}

// expire closes a timed-out offer, frees the driver and hands the ride back
// to the sequencer. An OFFERING ride with no offer at all is picked up too:
// that is the state left behind by a crash between a reject/timeout commit
// and its follow-up offer pass. A ride that was accepted, rejected or
// cancelled between the sweep query and the row lock is left alone.
func (m *TimeoutMonitor) expire(ctx context.Context, rideID string) error {
	var (
		driverID string
		resume   bool
	)
	_, err := m.store.Update(ctx, rideID, func(mu *Mutation) error {
		r := mu.Ride
		if r.Status != StatusOffering {
			return nil
		}
		if r.CurrentOfferDriverID == nil {
			resume = true
			return nil
		}
		if r.OfferExpiresAt == nil || time.Now().Before(*r.OfferExpiresAt) {
			return nil
		}
		driverID = *r.CurrentOfferDriverID
		mu.CloseOffer(driverID, OfferTimedOut, time.Now().UTC())
		r.CurrentOfferDriverID = nil
		r.OfferExpiresAt = nil
		r.CandidateIndex++
		resume = true
		return nil
	})
	if err != nil || !resume {
		return err
	}

	if driverID != "" {
		observability.OffersTimedOut.Inc()
		m.log.Info("offer timed out", "ride_id", rideID, "driver_id", driverID)
		if err := m.locks.ReleaseDriver(ctx, driverID); err != nil {
			m.log.Error("release driver lock after timeout", "ride_id", rideID, "driver_id", driverID, "error", err)
		}
	}
	return m.seq.OfferNext(ctx, rideID)
}

// RetryMonitor periodically re-queries the locator for rides that found no
// drivers, resuming the offer cycle when drivers appear and giving up after
// a bounded number of attempts.
type RetryMonitor struct {
	store    Store
	locator  Locator
	seq      *Sequencer
	cfg      Config
	interval time.Duration
	log      *slog.Logger
}

// NewRetryMonitor wires a no-driver retry monitor ticking at interval.
func NewRetryMonitor(store Store, locator Locator, seq *Sequencer, cfg Config, interval time.Duration, log *slog.Logger) *RetryMonitor {
	return &RetryMonitor{store: store, locator: locator, seq: seq, cfg: cfg, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, sweeping once per tick.
func (m *RetryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *RetryMonitor) sweep(ctx context.Context) {
	ids, err := m.store.RetryDueRides(ctx, time.Now().UTC(), m.cfg.SweepBatchSize)
	if err != nil {
		m.log.Error("list retry-due rides", "error", err)
		return
	}
	for _, id := range ids {
		if err := m.retry(ctx, id); err != nil {
			// Locator unavailability lands here; the ride keeps its
			// schedule and is retried next tick.
			m.log.Error("retry ride", "ride_id", id, "error", err)
		}
	}
}

func (m *RetryMonitor) retry(ctx context.Context, rideID string) error {
	var resume bool
	_, err := m.store.Update(ctx, rideID, func(mu *Mutation) error {
		r := mu.Ride
		if r.Status != StatusNoDriverFound || r.NextRetryAt == nil || time.Now().Before(*r.NextRetryAt) {
			return nil
		}

		cands, err := m.locator.Nearby(ctx, r.PickupLat, r.PickupLng, m.cfg.SearchRadiusKm, r.VehicleType, m.cfg.CandidateLimit)
		if err != nil {
			return fmt.Errorf("locator: %w", err)
		}

		if len(cands) > 0 {
			r.Candidates = cands
			r.CandidateIndex = 0
			r.RetryCount = 0
			r.NextRetryAt = nil
			mu.SetStatus(StatusOffering, "drivers_available")
			resume = true
			return nil
		}

		r.RetryCount++
		if r.RetryCount >= m.cfg.MaxRetries {
			// Out of attempts: the ride stays NO_DRIVER_FOUND until
			// cancelled or manually retried.
			r.NextRetryAt = nil
			m.log.Warn("retry budget exhausted", "ride_id", r.ID, "retry_count", r.RetryCount)
			return nil
		}
		next := time.Now().UTC().Add(m.cfg.RetryInterval)
		r.NextRetryAt = &next
		observability.RetriesScheduled.Inc()
		return nil
	})
	if err != nil || !resume {
		return err
	}
	m.log.Info("drivers available again, resuming offers", "ride_id", rideID)
	return m.seq.OfferNext(ctx, rideID)
}
