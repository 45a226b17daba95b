package rides

import (
	"context"
	"encoding/json"
	"log/slog"

	"dispatch-service/internal/events"
	"dispatch-service/internal/observability"
	"dispatch-service/pkg/kafka"
	"dispatch-service/pkg/validation"
)

// Consumer bridges the booking topics into the lifecycle service. Handlers
// return nil for messages that must never be retried (malformed, duplicate,
// invalid) and an error only for transient failures worth redelivering.
type Consumer struct {
	kafka  *kafka.Client
	ledger IdempotencyStore
	svc    *Service
	log    *slog.Logger
}

// NewConsumer wires the inbound event consumer.
func NewConsumer(kc *kafka.Client, ledger IdempotencyStore, svc *Service, log *slog.Logger) *Consumer {
	return &Consumer{kafka: kc, ledger: ledger, svc: svc, log: log}
}

// Start subscribes to both booking topics under groupID.
func (c *Consumer) Start(ctx context.Context, groupID string) {
	c.kafka.Subscribe(ctx, kafka.TopicBookingMatchRequested, groupID, func(key, value []byte) error {
		return c.handleMatchRequested(ctx, value)
	})
	c.kafka.Subscribe(ctx, kafka.TopicBookingCancelled, groupID, func(key, value []byte) error {
		return c.handleBookingCancelled(ctx, value)
	})
}

func (c *Consumer) handleMatchRequested(ctx context.Context, value []byte) error {
	observability.EventsConsumed.WithLabelValues(kafka.TopicBookingMatchRequested).Inc()

	var ev events.BookingMatchRequested
	if err := json.Unmarshal(value, &ev); err != nil {
		c.log.Error("malformed match request, skipping", "error", err)
		return nil
	}
	if ev.BookingID == "" || ev.UserID == "" {
		c.log.Error("match request missing ids, skipping", "booking_id", ev.BookingID)
		return nil
	}

	eventID := ev.EventID
	if eventID == "" {
		// Producers that don't stamp event ids still get per-booking dedup.
		eventID = "match:" + ev.BookingID
	}
	seen, err := c.ledger.HasProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if seen {
		observability.EventsDuplicate.WithLabelValues(kafka.TopicBookingMatchRequested).Inc()
		c.log.Info("duplicate match request, skipping", "event_id", eventID, "booking_id", ev.BookingID)
		return nil
	}

	if !validation.ValidateCoordinates(ev.Pickup.Lat, ev.Pickup.Lng) ||
		!validation.ValidateCoordinates(ev.Dropoff.Lat, ev.Dropoff.Lng) ||
		!validation.ValidateVehicleType(ev.VehicleType) {
		c.log.Error("invalid match request, skipping", "booking_id", ev.BookingID, "vehicle_type", ev.VehicleType)
		c.markProcessed(ctx, eventID)
		return nil
	}

	if err := c.svc.CreateForBooking(ctx, &ev); err != nil {
		c.log.Error("create ride for booking", "booking_id", ev.BookingID, "error", err)
		return err
	}
	c.markProcessed(ctx, eventID)
	return nil
}

func (c *Consumer) handleBookingCancelled(ctx context.Context, value []byte) error {
	observability.EventsConsumed.WithLabelValues(kafka.TopicBookingCancelled).Inc()

	var ev events.BookingCancelled
	if err := json.Unmarshal(value, &ev); err != nil {
		c.log.Error("malformed booking cancel, skipping", "error", err)
		return nil
	}
	if ev.BookingID == "" {
		c.log.Error("booking cancel missing booking id, skipping")
		return nil
	}

	eventID := ev.EventID
	if eventID == "" {
		eventID = "cancel:" + ev.BookingID
	}
	seen, err := c.ledger.HasProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if seen {
		observability.EventsDuplicate.WithLabelValues(kafka.TopicBookingCancelled).Inc()
		c.log.Info("duplicate booking cancel, skipping", "event_id", eventID, "booking_id", ev.BookingID)
		return nil
	}

	if err := c.svc.CancelForBooking(ctx, &ev); err != nil {
		c.log.Error("cancel ride for booking", "booking_id", ev.BookingID, "error", err)
		return err
	}
	c.markProcessed(ctx, eventID)
	return nil
}

// markProcessed records the event id after the side effects committed. A
// failed mark is only logged: the worst case is one redundant pass through an
// idempotent handler.
func (c *Consumer) markProcessed(ctx context.Context, eventID string) {
	if err := c.ledger.MarkProcessed(ctx, eventID); err != nil {
		c.log.Error("mark event processed", "event_id", eventID, "error", err)
	}
}
