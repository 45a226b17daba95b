package rides

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatch-service/internal/events"
	"dispatch-service/pkg/kafka"
)

func TestAcceptAssignsDriver(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1", "d2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID

	r, err := f.svc.Accept(ctx, rideID, "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.Status != StatusDriverAssigned {
		t.Fatalf("status = %s, want %s", r.Status, StatusDriverAssigned)
	}
	if r.DriverID == nil || *r.DriverID != "d1" {
		t.Fatalf("driver = %v, want d1", r.DriverID)
	}
	if r.CurrentOfferDriverID != nil || r.OfferExpiresAt != nil {
		t.Fatalf("offer fields not cleared: %v %v", r.CurrentOfferDriverID, r.OfferExpiresAt)
	}
	if f.locks.isHeld("d1") {
		t.Fatal("driver lock should be released on accept")
	}
	if f.presence.last("d1") != driverBusy {
		t.Fatalf("presence = %s, want %s", f.presence.last("d1"), driverBusy)
	}

	offers, _ := f.store.Offers(ctx, rideID)
	if len(offers) != 1 || offers[0].Status != OfferAccepted || offers[0].RespondedAt == nil {
		t.Fatalf("offers = %+v, want one ACCEPTED row with responded_at", offers)
	}

	published := f.pub.byTopic(kafka.TopicRideAccepted)
	if len(published) != 1 {
		t.Fatalf("ride.accepted events = %d, want 1", len(published))
	}
	ev := published[0].Value.(*events.RideAccepted)
	if ev.DriverID != "d1" || ev.DriverProfile.ID != "d1" {
		t.Fatalf("accepted event = %+v", ev)
	}
}

func TestAcceptFromWrongDriverConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1", "d2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID

	if _, err := f.svc.Accept(ctx, rideID, "d2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("accept from d2: err = %v, want ErrConflict", err)
	}
	if r := f.mustRide("bk-1"); r.Status != StatusOffering {
		t.Fatalf("status = %s, want unchanged %s", r.Status, StatusOffering)
	}
}

func TestAcceptAfterDeadlineConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID

	past := time.Now().UTC().Add(-time.Second)
	f.store.setRide(rideID, func(r *Ride) { r.OfferExpiresAt = &past })

	if _, err := f.svc.Accept(ctx, rideID, "d1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("late accept: err = %v, want ErrConflict", err)
	}
	if got := f.pub.byTopic(kafka.TopicRideAccepted); len(got) != 0 {
		t.Fatalf("ride.accepted events = %d, want 0", len(got))
	}
}

func TestRejectMovesToNextCandidate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1", "d2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID

	if err := f.svc.Reject(ctx, rideID, "d1"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	r := f.mustRide("bk-1")
	if r.CurrentOfferDriverID == nil || *r.CurrentOfferDriverID != "d2" {
		t.Fatalf("current offer driver = %v, want d2", r.CurrentOfferDriverID)
	}
	if f.locks.isHeld("d1") {
		t.Fatal("d1 lock should be released after reject")
	}
	if !f.locks.isHeld("d2") {
		t.Fatal("d2 lock should be held")
	}

	offers, _ := f.store.Offers(ctx, rideID)
	if len(offers) != 2 {
		t.Fatalf("offers = %d, want 2", len(offers))
	}
	if offers[0].Status != OfferRejected || offers[1].Status != OfferOffered {
		t.Fatalf("offer statuses = %s,%s want REJECTED,OFFERED", offers[0].Status, offers[1].Status)
	}
}

func TestPickupAndCompleteHappyPath(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID
	if _, err := f.svc.Accept(ctx, rideID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	r, err := f.svc.Pickup(ctx, rideID, "d1")
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if r.Status != StatusPickedUp {
		t.Fatalf("status = %s, want %s", r.Status, StatusPickedUp)
	}
	if got := f.pub.byTopic(kafka.TopicPassengerPickedUp); len(got) != 1 {
		t.Fatalf("pickedup events = %d, want 1", len(got))
	}

	r, err = f.svc.Complete(ctx, rideID, "d1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", r.Status, StatusCompleted)
	}
	if got := f.pub.byTopic(kafka.TopicRideCompleted); len(got) != 1 {
		t.Fatalf("completed events = %d, want 1", len(got))
	}
	if f.presence.last("d1") != driverOnline {
		t.Fatalf("presence = %s, want %s", f.presence.last("d1"), driverOnline)
	}
}

func TestPickupGuards(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID

	// Before any driver accepts, there is no assigned driver at all.
	if _, err := f.svc.Pickup(ctx, rideID, "d1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("pickup pre-assign: err = %v, want ErrForbidden", err)
	}

	if _, err := f.svc.Accept(ctx, rideID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.Pickup(ctx, rideID, "d9"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("pickup by stranger: err = %v, want ErrForbidden", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID
	if _, err := f.svc.Accept(ctx, rideID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.Pickup(ctx, rideID, "d1"); err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if _, err := f.svc.Complete(ctx, rideID, "d1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	r, err := f.svc.Complete(ctx, rideID, "d1")
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if r.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", r.Status, StatusCompleted)
	}
	if got := f.pub.byTopic(kafka.TopicRideCompleted); len(got) != 1 {
		t.Fatalf("completed events = %d, want exactly 1", len(got))
	}
}

func TestCompleteBeforePickupConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID
	if _, err := f.svc.Accept(ctx, rideID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := f.svc.Complete(ctx, rideID, "d1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("complete before pickup: err = %v, want ErrConflict", err)
	}
}

func TestUserCancelAfterAssignment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID
	if _, err := f.svc.Accept(ctx, rideID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := f.svc.UserCancel(ctx, rideID, "someone-else", "changed my mind"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cancel by stranger: err = %v, want ErrForbidden", err)
	}

	r, err := f.svc.UserCancel(ctx, rideID, "user-1", "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", r.Status, StatusCancelled)
	}
	if f.presence.last("d1") != driverOnline {
		t.Fatalf("presence = %s, want %s", f.presence.last("d1"), driverOnline)
	}

	published := f.pub.byTopic(kafka.TopicRideCancelled)
	if len(published) != 1 {
		t.Fatalf("cancelled events = %d, want 1", len(published))
	}
	ev := published[0].Value.(*events.RideCancelled)
	if ev.DriverID != "d1" || ev.Reason != "changed my mind" {
		t.Fatalf("cancelled event = %+v", ev)
	}

	// Second cancel is a no-op.
	if _, err := f.svc.UserCancel(ctx, rideID, "user-1", "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got := f.pub.byTopic(kafka.TopicRideCancelled); len(got) != 1 {
		t.Fatalf("cancelled events = %d, want exactly 1", len(got))
	}
}

func TestUserCancelBeforeAssignmentConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID

	// While still matching, cancellation flows through the booking topic.
	if _, err := f.svc.UserCancel(ctx, rideID, "user-1", "too slow"); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel mid-offer: err = %v, want ErrConflict", err)
	}
}

func TestCancelForBookingMidOffer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1", "d2")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID

	err := f.svc.CancelForBooking(ctx, &events.BookingCancelled{
		EventID:   "evc-1",
		BookingID: "bk-1",
		Reason:    "payment_failed",
	})
	if err != nil {
		t.Fatalf("cancel for booking: %v", err)
	}

	r := f.mustRide("bk-1")
	if r.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", r.Status, StatusCancelled)
	}
	if r.CurrentOfferDriverID != nil || r.OfferExpiresAt != nil || r.NextRetryAt != nil {
		t.Fatalf("stale scheduling fields: %+v", r)
	}
	if f.locks.isHeld("d1") {
		t.Fatal("d1 lock should be released on booking cancel")
	}

	// The driver-facing retraction goes out exactly once, plus the ride
	// cancel itself.
	offerCancels := f.pub.byTopic(kafka.TopicRideOfferCancelled)
	if len(offerCancels) != 1 {
		t.Fatalf("offer_cancelled events = %d, want 1", len(offerCancels))
	}
	oc := offerCancels[0].Value.(*events.RideOfferCancelled)
	if oc.DriverID != "d1" {
		t.Fatalf("offer_cancelled driver = %s, want d1", oc.DriverID)
	}
	cancels := f.pub.byTopic(kafka.TopicRideCancelled)
	if len(cancels) != 1 {
		t.Fatalf("cancelled events = %d, want 1", len(cancels))
	}
	if ev := cancels[0].Value.(*events.RideCancelled); ev.Reason != "payment_failed" {
		t.Fatalf("cancel reason = %s", ev.Reason)
	}

	// The outstanding offer row is left OFFERED; the ride-level cancel is
	// the authoritative record.
	offers, _ := f.store.Offers(ctx, rideID)
	if len(offers) != 1 || offers[0].Status != OfferOffered {
		t.Fatalf("offers = %+v", offers)
	}
}

func TestCancelForBookingAfterAssignmentIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1", "d1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	rideID := f.mustRide("bk-1").ID
	if _, err := f.svc.Accept(ctx, rideID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	err := f.svc.CancelForBooking(ctx, &events.BookingCancelled{BookingID: "bk-1", Reason: "late"})
	if err != nil {
		t.Fatalf("cancel for booking: %v", err)
	}
	if r := f.mustRide("bk-1"); r.Status != StatusDriverAssigned {
		t.Fatalf("status = %s, want unchanged %s", r.Status, StatusDriverAssigned)
	}
	if got := f.pub.byTopic(kafka.TopicRideCancelled); len(got) != 0 {
		t.Fatalf("cancelled events = %d, want 0", len(got))
	}
}

func TestCancelForBookingUnknownBookingIsNoop(t *testing.T) {
	f := newFixture()
	err := f.svc.CancelForBooking(context.Background(), &events.BookingCancelled{BookingID: "nope"})
	if err != nil {
		t.Fatalf("cancel unknown booking: %v", err)
	}
}

func TestCreateForBookingNoCandidates(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.svc.CreateForBooking(ctx, f.matchRequest("bk-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := f.mustRide("bk-1")
	if r.Status != StatusNoDriverFound {
		t.Fatalf("status = %s, want %s", r.Status, StatusNoDriverFound)
	}
	if r.NextRetryAt == nil {
		t.Fatal("retry not scheduled")
	}
}

func TestCreateForBookingIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	ev := f.matchRequest("bk-1", "d1", "d2")

	if err := f.svc.CreateForBooking(ctx, ev); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.CreateForBooking(ctx, ev); err != nil {
		t.Fatalf("redelivered create: %v", err)
	}

	// Still one ride, one offer, one event.
	r := f.mustRide("bk-1")
	offers, _ := f.store.Offers(ctx, r.ID)
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}
	if got := f.pub.byTopic(kafka.TopicRideOffered); len(got) != 1 {
		t.Fatalf("ride.offered events = %d, want 1", len(got))
	}
	// The redelivery resolved from the store; the locator is not re-queried.
	if f.locator.calls != 1 {
		t.Fatalf("locator calls = %d, want 1", f.locator.calls)
	}
}
