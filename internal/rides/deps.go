package rides

import (
	"context"
	"time"

	"dispatch-service/internal/events"
)

// Driver presence states forwarded to the location service.
const (
	driverOnline = "ONLINE"
	driverBusy   = "BUSY"
)

// DriverLocks serializes offers per driver across all dispatch instances.
// Implemented by pkg/redis via atomic set-if-not-exists with expiry.
type DriverLocks interface {
	TryAcquireDriver(ctx context.Context, driverID string, ttl time.Duration) (bool, error)
	ReleaseDriver(ctx context.Context, driverID string) error
}

// IdempotencyStore records handled inbound event ids. Implemented by
// pkg/redis. MarkProcessed must only be called after side effects commit.
type IdempotencyStore interface {
	HasProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

// Locator queries the driver-location service for nearby candidates,
// ordered nearest-first and pre-filtered to online, heartbeat-fresh drivers.
type Locator interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64, vehicleType string, limit int) ([]Candidate, error)
}

// Presence toggles a driver between ONLINE and BUSY in the location service.
type Presence interface {
	SetState(ctx context.Context, driverID, state string) error
}

// ProfileSource supplies best-effort passenger/driver snapshots for events.
type ProfileSource interface {
	User(ctx context.Context, userID string) events.Profile
	Driver(ctx context.Context, driverID string) events.Profile
}

// Publisher emits outbound events to the broker, keyed for per-booking
// ordering. Implemented by pkg/kafka.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// Config holds the dispatch tuning parameters shared by the sequencer,
// monitors and lifecycle service.
type Config struct {
	OfferTimeout   time.Duration
	LockTTL        time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
	CandidateLimit int
	SearchRadiusKm float64
	SweepBatchSize int
}
