package rides

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"dispatch-service/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		OfferTimeout:   30 * time.Second,
		LockTTL:        35 * time.Second,
		RetryInterval:  30 * time.Second,
		MaxRetries:     3,
		CandidateLimit: 10,
		SearchRadiusKm: 5,
		SweepBatchSize: 50,
	}
}

// memStore is an in-memory Store with the same transactional contract as the
// PostgreSQL implementation: Update applies the callback to a copy and
// discards it on error.
type memStore struct {
	mu      sync.Mutex
	rides   map[string]*Ride
	booking map[string]string
	offers  []RideOffer
	history map[string][]StatusChange
}

func newMemStore() *memStore {
	return &memStore{
		rides:   make(map[string]*Ride),
		booking: make(map[string]string),
		history: make(map[string][]StatusChange),
	}
}

func cloneRide(r *Ride) *Ride {
	c := *r
	if r.Candidates != nil {
		c.Candidates = append([]Candidate(nil), r.Candidates...)
	}
	if r.CurrentOfferDriverID != nil {
		v := *r.CurrentOfferDriverID
		c.CurrentOfferDriverID = &v
	}
	if r.OfferExpiresAt != nil {
		v := *r.OfferExpiresAt
		c.OfferExpiresAt = &v
	}
	if r.DriverID != nil {
		v := *r.DriverID
		c.DriverID = &v
	}
	if r.NextRetryAt != nil {
		v := *r.NextRetryAt
		c.NextRetryAt = &v
	}
	return &c
}

func (s *memStore) CreateRide(_ context.Context, r *Ride) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.booking[r.BookingID]; ok {
		return false, nil
	}
	s.rides[r.ID] = cloneRide(r)
	s.booking[r.BookingID] = r.ID
	s.history[r.ID] = append(s.history[r.ID], StatusChange{Status: r.Status, Reason: "match_requested", CreatedAt: time.Now().UTC()})
	return true, nil
}

func (s *memStore) GetRide(_ context.Context, id string) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (s *memStore) GetRideByBooking(_ context.Context, bookingID string) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.booking[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(s.rides[id]), nil
}

func (s *memStore) CurrentForDriver(_ context.Context, driverID string) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rides {
		if r.DriverID != nil && *r.DriverID == driverID &&
			(r.Status == StatusDriverAssigned || r.Status == StatusPickedUp) {
			return cloneRide(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) CurrentForUser(_ context.Context, userID string) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rides {
		if r.UserID != userID {
			continue
		}
		switch r.Status {
		case StatusOffering, StatusNoDriverFound, StatusDriverAssigned, StatusPickedUp:
			return cloneRide(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) Update(_ context.Context, rideID string, fn func(m *Mutation) error) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}

	work := cloneRide(stored)
	m := &Mutation{Ride: work}
	if err := fn(m); err != nil {
		return nil, err
	}

	work.UpdatedAt = time.Now().UTC()
	s.rides[rideID] = work
	if o := m.newOffer; o != nil {
		s.offers = append(s.offers, *o)
	}
	if c := m.offerClose; c != nil {
		for i := range s.offers {
			o := &s.offers[i]
			if o.RideID == rideID && o.DriverID == c.driverID && o.Status == OfferOffered {
				o.Status = c.status
				t := c.respondedAt
				o.RespondedAt = &t
			}
		}
	}
	s.history[rideID] = append(s.history[rideID], m.history...)
	return cloneRide(work), nil
}

func (s *memStore) StalledOfferRides(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.rides {
		if len(out) >= limit {
			break
		}
		if r.Status == StatusOffering && (r.OfferExpiresAt == nil || !now.Before(*r.OfferExpiresAt)) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) RetryDueRides(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.rides {
		if len(out) >= limit {
			break
		}
		if r.Status == StatusNoDriverFound && r.NextRetryAt != nil && !now.Before(*r.NextRetryAt) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) Offers(_ context.Context, rideID string) ([]RideOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RideOffer
	for _, o := range s.offers {
		if o.RideID == rideID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) History(_ context.Context, rideID string) ([]StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusChange(nil), s.history[rideID]...), nil
}

// setRide mutates a stored ride directly, for arranging test fixtures.
func (s *memStore) setRide(id string, fn func(r *Ride)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.rides[id])
}

// fakeLocks tracks held driver locks in memory.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires []string
	releases []string
	failNext error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (f *fakeLocks) TryAcquireDriver(_ context.Context, driverID string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return false, err
	}
	if f.held[driverID] {
		return false, nil
	}
	f.held[driverID] = true
	f.acquires = append(f.acquires, driverID)
	return true, nil
}

func (f *fakeLocks) ReleaseDriver(_ context.Context, driverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, driverID)
	f.releases = append(f.releases, driverID)
	return nil
}

func (f *fakeLocks) isHeld(driverID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[driverID]
}

// fakeLocator returns a fixed candidate list, or an error.
type fakeLocator struct {
	mu         sync.Mutex
	candidates []Candidate
	err        error
	calls      int
}

func (f *fakeLocator) Nearby(_ context.Context, _, _, _ float64, _ string, _ int) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Candidate(nil), f.candidates...), nil
}

// fakePublisher records every published event.
type publishedEvent struct {
	Topic string
	Key   string
	Value any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{Topic: topic, Key: key, Value: value})
	return nil
}

func (f *fakePublisher) byTopic(topic string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

// fakePresence records state transitions per driver.
type fakePresence struct {
	mu     sync.Mutex
	states map[string][]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{states: make(map[string][]string)}
}

func (f *fakePresence) SetState(_ context.Context, driverID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[driverID] = append(f.states[driverID], state)
	return nil
}

func (f *fakePresence) last(driverID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[driverID]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

// fakeProfiles returns ID-only profiles.
type fakeProfiles struct{}

func (fakeProfiles) User(_ context.Context, id string) events.Profile {
	return events.Profile{ID: id, Name: "User " + id}
}

func (fakeProfiles) Driver(_ context.Context, id string) events.Profile {
	return events.Profile{ID: id, Name: "Driver " + id}
}

// fakeLedger is an in-memory idempotency ledger.
type fakeLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{seen: make(map[string]bool)}
}

func (f *fakeLedger) HasProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[eventID], nil
}

func (f *fakeLedger) MarkProcessed(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[eventID] = true
	return nil
}

// fixture bundles a fully wired dispatch core over fakes.
type fixture struct {
	store    *memStore
	locks    *fakeLocks
	locator  *fakeLocator
	presence *fakePresence
	pub      *fakePublisher
	seq      *Sequencer
	svc      *Service
	cfg      Config
}

func newFixture() *fixture {
	cfg := testConfig()
	store := newMemStore()
	locks := newFakeLocks()
	locator := &fakeLocator{}
	presence := newFakePresence()
	pub := &fakePublisher{}
	log := testLogger()
	seq := NewSequencer(store, locks, pub, fakeProfiles{}, cfg, log)
	svc := NewService(store, locks, locator, presence, fakeProfiles{}, pub, seq, cfg, log)
	return &fixture{
		store:    store,
		locks:    locks,
		locator:  locator,
		presence: presence,
		pub:      pub,
		seq:      seq,
		svc:      svc,
		cfg:      cfg,
	}
}

// matchRequest builds a valid inbound match event with n sequential drivers
// available from the locator.
func (f *fixture) matchRequest(booking string, drivers ...string) *events.BookingMatchRequested {
	cands := make([]Candidate, len(drivers))
	for i, d := range drivers {
		cands[i] = Candidate{DriverID: d, DistanceMeters: float64(100 * (i + 1))}
	}
	f.locator.candidates = cands
	return &events.BookingMatchRequested{
		EventID:         "evt-" + booking,
		BookingID:       booking,
		UserID:          "user-1",
		Pickup:          events.Place{Lat: 10.76, Lng: 106.66, Address: "District 1"},
		Dropoff:         events.Place{Lat: 10.80, Lng: 106.70, Address: "District 3"},
		VehicleType:     "sedan",
		Fare:            52000,
		Currency:        "VND",
		DistanceMeters:  4200,
		DurationSeconds: 780,
	}
}

// mustRide fetches the single ride created for a booking.
func (f *fixture) mustRide(booking string) *Ride {
	r, err := f.store.GetRideByBooking(context.Background(), booking)
	if err != nil {
		panic(fmt.Sprintf("ride for booking %s: %v", booking, err))
	}
	return r
}
