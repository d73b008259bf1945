// Package memory implements the remote boundary in process. It backs unit
// tests and local demos, and doubles as the reference semantics for the
// postgres/redis/nats implementations: conditional updates, idempotent
// cancellation and change-feed fan-out behave exactly as the real backend
// promises.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/geo"
	"github.com/immerspwada/deliber/internal/remote"
)

const subscriptionBuffer = 32

// Store is an in-memory remote backend implementing every boundary face.
type Store struct {
	mu        sync.RWMutex
	rides     map[uuid.UUID]domain.RideRequest
	ratings   []domain.Rating
	providers map[uuid.UUID]providerEntry
	balances  map[uuid.UUID]int64
	clock     domain.Clock

	rideSubs map[uuid.UUID]map[int]*rideSub
	locSubs  map[uuid.UUID]map[int]*locSub
	nextSub  int
}

type providerEntry struct {
	driver   domain.MatchedDriver
	rideType domain.RideType
	lat, lng float64
	online   bool
}

// New constructs an empty in-memory backend.
func New(clock domain.Clock) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &Store{
		rides:     make(map[uuid.UUID]domain.RideRequest),
		providers: make(map[uuid.UUID]providerEntry),
		balances:  make(map[uuid.UUID]int64),
		rideSubs:  make(map[uuid.UUID]map[int]*rideSub),
		locSubs:   make(map[uuid.UUID]map[int]*locSub),
		clock:     clock,
	}
}

// Backend bundles the store into the composed boundary shape.
func (s *Store) Backend() remote.Backend {
	return remote.Backend{Rides: s, Providers: s, Changes: s, Locations: s}
}

// --- RideRows ---

func (s *Store) Create(_ context.Context, ride domain.RideRequest) (domain.RideRequest, error) {
	s.mu.Lock()
	if ride.ID == uuid.Nil {
		ride.ID = uuid.New()
	}
	if ride.CreatedAt.IsZero() {
		ride.CreatedAt = s.clock.Now()
	}
	ride.Version = 1
	s.rides[ride.ID] = ride
	s.mu.Unlock()

	s.publishRide(remote.EventInsert, ride)
	return ride, nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (domain.RideRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ride, ok := s.rides[id]
	if !ok {
		return domain.RideRequest{}, remote.ErrNotFound
	}
	return ride, nil
}

func (s *Store) ActiveForRider(_ context.Context, riderID uuid.UUID) (domain.RideRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.RideRequest
	for _, ride := range s.rides {
		if ride.RiderID == riderID && ride.Active() && ride.ScheduledAt == nil {
			r := ride
			if found == nil || r.CreatedAt.After(found.CreatedAt) {
				found = &r
			}
		}
	}
	if found == nil {
		return domain.RideRequest{}, remote.ErrNotFound
	}
	return *found, nil
}

func (s *Store) TryAssignProvider(_ context.Context, rideID, providerID uuid.UUID) (bool, error) {
	s.mu.Lock()
	ride, ok := s.rides[rideID]
	if !ok {
		s.mu.Unlock()
		return false, remote.ErrNotFound
	}
	if ride.Status != domain.StatusPending || ride.ProviderID != nil {
		s.mu.Unlock()
		return false, nil
	}
	ride.ProviderID = &providerID
	ride.Status = domain.StatusMatched
	ride.Version++
	s.rides[rideID] = ride
	s.mu.Unlock()

	s.publishRide(remote.EventUpdate, ride)
	return true, nil
}

func (s *Store) AdvanceStatus(_ context.Context, rideID uuid.UUID, status domain.RideStatus) error {
	s.mu.Lock()
	ride, ok := s.rides[rideID]
	if !ok {
		s.mu.Unlock()
		return remote.ErrNotFound
	}
	if !ride.Status.CanTransitionTo(status) {
		s.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	if ride.Status == status {
		s.mu.Unlock()
		return nil
	}
	ride.Status = status
	ride.Version++
	s.rides[rideID] = ride
	s.mu.Unlock()

	s.publishRide(remote.EventUpdate, ride)
	return nil
}

func (s *Store) Complete(_ context.Context, rideID uuid.UUID, finalFare int64) error {
	s.mu.Lock()
	ride, ok := s.rides[rideID]
	if !ok {
		s.mu.Unlock()
		return remote.ErrNotFound
	}
	if ride.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	now := s.clock.Now()
	ride.Status = domain.StatusCompleted
	ride.FinalFare = finalFare
	ride.CompletedAt = &now
	ride.Version++
	s.rides[rideID] = ride
	s.mu.Unlock()

	s.publishRide(remote.EventUpdate, ride)
	return nil
}

func (s *Store) Cancel(_ context.Context, rideID uuid.UUID, _ domain.CancelReason) error {
	s.mu.Lock()
	ride, ok := s.rides[rideID]
	if !ok {
		s.mu.Unlock()
		return remote.ErrNotFound
	}
	if ride.Status.Terminal() {
		// already settled by the other party; cancellation is best-effort
		s.mu.Unlock()
		return nil
	}
	ride.Status = domain.StatusCancelled
	ride.Version++
	s.rides[rideID] = ride
	s.mu.Unlock()

	s.publishRide(remote.EventUpdate, ride)
	return nil
}

func (s *Store) SaveRating(_ context.Context, rating domain.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = s.clock.Now()
	}
	s.ratings = append(s.ratings, rating)
	return nil
}

// Ratings returns stored ratings (for tests).
func (s *Store) Ratings() []domain.Rating {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Rating(nil), s.ratings...)
}

// --- ProviderDirectory ---

func (s *Store) FindNearbyProviders(_ context.Context, lat, lng, radiusKm float64, rideType domain.RideType) ([]remote.ProviderCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []remote.ProviderCandidate
	for id, entry := range s.providers {
		if !entry.online || entry.rideType != rideType {
			continue
		}
		dist := geo.DistanceKm(domain.GeoLocation{Lat: lat, Lng: lng}, domain.GeoLocation{Lat: entry.lat, Lng: entry.lng})
		if dist > radiusKm {
			continue
		}
		candidates = append(candidates, remote.ProviderCandidate{ID: id, DistanceKm: dist})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceKm == candidates[j].DistanceKm {
			return candidates[i].ID.String() < candidates[j].ID.String()
		}
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})
	return candidates, nil
}

func (s *Store) GetProvider(_ context.Context, id uuid.UUID) (domain.MatchedDriver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.providers[id]
	if !ok {
		return domain.MatchedDriver{}, remote.ErrNotFound
	}
	return entry.driver, nil
}

// UpsertProvider registers or updates a provider profile and position.
func (s *Store) UpsertProvider(driver domain.MatchedDriver, rideType domain.RideType, lat, lng float64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[driver.ID] = providerEntry{driver: driver, rideType: rideType, lat: lat, lng: lng, online: online}
}

// --- WalletReader ---

func (s *Store) AvailableBalance(_ context.Context, riderID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[riderID], nil
}

// SetBalance seeds a rider wallet balance.
func (s *Store) SetBalance(riderID uuid.UUID, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[riderID] = amount
}

// --- ChangeFeed ---

type rideSub struct {
	store  *Store
	rideID uuid.UUID
	id     int
	events chan remote.RideChange
	errs   chan error
	once   sync.Once
}

func (s *rideSub) Events() <-chan remote.RideChange { return s.events }
func (s *rideSub) Err() <-chan error                { return s.errs }

func (s *rideSub) Unsubscribe() {
	s.once.Do(func() {
		s.store.mu.Lock()
		if subs, ok := s.store.rideSubs[s.rideID]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.store.rideSubs, s.rideID)
			}
		}
		s.store.mu.Unlock()
		close(s.events)
	})
}

func (s *Store) SubscribeRide(_ context.Context, rideID uuid.UUID) (remote.RideSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &rideSub{
		store:  s,
		rideID: rideID,
		id:     s.nextSub,
		events: make(chan remote.RideChange, subscriptionBuffer),
		errs:   make(chan error, 1),
	}
	s.nextSub++
	if s.rideSubs[rideID] == nil {
		s.rideSubs[rideID] = make(map[int]*rideSub)
	}
	s.rideSubs[rideID][sub.id] = sub
	return sub, nil
}

func (s *Store) publishRide(kind remote.EventKind, ride domain.RideRequest) {
	s.mu.RLock()
	subs := make([]*rideSub, 0, len(s.rideSubs[ride.ID]))
	for _, sub := range s.rideSubs[ride.ID] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		send(sub.events, remote.RideChange{Kind: kind, Ride: ride})
	}
}

// send enqueues onto a subscriber buffer, evicting the oldest entry when
// full. Events carry complete rows, so the newest one must never be the
// one lost.
func send[T any](ch chan T, ev T) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// FailRideFeed injects a transport error into every open subscription for
// the ride, exercising reconnect paths in tests.
func (s *Store) FailRideFeed(rideID uuid.UUID, err error) {
	s.mu.RLock()
	subs := make([]*rideSub, 0, len(s.rideSubs[rideID]))
	for _, sub := range s.rideSubs[rideID] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.errs <- err:
		default:
		}
	}
}

// OpenRideSubscriptions counts live change-feed subscriptions (for teardown
// assertions).
func (s *Store) OpenRideSubscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, subs := range s.rideSubs {
		total += len(subs)
	}
	return total
}

// --- LocationFeed ---

type locSub struct {
	store      *Store
	providerID uuid.UUID
	id         int
	events     chan remote.ProviderLocation
	errs       chan error
	once       sync.Once
}

func (s *locSub) Events() <-chan remote.ProviderLocation { return s.events }
func (s *locSub) Err() <-chan error                      { return s.errs }

func (s *locSub) Unsubscribe() {
	s.once.Do(func() {
		s.store.mu.Lock()
		if subs, ok := s.store.locSubs[s.providerID]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.store.locSubs, s.providerID)
			}
		}
		s.store.mu.Unlock()
		close(s.events)
	})
}

func (s *Store) SubscribeProvider(_ context.Context, providerID uuid.UUID) (remote.LocationSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &locSub{
		store:      s,
		providerID: providerID,
		id:         s.nextSub,
		events:     make(chan remote.ProviderLocation, subscriptionBuffer),
		errs:       make(chan error, 1),
	}
	s.nextSub++
	if s.locSubs[providerID] == nil {
		s.locSubs[providerID] = make(map[int]*locSub)
	}
	s.locSubs[providerID][sub.id] = sub
	return sub, nil
}

// PublishLocation pushes a live position sample to open subscribers.
func (s *Store) PublishLocation(loc remote.ProviderLocation) {
	if loc.At.IsZero() {
		loc.At = s.clock.Now()
	}
	s.mu.RLock()
	subs := make([]*locSub, 0, len(s.locSubs[loc.ProviderID]))
	for _, sub := range s.locSubs[loc.ProviderID] {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		send(sub.events, loc)
	}
}

// OpenLocationSubscriptions counts live location subscriptions.
func (s *Store) OpenLocationSubscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, subs := range s.locSubs {
		total += len(subs)
	}
	return total
}

// --- test helpers simulating external actors ---

// ReassignProvider swaps the provider on a matched ride, as an admin
// reassignment would, and emits the resulting change event.
func (s *Store) ReassignProvider(rideID, newProviderID uuid.UUID) error {
	s.mu.Lock()
	ride, ok := s.rides[rideID]
	if !ok {
		s.mu.Unlock()
		return remote.ErrNotFound
	}
	if ride.ProviderID == nil || ride.Status.Terminal() {
		s.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	ride.ProviderID = &newProviderID
	ride.Version++
	s.rides[rideID] = ride
	s.mu.Unlock()

	s.publishRide(remote.EventUpdate, ride)
	return nil
}
