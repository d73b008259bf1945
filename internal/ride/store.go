// Package ride contains the rider-side trip lifecycle core: the Store that
// owns the single active ride, the Controller state machine driving it, and
// the Reconciler that keeps local state a faithful projection of remote
// truth.
package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/geo"
	"github.com/immerspwada/deliber/internal/remote"
)

// ErrActiveRideExists rejects a booking while another ride occupies the
// rider's single active slot.
var ErrActiveRideExists = errors.New("an active ride already exists")

// Store is the single source of truth for the rider's currently active
// trip and the matched-driver snapshot. Multiple UI surfaces read it
// concurrently; only the controller's transition functions write.
type Store struct {
	rows      remote.RideRows
	providers remote.ProviderDirectory
	clock     domain.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	mu     sync.RWMutex
	active *domain.RideRequest
	driver *domain.MatchedDriver
}

// NewStore constructs a Store around the remote boundary.
func NewStore(rows remote.RideRows, providers remote.ProviderDirectory, clock domain.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rows:      rows,
		providers: providers,
		clock:     clock,
		logger:    logger,
		tracer:    otel.Tracer("ride.store"),
	}
}

// CreateParams describes a new ride request.
type CreateParams struct {
	RiderID     uuid.UUID
	Pickup      domain.GeoLocation
	Destination domain.GeoLocation
	RideType    domain.RideType
	// ScheduledAt marks a future-dated booking. Scheduled rides are
	// inserted but never adopted as the live active trip.
	ScheduledAt *time.Time
}

// CreateRideRequest inserts a pending ride row and, for immediate rides,
// adopts it as the active trip. The estimated fare is computed here, once,
// and never recomputed client-side afterwards.
func (s *Store) CreateRideRequest(ctx context.Context, params CreateParams) (domain.RideRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ride.create")
	defer span.End()

	s.mu.Lock()
	if s.active != nil && s.active.Active() && params.ScheduledAt == nil {
		s.mu.Unlock()
		return domain.RideRequest{}, ErrActiveRideExists
	}
	s.mu.Unlock()

	_, fare := geo.Estimate(params.Pickup, params.Destination, params.RideType)
	ride := domain.RideRequest{
		ID:            uuid.New(),
		RiderID:       params.RiderID,
		Pickup:        params.Pickup,
		Destination:   params.Destination,
		RideType:      params.RideType,
		EstimatedFare: fare,
		Status:        domain.StatusPending,
		CreatedAt:     s.clock.Now(),
		ScheduledAt:   params.ScheduledAt,
	}

	created, err := s.rows.Create(ctx, ride)
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("create ride request: %w", err)
	}

	if created.ScheduledAt == nil {
		s.mu.Lock()
		r := created
		s.active = &r
		s.driver = nil
		s.mu.Unlock()
	}
	return created, nil
}

// Adopt installs a ride loaded from the remote store as the active trip
// (recovery on start).
func (s *Store) Adopt(ride domain.RideRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := ride
	s.active = &r
	s.driver = nil
}

// Active returns a copy of the current active ride.
func (s *Store) Active() (domain.RideRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return domain.RideRequest{}, false
	}
	return *s.active, true
}

// Driver returns a copy of the matched-driver projection.
func (s *Store) Driver() (domain.MatchedDriver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.driver == nil {
		return domain.MatchedDriver{}, false
	}
	return *s.driver, true
}

// ApplyRemote merges a remote row into the active ride. Rows for any other
// ride id are discarded: a delayed result must never clobber the current
// trip.
func (s *Store) ApplyRemote(ride domain.RideRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID != ride.ID {
		return
	}
	r := ride
	s.active = &r
}

// FindAndMatchDriver runs the client-initiated, best-effort matching path:
// query candidates within the radius, take the nearest, and attempt the
// conditional assignment guarded by the row still being pending and
// unassigned. Losing that race returns (uuid.Nil, nil); the change feed is
// the authority on the outcome.
func (s *Store) FindAndMatchDriver(ctx context.Context, rideID uuid.UUID, pickup domain.GeoLocation, rideType domain.RideType, radiusKm float64) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "ride.match")
	defer span.End()

	candidates, err := s.providers.FindNearbyProviders(ctx, pickup.Lat, pickup.Lng, radiusKm, rideType)
	if err != nil {
		matchAttemptsTotal.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("find nearby providers: %w", err)
	}
	if len(candidates) == 0 {
		matchAttemptsTotal.WithLabelValues("no_candidates").Inc()
		return uuid.Nil, nil
	}

	candidate := candidates[0]
	assigned, err := s.rows.TryAssignProvider(ctx, rideID, candidate.ID)
	if err != nil {
		matchAttemptsTotal.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("assign provider: %w", err)
	}
	if !assigned {
		// another actor matched or cancelled first; yield to the feed
		matchAttemptsTotal.WithLabelValues("lost_race").Inc()
		s.logger.Debug("match race lost", zap.String("ride_id", rideID.String()))
		return uuid.Nil, nil
	}
	matchAttemptsTotal.WithLabelValues("matched").Inc()
	return candidate.ID, nil
}

// RefreshDriver fetches the provider's profile and replaces (never merges)
// the matched-driver projection. Live coordinates start zeroed and fill in
// from the location feed.
func (s *Store) RefreshDriver(ctx context.Context, providerID uuid.UUID) (domain.MatchedDriver, error) {
	driver, err := s.providers.GetProvider(ctx, providerID)
	if err != nil {
		return domain.MatchedDriver{}, fmt.Errorf("fetch provider %s: %w", providerID, err)
	}
	s.mu.Lock()
	d := driver
	s.driver = &d
	s.mu.Unlock()
	return driver, nil
}

// UpdateDriverLocation applies a live position sample if it belongs to the
// currently matched driver. Samples from a previously assigned driver are
// dropped, never interpolated.
func (s *Store) UpdateDriverLocation(providerID uuid.UUID, lat, lng float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil || s.driver.ID != providerID {
		return
	}
	s.driver.CurrentLat = lat
	s.driver.CurrentLng = lng
}

// ClearDriver drops the matched-driver projection.
func (s *Store) ClearDriver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driver = nil
}

// CancelActive issues the best-effort remote cancel for the active ride.
// The local slot is released regardless of the call outcome: a ride
// already settled by the other party is not an error.
func (s *Store) CancelActive(ctx context.Context, reason domain.CancelReason) error {
	s.mu.Lock()
	if s.active == nil {
		s.mu.Unlock()
		return nil
	}
	rideID := s.active.ID
	s.active = nil
	s.driver = nil
	s.mu.Unlock()

	if err := s.rows.Cancel(ctx, rideID, reason); err != nil {
		return fmt.Errorf("cancel ride %s: %w", rideID, err)
	}
	return nil
}

// Release drops the active ride and driver without touching the remote row
// (completion, rating handed off, teardown).
func (s *Store) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.driver = nil
}

// SubmitRating persists the rider's feedback for a ride.
func (s *Store) SubmitRating(ctx context.Context, rideID uuid.UUID, stars int, tip int64, comment string) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("rating stars out of range: %d", stars)
	}
	rating := domain.Rating{
		RideID:    rideID,
		Stars:     stars,
		TipAmount: tip,
		Comment:   comment,
		CreatedAt: s.clock.Now(),
	}
	if err := s.rows.SaveRating(ctx, rating); err != nil {
		return fmt.Errorf("save rating: %w", err)
	}
	return nil
}

// LoadActiveRide queries the remote store for the rider's non-terminal
// ride (recovery on start).
func (s *Store) LoadActiveRide(ctx context.Context, riderID uuid.UUID) (domain.RideRequest, bool, error) {
	ride, err := s.rows.ActiveForRider(ctx, riderID)
	if errors.Is(err, remote.ErrNotFound) {
		return domain.RideRequest{}, false, nil
	}
	if err != nil {
		return domain.RideRequest{}, false, fmt.Errorf("load active ride: %w", err)
	}
	return ride, true, nil
}
