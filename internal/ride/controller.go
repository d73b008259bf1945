package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/geo"
	"github.com/immerspwada/deliber/internal/remote"
)

// Step is the controller's UI-facing lifecycle phase.
type Step string

const (
	StepSelect    Step = "select"
	StepSearching Step = "searching"
	StepTracking  Step = "tracking"
	StepRating    Step = "rating"
)

// PaymentMethod selects how the booking is paid.
type PaymentMethod string

const (
	PayCash   PaymentMethod = "cash"
	PayWallet PaymentMethod = "wallet"
)

// Validation errors surfaced synchronously to the booking UI. They are
// never retried automatically.
var (
	ErrNoPickup            = errors.New("pickup location is not set")
	ErrNoDestination       = errors.New("destination is not set")
	ErrBookingInFlight     = errors.New("a booking operation is already in flight")
	ErrInsufficientBalance = errors.New("wallet balance is below the quoted fare")
	ErrNotCancellable      = errors.New("no cancellable ride")
	ErrNotRating           = errors.New("no completed ride awaiting a rating")
)

// Locator supplies the device position (or a fallback) for the pickup
// default.
type Locator interface {
	Locate(ctx context.Context) (domain.GeoLocation, error)
}

// Config tunes the controller. Zero values take the production defaults;
// tests shrink the durations to milliseconds.
type Config struct {
	RiderID            uuid.UUID
	SearchRadiusKm     float64
	SearchTick         time.Duration
	SearchTimeout      time.Duration
	CompletionGrace    time.Duration
	ResubscribeBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.SearchRadiusKm <= 0 {
		c.SearchRadiusKm = 5
	}
	if c.SearchTick <= 0 {
		c.SearchTick = time.Second
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 2 * time.Minute
	}
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = 3 * time.Second
	}
	if c.ResubscribeBackoff <= 0 {
		c.ResubscribeBackoff = 3 * time.Second
	}
	return c
}

// SearchSession is the ephemeral, client-only state of an ongoing driver
// search: a ticking elapsed counter and a timeout flag the UI renders so a
// stuck match stays perceptible.
type SearchSession struct {
	elapsed  atomic.Int64
	timedOut atomic.Bool
	done     chan struct{}
	once     sync.Once
}

func startSearchSession(tick, timeout time.Duration) *SearchSession {
	s := &SearchSession{done: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				since := time.Since(start)
				s.elapsed.Store(int64(since / time.Second))
				if timeout > 0 && since >= timeout {
					s.timedOut.Store(true)
				}
			}
		}
	}()
	return s
}

// Stop halts the ticker. Safe to call more than once.
func (s *SearchSession) Stop() {
	s.once.Do(func() { close(s.done) })
}

// ElapsedSeconds returns how long the search has been running.
func (s *SearchSession) ElapsedSeconds() int64 { return s.elapsed.Load() }

// TimedOut reports whether the search exceeded its soft timeout.
func (s *SearchSession) TimedOut() bool { return s.timedOut.Load() }

// Controller is the primary ride lifecycle state machine. It composes the
// Store, the Reconciler and the location provider, owns every timer, and
// is the only writer of lifecycle transitions.
type Controller struct {
	cfg     Config
	store   *Store
	rows    remote.RideRows
	wallet  remote.WalletReader
	locator Locator
	rec     *Reconciler
	logger  *zap.Logger
	tracer  trace.Tracer

	mu          sync.Mutex
	step        Step
	pickup      *domain.GeoLocation
	destination *domain.GeoLocation
	rideType    domain.RideType
	generation  uint64
	booking     bool
	cancelling  bool
	search      *SearchSession
	matchCancel context.CancelFunc
	graceTimer  *time.Timer
	ratingRide  uuid.UUID
	message     string
	closed      bool
}

// NewController wires the state machine to its collaborators. wallet and
// locator may be nil (cash-only bookings, manual pickup entry).
func NewController(cfg Config, store *Store, backend remote.Backend, wallet remote.WalletReader, locator Locator, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:      cfg.withDefaults(),
		store:    store,
		rows:     backend.Rides,
		wallet:   wallet,
		locator:  locator,
		logger:   logger,
		tracer:   otel.Tracer("ride.controller"),
		step:     StepSelect,
		rideType: domain.RideStandard,
	}
	c.rec = NewReconciler(backend.Changes, backend.Locations, backend.Rides, Hooks{
		RowObserved:     c.onRowObserved,
		ProviderChanged: c.onProviderChanged,
		StatusChanged:   c.onStatusChanged,
		Cancelled:       c.onCancelled,
		LocationUpdated: c.onLocationUpdated,
	}, c.cfg.ResubscribeBackoff, logger.Named("reconciler"))
	return c
}

// Initialize recovers or resets state on app start. It must run before the
// booking screen renders: a reload mid-ride would otherwise silently lose
// an active trip. Idempotent: repeated calls tear down and rebuild, never
// duplicating timers or subscriptions.
func (c *Controller) Initialize(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "ride.initialize")
	defer span.End()

	c.teardown()

	ride, found, err := c.store.LoadActiveRide(ctx, c.cfg.RiderID)
	if err != nil {
		c.setMessage("Could not restore your trip. Pull to retry.")
		return err
	}

	if !found {
		c.mu.Lock()
		c.step = StepSelect
		needPickup := c.pickup == nil
		c.mu.Unlock()
		if needPickup && c.locator != nil {
			if loc, err := c.locator.Locate(ctx); err == nil {
				c.mu.Lock()
				if c.pickup == nil {
					c.pickup = &loc
				}
				c.mu.Unlock()
			}
		}
		return nil
	}

	c.store.Adopt(ride)

	c.mu.Lock()
	pickup := ride.Pickup
	destination := ride.Destination
	c.pickup = &pickup
	c.destination = &destination
	c.rideType = ride.RideType
	c.generation++
	if ride.Status == domain.StatusPending {
		c.step = StepSearching
		c.search = startSearchSession(c.cfg.SearchTick, c.cfg.SearchTimeout)
	} else {
		c.step = StepTracking
	}
	rideTransitionsTotal.WithLabelValues(string(c.step)).Inc()
	c.mu.Unlock()

	if ride.ProviderID != nil {
		if _, err := c.store.RefreshDriver(ctx, *ride.ProviderID); err != nil {
			c.logger.Warn("driver refetch on recovery failed", zap.Error(err))
		}
	}

	c.rec.Start(ctx, ride)

	c.logger.Info("recovered active ride",
		zap.String("ride_id", ride.ID.String()),
		zap.String("status", string(ride.Status)))
	return nil
}

// BookOptions parametrize BookRide beyond the pickup/destination already
// held by the controller.
type BookOptions struct {
	Payment PaymentMethod
	// ScheduledAt future-dates the booking: the row is inserted and the
	// controller returns to select without starting a live search.
	ScheduledAt *time.Time
}

// BookRide validates and creates the ride request, then enters searching.
func (c *Controller) BookRide(ctx context.Context, opts BookOptions) error {
	ctx, span := c.tracer.Start(ctx, "ride.book")
	defer span.End()

	c.mu.Lock()
	switch {
	case c.step != StepSelect:
		c.mu.Unlock()
		bookingRejectionsTotal.WithLabelValues("active_ride").Inc()
		return ErrActiveRideExists
	case c.booking || c.cancelling:
		c.mu.Unlock()
		bookingRejectionsTotal.WithLabelValues("in_flight").Inc()
		return ErrBookingInFlight
	case c.pickup == nil:
		c.mu.Unlock()
		bookingRejectionsTotal.WithLabelValues("no_pickup").Inc()
		return ErrNoPickup
	case c.destination == nil:
		c.mu.Unlock()
		bookingRejectionsTotal.WithLabelValues("no_destination").Inc()
		return ErrNoDestination
	}
	pickup := *c.pickup
	destination := *c.destination
	rideType := c.rideType
	c.booking = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.booking = false
		c.mu.Unlock()
	}()

	_, fare := geo.Estimate(pickup, destination, rideType)
	if opts.Payment == PayWallet {
		if c.wallet == nil {
			bookingRejectionsTotal.WithLabelValues("wallet_unavailable").Inc()
			return ErrInsufficientBalance
		}
		balance, err := c.wallet.AvailableBalance(ctx, c.cfg.RiderID)
		if err != nil {
			return fmt.Errorf("read wallet balance: %w", err)
		}
		if balance < fare {
			bookingRejectionsTotal.WithLabelValues("balance").Inc()
			return ErrInsufficientBalance
		}
	}

	created, err := c.store.CreateRideRequest(ctx, CreateParams{
		RiderID:     c.cfg.RiderID,
		Pickup:      pickup,
		Destination: destination,
		RideType:    rideType,
		ScheduledAt: opts.ScheduledAt,
	})
	if err != nil {
		if errors.Is(err, ErrActiveRideExists) {
			bookingRejectionsTotal.WithLabelValues("active_ride").Inc()
			return err
		}
		// recoverable: the user may retry explicitly
		return fmt.Errorf("could not create ride: %w", err)
	}

	if opts.ScheduledAt != nil {
		c.logger.Info("scheduled ride booked",
			zap.String("ride_id", created.ID.String()),
			zap.Time("scheduled_at", *opts.ScheduledAt))
		return nil
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.step = StepSearching
	c.message = ""
	c.search = startSearchSession(c.cfg.SearchTick, c.cfg.SearchTimeout)
	matchCtx, cancel := context.WithCancel(context.Background())
	c.matchCancel = cancel
	rideTransitionsTotal.WithLabelValues(string(StepSearching)).Inc()
	c.mu.Unlock()

	c.rec.Start(ctx, created)

	go c.runMatch(matchCtx, gen, created)
	return nil
}

// runMatch is the best-effort background matching attempt. A result that
// lands after the booking generation moved on (cancel, completion) is
// discarded, never applied.
func (c *Controller) runMatch(ctx context.Context, gen uint64, ride domain.RideRequest) {
	providerID, err := c.store.FindAndMatchDriver(ctx, ride.ID, ride.Pickup, ride.RideType, c.cfg.SearchRadiusKm)
	if err != nil {
		if remote.IsTransient(err) {
			c.logger.Warn("matching attempt failed", zap.Error(err))
		} else {
			c.logger.Error("matching attempt failed", zap.Error(err))
		}
		return
	}
	if providerID == uuid.Nil || ctx.Err() != nil || !c.isCurrent(gen) {
		return
	}
	// converge through the reconciler so local and remote match discovery
	// are the same transition
	if row, err := c.rows.Get(ctx, ride.ID); err == nil {
		c.rec.Observe(row)
	}
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && !c.closed
}

// CancelRide stops the active ride. Step one is the optimistic local stop
// (timers, subscriptions, UI back to select); step two issues the remote
// cancel. A rejection never rolls the UI back: a ride the other party
// already settled is not an error.
func (c *Controller) CancelRide(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "ride.cancel")
	defer span.End()

	c.mu.Lock()
	if c.step != StepSearching && c.step != StepTracking {
		c.mu.Unlock()
		return ErrNotCancellable
	}
	c.cleanupSearchingLocked()
	c.generation++
	c.step = StepSelect
	c.cancelling = true
	rideTransitionsTotal.WithLabelValues(string(StepSelect)).Inc()
	c.mu.Unlock()

	c.rec.Stop()
	err := c.store.CancelActive(ctx, domain.CancelledByRider)

	c.mu.Lock()
	c.cancelling = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("remote cancel failed", zap.Error(err))
		return err
	}
	return nil
}

// SubmitRating finishes the rating step. stars == 0 skips without
// persisting anything.
func (c *Controller) SubmitRating(ctx context.Context, stars int, tip int64, comment string) error {
	c.mu.Lock()
	if c.step != StepRating {
		c.mu.Unlock()
		return ErrNotRating
	}
	rideID := c.ratingRide
	c.mu.Unlock()

	if stars > 0 {
		if err := c.store.SubmitRating(ctx, rideID, stars, tip, comment); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.cleanupSearchingLocked()
	c.generation++
	c.step = StepSelect
	c.ratingRide = uuid.Nil
	rideTransitionsTotal.WithLabelValues(string(StepSelect)).Inc()
	c.mu.Unlock()

	c.rec.Stop()
	c.store.Release()
	return nil
}

// SetPickup overrides the pickup point. Only valid before booking.
func (c *Controller) SetPickup(loc domain.GeoLocation) error {
	return c.setLocation(&loc, true)
}

// SetDestination chooses the destination. Only valid before booking.
func (c *Controller) SetDestination(loc domain.GeoLocation) error {
	return c.setLocation(&loc, false)
}

func (c *Controller) setLocation(loc *domain.GeoLocation, isPickup bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != StepSelect {
		return ErrActiveRideExists
	}
	if isPickup {
		c.pickup = loc
	} else {
		c.destination = loc
	}
	return nil
}

// SelectRideType switches the fare tier for the preview and the next
// booking.
func (c *Controller) SelectRideType(rideType domain.RideType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != StepSelect {
		return ErrActiveRideExists
	}
	c.rideType = rideType
	return nil
}

// FarePreview is the side-effect-free quote shown before booking.
type FarePreview struct {
	DistanceKm float64         `json:"distance_km"`
	Fare       int64           `json:"fare"`
	RideType   domain.RideType `json:"ride_type"`
	ETAMinutes int             `json:"eta_minutes"`
}

// Preview recomputes the fare preview from the current pickup,
// destination and tier. Pure; recomputed on every change.
func (c *Controller) Preview() (FarePreview, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pickup == nil {
		return FarePreview{}, ErrNoPickup
	}
	if c.destination == nil {
		return FarePreview{}, ErrNoDestination
	}
	dist, fare := geo.Estimate(*c.pickup, *c.destination, c.rideType)
	return FarePreview{
		DistanceKm: dist,
		Fare:       fare,
		RideType:   c.rideType,
		ETAMinutes: int(geo.ETA(dist) / time.Minute),
	}, nil
}

// Snapshot is the read-only projection the UI renders.
type Snapshot struct {
	Step           Step                  `json:"step"`
	Pickup         *domain.GeoLocation   `json:"pickup,omitempty"`
	Destination    *domain.GeoLocation   `json:"destination,omitempty"`
	RideType       domain.RideType       `json:"ride_type"`
	Ride           *domain.RideRequest   `json:"ride,omitempty"`
	Driver         *domain.MatchedDriver `json:"driver,omitempty"`
	ElapsedSeconds int64                 `json:"elapsed_seconds"`
	SearchTimedOut bool                  `json:"search_timed_out"`
	StatusText     string                `json:"status_text"`
	Message        string                `json:"message,omitempty"`
}

// Snapshot returns the current UI projection.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Step:        c.step,
		Pickup:      c.pickup,
		Destination: c.destination,
		RideType:    c.rideType,
		Message:     c.message,
	}
	if c.search != nil {
		snap.ElapsedSeconds = c.search.ElapsedSeconds()
		snap.SearchTimedOut = c.search.TimedOut()
	}
	c.mu.Unlock()

	if ride, ok := c.store.Active(); ok {
		r := ride
		snap.Ride = &r
		snap.StatusText = statusText(ride.Status)
	}
	if driver, ok := c.store.Driver(); ok {
		d := driver
		snap.Driver = &d
	}
	return snap
}

// Close releases every timer and subscription. Safe after any step.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.teardown()
}

// teardown is the single choke point releasing timers, the background
// match, and feed subscriptions. Every exit path funnels through here or
// through cleanupSearchingLocked.
func (c *Controller) teardown() {
	c.mu.Lock()
	c.cleanupSearchingLocked()
	c.generation++
	c.step = StepSelect
	c.ratingRide = uuid.Nil
	c.mu.Unlock()
	c.rec.Stop()
}

func (c *Controller) cleanupSearchingLocked() {
	if c.search != nil {
		c.search.Stop()
		c.search = nil
	}
	if c.matchCancel != nil {
		c.matchCancel()
		c.matchCancel = nil
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

func (c *Controller) setMessage(msg string) {
	c.mu.Lock()
	c.message = msg
	c.mu.Unlock()
}

// --- reconciler hooks ---

func (c *Controller) onRowObserved(ride domain.RideRequest) {
	c.store.ApplyRemote(ride)
}

// onProviderChanged covers both the initial match and an admin
// reassignment: structurally the same event, a providerId delta. The old
// projection stays on screen until the new provider's profile has been
// fetched, then is replaced wholesale.
func (c *Controller) onProviderChanged(old, next *uuid.UUID) {
	if next == nil {
		c.store.ClearDriver()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.store.RefreshDriver(ctx, *next); err != nil {
		c.logger.Error("driver refetch failed", zap.Error(err),
			zap.String("provider_id", next.String()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == StepSearching {
		c.cleanupSearchingLocked()
		c.step = StepTracking
		rideTransitionsTotal.WithLabelValues(string(StepTracking)).Inc()
	}
	if old != nil {
		c.logger.Info("provider reassigned",
			zap.String("old", old.String()), zap.String("new", next.String()))
	}
}

func (c *Controller) onStatusChanged(old, next domain.RideStatus) {
	c.logger.Debug("ride status advanced",
		zap.String("from", string(old)), zap.String("to", string(next)))
	if next != domain.StatusCompleted {
		return
	}

	c.mu.Lock()
	if c.step != StepTracking && c.step != StepSearching {
		c.mu.Unlock()
		return
	}
	c.cleanupSearchingLocked()
	c.step = StepRating
	if ride, ok := c.store.Active(); ok {
		c.ratingRide = ride.ID
	}
	rideTransitionsTotal.WithLabelValues(string(StepRating)).Inc()
	// keep the driver marker for a short grace window so it does not
	// vanish the instant the server reports completion
	c.graceTimer = time.AfterFunc(c.cfg.CompletionGrace, func() {
		c.rec.Stop()
	})
	c.mu.Unlock()
}

func (c *Controller) onCancelled() {
	c.mu.Lock()
	if c.step == StepSelect {
		c.mu.Unlock()
		return
	}
	c.cleanupSearchingLocked()
	c.generation++
	c.step = StepSelect
	c.ratingRide = uuid.Nil
	c.message = "Your ride was cancelled."
	rideTransitionsTotal.WithLabelValues(string(StepSelect)).Inc()
	c.mu.Unlock()

	c.rec.Stop()
	c.store.Release()
}

func (c *Controller) onLocationUpdated(providerID uuid.UUID, lat, lng float64) {
	c.store.UpdateDriverLocation(providerID, lat, lng)
}

func statusText(status domain.RideStatus) string {
	switch status {
	case domain.StatusPending:
		return "Looking for a driver near you"
	case domain.StatusMatched:
		return "Driver matched"
	case domain.StatusArriving:
		return "Driver is on the way"
	case domain.StatusArrived:
		return "Driver has arrived"
	case domain.StatusPickup, domain.StatusPickedUp:
		return "Heading to your destination"
	case domain.StatusInProgress:
		return "Trip in progress"
	case domain.StatusCompleted:
		return "Trip completed"
	case domain.StatusCancelled:
		return "Ride cancelled"
	default:
		return string(status)
	}
}
