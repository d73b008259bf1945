package ride_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/remote"
	"github.com/immerspwada/deliber/internal/remote/memory"
	"github.com/immerspwada/deliber/internal/ride"
)

var (
	testPickup      = domain.GeoLocation{Lat: 13.7563, Lng: 100.5018, Address: "Siam"}
	testDestination = domain.GeoLocation{Lat: 13.6900, Lng: 100.7501, Address: "Airport"}
)

func testConfig(riderID uuid.UUID) ride.Config {
	return ride.Config{
		RiderID:            riderID,
		SearchRadiusKm:     5,
		SearchTick:         10 * time.Millisecond,
		SearchTimeout:      time.Second,
		CompletionGrace:    50 * time.Millisecond,
		ResubscribeBackoff: 10 * time.Millisecond,
	}
}

func newController(t *testing.T, backend *memory.Store, riderID uuid.UUID) *ride.Controller {
	t.Helper()
	store := ride.NewStore(backend, backend, nil, nil)
	ctrl := ride.NewController(testConfig(riderID), store, backend.Backend(), backend, nil, nil)
	t.Cleanup(ctrl.Close)
	return ctrl
}

func seedDriver(backend *memory.Store, rideType domain.RideType) domain.MatchedDriver {
	driver := domain.MatchedDriver{
		ID:         uuid.New(),
		Name:       "Somchai",
		Phone:      "+66-81-000-0000",
		Rating:     4.8,
		TotalTrips: 812,
		Vehicle:    domain.Vehicle{Type: "sedan", Color: "silver", Plate: "1กข 1234"},
	}
	backend.UpsertProvider(driver, rideType, testPickup.Lat+0.001, testPickup.Lng+0.001, true)
	return driver
}

func waitStep(t *testing.T, ctrl *ride.Controller, step ride.Step) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Step == step
	}, 2*time.Second, 10*time.Millisecond, "waiting for step %s, at %s", step, ctrl.Snapshot().Step)
}

func bookAndTrack(t *testing.T, ctrl *ride.Controller) domain.RideRequest {
	t.Helper()
	require.NoError(t, ctrl.SetPickup(testPickup))
	require.NoError(t, ctrl.SetDestination(testDestination))
	require.NoError(t, ctrl.BookRide(context.Background(), ride.BookOptions{Payment: ride.PayCash}))
	waitStep(t, ctrl, ride.StepTracking)
	snap := ctrl.Snapshot()
	require.NotNil(t, snap.Ride)
	return *snap.Ride
}

func TestBookRideValidation(t *testing.T) {
	backend := memory.New(nil)
	ctrl := newController(t, backend, uuid.New())
	ctx := context.Background()

	err := ctrl.BookRide(ctx, ride.BookOptions{})
	require.ErrorIs(t, err, ride.ErrNoPickup)

	require.NoError(t, ctrl.SetPickup(testPickup))
	err = ctrl.BookRide(ctx, ride.BookOptions{})
	require.ErrorIs(t, err, ride.ErrNoDestination)
}

func TestBookRideWalletBalanceGuard(t *testing.T) {
	backend := memory.New(nil)
	riderID := uuid.New()
	ctrl := newController(t, backend, riderID)
	ctx := context.Background()

	require.NoError(t, ctrl.SetPickup(testPickup))
	require.NoError(t, ctrl.SetDestination(testDestination))

	preview, err := ctrl.Preview()
	require.NoError(t, err)

	backend.SetBalance(riderID, preview.Fare-1)
	err = ctrl.BookRide(ctx, ride.BookOptions{Payment: ride.PayWallet})
	require.ErrorIs(t, err, ride.ErrInsufficientBalance)

	backend.SetBalance(riderID, preview.Fare)
	require.NoError(t, ctrl.BookRide(ctx, ride.BookOptions{Payment: ride.PayWallet}))
}

func TestBookThroughMatchToTracking(t *testing.T) {
	backend := memory.New(nil)
	driver := seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())

	booked := bookAndTrack(t, ctrl)
	require.Equal(t, domain.StatusMatched, booked.Status)
	require.NotNil(t, booked.ProviderID)
	require.Equal(t, driver.ID, *booked.ProviderID)

	snap := ctrl.Snapshot()
	require.NotNil(t, snap.Driver)
	require.Equal(t, driver.Name, snap.Driver.Name)
	require.Equal(t, driver.Vehicle.Plate, snap.Driver.Vehicle.Plate)
}

func TestBookTracksThroughFailedFeedSubscribe(t *testing.T) {
	backend := memory.New(nil)
	driver := seedDriver(backend, domain.RideStandard)

	feedBackend := backend.Backend()
	feedBackend.Changes = &flakyChangeFeed{inner: backend, failures: 1}

	store := ride.NewStore(backend, backend, nil, nil)
	ctrl := ride.NewController(testConfig(uuid.New()), store, feedBackend, backend, nil, nil)
	t.Cleanup(ctrl.Close)

	require.NoError(t, ctrl.SetPickup(testPickup))
	require.NoError(t, ctrl.SetDestination(testDestination))
	require.NoError(t, ctrl.BookRide(context.Background(), ride.BookOptions{Payment: ride.PayCash}))

	// the local match must land even though the feed was dark at book time
	waitStep(t, ctrl, ride.StepTracking)
	snap := ctrl.Snapshot()
	require.NotNil(t, snap.Driver)
	require.Equal(t, driver.ID, snap.Driver.ID)

	// and the feed itself comes back via the backoff loop
	require.Eventually(t, func() bool {
		return backend.OpenRideSubscriptions() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSecondBookingRejectedWhileActive(t *testing.T) {
	backend := memory.New(nil)
	seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())

	bookAndTrack(t, ctrl)
	err := ctrl.BookRide(context.Background(), ride.BookOptions{})
	require.ErrorIs(t, err, ride.ErrActiveRideExists)
}

func TestDriverLocationFlowsIntoSnapshot(t *testing.T) {
	backend := memory.New(nil)
	driver := seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())
	bookAndTrack(t, ctrl)

	require.Eventually(t, func() bool {
		backend.PublishLocation(remote.ProviderLocation{ProviderID: driver.ID, Lat: 13.7571, Lng: 100.5030})
		snap := ctrl.Snapshot()
		return snap.Driver != nil && snap.Driver.CurrentLat == 13.7571
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRemoteStatusAdvancesSnapshot(t *testing.T) {
	backend := memory.New(nil)
	seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())
	booked := bookAndTrack(t, ctrl)

	require.NoError(t, backend.AdvanceStatus(context.Background(), booked.ID, domain.StatusArriving))
	require.Eventually(t, func() bool {
		snap := ctrl.Snapshot()
		return snap.Ride != nil && snap.Ride.Status == domain.StatusArriving
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "Driver is on the way", ctrl.Snapshot().StatusText)
}

func TestCompletionEntersRatingAndSubmitReturnsToSelect(t *testing.T) {
	backend := memory.New(nil)
	seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())
	booked := bookAndTrack(t, ctrl)

	require.NoError(t, backend.AdvanceStatus(context.Background(), booked.ID, domain.StatusPickup))
	require.NoError(t, backend.AdvanceStatus(context.Background(), booked.ID, domain.StatusInProgress))
	require.NoError(t, backend.Complete(context.Background(), booked.ID, booked.EstimatedFare))
	waitStep(t, ctrl, ride.StepRating)

	// final fare flowed through the row observation
	snap := ctrl.Snapshot()
	require.NotNil(t, snap.Ride)
	require.Equal(t, booked.EstimatedFare, snap.Ride.FinalFare)

	require.NoError(t, ctrl.SubmitRating(context.Background(), 5, 20, "smooth ride"))
	waitStep(t, ctrl, ride.StepSelect)

	ratings := backend.Ratings()
	require.Len(t, ratings, 1)
	require.Equal(t, booked.ID, ratings[0].RideID)
	require.Equal(t, 5, ratings[0].Stars)
	require.Equal(t, int64(20), ratings[0].TipAmount)
}

func TestRatingSkipPersistsNothing(t *testing.T) {
	backend := memory.New(nil)
	seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())
	booked := bookAndTrack(t, ctrl)

	require.NoError(t, backend.Complete(context.Background(), booked.ID, booked.EstimatedFare))
	waitStep(t, ctrl, ride.StepRating)

	require.NoError(t, ctrl.SubmitRating(context.Background(), 0, 0, ""))
	waitStep(t, ctrl, ride.StepSelect)
	require.Empty(t, backend.Ratings())
}

func TestCancelDuringSearchStopsLocallyFirst(t *testing.T) {
	backend := memory.New(nil) // no drivers: search never resolves
	ctrl := newController(t, backend, uuid.New())

	require.NoError(t, ctrl.SetPickup(testPickup))
	require.NoError(t, ctrl.SetDestination(testDestination))
	require.NoError(t, ctrl.BookRide(context.Background(), ride.BookOptions{}))
	waitStep(t, ctrl, ride.StepSearching)

	rideID := ctrl.Snapshot().Ride.ID
	require.NoError(t, ctrl.CancelRide(context.Background()))
	require.Equal(t, ride.StepSelect, ctrl.Snapshot().Step)

	row, err := backend.Get(context.Background(), rideID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, row.Status)

	require.Eventually(t, func() bool {
		return backend.OpenRideSubscriptions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLateMatchAfterCancelIsDiscarded(t *testing.T) {
	backend := memory.New(nil)
	ctrl := newController(t, backend, uuid.New())

	require.NoError(t, ctrl.SetPickup(testPickup))
	require.NoError(t, ctrl.SetDestination(testDestination))
	require.NoError(t, ctrl.BookRide(context.Background(), ride.BookOptions{}))
	waitStep(t, ctrl, ride.StepSearching)
	require.NoError(t, ctrl.CancelRide(context.Background()))

	// a provider appearing now must not resurrect the cancelled trip
	seedDriver(backend, domain.RideStandard)
	time.Sleep(100 * time.Millisecond)
	snap := ctrl.Snapshot()
	require.Equal(t, ride.StepSelect, snap.Step)
	require.Nil(t, snap.Driver)
}

func TestRemoteCancellationReturnsToSelect(t *testing.T) {
	backend := memory.New(nil)
	seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())
	booked := bookAndTrack(t, ctrl)

	require.NoError(t, backend.Cancel(context.Background(), booked.ID, domain.CancelledByProvider))
	waitStep(t, ctrl, ride.StepSelect)

	snap := ctrl.Snapshot()
	require.NotEmpty(t, snap.Message)
	require.Nil(t, snap.Driver)
}

func TestScheduledBookingDoesNotStartSearch(t *testing.T) {
	backend := memory.New(nil)
	riderID := uuid.New()
	ctrl := newController(t, backend, riderID)

	require.NoError(t, ctrl.SetPickup(testPickup))
	require.NoError(t, ctrl.SetDestination(testDestination))
	at := time.Now().Add(2 * time.Hour).UTC()
	require.NoError(t, ctrl.BookRide(context.Background(), ride.BookOptions{ScheduledAt: &at}))

	require.Equal(t, ride.StepSelect, ctrl.Snapshot().Step)
	require.Zero(t, backend.OpenRideSubscriptions())

	// the scheduled row exists remotely but never occupies the active slot
	_, err := backend.ActiveForRider(context.Background(), riderID)
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestSearchTimeoutSurfacesInSnapshot(t *testing.T) {
	backend := memory.New(nil)
	cfg := testConfig(uuid.New())
	cfg.SearchTimeout = 30 * time.Millisecond
	store := ride.NewStore(backend, backend, nil, nil)
	ctrl := ride.NewController(cfg, store, backend.Backend(), backend, nil, nil)
	t.Cleanup(ctrl.Close)

	require.NoError(t, ctrl.SetPickup(testPickup))
	require.NoError(t, ctrl.SetDestination(testDestination))
	require.NoError(t, ctrl.BookRide(context.Background(), ride.BookOptions{}))

	require.Eventually(t, func() bool {
		snap := ctrl.Snapshot()
		return snap.Step == ride.StepSearching && snap.SearchTimedOut
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitializeRecoversTrackedRide(t *testing.T) {
	backend := memory.New(nil)
	driver := seedDriver(backend, domain.RideStandard)
	riderID := uuid.New()

	first := newController(t, backend, riderID)
	booked := bookAndTrack(t, first)
	first.Close()

	second := newController(t, backend, riderID)
	require.NoError(t, second.Initialize(context.Background()))

	snap := second.Snapshot()
	require.Equal(t, ride.StepTracking, snap.Step)
	require.NotNil(t, snap.Ride)
	require.Equal(t, booked.ID, snap.Ride.ID)
	require.NotNil(t, snap.Driver)
	require.Equal(t, driver.ID, snap.Driver.ID)
	require.Equal(t, testPickup.Address, snap.Pickup.Address)
}

func TestInitializeRecoversSearchingRide(t *testing.T) {
	backend := memory.New(nil)
	riderID := uuid.New()

	first := newController(t, backend, riderID)
	require.NoError(t, first.SetPickup(testPickup))
	require.NoError(t, first.SetDestination(testDestination))
	require.NoError(t, first.BookRide(context.Background(), ride.BookOptions{}))
	waitStep(t, first, ride.StepSearching)
	first.Close()

	second := newController(t, backend, riderID)
	require.NoError(t, second.Initialize(context.Background()))
	require.Equal(t, ride.StepSearching, second.Snapshot().Step)

	// a match landing now still reaches the recovered controller
	driver := seedDriver(backend, domain.RideStandard)
	rideID := second.Snapshot().Ride.ID
	assigned, err := backend.TryAssignProvider(context.Background(), rideID, driver.ID)
	require.NoError(t, err)
	require.True(t, assigned)
	waitStep(t, second, ride.StepTracking)
}

func TestInitializeIsIdempotent(t *testing.T) {
	backend := memory.New(nil)
	seedDriver(backend, domain.RideStandard)
	riderID := uuid.New()

	ctrl := newController(t, backend, riderID)
	bookAndTrack(t, ctrl)

	require.NoError(t, ctrl.Initialize(context.Background()))
	require.NoError(t, ctrl.Initialize(context.Background()))

	require.Eventually(t, func() bool {
		return backend.OpenRideSubscriptions() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, ride.StepTracking, ctrl.Snapshot().Step)
}

func TestInitializeWithNoActiveRideUsesLocator(t *testing.T) {
	backend := memory.New(nil)
	store := ride.NewStore(backend, backend, nil, nil)
	home := domain.GeoLocation{Lat: 13.7563, Lng: 100.5018, Address: "Bangkok"}
	ctrl := ride.NewController(testConfig(uuid.New()), store, backend.Backend(), backend, locatorFunc(func(context.Context) (domain.GeoLocation, error) {
		return home, nil
	}), nil)
	t.Cleanup(ctrl.Close)

	require.NoError(t, ctrl.Initialize(context.Background()))
	snap := ctrl.Snapshot()
	require.Equal(t, ride.StepSelect, snap.Step)
	require.NotNil(t, snap.Pickup)
	require.Equal(t, home.Address, snap.Pickup.Address)
}

type locatorFunc func(ctx context.Context) (domain.GeoLocation, error)

func (f locatorFunc) Locate(ctx context.Context) (domain.GeoLocation, error) { return f(ctx) }

func TestProviderReassignmentReplacesDriverProjection(t *testing.T) {
	backend := memory.New(nil)
	first := seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())
	booked := bookAndTrack(t, ctrl)

	replacement := domain.MatchedDriver{
		ID:      uuid.New(),
		Name:    "Anong",
		Vehicle: domain.Vehicle{Type: "suv", Color: "black", Plate: "2ขค 9876"},
	}
	backend.UpsertProvider(replacement, domain.RideStandard, testPickup.Lat, testPickup.Lng, true)
	require.NoError(t, backend.ReassignProvider(booked.ID, replacement.ID))

	require.Eventually(t, func() bool {
		snap := ctrl.Snapshot()
		return snap.Driver != nil && snap.Driver.ID == replacement.ID
	}, 2*time.Second, 10*time.Millisecond)

	// stale positions from the old driver no longer move the marker
	backend.PublishLocation(remote.ProviderLocation{ProviderID: first.ID, Lat: 99, Lng: 99})
	time.Sleep(50 * time.Millisecond)
	snap := ctrl.Snapshot()
	require.NotEqual(t, float64(99), snap.Driver.CurrentLat)
}

func TestCloseReleasesAllSubscriptions(t *testing.T) {
	backend := memory.New(nil)
	seedDriver(backend, domain.RideStandard)
	ctrl := newController(t, backend, uuid.New())
	bookAndTrack(t, ctrl)

	ctrl.Close()
	require.Eventually(t, func() bool {
		return backend.OpenRideSubscriptions() == 0 && backend.OpenLocationSubscriptions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
