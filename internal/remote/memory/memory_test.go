package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/remote"
	"github.com/immerspwada/deliber/internal/remote/memory"
)

func createPending(t *testing.T, store *memory.Store, riderID uuid.UUID) domain.RideRequest {
	t.Helper()
	created, err := store.Create(context.Background(), domain.RideRequest{
		RiderID:     riderID,
		Pickup:      domain.GeoLocation{Lat: 13.75, Lng: 100.50},
		Destination: domain.GeoLocation{Lat: 13.80, Lng: 100.55},
		RideType:    domain.RideStandard,
		Status:      domain.StatusPending,
	})
	require.NoError(t, err)
	return created
}

func TestTryAssignProviderGuardsTheRace(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	created := createPending(t, store, uuid.New())

	winner := uuid.New()
	assigned, err := store.TryAssignProvider(ctx, created.ID, winner)
	require.NoError(t, err)
	require.True(t, assigned)

	// the losing attempt is a quiet no, never an error
	assigned, err = store.TryAssignProvider(ctx, created.ID, uuid.New())
	require.NoError(t, err)
	require.False(t, assigned)

	row, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, winner, *row.ProviderID)
	require.Equal(t, domain.StatusMatched, row.Status)
}

func TestCancelIsIdempotentOnTerminalRows(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	created := createPending(t, store, uuid.New())

	require.NoError(t, store.Complete(ctx, created.ID, 135))
	require.NoError(t, store.Cancel(ctx, created.ID, domain.CancelledByRider))

	row, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, row.Status)
	require.Equal(t, int64(135), row.FinalFare)
}

func TestAdvanceStatusRejectsIllegalTransition(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	created := createPending(t, store, uuid.New())

	err := store.AdvanceStatus(ctx, created.ID, domain.StatusInProgress)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestActiveForRiderSkipsScheduledAndTerminalRows(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	riderID := uuid.New()

	done := createPending(t, store, riderID)
	require.NoError(t, store.Complete(ctx, done.ID, 100))

	at := time.Now().Add(3 * time.Hour).UTC()
	_, err := store.Create(ctx, domain.RideRequest{
		RiderID:     riderID,
		Status:      domain.StatusPending,
		ScheduledAt: &at,
	})
	require.NoError(t, err)

	_, err = store.ActiveForRider(ctx, riderID)
	require.ErrorIs(t, err, remote.ErrNotFound)

	live := createPending(t, store, riderID)
	found, err := store.ActiveForRider(ctx, riderID)
	require.NoError(t, err)
	require.Equal(t, live.ID, found.ID)
}

func TestChangeFeedDeliversRowMutations(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	created := createPending(t, store, uuid.New())

	sub, err := store.SubscribeRide(ctx, created.ID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	providerID := uuid.New()
	assigned, err := store.TryAssignProvider(ctx, created.ID, providerID)
	require.NoError(t, err)
	require.True(t, assigned)

	select {
	case change := <-sub.Events():
		require.Equal(t, remote.EventUpdate, change.Kind)
		require.Equal(t, created.ID, change.Ride.ID)
		require.Equal(t, providerID, *change.Ride.ProviderID)
		require.Greater(t, change.Ride.Version, created.Version)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestChangeFeedKeepsNewestEventWhenBufferFills(t *testing.T) {
	store := memory.New(nil)
	ctx := context.Background()
	created := createPending(t, store, uuid.New())

	sub, err := store.SubscribeRide(ctx, created.ID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assigned, err := store.TryAssignProvider(ctx, created.ID, uuid.New())
	require.NoError(t, err)
	require.True(t, assigned)

	// overflow the subscriber buffer without draining; the final row must
	// survive the overflow
	var last uuid.UUID
	for i := 0; i < 40; i++ {
		last = uuid.New()
		require.NoError(t, store.ReassignProvider(created.ID, last))
	}

	var final domain.RideRequest
	for drained := false; !drained; {
		select {
		case change := <-sub.Events():
			final = change.Ride
		default:
			drained = true
		}
	}
	require.NotNil(t, final.ProviderID)
	require.Equal(t, last, *final.ProviderID)
}
