package redisdir_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/remote"
	"github.com/immerspwada/deliber/internal/remote/redisdir"
)

func newRedisClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, cleanup
}

func TestDirectoryProviderProfileRoundTrip(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	dir := redisdir.NewDirectory(client, "")
	ctx := context.Background()
	driver := domain.MatchedDriver{
		ID:         uuid.New(),
		Name:       "Somchai",
		Phone:      "+66-81-000-0000",
		Rating:     4.8,
		TotalTrips: 812,
		Vehicle:    domain.Vehicle{Type: "sedan", Color: "silver", Plate: "1กข 1234"},
		AvatarURL:  "https://cdn.example.com/avatars/somchai.png",
	}
	require.NoError(t, dir.UpsertProvider(ctx, driver, domain.RideStandard, 13.75, 100.50))

	loaded, err := dir.GetProvider(ctx, driver.ID)
	require.NoError(t, err)
	require.Equal(t, driver.Name, loaded.Name)
	require.Equal(t, driver.Phone, loaded.Phone)
	require.Equal(t, driver.Rating, loaded.Rating)
	require.Equal(t, driver.TotalTrips, loaded.TotalTrips)
	require.Equal(t, driver.Vehicle, loaded.Vehicle)
	require.Equal(t, driver.AvatarURL, loaded.AvatarURL)
}

func TestDirectoryUnknownProviderIsNotFound(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	dir := redisdir.NewDirectory(client, "")
	_, err := dir.GetProvider(context.Background(), uuid.New())
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestLocationFeedDeliversPublishedSamples(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	feed := redisdir.NewLocationFeed(client)
	ctx := context.Background()
	providerID := uuid.New()

	sub, err := feed.SubscribeProvider(ctx, providerID)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, feed.PublishLocation(ctx, remote.ProviderLocation{
		ProviderID: providerID,
		Lat:        13.76,
		Lng:        100.51,
	}))

	select {
	case loc := <-sub.Events():
		require.Equal(t, providerID, loc.ProviderID)
		require.Equal(t, 13.76, loc.Lat)
		require.Equal(t, 100.51, loc.Lng)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for location sample")
	}
}

func TestLocationFeedUnsubscribeIsNotATransportDrop(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	feed := redisdir.NewLocationFeed(client)
	sub, err := feed.SubscribeProvider(context.Background(), uuid.New())
	require.NoError(t, err)

	sub.Unsubscribe()

	// the events channel closes, but teardown must not look like a drop
	select {
	case _, ok := <-sub.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
	select {
	case err := <-sub.Err():
		t.Fatalf("unexpected transport error after unsubscribe: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLocationFeedIgnoresOtherProviders(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	feed := redisdir.NewLocationFeed(client)
	ctx := context.Background()
	watched := uuid.New()

	sub, err := feed.SubscribeProvider(ctx, watched)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, feed.PublishLocation(ctx, remote.ProviderLocation{ProviderID: uuid.New(), Lat: 1, Lng: 1}))
	require.NoError(t, feed.PublishLocation(ctx, remote.ProviderLocation{ProviderID: watched, Lat: 2, Lng: 2}))

	select {
	case loc := <-sub.Events():
		require.Equal(t, watched, loc.ProviderID)
		require.Equal(t, 2.0, loc.Lat)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for location sample")
	}
}
