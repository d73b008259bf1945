// Package redisdir backs the provider directory and the live-location feed
// with Redis: a GEO index for the findNearbyProviders procedure, hashes for
// provider profiles, and pub/sub channels for position streams.
package redisdir

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/remote"
)

const (
	defaultGeoKey        = "providers:geo"
	defaultProfilePrefix = "providers:profile:"
)

// Directory implements remote.ProviderDirectory over Redis.
type Directory struct {
	client        redis.UniversalClient
	geoKey        string
	profilePrefix string
}

// NewDirectory constructs the directory.
func NewDirectory(client redis.UniversalClient, geoKey string) *Directory {
	if geoKey == "" {
		geoKey = defaultGeoKey
	}
	return &Directory{client: client, geoKey: geoKey, profilePrefix: defaultProfilePrefix}
}

func (d *Directory) key(rideType domain.RideType) string {
	return fmt.Sprintf("%s:%s", d.geoKey, rideType)
}

// FindNearbyProviders returns candidates within radiusKm of the pickup,
// nearest first.
func (d *Directory) FindNearbyProviders(ctx context.Context, lat, lng, radiusKm float64, rideType domain.RideType) ([]remote.ProviderCandidate, error) {
	results, err := d.client.GeoSearchLocation(ctx, d.key(rideType), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}

	candidates := make([]remote.ProviderCandidate, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid provider id in geo index: %s", res.Name)
		}
		candidates = append(candidates, remote.ProviderCandidate{ID: id, DistanceKm: res.Dist})
	}
	return candidates, nil
}

// GetProvider loads the full profile hash for a provider.
func (d *Directory) GetProvider(ctx context.Context, id uuid.UUID) (domain.MatchedDriver, error) {
	fields, err := d.client.HGetAll(ctx, d.profilePrefix+id.String()).Result()
	if err != nil {
		return domain.MatchedDriver{}, fmt.Errorf("provider profile: %w", err)
	}
	if len(fields) == 0 {
		return domain.MatchedDriver{}, remote.ErrNotFound
	}

	driver := domain.MatchedDriver{
		ID:        id,
		Name:      fields["name"],
		Phone:     fields["phone"],
		AvatarURL: fields["avatar_url"],
		Vehicle: domain.Vehicle{
			Type:  fields["vehicle_type"],
			Color: fields["vehicle_color"],
			Plate: fields["vehicle_plate"],
		},
	}
	if v, err := strconv.ParseFloat(fields["rating"], 64); err == nil {
		driver.Rating = v
	}
	if v, err := strconv.Atoi(fields["total_trips"]); err == nil {
		driver.TotalTrips = v
	}
	return driver, nil
}

// UpsertProvider writes a profile and geo position (used by seeders and
// tests; in production the provider app maintains these).
func (d *Directory) UpsertProvider(ctx context.Context, driver domain.MatchedDriver, rideType domain.RideType, lat, lng float64) error {
	if err := d.client.HSet(ctx, d.profilePrefix+driver.ID.String(), map[string]any{
		"name":          driver.Name,
		"phone":         driver.Phone,
		"rating":        strconv.FormatFloat(driver.Rating, 'f', -1, 64),
		"total_trips":   strconv.Itoa(driver.TotalTrips),
		"vehicle_type":  driver.Vehicle.Type,
		"vehicle_color": driver.Vehicle.Color,
		"vehicle_plate": driver.Vehicle.Plate,
		"avatar_url":    driver.AvatarURL,
	}).Err(); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	if err := d.client.GeoAdd(ctx, d.key(rideType), &redis.GeoLocation{
		Name:      driver.ID.String(),
		Longitude: lng,
		Latitude:  lat,
	}).Err(); err != nil {
		return fmt.Errorf("write geo position: %w", err)
	}
	return nil
}
