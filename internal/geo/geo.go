// Package geo holds the pure distance, fare and ETA math shared by the
// pre-booking preview and the post-booking display. The fare formula must
// stay numerically identical to the authoritative server computation: the
// rider commits to this number before the server confirms it.
package geo

import (
	"math"
	"time"

	"github.com/immerspwada/deliber/internal/domain"
)

const earthRadiusKm = 6371.0

// Tier holds the pricing constants for one ride type.
type Tier struct {
	BaseFare    float64
	PerKmRate   float64
	MinimumFare float64
}

var fareTable = map[domain.RideType]Tier{
	domain.RideStandard: {BaseFare: 35, PerKmRate: 10, MinimumFare: 50},
	domain.RidePremium:  {BaseFare: 35, PerKmRate: 15, MinimumFare: 80},
	domain.RideShared:   {BaseFare: 35, PerKmRate: 8, MinimumFare: 40},
}

// TierFor returns the pricing tier for a ride type, defaulting to standard
// for unknown values.
func TierFor(rideType domain.RideType) Tier {
	if tier, ok := fareTable[rideType]; ok {
		return tier
	}
	return fareTable[domain.RideStandard]
}

// DistanceKm returns the great-circle distance between two points in
// kilometers (haversine).
func DistanceKm(a, b domain.GeoLocation) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// Fare computes fare = round(max(base + km*rate, minimum)) for the tier.
func Fare(distanceKm float64, rideType domain.RideType) int64 {
	tier := TierFor(rideType)
	fare := tier.BaseFare + distanceKm*tier.PerKmRate
	if fare < tier.MinimumFare {
		fare = tier.MinimumFare
	}
	return int64(math.Round(fare))
}

// Estimate computes distance and fare between pickup and destination.
func Estimate(pickup, destination domain.GeoLocation, rideType domain.RideType) (distanceKm float64, fare int64) {
	distanceKm = DistanceKm(pickup, destination)
	return distanceKm, Fare(distanceKm, rideType)
}

// ETA is a display-only heuristic, roughly three minutes per kilometer.
// Never used for billing.
func ETA(distanceKm float64) time.Duration {
	minutes := distanceKm * 3
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(math.Round(minutes)) * time.Minute
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
