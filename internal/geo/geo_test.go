package geo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/geo"
)

func TestFareKnownValues(t *testing.T) {
	cases := []struct {
		name     string
		distance float64
		rideType domain.RideType
		want     int64
	}{
		{"zero distance hits standard floor", 0, domain.RideStandard, 50},
		{"ten km standard", 10, domain.RideStandard, 135},
		{"one km premium hits floor", 1, domain.RidePremium, 80},
		{"ten km shared", 10, domain.RideShared, 120},
		{"ten km premium", 10, domain.RidePremium, 185},
		{"unknown tier falls back to standard", 10, domain.RideType("luxury"), 135},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, geo.Fare(tc.distance, tc.rideType))
		})
	}
}

func TestFareMonotonicInDistance(t *testing.T) {
	for _, rideType := range []domain.RideType{domain.RideStandard, domain.RidePremium, domain.RideShared} {
		prev := geo.Fare(0, rideType)
		for km := 0.5; km < 50; km += 0.5 {
			fare := geo.Fare(km, rideType)
			require.GreaterOrEqual(t, fare, prev, "fare must not decrease with distance (%s @ %.1f km)", rideType, km)
			prev = fare
		}
	}
}

func TestDistanceKm(t *testing.T) {
	a := domain.GeoLocation{Lat: 13.7563, Lng: 100.5018} // Bangkok city center
	b := domain.GeoLocation{Lat: 13.6900, Lng: 100.7501} // Suvarnabhumi airport

	dist := geo.DistanceKm(a, b)
	require.InDelta(t, 27.9, dist, 1.0)

	require.Zero(t, geo.DistanceKm(a, a))
	require.InDelta(t, geo.DistanceKm(a, b), geo.DistanceKm(b, a), 1e-9)
}

func TestETA(t *testing.T) {
	require.Equal(t, "30m0s", geo.ETA(10).String())
	// short hops never round down to zero
	require.Equal(t, "1m0s", geo.ETA(0.1).String())
}
