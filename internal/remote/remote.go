// Package remote defines the boundary between the rider client and the
// remote system of record. The client reaches the backend through exactly
// three call shapes: row CRUD with conditional predicates, a nearby-provider
// procedure, and change-feed subscriptions. Everything behind these
// interfaces is an opaque collaborator.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/immerspwada/deliber/internal/domain"
)

var (
	// ErrNotFound indicates a missing row.
	ErrNotFound = errors.New("remote: not found")
	// ErrUnavailable marks transient transport failures that callers may
	// retry or surface as recoverable.
	ErrUnavailable = errors.New("remote: unavailable")
)

// IsTransient reports whether err is a transport-level failure worth a
// retry rather than a terminal error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// EventKind tags a change-feed row event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
)

// RideChange is one mutation of a ride row as seen on the change feed.
type RideChange struct {
	Kind EventKind          `json:"event"`
	Ride domain.RideRequest `json:"row"`
}

// RideSubscription delivers change events for a single ride row.
// Unsubscribe must be called on every teardown path; afterwards no
// further events are delivered.
type RideSubscription interface {
	Events() <-chan RideChange
	// Err reports transport drops. The transport is expected to fail
	// occasionally; receivers resubscribe rather than treat it as fatal.
	Err() <-chan error
	Unsubscribe()
}

// ProviderLocation is one live position sample for a provider.
type ProviderLocation struct {
	ProviderID uuid.UUID `json:"provider_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	At         time.Time `json:"at"`
}

// LocationSubscription delivers live positions for a single provider.
type LocationSubscription interface {
	Events() <-chan ProviderLocation
	Err() <-chan error
	Unsubscribe()
}

// RideRows is the CRUD face of the remote relational store.
type RideRows interface {
	Create(ctx context.Context, ride domain.RideRequest) (domain.RideRequest, error)
	Get(ctx context.Context, id uuid.UUID) (domain.RideRequest, error)
	// ActiveForRider returns the rider's single non-terminal ride, or
	// ErrNotFound when none exists.
	ActiveForRider(ctx context.Context, riderID uuid.UUID) (domain.RideRequest, error)
	// TryAssignProvider performs the match race-guard: assign the provider
	// and flip status to matched only while the row is still pending and
	// unassigned. A lost race returns (false, nil), never an error.
	TryAssignProvider(ctx context.Context, rideID, providerID uuid.UUID) (bool, error)
	// AdvanceStatus moves the row forward, validating the transition table.
	AdvanceStatus(ctx context.Context, rideID uuid.UUID, status domain.RideStatus) error
	Complete(ctx context.Context, rideID uuid.UUID, finalFare int64) error
	// Cancel is idempotent: a row already terminal is a no-op.
	Cancel(ctx context.Context, rideID uuid.UUID, reason domain.CancelReason) error
	SaveRating(ctx context.Context, rating domain.Rating) error
}

// ProviderCandidate is one ranked result of the nearby-provider procedure.
type ProviderCandidate struct {
	ID         uuid.UUID
	DistanceKm float64
}

// ProviderDirectory exposes the server-side findNearbyProviders procedure
// and the provider profile read used to (re)build MatchedDriver.
type ProviderDirectory interface {
	FindNearbyProviders(ctx context.Context, lat, lng, radiusKm float64, rideType domain.RideType) ([]ProviderCandidate, error)
	GetProvider(ctx context.Context, id uuid.UUID) (domain.MatchedDriver, error)
}

// ChangeFeed hands out per-ride row subscriptions.
type ChangeFeed interface {
	SubscribeRide(ctx context.Context, rideID uuid.UUID) (RideSubscription, error)
}

// LocationFeed hands out per-provider live location subscriptions,
// independent of the ride row feed.
type LocationFeed interface {
	SubscribeProvider(ctx context.Context, providerID uuid.UUID) (LocationSubscription, error)
}

// WalletReader is the read-only view into the excluded wallet feature,
// consulted before accepting a wallet-paid booking.
type WalletReader interface {
	AvailableBalance(ctx context.Context, riderID uuid.UUID) (int64, error)
}

// Backend bundles the four faces a composed client needs.
type Backend struct {
	Rides     RideRows
	Providers ProviderDirectory
	Changes   ChangeFeed
	Locations LocationFeed
}
