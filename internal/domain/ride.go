package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// RideStatus is the client-observed superset of server ride states.
type RideStatus string

const (
	StatusPending    RideStatus = "pending"
	StatusMatched    RideStatus = "matched"
	StatusArriving   RideStatus = "arriving"
	StatusArrived    RideStatus = "arrived"
	StatusPickup     RideStatus = "pickup"
	StatusPickedUp   RideStatus = "picked_up"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid ride status transition")

// Terminal reports whether the status ends the ride's lifecycle.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var allowedTransitions = map[RideStatus][]RideStatus{
	StatusPending:    {StatusMatched, StatusCancelled},
	StatusMatched:    {StatusArriving, StatusPickup, StatusCancelled},
	StatusArriving:   {StatusArrived, StatusPickup, StatusCancelled},
	StatusArrived:    {StatusPickup, StatusPickedUp, StatusCancelled},
	StatusPickup:     {StatusPickedUp, StatusInProgress, StatusCancelled},
	StatusPickedUp:   {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle step. Same-status writes are allowed so that redundant
// remote events stay idempotent.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	if s == next {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// RideType selects the fare tier.
type RideType string

const (
	RideStandard RideType = "standard"
	RidePremium  RideType = "premium"
	RideShared   RideType = "shared"
)

// GeoLocation is a coordinate pair with an advisory human label. Only
// Lat/Lng take part in any business decision; Address is display-only.
type GeoLocation struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// RideRequest is the trip record, mirroring the remote row.
type RideRequest struct {
	ID          uuid.UUID   `json:"id"`
	RiderID     uuid.UUID   `json:"rider_id"`
	Pickup      GeoLocation `json:"pickup"`
	Destination GeoLocation `json:"destination"`
	RideType    RideType    `json:"ride_type"`

	// EstimatedFare is computed once at creation and never recomputed
	// client-side afterwards. FinalFare is authoritative and set only
	// at completion.
	EstimatedFare int64 `json:"estimated_fare"`
	FinalFare     int64 `json:"final_fare,omitempty"`

	Status      RideStatus `json:"status"`
	ProviderID  *uuid.UUID `json:"provider_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Version     int64      `json:"version"`
}

// Active reports whether the ride still occupies the rider's single
// active slot.
func (r RideRequest) Active() bool {
	return !r.Status.Terminal()
}

// Vehicle describes the matched provider's car.
type Vehicle struct {
	Type  string `json:"type"`
	Color string `json:"color"`
	Plate string `json:"plate"`
}

// MatchedDriver is a read-mostly projection of provider state, always
// derived from ProviderID. CurrentLat/CurrentLng come from the live
// location feed and are the only frequently mutating fields.
type MatchedDriver struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Rating     float64   `json:"rating"`
	TotalTrips int       `json:"total_trips"`
	Vehicle    Vehicle   `json:"vehicle"`
	AvatarURL  string    `json:"avatar_url"`

	CurrentLat float64 `json:"current_lat"`
	CurrentLng float64 `json:"current_lng"`
}

// Rating is the rider's post-trip feedback row.
type Rating struct {
	RideID    uuid.UUID `json:"ride_id"`
	Stars     int       `json:"stars"`
	TipAmount int64     `json:"tip_amount"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CancelReason records which party ended the ride.
type CancelReason string

const (
	CancelledByRider    CancelReason = "rider"
	CancelledByProvider CancelReason = "provider"
	CancelledByAdmin    CancelReason = "admin"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
