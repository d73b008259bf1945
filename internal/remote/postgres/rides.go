// Package postgres implements the ride row store against the remote
// relational backend. The match race-guard is a conditional UPDATE: the
// provider is assigned only while the row is still pending and unassigned.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/remote"
)

// RideRows is a database/sql implementation of remote.RideRows (pgx stdlib
// driver).
type RideRows struct {
	db    *sql.DB
	clock domain.Clock
}

// New constructs the row store.
func New(db *sql.DB, clock domain.Clock) *RideRows {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RideRows{db: db, clock: clock}
}

const rideColumns = `id, rider_id, pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address, ride_type, estimated_fare, final_fare,
	status, provider_id, created_at, completed_at, scheduled_at, version`

func (r *RideRows) Create(ctx context.Context, ride domain.RideRequest) (domain.RideRequest, error) {
	if ride.ID == uuid.Nil {
		ride.ID = uuid.New()
	}
	if ride.CreatedAt.IsZero() {
		ride.CreatedAt = r.clock.Now()
	}
	ride.Version = 1

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ride_requests (id, rider_id, pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address, ride_type, estimated_fare, status,
			created_at, scheduled_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		ride.ID, ride.RiderID,
		ride.Pickup.Lat, ride.Pickup.Lng, ride.Pickup.Address,
		ride.Destination.Lat, ride.Destination.Lng, ride.Destination.Address,
		ride.RideType, ride.EstimatedFare, ride.Status,
		ride.CreatedAt, ride.ScheduledAt, ride.Version)
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("insert ride: %w", err)
	}
	return ride, nil
}

func (r *RideRows) Get(ctx context.Context, id uuid.UUID) (domain.RideRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id)
	return scanRide(row)
}

func (r *RideRows) ActiveForRider(ctx context.Context, riderID uuid.UUID) (domain.RideRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+rideColumns+` FROM ride_requests
		WHERE rider_id = $1
		  AND status NOT IN ('completed', 'cancelled')
		  AND scheduled_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, riderID)
	return scanRide(row)
}

// TryAssignProvider is the match race-guard. Zero rows affected means
// another actor matched or cancelled first; that is a yield, not an error.
func (r *RideRows) TryAssignProvider(ctx context.Context, rideID, providerID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ride_requests
		SET provider_id = $2, status = 'matched', version = version + 1
		WHERE id = $1 AND status = 'pending' AND provider_id IS NULL`,
		rideID, providerID)
	if err != nil {
		return false, fmt.Errorf("assign provider: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign provider result: %w", err)
	}
	return affected == 1, nil
}

func (r *RideRows) AdvanceStatus(ctx context.Context, rideID uuid.UUID, status domain.RideStatus) error {
	current, err := r.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(status) {
		return domain.ErrInvalidTransition
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE ride_requests SET status = $2, version = version + 1
		WHERE id = $1 AND status = $3`,
		rideID, status, current.Status)
	if err != nil {
		return fmt.Errorf("advance status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance status result: %w", err)
	}
	if affected == 0 {
		// the row moved between the read and the conditional update
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *RideRows) Complete(ctx context.Context, rideID uuid.UUID, finalFare int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ride_requests
		SET status = 'completed', final_fare = $2, completed_at = $3, version = version + 1
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		rideID, finalFare, r.clock.Now())
	if err != nil {
		return fmt.Errorf("complete ride: %w", err)
	}
	return nil
}

// Cancel is idempotent: terminal rows are left untouched and report no
// error.
func (r *RideRows) Cancel(ctx context.Context, rideID uuid.UUID, reason domain.CancelReason) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ride_requests
		SET status = 'cancelled', cancelled_by = $2, version = version + 1
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')`,
		rideID, reason)
	if err != nil {
		return fmt.Errorf("cancel ride: %w", err)
	}
	return nil
}

func (r *RideRows) SaveRating(ctx context.Context, rating domain.Rating) error {
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = r.clock.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ride_ratings (ride_id, stars, tip_amount, comment, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (ride_id) DO UPDATE
		SET stars = EXCLUDED.stars, tip_amount = EXCLUDED.tip_amount,
		    comment = EXCLUDED.comment`,
		rating.RideID, rating.Stars, rating.TipAmount, rating.Comment, rating.CreatedAt)
	if err != nil {
		return fmt.Errorf("save rating: %w", err)
	}
	return nil
}

func scanRide(row *sql.Row) (domain.RideRequest, error) {
	var ride domain.RideRequest
	var providerID sql.NullString
	var finalFare sql.NullInt64
	var completedAt, scheduledAt sql.NullTime
	err := row.Scan(
		&ride.ID, &ride.RiderID,
		&ride.Pickup.Lat, &ride.Pickup.Lng, &ride.Pickup.Address,
		&ride.Destination.Lat, &ride.Destination.Lng, &ride.Destination.Address,
		&ride.RideType, &ride.EstimatedFare, &finalFare,
		&ride.Status, &providerID, &ride.CreatedAt, &completedAt,
		&scheduledAt, &ride.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RideRequest{}, remote.ErrNotFound
	}
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("scan ride: %w", err)
	}
	if finalFare.Valid {
		ride.FinalFare = finalFare.Int64
	}
	if completedAt.Valid {
		t := completedAt.Time
		ride.CompletedAt = &t
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		ride.ScheduledAt = &t
	}
	if providerID.Valid {
		id, err := uuid.Parse(providerID.String)
		if err != nil {
			return domain.RideRequest{}, fmt.Errorf("parse provider id: %w", err)
		}
		ride.ProviderID = &id
	}
	return ride, nil
}
