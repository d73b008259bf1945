// Package natsfeed carries the ride change feed over NATS. Each ride row
// has its own subject; the backend publishes the full row on every insert
// and update.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/immerspwada/deliber/internal/remote"
)

const rideSubjectPrefix = "rides.changes."

func rideSubject(rideID uuid.UUID) string {
	return rideSubjectPrefix + rideID.String()
}

// Feed implements remote.ChangeFeed over a NATS connection.
type Feed struct {
	conn *nats.Conn
}

func New(conn *nats.Conn) *Feed {
	return &Feed{conn: conn}
}

// SubscribeRide opens a per-ride subject subscription. Disconnects surface
// on Err; the receiver resubscribes.
func (f *Feed) SubscribeRide(ctx context.Context, rideID uuid.UUID) (remote.RideSubscription, error) {
	sub := &rideSub{
		events: make(chan remote.RideChange, 32),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	natsSub, err := f.conn.Subscribe(rideSubject(rideID), func(msg *nats.Msg) {
		var change remote.RideChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			return
		}
		if change.Ride.ID != rideID {
			return
		}
		select {
		case sub.events <- change:
			return
		default:
		}
		// full buffer: evict the oldest event so the newest row, which
		// supersedes everything buffered, is the one kept
		select {
		case <-sub.events:
		default:
		}
		select {
		case sub.events <- change:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", rideSubject(rideID), err)
	}
	sub.natsSub = natsSub

	go sub.watchConn(ctx, f.conn)
	return sub, nil
}

// Publish pushes one row change to the ride's subject (backend/test side).
func (f *Feed) Publish(change remote.RideChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return f.conn.Publish(rideSubject(change.Ride.ID), payload)
}

type rideSub struct {
	natsSub *nats.Subscription
	events  chan remote.RideChange
	errs    chan error
	once    sync.Once
	done    chan struct{}
}

// watchConn surfaces a connection close as a transport drop so the
// reconciler's resubscribe path kicks in.
func (s *rideSub) watchConn(ctx context.Context, conn *nats.Conn) {
	closed := conn.StatusChanged(nats.CLOSED)
	select {
	case <-ctx.Done():
	case <-s.done:
	case <-closed:
		select {
		case s.errs <- remote.ErrUnavailable:
		default:
		}
	}
}

func (s *rideSub) Events() <-chan remote.RideChange { return s.events }
func (s *rideSub) Err() <-chan error                { return s.errs }

func (s *rideSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.natsSub.Unsubscribe()
	})
}
