package ride

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/remote"
)

// Hooks are the four semantic signals the reconciler distills from raw
// change-feed events. They are invoked from feed goroutines; receivers do
// their own serialization.
type Hooks struct {
	// RowObserved delivers every accepted row before diff signals fire,
	// so the local projection can absorb fields (final fare, timestamps)
	// the semantic signals do not carry.
	RowObserved     func(ride domain.RideRequest)
	ProviderChanged func(old, next *uuid.UUID)
	StatusChanged   func(old, next domain.RideStatus)
	Cancelled       func()
	LocationUpdated func(providerID uuid.UUID, lat, lng float64)
}

type snapshot struct {
	providerID *uuid.UUID
	status     domain.RideStatus
	version    int64
}

// Reconciler subscribes to the change feed for exactly one ride row and at
// most one provider live-location feed, diffs incoming rows against the
// last known {providerId, status} snapshot, and emits each semantic
// transition exactly once. It does not care whether a change originated
// from the local matching attempt or a remote actor: both converge through
// Observe.
type Reconciler struct {
	changes   remote.ChangeFeed
	locations remote.LocationFeed
	rows      remote.RideRows
	hooks     Hooks
	backoff   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	rideID  uuid.UUID
	prev    snapshot
	ctx     context.Context
	cancel  context.CancelFunc
	sub     remote.RideSubscription

	locGen int
	locID  uuid.UUID
	locSub remote.LocationSubscription
}

// NewReconciler wires a reconciler to the remote boundary. backoff is the
// fixed delay before resubscribing after a transport drop.
func NewReconciler(changes remote.ChangeFeed, locations remote.LocationFeed, rows remote.RideRows, hooks Hooks, backoff time.Duration, logger *zap.Logger) *Reconciler {
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		changes:   changes,
		locations: locations,
		rows:      rows,
		hooks:     hooks,
		backoff:   backoff,
		logger:    logger,
	}
}

// Start begins watching the given ride. The initial snapshot comes from
// the ride the caller already holds; the sequencing is subscribe first,
// then pull the row once, so a change landing between the two is never
// lost. A failed initial subscribe is a transport drop like any other:
// the watch stays running and retries on the fixed backoff, and Observe
// keeps accepting rows from local code paths in the meantime. Start is
// not reentrant; callers Stop any previous watch first.
func (r *Reconciler) Start(ctx context.Context, ride domain.RideRequest) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.Stop()
		r.mu.Lock()
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.rideID = ride.ID
	r.prev = snapshot{providerID: ride.ProviderID, status: ride.Status, version: ride.Version}
	r.ctx = watchCtx
	r.cancel = cancel
	r.mu.Unlock()

	sub, err := r.changes.SubscribeRide(ctx, ride.ID)
	if err != nil {
		r.logger.Warn("change feed subscribe failed", zap.Error(err))
		go func() {
			if next, ok := r.resubscribeFeed(watchCtx); ok {
				r.runFeed(watchCtx, next)
			}
		}()
	} else {
		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			sub.Unsubscribe()
			return
		}
		r.sub = sub
		r.mu.Unlock()

		go r.runFeed(watchCtx, sub)
	}

	// pull the current row to close the subscribe/read race
	if current, err := r.rows.Get(ctx, ride.ID); err == nil {
		r.Observe(current)
	} else {
		r.logger.Warn("initial ride pull failed", zap.Error(err))
	}

	if ride.ProviderID != nil {
		r.watchLocation(*ride.ProviderID)
	}
}

// Stop tears down the row and location subscriptions. It never blocks on
// in-flight hook invocations; late signals are discarded by the receivers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	sub := r.sub
	locSub := r.locSub
	r.sub = nil
	r.locSub = nil
	r.locGen++
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if locSub != nil {
		locSub.Unsubscribe()
	}
}

// StopLocation closes only the live-location subscription. Used for the
// post-completion grace window, where the ride watch is already settled
// but the driver marker lingers briefly.
func (r *Reconciler) StopLocation() {
	r.mu.Lock()
	locSub := r.locSub
	r.locSub = nil
	r.locGen++
	r.mu.Unlock()
	if locSub != nil {
		locSub.Unsubscribe()
	}
}

// Observe feeds one ride row through the diff. Both the change feed and
// local code paths (initial pull, local match result) call it; the
// snapshot makes duplicate observations idempotent.
func (r *Reconciler) Observe(ride domain.RideRequest) {
	r.mu.Lock()
	if !r.running || ride.ID != r.rideID {
		r.mu.Unlock()
		return
	}
	prev := r.prev
	if ride.Version != 0 && ride.Version < prev.version {
		// stale row ordered behind one we already processed
		r.mu.Unlock()
		return
	}
	r.prev = snapshot{providerID: ride.ProviderID, status: ride.Status, version: ride.Version}
	r.mu.Unlock()

	if r.hooks.RowObserved != nil {
		r.hooks.RowObserved(ride)
	}

	if !uuidPtrEqual(prev.providerID, ride.ProviderID) {
		reconcilerSignalsTotal.WithLabelValues("provider_changed").Inc()
		if ride.ProviderID != nil {
			r.watchLocation(*ride.ProviderID)
		} else {
			r.StopLocation()
		}
		if r.hooks.ProviderChanged != nil {
			r.hooks.ProviderChanged(prev.providerID, ride.ProviderID)
		}
	}

	if prev.status != ride.Status {
		if ride.Status == domain.StatusCancelled {
			reconcilerSignalsTotal.WithLabelValues("cancelled").Inc()
			if r.hooks.Cancelled != nil {
				r.hooks.Cancelled()
			}
		} else {
			reconcilerSignalsTotal.WithLabelValues("status_changed").Inc()
			if r.hooks.StatusChanged != nil {
				r.hooks.StatusChanged(prev.status, ride.Status)
			}
		}
	}
}

func (r *Reconciler) runFeed(ctx context.Context, sub remote.RideSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			r.Observe(ev.Ride)
		case err := <-sub.Err():
			// transport drops are expected and recoverable
			r.logger.Warn("change feed dropped", zap.Error(err))
			sub.Unsubscribe()
			next, ok := r.resubscribeFeed(ctx)
			if !ok {
				return
			}
			sub = next
		}
	}
}

func (r *Reconciler) resubscribeFeed(ctx context.Context) (remote.RideSubscription, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(r.backoff):
		}

		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			return nil, false
		}
		rideID := r.rideID
		r.mu.Unlock()

		sub, err := r.changes.SubscribeRide(ctx, rideID)
		if err != nil {
			r.logger.Warn("change feed resubscribe failed", zap.Error(err))
			continue
		}
		reconcilerResubscribesTotal.Inc()

		r.mu.Lock()
		if !r.running {
			r.mu.Unlock()
			sub.Unsubscribe()
			return nil, false
		}
		r.sub = sub
		r.mu.Unlock()

		// subscribe-then-pull applies across reconnects too
		if current, err := r.rows.Get(ctx, rideID); err == nil {
			r.Observe(current)
		}
		return sub, true
	}
}

// watchLocation points the live-location subscription at providerID,
// closing any previous one first so stale coordinates are dropped, never
// interpolated across drivers.
func (r *Reconciler) watchLocation(providerID uuid.UUID) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	if r.locSub != nil && r.locID == providerID {
		r.mu.Unlock()
		return
	}
	old := r.locSub
	r.locSub = nil
	r.locGen++
	gen := r.locGen
	r.locID = providerID
	ctx := r.ctx
	r.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	sub, err := r.locations.SubscribeProvider(ctx, providerID)
	if err != nil {
		r.logger.Warn("location subscribe failed", zap.Error(err), zap.String("provider_id", providerID.String()))
		return
	}

	r.mu.Lock()
	if !r.running || r.locGen != gen {
		r.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	r.locSub = sub
	r.mu.Unlock()

	go r.runLocation(ctx, gen, providerID, sub)
}

func (r *Reconciler) runLocation(ctx context.Context, gen int, providerID uuid.UUID, sub remote.LocationSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case loc, ok := <-sub.Events():
			if !ok {
				return
			}
			reconcilerSignalsTotal.WithLabelValues("location_updated").Inc()
			if r.hooks.LocationUpdated != nil {
				r.hooks.LocationUpdated(providerID, loc.Lat, loc.Lng)
			}
		case err := <-sub.Err():
			r.logger.Warn("location feed dropped", zap.Error(err))
			sub.Unsubscribe()

			select {
			case <-ctx.Done():
				return
			case <-time.After(r.backoff):
			}

			r.mu.Lock()
			stillCurrent := r.running && r.locGen == gen
			r.mu.Unlock()
			if !stillCurrent {
				return
			}
			next, err := r.locations.SubscribeProvider(ctx, providerID)
			if err != nil {
				r.logger.Warn("location resubscribe failed", zap.Error(err))
				return
			}
			r.mu.Lock()
			if !r.running || r.locGen != gen {
				r.mu.Unlock()
				next.Unsubscribe()
				return
			}
			r.locSub = next
			r.mu.Unlock()
			sub = next
		}
	}
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
