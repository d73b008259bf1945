package redisdir

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/immerspwada/deliber/internal/remote"
)

const locationChannelPrefix = "locations:provider:"

// LocationFeed streams provider positions over Redis pub/sub, one channel
// per provider.
type LocationFeed struct {
	client redis.UniversalClient
}

func NewLocationFeed(client redis.UniversalClient) *LocationFeed {
	return &LocationFeed{client: client}
}

// SubscribeProvider opens a pub/sub channel for a single provider's
// positions. Malformed payloads are dropped rather than surfaced.
func (f *LocationFeed) SubscribeProvider(ctx context.Context, providerID uuid.UUID) (remote.LocationSubscription, error) {
	pubsub := f.client.Subscribe(ctx, locationChannelPrefix+providerID.String())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe locations: %w", err)
	}

	sub := &locationSub{
		pubsub: pubsub,
		events: make(chan remote.ProviderLocation, 32),
		errs:   make(chan error, 1),
	}
	go sub.pump(providerID)
	return sub, nil
}

// PublishLocation pushes one position sample (used by seeders and tests).
func (f *LocationFeed) PublishLocation(ctx context.Context, loc remote.ProviderLocation) error {
	if loc.At.IsZero() {
		loc.At = time.Now().UTC()
	}
	payload, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, locationChannelPrefix+loc.ProviderID.String(), payload).Err()
}

type locationSub struct {
	pubsub *redis.PubSub
	events chan remote.ProviderLocation
	errs   chan error
	once   sync.Once
	closed atomic.Bool
}

func (s *locationSub) pump(providerID uuid.UUID) {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var loc remote.ProviderLocation
		if err := json.Unmarshal([]byte(msg.Payload), &loc); err != nil {
			continue
		}
		if loc.ProviderID != providerID {
			continue
		}
		select {
		case s.events <- loc:
		default:
		}
	}
	// a closed flag means the caller tore the watch down; only an
	// unrequested channel exit is a transport drop
	if s.closed.Load() {
		return
	}
	select {
	case s.errs <- remote.ErrUnavailable:
	default:
	}
}

func (s *locationSub) Events() <-chan remote.ProviderLocation { return s.events }
func (s *locationSub) Err() <-chan error                      { return s.errs }

func (s *locationSub) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		_ = s.pubsub.Close()
	})
}
