// Package grpcfeed streams provider positions from the location service
// over a hand-written gRPC stream contract. The wire types are plain JSON
// structs; there is no generated code to keep in sync.
package grpcfeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/immerspwada/deliber/internal/remote"
)

const codecName = "locjson"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// WatchRequest opens a position stream for one provider.
type WatchRequest struct {
	ProviderId string `json:"provider_id"`
}

// PositionUpdate is one streamed sample.
type PositionUpdate struct {
	ProviderId string  `json:"provider_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Ts         int64   `json:"ts"`
}

var watchStreamDesc = &grpc.StreamDesc{
	StreamName:    "WatchProvider",
	ServerStreams: true,
}

const watchMethod = "/location.Location/WatchProvider"

// Feed implements remote.LocationFeed over a gRPC client connection.
type Feed struct {
	conn *grpc.ClientConn
}

func New(conn *grpc.ClientConn) *Feed {
	return &Feed{conn: conn}
}

// SubscribeProvider opens a server stream of position updates. Stream
// breaks surface on Err; receivers resubscribe.
func (f *Feed) SubscribeProvider(ctx context.Context, providerID uuid.UUID) (remote.LocationSubscription, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := f.conn.NewStream(streamCtx, watchStreamDesc, watchMethod, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(&WatchRequest{ProviderId: providerID.String()}); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}

	sub := &locationSub{
		cancel: cancel,
		events: make(chan remote.ProviderLocation, 32),
		errs:   make(chan error, 1),
	}
	go sub.pump(stream, providerID)
	return sub, nil
}

type locationSub struct {
	cancel context.CancelFunc
	events chan remote.ProviderLocation
	errs   chan error
	once   sync.Once
}

func (s *locationSub) pump(stream grpc.ClientStream, providerID uuid.UUID) {
	defer close(s.events)
	for {
		update := new(PositionUpdate)
		if err := stream.RecvMsg(update); err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}
		id, err := uuid.Parse(update.ProviderId)
		if err != nil || id != providerID {
			continue
		}
		loc := remote.ProviderLocation{
			ProviderID: id,
			Lat:        update.Lat,
			Lng:        update.Lng,
			At:         time.Unix(0, update.Ts),
		}
		select {
		case s.events <- loc:
		default:
		}
	}
}

func (s *locationSub) Events() <-chan remote.ProviderLocation { return s.events }
func (s *locationSub) Err() <-chan error                      { return s.errs }

func (s *locationSub) Unsubscribe() {
	s.once.Do(s.cancel)
}
