package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/immerspwada/deliber/internal/api"
	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/location"
	"github.com/immerspwada/deliber/internal/remote"
	"github.com/immerspwada/deliber/internal/remote/grpcfeed"
	"github.com/immerspwada/deliber/internal/remote/memory"
	"github.com/immerspwada/deliber/internal/remote/natsfeed"
	"github.com/immerspwada/deliber/internal/remote/postgres"
	"github.com/immerspwada/deliber/internal/remote/redisdir"
	"github.com/immerspwada/deliber/internal/ride"
	"github.com/immerspwada/deliber/pkg/observability"
)

type appConfig struct {
	HTTPAddr     string
	RiderID      string
	JWTSecret    string
	PostgresDSN  string
	RedisAddr    string
	NATSURL      string
	LocationGRPC string

	GeocoderURL string
	GeocoderKey string
	DefaultLat  float64
	DefaultLng  float64
	DefaultName string

	SearchRadiusKm float64
	SearchTimeout  time.Duration

	ReadRate   float64
	ReadBurst  float64
	WriteRate  float64
	WriteBurst float64
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("rider-app")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "rider-app")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	riderID, err := uuid.Parse(cfg.RiderID)
	if err != nil {
		riderID = uuid.New()
		logger.Warn("RIDER_ID missing or invalid, generated one",
			zap.String("rider_id", riderID.String()))
	}

	clock := domain.SystemClock{}

	// the in-memory store is both the local fallback and the wallet source
	mem := memory.New(clock)
	backend := mem.Backend()
	var wallet remote.WalletReader = mem

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		backend.Rides = postgres.New(db, clock)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		backend.Providers = redisdir.NewDirectory(redisClient, "")
		backend.Locations = redisdir.NewLocationFeed(redisClient)
	}

	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("riderapp")); err == nil {
			defer conn.Drain() //nolint:errcheck
			backend.Changes = natsfeed.New(conn)
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	if cfg.LocationGRPC != "" {
		conn, err := grpc.Dial(cfg.LocationGRPC,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Warn("location grpc dial failed", zap.Error(err))
		} else {
			defer conn.Close()
			backend.Locations = grpcfeed.New(conn)
		}
	}

	var geocoders []location.Geocoder
	if cfg.GeocoderURL != "" {
		geocoders = append(geocoders, location.NewHTTPGeocoder("primary", cfg.GeocoderURL, cfg.GeocoderKey))
	}
	locator := location.NewProvider(location.Config{
		DefaultLocation: domain.GeoLocation{
			Lat:     cfg.DefaultLat,
			Lng:     cfg.DefaultLng,
			Address: cfg.DefaultName,
		},
	}, nil, geocoders, clock, logger.Named("location"))

	store := ride.NewStore(backend.Rides, backend.Providers, clock, logger.Named("store"))
	ctrl := ride.NewController(ride.Config{
		RiderID:        riderID,
		SearchRadiusKm: cfg.SearchRadiusKm,
		SearchTimeout:  cfg.SearchTimeout,
	}, store, backend, wallet, locator, logger.Named("controller"))
	defer ctrl.Close()

	if err := ctrl.Initialize(ctx); err != nil {
		logger.Warn("state recovery failed", zap.Error(err))
	}

	limiter := api.NewRateLimiter(redisClient,
		api.RateConfig{Rate: cfg.ReadRate, Burst: cfg.ReadBurst},
		api.RateConfig{Rate: cfg.WriteRate, Burst: cfg.WriteBurst})
	rideHTTP := api.NewHTTP(ctrl, logger.Named("http"), cfg.JWTSecret, limiter)

	ready := func(ctx context.Context) error {
		if db != nil {
			return db.PingContext(ctx)
		}
		return nil
	}

	r := chi.NewRouter()
	r.Mount("/", rideHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter(ready))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("rider app listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		RiderID:      os.Getenv("RIDER_ID"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		PostgresDSN:  firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		NATSURL:      os.Getenv("NATS_URL"),
		LocationGRPC: os.Getenv("LOCATION_GRPC_ADDR"),

		GeocoderURL: os.Getenv("GEOCODER_URL"),
		GeocoderKey: os.Getenv("GEOCODER_API_KEY"),
		DefaultLat:  parseFloatEnv("DEFAULT_CITY_LAT", 13.7563),
		DefaultLng:  parseFloatEnv("DEFAULT_CITY_LNG", 100.5018),
		DefaultName: getenv("DEFAULT_CITY_NAME", "Bangkok"),

		SearchRadiusKm: parseFloatEnv("SEARCH_RADIUS_KM", 5),
		SearchTimeout:  time.Duration(parseIntEnv("SEARCH_TIMEOUT_SEC", 120)) * time.Second,

		ReadRate:   parseFloatEnv("RATE_READ_PER_SEC", 20),
		ReadBurst:  parseFloatEnv("RATE_READ_BURST", 40),
		WriteRate:  parseFloatEnv("RATE_WRITE_PER_SEC", 5),
		WriteBurst: parseFloatEnv("RATE_WRITE_BURST", 10),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
