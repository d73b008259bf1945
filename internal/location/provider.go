// Package location wraps device geolocation and reverse geocoding for the
// booking flow. Location acquisition is bounded and always falls back to
// the configured default city, so booking is never blocked on a GPS fix.
package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/immerspwada/deliber/internal/domain"
)

// DeviceLocator is the device geolocation source (GPS, OS service).
type DeviceLocator interface {
	CurrentLocation(ctx context.Context) (domain.GeoLocation, error)
}

// Geocoder resolves a coordinate pair into a human-readable label.
type Geocoder interface {
	Name() string
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// Config tunes the provider.
type Config struct {
	// DefaultLocation is used when the device location cannot be acquired
	// within LocateTimeout or permission is denied.
	DefaultLocation domain.GeoLocation
	LocateTimeout   time.Duration
	CacheTTL        time.Duration
	// GeocodeRate bounds reverse-geocode calls per upstream provider.
	GeocodeRate rate.Limit
}

func (c Config) withDefaults() Config {
	if c.LocateTimeout <= 0 {
		c.LocateTimeout = 8 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.GeocodeRate <= 0 {
		c.GeocodeRate = rate.Limit(1)
	}
	if c.DefaultLocation.Address == "" {
		c.DefaultLocation.Address = "City center (approximate)"
	}
	return c
}

type cacheEntry struct {
	address string
	expires time.Time
}

type geocoderSlot struct {
	geocoder Geocoder
	limiter  *rate.Limiter
}

// Provider acquires the rider's position and labels coordinates through an
// ordered geocoder fallback chain with a short-TTL cache.
type Provider struct {
	cfg       Config
	device    DeviceLocator
	geocoders []geocoderSlot
	clock     domain.Clock
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewProvider builds a Provider. geocoders are tried in order; the first
// non-trivial label wins.
func NewProvider(cfg Config, device DeviceLocator, geocoders []Geocoder, clock domain.Clock, logger *zap.Logger) *Provider {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := make([]geocoderSlot, 0, len(geocoders))
	for _, g := range geocoders {
		slots = append(slots, geocoderSlot{geocoder: g, limiter: rate.NewLimiter(cfg.GeocodeRate, 2)})
	}
	return &Provider{
		cfg:       cfg,
		device:    device,
		geocoders: slots,
		clock:     clock,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
	}
}

// Locate returns the device position within the configured timeout, or the
// default city location labelled as approximate. It never returns an error
// to the booking path.
func (p *Provider) Locate(ctx context.Context) (domain.GeoLocation, error) {
	if p.device == nil {
		return p.cfg.DefaultLocation, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.LocateTimeout)
	defer cancel()

	loc, err := p.device.CurrentLocation(ctx)
	if err != nil {
		p.logger.Warn("device location unavailable, using default", zap.Error(err))
		return p.cfg.DefaultLocation, nil
	}

	if loc.Address == "" {
		loc.Address = p.ReverseGeocode(ctx, loc.Lat, loc.Lng)
	}
	return loc, nil
}

// ReverseGeocode resolves a best-effort label for the coordinates. The
// label is advisory only; on total failure it degrades to the raw
// coordinates.
func (p *Provider) ReverseGeocode(ctx context.Context, lat, lng float64) string {
	key := cacheKey(lat, lng)

	p.mu.Lock()
	if entry, ok := p.cache[key]; ok && p.clock.Now().Before(entry.expires) {
		p.mu.Unlock()
		return entry.address
	}
	p.mu.Unlock()

	for _, slot := range p.geocoders {
		if !slot.limiter.Allow() {
			continue
		}
		address, err := slot.geocoder.ReverseGeocode(ctx, lat, lng)
		if err != nil {
			p.logger.Debug("geocoder failed",
				zap.String("geocoder", slot.geocoder.Name()), zap.Error(err))
			continue
		}
		if trivialLabel(address, lat, lng) {
			continue
		}
		p.mu.Lock()
		p.cache[key] = cacheEntry{address: address, expires: p.clock.Now().Add(p.cfg.CacheTTL)}
		p.mu.Unlock()
		return address
	}

	return coordinateLabel(lat, lng)
}

// cacheKey rounds to ~11m so nearby lookups share an entry.
func cacheKey(lat, lng float64) string {
	return fmt.Sprintf("%.4f:%.4f", round4(lat), round4(lng))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func coordinateLabel(lat, lng float64) string {
	return fmt.Sprintf("%.5f, %.5f", lat, lng)
}

// trivialLabel rejects results that are just coordinates echoed back.
func trivialLabel(address string, lat, lng float64) bool {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return true
	}
	return trimmed == coordinateLabel(lat, lng)
}

// ErrNoFix is returned by DeviceLocator implementations when the device
// cannot produce a position (permission denied, no signal).
var ErrNoFix = errors.New("location: no position fix")
