// Package api exposes the ride controller over HTTP for the app shell.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/immerspwada/deliber/internal/auth"
	"github.com/immerspwada/deliber/internal/domain"
	"github.com/immerspwada/deliber/internal/ride"
)

// HTTP exposes the rider lifecycle endpoints.
type HTTP struct {
	ctrl      *ride.Controller
	logger    *zap.Logger
	jwtSecret string
	limiter   *RateLimiter
}

// NewHTTP constructs a handler. jwtSecret empty disables auth (local dev);
// limiter nil disables rate limiting.
func NewHTTP(ctrl *ride.Controller, logger *zap.Logger, jwtSecret string, limiter *RateLimiter) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{ctrl: ctrl, logger: logger, jwtSecret: jwtSecret, limiter: limiter}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}
	if h.jwtSecret != "" {
		r.Use(auth.Middleware(h.jwtSecret, "rider"))
	}

	r.Get("/v1/ride/state", h.state)
	r.Get("/v1/fare/preview", h.farePreview)
	r.Post("/v1/ride/pickup", h.setPickup)
	r.Post("/v1/ride/destination", h.setDestination)
	r.Post("/v1/ride/type", h.selectType)
	r.Post("/v1/ride/book", h.book)
	r.Post("/v1/ride/cancel", h.cancel)
	r.Post("/v1/ride/rating", h.rate)
	return r
}

func (h *HTTP) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *HTTP) farePreview(w http.ResponseWriter, _ *http.Request) {
	preview, err := h.ctrl.Preview()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type locationPayload struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (h *HTTP) setPickup(w http.ResponseWriter, r *http.Request) {
	h.setLocation(w, r, h.ctrl.SetPickup)
}

func (h *HTTP) setDestination(w http.ResponseWriter, r *http.Request) {
	h.setLocation(w, r, h.ctrl.SetDestination)
}

func (h *HTTP) setLocation(w http.ResponseWriter, r *http.Request, set func(domain.GeoLocation) error) {
	var payload locationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := set(domain.GeoLocation{Lat: payload.Lat, Lng: payload.Lng, Address: payload.Address}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *HTTP) selectType(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RideType string `json:"ride_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ctrl.SelectRideType(domain.RideType(payload.RideType)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

type bookPayload struct {
	Payment     string     `json:"payment"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (h *HTTP) book(w http.ResponseWriter, r *http.Request) {
	var payload bookPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	payment := ride.PayCash
	if payload.Payment != "" {
		payment = ride.PaymentMethod(payload.Payment)
	}
	err := h.ctrl.BookRide(r.Context(), ride.BookOptions{
		Payment:     payment,
		ScheduledAt: payload.ScheduledAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.ctrl.Snapshot())
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.CancelRide(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *HTTP) rate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Stars   int    `json:"stars"`
		Tip     int64  `json:"tip"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ctrl.SubmitRating(r.Context(), payload.Stars, payload.Tip, payload.Comment); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ride.ErrNoPickup), errors.Is(err, ride.ErrNoDestination):
		status = http.StatusBadRequest
	case errors.Is(err, ride.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, ride.ErrActiveRideExists),
		errors.Is(err, ride.ErrBookingInFlight),
		errors.Is(err, ride.ErrNotCancellable),
		errors.Is(err, ride.ErrNotRating):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
