package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/cabdispatch/internal/dispatch/domain"
	"github.com/example/cabdispatch/internal/dispatch/service"
)

// HTTP exposes the dispatch endpoints.
type HTTP struct {
	svc *service.Service
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Post("/v1/cabs", h.registerCab)
	r.Delete("/v1/cabs/{id}", h.deregisterCab)
	r.Put("/v1/cabs/{id}/location", h.updateLocation)
	r.Put("/v1/cabs/{id}/availability", h.setAvailability)
	r.Get("/v1/fleet", h.fleetSnapshot)
	r.Get("/v1/fleet/nearest", h.estimatePickup)
	r.Post("/v1/bookings", h.book)
	r.Post("/v1/trips/{id}/complete", h.completeTrip)
	r.Get("/v1/riders/{id}/trips", h.history)
	return r
}

type registerCabRequest struct {
	CabID    string `json:"cab_id"`
	DriverID string `json:"driver_id"`
}

func (h *HTTP) registerCab(w http.ResponseWriter, r *http.Request) {
	var payload registerCabRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cabID, err := uuid.Parse(payload.CabID)
	if err != nil {
		http.Error(w, "invalid cab_id", http.StatusBadRequest)
		return
	}
	driverID, err := uuid.Parse(payload.DriverID)
	if err != nil {
		http.Error(w, "invalid driver_id", http.StatusBadRequest)
		return
	}
	if err := h.svc.RegisterCab(r.Context(), cabID, driverID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"cab_id": cabID.String()})
}

func (h *HTTP) deregisterCab(w http.ResponseWriter, r *http.Request) {
	cabID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.svc.DeregisterCab(r.Context(), cabID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) updateLocation(w http.ResponseWriter, r *http.Request) {
	cabID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var pos domain.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.UpdatePosition(r.Context(), cabID, pos); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) setAvailability(w http.ResponseWriter, r *http.Request) {
	cabID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var payload struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.SetAvailability(r.Context(), cabID, payload.Available); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) fleetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.FleetSnapshot(r.Context()))
}

func (h *HTTP) estimatePickup(w http.ResponseWriter, r *http.Request) {
	origin := domain.Position{X: parseQueryFloat(r, "x"), Y: parseQueryFloat(r, "y")}
	maxDistance := parseQueryFloat(r, "max_distance")
	est, err := h.svc.EstimatePickup(r.Context(), origin, maxDistance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

type bookRequest struct {
	RiderID     string          `json:"rider_id"`
	Origin      domain.Position `json:"origin"`
	MaxDistance float64         `json:"max_distance"`
}

func (h *HTTP) book(w http.ResponseWriter, r *http.Request) {
	var payload bookRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	riderID, err := uuid.Parse(payload.RiderID)
	if err != nil {
		http.Error(w, "invalid rider_id", http.StatusBadRequest)
		return
	}
	trip, err := h.svc.Book(r.Context(), riderID, payload.Origin, payload.MaxDistance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (h *HTTP) completeTrip(w http.ResponseWriter, r *http.Request) {
	tripID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	trip, err := h.svc.Complete(r.Context(), tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (h *HTTP) history(w http.ResponseWriter, r *http.Request) {
	riderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	trips, err := h.svc.History(r.Context(), riderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

// writeError maps domain sentinels onto HTTP statuses. ErrNoAvailableCab is
// an expected negative outcome and is reported as a conflict, not a server
// error.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNoAvailableCab),
		errors.Is(err, domain.ErrDuplicateCab),
		errors.Is(err, domain.ErrTripCompleted):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrCabNotFound), errors.Is(err, domain.ErrTripNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseQueryFloat(r *http.Request, key string) float64 {
	v, _ := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
