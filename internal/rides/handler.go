package rides

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/validation"
)

// Handler exposes the ride control plane over HTTP.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler creates the rides HTTP handler.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Routes returns the authenticated /rides router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)

	r.Get("/current", h.current)
	r.Get("/{id}", h.get)
	r.Get("/{id}/history", h.history)

	r.With(jwt.RequireRole(jwt.RoleDriver)).Post("/{id}/accept", h.accept)
	r.With(jwt.RequireRole(jwt.RoleDriver)).Post("/{id}/reject", h.reject)
	r.With(jwt.RequireRole(jwt.RoleDriver)).Post("/{id}/pickup", h.pickup)
	r.With(jwt.RequireRole(jwt.RoleDriver)).Post("/{id}/complete", h.complete)
	r.With(jwt.RequireRole(jwt.RoleRider)).Post("/{id}/cancel", h.cancel)

	return r
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	var (
		ride *Ride
		err  error
	)
	if claims.Role == jwt.RoleDriver {
		ride, err = h.svc.CurrentForDriver(r.Context(), claims.UserID)
	} else {
		ride, err = h.svc.CurrentForUser(r.Context(), claims.UserID)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ride, err := h.loadVisible(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	ride, err := h.loadVisible(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	offers, err := h.svc.Offers(r.Context(), ride.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	history, err := h.svc.History(r.Context(), ride.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offers":  offers,
		"history": history,
	})
}

func (h *Handler) accept(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	ride, err := h.svc.Accept(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	if err := h.svc.Reject(r.Context(), chi.URLParam(r, "id"), claims.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *Handler) pickup(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	ride, err := h.svc.Pickup(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	ride, err := h.svc.Complete(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())

	var body struct {
		Reason string `json:"reason"`
	}
	// An empty body is fine; a present one must decode.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Reason == "" {
		body.Reason = "user_cancelled"
	}
	if !validation.ValidateReason(body.Reason) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reason too long"})
		return
	}

	ride, err := h.svc.UserCancel(r.Context(), chi.URLParam(r, "id"), claims.UserID, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// loadVisible fetches the ride and enforces that only participants (or an
// admin) can see it.
func (h *Handler) loadVisible(r *http.Request) (*Ride, error) {
	ride, err := h.svc.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	claims := jwt.GetClaims(r.Context())
	if claims.Role == jwt.RoleAdmin {
		return ride, nil
	}
	if ride.UserID == claims.UserID {
		return ride, nil
	}
	if ride.DriverID != nil && *ride.DriverID == claims.UserID {
		return ride, nil
	}
	if ride.CurrentOfferDriverID != nil && *ride.CurrentOfferDriverID == claims.UserID {
		return ride, nil
	}
	return nil, ErrForbidden
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ride not found"})
	case errors.Is(err, ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	case errors.Is(err, ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "ride state conflict"})
	default:
		h.log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
