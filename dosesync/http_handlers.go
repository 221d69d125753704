// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package dosesync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ssanver/medication-reminder-app-sub000/doserr"
	"github.com/ssanver/medication-reminder-app-sub000/recurrence"
)

const maxRequestBodyBytes = 4 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetSourceID(r *http.Request) (string, error)
}

// HTTPHandlers exposes the sync, medication, notification and adherence APIs
type HTTPHandlers struct {
	sync          *SyncService
	medications   *MedicationService
	notifications *NotificationService
	adherence     *AdherenceService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers wires handlers for every service backed by store
func NewHTTPHandlers(service *SyncService, store Store, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		sync:          service,
		medications:   NewMedicationService(store.Medications(), logger),
		notifications: NewNotificationService(store.Deliveries(), store.Actions(), logger),
		adherence:     NewAdherenceService(store.Medications(), store.DoseEvents()),
		authenticator: authenticator,
		logger:        logger,
	}
}

// Routes returns a chi router with all API routes. Authentication middleware is left to the caller.
func (h *HTTPHandlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/sync", func(r chi.Router) {
		r.Post("/push", h.HandlePush)
		r.Get("/pull", h.HandlePull)
	})

	r.Route("/medications", func(r chi.Router) {
		r.Get("/", h.HandleListMedications)
		r.Post("/", h.HandleCreateMedication)
		r.Delete("/{id}", h.HandleDeleteMedication)
		r.Post("/{id}/schedules", h.HandleAddSchedule)
	})
	r.Route("/schedules", func(r chi.Router) {
		r.Put("/{id}", h.HandleReplaceSchedule)
		r.Delete("/{id}", h.HandleDeleteSchedule)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Post("/deliveries", h.HandleCreateDelivery)
		r.Get("/deliveries/{id}", h.HandleGetDelivery)
		r.Patch("/deliveries/{id}", h.HandleUpdateDelivery)
		r.Post("/actions", h.HandleCreateAction)
		r.Get("/actions", h.HandleListActions)
	})

	r.Get("/adherence", h.HandleAdherence)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed here")
	})
	return r
}

// HandlePush stores a batch of client events
func (h *HTTPHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req PushRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.sync.Push(r.Context(), userID, &req)
	if err != nil {
		h.writeServiceError(w, err, "push", "user_id", userID, "items", len(req.Items))
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandlePull returns events received after ?since= (RFC3339, empty = from the beginning)
func (h *HTTPHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}
	limit := 0
	if ls := r.URL.Query().Get("limit"); ls != "" {
		v, err := strconv.Atoi(ls)
		if err != nil || v < 1 {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "limit must be a positive integer")
			return
		}
		limit = v
	}
	resp, err := h.sync.Pull(r.Context(), userID, since, limit)
	if err != nil {
		h.writeServiceError(w, err, "pull", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandlers) HandleListMedications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	meds, err := h.medications.List(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list medications", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, meds)
}

func (h *HTTPHandlers) HandleCreateMedication(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req CreateMedicationRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.medications.Create(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err, "create medication", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusCreated, m)
}

func (h *HTTPHandlers) HandleDeleteMedication(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	if err := h.medications.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err, "delete medication", "user_id", userID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) HandleAddSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.medications.AddSchedule(r.Context(), userID, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeServiceError(w, err, "add schedule", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusCreated, rule)
}

func (h *HTTPHandlers) HandleReplaceSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.medications.ReplaceSchedule(r.Context(), userID, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeServiceError(w, err, "replace schedule", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *HTTPHandlers) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	if err := h.medications.DeleteSchedule(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err, "delete schedule", "user_id", userID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) HandleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req CreateDeliveryRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.notifications.CreateDelivery(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err, "create delivery", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

func (h *HTTPHandlers) HandleGetDelivery(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	d, err := h.notifications.GetDelivery(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "get delivery", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *HTTPHandlers) HandleUpdateDelivery(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req UpdateDeliveryStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.notifications.UpdateDeliveryStatus(r.Context(), userID, chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeServiceError(w, err, "update delivery", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

func (h *HTTPHandlers) HandleCreateAction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	var req CreateActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.notifications.CreateAction(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, err, "create action", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusCreated, a)
}

func (h *HTTPHandlers) HandleListActions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	actions, err := h.notifications.ListActions(r.Context(), userID, r.URL.Query().Get("deliveryId"))
	if err != nil {
		h.writeServiceError(w, err, "list actions", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, actions)
}

// HandleAdherence reports ?from=YYYY-MM-DD&to=YYYY-MM-DD, optionally in ?tz= (IANA name, default UTC)
func (h *HTTPHandlers) HandleAdherence(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.identify(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	loc := time.UTC
	if tz := q.Get("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_failed", "unknown time zone "+tz)
			return
		}
		loc = l
	}
	from, err := recurrence.ParseDate(q.Get("from"), loc)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "from must be YYYY-MM-DD")
		return
	}
	to, err := recurrence.ParseDate(q.Get("to"), loc)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_failed", "to must be YYYY-MM-DD")
		return
	}
	summary, err := h.adherence.Summary(r.Context(), userID, from, to)
	if err != nil {
		h.writeServiceError(w, err, "adherence", "user_id", userID)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandlers) identify(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	return userID, true
}

func (h *HTTPHandlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return false
	}
	return true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeServiceError maps the error taxonomy onto HTTP statuses
func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, err error, op string, attrs ...any) {
	var verr *doserr.ValidationError
	var nerr *doserr.NotFoundError
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Message: verr.Error(), Code: verr.Code})
		h.logger.Debug("HTTP error response", "status_code", http.StatusBadRequest, "error_code", verr.Code, "message", verr.Message)
	case errors.As(err, &nerr):
		h.writeError(w, http.StatusNotFound, "not_found", nerr.Error())
	case doserr.IsTransient(err):
		h.logger.Warn("Storage unavailable", append([]any{"op", op, "error", err}, attrs...)...)
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Storage temporarily unavailable")
	default:
		h.logger.Error("Request failed", append([]any{"op", op, "error", err}, attrs...)...)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to process "+op)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, errorCode, message)
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

func writeJSONError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
