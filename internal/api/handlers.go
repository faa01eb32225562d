// Package api exposes the sync engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/orchestrator"
	"example.com/healthsync/internal/steps"
)

// SyncService is the orchestrator surface the API drives.
type SyncService interface {
	GetConnectionStatus(ctx context.Context) (domain.ConnectionStatus, error)
	RequestPermissions(ctx context.Context) (domain.ConnectionStatus, error)
	GetSettings(ctx context.Context) (domain.SyncSettings, error)
	UpdateSettings(ctx context.Context, patch domain.SettingsPatch) (domain.SyncSettings, error)
	PerformSync(ctx context.Context) domain.SyncResult
	SyncWorkoutsToExerciseLog(ctx context.Context) int
	ClearWorkoutLedger(ctx context.Context) error
	CompactWorkoutLedger(ctx context.Context) (int, error)
	StartForegroundSync(ctx context.Context) bool
	StopForegroundSync()
	ForegroundRunning() bool
	RegisterBackgroundTask(ctx context.Context) error
	UnregisterBackgroundTask(ctx context.Context) error
	BackgroundRegistered() bool
	GetLastBackgroundSyncTime(ctx context.Context) (*time.Time, error)
	AddListener(fn orchestrator.Listener) func()
}

// StepService is the step session surface. It is optional.
type StepService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() steps.State
	DailyTotal() int64
	LastFlush() time.Time
	AddListener(fn func(steps.Update)) func()
}

// Handler serves the control API.
type Handler struct {
	sync  SyncService
	steps StepService
}

// NewHandler constructs a Handler. stepSvc may be nil when no pedometer is configured.
func NewHandler(syncSvc SyncService, stepSvc StepService) *Handler {
	return &Handler{sync: syncSvc, steps: stepSvc}
}

// Router mounts every route behind authn. /healthz stays public.
func (h *Handler) Router(authn auth.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", h.healthz)

	r.Group(func(v1 chi.Router) {
		v1.Use(authn.Wrap)
		v1.Route("/v1", func(r chi.Router) {
			r.Get("/status", h.read(h.status))
			r.Post("/permissions", h.write(h.requestPermissions))
			r.Get("/settings", h.read(h.getSettings))
			r.Patch("/settings", h.write(h.patchSettings))
			r.Post("/sync", h.write(h.performSync))
			r.Post("/workouts/sync", h.write(h.syncWorkouts))
			r.Delete("/workouts/ledger", h.write(h.clearLedger))
			r.Post("/workouts/ledger/compact", h.write(h.compactLedger))
			r.Post("/foreground/start", h.write(h.startForeground))
			r.Post("/foreground/stop", h.write(h.stopForeground))
			r.Get("/background", h.read(h.backgroundStatus))
			r.Post("/background", h.write(h.registerBackground))
			r.Delete("/background", h.write(h.unregisterBackground))
			r.Get("/steps", h.read(h.stepStatus))
			r.Post("/steps/start", h.write(h.startSteps))
			r.Post("/steps/stop", h.write(h.stopSteps))
			r.Get("/stream", h.read(h.stream))
		})
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) read(next http.HandlerFunc) http.HandlerFunc {
	return requireScope(auth.ScopeHealthRead, next)
}

func (h *Handler) write(next http.HandlerFunc) http.HandlerFunc {
	return requireScope(auth.ScopeHealthWrite, next)
}

func requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		if !claims.HasScope(scope) {
			writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
			return
		}
		next(w, r)
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.sync.GetConnectionStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) requestPermissions(w http.ResponseWriter, r *http.Request) {
	status, err := h.sync.RequestPermissions(r.Context())
	switch {
	case errors.Is(err, domain.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.sync.GetSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) patchSettings(w http.ResponseWriter, r *http.Request) {
	var patch domain.SettingsPatch
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "validation_failed", "no settings to change")
		return
	}
	if patch.SyncIntervalMinutes != nil && *patch.SyncIntervalMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "syncIntervalMinutes must be > 0")
		return
	}
	settings, err := h.sync.UpdateSettings(r.Context(), patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) performSync(w http.ResponseWriter, r *http.Request) {
	result := h.sync.PerformSync(r.Context())
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
		if result.Error != domain.ErrNotConnected.Error() && result.Error != orchestrator.ErrSyncDisabled.Error() {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, result)
}

// WorkoutSyncResponse reports how many workouts were imported.
type WorkoutSyncResponse struct {
	Imported int `json:"imported"`
}

func (h *Handler) syncWorkouts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WorkoutSyncResponse{Imported: h.sync.SyncWorkoutsToExerciseLog(r.Context())})
}

func (h *Handler) clearLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.ClearWorkoutLedger(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) compactLedger(w http.ResponseWriter, r *http.Request) {
	removed, err := h.sync.CompactWorkoutLedger(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// TriggerState describes the foreground and background triggers.
type TriggerState struct {
	Running            bool       `json:"running"`
	LastBackgroundSync *time.Time `json:"lastBackgroundSync,omitempty"`
}

func (h *Handler) startForeground(w http.ResponseWriter, r *http.Request) {
	if !h.sync.StartForegroundSync(r.Context()) && !h.sync.ForegroundRunning() {
		writeError(w, http.StatusConflict, "auto_sync_disabled", "enable sync and autoSync first")
		return
	}
	writeJSON(w, http.StatusOK, TriggerState{Running: true})
}

func (h *Handler) stopForeground(w http.ResponseWriter, _ *http.Request) {
	h.sync.StopForegroundSync()
	writeJSON(w, http.StatusOK, TriggerState{Running: false})
}

func (h *Handler) backgroundStatus(w http.ResponseWriter, r *http.Request) {
	last, err := h.sync.GetLastBackgroundSyncTime(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TriggerState{Running: h.sync.BackgroundRegistered(), LastBackgroundSync: last})
}

func (h *Handler) registerBackground(w http.ResponseWriter, r *http.Request) {
	switch err := h.sync.RegisterBackgroundTask(r.Context()); {
	case errors.Is(err, orchestrator.ErrNoScheduler):
		writeError(w, http.StatusNotImplemented, "no_scheduler", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	default:
		writeJSON(w, http.StatusOK, TriggerState{Running: true})
	}
}

func (h *Handler) unregisterBackground(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.UnregisterBackgroundTask(r.Context()); err != nil && !errors.Is(err, orchestrator.ErrNoScheduler) {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TriggerState{Running: false})
}

// StepStatus is the step session snapshot.
type StepStatus struct {
	State      string     `json:"state"`
	DailyTotal int64      `json:"dailyTotal"`
	LastFlush  *time.Time `json:"lastFlushTime,omitempty"`
}

func (h *Handler) stepStatus(w http.ResponseWriter, _ *http.Request) {
	if h.steps == nil {
		writeError(w, http.StatusNotImplemented, "no_pedometer", "step tracking is not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.stepSnapshot())
}

func (h *Handler) startSteps(w http.ResponseWriter, r *http.Request) {
	if h.steps == nil {
		writeError(w, http.StatusNotImplemented, "no_pedometer", "step tracking is not configured")
		return
	}
	if err := h.steps.Start(r.Context()); err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			writeError(w, http.StatusForbidden, "permission_denied", err.Error())
			return
		}
		if errors.Is(err, domain.ErrBackendUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "pedometer_unavailable", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.stepSnapshot())
}

func (h *Handler) stopSteps(w http.ResponseWriter, r *http.Request) {
	if h.steps == nil {
		writeError(w, http.StatusNotImplemented, "no_pedometer", "step tracking is not configured")
		return
	}
	if err := h.steps.Stop(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.stepSnapshot())
}

func (h *Handler) stepSnapshot() StepStatus {
	snap := StepStatus{State: h.steps.State().String(), DailyTotal: h.steps.DailyTotal()}
	if last := h.steps.LastFlush(); !last.IsZero() {
		snap.LastFlush = &last
	}
	return snap
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
