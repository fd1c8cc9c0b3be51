package usage

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/reflectionguide/reflect/internal/api"
	"github.com/reflectionguide/reflect/internal/auth"
)

// Handler serves the /voice endpoints.
type Handler struct {
	gate     *Gate
	recorder *Recorder
	validate *validator.Validate
}

func NewHandler(gate *Gate, recorder *Recorder) *Handler {
	return &Handler{gate: gate, recorder: recorder, validate: validator.New()}
}

type PermissionResponse struct {
	Decision  Decision `json:"decision"`
	Remaining int      `json:"remaining"`
	Prompt    *Prompt  `json:"prompt,omitempty"`
}

type UsageResponse struct {
	Record     Record `json:"record"`
	DailyLimit int    `json:"daily_limit"`
}

type AttemptResponse struct {
	Attempt  *Attempt  `json:"attempt"`
	Decision *Decision `json:"decision,omitempty"`
	Prompt   *Prompt   `json:"prompt,omitempty"`
	Record   *Record   `json:"record,omitempty"`
	Counted  *bool     `json:"counted,omitempty"`
}

type ChoiceRequest struct {
	Choice Choice `json:"choice" validate:"required,oneof=upgrade continue"`
}

func (h *Handler) permission(d Decision) PermissionResponse {
	resp := PermissionResponse{Decision: d, Remaining: d.Remaining()}
	if !d.Allowed && d.Reason == ReasonLimitReached {
		p := h.gate.Prompt()
		resp.Prompt = &p
	}
	return resp
}

func (h *Handler) Permission(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	d, err := h.gate.CheckRecordingPermission(r.Context(), claims.ProfileID)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, h.permission(d))
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	rec, err := h.gate.Usage(r.Context(), claims.ProfileID)
	if err != nil {
		slog.Error("loading voice usage", "error", err, "profile", claims.ProfileID)
		api.HandleError(w, api.ErrBadGateway)
		return
	}
	api.JSON(w, http.StatusOK, UsageResponse{Record: rec, DailyLimit: h.gate.DailyLimit()})
}

func (h *Handler) BeginAttempt(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	a, d, err := h.recorder.Begin(r.Context(), claims.ProfileID)
	if err != nil {
		handleError(w, err)
		return
	}
	perm := h.permission(d)
	api.JSON(w, http.StatusCreated, AttemptResponse{Attempt: a, Decision: &d, Prompt: perm.Prompt})
}

func (h *Handler) StartRecording(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	a, err := h.recorder.StartRecording(r.Context(), claims.ProfileID, chi.URLParam(r, "attemptID"))
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, AttemptResponse{Attempt: a})
}

// CompleteAttempt counts the recorded message. A counting failure still
// closes the attempt and is reported as counted=false.
func (h *Handler) CompleteAttempt(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	a, rec, err := h.recorder.Complete(r.Context(), claims.ProfileID, chi.URLParam(r, "attemptID"))
	if err != nil && a == nil {
		handleError(w, err)
		return
	}
	counted := rec != nil
	api.JSON(w, http.StatusOK, AttemptResponse{Attempt: a, Record: rec, Counted: &counted})
}

func (h *Handler) CancelAttempt(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	a, err := h.recorder.Cancel(r.Context(), claims.ProfileID, chi.URLParam(r, "attemptID"))
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, AttemptResponse{Attempt: a})
}

func (h *Handler) Choose(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	var req ChoiceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	a, err := h.recorder.Choose(r.Context(), claims.ProfileID, chi.URLParam(r, "attemptID"), req.Choice)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, AttemptResponse{Attempt: a})
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoProfile):
		api.HandleError(w, api.ErrNoProfile)
	case errors.Is(err, ErrAttemptNotFound):
		api.HandleError(w, api.NewNotFoundError("recording attempt not found"))
	case errors.Is(err, ErrInvalidTransition):
		api.HandleError(w, api.NewConflictError(err.Error()))
	case errors.Is(err, ErrInvalidChoice):
		api.HandleError(w, api.NewValidationError(err.Error()))
	default:
		slog.Error("voice gate request failed", "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
