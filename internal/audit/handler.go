package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/reflectionguide/reflect/internal/api"
	"github.com/reflectionguide/reflect/internal/auth"
)

type lister interface {
	ListByProfile(ctx context.Context, profileID string, params ListParams) ([]AuditLog, int64, error)
}

// Handler serves the authenticated user's audit trail.
type Handler struct {
	repo lister
}

// NewHandler creates a new audit Handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// List returns paginated audit logs for the authenticated user's profile.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}

	params := parseListParams(r)

	logs, total, err := h.repo.ListByProfile(r.Context(), claims.ProfileID, params)
	if err != nil {
		slog.Error("listing audit logs", "error", err, "profile", claims.ProfileID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseListParams(r *http.Request) ListParams {
	params := DefaultListParams()
	params.Page, params.PageSize = api.Pagination(r, params.PageSize)

	q := r.URL.Query()
	params.EventType = q.Get("event_type")
	params.Severity = q.Get("severity")
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}
