package billing

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/reflectionguide/reflect/internal/api"
	"github.com/reflectionguide/reflect/internal/auth"
)

type Handler struct {
	svc           *Service
	webhookSecret string
	validate      *validator.Validate
}

func NewHandler(svc *Service, webhookSecret string) *Handler {
	return &Handler{
		svc:           svc,
		webhookSecret: webhookSecret,
		validate:      validator.New(),
	}
}

type PurchaseRequest struct {
	Package Package `json:"package"`
	// Receipt is absent when the user dismissed the store sheet.
	Receipt *Receipt `json:"receipt"`
}

type CustomerResponse struct {
	Customer           *CustomerInfo `json:"customer,omitempty"`
	Premium            bool          `json:"premium"`
	ActiveEntitlements []string      `json:"active_entitlements"`
	Cancelled          bool          `json:"cancelled,omitempty"`
}

type webhookBody struct {
	APIVersion string       `json:"api_version"`
	Event      WebhookEvent `json:"event"`
}

func (h *Handler) customerResponse(info *CustomerInfo) CustomerResponse {
	now := h.svc.now()
	active := info.ActiveEntitlements(now)
	if active == nil {
		active = []string{}
	}
	return CustomerResponse{
		Customer:           info,
		Premium:            info.HasEntitlement(h.svc.EntitlementID(), now),
		ActiveEntitlements: active,
	}
}

func (h *Handler) Offerings(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	offerings, err := h.svc.GetOfferings(r.Context(), claims.ProfileID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, offerings)
}

func (h *Handler) Customer(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	info, err := h.svc.GetCustomerInfo(r.Context(), claims.ProfileID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, h.customerResponse(info))
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}

	var req PurchaseRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	info, err := h.svc.PurchasePackage(r.Context(), claims.ProfileID, req.Package, req.Receipt)
	if errors.Is(err, ErrPurchaseCancelled) {
		api.JSON(w, http.StatusOK, CustomerResponse{Cancelled: true, ActiveEntitlements: []string{}})
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, h.customerResponse(info))
}

func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	info, err := h.svc.RestorePurchases(r.Context(), claims.ProfileID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, h.customerResponse(info))
}

// Webhook receives RevenueCat events. It is not behind JWT auth; the
// Authorization header must carry the shared secret.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorizedWebhook(r) {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var body webhookBody
	if err := api.DecodeJSON(r, &body); err != nil || body.Event.Type == "" {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.svc.HandleWebhook(r.Context(), body.Event); err != nil {
		if errors.Is(err, ErrNotReady) {
			api.HandleError(w, api.ErrServiceUnavailable)
			return
		}
		slog.Error("handling billing webhook", "error", err, "event_id", body.Event.ID, "type", body.Event.Type)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "ok")
}

func (h *Handler) authorizedWebhook(r *http.Request) bool {
	if h.webhookSecret == "" {
		return false
	}
	got := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(got, " "); ok && strings.EqualFold(scheme, "bearer") {
		got = token
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) == 1
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotReady):
		api.HandleError(w, api.ErrServiceUnavailable)
	case errors.Is(err, ErrInvalidPackage):
		api.HandleError(w, api.NewValidationError("package identifier and product id are required"))
	case errors.Is(err, ErrPurchaseInProgress):
		api.HandleError(w, api.NewConflictError("a purchase is already in progress"))
	case errors.Is(err, ErrMissingUser):
		api.HandleError(w, api.ErrNoProfile)
	default:
		slog.Error("billing collaborator call failed", "error", err)
		api.HandleError(w, api.ErrBadGateway)
	}
}
