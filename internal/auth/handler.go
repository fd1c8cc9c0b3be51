package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/reflectionguide/reflect/internal/api"
	"github.com/reflectionguide/reflect/internal/users"
)

type Handler struct {
	authSvc  *Service
	userSvc  *users.Service
	validate *validator.Validate
}

func NewHandler(authSvc *Service, userSvc *users.Service) *Handler {
	return &Handler{
		authSvc:  authSvc,
		userSvc:  userSvc,
		validate: validator.New(),
	}
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// SessionResponse pairs tokens with the account they were minted for.
type SessionResponse struct {
	*TokenPair
	User *users.User `json:"user"`
}

func identityOf(u *users.User) Identity {
	return Identity{UserID: u.ID.String(), Email: u.Email, ProfileID: u.ProfileID}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	exists, err := h.userSvc.ExistsByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("checking email existence", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if exists {
		api.HandleError(w, api.ErrEmailAlreadyExists)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		if errors.Is(err, ErrPasswordTooLong) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("hashing password", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	user, err := h.userSvc.Register(r.Context(), req.Email, hash)
	if err != nil {
		slog.Error("registering user", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	h.issue(w, r, user, http.StatusCreated)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	user, err := h.userSvc.GetByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("getting user by email", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if user == nil {
		api.HandleError(w, api.ErrInvalidCredentials)
		return
	}
	if err := ComparePassword(user.PasswordHash, req.Password); err != nil {
		api.HandleError(w, api.ErrInvalidCredentials)
		return
	}

	// Accounts whose profile creation failed at registration get another try.
	if err := h.userSvc.EnsureProfile(r.Context(), user); err != nil {
		slog.Warn("creating missing profile at login", "error", err, "user_id", user.ID)
	}

	h.issue(w, r, user, http.StatusOK)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, user *users.User, status int) {
	tokens, err := h.authSvc.GenerateTokens(r.Context(), identityOf(user))
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, status, SessionResponse{TokenPair: tokens, User: user})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	tokens, err := h.authSvc.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		slog.Info("refreshing tokens", "error", err)
		api.HandleError(w, api.ErrInvalidToken)
		return
	}
	api.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	if err := h.authSvc.Logout(r.Context(), claims.UserID); err != nil {
		slog.Error("logging out", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSONMessage(w, http.StatusOK, "logged out successfully")
}

// Me returns the caller's account.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.HandleError(w, api.ErrInvalidToken)
		return
	}
	user, err := h.userSvc.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("getting user by id", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if user == nil {
		api.HandleError(w, api.NewNotFoundError("user not found"))
		return
	}
	api.JSON(w, http.StatusOK, user)
}
