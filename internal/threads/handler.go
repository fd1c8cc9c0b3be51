package threads

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/reflectionguide/reflect/internal/api"
	"github.com/reflectionguide/reflect/internal/auth"
	"github.com/reflectionguide/reflect/internal/fhir"
	"github.com/reflectionguide/reflect/internal/usage"
)

const (
	pongWait   = 60 * time.Second
	// Pings must go out before the peer's read deadline expires.
	pingPeriod = pongWait * 9 / 10
)

// Handler serves the thread endpoints and the live websocket.
type Handler struct {
	svc      *Service
	hub      *Hub
	upgrader websocket.Upgrader
	validate *validator.Validate

	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewHandler accepts websocket upgrades from allowedOrigins. A "*" entry or
// an empty list accepts any origin.
func NewHandler(svc *Service, hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		svc: svc,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		validate:   validator.New(),
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Native clients send no Origin.
		return origin == "" || len(set) == 0 || set[origin]
	}
}

type CreateThreadRequest struct {
	Topic string `json:"topic" validate:"required,max=200"`
}

type AudioRequest struct {
	ContentType string  `json:"content_type" validate:"required"`
	URL         string  `json:"url" validate:"required,url"`
	Title       string  `json:"title"`
	Size        int     `json:"size" validate:"gte=0"`
	Duration    float64 `json:"duration" validate:"gte=0"`
}

type SendMessageRequest struct {
	Text      string        `json:"text" validate:"max=4000"`
	Audio     *AudioRequest `json:"audio"`
	AttemptID string        `json:"attempt_id"`
}

type MarkReadResponse struct {
	Marked int `json:"marked"`
}

func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	threads, err := h.svc.ListThreads(r.Context(), claims.ProfileID)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, threads)
}

func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	var req CreateThreadRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	t, err := h.svc.CreateThread(r.Context(), claims.ProfileID, req.Topic)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, t)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	msgs, err := h.svc.ListMessages(r.Context(), claims.ProfileID, chi.URLParam(r, "threadID"))
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	in := SendInput{Text: req.Text, AttemptID: req.AttemptID}
	if req.Audio != nil {
		in.Audio = &fhir.Attachment{
			ContentType: req.Audio.ContentType,
			URL:         req.Audio.URL,
			Title:       req.Audio.Title,
			Size:        req.Audio.Size,
			Duration:    req.Audio.Duration,
		}
	}
	res, err := h.svc.SendMessage(r.Context(), claims.ProfileID, chi.URLParam(r, "threadID"), in)
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, res)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	n, err := h.svc.MarkRead(r.Context(), claims.ProfileID, chi.URLParam(r, "threadID"))
	if err != nil {
		handleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}

// Live upgrades to a websocket that receives message, thread, voice usage
// and customer info events for the caller's profile.
// GET /api/v1/ws?token=...
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.RequireProfile(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(claims.ProfileID, conn)
	h.hub.Register(client)

	done := make(chan struct{})
	go h.keepAlive(client, done)
	go func() {
		defer func() {
			close(done)
			h.hub.Unregister(client)
			_ = conn.Close()
		}()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(h.pongWait))
		})
		// Reads only detect disconnects; clients never send data.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		}
	}()
}

// keepAlive pings the client until the reader exits. A failed ping closes
// the connection, which ends the reader.
func (h *Handler) keepAlive(c *Client, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				slog.Debug("live ping failed", "error", err, "profile", c.ProfileID)
				_ = c.conn.Close()
				return
			}
		}
	}
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrThreadNotFound):
		api.HandleError(w, api.NewNotFoundError("thread not found"))
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrEmptyTopic), errors.Is(err, ErrVoiceAttemptRequired):
		api.HandleError(w, api.NewValidationError(err.Error()))
	case errors.Is(err, usage.ErrAttemptNotFound):
		api.HandleError(w, api.NewNotFoundError("recording attempt not found"))
	case errors.Is(err, usage.ErrInvalidTransition):
		api.HandleError(w, api.NewConflictError("recording attempt is not allowed to send"))
	case errors.Is(err, ErrRemote):
		slog.Error("medplum request failed", "error", err)
		api.HandleError(w, api.ErrBadGateway)
	default:
		slog.Error("threads request failed", "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
