package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/service"
	"chatsync/internal/ws"
)

// NewRouter constructs the feed server router and wires routes, services,
// and middleware.
func NewRouter(cfg *config.Config, store domain.Store, hub *ws.Hub, extraSinks ...service.EventSink) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	sinks := append([]service.EventSink{hub}, extraSinks...)
	msgSvc := service.NewMessageService(store, cfg.MaxContentRunes, cfg.MaxPageSize, sinks...)
	roomSvc := service.NewRoomService(store)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", handleCreateRoom(roomSvc))
			r.Get("/{roomID}", handleGetRoom(roomSvc))
			r.Post("/{roomID}/close", handleCloseRoom(roomSvc))
			r.Delete("/{roomID}", handleDeleteRoom(roomSvc))
			r.Post("/{roomID}/read", handleMarkRead(roomSvc))
			r.Get("/{roomID}/unread", handleUnread(roomSvc))
			r.Get("/{roomID}/messages", handleListMessages(msgSvc))
			r.Post("/{roomID}/messages", handleSendMessage(msgSvc))
		})
		r.Route("/messages", func(r chi.Router) {
			r.Patch("/{messageID}", handleEditMessage(msgSvc))
			r.Delete("/{messageID}", handleDeleteMessage(msgSvc))
		})
	})

	// Change feed
	r.Get("/feed", ws.MakeFeedHandler(hub, cfg.CORSOrigins))

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrRoomClosed):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	default:
		switch domain.PersistenceKind(err) {
		case domain.KindValidation:
			status = http.StatusBadRequest
		case domain.KindNotFound:
			status = http.StatusNotFound
		case domain.KindPermission:
			status = http.StatusForbidden
		case domain.KindConflict:
			status = http.StatusConflict
		case domain.KindConnection:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
