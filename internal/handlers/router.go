package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/appMiddleware"
	"NeighborChat/server/internal/services"
)

type RouterOptions struct {
	Auth           services.AuthService
	DB             Pinger
	AllowedOrigins []string
	// FilesDir is served under /files when attachments live on local disk.
	FilesDir string
}

func NewRouter(h *Handler, g *Gateway, opts RouterOptions, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(appMiddleware.Cors(opts.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.Logger(logger))
	r.Use(appMiddleware.Metrics)
	r.Use(middleware.Recoverer)

	r.Get("/health", Health(opts.DB, g.Pool().ConnectionCount))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", g.ServeWS)

	if opts.FilesDir != "" {
		r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(opts.FilesDir))))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(appMiddleware.AuthMiddleware(opts.Auth, logger))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Post("/", h.CreateConversation)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Post("/archive", h.ArchiveConversation)
				r.Post("/pin", h.TogglePin)
				r.Post("/mute", h.ToggleMute)
				r.Post("/participants", h.AddParticipants)
				r.Delete("/participants/{userID}", h.RemoveParticipant)
				r.Get("/messages", h.ListMessages)
				r.Post("/messages", h.SendMessage)
				r.Post("/read", h.MarkRead)
				r.Get("/unread", h.UnreadCount)
				r.Post("/typing", h.SetTyping)
				r.Post("/attachments", h.UploadAttachment)
			})
		})

		r.Route("/messages/{id}", func(r chi.Router) {
			r.Patch("/", h.EditMessage)
			r.Delete("/", h.DeleteMessage)
			r.Get("/receipts", h.ListReceipts)
		})

		r.Get("/attachments/*", h.AttachmentStatus)
		r.Delete("/attachments/*", h.DeleteAttachment)
		r.Get("/users/online", h.OnlineUsers)
		r.Get("/users/{userID}", h.GetUser)
	})

	return r
}
