package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mymydata/internal/middleware"
)

// Routes bundles the handlers served by the chat service.
type Routes struct {
	Channels       *ChannelHandler
	Messages       *MessageHandler
	Config         *ConfigHandler
	WS             *WSHandler
	RateLimiter    *middleware.IPRateLimiter
	AllowedOrigins []string
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	if rt.WS != nil {
		r.Get("/ws", rt.WS.ServeWS)
	}

	r.Route("/api", func(r chi.Router) {
		if rt.RateLimiter != nil {
			r.Use(rt.RateLimiter.Middleware)
		}
		if rt.Config != nil {
			r.Get("/config", rt.Config.GetClientConfig)
		}
		r.Get("/channels", rt.Channels.List)
		r.Post("/channels", rt.Channels.Create)
		r.Get("/channels/{channelId}", rt.Channels.Get)
		r.Get("/channels/{channelId}/messages", rt.Messages.GetMessages)
		r.Post("/channels/{channelId}/messages", rt.Messages.PostMessage)
	})
	return r
}
