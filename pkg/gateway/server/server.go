// Package server wires the gateway's routes, middleware and background
// expiry sweeper.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/decisra/decisra-go/pkg/gateway/config"
	"github.com/decisra/decisra-go/pkg/gateway/handlers"
	"github.com/decisra/decisra-go/pkg/gateway/hub"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	hub       *hub.Hub
	router    chi.Router
	responder handlers.Responder
}

type Option func(*Server)

// WithResponder overrides the assistant Responder.
func WithResponder(r handlers.Responder) Option {
	return func(s *Server) { s.responder = r }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		hub:    hub.New(cfg.AssistantTurnLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Hub exposes the session state, mainly for tests and embedders.
func (s *Server) Hub() *hub.Hub { return s.hub }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(s.cors)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	sessions := handlers.Sessions{Hub: s.hub, Config: s.cfg, Logger: s.logger}
	join := handlers.Join{Hub: s.hub, Config: s.cfg, Logger: s.logger}
	ai := handlers.AI{
		Hub:       s.hub,
		Config:    s.cfg,
		Logger:    s.logger,
		Responder: s.responder,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r.Route("/api/session", func(r chi.Router) {
		r.Post("/", sessions.Create)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", sessions.Get)
			r.Post("/end", sessions.End)
			r.Post("/join", sessions.HostJoin)
			r.Post("/join-request", join.Submit)
			r.Route("/join-requests", func(r chi.Router) {
				r.Get("/stream", join.StreamRequests)
				r.Route("/{requestID}", func(r chi.Router) {
					r.Get("/stream", join.StreamRequest)
					r.Post("/admit", join.Decide(true))
					r.Post("/deny", join.Decide(false))
				})
			})
			r.Route("/ai", func(r chi.Router) {
				r.Post("/connect", ai.Connect)
				r.Get("/stream", ai.Stream)
			})
		})
	})

	s.router = r
}

func (s *Server) Handler() http.Handler { return s.router }

// RunSweeper expires sessions in the background until ctx is done.
func (s *Server) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.hub.Sweep(); n > 0 {
				s.logger.Info("expired sessions swept", "count", n)
			}
		}
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if _, ok := s.cfg.CORSAllowedOrigins[origin]; ok {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
