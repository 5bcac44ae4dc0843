// Package api is the HTTP surface of the engine: acknowledgment intake from
// the elder's device, read-only views of reminders and the schedule, and an
// iCalendar feed of upcoming occurrences.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"eldercare/internal/config"
	logx "eldercare/pkg/logx"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, cfg config.API) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log()))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/reminders", func(r chi.Router) {
		r.Get("/", h.ListReminders)
		r.Get("/{id}", h.GetReminder)
		r.Get("/{id}/instructions", h.GetInstructions)
		r.Post("/{id}/ack", h.Ack)
	})

	r.Get("/schedule", h.GetSchedule)
	r.Get("/tasks/{id}/occurrences", h.TaskOccurrences)
	r.Get("/calendar.ics", h.Calendar)
	r.Get("/notifications", h.ListNotifications)

	if cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// Server runs the router until its context ends.
type Server struct {
	srv *http.Server
	log logx.Logger
}

func NewServer(cfg config.API, h *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(h, cfg),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		log: h.log(),
	}
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return err
	}
	<-errCh
	return ctx.Err()
}
