package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rzbill/openstream/internal/runtime"
	"github.com/rzbill/openstream/internal/server/http/controllers"
	logpkg "github.com/rzbill/openstream/pkg/log"
)

// Server is the REST front of a runtime.
type Server struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
	router *chi.Mux
	srv    *http.Server
	lis    net.Listener
}

// New builds the router and registers every controller.
func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Server{rt: rt, logger: logger.With(logpkg.Component("http"))}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	controllers.NewControllerRegistry(rt, logger).RegisterAllRoutes(r)
	s.router = r

	cfg := rt.Config().Server
	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe binds to addr and serves until ctx is done, then shuts
// down within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		timeout := s.rt.Config().Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		cctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.srv.Shutdown(cctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr is the bound address once listening.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// logRequests records latency by route pattern so path parameters do not
// explode label cardinality.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		s.rt.Metrics().HTTP.Observe(r.Method, route, elapsed)
		s.logger.Debug("http request",
			logpkg.Str("method", r.Method),
			logpkg.Str("route", route),
			logpkg.Int("status", ww.Status()),
			logpkg.Dur("elapsed", elapsed),
			logpkg.Str("request_id", middleware.GetReqID(r.Context())))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
