// Package server assembles API routers into an HTTP server with the
// shared middleware: request logging and classified error responses.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/gorilla/mux"
	"github.com/minefleet/minefleet/api/server/httputils"
	"github.com/minefleet/minefleet/api/server/router"
)

// Server mounts routers onto one gorilla mux.
type Server struct {
	mux *mux.Router
}

// New builds an empty server.
func New() *Server {
	return &Server{mux: mux.NewRouter()}
}

// InitRouter registers every route of the given routers.
func (s *Server) InitRouter(routers ...router.Router) {
	for _, r := range routers {
		for _, route := range r.Routes() {
			s.mux.Path(route.Path()).Methods(route.Method()).
				Handler(s.makeHTTPHandler(route))
		}
	}
	s.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httputils.WriteJSON(w, http.StatusNotFound, map[string]string{
			"message": "page not found",
		})
	})
}

// Handler returns the assembled http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) makeHTTPHandler(route router.Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		handlerErr := route.Handler()(ctx, w, r, mux.Vars(r))
		logRequest(ctx, r, start, handlerErr)
		if handlerErr != nil {
			httputils.WriteError(w, r, handlerErr)
		}
	})
}

func logRequest(ctx context.Context, r *http.Request, start time.Time, err error) {
	fields := log.Fields{
		"method":   r.Method,
		"uri":      r.RequestURI,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		log.G(ctx).WithFields(fields).WithError(err).Debug("request failed")
		return
	}
	log.G(ctx).WithFields(fields).Debug("request handled")
}

// ListenAndServe serves the handler until the context is canceled, then
// shuts down draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errC := make(chan error, 1)
	go func() { errC <- srv.ListenAndServe() }()
	log.G(ctx).WithField("addr", addr).Info("API server listening")

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
