package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"

	"calfeed/internal/feedcache"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
)

const calendarContentType = "text/calendar; charset=utf-8"

// Cache is the read side of the feed cache.
type Cache interface {
	Get(ctx context.Context, key string) (*feedcache.Entry, error)
	Expires(e *feedcache.Entry) time.Time
}

// Route binds a feed key to its public path.
type Route struct {
	Key  string
	Path string
}

// Options configures a Server.
type Options struct {
	// RequestTimeout bounds each feed request; 0 means no limit.
	RequestTimeout time.Duration
	// MaxInFlight bounds concurrent feed requests; excess requests get 503.
	MaxInFlight int
	Now         func() time.Time
}

// Server serves one read-only calendar endpoint per feed.
type Server struct {
	cache  Cache
	routes []Route
	opts   Options
	sem    *semaphore.Weighted
	router chi.Router
}

// NewServer constructs a new Server.
func NewServer(cache Cache, routes []Route, opts Options) *Server {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		cache:  cache,
		routes: routes,
		opts:   opts,
		sem:    semaphore.NewWeighted(int64(opts.MaxInFlight)),
		router: chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.countResponses)
		r.Use(s.shed)
		for _, rt := range s.routes {
			h := s.handleFeed(rt.Key)
			r.Get(rt.Path, h)
			r.Head(rt.Path, h)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// shed rejects a request outright when MaxInFlight requests are already
// being served.
func (s *Server) shed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.sem.TryAcquire(1) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "server overloaded")
			return
		}
		defer s.sem.Release(1)
		metrics.InFlight(1)
		defer metrics.InFlight(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if code := ww.Status(); code != 0 {
			metrics.Response(code)
		}
	})
}

// handleFeed serves the cached calendar for key. Conditional requests are
// answered by http.ServeContent using the entry's ETag and creation time.
func (s *Server) handleFeed(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
		}

		e, err := s.cache.Get(ctx, key)
		if err != nil {
			switch {
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				appLog.Warn("feed request timed out", "feed", key, "request_id", middleware.GetReqID(r.Context()))
				writeError(w, http.StatusRequestTimeout, "request timed out")
			case r.Context().Err() != nil:
				// Client went away; nobody reads the response.
				appLog.Debug("feed request abandoned", "feed", key)
			default:
				appLog.Error("feed request failed", err, "feed", key, "request_id", middleware.GetReqID(r.Context()))
				writeError(w, http.StatusInternalServerError, "failed to build feed")
			}
			return
		}

		maxAge := int(s.cache.Expires(e).Sub(s.opts.Now()) / time.Second)
		if maxAge < 0 {
			maxAge = 0
		}
		h := w.Header()
		h.Set("Content-Type", calendarContentType)
		h.Set("ETag", e.ETag)
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
		http.ServeContent(w, r, "", e.CreatedAt, strings.NewReader(e.Payload))
	}
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr, "feeds", len(s.routes))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	appLog.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
