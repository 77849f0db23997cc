// Package server exposes the harvested snapshot over HTTP: a random quote
// per language, a health check and the Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/minios-linux/quoteharvest/langmeta"
	"github.com/minios-linux/quoteharvest/metrics"
	"github.com/minios-linux/quoteharvest/snapshot"
)

// Loader returns the snapshot to serve from. Soft failures (see
// snapshot.IsSoftFailure) are served as an empty snapshot.
type Loader func(ctx context.Context) (*snapshot.Snapshot, error)

// StoreLoader reads the snapshot from store on every request. Open store
// with snapshot.ReaderOptions so that serving an old snapshot neither
// hides it nor deletes it.
func StoreLoader(store snapshot.Store) Loader {
	return store.Load
}

// Options controls a Server.
type Options struct {
	// IntN picks a quote; nil uses math/rand/v2.
	IntN func(int) int
	// Verbose logs every request through OnLog.
	Verbose bool
	// OnLog emits log messages.
	OnLog func(format string, args ...any)
	// OnError emits error messages.
	OnError func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	} else if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) intn() func(int) int {
	if o.IntN != nil {
		return o.IntN
	}
	return rand.IntN
}

// Server routes requests to the snapshot.
type Server struct {
	load   Loader
	opts   Options
	router *chi.Mux
}

// New builds the router.
func New(load Loader, opts Options) *Server {
	s := &Server{load: load, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if opts.Verbose {
		r.Use(s.requestLog)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/quote", s.handleQuote)
	r.Get("/quote.json", s.handleQuoteJSON)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.log("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.log("%s %s %d %s", r.Method, r.URL.RequestURI(), ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// pick loads the snapshot and returns a random quote for the lang query
// parameter. status is non-zero when no quote can be served.
func (s *Server) pick(r *http.Request) (lang, quote string, status int) {
	lang = r.URL.Query().Get("lang")
	snap, err := s.load(r.Context())
	if err != nil && !snapshot.IsSoftFailure(err) {
		s.opts.logError("loading snapshot: %v", err)
		return lang, "", http.StatusInternalServerError
	}
	if snap == nil {
		return lang, "", http.StatusNotFound
	}
	quote, ok := snap.Random(lang, s.opts.intn())
	if !ok {
		return lang, "", http.StatusNotFound
	}
	return lang, quote, 0
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	_, quote, status := s.pick(r)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(quote + "\n"))
}

type quoteResponse struct {
	Quote    string `json:"quote"`
	Lang     string `json:"lang,omitempty"`
	Language string `json:"language,omitempty"`
	Flag     string `json:"flag,omitempty"`
}

func (s *Server) handleQuoteJSON(w http.ResponseWriter, r *http.Request) {
	lang, quote, status := s.pick(r)
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}
	resp := quoteResponse{Quote: quote}
	if lang != "" && lang != "any" {
		meta := langmeta.Resolve(lang)
		resp.Lang, resp.Language, resp.Flag = lang, meta.Name, meta.Flag
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
