package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/amilink/internal/logx"
)

// Options configures the router.
type Options struct {
	// Gatherer backs /metrics. Nil leaves /metrics unrouted.
	Gatherer prometheus.Gatherer
	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string
}

// NewRouter returns the handler serving /healthz, /status, /version and
// /metrics.
func NewRouter(rep Reporter, opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !rep.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st := rep.Status()
		st.Version = GetVersionInfo()
		st.Process = processStats(r.Context())
		writeJSON(w, st)
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, GetVersionInfo())
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves h on addr until ctx ends. It returns the address it is
// listening on.
func Start(ctx context.Context, addr string, h http.Handler) (string, error) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("status server error")
		}
	}()
	return actual, nil
}
