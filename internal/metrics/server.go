package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ybxl/ftqueue/internal/models"
)

type ServerLister interface {
	ListServers(ctx context.Context) ([]models.ServerStatus, error)
}

// NewRouter serves /metrics, /healthz and, when servers is non-nil, a JSON
// dump of every worker's last heartbeat at /servers.
func NewRouter(servers ServerLister) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if servers != nil {
		r.Get("/servers", func(w http.ResponseWriter, r *http.Request) {
			list, err := servers.ListServers(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(list)
		})
	}
	return r
}

// Serve runs the metrics server until ctx is cancelled. Failures are logged;
// the worker keeps running without metrics.
func Serve(ctx context.Context, addr string, servers ServerLister) {
	srv := &http.Server{Addr: addr, Handler: NewRouter(servers)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Printf("[metrics] listening on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("[metrics] server failed: %v", err)
	}
}
