// Package heartbeat records what each worker is doing. Writes are
// observability only: a failed write is logged and never stops the worker.
package heartbeat

import (
	"context"
	"log"
	"time"

	"github.com/ybxl/ftqueue/internal/metrics"
	"github.com/ybxl/ftqueue/internal/models"
)

type Writer interface {
	UpsertServerStatus(ctx context.Context, status models.ServerStatus) error
}

type Reporter struct {
	w       Writer
	timeout time.Duration
}

// New returns a Reporter whose writes give up after timeout (0 disables the
// per-write deadline).
func New(w Writer, timeout time.Duration) *Reporter {
	return &Reporter{w: w, timeout: timeout}
}

func (r *Reporter) Report(ctx context.Context, serverID, status string) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	err := r.w.UpsertServerStatus(ctx, models.ServerStatus{
		ServerID:     serverID,
		Status:       status,
		LastModified: time.Now(),
	})
	if err != nil {
		metrics.HeartbeatFailuresTotal.Inc()
		log.Printf("[heartbeat] failed to update server status %s (%q): %v", serverID, status, err)
		return
	}
	log.Printf("[heartbeat] %s: %s", serverID, status)
}
