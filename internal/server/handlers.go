package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/renga/internal/graph"
	"github.com/ashita-ai/renga/internal/run"
	"github.com/ashita-ai/renga/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	runs                *run.Coordinator
	graphs              *graph.Registry
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error
	healthAt    atomic.Int64 // unix nanos of last probe
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	Runs                *run.Coordinator
	Graphs              *graph.Registry
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		runs:                d.Runs,
		graphs:              d.Graphs,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// pingStore reports whether the store is reachable. Results are cached for
// two seconds and concurrent probes after cache expiry are deduplicated via
// singleflight, so a burst of health checks costs at most one round trip.
func (h *Handlers) pingStore() error {
	if time.Since(time.Unix(0, h.healthAt.Load())) < 2*time.Second {
		if p, ok := h.healthErr.Load().(*error); ok {
			return *p
		}
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would see a spurious error.
	result, _, _ := h.healthGroup.Do("store", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		err := h.store.Ping(probeCtx)
		h.healthErr.Store(&err)
		h.healthAt.Store(time.Now().UnixNano())
		return err, nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.pingStore(); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resumption := "disabled"
	if h.runs.Resumable() {
		resumption = "enabled"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":            status,
		"version":           h.version,
		"store":             storeStatus,
		"stream_resumption": resumption,
		"graphs":            h.graphs.IDs(),
		"uptime":            int64(time.Since(h.startedAt).Seconds()),
	})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
