package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/types"
)

// Cluster reports the raft state of the local manager
type Cluster interface {
	IsLeader() bool
	LeaderAddr() string
}

// TaskReader loads task documents
type TaskReader interface {
	Get(id string) (*types.Task, error)
}

// HealthConfig holds the collaborators checked by the HTTP server. Any of
// them may be nil, which the readiness check reports as not initialized.
type HealthConfig struct {
	Cluster Cluster
	Store   storage.Store
	Tasks   TaskReader
	Version string
}

// HealthServer provides HTTP health check, metrics and task status endpoints
type HealthServer struct {
	cfg    HealthConfig
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(cfg HealthConfig) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		cfg: cfg,
		mux: mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/components", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("GET /tasks/{id}", hs.taskHandler)

	return hs
}

// Start starts the health check HTTP server and blocks until it stops
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// ErrorResponse is returned by the task endpoint on failure
type ErrorResponse struct {
	Error string `json:"error"`
	Class string `json:"class,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.cfg.Version,
	}

	writeJSON(w, http.StatusOK, response)
}

// readyHandler implements the /ready endpoint
// This checks if the service is ready to accept traffic
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string
	notReady := func(msg string) {
		ready = false
		if message == "" {
			message = msg
		}
	}

	// Check 1: Raft cluster
	if hs.cfg.Cluster != nil {
		if hs.cfg.Cluster.IsLeader() {
			checks["raft"] = "leader"
		} else if leaderAddr := hs.cfg.Cluster.LeaderAddr(); leaderAddr != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", leaderAddr)
		} else {
			checks["raft"] = "no leader elected"
			notReady("Waiting for leader election")
		}
	} else {
		checks["raft"] = "not initialized"
		notReady("Manager not initialized")
	}

	// Check 2: Storage
	if hs.cfg.Store != nil {
		if _, err := hs.cfg.Store.List(storage.KindHost); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			notReady("Storage not accessible")
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		notReady("Storage not initialized")
	}

	// Check 3: Registered components
	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		checks["component:"+name] = state
	}
	if readiness.Status != metrics.StatusReady {
		notReady(readiness.Message)
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// taskHandler implements GET /tasks/{id}
func (hs *HealthServer) taskHandler(w http.ResponseWriter, r *http.Request) {
	if hs.cfg.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "task engine not initialized"})
		return
	}

	t, err := hs.cfg.Tasks.Get(r.PathValue("id"))
	if err != nil {
		code := http.StatusInternalServerError
		if fault.IsNotFound(err) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, ErrorResponse{Error: err.Error(), Class: string(fault.ClassOf(err))})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
