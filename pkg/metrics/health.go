package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Overall states reported by GetHealth and GetReadiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// DefaultCriticalComponents must all be healthy before the node reports
// ready. Anything else, such as the dependency checks, only degrades health.
var DefaultCriticalComponents = []string{"raft", "store", "tasks"}

// HealthStatus is the JSON body of the health and readiness endpoints
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	// Components maps each component to a one-line state
	Components map[string]string `json:"components,omitempty"`
	// Pending lists the critical components keeping the node from ready
	Pending   []string  `json:"pending,omitempty"`
	Message   string    `json:"message,omitempty"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	StartTime time.Time `json:"-"`
}

// ComponentHealth is the last state reported by one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	// Since is when Healthy last changed
	Since   time.Time
	Updated time.Time
}

// Registry tracks component health. The package functions operate on a
// process-wide registry.
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
	now        func() time.Time
}

// NewRegistry creates a registry waiting for DefaultCriticalComponents
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]ComponentHealth),
		critical:   slices.Clone(DefaultCriticalComponents),
		startTime:  time.Now(),
		now:        time.Now,
	}
}

var registry = NewRegistry()

// SetCritical replaces the set of components readiness waits for
func (r *Registry) SetCritical(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critical = slices.Clone(names)
	for name, c := range r.components {
		r.export(name, c.Healthy)
	}
}

// SetVersion sets the version reported with every status
func (r *Registry) SetVersion(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// Report records the state of a component, registering it on first use
func (r *Registry) Report(name string, healthy bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c, ok := r.components[name]
	if !ok || c.Healthy != healthy {
		c.Since = now
	}
	c.Name = name
	c.Healthy = healthy
	c.Message = message
	c.Updated = now
	r.components[name] = c
	r.export(name, healthy)
}

func (r *Registry) export(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	critical := strconv.FormatBool(slices.Contains(r.critical, name))
	ComponentHealthy.DeletePartialMatch(map[string]string{"component": name})
	ComponentHealthy.WithLabelValues(name, critical).Set(v)
}

// Component returns the last report of name
func (r *Registry) Component(name string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[name]
	return c, ok
}

// Health is unhealthy when a critical component is, degraded when only
// other components are, and healthy otherwise
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := StatusHealthy
	var failing []string
	components := make(map[string]string, len(r.components))
	for name, c := range r.components {
		if c.Healthy {
			components[name] = "healthy"
			continue
		}
		components[name] = "unhealthy: " + c.Message
		failing = append(failing, name)
		if slices.Contains(r.critical, name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	slices.Sort(failing)

	hs := r.status(status, components)
	if len(failing) > 0 {
		hs.Message = "failing: " + strings.Join(failing, ", ")
	}
	return hs
}

// Readiness is ready once every critical component has reported healthy
func (r *Registry) Readiness() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []string
	components := make(map[string]string, len(r.critical))
	for _, name := range r.critical {
		c, ok := r.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
			pending = append(pending, name)
		case !c.Healthy:
			components[name] = "not ready: " + c.Message
			pending = append(pending, name)
		default:
			components[name] = "ready"
		}
	}

	if len(pending) == 0 {
		return r.status(StatusReady, components)
	}
	hs := r.status(StatusNotReady, components)
	hs.Pending = pending
	hs.Message = "waiting for " + strings.Join(pending, ", ")
	return hs
}

func (r *Registry) status(status string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  r.now(),
		Components: components,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).Round(time.Second).String(),
		StartTime:  r.startTime,
	}
}

// SetCriticalComponents replaces the critical set of the process registry
func SetCriticalComponents(names ...string) { registry.SetCritical(names...) }

// SetVersion sets the version of the process registry
func SetVersion(version string) { registry.SetVersion(version) }

// RegisterComponent reports a component to the process registry
func RegisterComponent(name string, healthy bool, message string) {
	registry.Report(name, healthy, message)
}

// UpdateComponent reports a state change; it is RegisterComponent under
// the name callers use after startup
func UpdateComponent(name string, healthy bool, message string) {
	registry.Report(name, healthy, message)
}

// GetHealth returns the health of the process registry
func GetHealth() HealthStatus { return registry.Health() }

// GetReadiness returns the readiness of the process registry
func GetReadiness() HealthStatus { return registry.Readiness() }

// HealthHandler serves GetHealth. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, health)
	}
}

// ReadyHandler serves GetReadiness
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, readiness)
	}
}

// LivenessHandler answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(registry.startTime).Round(time.Second).String(),
		})
	}
}

func writeStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
