package health

import (
	"context"
	"sync"
	"time"

	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
)

// Result represents the outcome of a check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all checks implement
type Checker interface {
	// Check performs the check and returns the result
	Check(ctx context.Context) Result
}

// Config contains the check schedule shared by every check
type Config struct {
	// Interval is the time between checks
	Interval time.Duration

	// Timeout bounds a single check
	Timeout time.Duration

	// Retries is the number of consecutive failures before the component
	// is reported unhealthy
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the health of one checked component
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// Update records a result and reports whether the healthy flag changed
func (s *Status) Update(r Result, retries int) bool {
	s.LastResult = r
	prev := s.Healthy

	if r.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= retries {
			s.Healthy = false
		}
	}
	return prev != s.Healthy
}

// Monitor runs a set of named checks and publishes their state to the
// metrics component registry
type Monitor struct {
	cfg    Config
	checks map[string]Checker

	mu       sync.Mutex
	statuses map[string]*Status

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor; components start healthy until Retries
// consecutive failures are observed
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &Monitor{
		cfg:      cfg,
		checks:   make(map[string]Checker),
		statuses: make(map[string]*Status),
		stopCh:   make(chan struct{}),
	}
}

// Add registers a check for component name. Must be called before Start.
func (m *Monitor) Add(name string, c Checker) {
	m.checks[name] = c
	m.statuses[name] = &Status{Healthy: true}
	metrics.RegisterComponent(name, true, "")
}

// Status returns a copy of the status of name
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Start checks every component immediately and then on each interval
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.CheckAll(context.Background())
		for {
			select {
			case <-ticker.C:
				m.CheckAll(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts probing
func (m *Monitor) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}

// CheckAll runs every check once
func (m *Monitor) CheckAll(ctx context.Context) {
	for name, c := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		r := c.Check(checkCtx)
		cancel()
		m.record(name, r)
	}
}

func (m *Monitor) record(name string, r Result) {
	m.mu.Lock()
	s := m.statuses[name]
	changed := s.Update(r, m.cfg.Retries)
	healthy := s.Healthy
	m.mu.Unlock()

	if healthy {
		metrics.UpdateComponent(name, true, "")
	} else {
		metrics.UpdateComponent(name, false, r.Message)
	}

	if !changed {
		return
	}
	if healthy {
		log.Logger.Info().Str("component", name).Msg("Dependency recovered")
	} else {
		log.Logger.Warn().Str("component", name).Str("reason", r.Message).Msg("Dependency unhealthy")
	}
}
