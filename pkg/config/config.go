package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/health"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/reconciler"
	"github.com/enascvm/admiral/pkg/removal"
	"github.com/enascvm/admiral/pkg/task"
	"github.com/enascvm/admiral/pkg/ttlcache"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Lock backends
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// Config is the admiral configuration file
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Removal    RemovalConfig    `yaml:"removal"`
	Lock       LockConfig       `yaml:"lock"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Volumes    VolumesConfig    `yaml:"volumes"`
	Checks     ChecksConfig     `yaml:"checks"`
}

type NodeConfig struct {
	ID       string `yaml:"id" validate:"required"`
	DataDir  string `yaml:"dataDir" validate:"required"`
	RaftAddr string `yaml:"raftAddr" validate:"required,hostname_port"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type APIConfig struct {
	HTTPAddr string `yaml:"httpAddr" validate:"omitempty,hostname_port"`
	GRPCAddr string `yaml:"grpcAddr" validate:"omitempty,hostname_port"`
}

type TasksConfig struct {
	DefaultExpiration  time.Duration `yaml:"defaultExpiration" validate:"gt=0"`
	CompletedRetention time.Duration `yaml:"completedRetention" validate:"gte=0"`
	FailedRetention    time.Duration `yaml:"failedRetention" validate:"gte=0"`
	MailboxIdleTimeout time.Duration `yaml:"mailboxIdleTimeout" validate:"gt=0"`
	SweepInterval      time.Duration `yaml:"sweepInterval" validate:"gte=0"`
}

type SessionsConfig struct {
	TTL                 time.Duration `yaml:"ttl" validate:"gt=0"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval" validate:"gt=0"`
	// ExpiryMargin of zero means twice the maintenance interval
	ExpiryMargin time.Duration `yaml:"expiryMargin" validate:"gte=0"`
}

type ReconcileConfig struct {
	Interval          time.Duration `yaml:"interval" validate:"gte=0"`
	LockTTL           time.Duration `yaml:"lockTTL" validate:"gt=0"`
	MissingThreshold  int           `yaml:"missingThreshold" validate:"min=1"`
	RetiredExpiration time.Duration `yaml:"retiredExpiration" validate:"gt=0"`
	InspectRetries    int           `yaml:"inspectRetries" validate:"gte=0"`
	InspectInterval   time.Duration `yaml:"inspectInterval" validate:"gt=0"`
}

type RemovalConfig struct {
	AdapterRetries        int           `yaml:"adapterRetries" validate:"gte=0"`
	AdapterRetryDelay     time.Duration `yaml:"adapterRetryDelay" validate:"gte=0"`
	DescriptionRetries    int           `yaml:"descriptionRetries" validate:"gte=0"`
	DescriptionRetryDelay time.Duration `yaml:"descriptionRetryDelay" validate:"gte=0"`
}

type LockConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr string `yaml:"redisAddr" validate:"required_if=Backend redis"`
}

type ContainerdConfig struct {
	Socket    string `yaml:"socket" validate:"required"`
	Namespace string `yaml:"namespace" validate:"required"`
}

type VolumesConfig struct {
	BasePath string `yaml:"basePath" validate:"required"`
}

type ChecksConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	Retries  int           `yaml:"retries" validate:"min=1"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	engine := task.DefaultConfig()
	rec := reconciler.DefaultConfig()
	rm := removal.DefaultConfig()
	checks := health.DefaultConfig()

	return &Config{
		Node: NodeConfig{
			ID:       "manager-1",
			DataDir:  "/var/lib/admiral",
			RaftAddr: "127.0.0.1:7946",
		},
		Log: LogConfig{Level: "info"},
		API: APIConfig{
			HTTPAddr: ":9090",
			GRPCAddr: ":9091",
		},
		Tasks: TasksConfig{
			DefaultExpiration:  engine.DefaultExpiration,
			CompletedRetention: engine.CompletedRetention,
			FailedRetention:    engine.FailedRetention,
			MailboxIdleTimeout: engine.MailboxIdleTimeout,
			SweepInterval:      engine.SweepInterval,
		},
		Sessions: SessionsConfig{
			TTL:                 adapter.DefaultSessionTTL,
			MaintenanceInterval: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:          rec.Interval,
			LockTTL:           rec.LockTTL,
			MissingThreshold:  rec.MissingThreshold,
			RetiredExpiration: rec.RetiredExpiration,
			InspectRetries:    rec.InspectRetries,
			InspectInterval:   rec.InspectInterval,
		},
		Removal: RemovalConfig{
			AdapterRetries:        rm.AdapterRetries,
			AdapterRetryDelay:     rm.AdapterRetryDelay,
			DescriptionRetries:    rm.DescriptionRetries,
			DescriptionRetryDelay: rm.DescriptionRetryDelay,
		},
		Lock: LockConfig{Backend: LockMemory},
		Containerd: ContainerdConfig{
			Socket:    adapter.DefaultSocketPath,
			Namespace: adapter.DefaultNamespace,
		},
		Volumes: VolumesConfig{BasePath: adapter.DefaultVolumesPath},
		Checks: ChecksConfig{
			Interval: checks.Interval,
			Timeout:  checks.Timeout,
			Retries:  checks.Retries,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file, or
// an empty path, yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fault.Validation("failed to parse config", err).WithResource(path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field constraint
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fault.Validation("invalid config", err)
	}
	return nil
}

// Logger returns the logging configuration
func (c LogConfig) Logger() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Level),
		JSONOutput: c.JSON,
	}
}

// Engine returns the task engine configuration
func (c TasksConfig) Engine() task.Config {
	return task.Config{
		DefaultExpiration:  c.DefaultExpiration,
		CompletedRetention: c.CompletedRetention,
		FailedRetention:    c.FailedRetention,
		MailboxIdleTimeout: c.MailboxIdleTimeout,
		SweepInterval:      c.SweepInterval,
	}
}

// Cache returns the session cache configuration
func (c SessionsConfig) Cache() ttlcache.Config {
	return ttlcache.Config{
		Name:                "sessions",
		TTL:                 c.TTL,
		MaintenanceInterval: c.MaintenanceInterval,
		ExpiryMargin:        c.ExpiryMargin,
	}
}

// Reconciler returns the volume reconciler configuration
func (c ReconcileConfig) Reconciler() reconciler.Config {
	return reconciler.Config{
		Interval:          c.Interval,
		LockTTL:           c.LockTTL,
		MissingThreshold:  c.MissingThreshold,
		RetiredExpiration: c.RetiredExpiration,
		InspectRetries:    c.InspectRetries,
		InspectInterval:   c.InspectInterval,
	}
}

// Workflow returns the container removal configuration
func (c RemovalConfig) Workflow() removal.Config {
	return removal.Config{
		AdapterRetries:        c.AdapterRetries,
		AdapterRetryDelay:     c.AdapterRetryDelay,
		DescriptionRetries:    c.DescriptionRetries,
		DescriptionRetryDelay: c.DescriptionRetryDelay,
	}
}

// Monitor returns the dependency check configuration
func (c ChecksConfig) Monitor() health.Config {
	return health.Config{
		Interval: c.Interval,
		Timeout:  c.Timeout,
		Retries:  c.Retries,
	}
}
