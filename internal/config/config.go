// Package config loads the control plane's single startup YAML document:
// lock timeouts, canary stages, safety-gate thresholds, verification
// budgets, rollback weights, the service-criticality table, and resource
// group membership. The file is read once, by Load; this package does not
// watch it for changes. HotReloadable classifies which sections would be
// safe to apply on a live reload; connection strings (database, redis,
// metrics backend) are not.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP surface exposed by cmd/orchestratord.
type ServerConfig struct {
	HTTPPort    string `yaml:"http_port" validate:"required"`
	MetricsPort string `yaml:"metrics_port" validate:"required"`
}

// DatabaseConfig is the Postgres DSN backing the audit log store. Deployment
// state is not persisted through it.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig addresses the central lock store.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// MetricsBackendConfig addresses the Prometheus-compatible time-series
// backend queried by the health gate and verification engine.
type MetricsBackendConfig struct {
	URL     string        `yaml:"url" validate:"required"`
	Timeout time.Duration `yaml:"timeout"`
}

// KubernetesConfig selects the deployment-target cluster context.
type KubernetesConfig struct {
	Context   string `yaml:"context"`
	Namespace string `yaml:"namespace" validate:"required"`
}

// LocksConfig carries the Lock Manager's timing knobs (spec §4.2, §5).
type LocksConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	DefaultWait     time.Duration `yaml:"default_wait_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	FileLockDir     string        `yaml:"file_lock_dir"`
	Backend         string        `yaml:"backend" validate:"omitempty,oneof=redis file"`
}

// CanaryConfig carries the canary protocol's stage list and gate-retry
// policy (spec §4.6).
type CanaryConfig struct {
	Stages          []int         `yaml:"stages"`
	StageWait       time.Duration `yaml:"stage_wait"`
	MaxFailures     int           `yaml:"max_failures"`
}

// SafetyGatesConfig carries the thresholds each safety gate checks against
// (spec §4.5).
type SafetyGatesConfig struct {
	ErrorBudgetThresholdPct float64       `yaml:"error_budget_threshold_pct"`
	MaxBlastRadiusPct       float64       `yaml:"max_blast_radius_pct"`
	MinDeployInterval       time.Duration `yaml:"min_deploy_interval"`
	RiskScoreThreshold      float64       `yaml:"risk_score_threshold"`
}

// VerificationConfig carries the verification engine's statistical and
// budget parameters (spec §4.8).
type VerificationConfig struct {
	StabilizeWait           time.Duration `yaml:"stabilize_wait"`
	ResidualControlPct      float64       `yaml:"residual_control_pct"`
	BootstrapSamples        int           `yaml:"bootstrap_samples"`
	Alpha                   float64       `yaml:"alpha"`
	ImprovementThresholdPct float64       `yaml:"improvement_threshold_pct"`
	DegradationThresholdPct float64       `yaml:"degradation_threshold_pct"`
	MaxTime                 time.Duration `yaml:"max_time"`
	MaxUserImpactPct        float64       `yaml:"max_user_impact_pct"`
	MaxErrorBudgetPct       float64       `yaml:"max_error_budget_pct"`
	MinStableMinutes        float64       `yaml:"min_stable_minutes"`
	MaxCV                   float64       `yaml:"max_cv"`
	MaxOscillationFreq      float64       `yaml:"max_oscillation_freq"`
}

// RollbackConfig carries the rollback decision engine's guardrail
// thresholds (spec §4.9).
type RollbackConfig struct {
	CriticalBlastRadiusPct float64       `yaml:"critical_blast_radius_pct"`
	GradualStageWait       time.Duration `yaml:"gradual_stage_wait"`
}

// NotificationsConfig addresses the notification sink.
type NotificationsConfig struct {
	SlackToken    string   `yaml:"slack_token"`
	DefaultChannels []string `yaml:"default_channels"`
}

// LoggingConfig controls the zap logger built at startup.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Database      DatabaseConfig         `yaml:"database"`
	Redis         RedisConfig            `yaml:"redis"`
	MetricsBackend MetricsBackendConfig  `yaml:"metrics_backend"`
	Kubernetes    KubernetesConfig       `yaml:"kubernetes"`
	Locks         LocksConfig            `yaml:"locks"`
	Canary        CanaryConfig           `yaml:"canary"`
	SafetyGates   SafetyGatesConfig      `yaml:"safety_gates"`
	Verification  VerificationConfig     `yaml:"verification"`
	Rollback      RollbackConfig         `yaml:"rollback"`
	Criticality   map[string]float64     `yaml:"service_criticality"`
	ResourceGroups map[string][]string   `yaml:"resource_groups"`
	Notifications NotificationsConfig    `yaml:"notifications"`
	Logging       LoggingConfig          `yaml:"logging"`
	DryRun        bool                   `yaml:"dry_run"`
}

var validate10 = validator.New()

// Load reads, env-expands, parses, defaults, and validates the config file
// at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPPort == "" {
		cfg.Server.HTTPPort = "8080"
	}
	if cfg.Server.MetricsPort == "" {
		cfg.Server.MetricsPort = "9090"
	}
	if cfg.Kubernetes.Namespace == "" {
		cfg.Kubernetes.Namespace = "default"
	}
	if cfg.Locks.Backend == "" {
		cfg.Locks.Backend = "redis"
	}
	if cfg.Locks.DefaultTTL == 0 {
		cfg.Locks.DefaultTTL = 300 * time.Second
	}
	if cfg.Locks.DefaultWait == 0 {
		cfg.Locks.DefaultWait = 30 * time.Second
	}
	if cfg.Locks.PollInterval == 0 {
		cfg.Locks.PollInterval = 1 * time.Second
	}
	if cfg.Locks.FileLockDir == "" {
		cfg.Locks.FileLockDir = "/tmp/selfheal_locks"
	}
	if len(cfg.Canary.Stages) == 0 {
		cfg.Canary.Stages = []int{5, 25, 50, 100}
	}
	if cfg.Canary.StageWait == 0 {
		cfg.Canary.StageWait = 60 * time.Second
	}
	if cfg.Canary.MaxFailures == 0 {
		cfg.Canary.MaxFailures = 2
	}
	if cfg.SafetyGates.ErrorBudgetThresholdPct == 0 {
		cfg.SafetyGates.ErrorBudgetThresholdPct = 5.0
	}
	if cfg.SafetyGates.MaxBlastRadiusPct == 0 {
		cfg.SafetyGates.MaxBlastRadiusPct = 25.0
	}
	if cfg.SafetyGates.MinDeployInterval == 0 {
		cfg.SafetyGates.MinDeployInterval = 15 * time.Minute
	}
	if cfg.SafetyGates.RiskScoreThreshold == 0 {
		cfg.SafetyGates.RiskScoreThreshold = 75.0
	}
	if cfg.Verification.StabilizeWait == 0 {
		cfg.Verification.StabilizeWait = 120 * time.Second
	}
	if cfg.Verification.ResidualControlPct == 0 {
		cfg.Verification.ResidualControlPct = 10.0
	}
	if cfg.Verification.BootstrapSamples == 0 {
		cfg.Verification.BootstrapSamples = 1000
	}
	if cfg.Verification.Alpha == 0 {
		cfg.Verification.Alpha = 0.05
	}
	if cfg.Verification.ImprovementThresholdPct == 0 {
		cfg.Verification.ImprovementThresholdPct = 5.0
	}
	if cfg.Verification.DegradationThresholdPct == 0 {
		cfg.Verification.DegradationThresholdPct = 5.0
	}
	if cfg.Verification.MaxTime == 0 {
		cfg.Verification.MaxTime = 30 * time.Minute
	}
	if cfg.Verification.MaxUserImpactPct == 0 {
		cfg.Verification.MaxUserImpactPct = 10.0
	}
	if cfg.Verification.MaxErrorBudgetPct == 0 {
		cfg.Verification.MaxErrorBudgetPct = 50.0
	}
	if cfg.Verification.MinStableMinutes == 0 {
		cfg.Verification.MinStableMinutes = 3.0
	}
	if cfg.Verification.MaxCV == 0 {
		cfg.Verification.MaxCV = 0.5
	}
	if cfg.Verification.MaxOscillationFreq == 0 {
		cfg.Verification.MaxOscillationFreq = 6.0
	}
	if cfg.Rollback.CriticalBlastRadiusPct == 0 {
		cfg.Rollback.CriticalBlastRadiusPct = 30.0
	}
	if cfg.Rollback.GradualStageWait == 0 {
		cfg.Rollback.GradualStageWait = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if err := validate10.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	for i, stage := range cfg.Canary.Stages {
		if stage <= 0 || stage > 100 {
			return fmt.Errorf("config validation failed: canary stage %d (index %d) must be in (0,100]", stage, i)
		}
	}
	if cfg.Canary.MaxFailures <= 0 {
		return fmt.Errorf("config validation failed: canary max_failures must be greater than 0")
	}
	if cfg.SafetyGates.MaxBlastRadiusPct <= 0 || cfg.SafetyGates.MaxBlastRadiusPct > 100 {
		return fmt.Errorf("config validation failed: safety_gates.max_blast_radius_pct must be in (0,100]")
	}
	if cfg.Verification.Alpha <= 0 || cfg.Verification.Alpha >= 1 {
		return fmt.Errorf("config validation failed: verification.alpha must be in (0,1)")
	}
	if cfg.Verification.BootstrapSamples <= 0 {
		return fmt.Errorf("config validation failed: verification.bootstrap_samples must be greater than 0")
	}
	return nil
}

// loadFromEnv overlays a fixed set of environment variables onto cfg,
// taking precedence over the YAML document. Used for container-orchestrator
// style secret injection (DB DSN, redis address, slack token) that
// shouldn't live in the checked-in YAML.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("METRICS_BACKEND_URL"); v != "" {
		cfg.MetricsBackend.URL = v
	}
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		cfg.Notifications.SlackToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.Server.HTTPPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("DRY_RUN"); v == "true" {
		cfg.DryRun = true
	}
	return nil
}

// HotReloadable reports whether key is safe to apply via a live config
// reload; connection strings are excluded and require a process restart.
// Nothing in this package performs such a reload.
func HotReloadable(key string) bool {
	switch key {
	case "canary", "safety_gates", "verification", "rollback", "service_criticality", "resource_groups":
		return true
	default:
		return false
	}
}
