// Package config loads process configuration from the flat environment-
// variable namespace described in the external interfaces contract: every
// setting is a single string-valued env var, read once at process start.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix namespaces every recognised environment variable.
const envPrefix = "ANACORE"

// Config is the process-wide configuration loaded at startup. Field tags
// use mapstructure for viper unmarshalling and validate for go-playground
// validation of the decoded values.
type Config struct {
	TaskPollInterval           time.Duration `mapstructure:"task_poll_interval" validate:"min=1"`
	TaskTimeout                time.Duration `mapstructure:"task_timeout" validate:"min=1"`
	PreflightMaxRetries        int           `mapstructure:"preflight_max_retries" validate:"min=0"`
	TransientFailureMaxRetries int           `mapstructure:"transient_failure_max_retries" validate:"min=0"`
	AnalyzerStartupTimeout     time.Duration `mapstructure:"analyzer_startup_timeout" validate:"min=1"`

	StaticAnalysisTimeout      time.Duration `mapstructure:"static_analysis_timeout" validate:"min=1"`
	SecurityAnalysisTimeout    time.Duration `mapstructure:"security_analysis_timeout" validate:"min=1"`
	DynamicAnalysisTimeout     time.Duration `mapstructure:"dynamic_analysis_timeout" validate:"min=1"`
	PerformanceAnalysisTimeout time.Duration `mapstructure:"performance_analysis_timeout" validate:"min=1"`
	AIAnalysisTimeout          time.Duration `mapstructure:"ai_analysis_timeout" validate:"min=1"`

	DockerBuildMaxRetries    int           `mapstructure:"docker_build_max_retries" validate:"min=0"`
	DockerHealthCheckTimeout time.Duration `mapstructure:"docker_health_check_timeout" validate:"min=1"`
	DockerPreBuildCleanup    bool          `mapstructure:"docker_pre_build_cleanup"`

	// AnalyzerEndpoints maps an analysis kind ("security", "static",
	// "dynamic", "performance", "ai") to its replica endpoint URL list, populated
	// from the per-kind comma-separated env vars after Unmarshal rather
	// than through mapstructure, since the kind names aren't statically
	// known to viper's decoder.
	AnalyzerEndpoints map[string][]string `mapstructure:"-"`

	StuckTaskReapInterval    time.Duration `mapstructure:"stuck_task_reap_interval" validate:"min=1"`
	StuckTaskThreshold       time.Duration `mapstructure:"stuck_task_threshold" validate:"min=1"`
	OrphanSweepInterval      time.Duration `mapstructure:"orphan_sweep_interval" validate:"min=1"`
	OrphanGracePeriod        time.Duration `mapstructure:"orphan_grace_period" validate:"min=1"`
	ReconciliationInterval   time.Duration `mapstructure:"reconciliation_interval" validate:"min=1"`

	DatabaseDSN string `mapstructure:"database_dsn" validate:"required"`
	RedisAddr   string `mapstructure:"redis_addr" validate:"required"`

	// ResultsRootDir is the filesystem root the Result Store writes its
	// content-addressed layout under (results/{model}/app{N}/task_{id}/...
	// per the on-disk result layout contract).
	ResultsRootDir string `mapstructure:"results_root_dir" validate:"required"`

	// SubjectsRootDir is the filesystem root under which each subject
	// application owns a directory at {model}/app{N}: the Docker Driver
	// resolves a dockerdriver.Target to its compose project directory
	// beneath this root, and static/security tools run against the same
	// path.
	SubjectsRootDir string `mapstructure:"subjects_root_dir" validate:"required"`

	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	AnthropicModel  string `mapstructure:"anthropic_model"`

	SlackWebhookURL string `mapstructure:"slack_webhook_url"`

	AdminListenAddr string `mapstructure:"admin_listen_addr" validate:"required"`
}

// Load reads configuration from the process environment only: every
// recognised setting is a flat ANACORE_-prefixed env var (e.g.
// ANACORE_TASK_POLL_INTERVAL), matching the external interfaces contract's
// "flat namespace of string-valued settings" rule. There is no config file
// layer; unlike a developer CLI tool, this process has exactly one
// deployment-time configuration source.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	applyDefaults(v)

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AnalyzerEndpoints = map[string][]string{
		"static":      splitEndpoints(v.GetString("analyzer_endpoints_static")),
		"security":    splitEndpoints(v.GetString("analyzer_endpoints_security")),
		"dynamic":     splitEndpoints(v.GetString("analyzer_endpoints_dynamic")),
		"performance": splitEndpoints(v.GetString("analyzer_endpoints_performance")),
		"ai":          splitEndpoints(v.GetString("analyzer_endpoints_ai")),
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// splitEndpoints parses a comma-separated endpoint URL list, per the
// external interfaces contract's "analyzer endpoint URL lists (comma-
// separated)" setting.
func splitEndpoints(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("task_poll_interval", 2*time.Second)
	v.SetDefault("task_timeout", 1800*time.Second)
	v.SetDefault("preflight_max_retries", 3)
	v.SetDefault("transient_failure_max_retries", 3)
	v.SetDefault("analyzer_startup_timeout", 120*time.Second)

	v.SetDefault("static_analysis_timeout", 1800*time.Second)
	v.SetDefault("security_analysis_timeout", 1800*time.Second)
	v.SetDefault("dynamic_analysis_timeout", 1800*time.Second)
	v.SetDefault("performance_analysis_timeout", 1800*time.Second)
	v.SetDefault("ai_analysis_timeout", 2400*time.Second)

	v.SetDefault("docker_build_max_retries", 3)
	v.SetDefault("docker_health_check_timeout", 120*time.Second)
	v.SetDefault("docker_pre_build_cleanup", true)

	v.SetDefault("stuck_task_reap_interval", 60*time.Second)
	v.SetDefault("stuck_task_threshold", 3600*time.Second)
	v.SetDefault("orphan_sweep_interval", 3600*time.Second)
	v.SetDefault("orphan_grace_period", 7*24*time.Hour)
	v.SetDefault("reconciliation_interval", 5*time.Second)

	v.SetDefault("anthropic_model", "claude-sonnet-4-5")
	v.SetDefault("admin_listen_addr", ":8080")
	v.SetDefault("results_root_dir", "./results")
	v.SetDefault("subjects_root_dir", "./subjects")
}

var envKeys = []string{
	"task_poll_interval", "task_timeout", "preflight_max_retries", "transient_failure_max_retries",
	"analyzer_startup_timeout", "static_analysis_timeout", "security_analysis_timeout",
	"dynamic_analysis_timeout", "performance_analysis_timeout", "ai_analysis_timeout", "docker_build_max_retries",
	"docker_health_check_timeout", "docker_pre_build_cleanup", "stuck_task_reap_interval",
	"stuck_task_threshold", "orphan_sweep_interval", "orphan_grace_period", "reconciliation_interval",
	"database_dsn", "redis_addr", "anthropic_api_key", "anthropic_model", "slack_webhook_url",
	"admin_listen_addr", "analyzer_endpoints_static", "analyzer_endpoints_security",
	"analyzer_endpoints_dynamic", "analyzer_endpoints_performance", "analyzer_endpoints_ai",
	"results_root_dir", "subjects_root_dir",
}
