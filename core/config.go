package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the core reads. Nothing in the packages below
// hard-codes a limit: timeouts, token caps, quotas, and approval thresholds
// all come from here.
//
// Resolution priority (lowest to highest):
//  1. DefaultConfig() values
//  2. YAML file (LoadConfigFile)
//  3. Environment variables (AARD_* with a few conventional fallbacks)
//  4. Functional options
type Config struct {
	// Service is the name stamped on logs and telemetry resources.
	Service string `yaml:"service" env:"AARD_SERVICE" default:"aard"`

	HTTP       HTTPConfig       `yaml:"http"`
	Redis      RedisConfig      `yaml:"redis"`
	LLM        LLMConfig        `yaml:"llm"`
	Plan       PlanConfig       `yaml:"plan"`
	Step       StepConfig       `yaml:"step"`
	Sandbox    SandboxConfig    `yaml:"code_sandbox"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Replan     ReplanConfig     `yaml:"replan"`
	Quota      QuotaConfig      `yaml:"quota"`
	Capability CapabilityConfig `yaml:"capability"`
	Session    SessionConfig    `yaml:"session"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"log"`
	DevMode    bool             `yaml:"dev_mode" env:"AARD_DEV_MODE" default:"false"`
}

// HTTPConfig configures the external interface layer.
type HTTPConfig struct {
	Port         int        `yaml:"port" env:"AARD_HTTP_PORT" default:"8080"`
	ReadTimeout  Duration   `yaml:"read_timeout" env:"AARD_HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout Duration   `yaml:"write_timeout" env:"AARD_HTTP_WRITE_TIMEOUT" default:"120s"`
	CORS         CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin behavior for HTTP and WebSocket.
type CORSConfig struct {
	Enabled bool     `yaml:"enabled" env:"AARD_CORS_ENABLED" default:"false"`
	Origins []string `yaml:"origins" env:"AARD_CORS_ORIGINS"`
}

// RedisConfig locates the storage backend shared by every store.
type RedisConfig struct {
	URL string `yaml:"url" env:"AARD_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
}

// LLMConfig bounds every model invocation made through the gateway.
type LLMConfig struct {
	TimeoutSeconds int     `yaml:"timeout_s" env:"AARD_LLM_TIMEOUT_S" default:"30"`
	MaxTokens      int     `yaml:"max_tokens" env:"AARD_LLM_MAX_TOKENS" default:"500"`
	Temperature    float32 `yaml:"temperature" env:"AARD_LLM_TEMPERATURE" default:"0.7"`
	TopP           float32 `yaml:"top_p" env:"AARD_LLM_TOP_P" default:"0.9"`
	CtxSize        int     `yaml:"ctx_size" env:"AARD_LLM_CTX_SIZE" default:"4096"`
	MaxRetries     int     `yaml:"max_retries" env:"AARD_LLM_MAX_RETRIES" default:"3"`

	// Default provider wiring; server capability records may name others.
	Provider string `yaml:"provider" env:"AARD_LLM_PROVIDER" default:"openai"`
	BaseURL  string `yaml:"base_url" env:"AARD_LLM_BASE_URL"`
	APIKey   string `yaml:"api_key" env:"AARD_LLM_API_KEY,OPENAI_API_KEY"`
	Model    string `yaml:"model" env:"AARD_LLM_MODEL" default:"gpt-4o-mini"`
}

// Timeout returns the model call timeout as a duration.
func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// PlanConfig bounds plan construction and whole-plan execution.
type PlanConfig struct {
	TimeoutSeconds      int `yaml:"timeout_s" env:"AARD_PLAN_TIMEOUT_S" default:"600"`
	MaxSteps            int `yaml:"max_steps" env:"AARD_PLAN_MAX_STEPS" default:"20"`
	MaxParallelSteps    int `yaml:"max_parallel_steps" env:"AARD_PLAN_MAX_PARALLEL_STEPS" default:"1"`
	TotalTimeoutSeconds int `yaml:"total_timeout_s" env:"AARD_PLAN_TOTAL_TIMEOUT_S" default:"900"`
}

// Timeout bounds one plan execution; TotalTimeout bounds the workflow
// including replans. The plan deadline supersedes per-step timeouts.
func (c PlanConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

func (c PlanConfig) TotalTimeout() time.Duration {
	return time.Duration(c.TotalTimeoutSeconds) * time.Second
}

// StepConfig bounds a single step dispatch.
type StepConfig struct {
	TimeoutSeconds int `yaml:"timeout_s" env:"AARD_STEP_TIMEOUT_S" default:"120"`
}

func (c StepConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// SandboxConfig carries the limits handed to sandboxed tool dispatch.
type SandboxConfig struct {
	TimeoutSeconds int `yaml:"timeout_s" env:"AARD_SANDBOX_TIMEOUT_S" default:"30"`
	MemoryMB       int `yaml:"memory_mb" env:"AARD_SANDBOX_MEMORY_MB" default:"512"`
}

// RiskWeights weight the factors of the approval gate's risk score.
// They need not sum to 1; the score is clamped to [0,1].
type RiskWeights struct {
	StepCount       float64 `yaml:"step_count" default:"0.25"`
	HighRiskFlags   float64 `yaml:"high_risk_flags" default:"0.4"`
	DependencyDepth float64 `yaml:"dependency_depth" default:"0.15"`
	ExternalActions float64 `yaml:"external_actions" default:"0.2"`
}

// ApprovalConfig parameterizes the adaptive approval gate.
type ApprovalConfig struct {
	AutonomyDefault int         `yaml:"autonomy_default" env:"AARD_APPROVAL_AUTONOMY_DEFAULT" default:"2"`
	RiskWeights     RiskWeights `yaml:"risk_weights"`

	// Per-autonomy-level thresholds for levels 1..3. Level 0 always asks;
	// level 4 asks only above VeryHighThreshold.
	RiskThresholds  map[int]float64 `yaml:"risk_thresholds"`
	TrustThresholds map[int]float64 `yaml:"trust_thresholds"`

	VeryHighThreshold float64 `yaml:"very_high_threshold" default:"0.85"`

	// HighRiskMarkers are request/step text fragments that set the
	// high-risk flag regardless of plan structure.
	HighRiskMarkers []string `yaml:"high_risk_markers"`

	TimeoutSeconds int    `yaml:"timeout_s" env:"AARD_APPROVAL_TIMEOUT_S" default:"300"`
	TimeoutPolicy  string `yaml:"timeout_policy" env:"AARD_APPROVAL_TIMEOUT_POLICY" default:"fail"`
}

// DecisionTimeout returns how long a pending approval stays open.
func (c ApprovalConfig) DecisionTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReplanConfig bounds automatic replanning after classified failures.
type ReplanConfig struct {
	MaxAttempts int `yaml:"max_attempts" env:"AARD_REPLAN_MAX_ATTEMPTS" default:"3"`
	// OnSeverityThreshold is the minimum severity that triggers a replan
	// (critical always does). Default "high" means high and critical.
	OnSeverityThreshold string `yaml:"on_severity_threshold" env:"AARD_REPLAN_SEVERITY_THRESHOLD" default:"high"`
}

// QuotaConfig maps resource -> period -> limit. Zero or absent means
// unlimited. Resources: llm_requests, llm_tokens, tool_calls,
// execution_time_s, memory_mb, concurrent_tasks. Periods: minute, hour,
// day, total.
type QuotaConfig map[string]map[string]int64

// Limit returns the configured limit for (resource, period), 0 if unset.
func (q QuotaConfig) Limit(resource, period string) int64 {
	if q == nil {
		return 0
	}
	if periods, ok := q[resource]; ok {
		return periods[period]
	}
	return 0
}

// CapabilityConfig tunes registry health monitoring.
type CapabilityConfig struct {
	HealthIntervalSeconds int `yaml:"health_interval_s" env:"AARD_CAPABILITY_HEALTH_INTERVAL_S" default:"30"`
	HealthFailThreshold   int `yaml:"health_fail_threshold" env:"AARD_CAPABILITY_HEALTH_FAIL_THRESHOLD" default:"3"`
}

// HealthInterval returns the probe interval as a duration.
func (c CapabilityConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// SessionConfig tunes session tracking in the API layer.
type SessionConfig struct {
	TTLSeconds int `yaml:"ttl_s" env:"AARD_SESSION_TTL_S" default:"86400"`
}

func (c SessionConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// TelemetryConfig configures the OTel bootstrap.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled" env:"AARD_TELEMETRY_ENABLED" default:"false"`
	Endpoint string `yaml:"endpoint" env:"AARD_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoggingConfig configures the production logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"AARD_LOG_LEVEL" default:"INFO"`
	Format string `yaml:"format" env:"AARD_LOG_FORMAT"`
}

// Option mutates a Config before validation.
type Option func(*Config)

// WithPort overrides the HTTP port.
func WithPort(port int) Option {
	return func(c *Config) { c.HTTP.Port = port }
}

// WithRedisURL overrides the storage backend location.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}

// WithLogLevel overrides the minimum log level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.Logging.Level = level }
}

// WithQuota sets one quota limit, creating the nested maps as needed.
func WithQuota(resource, period string, limit int64) Option {
	return func(c *Config) {
		if c.Quota == nil {
			c.Quota = QuotaConfig{}
		}
		if c.Quota[resource] == nil {
			c.Quota[resource] = map[string]int64{}
		}
		c.Quota[resource][period] = limit
	}
}

// WithAutonomyDefault overrides the default autonomy level for requests
// that do not specify one.
func WithAutonomyDefault(level int) Option {
	return func(c *Config) { c.Approval.AutonomyDefault = level }
}

// WithDevMode toggles development conveniences (stdout traces, text logs).
func WithDevMode(on bool) Option {
	return func(c *Config) { c.DevMode = on }
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: "aard",
		HTTP: HTTPConfig{
			Port:         8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(120 * time.Second),
			CORS:         CORSConfig{Enabled: false},
		},
		Redis: RedisConfig{URL: "redis://localhost:6379"},
		LLM: LLMConfig{
			TimeoutSeconds: 30,
			MaxTokens:      500,
			Temperature:    0.7,
			TopP:           0.9,
			CtxSize:        4096,
			MaxRetries:     3,
			Provider:       "openai",
			Model:          "gpt-4o-mini",
		},
		Plan: PlanConfig{
			TimeoutSeconds:      600,
			MaxSteps:            20,
			MaxParallelSteps:    1,
			TotalTimeoutSeconds: 900,
		},
		Step:    StepConfig{TimeoutSeconds: 120},
		Sandbox: SandboxConfig{TimeoutSeconds: 30, MemoryMB: 512},
		Approval: ApprovalConfig{
			AutonomyDefault: 2,
			RiskWeights: RiskWeights{
				StepCount:       0.25,
				HighRiskFlags:   0.4,
				DependencyDepth: 0.15,
				ExternalActions: 0.2,
			},
			RiskThresholds:    map[int]float64{1: 0.4, 2: 0.6, 3: 0.75},
			TrustThresholds:   map[int]float64{1: 0.7, 2: 0.5, 3: 0.3},
			VeryHighThreshold: 0.85,
			HighRiskMarkers: []string{
				"delete all", "drop table", "rm -rf", "format disk", "shutdown",
			},
			TimeoutSeconds: 300,
			TimeoutPolicy:  "fail",
		},
		Replan: ReplanConfig{
			MaxAttempts:         3,
			OnSeverityThreshold: "high",
		},
		Quota: QuotaConfig{},
		Capability: CapabilityConfig{
			HealthIntervalSeconds: 30,
			HealthFailThreshold:   3,
		},
		Session:   SessionConfig{TTLSeconds: 86400},
		Telemetry: TelemetryConfig{Enabled: false},
		Logging:   LoggingConfig{Level: "INFO"},
	}
}

// LoadConfigFile merges a YAML file over c. An empty path is a no-op;
// a named path must exist and parse.
func (c *Config) LoadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Op: "config.LoadConfigFile", Kind: KindInvalidRequest, ID: path, Err: err}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &Error{Op: "config.LoadConfigFile", Kind: KindInvalidRequest, ID: path, Err: err}
	}
	return nil
}

// LoadFromEnv applies environment variables over the current values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AARD_SERVICE"); v != "" {
		c.Service = v
	}
	if v := os.Getenv("AARD_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}
	if v := os.Getenv("AARD_CORS_ENABLED"); v != "" {
		c.HTTP.CORS.Enabled = v == "true"
	}
	if v := os.Getenv("AARD_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.Origins = splitAndTrim(v)
	}
	if v := os.Getenv("AARD_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	setEnvInt("AARD_LLM_TIMEOUT_S", &c.LLM.TimeoutSeconds)
	setEnvInt("AARD_LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	setEnvFloat32("AARD_LLM_TEMPERATURE", &c.LLM.Temperature)
	setEnvFloat32("AARD_LLM_TOP_P", &c.LLM.TopP)
	setEnvInt("AARD_LLM_CTX_SIZE", &c.LLM.CtxSize)
	setEnvInt("AARD_LLM_MAX_RETRIES", &c.LLM.MaxRetries)
	if v := os.Getenv("AARD_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("AARD_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("AARD_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("AARD_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}

	setEnvInt("AARD_PLAN_TIMEOUT_S", &c.Plan.TimeoutSeconds)
	setEnvInt("AARD_PLAN_MAX_STEPS", &c.Plan.MaxSteps)
	setEnvInt("AARD_PLAN_MAX_PARALLEL_STEPS", &c.Plan.MaxParallelSteps)
	setEnvInt("AARD_PLAN_TOTAL_TIMEOUT_S", &c.Plan.TotalTimeoutSeconds)
	setEnvInt("AARD_STEP_TIMEOUT_S", &c.Step.TimeoutSeconds)
	setEnvInt("AARD_SANDBOX_TIMEOUT_S", &c.Sandbox.TimeoutSeconds)
	setEnvInt("AARD_SANDBOX_MEMORY_MB", &c.Sandbox.MemoryMB)

	setEnvInt("AARD_APPROVAL_AUTONOMY_DEFAULT", &c.Approval.AutonomyDefault)
	setEnvInt("AARD_APPROVAL_TIMEOUT_S", &c.Approval.TimeoutSeconds)
	if v := os.Getenv("AARD_APPROVAL_TIMEOUT_POLICY"); v != "" {
		c.Approval.TimeoutPolicy = v
	}

	setEnvInt("AARD_REPLAN_MAX_ATTEMPTS", &c.Replan.MaxAttempts)
	if v := os.Getenv("AARD_REPLAN_SEVERITY_THRESHOLD"); v != "" {
		c.Replan.OnSeverityThreshold = v
	}

	setEnvInt("AARD_CAPABILITY_HEALTH_INTERVAL_S", &c.Capability.HealthIntervalSeconds)
	setEnvInt("AARD_CAPABILITY_HEALTH_FAIL_THRESHOLD", &c.Capability.HealthFailThreshold)
	setEnvInt("AARD_SESSION_TTL_S", &c.Session.TTLSeconds)

	if v := os.Getenv("AARD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true"
	}
	if v := os.Getenv("AARD_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = v
	}

	if v := os.Getenv("AARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AARD_DEV_MODE"); v != "" {
		c.DevMode = v == "true"
	}
	return nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return &Error{Op: "config.Validate", Kind: KindInvalidRequest, Err: fmt.Errorf("%s: %w", msg, ErrInvalidConfiguration)}
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fail(fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fail("llm.timeout_s must be positive")
	}
	if c.LLM.MaxTokens <= 0 {
		return fail("llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fail(fmt.Sprintf("llm.temperature %.2f out of range [0,2]", c.LLM.Temperature))
	}
	if c.LLM.TopP < 0 || c.LLM.TopP > 1 {
		return fail(fmt.Sprintf("llm.top_p %.2f out of range [0,1]", c.LLM.TopP))
	}
	if c.Plan.MaxSteps <= 0 {
		return fail("plan.max_steps must be positive")
	}
	if c.Plan.MaxParallelSteps <= 0 {
		return fail("plan.max_parallel_steps must be positive")
	}
	if c.Approval.AutonomyDefault < 0 || c.Approval.AutonomyDefault > 4 {
		return fail(fmt.Sprintf("approval.autonomy_default %d out of range [0,4]", c.Approval.AutonomyDefault))
	}
	switch c.Approval.TimeoutPolicy {
	case "fail", "auto_approve", "escalate":
	default:
		return fail(fmt.Sprintf("approval.timeout_policy %q not one of fail, auto_approve, escalate", c.Approval.TimeoutPolicy))
	}
	for level, t := range c.Approval.RiskThresholds {
		if level < 1 || level > 3 || t < 0 || t > 1 {
			return fail(fmt.Sprintf("approval.risk_thresholds[%d]=%.2f invalid", level, t))
		}
	}
	for level, t := range c.Approval.TrustThresholds {
		if level < 1 || level > 3 || t < 0 || t > 1 {
			return fail(fmt.Sprintf("approval.trust_thresholds[%d]=%.2f invalid", level, t))
		}
	}
	switch Severity(c.Replan.OnSeverityThreshold) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
	default:
		return fail(fmt.Sprintf("replan.on_severity_threshold %q invalid", c.Replan.OnSeverityThreshold))
	}
	if c.Replan.MaxAttempts < 0 {
		return fail("replan.max_attempts must not be negative")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fail(fmt.Sprintf("log.level %q invalid", c.Logging.Level))
	}
	return nil
}

// LoadConfig builds a validated Config: defaults, then the YAML file at
// path (AARD_CONFIG when path is empty), then environment, then opts.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("AARD_CONFIG")
	}
	if err := cfg.LoadConfigFile(path); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Duration wraps time.Duration so YAML accepts "30s" style strings.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses either an integer (nanoseconds) or a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func setEnvInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvFloat32(name string, target *float32) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			*target = float32(f)
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
