package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config aggregates every setting the service needs.
type Config struct {
	Server   ServerConfig
	Scorer   ScorerConfig
	Dispatch DispatchConfig
	Engine   EngineConfig
	Callout  CalloutConfig
	Audit    AuditConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	scorer, err := loadScorerConfig()
	if err != nil {
		return nil, err
	}

	dispatch, err := loadDispatchConfig()
	if err != nil {
		return nil, err
	}

	engine, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	callout, err := loadCalloutConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Scorer:   scorer,
		Dispatch: dispatch,
		Engine:   engine,
		Callout:  callout,
		Audit:    loadAuditConfig(),
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ScorerConfig describes the LLM urgency classifier. Without credentials
// the scorer degrades to keyword heuristics.
type ScorerConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int

	// Deadline bounds one scoring request.
	Deadline time.Duration

	// MaxFailures bounds consecutive scoring failures per call before
	// the fallback path kicks in.
	MaxFailures int
}

// Enabled reports whether the required model credentials are present.
func (c ScorerConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates a model instance from the configuration.
func (c ScorerConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing, provide ARK_API_KEY + SCORER_MODEL or the AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadScorerConfig() (ScorerConfig, error) {
	temperature, err := parseOptionalFloatEnv("SCORER_TEMPERATURE")
	if err != nil {
		return ScorerConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("SCORER_MAX_TOKENS")
	if err != nil {
		return ScorerConfig{}, err
	}

	deadline, err := parseDurationEnv("SCORER_DEADLINE", 2*time.Second)
	if err != nil {
		return ScorerConfig{}, err
	}

	maxFailures := 5
	if override, err := parseOptionalIntEnv("SCORER_MAX_FAILURES"); err != nil {
		return ScorerConfig{}, err
	} else if override != nil && *override > 0 {
		maxFailures = *override
	}

	return ScorerConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("SCORER_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Deadline:    deadline,
		MaxFailures: maxFailures,
	}, nil
}

// DispatchConfig tunes downstream delivery retries.
type DispatchConfig struct {
	CriticalBaseDelay   time.Duration
	CriticalMaxDelay    time.Duration
	CriticalMaxAttempts int
	DefaultBaseDelay    time.Duration
	DefaultMaxDelay     time.Duration
	DefaultMaxAttempts  int
	AttemptTimeout      time.Duration
	MaxConcurrent       int
}

func loadDispatchConfig() (DispatchConfig, error) {
	criticalBase, err := parseDurationEnv("DISPATCH_CRITICAL_BASE_DELAY", 200*time.Millisecond)
	if err != nil {
		return DispatchConfig{}, err
	}
	criticalMax, err := parseDurationEnv("DISPATCH_CRITICAL_MAX_DELAY", 5*time.Second)
	if err != nil {
		return DispatchConfig{}, err
	}
	defaultBase, err := parseDurationEnv("DISPATCH_DEFAULT_BASE_DELAY", 500*time.Millisecond)
	if err != nil {
		return DispatchConfig{}, err
	}
	defaultMax, err := parseDurationEnv("DISPATCH_DEFAULT_MAX_DELAY", 10*time.Second)
	if err != nil {
		return DispatchConfig{}, err
	}
	attemptTimeout, err := parseDurationEnv("DISPATCH_ATTEMPT_TIMEOUT", 3*time.Second)
	if err != nil {
		return DispatchConfig{}, err
	}

	cfg := DispatchConfig{
		CriticalBaseDelay:   criticalBase,
		CriticalMaxDelay:    criticalMax,
		CriticalMaxAttempts: 5,
		DefaultBaseDelay:    defaultBase,
		DefaultMaxDelay:     defaultMax,
		DefaultMaxAttempts:  3,
		AttemptTimeout:      attemptTimeout,
		MaxConcurrent:       32,
	}

	if override, err := parseOptionalIntEnv("DISPATCH_CRITICAL_MAX_ATTEMPTS"); err != nil {
		return DispatchConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.CriticalMaxAttempts = *override
	}
	if override, err := parseOptionalIntEnv("DISPATCH_DEFAULT_MAX_ATTEMPTS"); err != nil {
		return DispatchConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.DefaultMaxAttempts = *override
	}
	if override, err := parseOptionalIntEnv("DISPATCH_MAX_CONCURRENT"); err != nil {
		return DispatchConfig{}, err
	} else if override != nil && *override > 0 {
		cfg.MaxConcurrent = *override
	}

	return cfg, nil
}

// EngineConfig tunes call lifecycle housekeeping.
type EngineConfig struct {
	// Retention keeps closed calls around for late corrections before
	// their session is evicted.
	Retention time.Duration

	// ActiveDwell bounds time in a non-terminal state.
	ActiveDwell time.Duration

	// SettledDwell bounds how long a settled call waits for its
	// end-of-call signal.
	SettledDwell time.Duration
}

func loadEngineConfig() (EngineConfig, error) {
	retention, err := parseDurationEnv("ENGINE_RETENTION", 10*time.Minute)
	if err != nil {
		return EngineConfig{}, err
	}
	activeDwell, err := parseDurationEnv("ENGINE_ACTIVE_DWELL", 5*time.Minute)
	if err != nil {
		return EngineConfig{}, err
	}
	settledDwell, err := parseDurationEnv("ENGINE_SETTLED_DWELL", 15*time.Minute)
	if err != nil {
		return EngineConfig{}, err
	}

	return EngineConfig{
		Retention:    retention,
		ActiveDwell:  activeDwell,
		SettledDwell: settledDwell,
	}, nil
}

// CalloutConfig describes the outbound voice-call provider.
type CalloutConfig struct {
	BaseURL string
	AgentID string
	APIKey  string
	Timeout time.Duration
}

// Enabled reports whether the provider credentials are present.
func (c CalloutConfig) Enabled() bool {
	return c.BaseURL != "" && c.AgentID != "" && c.APIKey != ""
}

func loadCalloutConfig() (CalloutConfig, error) {
	timeout, err := parseDurationEnv("CALLOUT_TIMEOUT", 15*time.Second)
	if err != nil {
		return CalloutConfig{}, err
	}

	return CalloutConfig{
		BaseURL: getEnvOrDefault("CALLOUT_BASE_URL", "https://api.bolna.dev"),
		AgentID: strings.TrimSpace(os.Getenv("CALLOUT_AGENT_ID")),
		APIKey:  strings.TrimSpace(os.Getenv("CALLOUT_API_KEY")),
		Timeout: timeout,
	}, nil
}

// AuditConfig describes where the audit log goes. An empty path means
// standard output.
type AuditConfig struct {
	Path string
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{Path: strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH"))}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
