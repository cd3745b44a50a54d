// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is read once at startup
// and passed by reference to every component; there is no runtime reconfiguration.
type Config struct {
	Logger      LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Bridge      BridgeConfig     `mapstructure:"bridge" yaml:"bridge"`
	Screenshots ScreenshotConfig `mapstructure:"screenshots" yaml:"screenshots"`
	Agent       AgentConfig      `mapstructure:"agent" yaml:"agent"`
	Journal     JournalConfig    `mapstructure:"journal" yaml:"journal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BridgeConfig describes the emulator automation bridge endpoint.
type BridgeConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Namespace prefixes button commands, e.g. "mgba-http.button.tap".
	Namespace   string        `mapstructure:"namespace" yaml:"namespace"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	// Timeout bounds every request/response round trip. Zero disables the deadline.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Address returns the host:port form of the bridge endpoint.
func (b BridgeConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// ScreenshotConfig controls the shared screenshot directory.
type ScreenshotConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
	// WaitTimeout bounds how long selection waits for enough captures to land.
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	// PollInterval is the initial backoff interval between selection attempts.
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Watch         bool          `mapstructure:"watch" yaml:"watch"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheCapacity uint64        `mapstructure:"cache_capacity" yaml:"cache_capacity"`
}

// AgentConfig groups the model router and decision loop settings.
type AgentConfig struct {
	LLM  LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	Loop LoopConfig      `mapstructure:"loop" yaml:"loop"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

// LLMRouterConfig names the models assigned to each tier.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig holds the connection and sampling settings of one model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP        float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK        int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// Loop modes.
const (
	ModeSingle   = "single"
	ModeTwoPhase = "two_phase"
)

// LoopConfig controls the perception-action loop.
type LoopConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"`
	// HistoryLimit is the number of (action, screenshot) pairs kept as context.
	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
	// MaxSteps is the step budget. A negative value means unbounded.
	MaxSteps       int           `mapstructure:"max_steps" yaml:"max_steps"`
	StepInterval   time.Duration `mapstructure:"step_interval" yaml:"step_interval"`
	StepTimeout    time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	CaptureRetries int           `mapstructure:"capture_retries" yaml:"capture_retries"`
	SkipUnparsable bool          `mapstructure:"skip_unparsable" yaml:"skip_unparsable"`
	// Prompt is the trailing instruction; "{keys}" is replaced by the action list.
	Prompt string   `mapstructure:"prompt" yaml:"prompt"`
	Keys   []string `mapstructure:"keys" yaml:"keys"`
}

// Journal backends.
const (
	JournalNone     = "none"
	JournalSQLite   = "sqlite"
	JournalPostgres = "postgres"
)

// JournalConfig selects where completed steps are recorded.
type JournalConfig struct {
	Type     string         `mapstructure:"type" yaml:"type"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds connection details for the postgres journal.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the connection string understood by pgx.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// DefaultPrompt is the trailing instruction used when none is configured.
const DefaultPrompt = `
You are tasked with healing all the Pokemon in your party. Given the history provided, what button would you press now?

The options are {keys}.

Think about your answer out loud, and then conclude with a single button. (The button must be the final word or we cannot parse it.)
`

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "llpkmn")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Bridge --
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", 8888)
	v.SetDefault("bridge.namespace", "mgba-http")
	v.SetDefault("bridge.dial_timeout", "10s")
	v.SetDefault("bridge.timeout", "30s")

	// -- Screenshots --
	v.SetDefault("screenshots.dir", "screenshots")
	v.SetDefault("screenshots.wait_timeout", "5s")
	v.SetDefault("screenshots.poll_interval", "50ms")
	v.SetDefault("screenshots.watch", true)
	v.SetDefault("screenshots.cache_ttl", "10m")
	v.SetDefault("screenshots.cache_capacity", 64)

	// -- Agent LLM --
	v.SetDefault("agent.llm.default_fast_model", "local")
	v.SetDefault("agent.llm.default_powerful_model", "local")
	v.SetDefault("agent.llm.models", map[string]any{
		"local": map[string]any{
			"provider":    string(ProviderOpenAI),
			"model":       "feather",
			"api_key":     "sk-test",
			"endpoint":    "http://127.0.0.1:8080/v1",
			"api_timeout": "10m",
			"temperature": 0.0,
		},
	})

	// -- Agent Loop --
	v.SetDefault("agent.loop.mode", ModeSingle)
	v.SetDefault("agent.loop.history_limit", 8)
	v.SetDefault("agent.loop.max_steps", -1)
	v.SetDefault("agent.loop.step_interval", "1s")
	v.SetDefault("agent.loop.step_timeout", "0s")
	v.SetDefault("agent.loop.capture_retries", 2)
	v.SetDefault("agent.loop.skip_unparsable", false)
	v.SetDefault("agent.loop.prompt", DefaultPrompt)
	// Select, R and L are rarely needed and are pruned to help the model out.
	v.SetDefault("agent.loop.keys", []string{"A", "B", "Start", "Right", "Left", "Up", "Down"})

	// -- Journal --
	v.SetDefault("journal.type", JournalNone)
	v.SetDefault("journal.path", "llpkmn.db")
	v.SetDefault("journal.postgres.host", "localhost")
	v.SetDefault("journal.postgres.port", 5432)
	v.SetDefault("journal.postgres.user", "postgres")
	v.SetDefault("journal.postgres.password", "") // Should be set via env var
	v.SetDefault("journal.postgres.dbname", "llpkmn")
	v.SetDefault("journal.postgres.sslmode", "disable")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("journal.postgres.password", "LLPKMN_JOURNAL_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.ApplyLegacyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid legacy environment: %w", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ApplyLegacyEnv honors the bare environment variable names used by earlier
// releases (HOST, MGBA_HOST, MGBA_PORT, SCREENSHOT_DIR, HISTORY_LIMIT, MAX_STEPS, PROMPT).
// HOST rewrites the endpoint of every OpenAI-compatible model.
func (c *Config) ApplyLegacyEnv(lookup func(string) (string, bool)) error {
	if host, ok := lookup("HOST"); ok && host != "" {
		for name, m := range c.Agent.LLM.Models {
			if m.Provider == ProviderOpenAI {
				m.Endpoint = fmt.Sprintf("http://%s/v1", host)
				c.Agent.LLM.Models[name] = m
			}
		}
	}
	if host, ok := lookup("MGBA_HOST"); ok && host != "" {
		c.Bridge.Host = host
	}
	if dir, ok := lookup("SCREENSHOT_DIR"); ok && dir != "" {
		c.Screenshots.Dir = dir
	}
	if prompt, ok := lookup("PROMPT"); ok && prompt != "" {
		c.Agent.Loop.Prompt = prompt
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"MGBA_PORT", &c.Bridge.Port},
		{"HISTORY_LIMIT", &c.Agent.Loop.HistoryLimit},
		{"MAX_STEPS", &c.Agent.Loop.MaxSteps},
	}
	for _, e := range ints {
		raw, ok := lookup(e.name)
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", e.name, err)
		}
		*e.dst = n
	}
	return nil
}

// ExpandPaths resolves a leading "~" in filesystem paths.
func (c *Config) ExpandPaths() error {
	dir, err := homedir.Expand(c.Screenshots.Dir)
	if err != nil {
		return fmt.Errorf("failed to expand screenshots.dir: %w", err)
	}
	c.Screenshots.Dir = dir

	path, err := homedir.Expand(c.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to expand journal.path: %w", err)
	}
	c.Journal.Path = path
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Bridge.Validate(); err != nil {
		return fmt.Errorf("bridge configuration invalid: %w", err)
	}
	if c.Screenshots.Dir == "" {
		return fmt.Errorf("screenshots.dir is a required configuration field")
	}
	if c.Screenshots.WaitTimeout < 0 {
		return fmt.Errorf("screenshots.wait_timeout must not be negative")
	}
	if err := c.Agent.LLM.Validate(); err != nil {
		return fmt.Errorf("agent.llm configuration invalid: %w", err)
	}
	if err := c.Agent.Loop.Validate(); err != nil {
		return fmt.Errorf("agent.loop configuration invalid: %w", err)
	}
	if err := c.Journal.Validate(); err != nil {
		return fmt.Errorf("journal configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the bridge endpoint.
func (b *BridgeConfig) Validate() error {
	if b.Host == "" {
		return fmt.Errorf("host is required")
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if b.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if b.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Validate checks that both tiers resolve to a usable model definition.
func (r *LLMRouterConfig) Validate() error {
	if len(r.Models) == 0 {
		return fmt.Errorf("no models configured under agent.llm.models")
	}
	for name, m := range r.Models {
		switch m.Provider {
		case ProviderGemini:
			if m.APIKey == "" {
				return fmt.Errorf("model '%s': api_key is required for the gemini provider", name)
			}
		case ProviderOpenAI:
			if m.Endpoint == "" {
				return fmt.Errorf("model '%s': endpoint is required for the openai provider", name)
			}
		default:
			return fmt.Errorf("model '%s': unknown provider '%s'", name, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("model '%s': model name is required", name)
		}
	}
	if _, ok := r.Models[r.DefaultFastModel]; !ok {
		return fmt.Errorf("default fast model '%s' not found in defined models", r.DefaultFastModel)
	}
	if _, ok := r.Models[r.DefaultPowerfulModel]; !ok {
		return fmt.Errorf("default powerful model '%s' not found in defined models", r.DefaultPowerfulModel)
	}
	return nil
}

// Validate checks the loop settings.
func (l *LoopConfig) Validate() error {
	if l.Mode != ModeSingle && l.Mode != ModeTwoPhase {
		return fmt.Errorf("mode must be '%s' or '%s'", ModeSingle, ModeTwoPhase)
	}
	if l.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative")
	}
	if l.CaptureRetries < 0 {
		return fmt.Errorf("capture_retries must not be negative")
	}
	if l.StepInterval < 0 || l.StepTimeout < 0 {
		return fmt.Errorf("step_interval and step_timeout must not be negative")
	}
	if len(l.Keys) == 0 {
		return fmt.Errorf("keys must name at least one button")
	}
	return nil
}

// Validate checks the journal backend selection.
func (j *JournalConfig) Validate() error {
	switch j.Type {
	case "", JournalNone:
		return nil
	case JournalSQLite:
		if j.Path == "" {
			return fmt.Errorf("path is required for the sqlite journal")
		}
	case JournalPostgres:
		if j.Postgres.Host == "" || j.Postgres.DBName == "" {
			return fmt.Errorf("postgres.host and postgres.dbname are required")
		}
	default:
		return fmt.Errorf("unknown journal type '%s'", j.Type)
	}
	return nil
}
