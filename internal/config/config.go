package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Retrieval RetrievalConfig `yaml:"retrieval" mapstructure:"retrieval"`
	Assembler AssemblerConfig `yaml:"assembler" mapstructure:"assembler"`
	Sandbox   SandboxConfig   `yaml:"sandbox" mapstructure:"sandbox"`
	Sentinel  SentinelConfig  `yaml:"sentinel" mapstructure:"sentinel"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the snapshot and trace database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	SQLitePath  string     `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig holds optional Postgres connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings and the per-role model
// assignment. The sentinel model is configured separately (SentinelConfig)
// so the audit path never inherits the orchestrator's models.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	PlanningModel  string  `yaml:"planning_model" mapstructure:"planning_model"`
	SynthesisModel string  `yaml:"synthesis_model" mapstructure:"synthesis_model"`
	NavigatorModel string  `yaml:"navigator_model" mapstructure:"navigator_model"`
	MaxTokens      int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature    float64 `yaml:"temperature" mapstructure:"temperature"`
}

// JinaConfig holds the embeddings API settings.
type JinaConfig struct {
	Key        string        `yaml:"key" mapstructure:"key"`
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	Model      string        `yaml:"model" mapstructure:"model"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// RetrievalConfig tunes resolution and the widened-fallback policy.
type RetrievalConfig struct {
	TopKMetrics         int            `yaml:"top_k_metrics" mapstructure:"top_k_metrics"`
	MinMetricSimilarity float64        `yaml:"min_metric_similarity" mapstructure:"min_metric_similarity"`
	MinAliasSimilarity  float64        `yaml:"min_alias_similarity" mapstructure:"min_alias_similarity"`
	Fallback            FallbackConfig `yaml:"fallback" mapstructure:"fallback"`
}

// FallbackConfig bounds the single widened retrieval attempt made after a
// metric gap or an empty scope.
type FallbackConfig struct {
	DropMetric  bool `yaml:"drop_metric" mapstructure:"drop_metric"`
	DropPeriods bool `yaml:"drop_periods" mapstructure:"drop_periods"`
}

// AssemblerConfig bounds the evidence bundle.
type AssemblerConfig struct {
	MaxRows   int `yaml:"max_rows" mapstructure:"max_rows"`
	MaxChunks int `yaml:"max_chunks" mapstructure:"max_chunks"`
}

// SandboxConfig bounds generated-code execution.
type SandboxConfig struct {
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxSteps uint64        `yaml:"max_steps" mapstructure:"max_steps"`
}

// SentinelConfig configures the independent groundedness audit.
type SentinelConfig struct {
	Model     string  `yaml:"model" mapstructure:"model"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	MaxTokens int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SessionConfig configures chat-session short-term memory.
type SessionConfig struct {
	HistoryWindow int `yaml:"history_window" mapstructure:"history_window"`
}

// ServerConfig configures the query HTTP service.
type ServerConfig struct {
	Addr           string        `yaml:"addr" mapstructure:"addr"`
	CORSOrigins    []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An explicit cfgFile
// path must exist; the empty string searches the default locations and
// treats a missing file as all-defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	// Config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.verity")
		v.AddConfigPath("/etc/verity")
	}

	// Environment
	v.SetEnvPrefix("VERITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "verity.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("anthropic.planning_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.synthesis_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.navigator_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("jina.base_url", "https://api.jina.ai")
	v.SetDefault("jina.model", "jina-embeddings-v3")
	v.SetDefault("jina.timeout", 30*time.Second)
	v.SetDefault("jina.rate_per_sec", 2.0)
	v.SetDefault("retrieval.top_k_metrics", 5)
	v.SetDefault("retrieval.min_metric_similarity", 0.30)
	v.SetDefault("retrieval.min_alias_similarity", 0.5)
	v.SetDefault("retrieval.fallback.drop_metric", true)
	v.SetDefault("retrieval.fallback.drop_periods", true)
	v.SetDefault("assembler.max_rows", 40)
	v.SetDefault("assembler.max_chunks", 5)
	v.SetDefault("sandbox.timeout", 5*time.Second)
	v.SetDefault("sandbox.max_steps", uint64(500_000))
	v.SetDefault("sentinel.model", "claude-haiku-4-5-20251001")
	v.SetDefault("sentinel.threshold", 0.9)
	v.SetDefault("sentinel.max_tokens", 512)
	v.SetDefault("session.history_window", 6)
	v.SetDefault("server.addr", ":8600")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout", 120*time.Second)

	// Read config file (optional unless explicitly named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required by the given command mode are
// set. Modes: "query" (ask/serve), "index" (vocabulary embedding), "ingest".
func (c *Config) Validate(mode string) error {
	var missing []string

	checkStore := func() {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.SQLitePath == "" {
				missing = append(missing, "store.sqlite_path is required")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				missing = append(missing, "store.database_url is required")
			}
		default:
			missing = append(missing, "store.driver must be sqlite or postgres")
		}
	}

	switch mode {
	case "query":
		checkStore()
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key is required")
		}
		if c.Sentinel.Threshold < 0 || c.Sentinel.Threshold > 1 {
			missing = append(missing, "sentinel.threshold must be in [0,1]")
		}
	case "index":
		checkStore()
		if c.Jina.Key == "" {
			missing = append(missing, "jina.key is required")
		}
	case "ingest":
		checkStore()
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
