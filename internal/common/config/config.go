// Package config provides configuration management for the fabric.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the fabric.
type Config struct {
	Server              ServerConfig    `mapstructure:"server"`
	UseLocalRedis       bool            `mapstructure:"use_local_redis"`
	Listeners           ListenersConfig `mapstructure:"listeners"`
	Websocket           WebsocketConfig `mapstructure:"websocket"`
	RPC                 RPCConfig       `mapstructure:"rpc"`
	DocDB               DocDBConfig     `mapstructure:"docdb"`
	RTDB                RTDBConfig      `mapstructure:"rtdb"`
	NATS                NATSConfig      `mapstructure:"nats"`
	LPT                 LPTConfig       `mapstructure:"lpt"`
	LLM                 LLMConfig       `mapstructure:"llm"`
	Chat                ChatConfig      `mapstructure:"chat"`
	Scheduler           SchedulerConfig `mapstructure:"scheduler"`
	WorkflowListener    ToggleConfig    `mapstructure:"workflow_listener"`
	TransactionListener ToggleConfig    `mapstructure:"transaction_listener"`
	UnifiedRegistry     ToggleConfig    `mapstructure:"unified_registry"`
	Registry            RegistryConfig  `mapstructure:"registry"`
	OAuth               OAuthConfig     `mapstructure:"oauth"`
	Logging             LoggingConfig   `mapstructure:"logging"`
	Region              string          `mapstructure:"region"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// ListenersConfig holds the KV store connection plus the listener fabric knobs:
// channel prefixes, presence heartbeat cadence and TTL, and the service token
// protecting /rpc and the worker callback endpoints.
type ListenersConfig struct {
	RedisHost         string `mapstructure:"redis_host"`
	RedisPort         int    `mapstructure:"redis_port"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisTLS          bool   `mapstructure:"redis_tls"`
	RedisTLSVerify    bool   `mapstructure:"redis_tls_verify"`
	RedisDB           int    `mapstructure:"redis_db"`
	ChannelPrefix     string `mapstructure:"channel_prefix"`
	ChatChannelPrefix string `mapstructure:"chat_channel_prefix"`
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"` // presence heartbeat, seconds
	TTLSeconds        int    `mapstructure:"ttl_seconds"`        // presence liveness window, seconds
	ServiceToken      string `mapstructure:"service_token"`
}

// WebsocketConfig holds hub tuning.
type WebsocketConfig struct {
	KeepaliveInterval int `mapstructure:"keepalive_interval"` // seconds between {type:"ping"} frames
	SendBufferSize    int `mapstructure:"send_buffer_size"`   // per-client outbound queue
}

// RPCConfig holds the RPC router knobs.
type RPCConfig struct {
	APIVersion          string `mapstructure:"api_version"`
	IdempDisable        bool   `mapstructure:"idemp_disable"`
	IdempDisableMethods string `mapstructure:"idemp_disable_methods"` // comma-separated method names
	IdempTTL            int    `mapstructure:"idemp_ttl"`             // seconds
	DefaultTimeoutMs    int    `mapstructure:"default_timeout_ms"`
}

// DocDBConfig selects and configures the document database client.
type DocDBConfig struct {
	Backend         string `mapstructure:"backend"` // "firestore" or "memory"
	ProjectID       string `mapstructure:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// RTDBConfig selects and configures the realtime tree database client.
type RTDBConfig struct {
	Backend   string `mapstructure:"backend"` // "firebase" or "memory"
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// LPTConfig configures long-running-task dispatch and the callback endpoint.
type LPTConfig struct {
	Transport     string `mapstructure:"transport"` // "http", "nats" or "memory"
	HTTPURL       string `mapstructure:"http_url"`
	Token         string `mapstructure:"token"`          // bearer sent on dispatch
	NATSSubject   string `mapstructure:"nats_subject"`   // subject for the nats transport
	CallbackToken string `mapstructure:"callback_token"` // bearer expected on /lpt/callback; falls back to listeners.service_token
	MaxRetries    int    `mapstructure:"max_retries"`
}

// LLMConfig configures the model provider used by the agent runtime.
type LLMConfig struct {
	Provider  string `mapstructure:"provider"` // "anthropic", "openai" or "fake"
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	BaseURL   string `mapstructure:"base_url"`
}

// ChatConfig holds chat listener settings.
type ChatConfig struct {
	// BucketOrder is the RTDB path fallback tried when attaching a chat
	// listener; the first bucket with an existing thread wins.
	BucketOrder []string `mapstructure:"bucket_order"`
	ProfileFile string   `mapstructure:"profile_file"` // agent profiles (YAML)
}

// SchedulerConfig holds the planned-task executor settings.
type SchedulerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Interval    int  `mapstructure:"interval"`     // seconds between scans
	LockTTL     int  `mapstructure:"lock_ttl"`     // seconds, lock:cron:{task_id}
	MaxAttempts int  `mapstructure:"max_attempts"` // per-task bounded retries before dead-letter
}

// ToggleConfig is a bare feature switch.
type ToggleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RegistryConfig holds registry wrapper options.
type RegistryConfig struct {
	Debug bool `mapstructure:"debug"`
}

// OAuthConfig holds the Google OAuth exchange settings for /google_auth_callback/.
type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RedisAddr returns the host:port pair for the KV store.
func (l *ListenersConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", l.RedisHost, l.RedisPort)
}

// HeartbeatDuration returns the presence heartbeat interval as a time.Duration.
func (l *ListenersConfig) HeartbeatDuration() time.Duration {
	return time.Duration(l.HeartbeatInterval) * time.Second
}

// KeepaliveDuration returns the keepalive interval as a time.Duration.
func (w *WebsocketConfig) KeepaliveDuration() time.Duration {
	return time.Duration(w.KeepaliveInterval) * time.Second
}

// IdempTTLDuration returns the idempotency marker TTL as a time.Duration.
func (r *RPCConfig) IdempTTLDuration() time.Duration {
	return time.Duration(r.IdempTTL) * time.Second
}

// DefaultTimeout returns the per-request RPC timeout as a time.Duration.
func (r *RPCConfig) DefaultTimeout() time.Duration {
	return time.Duration(r.DefaultTimeoutMs) * time.Millisecond
}

// DisabledMethods returns the parsed list of methods excluded from idempotency.
func (r *RPCConfig) DisabledMethods() []string {
	if strings.TrimSpace(r.IdempDisableMethods) == "" {
		return nil
	}
	parts := strings.Split(r.IdempDisableMethods, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IntervalDuration returns the scan interval as a time.Duration.
func (s *SchedulerConfig) IntervalDuration() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// ResolvedCallbackToken returns the bearer token expected on worker callbacks.
func (c *Config) ResolvedCallbackToken() string {
	if c.LPT.CallbackToken != "" {
		return c.LPT.CallbackToken
	}
	return c.Listeners.ServiceToken
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("FABRIC_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("use_local_redis", false)

	// KV + listener fabric defaults
	v.SetDefault("listeners.redis_host", "localhost")
	v.SetDefault("listeners.redis_port", 6379)
	v.SetDefault("listeners.redis_password", "")
	v.SetDefault("listeners.redis_tls", false)
	v.SetDefault("listeners.redis_tls_verify", true)
	v.SetDefault("listeners.redis_db", 0)
	v.SetDefault("listeners.channel_prefix", "user:")
	v.SetDefault("listeners.chat_channel_prefix", "chat:")
	v.SetDefault("listeners.heartbeat_interval", 45)
	v.SetDefault("listeners.ttl_seconds", 90)
	v.SetDefault("listeners.service_token", "")

	// WebSocket defaults
	v.SetDefault("websocket.keepalive_interval", 30)
	v.SetDefault("websocket.send_buffer_size", 256)

	// RPC defaults
	v.SetDefault("rpc.api_version", "v1")
	v.SetDefault("rpc.idemp_disable", false)
	v.SetDefault("rpc.idemp_disable_methods", "")
	v.SetDefault("rpc.idemp_ttl", 900)
	v.SetDefault("rpc.default_timeout_ms", 15000)

	// Store defaults - "memory" backends mean no external service is needed
	v.SetDefault("docdb.backend", "memory")
	v.SetDefault("docdb.project_id", "")
	v.SetDefault("docdb.credentials_file", "")
	v.SetDefault("rtdb.backend", "memory")
	v.SetDefault("rtdb.url", "")
	v.SetDefault("rtdb.auth_token", "")

	// NATS defaults - empty URL means the nats LPT transport is unavailable
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)

	// LPT defaults
	v.SetDefault("lpt.transport", "memory")
	v.SetDefault("lpt.http_url", "")
	v.SetDefault("lpt.token", "")
	v.SetDefault("lpt.nats_subject", "lpt.requests")
	v.SetDefault("lpt.callback_token", "")
	v.SetDefault("lpt.max_retries", 3)

	// LLM defaults
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.base_url", "")

	// Chat defaults
	v.SetDefault("chat.bucket_order", []string{"active_chats", "chats", "job_chats"})
	v.SetDefault("chat.profile_file", "")

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", 60)
	v.SetDefault("scheduler.lock_ttl", 300)
	v.SetDefault("scheduler.max_attempts", 3)

	// Listener feature toggles
	v.SetDefault("workflow_listener.enabled", true)
	v.SetDefault("transaction_listener.enabled", true)
	v.SetDefault("unified_registry.enabled", true)
	v.SetDefault("registry.debug", false)

	// OAuth defaults
	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_url", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("region", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use snake_case naming without a prefix, matching the
// deployed surface: LISTENERS_REDIS_HOST, RPC_API_VERSION, and so on.
// Config file should be named config.yaml and placed in the current directory or /etc/fabric/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables. No prefix: the recognised names
	// (LISTENERS_*, RPC_*, WEBSOCKET_KEEPALIVE_INTERVAL, ...) map onto the
	// config keys through the dot-to-underscore replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the deployed env var name differs from the
	// derived config key.
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT", "LOGGING_FORMAT")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("oauth.client_id", "GOOGLE_OAUTH_CLIENT_ID")
	_ = v.BindEnv("oauth.client_secret", "GOOGLE_OAUTH_CLIENT_SECRET")
	_ = v.BindEnv("oauth.redirect_url", "GOOGLE_OAUTH_REDIRECT_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fabric/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set and applies
// the USE_LOCAL_REDIS override.
func validate(cfg *Config) error {
	var errs []string

	if cfg.UseLocalRedis {
		cfg.Listeners.RedisHost = "127.0.0.1"
		cfg.Listeners.RedisPort = 6379
		cfg.Listeners.RedisTLS = false
		cfg.Listeners.RedisPassword = ""
	}

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Listeners.RedisPort <= 0 || cfg.Listeners.RedisPort > 65535 {
		errs = append(errs, "listeners.redis_port must be between 1 and 65535")
	}
	if cfg.Listeners.HeartbeatInterval <= 0 {
		errs = append(errs, "listeners.heartbeat_interval must be positive")
	}
	if cfg.Listeners.TTLSeconds < cfg.Listeners.HeartbeatInterval {
		errs = append(errs, "listeners.ttl_seconds must be at least the heartbeat interval")
	}

	if cfg.Websocket.KeepaliveInterval <= 0 {
		errs = append(errs, "websocket.keepalive_interval must be positive")
	}

	if cfg.RPC.APIVersion == "" {
		errs = append(errs, "rpc.api_version is required")
	}
	if cfg.RPC.IdempTTL <= 0 {
		errs = append(errs, "rpc.idemp_ttl must be positive")
	}

	switch cfg.DocDB.Backend {
	case "memory":
	case "firestore":
		if cfg.DocDB.ProjectID == "" {
			errs = append(errs, "docdb.project_id is required when docdb.backend is firestore")
		}
	default:
		errs = append(errs, "docdb.backend must be one of: firestore, memory")
	}

	switch cfg.RTDB.Backend {
	case "memory":
	case "firebase":
		if cfg.RTDB.URL == "" {
			errs = append(errs, "rtdb.url is required when rtdb.backend is firebase")
		}
	default:
		errs = append(errs, "rtdb.backend must be one of: firebase, memory")
	}

	switch cfg.LPT.Transport {
	case "memory":
	case "http":
		if cfg.LPT.HTTPURL == "" {
			errs = append(errs, "lpt.http_url is required when lpt.transport is http")
		}
	case "nats":
		if cfg.NATS.URL == "" {
			errs = append(errs, "nats.url is required when lpt.transport is nats")
		}
	default:
		errs = append(errs, "lpt.transport must be one of: http, nats, memory")
	}

	switch cfg.LLM.Provider {
	case "anthropic", "openai", "fake":
	default:
		errs = append(errs, "llm.provider must be one of: anthropic, openai, fake")
	}

	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, "scheduler.interval must be positive")
	}
	if cfg.Scheduler.LockTTL <= 0 {
		errs = append(errs, "scheduler.lock_ttl must be positive")
	}

	if len(cfg.Chat.BucketOrder) == 0 {
		errs = append(errs, "chat.bucket_order must name at least one bucket")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
