package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Call modes understood by the client.
const (
	ModeSFU    = "sfu"
	ModeDirect = "direct"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Client struct {
		ServerURL      string        `yaml:"server_url"`
		Username       string        `yaml:"username"`
		Token          string        `yaml:"token"`
		Mode           string        `yaml:"mode"`
		AutoRejectBusy bool          `yaml:"auto_reject_busy"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Reconnect      struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"client"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		ReadLimitBytes  int64         `yaml:"read_limit_bytes"`
		RequireAuth     bool          `yaml:"require_auth"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Recording struct {
		Directory string `yaml:"directory"`
		Archive   struct {
			Enabled         bool   `yaml:"enabled"`
			Endpoint        string `yaml:"endpoint"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			Bucket          string `yaml:"bucket"`
			Region          string `yaml:"region"`
			Prefix          string `yaml:"prefix"`
			UseSSL          bool   `yaml:"use_ssl"`
			RemoveLocal     bool   `yaml:"remove_local"`
		} `yaml:"archive"`
	} `yaml:"recording"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool   `yaml:"enabled"`
		ServiceName    string `yaml:"service_name"`
		JaegerEndpoint string `yaml:"jaeger_endpoint"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Client
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client.server_url must not be empty")
	}
	if c.Client.Mode != ModeSFU && c.Client.Mode != ModeDirect {
		return fmt.Errorf("client.mode must be %q or %q", ModeSFU, ModeDirect)
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be > 0")
	}
	if c.Client.Reconnect.Enabled {
		if c.Client.Reconnect.MaxAttempts <= 0 {
			return fmt.Errorf("client.reconnect.max_attempts must be > 0 when reconnect is enabled")
		}
		if c.Client.Reconnect.InitialDelay <= 0 {
			return fmt.Errorf("client.reconnect.initial_delay must be > 0 when reconnect is enabled")
		}
		if c.Client.Reconnect.MaxDelay < c.Client.Reconnect.InitialDelay {
			return fmt.Errorf("client.reconnect.max_delay must be >= initial_delay")
		}
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.ReadLimitBytes < 0 {
		return fmt.Errorf("signal.read_limit_bytes must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Recording
	if c.Recording.Directory == "" {
		return fmt.Errorf("recording.directory must not be empty")
	}
	if c.Recording.Archive.Enabled {
		if c.Recording.Archive.Endpoint == "" {
			return fmt.Errorf("recording.archive.endpoint must not be empty when recording.archive.enabled=true")
		}
		if c.Recording.Archive.Bucket == "" {
			return fmt.Errorf("recording.archive.bucket must not be empty when recording.archive.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SearchPaths are tried in order by LoadFirst.
var SearchPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/root/configs/config.yaml",
	"config.yaml",
}

// LoadFirst loads the first of paths that exists. With no file present it
// returns the defaults with env overrides applied, and an empty path.
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}
	cfg, err := Load("")
	return cfg, "", err
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Client.ServerURL = "ws://localhost:8081/ws"
	cfg.Client.Mode = ModeSFU
	cfg.Client.AutoRejectBusy = true
	cfg.Client.RequestTimeout = 10 * time.Second
	cfg.Client.Reconnect.Enabled = true
	cfg.Client.Reconnect.MaxAttempts = 5
	cfg.Client.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Client.Reconnect.MaxDelay = 10 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.ReadLimitBytes = 64 * 1024

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Recording.Directory = "recordings"
	cfg.Recording.Archive.Endpoint = "localhost:9000"
	cfg.Recording.Archive.Bucket = "rillcall-recordings"
	cfg.Recording.Archive.Prefix = "recordings"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.ServiceName = "rillcall"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 12 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("RILLCALL_SERVER_URL"); url != "" {
		c.Client.ServerURL = url
	}
	if name := os.Getenv("RILLCALL_USERNAME"); name != "" {
		c.Client.Username = name
	}
	if mode := os.Getenv("RILLCALL_MODE"); mode != "" {
		c.Client.Mode = mode
	}
	if addr := os.Getenv("RILLCALL_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("RILLCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RILLCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("RILLCALL_ARCHIVE_ACCESS_KEY_ID"); key != "" {
		c.Recording.Archive.AccessKeyID = key
	}
	if secret := os.Getenv("RILLCALL_ARCHIVE_SECRET_ACCESS_KEY"); secret != "" {
		c.Recording.Archive.SecretAccessKey = secret
	}
}
