package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"huddle/pkg/validation"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type PluginEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
}

type Config struct {
	Client struct {
		RelayURL       string        `yaml:"relay_url"`
		APIURL         string        `yaml:"api_url"`
		Secure         bool          `yaml:"secure"`
		DisplayName    string        `yaml:"display_name"`
		RoomID         string        `yaml:"room_id"`
		CredentialFile string        `yaml:"credential_file"`
		DialAttempts   int           `yaml:"dial_attempts"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
	} `yaml:"client"`

	Session struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ICEBatch struct {
			BaseDelay     time.Duration `yaml:"base_delay"`
			Multiplier    float64       `yaml:"multiplier"`
			MaxIterations int           `yaml:"max_iterations"`
		} `yaml:"ice_batch"`
		DataChannelLabel string        `yaml:"data_channel_label"`
		RequestTimeout   time.Duration `yaml:"request_timeout"`
		EventBuffer      int           `yaml:"event_buffer"`
	} `yaml:"session"`

	Media struct {
		Audio       bool `yaml:"audio"`
		Video       bool `yaml:"video"`
		VideoWidth  int  `yaml:"video_width"`
		VideoHeight int  `yaml:"video_height"`
	} `yaml:"media"`

	PluginBridge struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Path    string `yaml:"path"`
		SlotID  string `yaml:"slot_id"`
	} `yaml:"plugin_bridge"`

	Relay struct {
		Address         string        `yaml:"address"`
		Path            string        `yaml:"path"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Plugins []PluginEntry `yaml:"plugins"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Address  string        `yaml:"address"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		PoolSize int           `yaml:"pool_size"`
		TTL      time.Duration `yaml:"ttl"`
		Channel  string        `yaml:"channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret     string        `yaml:"jwt_secret"`
		CredentialTTL time.Duration `yaml:"credential_ttl"`
		Issuer        string        `yaml:"issuer"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Client
	if c.Client.RelayURL == "" {
		return fmt.Errorf("client.relay_url must not be empty")
	}
	if c.Client.DialAttempts <= 0 {
		return fmt.Errorf("client.dial_attempts must be > 0")
	}
	if c.Client.PingInterval <= 0 || c.Client.PongTimeout <= c.Client.PingInterval {
		return fmt.Errorf("client.pong_timeout must be > client.ping_interval > 0")
	}

	// Session
	if c.Session.ICEBatch.BaseDelay <= 0 {
		return fmt.Errorf("session.ice_batch.base_delay must be > 0")
	}
	if c.Session.ICEBatch.Multiplier < 1 {
		return fmt.Errorf("session.ice_batch.multiplier must be >= 1")
	}
	if c.Session.ICEBatch.MaxIterations < 0 {
		return fmt.Errorf("session.ice_batch.max_iterations must be >= 0")
	}
	if c.Session.DataChannelLabel == "" {
		return fmt.Errorf("session.data_channel_label must not be empty")
	}
	if c.Session.EventBuffer <= 0 {
		return fmt.Errorf("session.event_buffer must be > 0")
	}
	if c.Session.PortRange.Min > 0 || c.Session.PortRange.Max > 0 {
		if c.Session.PortRange.Min == 0 || c.Session.PortRange.Max == 0 {
			return fmt.Errorf("session.port_range.min and max must both be set when one is set")
		}
		if c.Session.PortRange.Min >= c.Session.PortRange.Max {
			return fmt.Errorf("session.port_range.min must be < max")
		}
	}

	// Plugin bridge
	if c.PluginBridge.Enabled && c.PluginBridge.Address == "" {
		return fmt.Errorf("plugin_bridge.address must not be empty when plugin_bridge.enabled=true")
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}

	for i, p := range c.Plugins {
		if err := validation.ValidatePluginID(p.ID); err != nil {
			return fmt.Errorf("plugins[%d]: %w", i, err)
		}
		if err := validation.ValidatePluginURL(p.URL); err != nil {
			return fmt.Errorf("plugins[%d]: %w", i, err)
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
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
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.CredentialTTL <= 0 {
		return fmt.Errorf("auth.credential_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Client.RelayURL = "ws://localhost:8081/ws"
	cfg.Client.APIURL = "http://localhost:8080"
	cfg.Client.DisplayName = "guest"
	cfg.Client.CredentialFile = ".huddle-secret"
	cfg.Client.DialAttempts = 5
	cfg.Client.DialTimeout = 10 * time.Second
	cfg.Client.PingInterval = 25 * time.Second
	cfg.Client.PongTimeout = 60 * time.Second

	cfg.Session.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.Session.ICEBatch.BaseDelay = 450 * time.Millisecond
	cfg.Session.ICEBatch.Multiplier = 1.5
	cfg.Session.ICEBatch.MaxIterations = 9
	cfg.Session.DataChannelLabel = "default"
	cfg.Session.RequestTimeout = 15 * time.Second
	cfg.Session.EventBuffer = 256

	cfg.Media.Audio = false
	cfg.Media.Video = false
	cfg.Media.VideoWidth = 128
	cfg.Media.VideoHeight = 72

	cfg.PluginBridge.Enabled = true
	cfg.PluginBridge.Address = "127.0.0.1:8090"
	cfg.PluginBridge.Path = "/plugin"
	cfg.PluginBridge.SlotID = "plugin-frame"

	cfg.Relay.Address = ":8081"
	cfg.Relay.Path = "/ws"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "huddle"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.TTL = 24 * time.Hour
	cfg.Redis.Channel = "huddle:relay"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.CredentialTTL = 30 * 24 * time.Hour
	cfg.Auth.Issuer = "huddle-relay"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 256 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HUDDLE_RELAY_URL"); v != "" {
		c.Client.RelayURL = v
	}
	if v := os.Getenv("HUDDLE_API_URL"); v != "" {
		c.Client.APIURL = v
	}
	if v := os.Getenv("HUDDLE_DISPLAY_NAME"); v != "" {
		c.Client.DisplayName = v
	}
	if v := os.Getenv("HUDDLE_ROOM_ID"); v != "" {
		c.Client.RoomID = v
	}
	if v := os.Getenv("HUDDLE_CREDENTIAL_FILE"); v != "" {
		c.Client.CredentialFile = v
	}
	if v := os.Getenv("HUDDLE_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("HUDDLE_RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv("HUDDLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HUDDLE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("HUDDLE_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("HUDDLE_MEDIA_AUDIO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Media.Audio = b
		}
	}
	if v := os.Getenv("HUDDLE_MEDIA_VIDEO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Media.Video = b
		}
	}
}
