package common

import "github.com/spf13/viper"

// Supported pub/sub backend types
const (
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendMemory = "memory"
)

// ===============================================================================
// Pub/Sub Backend Related Config

// RedisConfig defines parameters for connecting to the Redis server
type RedisConfig struct {
	// URL is the Redis connection URL
	URL string `mapstructure:"url" json:"url" validate:"required,uri"`
	// PoolSize is the max number of socket connections. Every subscriber handle holds one.
	PoolSize int `mapstructure:"pool_size" json:"pool_size" validate:"gte=0"`
	// DialTimeout is the max duration for connecting to Redis server in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
}

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Related Config

// SubscribeRetryConfig defines how a failed channel subscribe is retried
type SubscribeRetryConfig struct {
	// MaxAttempts is the number of retries after the first failed subscribe. 0 disables retry.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=0"`
	// InitialInterval is the wait before the first retry in milliseconds
	InitialInterval int `mapstructure:"initial_interval_ms" json:"initial_interval_ms" validate:"gte=1"`
	// MaxInterval caps the exponential backoff wait in milliseconds
	MaxInterval int `mapstructure:"max_interval_ms" json:"max_interval_ms" validate:"gtefield=InitialInterval"`
}

// RelayConfig defines the notification relay parameters
type RelayConfig struct {
	// Backend selects the pub/sub backend
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=redis nats memory"`
	// PathPrefix is the end-point path prefix for the websocket endpoint
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// HandshakeTimeout bounds the websocket upgrade and request header read in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// KeepAliveInterval is the interval between websocket pings in seconds
	KeepAliveInterval int `mapstructure:"keepalive_interval_sec" json:"keepalive_interval_sec" validate:"gte=1"`
	// WriteTimeout bounds writing one event to a client, and the unsubscribe on teardown, in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// AllowedOrigins lists the accepted websocket Origin header values. Empty accepts any.
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
	// SubscribeRetry defines the channel subscribe retry behavior
	SubscribeRetry SubscribeRetryConfig `mapstructure:"subscribe_retry" json:"subscribe_retry" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the relay
type SystemConfig struct {
	// Relay are the notification relay parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// HTTP are the HTTP server parameters
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
	// Redis are the Redis related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default relay settings
	viper.SetDefault("relay.backend", BackendRedis)
	viper.SetDefault("relay.path_prefix", "/")
	viper.SetDefault("relay.handshake_timeout_sec", 10)
	viper.SetDefault("relay.keepalive_interval_sec", 25)
	viper.SetDefault("relay.write_timeout_sec", 10)
	viper.SetDefault("relay.allowed_origins", []string{})
	viper.SetDefault("relay.subscribe_retry.max_attempts", 3)
	viper.SetDefault("relay.subscribe_retry.initial_interval_ms", 250)
	viper.SetDefault("relay.subscribe_retry.max_interval_ms", 4000)

	// Default HTTP server settings
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 4003)
	viper.SetDefault("http.server_config.read_timeout_sec", 0)
	viper.SetDefault("http.server_config.write_timeout_sec", 0)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Relay-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Cookie", "Set-Cookie",
		},
	)

	// Default Redis settings
	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("redis.pool_size", 0)
	viper.SetDefault("redis.dial_timeout_sec", 5)

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
}
