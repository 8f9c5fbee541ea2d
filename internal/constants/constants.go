package constants

import "time"

const (
	AppName = "flarepeer"
	Version = "0.3.0"
)

// Network defaults
const (
	DefaultHost        = "localhost:8080"
	DefaultPort        = "8080"
	DefaultServerURL   = "ws://localhost:8080"
	WSBufferSize       = 4096
	MaxWSMessageSize   = 64 * 1024
	WSWriteTimeout     = 10 * time.Second
	WSHandshakeTimeout = 10 * time.Second
	ShutdownTimeout    = 5 * time.Second
)

// Session settings
const (
	DefaultPollInterval = 4500 * time.Millisecond
	DefaultAuthTimeout  = 10 * time.Second
	MaxContentLength    = 32767
	PeerIDAttempts      = 5
)

// Rate limiting
const (
	MaxConnectionsPerIP   = 10
	MaxAuthAttempts       = 5
	BlockDuration         = 15 * time.Minute
	MaxAuditLogsPerMinute = 1000
)

// Environment
const (
	EnvSecretKey      = "SECRET_KEY"
	EnvAPIKey         = "PEER_API_KEY"
	EnvPollInterval   = "PEER_POLL_INTERVAL"
	EnvAuthTimeout    = "PEER_AUTH_TIMEOUT"
	EnvPort           = "PORT"
	EnvAllowedOrigins = "FLAREPEER_ALLOWED_ORIGINS"
	EnvMaxConnPerIP   = "FLAREPEER_MAX_CONN_PER_IP"
	EnvTrustedProxies = "FLAREPEER_TRUSTED_PROXIES"
	EnvAuditDir       = "FLAREPEER_AUDIT_DIR"
	EnvRequestLog     = "FLAREPEER_REQUEST_LOG"
)

// Endpoints
const (
	EndpointRoot  = "/"
	EndpointStats = "/stats"
)

// Redis connection
const (
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisUser     = "REDIS_USERNAME"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"
	DefaultRedisPort = "6379"
	RedisPingTimeout = 5 * time.Second
)

// Redis key layout
const (
	RedisPeerPrefix    = "flarepeer:peer:"
	RedisMailboxPrefix = "flarepeer:mailbox:"
	RedisOutboxPrefix  = "flarepeer:outbox:"
)

// Messages
const (
	MsgSecretNotSet    = "SECRET_KEY not set"
	MsgUpgradeRequired = "Upgrade Required"
	MsgOriginRejected  = "Origin not allowed"
	MsgConnLimit       = "Connection limit exceeded"
)

// Client
const (
	EnvServerURL      = "FLAREPEER_SERVER"
	DialAttempts      = 5
	DialRetryMin      = 200 * time.Millisecond
	DialRetryMax      = 5 * time.Second
	DefaultRPCTimeout = 10 * time.Second
)

// ANSI colors for CLI output
const (
	ColorReset  = "\033[0m"
	ColorDim    = "\033[2m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
)
