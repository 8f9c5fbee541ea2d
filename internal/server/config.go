package server

import (
	"time"

	"flarepeer/internal/constants"
	"flarepeer/internal/session"
	"flarepeer/internal/utils"
)

type Config struct {
	Port           string
	Secret         string
	APIKey         string
	PollInterval   time.Duration
	AuthTimeout    time.Duration
	AllowedOrigins []string
	MaxConnPerIP   int

	// RequestLog logs every HTTP request, upgrades included.
	RequestLog bool
}

// LoadConfig reads the relay settings from the environment. An unset or
// malformed duration falls back to its default. PEER_POLL_INTERVAL=0 turns
// the poll limit off; PEER_AUTH_TIMEOUT cannot be turned off.
func LoadConfig() Config {
	cfg := Config{
		Port:           utils.GetEnv(constants.EnvPort, constants.DefaultPort),
		Secret:         utils.GetEnv(constants.EnvSecretKey, ""),
		APIKey:         utils.GetEnv(constants.EnvAPIKey, ""),
		PollInterval:   utils.GetEnvMillis(constants.EnvPollInterval, constants.DefaultPollInterval),
		AuthTimeout:    utils.GetEnvMillis(constants.EnvAuthTimeout, constants.DefaultAuthTimeout),
		AllowedOrigins: utils.GetEnvList(constants.EnvAllowedOrigins),
		MaxConnPerIP:   utils.GetEnvInt(constants.EnvMaxConnPerIP, constants.MaxConnectionsPerIP),
		RequestLog:     utils.GetEnvBool(constants.EnvRequestLog, false),
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = constants.DefaultAuthTimeout
	}
	return cfg
}

func (c Config) pollLimit() string {
	if c.PollInterval == 0 {
		return "off"
	}
	return c.PollInterval.String()
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		Secret:       c.Secret,
		APIKey:       c.APIKey,
		PollInterval: c.PollInterval,
		AuthTimeout:  c.AuthTimeout,
	}
}
