package mailbox

import (
	"log"
	"net"

	"flarepeer/internal/constants"
	"flarepeer/internal/utils"
)

// RedisConfig locates the Redis server backing a RedisStore. An empty Host
// means no Redis is configured.
type RedisConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// RedisConfigFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_USERNAME,
// REDIS_PASSWORD and REDIS_DB.
func RedisConfigFromEnv() RedisConfig {
	return RedisConfig{
		Host:     utils.GetEnv(constants.EnvRedisHost, ""),
		Port:     utils.GetEnv(constants.EnvRedisPort, constants.DefaultRedisPort),
		Username: utils.GetEnv(constants.EnvRedisUser, ""),
		Password: utils.GetEnv(constants.EnvRedisPassword, ""),
		DB:       utils.GetEnvInt(constants.EnvRedisDB, 0),
	}
}

// NewStore returns a RedisStore when Redis is configured and reachable and a
// MemoryStore otherwise. An unreachable Redis is logged, not fatal.
func NewStore() (StoreInterface, error) {
	return openStore(RedisConfigFromEnv())
}

func openStore(cfg RedisConfig) (StoreInterface, error) {
	if cfg.Host == "" {
		log.Println("💾 Mailboxes kept in memory")
		return NewMemoryStore(), nil
	}

	store, err := NewRedisStore(cfg)
	if err != nil {
		log.Printf("⚠️  Redis unavailable, mailboxes kept in memory: %v", err)
		return NewMemoryStore(), nil
	}
	log.Printf("💾 Mailboxes kept in Redis at %s (db %d)", cfg.Addr(), cfg.DB)
	return store, nil
}
