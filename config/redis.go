package config

import (
	"os"
	"strconv"
	"sync"
)

var (
	redisOnce   sync.Once
	redisConfig *RedisConfig
)

type RedisConfig struct {
	Addr string
	DB   int
}

func GetRedisConfig() *RedisConfig {
	redisOnce.Do(func() {
		loadDotEnv()

		db := 0
		if v := os.Getenv("REDIS_DB"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				db = parsed
			}
		}

		redisConfig = &RedisConfig{
			Addr: envOrDefault("REDIS_ADDR", "localhost:6379"),
			DB:   db,
		}
	})
	return redisConfig
}
