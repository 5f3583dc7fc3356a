package app

import (
	"fmt"
	"strings"
	"time"

	"jobwarden/internal/config"
	"jobwarden/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "redis":
		if strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		timeout, err := config.ParseDurationOrDefault("storage.redis.timeout", sc.Redis.Timeout, 3*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{
			Driver: "redis",
			Path:   path,
			Redis: storage.RedisConfig{
				Addr:     strings.TrimSpace(sc.Redis.Addr),
				Password: sc.Redis.Password,
				DB:       sc.Redis.DB,
				Prefix:   sc.Redis.Prefix,
				Timeout:  timeout,
			},
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
