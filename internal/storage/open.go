package storage

import (
	"errors"
	"strings"

	logx "jobwarden/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		fs, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
