package bootstrap

import (
	"context"
	"fmt"

	"PushRelay/pkg/config"
	rdb "PushRelay/pkg/db/redis"
	"PushRelay/pkg/logger"
)

// InitAll initializes config/logger/redis and returns a cleanup func.
// configPath is path to a YAML config file. If empty, falls back to default config.Init().
// Redis is only dialled when the presence mirror is enabled.
func InitAll(configPath string) (cleanup func(), err error) {
	if configPath != "" {
		if err = config.InitFromFile(configPath); err != nil {
			return nil, err
		}
	} else {
		if err = config.Init(); err != nil {
			return nil, err
		}
	}

	if err = logger.Init(config.Conf.LogConfig, config.Conf.Mode); err != nil {
		return nil, fmt.Errorf("init logger failed: %w", err)
	}

	if p := config.Conf.PresenceConfig; p != nil && p.Enabled {
		if err = rdb.Init(context.Background(), config.Conf.RedisConfig); err != nil {
			return nil, fmt.Errorf("init redis failed: %w", err)
		}
	}

	cleanup = func() {
		rdb.Close()
		// flush logger
		_ = logger.L().Sync()
	}
	return cleanup, nil
}
