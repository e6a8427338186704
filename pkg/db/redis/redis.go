package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PushRelay/pkg/config"
	"PushRelay/pkg/monitor"

	"github.com/redis/go-redis/v9"
)

var Rdb *redis.Client

// Init connects the shared client and attaches the command monitor.
func Init(ctx context.Context, cfg *config.RedisConfig) (err error) {
	if cfg == nil {
		return fmt.Errorf("redis config missing")
	}
	Rdb = NewClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err = Rdb.Ping(pingCtx).Err(); err != nil {
		_ = Rdb.Close()
		Rdb = nil
		return fmt.Errorf("ping redis %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return nil
}

// NewClient builds a client with the monitor hook but does not dial.
func NewClient(cfg *config.RedisConfig) *redis.Client {
	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	c.AddHook(&redisMonitorHook{mon: commandMonitor()})
	return c
}

func Close() {
	if Rdb != nil {
		_ = Rdb.Close()
	}
}

var (
	redisMon     *monitor.Monitor
	redisMonOnce sync.Once
)

func commandMonitor() *monitor.Monitor {
	redisMonOnce.Do(func() {
		redisMon = monitor.NewMonitor("redis", 1000, 60000)
	})
	return redisMon
}

// CommandMonitor exposes the redis latency monitor so the caller can Run it.
func CommandMonitor() *monitor.Monitor {
	return commandMonitor()
}
