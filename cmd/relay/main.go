package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PushRelay/internal/server"
	"PushRelay/internal/ws"
	"PushRelay/pkg/bootstrap"
	"PushRelay/pkg/config"
	rdb "PushRelay/pkg/db/redis"
	"PushRelay/pkg/monitor"
	"PushRelay/pkg/presence"
	"PushRelay/pkg/push"
	"PushRelay/pkg/registry"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to relay config yaml")
	flag.Parse()

	cleanup, err := bootstrap.InitAll(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if config.Conf.AuthToken == "" {
		zap.L().Warn("AUTH_TOKEN is empty, every command request will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := snowflake.NewNode(config.Conf.MachineID)
	if err != nil {
		zap.L().Fatal("invalid machine_id", zap.Int64("machine_id", config.Conf.MachineID), zap.Error(err))
	}
	opts := []registry.Option{
		registry.WithNode(node),
		registry.WithObserver(monitor.RegistryObserver{}),
	}

	var presenceStore *presence.Store
	if rdb.Rdb != nil {
		presenceStore = presence.New(rdb.Rdb, config.Conf.PresenceConfig)
		presenceStore.Start(ctx)
		opts = append(opts, registry.WithObserver(presenceStore))
		rdb.CommandMonitor().Run(ctx)
		zap.L().Info("presence mirror enabled")
	}

	svc := push.NewService(registry.New(opts...))
	wsServer := ws.NewServer(svc, config.Conf.WebSocketConfig)
	wsServer.EmitMonitor().Run(ctx)

	interval := 5 * time.Second
	if m := config.Conf.MetricsConfig; m != nil && m.Interval > 0 {
		interval = time.Duration(m.Interval) * time.Second
	}
	monitor.StartSampler(ctx, interval)

	r := server.NewRouter(config.Conf.Mode, svc, wsServer)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Conf.Port),
		Handler: r,
	}

	go func() {
		zap.L().Info("starting relay http server", zap.Int("port", config.Conf.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("http server error", zap.Error(err))
		}
	}()

	// wait for termination
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("shutting down relay server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("server shutdown error", zap.Error(err))
	}
	// hijacked sockets are not covered by srv.Shutdown
	wsServer.Shutdown()
	if presenceStore != nil {
		presenceStore.Close()
	}
	cancel()

	zap.L().Info("relay server exited")
}
