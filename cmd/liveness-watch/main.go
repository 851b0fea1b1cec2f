package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bark-labs/liveness-watch/internal/barkclient"
	"github.com/bark-labs/liveness-watch/internal/config"
	"github.com/bark-labs/liveness-watch/internal/server"
	"github.com/bark-labs/liveness-watch/internal/service"
	"github.com/bark-labs/liveness-watch/internal/storage"
	"github.com/bark-labs/liveness-watch/internal/storage/bolt"
	"github.com/bark-labs/liveness-watch/internal/storage/sqlstore"
	"github.com/labstack/gommon/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.SetLevel(parseLevel(cfg.Log.Level))
	log.SetHeader("${time_rfc3339} ${level} ${short_file}:${line}")

	barkClient, err := barkclient.New(cfg.Bark.BaseURL, cfg.Bark.Token, cfg.Bark.RequestTimeout)
	if err != nil {
		log.Fatalf("init bark client: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	location, err := time.LoadLocation(cfg.Notify.TimeZone)
	if err != nil {
		log.Fatalf("load time zone: %v", err)
	}

	noticeSvc := service.NewNoticeService(store, barkClient, service.NoticeOptions{
		QuietStart: cfg.Notify.QuietStart,
		QuietEnd:   cfg.Notify.QuietEnd,
		Location:   location,
		EncodeKey:  cfg.Bark.EncodeKey,
		IV:         cfg.Bark.IV,
	})
	deviceSvc := service.NewDeviceService(store, noticeSvc)
	logSvc := service.NewNoticeLogService(store)
	authSvc := service.NewAuthService(service.AuthConfig{
		Enabled:   cfg.Auth.Enabled,
		Username:  cfg.Auth.Username,
		Password:  cfg.Auth.Password,
		JWTSecret: cfg.Auth.JWTSecret,
	})

	sweeper := service.NewSweeper(deviceSvc, service.SweeperConfig{
		TTL:       cfg.Liveness.TTL,
		Interval:  cfg.Liveness.SweepInterval,
		BatchSize: cfg.Liveness.SweepBatch,
	})
	sweeper.Start(context.Background())

	srv := server.New(cfg, deviceSvc, logSvc, authSvc, barkClient)

	go func() {
		log.Infof("listening on %s (storage=%s)", cfg.HTTP.Addr, cfg.Storage.Driver)
		if err := srv.Start(); err != nil {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	// graceful shutdown
	waitForSignal()
	log.Info("shutting down...")
	sweeper.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}
	deviceSvc.Close()
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return sqlstore.Open(sqlstore.DriverSQLite, cfg.Storage.Path)
	case config.DriverPostgres:
		return sqlstore.Open(sqlstore.DriverPostgres, cfg.Storage.DSN)
	default:
		return bolt.New(cfg.Storage.Path)
	}
}

func parseLevel(level string) log.Lvl {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
