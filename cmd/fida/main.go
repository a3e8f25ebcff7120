package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/fidarail/fida/api"
	"github.com/fidarail/fida/config"
	"github.com/fidarail/fida/crypto/envelope"
	"github.com/fidarail/fida/db"
)

var log = logrus.WithField("prefix", "main")

func main() {
	app := &cli.App{
		Name:   "fida",
		Usage:  "Multi-tenant append-only event ledger with signed receipts",
		Flags:  config.Flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("Service exited with error")
	}
}

func run(cliCtx *cli.Context) error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(cliCtx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	sealer, err := envelope.NewAESGCM(cfg.MasterKey)
	if err != nil {
		return err
	}

	var limiter api.Limiter
	if cfg.RedisURL != "" {
		limiter, err = api.NewRedisLimiter(ctx, cfg.RedisURL, int64(cfg.RateLimitBurst))
		if err != nil {
			return err
		}
		log.Info("Using Redis rate limiter")
	} else {
		limiter = api.NewBucketLimiter(int64(cfg.RateLimitBurst))
		log.Info("Using in-process rate limiter")
	}

	srv := api.New(&api.Config{
		HTTPAddr:        cfg.HTTPAddr,
		AllowedOrigins:  cfg.AllowedOrigins,
		BootstrapToken:  cfg.BootstrapToken,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		CheckpointBatch: cfg.CheckpointBatch,
		DBTimeout:       cfg.DBTimeout,
		Store:           store,
		Sealer:          sealer,
		Limiter:         limiter,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
