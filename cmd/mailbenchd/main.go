package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailbench/internal/config"
	"github.com/brandon/mailbench/internal/query"
	"github.com/brandon/mailbench/internal/remote"
	"github.com/brandon/mailbench/internal/scheduler"
	"github.com/brandon/mailbench/internal/store"
	mbsync "github.com/brandon/mailbench/internal/sync"
	"github.com/brandon/mailbench/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailbenchd version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailbench sync daemon")

	// Open the local store
	st, err := store.Open(cfg.CachePath, cfg.AttachmentCacheBudget, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open local store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register accounts and their gateway credentials
	client := remote.NewClient(cfg.RPCTimeout, logger)
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		id, err := st.UpsertAccount(ctx, &types.Account{
			Name:         acc.Name,
			Email:        acc.Email,
			Server:       acc.Server,
			Username:     acc.Username,
			SyncInterval: int(cfg.SyncInterval.Seconds()),
			DisplayOrder: i,
		})
		if err != nil {
			logger.WithError(err).WithField("account", acc.Name).Fatal("Failed to register account")
		}
		client.AddAccount(id, remote.Credentials{
			Server:   acc.Server,
			Username: acc.Username,
			Password: acc.ResolvePassword(),
		})
	}

	// One ceiling on in-flight gateway calls, shared by sync workers and
	// on-demand body/attachment fetches.
	gateway := remote.LimitConcurrency(client, cfg.MaxNetworkOps)

	coordinator := mbsync.NewCoordinator(st, gateway, mbsync.Options{
		MaxAttempts:   cfg.RetryMaxAttempts,
		FullSyncEvery: cfg.FullSyncEvery,
	}, logger)

	queries, err := query.NewService(st, gateway, query.Options{
		BodyCacheSize: cfg.BodyCacheSize,
		MaxAttempts:   cfg.RetryMaxAttempts,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create query service")
	}

	sched := scheduler.New(coordinator, queries, st, cfg.MaxNetworkOps, logger)
	defer sched.Stop()

	// Log task outcomes
	subID, events := sched.Subscribe()
	defer sched.Unsubscribe(subID)
	go func() {
		for ev := range events {
			entry := logger.WithFields(logrus.Fields{
				"task":    ev.TaskID,
				"kind":    ev.Kind,
				"account": ev.AccountID,
			})
			switch ev.Type {
			case scheduler.EventCompleted:
				entry.Debug("Task completed")
			case scheduler.EventFailed:
				entry.WithError(ev.Err).Warn("Task failed")
			}
		}
	}()

	sched.RunPeriodic(cfg.SyncInterval)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig).Info("Received shutdown signal")

	sched.Stop()
	client.Logout(ctx)
	logger.Info("Shutting down mailbench sync daemon")
}
