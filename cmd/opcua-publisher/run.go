// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	publisher "github.com/edgeo-scada/publisher"
	"github.com/edgeo-scada/publisher/internal/logging"
	"github.com/edgeo-scada/publisher/natssink"
	"github.com/edgeo-scada/publisher/uaclient"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start publishing",
	Long: `Connects to every configured server, creates the subscriptions and
publishes notifications until interrupted. SIGHUP reloads the configuration
file and applies only the subscriptions that changed.`,
	RunE: runPublisher,
}

var (
	retryInterval time.Duration
	statsInterval time.Duration
)

func init() {
	runCmd.Flags().DurationVar(&retryInterval, "retry", 10*time.Second, "Interval between attempts to apply subscriptions that failed")
	runCmd.Flags().DurationVar(&statsInterval, "stats", 0, "Interval between statistics log lines (0 disables)")
}

func runPublisher(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer logging.Shutdown()
	slog.SetDefault(logger)

	groups, err := cfg.Groups()
	if err != nil {
		return err
	}

	nc, err := natssink.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	sink, err := natssink.New(nc,
		natssink.WithPrefix(cfg.NATS.Prefix),
		natssink.WithFlushTimeout(cfg.NATS.FlushTimeout),
		natssink.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	factory := uaclient.NewFactory(
		uaclient.WithApplicationURI(cfg.Client.ApplicationURI),
		uaclient.WithRequestTimeout(cfg.Client.RequestTimeout),
		uaclient.WithSessionTimeout(cfg.Client.SessionTimeout),
		uaclient.WithAutoReconnect(cfg.Client.AutoReconnect, cfg.Client.ReconnectInterval),
		uaclient.WithNotificationQueue(cfg.Client.NotificationQueue),
		uaclient.WithLogger(logger),
	)
	pool, err := publisher.NewSessionPool(factory,
		publisher.WithPoolLogger(logger),
		publisher.WithOpenTimeout(cfg.Client.OpenTimeout),
		publisher.WithHealthCheckFrequency(cfg.Client.HealthCheckInterval),
	)
	if err != nil {
		return err
	}
	defer pool.Close()

	engine, err := publisher.NewEngine(pool, sink,
		publisher.WithLogger(logger),
		publisher.WithMaxBatchSize(cfg.Engine.MaxBatchSize),
		publisher.WithConcurrency(cfg.Engine.Concurrency),
		publisher.WithDispatchTimeout(cfg.Engine.DispatchTimeout),
		publisher.WithAttributeValidation(cfg.Engine.ValidateAttributes),
		publisher.WithTimestamps(cfg.Timestamps()),
		publisher.WithBrowseLimits(cfg.Engine.BrowseDepth, cfg.Engine.MaxBrowseNodes),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("publisher starting",
		slog.String("version", publisher.GetVersion().String()),
		slog.Int("subscriptions", len(groups)),
		slog.String("nats", nc.ConnectedUrl()))

	if err := engine.Start(ctx, groups); err != nil && ctx.Err() == nil {
		logger.Warn("some subscriptions failed to start", slog.String("error", err.Error()))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	var stats <-chan time.Time
	if statsInterval > 0 {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		stats = t.C
	}

	desired := groups
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := engine.Close(closeCtx); err != nil {
				logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
			}
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain failed", slog.String("error", err.Error()))
			}
			return nil

		case <-hup:
			next, err := reload()
			if err != nil {
				logger.Error("reload failed, keeping current configuration", slog.String("error", err.Error()))
				continue
			}
			desired = next
			d, err := engine.Reconfigure(ctx, desired)
			logger.Info("configuration reloaded",
				slog.Int("added", len(d.Added)),
				slog.Int("updated", len(d.Updated)),
				slog.Int("removed", len(d.Removed)))
			if err != nil && ctx.Err() == nil {
				logger.Warn("reload incomplete", slog.String("error", err.Error()))
			}

		case <-retry.C:
			if len(engine.Groups()) == len(desired) {
				continue
			}
			if _, err := engine.Reconfigure(ctx, desired); err != nil && ctx.Err() == nil {
				logger.Debug("retry incomplete", slog.String("error", err.Error()))
			}

		case <-stats:
			logger.Info("statistics",
				slog.Any("engine", engine.Metrics().Collect()),
				slog.Any("pool", pool.Metrics().Collect()))
		}
	}
}

func reload() ([]publisher.SubscriptionGroup, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	groups, err := cfg.Groups()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}
	return groups, nil
}
