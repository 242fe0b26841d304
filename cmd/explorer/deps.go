package main

import (
	"context"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/ai"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/assessment"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/memory"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/middleware"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/repository"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/retry"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/service"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/watcher"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

// loadConfig 读取配置并应用全局参数
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if out := c.String("output"); out != "" {
		cfg.OutputDir = out
	}
	return cfg, nil
}

// dependencies 各命令共用的组件
type dependencies struct {
	db      *gorm.DB
	metrics *middleware.PrometheusMetrics
	opts    service.Options
	watcher *watcher.FileWatcher
}

// buildDependencies 初始化数据库、指标、模型客户端、记忆库与评估配置
func buildDependencies(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dependencies, error) {
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected successfully")

	metrics := middleware.NewPrometheusMetrics(logger, "ui_explorer")
	d := &dependencies{
		db:      db,
		metrics: metrics,
		opts: service.Options{
			Runs:    repository.NewRunRepository(db, logger),
			Metrics: metrics,
		},
	}

	pollConfig := retry.DevicePollConfig(logger)
	pollConfig.OnRetry = metrics.RecordRetryAttempt
	d.opts.NewDevice = service.AndroidDeviceFactory(cfg.ADB, pollConfig, logger)

	creds, err := assessment.NewCredentialManager(cfg.Explorer.AssessmentConfig, logger)
	if err != nil {
		d.close(logger)
		return nil, err
	}
	d.opts.Credentials = creds
	if cfg.Explorer.WatchAssessment && cfg.Explorer.AssessmentConfig != "" {
		fw, err := watcher.NewReloadWatcher(cfg.Explorer.AssessmentConfig, creds, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to watch assessment config, hot reload disabled")
		} else if err := fw.Start(ctx); err != nil {
			logger.WithError(err).Warn("Failed to start assessment watcher")
			fw.Stop()
		} else {
			d.watcher = fw
		}
	}

	if cfg.LLM.Enabled {
		oracleRetry := retry.OracleConfig(logger)
		oracleRetry.OnRetry = metrics.RecordRetryAttempt
		client := ai.NewClient(&cfg.LLM, logger).
			WithRetryConfig(oracleRetry).
			WithLatencyObserver(func(operation string, elapsed time.Duration, err error) {
				metrics.RecordOracleRequest(elapsed, err)
			})
		d.opts.Oracle = client
		logger.WithField("model", client.Model()).Info("Decision oracle enabled")

		useMemory := cfg.Memory.Enabled || creds.Config().MemorySettings.UseMemory
		if useMemory && cfg.Memory.Path != "" {
			store, err := memory.Load(cfg.Memory.Path, client, logger)
			if err != nil {
				logger.WithError(err).Warn("Failed to load element memory, continuing without it")
			} else {
				d.opts.Memory = store
			}
		}
	}

	if cfg.Humanoid.Enabled && cfg.Humanoid.URL != "" {
		d.opts.Ranker = ai.NewHumanoidClient(cfg.Humanoid.URL, time.Duration(cfg.Humanoid.Timeout)*time.Second, logger)
		logger.WithField("url", cfg.Humanoid.URL).Info("Humanoid ranking enabled")
	}

	return d, nil
}

func (d *dependencies) close(logger *logrus.Logger) {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if sqlDB, err := d.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}
}
