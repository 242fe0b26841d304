package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/adb"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/api"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/api/handlers"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/device"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/middleware"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/queue"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/service"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the HTTP API and execute queued runs on a device pool",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "HTTP listen port (defaults to server.port)",
			EnvVars: []string{"EXPLORER_PORT"},
		},
	},
	Action: serveAction,
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	logger := config.InitLogger(&cfg.Log)
	logger.WithField("version", Version).Info("Starting UI explorer server")

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer deps.close(logger)

	// 设备池
	serials := cfg.ADB.DeviceSerials()
	adbServer := adb.NewServer(cfg.ADB.Path, logger)
	if err := adbServer.EnsureStarted(ctx); err != nil {
		logger.WithError(err).Warn("Failed to start ADB server")
	}
	if unavailable := adbServer.Reconnect(ctx, serials); len(unavailable) > 0 {
		logger.WithField("devices", unavailable).Warn("Some devices are not available yet")
	}
	go adbServer.HealthCheck(ctx, time.Minute, serials)

	deps.opts.Devices = device.NewManager(serials, logger)
	logger.WithField("devices", serials).Info("Device pool initialized")

	// 实时推送
	monitor := handlers.NewRunMonitorHandler(logger)
	go monitor.Start(ctx)
	deps.opts.Broadcaster = monitor

	// Worker Pool 在服务创建后绑定执行函数
	var svc service.ExplorationService
	concurrency := cfg.Worker.Concurrency
	if n := len(serials); n > 0 && concurrency > n {
		concurrency = n
	}
	pool := worker.NewPool(concurrency, cfg.Worker.QueueSize, func(ctx context.Context, req *domain.RunRequest) error {
		_, err := svc.Execute(ctx, req)
		return err
	}, logger).WithStats(deps.metrics)

	var (
		mqClient *queue.Client
		consumer *queue.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		mqClient, err = queue.NewClient(cfg.RabbitMQ, concurrency, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer mqClient.Close()
		deps.opts.Events = mqClient
		deps.opts.Dispatcher = queue.NewProducer(mqClient, cfg.RabbitMQ.Queue, logger)
	} else {
		deps.opts.Dispatcher = pool
	}

	svc = service.NewExplorationService(cfg, deps.opts, logger)
	pool.Start(ctx)

	if mqClient != nil {
		consumer = queue.NewConsumer(mqClient, cfg.RabbitMQ.Queue, pool.SubmitAndWait, concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
		if depth, err := mqClient.QueueDepth(cfg.RabbitMQ.Queue); err == nil {
			logger.WithFields(logrus.Fields{
				"queue": cfg.RabbitMQ.Queue,
				"depth": depth,
			}).Info("Resuming queued runs")
		}
	}

	memMonitor := middleware.NewMemoryMonitor(logger, deps.metrics, 30*time.Second)
	go memMonitor.Run(ctx)

	router := api.SetupRouter(cfg, logger, svc, memMonitor, deps.metrics, monitor)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		logger.WithError(err).Error("HTTP server failed")
	}

	logger.Info("Shutting down server...")
	if consumer != nil {
		consumer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	cancel()
	pool.Stop()

	logger.Info("Server exited")
	return nil
}
