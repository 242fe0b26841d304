package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/policy"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var runFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "package",
		Aliases: []string{"p"},
		Usage:   "Package name of the app under test (defaults to app.package)",
	},
	&cli.StringFlag{
		Name:  "activity",
		Usage: "Main activity used in the start intent",
	},
	&cli.StringFlag{
		Name:  "name",
		Usage: "Human readable app name",
	},
	&cli.StringFlag{
		Name:  "policy",
		Usage: "Exploration policy (dfs_greedy, bfs_greedy, dfs_naive, bfs_naive, task, replay, manual, none)",
	},
	&cli.StringFlag{
		Name:    "task",
		Aliases: []string{"t"},
		Usage:   "Natural-language task for the task policy",
	},
	&cli.IntFlag{
		Name:    "count",
		Aliases: []string{"n"},
		Usage:   "Maximum number of input events",
	},
	&cli.StringFlag{
		Name:    "serial",
		Aliases: []string{"s"},
		Usage:   "Device serial",
		EnvVars: []string{"ADB_SERIAL", "ANDROID_SERIAL"},
	},
	&cli.Float64Flag{
		Name:  "interval",
		Usage: "Seconds to wait between events",
	},
	&cli.BoolFlag{
		Name:  "random-input",
		Usage: "Fill text fields with random strings instead of defaults",
	},
	&cli.BoolFlag{
		Name:  "keep-app",
		Usage: "Do not force-stop the app before the first event",
	},
	&cli.StringFlag{
		Name:  "assessment",
		Usage: "Assessment YAML with credentials and critical sections",
	},
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Explore an app on a connected device",
	Flags:  runFlags,
	Action: runAction,
}

const replayCommandName = "replay"

var replayCommand = &cli.Command{
	Name:  replayCommandName,
	Usage: "Replay the events recorded by a previous run",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:     "dir",
			Aliases:  []string{"d"},
			Usage:    "Output directory of the run to replay",
			Required: true,
		},
	}, runFlags...),
	Action: func(c *cli.Context) error {
		return explore(c, policy.NameReplay)
	},
}

func runAction(c *cli.Context) error {
	return explore(c, c.String("policy"))
}

// applyRunFlags 命令行参数覆盖配置文件
func applyRunFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("interval") {
		cfg.Explorer.EventInterval = c.Float64("interval")
	}
	if c.Bool("random-input") {
		cfg.Explorer.RandomInput = true
	}
	if c.Bool("keep-app") {
		cfg.Explorer.KeepApp = true
	}
	if v := c.String("assessment"); v != "" {
		cfg.Explorer.AssessmentConfig = v
	}
	if v := c.String("serial"); v != "" {
		cfg.ADB.Serial = v
	}
}

func buildRequest(c *cli.Context, cfg *config.Config, runID, policyName string) *domain.RunRequest {
	req := &domain.RunRequest{
		RunID:        runID,
		Policy:       policyName,
		Task:         c.String("task"),
		EventCount:   c.Int("count"),
		DeviceSerial: cfg.ADB.Serial,
	}
	if pkg := c.String("package"); pkg != "" {
		req.App = domain.App{
			Name:         c.String("name"),
			Package:      pkg,
			MainActivity: c.String("activity"),
		}
	}
	if c.Command.Name == replayCommandName {
		req.ReplayDir = c.String("dir")
	}
	return req
}

func explore(c *cli.Context, policyName string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyRunFlags(c, cfg)

	runID := uuid.New().String()
	logger, logFile, err := config.InitRunLogger(&cfg.Log, filepath.Join(cfg.OutputDir, runID))
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer deps.close(logger)

	svc := service.NewExplorationService(cfg, deps.opts, logger)
	req := buildRequest(c, cfg, runID, policyName)

	logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"package": req.App.Package,
		"policy":  policyName,
		"serial":  req.DeviceSerial,
	}).Info("Starting exploration")

	result, err := svc.Execute(ctx, req)
	if result != nil {
		printResult(result)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if result != nil && result.Status == domain.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", result.RunID, result.Reason)
	}
	return nil
}

func printResult(result *service.RunResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(result)
}
